// Package connection is the Connection Supervisor (4.G): owns the single
// whatsmeow client, drives the {Init, Connecting, Open, Closed,
// ReconnectDelay, Shutdown} state machine, emits QR codes during pairing,
// and bounds reconnect attempts with a rolling-window counter.
package connection

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/rs/zerolog"
	qrcode "github.com/skip2/go-qrcode"
	"go.mau.fi/whatsmeow"
	"golang.org/x/sync/singleflight"

	"github.com/relaywave/wacore/internal/events"
	"github.com/relaywave/wacore/internal/metrics"
)

// State names one position in the supervisor's state machine.
type State string

const (
	StateInit           State = "init"
	StateConnecting     State = "connecting"
	StateOpen           State = "open"
	StateClosed         State = "closed"
	StateReconnectDelay State = "reconnect_delay"
	StateShutdown       State = "shutdown"
)

// Config controls reconnect bounding and QR emission.
type Config struct {
	ReconnectBase       time.Duration
	ReconnectMaxAttempts int
	ReconnectWindow     time.Duration
	QRTerminal          bool
}

func DefaultConfig() Config {
	return Config{
		ReconnectBase:        3 * time.Second,
		ReconnectMaxAttempts: 5,
		ReconnectWindow:      10 * time.Minute,
		QRTerminal:           true,
	}
}

// Supervisor owns the whatsmeow client for the process's single device
// and the reconnect/backoff policy wrapped around it.
type Supervisor struct {
	cfg     Config
	log     zerolog.Logger
	router  *events.Router
	metrics *metrics.Registry

	mu          sync.Mutex
	state       State
	client      *whatsmeow.Client
	generation  uint64
	attempts    []time.Time // rolling window of reconnect attempt timestamps
	loggedOut   bool
	sfGroup     singleflight.Group
	readyOnce   sync.Once
}

func New(cfg Config, log zerolog.Logger, router *events.Router, m *metrics.Registry) *Supervisor {
	return &Supervisor{cfg: cfg, log: log, router: router, metrics: m, state: StateInit}
}

// State returns the supervisor's current state.
func (s *Supervisor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Supervisor) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
	s.log.Info().Str("state", string(st)).Msg("connection state transition")
}

// Connect performs a single connect attempt, coalesced via singleflight so
// concurrent callers (e.g. a manual reconnect command racing the automatic
// supervisor loop) never open two sockets for the same device.
func (s *Supervisor) Connect(ctx context.Context, client *whatsmeow.Client) error {
	_, err, _ := s.sfGroup.Do("connect", func() (any, error) {
		return nil, s.connectOnce(ctx, client)
	})
	return err
}

func (s *Supervisor) connectOnce(ctx context.Context, client *whatsmeow.Client) error {
	s.setState(StateConnecting)
	s.mu.Lock()
	s.client = client
	gen := s.router.NextGeneration()
	s.generation = gen
	s.mu.Unlock()

	client.AddEventHandler(s.router.Dispatch(gen))

	if client.Store.ID == nil {
		// No paired device yet: obtain the QR channel BEFORE calling
		// Connect, per whatsmeow's documented pairing sequence.
		qrChan, err := client.GetQRChannel(ctx)
		if err != nil {
			return fmt.Errorf("get qr channel: %w", err)
		}
		if err := client.Connect(); err != nil {
			return fmt.Errorf("connect: %w", err)
		}
		for evt := range qrChan {
			switch evt.Event {
			case "code":
				s.emitQR(evt.Code)
			case "success":
				s.onOpen()
				return nil
			case "timeout":
				return fmt.Errorf("qr pairing timed out")
			}
		}
		return nil
	}

	if err := client.Connect(); err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	s.onOpen()
	return nil
}

func (s *Supervisor) onOpen() {
	s.setState(StateOpen)
	s.notifyReady()
}

// notifyReady signals systemd readiness exactly once per process lifetime,
// on the first successful open (matching sd_notify's one-shot contract).
func (s *Supervisor) notifyReady() {
	s.readyOnce.Do(func() {
		if sent, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
			s.log.Debug().Err(err).Msg("sd_notify failed")
		} else if sent {
			s.log.Info().Msg("sd_notify READY=1 sent")
		}
	})
}

func (s *Supervisor) emitQR(code string) {
	if s.cfg.QRTerminal {
		qr, err := qrcode.New(code, qrcode.Medium)
		if err != nil {
			s.log.Error().Err(err).Msg("failed to render QR code")
			return
		}
		fmt.Println(qr.ToSmallString(false))
	}
}

// Disconnect closes the current socket and transitions to Closed. Safe to
// call from the shutdown path or in response to a LoggedOut event.
func (s *Supervisor) Disconnect() {
	s.mu.Lock()
	client := s.client
	s.mu.Unlock()
	if client != nil {
		client.Disconnect()
	}
	s.setState(StateClosed)
}

// RunReconnectLoop watches for disconnects and reconnects with exponential
// backoff, bounded by a rolling-window attempt counter: attempts older than
// ReconnectWindow age out of the window, so a connection that has been
// stable for a while earns a fresh budget rather than being permanently
// penalized by a burst long in the past.
func (s *Supervisor) RunReconnectLoop(ctx context.Context, client *whatsmeow.Client, disconnected <-chan struct{}) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-disconnected:
		}

		s.mu.Lock()
		if s.state == StateShutdown || s.loggedOut {
			s.mu.Unlock()
			return
		}
		s.mu.Unlock()

		s.setState(StateReconnectDelay)
		if !s.withinBudget() {
			// Budget spent: wait out the rolling window, then start a
			// fresh attempt counter.
			s.log.Warn().Dur("window", s.cfg.ReconnectWindow).Msg("reconnect attempts exhausted, waiting out the window")
			select {
			case <-ctx.Done():
				return
			case <-time.After(s.cfg.ReconnectWindow):
			}
			s.resetAttempts()
		}
		attempt := s.recordAttempt()
		s.metrics.ReconnectAttempts.Inc()

		backoff := ReconnectBackoff(s.cfg.ReconnectBase, attempt)
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}

		if err := s.Connect(ctx, client); err != nil {
			s.log.Error().Err(err).Int("attempt", attempt).Msg("reconnect attempt failed")
		}
	}
}

// ReconnectBackoff computes base * 2^(attempt-1), the delay before the
// given (1-indexed) reconnect attempt. Exported as a pure function so the
// rolling-window/backoff policy (spec §4.G, scenario S4) is unit-testable
// without a live whatsmeow client.
func ReconnectBackoff(base time.Duration, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	return base * time.Duration(1<<uint(attempt-1))
}

// withinBudget and recordAttempt share s.mu's rolling window: old entries
// are pruned on every call so the window only ever holds live attempts.
func (s *Supervisor) withinBudget() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attempts = pruneAttempts(s.attempts, s.cfg.ReconnectWindow, time.Now())
	return len(s.attempts) < s.cfg.ReconnectMaxAttempts
}

func (s *Supervisor) resetAttempts() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attempts = nil
}

func (s *Supervisor) recordAttempt() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attempts = pruneAttempts(s.attempts, s.cfg.ReconnectWindow, time.Now())
	s.attempts = append(s.attempts, time.Now())
	return len(s.attempts)
}

// pruneAttempts drops entries older than window relative to now, keeping
// the rolling-window semantics (spec §9's Open Question resolution: a
// window-based counter, not a per-close counter) a pure, unit-testable
// function independent of the supervisor's mutex and client.
func pruneAttempts(attempts []time.Time, window time.Duration, now time.Time) []time.Time {
	cutoff := now.Add(-window)
	kept := attempts[:0]
	for _, t := range attempts {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	return kept
}

// HandleLogout is the auth-invalidation path: the provider has revoked
// this device's credentials, so reconnecting is pointless. The supervisor
// closes definitively and wipes the credentials directory so the next
// start pairs from scratch.
func (s *Supervisor) HandleLogout(authDir string) {
	s.setState(StateClosed)
	s.mu.Lock()
	s.client = nil
	s.loggedOut = true
	s.mu.Unlock()
	if authDir != "" {
		if err := os.RemoveAll(authDir); err != nil {
			s.log.Error().Err(err).Str("dir", authDir).Msg("failed to wipe credentials directory")
		}
	}
	s.log.Error().Msg("session logged out by provider, closed definitively")
}

// Shutdown transitions to Shutdown and disconnects the client in order:
// reconnect loop observers checking state exit on their next wake, then
// the socket is closed.
func (s *Supervisor) Shutdown() {
	s.setState(StateShutdown)
	s.Disconnect()
}
