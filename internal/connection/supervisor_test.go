package connection

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaywave/wacore/internal/events"
	"github.com/relaywave/wacore/internal/metrics"
)

func TestReconnectBackoffDoublesPerAttempt(t *testing.T) {
	base := time.Second
	assert.Equal(t, time.Second, ReconnectBackoff(base, 1))
	assert.Equal(t, 2*time.Second, ReconnectBackoff(base, 2))
	assert.Equal(t, 4*time.Second, ReconnectBackoff(base, 3))
	assert.Equal(t, 8*time.Second, ReconnectBackoff(base, 4))
}

func TestReconnectBackoffClampsNonPositiveAttempt(t *testing.T) {
	base := time.Second
	assert.Equal(t, base, ReconnectBackoff(base, 0))
	assert.Equal(t, base, ReconnectBackoff(base, -3))
}

func TestPruneAttemptsDropsEntriesOutsideWindow(t *testing.T) {
	now := time.Now()
	attempts := []time.Time{
		now.Add(-20 * time.Minute),
		now.Add(-5 * time.Minute),
		now.Add(-1 * time.Minute),
	}

	kept := pruneAttempts(attempts, 10*time.Minute, now)
	assert.Len(t, kept, 2)
}

func TestPruneAttemptsKeepsAllWithinWindow(t *testing.T) {
	now := time.Now()
	attempts := []time.Time{now.Add(-1 * time.Minute), now}

	kept := pruneAttempts(attempts, 10*time.Minute, now)
	assert.Len(t, kept, 2)
}

func TestPruneAttemptsEmptyInput(t *testing.T) {
	kept := pruneAttempts(nil, 10*time.Minute, time.Now())
	assert.Empty(t, kept)
}

func TestHandleLogoutClosesDefinitivelyAndWipesAuth(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "wacore.db"), []byte("creds"), 0o600))

	s := New(DefaultConfig(), zerolog.Nop(), events.New(zerolog.Nop(), metrics.New()), metrics.New())
	s.HandleLogout(dir)

	assert.Equal(t, StateClosed, s.State())
	_, err := os.Stat(dir)
	assert.True(t, os.IsNotExist(err), "credentials directory must be wiped on logout")
}
