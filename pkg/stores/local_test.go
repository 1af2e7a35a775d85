package stores

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/quadnix/octo-sub002/pkg/errs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalStateProviderRoundTrip(t *testing.T) {
	ctx := context.Background()
	p, err := NewLocalStateProvider(filepath.Join(t.TempDir(), "state"))
	require.NoError(t, err)

	data, err := p.GetState(ctx, "models", []byte("default"))
	require.NoError(t, err)
	assert.Equal(t, "default", string(data))

	require.NoError(t, p.SaveState(ctx, "models", []byte("v1")))
	require.NoError(t, p.SaveState(ctx, "models", []byte("v2")))
	require.NoError(t, p.SaveState(ctx, "old-resources", []byte("r")))

	data, err = p.GetState(ctx, "models", nil)
	require.NoError(t, err)
	assert.Equal(t, "v2", string(data))

	require.NoError(t, p.Lock(ctx))
	names, err := p.ListStates(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"models", "old-resources"}, names, "lock and temp files are not documents")
}

func TestLocalStateProviderLock(t *testing.T) {
	ctx := context.Background()
	p, err := NewLocalStateProvider(t.TempDir())
	require.NoError(t, err)

	require.NoError(t, p.Lock(ctx))
	content, err := os.ReadFile(p.lockPath())
	require.NoError(t, err)
	assert.Contains(t, string(content), "pid=")

	err = p.Lock(ctx)
	assert.Equal(t, errs.ErrCodeLocked, errs.CodeOf(err))

	require.NoError(t, p.Unlock(ctx))
	require.NoError(t, p.Unlock(ctx), "unlocking twice is fine")
	require.NoError(t, p.Lock(ctx))
}

func TestLocalStateProviderReplacesStaleLock(t *testing.T) {
	ctx := context.Background()
	p, err := NewLocalStateProvider(t.TempDir())
	require.NoError(t, err)

	require.NoError(t, p.Lock(ctx))
	stale := time.Now().Add(-StaleLockAge - time.Minute)
	require.NoError(t, os.Chtimes(p.lockPath(), stale, stale))

	assert.NoError(t, p.Lock(ctx))
}

func TestLocalStateProviderWatch(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	p, err := NewLocalStateProvider(t.TempDir())
	require.NoError(t, err)

	changes, err := p.Watch(ctx)
	require.NoError(t, err)

	require.NoError(t, p.SaveState(ctx, "models", []byte("v1")))

	for {
		select {
		case change, ok := <-changes:
			require.True(t, ok, "watch stopped early")
			if change.Name != "models" {
				continue
			}
			assert.False(t, change.Removed)
			return
		case <-ctx.Done():
			t.Fatal("no change reported")
		}
	}
}

func TestMemoryStateProviderLock(t *testing.T) {
	ctx := context.Background()
	p := NewMemoryStateProvider()

	require.NoError(t, p.Lock(ctx))
	assert.Equal(t, errs.ErrCodeLocked, errs.CodeOf(p.Lock(ctx)))
	require.NoError(t, p.Unlock(ctx))
	assert.NoError(t, p.Lock(ctx))
}

func TestOpenRejectsUnknownBackend(t *testing.T) {
	_, err := Open(context.Background(), Config{Backend: "redis"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown state backend")
}

func TestOpenSQLiteRecordsRuns(t *testing.T) {
	ctx := context.Background()
	opened, err := Open(ctx, Config{Backend: BackendSQLite, Path: filepath.Join(t.TempDir(), "octo.db")})
	require.NoError(t, err)
	defer opened.Close()

	_, ok := opened.Recorder()
	assert.True(t, ok)

	_, err = opened.Watch(ctx)
	assert.Error(t, err)

	require.NoError(t, opened.SaveState(ctx, "models", []byte("{}")))
	names, err := opened.ListStates(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"models"}, names)
}

func TestOpenEncryptedRequiresPassphrase(t *testing.T) {
	t.Setenv(PassphraseEnvVar, "")

	_, err := Open(context.Background(), Config{Backend: BackendMemory, Encrypt: true})
	assert.True(t, errs.IsValidation(err))

	t.Setenv(PassphraseEnvVar, "from-env")
	opened, err := Open(context.Background(), Config{Backend: BackendMemory, Encrypt: true})
	require.NoError(t, err)
	assert.IsType(t, &EncryptedStateProvider{}, opened.StateProvider)
}
