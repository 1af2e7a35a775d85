package stores

import (
	"context"
	"strings"
	"testing"

	"github.com/quadnix/octo-sub002/pkg/errs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncryptedStateProviderRoundTrip(t *testing.T) {
	ctx := context.Background()
	inner := NewMemoryStateProvider()
	p, err := NewEncryptedStateProvider(inner, "secret")
	require.NoError(t, err)

	plain := []byte(`{"resources":{"vpc=v1":{}}}`)
	require.NoError(t, p.SaveState(ctx, "actual-resources", plain))

	stored, err := inner.GetState(ctx, "actual-resources", nil)
	require.NoError(t, err)
	assert.True(t, IsEncrypted(stored))
	assert.NotContains(t, string(stored), "vpc=v1")

	got, err := p.GetState(ctx, "actual-resources", nil)
	require.NoError(t, err)
	assert.Equal(t, plain, got)
}

func TestEncryptedStateProviderUsesFreshSaltAndNonce(t *testing.T) {
	ctx := context.Background()
	inner := NewMemoryStateProvider()
	p, err := NewEncryptedStateProvider(inner, "secret")
	require.NoError(t, err)

	require.NoError(t, p.SaveState(ctx, "a", []byte("same")))
	require.NoError(t, p.SaveState(ctx, "b", []byte("same")))

	a, _ := inner.GetState(ctx, "a", nil)
	b, _ := inner.GetState(ctx, "b", nil)
	assert.NotEqual(t, a, b)
}

func TestEncryptedStateProviderWrongPassphrase(t *testing.T) {
	ctx := context.Background()
	inner := NewMemoryStateProvider()
	writer, err := NewEncryptedStateProvider(inner, "secret")
	require.NoError(t, err)
	require.NoError(t, writer.SaveState(ctx, "models", []byte("{}")))

	reader, err := NewEncryptedStateProvider(inner, "guess")
	require.NoError(t, err)

	_, err = reader.GetState(ctx, "models", nil)
	require.Error(t, err)
	assert.True(t, errs.IsState(err))
	assert.True(t, strings.Contains(err.Error(), "wrong passphrase"))
}

func TestEncryptedStateProviderPassesThrough(t *testing.T) {
	ctx := context.Background()
	inner := NewMemoryStateProvider()
	require.NoError(t, inner.SaveState(ctx, "legacy", []byte("plain")))

	p, err := NewEncryptedStateProvider(inner, "secret")
	require.NoError(t, err)

	got, err := p.GetState(ctx, "legacy", nil)
	require.NoError(t, err)
	assert.Equal(t, "plain", string(got), "unencrypted documents are read as stored")

	got, err = p.GetState(ctx, "missing", []byte("def"))
	require.NoError(t, err)
	assert.Equal(t, "def", string(got))

	require.NoError(t, p.Lock(ctx))
	assert.Equal(t, errs.ErrCodeLocked, errs.CodeOf(inner.Lock(ctx)))
	require.NoError(t, p.Unlock(ctx))

	names, err := p.ListStates(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"legacy"}, names)
}

func TestNewEncryptedStateProviderRequiresPassphrase(t *testing.T) {
	_, err := NewEncryptedStateProvider(NewMemoryStateProvider(), "")
	assert.True(t, errs.IsValidation(err))
}
