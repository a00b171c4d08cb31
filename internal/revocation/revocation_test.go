package revocation

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redismock/v9"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestBlacklist(t *testing.T) (*Blacklist, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	// miniredis does not understand the CLIENT SETINFO handshake.
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), DisableIndentity: true})
	t.Cleanup(func() { client.Close() })
	return NewBlacklist(client), mr
}

func TestDisabledBlacklist(t *testing.T) {
	b := NewBlacklist(nil)
	ctx := context.Background()

	assert.False(t, b.Enabled())
	assert.NoError(t, b.Revoke(ctx, "del-deadbeef", time.Now().Add(time.Hour)))

	revoked, err := b.IsRevoked(ctx, "del-deadbeef")
	require.NoError(t, err)
	assert.False(t, revoked)

	assert.NoError(t, b.RevokeBatch(ctx, map[string]time.Time{"x": time.Now().Add(time.Hour)}))
}

func TestRevokeAndCheck(t *testing.T) {
	b, mr := newTestBlacklist(t)
	ctx := context.Background()

	require.True(t, b.Enabled())
	require.NoError(t, b.Revoke(ctx, "acc-deadbeef", time.Now().Add(time.Hour)))

	revoked, err := b.IsRevoked(ctx, "acc-deadbeef")
	require.NoError(t, err)
	assert.True(t, revoked)

	revoked, err = b.IsRevoked(ctx, "acc-other")
	require.NoError(t, err)
	assert.False(t, revoked)

	// Entries expire with the token they blacklist.
	mr.FastForward(2 * time.Hour)
	revoked, err = b.IsRevoked(ctx, "acc-deadbeef")
	require.NoError(t, err)
	assert.False(t, revoked)
}

func TestRevokeExpiredTokenSkipsRedis(t *testing.T) {
	b, mr := newTestBlacklist(t)

	require.NoError(t, b.Revoke(context.Background(), "acc-expired", time.Now().Add(-time.Minute)))
	assert.False(t, mr.Exists(keyPrefix+"acc-expired"))
}

func TestRevokeBatch(t *testing.T) {
	b, mr := newTestBlacklist(t)
	ctx := context.Background()

	tokens := map[string]time.Time{
		"del-11111111": time.Now().Add(time.Hour),
		"acc-22222222": time.Now().Add(time.Hour),
		"acc-expired0": time.Now().Add(-time.Minute),
	}
	require.NoError(t, b.RevokeBatch(ctx, tokens))

	for _, jti := range []string{"del-11111111", "acc-22222222"} {
		revoked, err := b.IsRevoked(ctx, jti)
		require.NoError(t, err)
		assert.True(t, revoked, jti)
	}
	assert.False(t, mr.Exists(keyPrefix+"acc-expired0"))
}

func TestRevokeRedisError(t *testing.T) {
	client, mock := redismock.NewClientMock()
	mock.CustomMatch(func(expected, actual []interface{}) error {
		return nil
	}).ExpectSet(keyPrefix+"acc-err", 0, 0).SetErr(redis.TxFailedErr)

	b := NewBlacklist(client)
	err := b.Revoke(context.Background(), "acc-err", time.Now().Add(time.Hour))
	assert.Error(t, err)
}
