package session

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestMirror(t *testing.T) (*RedisMirror, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	m, err := NewRedisMirror(context.Background(), RedisOptions{Addr: mr.Addr(), KeyTTL: time.Minute})
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Close() })
	return m, mr
}

func TestRedisMirrorAnnounceWithdraw(t *testing.T) {
	m, mr := newTestMirror(t)
	r := NewRegistry(m)
	tok := r.Issue()

	require.NoError(t, r.Register(tok, stubConn{addr: "127.0.0.1:4000"}))
	assert.True(t, mr.Exists(keyPrefix+tok))
	assert.Equal(t, time.Minute, mr.TTL(keyPrefix+tok))

	recs, err := m.Attached(context.Background())
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, tok, recs[0].Token)
	assert.Equal(t, "127.0.0.1:4000", recs[0].Remote)

	r.Unregister(tok)
	assert.False(t, mr.Exists(keyPrefix+tok))
}

func TestRedisMirrorHeartbeatRefreshesTTL(t *testing.T) {
	m, mr := newTestMirror(t)
	m.Announce(Session{Token: "abc", Conn: stubConn{}, Connected: time.Now()})

	mr.FastForward(50 * time.Second)
	assert.Equal(t, 10*time.Second, mr.TTL(keyPrefix+"abc"))

	m.Heartbeat()
	assert.Equal(t, time.Minute, mr.TTL(keyPrefix+"abc"))
}

func TestNewRedisMirrorFailsWhenUnreachable(t *testing.T) {
	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()

	_, err := NewRedisMirror(context.Background(), RedisOptions{Addr: addr})
	assert.Error(t, err)
}
