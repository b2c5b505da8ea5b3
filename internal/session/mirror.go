package session

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/matst80/ira/internal/obs"
	"github.com/redis/go-redis/v9"
)

// Mirror publishes attach/detach events outside the process. Failures are logged,
// never returned: the in-memory registry stays authoritative.
type Mirror interface {
	Announce(s Session)
	Withdraw(token string)
}

// Record is the JSON form stored in Redis (sans connection).
type Record struct {
	Token     string    `json:"token"`
	Remote    string    `json:"remote"`
	Instance  string    `json:"instance"`
	Connected time.Time `json:"connected"`
	LastSeen  time.Time `json:"last_seen"`
}

type nopMirror struct{}

func (nopMirror) Announce(Session) {}
func (nopMirror) Withdraw(string)  {}

const keyPrefix = "ira:session:"

// RedisMirror writes one key per attached token so drivers on other hosts can
// discover which bridge owns a browser.
type RedisMirror struct {
	client     *redis.Client
	instanceID string
	keyTTL     time.Duration
	opTimeout  time.Duration

	mu    sync.Mutex
	local map[string]Record
}

// RedisOptions configures NewRedisMirror.
type RedisOptions struct {
	Addr     string
	Password string
	DB       int
	KeyTTL   time.Duration
}

func NewRedisMirror(ctx context.Context, opts RedisOptions) (*RedisMirror, error) {
	rdb := redis.NewClient(&redis.Options{Addr: opts.Addr, Password: opts.Password, DB: opts.DB})
	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}
	ttl := opts.KeyTTL
	if ttl <= 0 {
		ttl = 90 * time.Second
	}
	return &RedisMirror{
		client:     rdb,
		instanceID: fmt.Sprintf("ira-%d", time.Now().UnixNano()),
		keyTTL:     ttl,
		opTimeout:  2 * time.Second,
		local:      make(map[string]Record),
	}, nil
}

var _ Mirror = (*RedisMirror)(nil)

func (m *RedisMirror) Announce(s Session) {
	rec := Record{Token: s.Token, Instance: m.instanceID, Connected: s.Connected, LastSeen: time.Now()}
	if s.Conn != nil {
		rec.Remote = s.Conn.RemoteAddr()
	}
	m.mu.Lock()
	m.local[s.Token] = rec
	m.mu.Unlock()
	if err := m.write(rec); err != nil {
		obs.Error("redis.announce", obs.Fields{"err": err, "token": s.Token})
		obs.ErrorsTotal.WithLabelValues("redis_announce").Inc()
	}
}

func (m *RedisMirror) Withdraw(token string) {
	m.mu.Lock()
	delete(m.local, token)
	m.mu.Unlock()
	ctx, cancel := context.WithTimeout(context.Background(), m.opTimeout)
	defer cancel()
	if err := m.client.Del(ctx, keyPrefix+token).Err(); err != nil {
		obs.Error("redis.withdraw", obs.Fields{"err": err, "token": token})
		obs.ErrorsTotal.WithLabelValues("redis_withdraw").Inc()
	}
}

func (m *RedisMirror) write(rec Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal session record: %w", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), m.opTimeout)
	defer cancel()
	return m.client.Set(ctx, keyPrefix+rec.Token, data, m.keyTTL).Err()
}

// Attached lists every token announced by any bridge instance.
func (m *RedisMirror) Attached(ctx context.Context) ([]Record, error) {
	var out []Record
	iter := m.client.Scan(ctx, 0, keyPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		val, err := m.client.Get(ctx, iter.Val()).Result()
		if err != nil {
			if err == redis.Nil {
				continue
			}
			return nil, err
		}
		var rec Record
		if err := json.Unmarshal([]byte(val), &rec); err != nil {
			obs.Error("redis.unmarshal_session", obs.Fields{"err": err, "key": iter.Val()})
			continue
		}
		out = append(out, rec)
	}
	return out, iter.Err()
}

// Heartbeat refreshes LastSeen and the TTL of every locally owned token.
func (m *RedisMirror) Heartbeat() {
	now := time.Now()
	m.mu.Lock()
	recs := make([]Record, 0, len(m.local))
	for tok, rec := range m.local {
		rec.LastSeen = now
		m.local[tok] = rec
		recs = append(recs, rec)
	}
	m.mu.Unlock()
	for _, rec := range recs {
		if err := m.write(rec); err != nil {
			obs.Error("redis.heartbeat", obs.Fields{"err": err, "token": rec.Token})
		}
	}
}

// Run heartbeats until ctx is cancelled.
func (m *RedisMirror) Run(ctx context.Context, interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			m.Heartbeat()
		}
	}
}

// Close withdraws every local token and closes the client.
func (m *RedisMirror) Close() error {
	m.mu.Lock()
	tokens := make([]string, 0, len(m.local))
	for tok := range m.local {
		tokens = append(tokens, tok)
	}
	m.mu.Unlock()
	for _, tok := range tokens {
		m.Withdraw(tok)
	}
	return m.client.Close()
}
