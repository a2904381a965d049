// Package leaderlock implements single-writer election with a fencing
// token, backed by Redis SETNX+TTL through go-redis/v9.
package leaderlock

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// State is the instance's view of its own leadership.
type State int

const (
	StateFollower State = iota
	StateLeader
	StateLost
)

// LossCallback is invoked when a held lock's refresh fails.
type LossCallback func(reason error)

// Lock is a Redis-backed leader election with a monotonic fencing
// token. One Lock instance represents one competing process.
type Lock struct {
	client     *redis.Client
	key        string
	holderID   string
	ttl        time.Duration
	onLoss     LossCallback
	log        *slog.Logger

	mu            sync.Mutex
	state         State
	fencingToken  uint64
	cancelRefresh context.CancelFunc
	wg            sync.WaitGroup
}

type Option func(*Lock)

func WithTTL(ttl time.Duration) Option {
	return func(l *Lock) { l.ttl = ttl }
}

func WithLossCallback(cb LossCallback) Option {
	return func(l *Lock) { l.onLoss = cb }
}

func WithLogger(logger *slog.Logger) Option {
	return func(l *Lock) { l.log = logger }
}

// New creates a leader lock over key, identified by holderID (typically
// a process/instance UUID).
func New(client *redis.Client, key, holderID string, opts ...Option) *Lock {
	l := &Lock{
		client:   client,
		key:      key,
		holderID: holderID,
		ttl:      15 * time.Second,
		log:      slog.Default().With("component", "leaderlock"),
	}
	for _, o := range opts {
		o(l)
	}
	return l
}

var fencingScript = redis.NewScript(`
local fkey = KEYS[1] .. ":fencing"
local v = redis.call("INCR", fkey)
return v
`)

// Acquire attempts a set-if-absent on the lock key with a TTL. On
// success it atomically increments the fencing counter and starts a
// background refresh loop that extends the TTL every third of its
// duration.
func (l *Lock) Acquire(ctx context.Context) (acquired bool, fencingToken uint64, currentHolder string, err error) {
	ok, err := l.client.SetNX(ctx, l.key, l.holderID, l.ttl).Result()
	if err != nil {
		return false, 0, "", fmt.Errorf("leaderlock acquire: %w", err)
	}
	if !ok {
		holder, _ := l.client.Get(ctx, l.key).Result()
		return false, 0, holder, nil
	}

	token, err := fencingScript.Run(ctx, l.client, []string{l.key}).Int64()
	if err != nil {
		return false, 0, "", fmt.Errorf("leaderlock fencing increment: %w", err)
	}

	l.mu.Lock()
	l.state = StateLeader
	l.fencingToken = uint64(token)
	refreshCtx, cancel := context.WithCancel(context.Background())
	l.cancelRefresh = cancel
	l.mu.Unlock()

	l.wg.Add(1)
	go l.refreshLoop(refreshCtx)

	return true, uint64(token), l.holderID, nil
}

func (l *Lock) refreshLoop(ctx context.Context) {
	defer l.wg.Done()
	interval := l.ttl / 3
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := l.extend(ctx); err != nil {
				l.mu.Lock()
				l.state = StateLost
				l.mu.Unlock()
				l.log.Error("leader lease refresh failed, transitioning to lost", "error", err)
				if l.onLoss != nil {
					l.onLoss(err)
				}
				return
			}
		}
	}
}

func (l *Lock) extend(ctx context.Context) error {
	script := redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
else
	return 0
end`)
	res, err := script.Run(ctx, l.client, []string{l.key}, l.holderID, l.ttl.Milliseconds()).Int64()
	if err != nil {
		return err
	}
	if res == 0 {
		return errors.New("lock no longer held by this instance")
	}
	return nil
}

// Release performs a compare-and-delete guarded by holder identity.
func (l *Lock) Release(ctx context.Context) error {
	l.mu.Lock()
	if l.cancelRefresh != nil {
		l.cancelRefresh()
	}
	l.state = StateFollower
	l.mu.Unlock()
	l.wg.Wait()

	script := redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
else
	return 0
end`)
	return script.Run(ctx, l.client, []string{l.key}, l.holderID).Err()
}

// Validate reports whether the lock is held by this instance and token
// equals the current fencing value — the check EventLog.Append relies
// on before every write.
func (l *Lock) Validate(token uint64) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state == StateLeader && l.fencingToken == token
}

func (l *Lock) CurrentState() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

func (l *Lock) FencingToken() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.fencingToken
}
