// Package lock provides short-lived named locks: per-resident consent locks
// and the busy flag that keeps one bulk operation of a kind running at a time.
package lock

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

var ErrBusy = errors.New("lock is held")

type Options struct {
	// Prefix namespaces keys, e.g. "lock:" or "busy:".
	Prefix string
	// TTL bounds how long a crashed holder can block others.
	TTL time.Duration
	// Wait is how long Acquire polls for a held lock; zero fails fast.
	Wait  time.Duration
	Retry time.Duration
	// Refresh, when set, extends the TTL at this interval until release so
	// a long-running holder keeps its lock.
	Refresh time.Duration
}

func (o Options) withDefaults() Options {
	if o.TTL <= 0 {
		o.TTL = 30 * time.Second
	}
	if o.Retry <= 0 {
		o.Retry = 50 * time.Millisecond
	}
	return o
}

// releaseScript deletes the key only while it still holds our token.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// extendScript resets the TTL only while the key still holds our token.
var extendScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

type RedisLocker struct {
	client *redis.Client
	opts   Options
}

// NewRedisClient parses url and checks the connection.
func NewRedisClient(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	return client, nil
}

func NewRedisLocker(client *redis.Client, opts Options) *RedisLocker {
	return &RedisLocker{client: client, opts: opts.withDefaults()}
}

func (l *RedisLocker) Acquire(ctx context.Context, name string) (func(), error) {
	key := l.opts.Prefix + name
	token := uuid.NewString()
	deadline := time.Now().Add(l.opts.Wait)
	for {
		ok, err := l.client.SetNX(ctx, key, token, l.opts.TTL).Result()
		if err != nil {
			return nil, fmt.Errorf("acquire %s: %w", key, err)
		}
		if ok {
			break
		}
		if !time.Now().Before(deadline) {
			return nil, fmt.Errorf("%w: %s", ErrBusy, key)
		}
		if err := sleep(ctx, l.opts.Retry); err != nil {
			return nil, err
		}
	}

	stop := keepAlive(l.opts.Refresh, func() bool {
		extendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		n, err := extendScript.Run(extendCtx, l.client, []string{key}, token, l.opts.TTL.Milliseconds()).Int()
		return err != nil || n == 1
	})
	var once sync.Once
	return func() {
		once.Do(func() {
			stop()
			releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
			defer cancel()
			_ = releaseScript.Run(releaseCtx, l.client, []string{key}, token).Err()
		})
	}, nil
}

// Held reports whether name is currently locked.
func (l *RedisLocker) Held(ctx context.Context, name string) (bool, error) {
	n, err := l.client.Exists(ctx, l.opts.Prefix+name).Result()
	if err != nil {
		return false, fmt.Errorf("check %s: %w", l.opts.Prefix+name, err)
	}
	return n > 0, nil
}

// MemoryLocker is the single-process fallback used without redis.
type MemoryLocker struct {
	mu   sync.Mutex
	held map[string]memoryHold
	seq  uint64
	opts Options
	now  func() time.Time
}

type memoryHold struct {
	token   uint64
	expires time.Time
}

func NewMemoryLocker(opts Options) *MemoryLocker {
	return &MemoryLocker{held: make(map[string]memoryHold), opts: opts.withDefaults(), now: time.Now}
}

func (l *MemoryLocker) tryAcquire(key string) (uint64, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	if hold, ok := l.held[key]; ok && now.Before(hold.expires) {
		return 0, false
	}
	l.seq++
	l.held[key] = memoryHold{token: l.seq, expires: now.Add(l.opts.TTL)}
	return l.seq, true
}

// extend pushes the expiry out while token still owns key.
func (l *MemoryLocker) extend(key string, token uint64) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	hold, ok := l.held[key]
	if !ok || hold.token != token || !l.now().Before(hold.expires) {
		return false
	}
	hold.expires = l.now().Add(l.opts.TTL)
	l.held[key] = hold
	return true
}

func (l *MemoryLocker) Acquire(ctx context.Context, name string) (func(), error) {
	key := l.opts.Prefix + name
	deadline := time.Now().Add(l.opts.Wait)
	token, ok := l.tryAcquire(key)
	for !ok {
		if !time.Now().Before(deadline) {
			return nil, fmt.Errorf("%w: %s", ErrBusy, key)
		}
		if err := sleep(ctx, l.opts.Retry); err != nil {
			return nil, err
		}
		token, ok = l.tryAcquire(key)
	}

	stop := keepAlive(l.opts.Refresh, func() bool { return l.extend(key, token) })
	var once sync.Once
	return func() {
		once.Do(func() {
			stop()
			l.mu.Lock()
			if hold, ok := l.held[key]; ok && hold.token == token {
				delete(l.held, key)
			}
			l.mu.Unlock()
		})
	}, nil
}

func (l *MemoryLocker) Held(_ context.Context, name string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	hold, ok := l.held[l.opts.Prefix+name]
	return ok && l.now().Before(hold.expires), nil
}

// keepAlive calls extend every interval until the returned stop is called or
// extend reports the lock was lost. A zero interval does nothing.
func keepAlive(interval time.Duration, extend func() bool) (stop func()) {
	if interval <= 0 {
		return func() {}
	}
	done := make(chan struct{})
	finished := make(chan struct{})
	go func() {
		defer close(finished)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				if !extend() {
					return
				}
			}
		}
	}()
	return func() {
		close(done)
		<-finished
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
