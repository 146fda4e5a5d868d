package turnlock

import (
	"context"
	"sync"
	"time"
)

// LocalLocker keeps locks in process memory. It is used when no Redis address
// is configured and only covers requests served by the same container.
type LocalLocker struct {
	ttl time.Duration
	now func() time.Time

	mu   sync.Mutex
	held map[string]localLease
}

type localLease struct {
	token   string
	expires time.Time
}

func NewLocalLocker(ttl time.Duration) *LocalLocker {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &LocalLocker{ttl: ttl, now: time.Now, held: make(map[string]localLease)}
}

func (l *LocalLocker) Acquire(_ context.Context, sessionID string) (ReleaseFunc, error) {
	key, err := lockKey(defaultPrefix, sessionID)
	if err != nil {
		return nil, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if lease, ok := l.held[key]; ok && l.now().Before(lease.expires) {
		return nil, ErrLocked
	}
	token := newToken()
	l.held[key] = localLease{token: token, expires: l.now().Add(l.ttl)}

	return func(context.Context) error {
		l.mu.Lock()
		defer l.mu.Unlock()
		if lease, ok := l.held[key]; ok && lease.token == token {
			delete(l.held, key)
		}
		return nil
	}, nil
}

var _ Locker = (*LocalLocker)(nil)
