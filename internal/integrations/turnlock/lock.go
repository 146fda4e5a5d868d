// Package turnlock serializes turns within a session so two chat requests can
// never interleave their transcript writes.
package turnlock

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
)

var ErrLocked = errors.New("turnlock: turn already in progress")

const (
	DefaultTTL    = 90 * time.Second
	defaultPrefix = "sim:turn:"
)

// ReleaseFunc gives the lock back. Releasing an expired or stolen lock is a
// no-op.
type ReleaseFunc func(ctx context.Context) error

type Locker interface {
	Acquire(ctx context.Context, sessionID string) (ReleaseFunc, error)
}

var newToken = func() string {
	return uuid.NewString()
}

func lockKey(prefix, sessionID string) (string, error) {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return "", errors.New("turnlock: session id is required")
	}
	return prefix + sessionID, nil
}
