// Package booklock arbitrates the exclusive per-book editing lock.
package booklock

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const DefaultTTL = time.Hour

var (
	ErrHeld     = errors.New("book is locked by another user")
	ErrNotOwner = errors.New("you do not own this lock")
)

type Status struct {
	IsLocked   bool      `json:"isLocked"`
	LockedBy   string    `json:"lockedBy,omitempty"`
	LockedAt   time.Time `json:"lockedAt,omitzero"`
	LockExpiry time.Time `json:"lockExpiry,omitzero"`
}

// HeldBy reports whether the lock is held by someone other than userID.
func (s Status) HeldBy(userID string) bool {
	return s.IsLocked && s.LockedBy != userID
}

// acquireScript takes or renews the lock unless another user holds an
// unexpired one. KEYS[1]=lock key, ARGV: user, now ms, expiry ms, ttl ms.
var acquireScript = redis.NewScript(`
local owner = redis.call('HGET', KEYS[1], 'userId')
if owner and owner ~= ARGV[1] then
	local expiry = tonumber(redis.call('HGET', KEYS[1], 'lockExpiry'))
	if expiry == nil or expiry > tonumber(ARGV[2]) then
		return 0
	end
end
redis.call('HSET', KEYS[1], 'userId', ARGV[1], 'lockedAt', ARGV[2], 'lockExpiry', ARGV[3])
redis.call('PEXPIRE', KEYS[1], ARGV[4])
return 1
`)

// releaseScript deletes the lock only for its owner. Returns 1 when released
// or not held, 0 when owned by someone else.
var releaseScript = redis.NewScript(`
local owner = redis.call('HGET', KEYS[1], 'userId')
if not owner then
	return 1
end
if owner ~= ARGV[1] then
	return 0
end
redis.call('DEL', KEYS[1])
return 1
`)

// expireScript clears the lock only when its stored expiry is at or before
// ARGV[1] (now ms), so a lock renewed after it was read survives.
var expireScript = redis.NewScript(`
local expiry = tonumber(redis.call('HGET', KEYS[1], 'lockExpiry'))
if expiry == nil or expiry > tonumber(ARGV[1]) then
	return 0
end
redis.call('DEL', KEYS[1])
return 1
`)

type Locker struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
	now    func() time.Time
}

func New(client *redis.Client, ttl time.Duration) *Locker {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Locker{client: client, prefix: "booklock:", ttl: ttl, now: time.Now}
}

func (l *Locker) key(bookID string) string {
	return l.prefix + bookID
}

// TTL returns how long an acquired lock stays valid without renewal.
func (l *Locker) TTL() time.Duration {
	return l.ttl
}

// Acquire takes the lock for userID, renewing it when userID already holds
// it. When another user holds an unexpired lock it returns that holder's
// status and ErrHeld.
func (l *Locker) Acquire(ctx context.Context, bookID, userID string) (Status, error) {
	if bookID == "" || userID == "" {
		return Status{}, fmt.Errorf("acquire lock: book and user are required")
	}
	now := l.now()
	expiry := now.Add(l.ttl)
	acquired, err := acquireScript.Run(ctx, l.client, []string{l.key(bookID)},
		userID,
		now.UnixMilli(),
		expiry.UnixMilli(),
		l.ttl.Milliseconds(),
	).Int()
	if err != nil {
		return Status{}, fmt.Errorf("acquire lock: %w", err)
	}
	status, err := l.Status(ctx, bookID)
	if err != nil {
		return Status{}, err
	}
	if acquired == 0 {
		return status, ErrHeld
	}
	return status, nil
}

// Release drops the lock. Only the owner may release; releasing a lock that
// is not held succeeds.
func (l *Locker) Release(ctx context.Context, bookID, userID string) error {
	released, err := releaseScript.Run(ctx, l.client, []string{l.key(bookID)}, userID).Int()
	if err != nil {
		return fmt.Errorf("release lock: %w", err)
	}
	if released == 0 {
		return ErrNotOwner
	}
	return nil
}

// ForceRelease drops the lock regardless of owner.
func (l *Locker) ForceRelease(ctx context.Context, bookID string) error {
	if err := l.client.Del(ctx, l.key(bookID)).Err(); err != nil {
		return fmt.Errorf("force release lock: %w", err)
	}
	return nil
}

// Status reports the current holder. A lock past its expiry is treated as
// released and cleared.
func (l *Locker) Status(ctx context.Context, bookID string) (Status, error) {
	status, err := l.read(ctx, bookID)
	if err != nil || !status.IsLocked {
		return status, err
	}
	now := l.now()
	if status.LockExpiry.IsZero() || now.Before(status.LockExpiry) {
		return status, nil
	}
	cleared, err := expireScript.Run(ctx, l.client, []string{l.key(bookID)}, now.UnixMilli()).Int()
	if err != nil {
		return Status{}, fmt.Errorf("clear expired lock: %w", err)
	}
	if cleared == 1 {
		return Status{IsLocked: false}, nil
	}
	// Renewed between the read and the clear.
	return l.read(ctx, bookID)
}

func (l *Locker) read(ctx context.Context, bookID string) (Status, error) {
	fields, err := l.client.HGetAll(ctx, l.key(bookID)).Result()
	if err != nil {
		return Status{}, fmt.Errorf("read lock: %w", err)
	}
	owner := fields["userId"]
	if owner == "" {
		return Status{IsLocked: false}, nil
	}
	return Status{
		IsLocked:   true,
		LockedBy:   owner,
		LockedAt:   parseMillis(fields["lockedAt"]),
		LockExpiry: parseMillis(fields["lockExpiry"]),
	}, nil
}

func parseMillis(value string) time.Time {
	ms, err := strconv.ParseInt(value, 10, 64)
	if err != nil || ms <= 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}
