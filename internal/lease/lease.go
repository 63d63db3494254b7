// Package lease provides TTL-bound exclusive claims on named resources.
//
// A lease has an owner and an expiry. Only the owner may release or renew it;
// anyone may force-expire it, which is how waiters recover from a crashed holder.
package lease

import (
	"context"
	"errors"
	"time"
)

// ErrNotOwner is returned when a release is attempted by someone other than the holder.
var ErrNotOwner = errors.New("lease held by another owner")

// Locker is the lease primitive used by the shared source cache.
type Locker interface {
	// TryAcquire claims key for owner until ttl elapses. It returns false,
	// without error, when another live lease holds the key.
	TryAcquire(ctx context.Context, key, owner string, ttl time.Duration) (bool, error)
	// Release drops the lease if owner still holds it. Releasing a lease that
	// expired or was broken is not an error; releasing one that another owner
	// now holds returns ErrNotOwner and leaves it in place.
	Release(ctx context.Context, key, owner string) error
	// ForceExpire drops the lease regardless of owner.
	ForceExpire(ctx context.Context, key string) error
	// Renew extends the lease owner holds to ttl from now. It returns
	// ErrNotOwner when the lease was lost.
	Renew(ctx context.Context, key, owner string, ttl time.Duration) error
	// Expiry reports when the lease on key lapses, or the zero time if none is held.
	Expiry(ctx context.Context, key string) (time.Time, error)
}
