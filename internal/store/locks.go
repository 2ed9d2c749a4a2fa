package store

import (
	"context"
	"hash/fnv"
	"time"

	"github.com/cif-go/cifstore/internal/ciferrors"
)

// identityLocks serializes merges per identity. Keys hash onto a fixed set of
// stripes, so two identities may share a stripe but one identity never spans two.
type identityLocks struct {
	stripes []chan struct{}
	mask    uint32
}

func newIdentityLocks(pow uint8) *identityLocks {
	if pow > 12 {
		pow = 12
	}
	n := 1 << pow
	l := &identityLocks{
		stripes: make([]chan struct{}, n),
		mask:    uint32(n - 1),
	}
	for i := range l.stripes {
		l.stripes[i] = make(chan struct{}, 1)
	}
	return l
}

func (l *identityLocks) stripeFor(key string) chan struct{} {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return l.stripes[h.Sum32()&l.mask]
}

// lock acquires key's stripe, waiting at most wait. A timeout is ErrBusy.
func (l *identityLocks) lock(ctx context.Context, key string, wait time.Duration) (func(), error) {
	stripe := l.stripeFor(key)
	select {
	case stripe <- struct{}{}:
		return func() { <-stripe }, nil
	default:
	}
	if wait <= 0 {
		return nil, ciferrors.ErrBusy
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case stripe <- struct{}{}:
		return func() { <-stripe }, nil
	case <-timer.C:
		return nil, ciferrors.ErrBusy
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
