package hunter

import (
	"sync"

	"github.com/willf/bloom"
)

const recentFalsePositiveRate = 0.001

// recentFilter remembers recently hunted identities in two bloom filters.
// When the active filter holds capacity entries it becomes the previous
// one and a fresh filter takes over, so memory stays bounded and old
// entries age out.
type recentFilter struct {
	mu       sync.Mutex
	capacity uint
	added    uint
	current  *bloom.BloomFilter
	previous *bloom.BloomFilter
}

func newRecentFilter(capacity uint) *recentFilter {
	if capacity == 0 {
		return nil
	}
	return &recentFilter{
		capacity: capacity,
		current:  bloom.NewWithEstimates(capacity, recentFalsePositiveRate),
	}
}

// seen reports whether key was added recently and records it otherwise.
func (f *recentFilter) seen(key string) bool {
	if f == nil {
		return false
	}
	data := []byte(key)
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.current.Test(data) || (f.previous != nil && f.previous.Test(data)) {
		return true
	}
	if f.added >= f.capacity {
		f.previous = f.current
		f.current = bloom.NewWithEstimates(f.capacity, recentFalsePositiveRate)
		f.added = 0
	}
	f.current.Add(data)
	f.added++
	return false
}
