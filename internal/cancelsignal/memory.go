package cancelsignal

import (
	"context"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// DefaultMaxEntries caps the in-process flag cache.
const DefaultMaxEntries = 10000

// MemoryStore keeps flags in process. It only reaches builders running in the
// same process as the API.
type MemoryStore struct {
	flags *expirable.LRU[string, struct{}]
}

// NewMemoryStore creates an in-process store
func NewMemoryStore(maxEntries int, ttl time.Duration) *MemoryStore {
	if maxEntries <= 0 {
		maxEntries = DefaultMaxEntries
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &MemoryStore{flags: expirable.NewLRU[string, struct{}](maxEntries, nil, ttl)}
}

// Raise sets the flag for one job
func (s *MemoryStore) Raise(_ context.Context, jobID string) error {
	s.flags.Add(Key(jobID), struct{}{})
	return nil
}

// RaiseMany sets the flags for several jobs
func (s *MemoryStore) RaiseMany(ctx context.Context, jobIDs []string) error {
	for _, id := range jobIDs {
		_ = s.Raise(ctx, id)
	}
	return nil
}

// IsRaised checks the flag for one job
func (s *MemoryStore) IsRaised(_ context.Context, jobID string) (bool, error) {
	_, ok := s.flags.Get(Key(jobID))
	return ok, nil
}

// Close drops all flags
func (s *MemoryStore) Close() error {
	s.flags.Purge()
	return nil
}
