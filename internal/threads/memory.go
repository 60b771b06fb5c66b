package threads

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

type memoryThread struct {
	owner     string
	messages  []Message
	expiresAt time.Time // zero means no expiry
}

func (t *memoryThread) expired(now time.Time) bool {
	return !t.expiresAt.IsZero() && now.After(t.expiresAt)
}

type MemoryStore struct {
	mu              sync.RWMutex
	threads         map[string]*memoryThread
	ttl             time.Duration
	stopCleanup     chan struct{}
	cleanupOnce     sync.Once
	cleanupInterval time.Duration
}

// NewMemoryStore creates an in-process store. With ttl > 0 a thread expires
// ttl after its last write and a janitor removes it.
func NewMemoryStore(ttl time.Duration) *MemoryStore {
	s := &MemoryStore{
		threads:         make(map[string]*memoryThread),
		ttl:             ttl,
		stopCleanup:     make(chan struct{}),
		cleanupInterval: 5 * time.Minute,
	}
	if ttl > 0 {
		if ttl < s.cleanupInterval {
			s.cleanupInterval = ttl
		}
		go s.cleanupExpired()
	}
	return s
}

func (s *MemoryStore) deadline() time.Time {
	if s.ttl <= 0 {
		return time.Time{}
	}
	return time.Now().Add(s.ttl)
}

func (s *MemoryStore) CreateThread(_ context.Context, ownerID string) (string, error) {
	ref := uuid.NewString()

	s.mu.Lock()
	s.threads[ref] = &memoryThread{owner: ownerID, expiresAt: s.deadline()}
	s.mu.Unlock()

	return ref, nil
}

// lookup returns a live thread. Callers hold s.mu.
func (s *MemoryStore) lookup(ref string) (*memoryThread, bool) {
	t, ok := s.threads[ref]
	if !ok || t.expired(time.Now()) {
		return nil, false
	}
	return t, true
}

func (s *MemoryStore) VerifyOwnership(_ context.Context, threadRef, ownerID string) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, ok := s.lookup(threadRef)
	if !ok {
		return ErrThreadNotFound
	}
	return checkOwner(t.owner, ownerID)
}

func (s *MemoryStore) Append(_ context.Context, threadRef string, msg Message) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.lookup(threadRef)
	if !ok {
		return "", ErrThreadNotFound
	}

	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}
	msg.Metadata = copyMetadata(msg.Metadata)

	t.messages = append(t.messages, msg)
	t.expiresAt = s.deadline()
	return msg.ID, nil
}

func (s *MemoryStore) Messages(_ context.Context, threadRef string) ([]Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, ok := s.lookup(threadRef)
	if !ok {
		return nil, ErrThreadNotFound
	}
	out := make([]Message, len(t.messages))
	copy(out, t.messages)
	return out, nil
}

func (s *MemoryStore) cleanupExpired() {
	ticker := time.NewTicker(s.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			now := time.Now()
			s.mu.Lock()
			for ref, t := range s.threads {
				if t.expired(now) {
					delete(s.threads, ref)
				}
			}
			s.mu.Unlock()
		case <-s.stopCleanup:
			return
		}
	}
}

// Close stops the cleanup goroutine.
func (s *MemoryStore) Close() error {
	s.cleanupOnce.Do(func() {
		close(s.stopCleanup)
	})
	return nil
}

// Len returns the number of threads held, including expired ones not yet
// collected.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.threads)
}

func copyMetadata(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
