// Package threads keeps recent conversation context in process memory.
// Threads are conversational sugar, not state of record: a restart loses
// them by design, since every request carries its full replayed history.
package threads

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/omnibridge/omnibridge/pkg/models"
)

const (
	// DefaultMaxMessages bounds how many recent messages a thread keeps.
	DefaultMaxMessages = 3

	// DefaultTTL evicts threads untouched for this long.
	DefaultTTL = 24 * time.Hour

	sweepInterval = 10 * time.Minute
)

type thread struct {
	messages    []models.ChatMessage
	lastTouched time.Time
}

// Store maps conversation ids to bounded FIFOs of recent messages.
type Store struct {
	maxMessages int
	ttl         time.Duration

	mu      sync.Mutex
	threads map[string]*thread

	now func() time.Time
}

// NewStore creates a thread store. maxMessages <= 0 and ttl <= 0 select
// the defaults.
func NewStore(maxMessages int, ttl time.Duration) *Store {
	if maxMessages <= 0 {
		maxMessages = DefaultMaxMessages
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Store{
		maxMessages: maxMessages,
		ttl:         ttl,
		threads:     make(map[string]*thread),
		now:         time.Now,
	}
}

// NewStoreWithClock creates a store with an injected clock.
func NewStoreWithClock(maxMessages int, ttl time.Duration, now func() time.Time) *Store {
	s := NewStore(maxMessages, ttl)
	s.now = now
	return s
}

// Append adds a message to a thread, creating it on first use and
// truncating the oldest entries beyond the bound.
func (s *Store) Append(conversationID, role, content string) {
	if conversationID == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	t := s.threads[conversationID]
	if t == nil {
		t = &thread{}
		s.threads[conversationID] = t
	}
	t.messages = append(t.messages, models.ChatMessage{Role: role, Content: content})
	if len(t.messages) > s.maxMessages {
		t.messages = t.messages[len(t.messages)-s.maxMessages:]
	}
	t.lastTouched = s.now()
}

// History returns a copy of the thread's recent messages in order, oldest
// first. A read refreshes the thread's eviction clock.
func (s *Store) History(conversationID string) []models.ChatMessage {
	if conversationID == "" {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	t := s.threads[conversationID]
	if t == nil {
		return nil
	}
	t.lastTouched = s.now()
	out := make([]models.ChatMessage, len(t.messages))
	copy(out, t.messages)
	return out
}

// Len returns the number of live threads.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.threads)
}

// Sweep evicts threads idle past the TTL and returns how many were
// removed.
func (s *Store) Sweep() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := s.now().Add(-s.ttl)
	removed := 0
	for id, t := range s.threads {
		if t.lastTouched.Before(cutoff) {
			delete(s.threads, id)
			removed++
		}
	}
	if removed > 0 {
		log.Debug().Int("evicted", removed).Int("live", len(s.threads)).Msg("Thread sweep")
	}
	return removed
}

// RunSweeper sweeps periodically until ctx ends.
func (s *Store) RunSweeper(ctx context.Context) {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sweep()
		}
	}
}
