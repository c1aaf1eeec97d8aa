package conversation

import (
	"sync"

	"github.com/menta2k/hwassist/internal/watch"
	"github.com/menta2k/hwassist/pkg/types"
)

// Store holds the current conversation context. Every update swaps in a new
// value, so snapshots handed out earlier never change.
type Store struct {
	mu  sync.RWMutex
	cur types.ConversationContext
	hub watch.Hub[types.ConversationContext]
}

// NewStore creates a store seeded with initial
func NewStore(initial types.ConversationContext) *Store {
	return &Store{cur: initial.Clone()}
}

// Snapshot returns a copy of the current context
func (s *Store) Snapshot() types.ConversationContext {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cur.Clone()
}

// SetObjective replaces the user's stated goal
func (s *Store) SetObjective(objective string) types.ConversationContext {
	return s.update(func(c types.ConversationContext) types.ConversationContext {
		return c.WithObjective(objective)
	})
}

// SetCurrentItems replaces the user's description of what they have
func (s *Store) SetCurrentItems(items string) types.ConversationContext {
	return s.update(func(c types.ConversationContext) types.ConversationContext {
		return c.WithCurrentItems(items)
	})
}

// SetReferenceDocuments replaces the documents associated with the detected product
func (s *Store) SetReferenceDocuments(docs []string) types.ConversationContext {
	return s.update(func(c types.ConversationContext) types.ConversationContext {
		return c.WithReferenceDocuments(docs)
	})
}

// RecordCapture stores the latest analyzed image and its detected labels
func (s *Store) RecordCapture(image string, labels []string) types.ConversationContext {
	return s.update(func(c types.ConversationContext) types.ConversationContext {
		return c.WithCapture(image, labels)
	})
}

// Subscribe streams context values, starting with the current one
func (s *Store) Subscribe() (<-chan types.ConversationContext, func()) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.hub.Subscribe(s.cur.Clone())
}

func (s *Store) update(fn func(types.ConversationContext) types.ConversationContext) types.ConversationContext {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cur = fn(s.cur)
	s.hub.Publish(s.cur.Clone())
	return s.cur.Clone()
}
