package main

import (
	"context"
	"sync"
	"time"
)

// conversation is the persisted record of one call, keyed by the carrier's
// external call id.
type conversation struct {
	ExternalCallID string
	SubjectID      string
	CallType       string
	Status         string
	StartedAt      time.Time
	EndedAt        time.Time
	EndReason      string
}

// conversationStore is the persistence collaborator. The CRUD data layer
// proper lives outside this service; the gateway only upserts on setup and
// completes on cleanup.
type conversationStore interface {
	UpsertConversation(ctx context.Context, conv conversation) error
	CompleteConversation(ctx context.Context, externalCallID string, endedAt time.Time, reason string) error
}

// memoryConversationStore keeps conversations in process. It backs tests
// and single-node deployments without the data service.
type memoryConversationStore struct {
	mu   sync.Mutex
	byID map[string]conversation
}

func newMemoryConversationStore() *memoryConversationStore {
	return &memoryConversationStore{byID: make(map[string]conversation)}
}

func (s *memoryConversationStore) UpsertConversation(_ context.Context, conv conversation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.byID[conv.ExternalCallID]; ok {
		// keep the original start time across duplicate setup events
		conv.StartedAt = existing.StartedAt
	}
	s.byID[conv.ExternalCallID] = conv
	return nil
}

func (s *memoryConversationStore) CompleteConversation(_ context.Context, externalCallID string, endedAt time.Time, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	conv, ok := s.byID[externalCallID]
	if !ok {
		conv = conversation{ExternalCallID: externalCallID}
	}
	conv.Status = "completed"
	conv.EndedAt = endedAt
	conv.EndReason = reason
	s.byID[externalCallID] = conv
	return nil
}

// Get returns a conversation snapshot.
func (s *memoryConversationStore) Get(externalCallID string) (conversation, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	conv, ok := s.byID[externalCallID]
	return conv, ok
}
