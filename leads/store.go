package leads

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/kiarashjv/SaaS-LeadSystem/contracts"
)

// ErrLeadNotFound is returned when no lead is stored for an email
var ErrLeadNotFound = errors.New("leads: lead not found")

// Store keeps qualified leads, one per email
type Store interface {
	// Put inserts or replaces the lead with the same email and returns the stored lead
	Put(ctx context.Context, lead contracts.Lead) (contracts.Lead, error)
	// List returns leads in the order they were last stored
	List(ctx context.Context) ([]contracts.Lead, error)
	// Get returns the lead for email or ErrLeadNotFound
	Get(ctx context.Context, email string) (contracts.Lead, error)
}

// MemoryStore is a Store held in process memory
type MemoryStore struct {
	mu     sync.RWMutex
	leads  []contracts.Lead
	logger *slog.Logger
}

// NewMemoryStore creates an empty store
func NewMemoryStore(logger *slog.Logger) *MemoryStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &MemoryStore{logger: logger}
}

// Put implements Store. A replaced lead moves to the end of List.
func (s *MemoryStore) Put(_ context.Context, lead contracts.Lead) (contracts.Lead, error) {
	key := lead.Key()

	s.mu.Lock()
	defer s.mu.Unlock()

	for i, existing := range s.leads {
		if existing.Key() == key {
			s.leads = append(s.leads[:i], s.leads[i+1:]...)
			s.logger.Info("updating existing lead", "email", lead.Email)
			break
		}
	}
	s.leads = append(s.leads, lead)
	s.logger.Info("stored qualified lead", "email", lead.Email)
	return lead, nil
}

// List implements Store
func (s *MemoryStore) List(context.Context) ([]contracts.Lead, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]contracts.Lead, len(s.leads))
	copy(out, s.leads)
	return out, nil
}

// Get implements Store
func (s *MemoryStore) Get(_ context.Context, email string) (contracts.Lead, error) {
	key := contracts.Lead{Email: email}.Key()

	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, lead := range s.leads {
		if lead.Key() == key {
			return lead, nil
		}
	}
	return contracts.Lead{}, ErrLeadNotFound
}

// Len returns the number of stored leads
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.leads)
}
