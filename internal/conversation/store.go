// Package conversation tracks server-side conversation state (SCID
// records). When a live SCID exists its history is authoritative; client
// history is distrusted except for what only the client can know: the
// newest user turn and tool results that close an open tool loop.
package conversation

import (
	"log"
	"strings"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"github.com/google/uuid"

	"github.com/awsl-project/agw/internal/converter"
	"github.com/awsl-project/agw/internal/domain"
)

// Repository is the durable tier behind the in-memory map. All calls are
// best-effort; a failing repository degrades to memory-only operation.
type Repository interface {
	Get(scid string) (*domain.ConversationState, error)
	Save(state *domain.ConversationState) error
	Delete(scid string) error
	DeleteExpired() (int64, error)
	LoadActive(limit int) ([]*domain.ConversationState, error)
}

// Config tunes the store.
type Config struct {
	// DefaultTTL is the sliding expiry for conversations. Zero means 1h.
	DefaultTTL time.Duration

	// IDETTL applies to clients that hold conversations open across
	// long edit sessions. Zero means 2h.
	IDETTL time.Duration
}

type Store struct {
	cfg  Config
	repo Repository // may be nil

	mu     sync.RWMutex
	states map[string]*domain.ConversationState
}

func NewStore(cfg Config, repo Repository) *Store {
	if cfg.DefaultTTL <= 0 {
		cfg.DefaultTTL = time.Hour
	}
	if cfg.IDETTL <= 0 {
		cfg.IDETTL = 2 * time.Hour
	}
	return &Store{
		cfg:    cfg,
		repo:   repo,
		states: make(map[string]*domain.ConversationState),
	}
}

// NewSCID mints a fresh server conversation id.
func NewSCID() string {
	return "scid_" + strings.ReplaceAll(uuid.New().String(), "-", "")
}

// IsSCID reports whether an id looks like one of ours.
func IsSCID(id string) bool {
	return strings.HasPrefix(id, "scid_")
}

func (s *Store) ttlFor(ct domain.ClientType) time.Duration {
	switch ct {
	case domain.ClientCursor, domain.ClientWindsurf, domain.ClientZed,
		domain.ClientCline, domain.ClientContinueDev:
		return s.cfg.IDETTL
	default:
		return s.cfg.DefaultTTL
	}
}

// Warm preloads active conversations from the repository.
func (s *Store) Warm(limit int) {
	if s.repo == nil {
		return
	}
	states, err := s.repo.LoadActive(limit)
	if err != nil {
		log.Printf("[Conversation] warm failed: %v", err)
		return
	}
	s.mu.Lock()
	for _, state := range states {
		if _, ok := s.states[state.SCID]; !ok {
			s.states[state.SCID] = state
		}
	}
	s.mu.Unlock()
	if len(states) > 0 {
		log.Printf("[Conversation] warmed %d conversations", len(states))
	}
}

// Load returns the live state for an SCID, sliding its TTL forward. A
// memory miss falls through to the repository.
func (s *Store) Load(scid string) (*domain.ConversationState, bool) {
	now := time.Now()

	s.mu.Lock()
	state, ok := s.states[scid]
	if ok && state.Expired(now) {
		delete(s.states, scid)
		ok = false
		state = nil
	}
	s.mu.Unlock()

	if !ok && s.repo != nil {
		fromRepo, err := s.repo.Get(scid)
		if err == nil && fromRepo != nil && !fromRepo.Expired(now) {
			s.mu.Lock()
			if existing, raced := s.states[scid]; raced {
				state = existing
			} else {
				s.states[scid] = fromRepo
				state = fromRepo
			}
			s.mu.Unlock()
			ok = true
		}
	}

	if !ok {
		return nil, false
	}

	s.touch(state)
	return state, true
}

// Create registers a new conversation and returns its state.
func (s *Store) Create(scid string, ct domain.ClientType, family domain.ModelFamily) *domain.ConversationState {
	now := time.Now()
	state := &domain.ConversationState{
		SCID:       scid,
		ClientType: ct,
		Family:     family,
		CreatedAt:  now,
		UpdatedAt:  now,
		ExpiresAt:  now.Add(s.ttlFor(ct)),
	}
	s.mu.Lock()
	s.states[scid] = state
	s.mu.Unlock()
	s.persist(state)
	return state
}

// History decodes the state's stored message history.
func History(state *domain.ConversationState) []converter.ClaudeMessage {
	if state == nil || len(state.History) == 0 {
		return nil
	}
	var messages []converter.ClaudeMessage
	if err := sonic.Unmarshal(state.History, &messages); err != nil {
		log.Printf("[Conversation] corrupt history for %s: %v", state.SCID, err)
		return nil
	}
	return messages
}

// SetHistory replaces the conversation's authoritative history and
// persists the state.
func (s *Store) SetHistory(state *domain.ConversationState, messages []converter.ClaudeMessage) {
	encoded, err := sonic.Marshal(messages)
	if err != nil {
		log.Printf("[Conversation] encode history for %s: %v", state.SCID, err)
		return
	}
	s.mu.Lock()
	state.History = encoded
	state.UpdatedAt = time.Now()
	s.mu.Unlock()
	s.persist(state)
}

// Append adds messages to the authoritative history.
func (s *Store) Append(state *domain.ConversationState, messages ...converter.ClaudeMessage) {
	if len(messages) == 0 {
		return
	}
	history := History(state)
	history = append(history, messages...)
	s.SetHistory(state, history)
}

// touch slides the TTL and bumps the access count.
func (s *Store) touch(state *domain.ConversationState) {
	now := time.Now()
	s.mu.Lock()
	state.AccessCount++
	state.UpdatedAt = now
	state.ExpiresAt = now.Add(s.ttlFor(state.ClientType))
	s.mu.Unlock()
	s.persist(state)
}

func (s *Store) persist(state *domain.ConversationState) {
	if s.repo == nil {
		return
	}
	if err := s.repo.Save(state); err != nil {
		log.Printf("[Conversation] persist %s failed: %v", state.SCID, err)
	}
}

// Delete removes a conversation from both tiers.
func (s *Store) Delete(scid string) {
	s.mu.Lock()
	delete(s.states, scid)
	s.mu.Unlock()
	if s.repo != nil {
		if err := s.repo.Delete(scid); err != nil {
			log.Printf("[Conversation] delete %s failed: %v", scid, err)
		}
	}
}

// GC drops expired conversations. Returns how many were removed from
// memory.
func (s *Store) GC() int {
	now := time.Now()
	removed := 0
	s.mu.Lock()
	for scid, state := range s.states {
		if state.Expired(now) {
			delete(s.states, scid)
			removed++
		}
	}
	s.mu.Unlock()

	if s.repo != nil {
		if n, err := s.repo.DeleteExpired(); err != nil {
			log.Printf("[Conversation] expired prune failed: %v", err)
		} else if n > 0 {
			log.Printf("[Conversation] pruned %d expired conversations", n)
		}
	}
	return removed
}

// Len counts live conversations in memory.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.states)
}
