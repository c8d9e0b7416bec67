package history

import (
	"sync"

	"github.com/RichardoC/llm-relay/internal/models"
)

const minTurns = 2

type conversation struct {
	mu    sync.Mutex
	turns []models.Turn
}

// Store keeps the rolling turn history of every conversation in memory.
// Nothing survives a restart.
type Store struct {
	mu            sync.RWMutex
	conversations map[string]*conversation
	maxTurns      int
}

// New returns a store that keeps at most maxTurns turns per conversation.
// maxTurns is clamped to 2 and rounded down to an even number.
func New(maxTurns int) *Store {
	if maxTurns < minTurns {
		maxTurns = minTurns
	}
	maxTurns -= maxTurns % 2
	return &Store{
		conversations: make(map[string]*conversation),
		maxTurns:      maxTurns,
	}
}

func (s *Store) limit() int {
	return s.maxTurns
}

func (s *Store) conversation(id string, create bool) *conversation {
	s.mu.RLock()
	conv, ok := s.conversations[id]
	s.mu.RUnlock()
	if ok || !create {
		return conv
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if conv, ok = s.conversations[id]; !ok {
		conv = &conversation{}
		s.conversations[id] = conv
	}
	return conv
}

// Append stores a user/assistant pair and drops the oldest turns beyond the limit.
func (s *Store) Append(id, userText, assistantText string) {
	for {
		conv := s.conversation(id, true)
		conv.mu.Lock()
		// Clear may have detached this conversation between lookup and lock.
		if !s.attached(id, conv) {
			conv.mu.Unlock()
			continue
		}
		conv.turns = append(conv.turns, models.UserTurn(userText), models.AssistantTurn(assistantText))
		if excess := len(conv.turns) - s.maxTurns; excess > 0 {
			kept := make([]models.Turn, s.maxTurns)
			copy(kept, conv.turns[excess:])
			conv.turns = kept
		}
		conv.mu.Unlock()
		return
	}
}

func (s *Store) attached(id string, conv *conversation) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.conversations[id] == conv
}

// History returns a copy of the stored turns, oldest first.
func (s *Store) History(id string) []models.Turn {
	conv := s.conversation(id, false)
	if conv == nil {
		return []models.Turn{}
	}
	conv.mu.Lock()
	defer conv.mu.Unlock()
	out := make([]models.Turn, len(conv.turns))
	copy(out, conv.turns)
	return out
}

// Clear drops the conversation and reports whether it held any turns.
func (s *Store) Clear(id string) bool {
	s.mu.Lock()
	conv, ok := s.conversations[id]
	delete(s.conversations, id)
	s.mu.Unlock()
	if !ok {
		return false
	}
	conv.mu.Lock()
	defer conv.mu.Unlock()
	return len(conv.turns) > 0
}

// Len returns the number of conversations currently held.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.conversations)
}
