// Package transcript holds the ordered, append-only chat log of a widget
// session.
package transcript

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Role identifies who authored a turn.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Source records which component appended a turn. Turns from different
// sources interleave in completion order.
type Source string

const (
	SourceUser          Source = "user"
	SourceAgent         Source = "agent"
	SourceDispatchError Source = "dispatch_error"
	SourceReconciler    Source = "reconciler"
)

// Turn is one chat message. Turns are immutable once appended.
type Turn struct {
	ID        string    `json:"id"`
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp,omitempty"`
	Source    Source    `json:"source,omitempty"`
}

// DefaultMaxTurns bounds every store; the oldest turns are dropped first.
const DefaultMaxTurns = 250

// ErrEmptyContent is returned when appending a turn with no content.
var ErrEmptyContent = errors.New("transcript: turn content required")

// Store is an append-only turn log scoped to one session.
type Store interface {
	Append(ctx context.Context, turn Turn) (Turn, error)
	List(ctx context.Context) ([]Turn, error)
	Clear(ctx context.Context) error
}

// prepare assigns an ID and timestamp when the caller left them empty.
func prepare(turn Turn, now func() time.Time) (Turn, error) {
	if turn.Content == "" {
		return Turn{}, ErrEmptyContent
	}
	if turn.ID == "" {
		turn.ID = uuid.NewString()
	}
	if turn.Timestamp.IsZero() {
		turn.Timestamp = now().UTC()
	}
	return turn, nil
}

// MemoryStore keeps turns in process memory for the life of the session.
type MemoryStore struct {
	mu       sync.RWMutex
	turns    []Turn
	maxTurns int
	now      func() time.Time
}

// NewMemoryStore creates an empty in-memory transcript.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{maxTurns: DefaultMaxTurns, now: time.Now}
}

func (s *MemoryStore) Append(_ context.Context, turn Turn) (Turn, error) {
	turn, err := prepare(turn, s.now)
	if err != nil {
		return Turn{}, err
	}
	s.mu.Lock()
	s.turns = append(s.turns, turn)
	if s.maxTurns > 0 && len(s.turns) > s.maxTurns {
		s.turns = append([]Turn(nil), s.turns[len(s.turns)-s.maxTurns:]...)
	}
	s.mu.Unlock()
	return turn, nil
}

func (s *MemoryStore) List(_ context.Context) ([]Turn, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Turn, len(s.turns))
	copy(out, s.turns)
	return out, nil
}

func (s *MemoryStore) Clear(_ context.Context) error {
	s.mu.Lock()
	s.turns = nil
	s.mu.Unlock()
	return nil
}

// Len returns the number of stored turns.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.turns)
}
