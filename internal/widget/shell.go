package widget

import (
	"errors"
	"sync"
)

// ShellState is the presentation state of the chat window.
type ShellState string

const (
	ShellClosed    ShellState = "closed"
	ShellOpen      ShellState = "open"
	ShellMinimized ShellState = "minimized"
)

// ShellAction is a user gesture on the chat window.
type ShellAction string

const (
	ActionOpen     ShellAction = "open"
	ActionMinimize ShellAction = "minimize"
	ActionClose    ShellAction = "close"
	ActionToggle   ShellAction = "toggle"
)

// ErrUnknownShellAction is returned by Apply for unrecognized gestures.
var ErrUnknownShellAction = errors.New("widget: unknown shell action")

// ShellView is the shell's state as rendered.
type ShellView struct {
	State  ShellState `json:"state"`
	Unread int        `json:"unread"`
}

// Shell tracks whether the chat window is visible and how many assistant
// turns arrived while it was not.
type Shell struct {
	mu     sync.Mutex
	state  ShellState
	unread int
}

// NewShell returns a closed shell.
func NewShell() *Shell {
	return &Shell{state: ShellClosed}
}

func (s *Shell) Open() ShellView {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = ShellOpen
	s.unread = 0
	return s.viewLocked()
}

func (s *Shell) Minimize() ShellView {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = ShellMinimized
	return s.viewLocked()
}

func (s *Shell) Close() ShellView {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = ShellClosed
	return s.viewLocked()
}

// Toggle opens a closed or minimized shell and closes an open one.
func (s *Shell) Toggle() ShellView {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == ShellOpen {
		s.state = ShellClosed
	} else {
		s.state = ShellOpen
		s.unread = 0
	}
	return s.viewLocked()
}

// Apply performs a named action.
func (s *Shell) Apply(action ShellAction) (ShellView, error) {
	switch action {
	case ActionOpen:
		return s.Open(), nil
	case ActionMinimize:
		return s.Minimize(), nil
	case ActionClose:
		return s.Close(), nil
	case ActionToggle:
		return s.Toggle(), nil
	default:
		return s.View(), ErrUnknownShellAction
	}
}

// NoteAssistantTurn counts a new assistant turn. It reports whether the
// unread counter changed.
func (s *Shell) NoteAssistantTurn() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == ShellOpen {
		return false
	}
	s.unread++
	return true
}

// ClearUnread zeroes the counter, used when the transcript is reset.
func (s *Shell) ClearUnread() {
	s.mu.Lock()
	s.unread = 0
	s.mu.Unlock()
}

func (s *Shell) View() ShellView {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.viewLocked()
}

func (s *Shell) viewLocked() ShellView {
	return ShellView{State: s.state, Unread: s.unread}
}
