package notify

import (
	"fmt"
	"os"
	"runtime"
	"sync"

	"github.com/taskexchange/exchange/internal/events"
)

// TerminalChannel flashes the terminal title for attention-worthy events
// via the ANSI OSC title escape. Windows consoles ignore it.
type TerminalChannel struct {
	mu            sync.Mutex
	originalTitle string
}

// NewTerminalChannel creates a terminal channel with the given default
// (restored) title.
func NewTerminalChannel(originalTitle string) *TerminalChannel {
	if originalTitle == "" {
		originalTitle = "Task Exchange"
	}
	return &TerminalChannel{originalTitle: originalTitle}
}

func (t *TerminalChannel) Name() string { return "terminal" }

func (t *TerminalChannel) ShouldNotify(event events.Event) bool {
	if !isTerminalSupported() {
		return false
	}
	switch event.Type {
	case events.TaskNeedsInput, events.TaskDeadLetter, events.AgentFlagged:
		return true
	default:
		return false
	}
}

func (t *TerminalChannel) Send(event events.Event) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.setTitle(fmt.Sprintf("\U0001F514 Task Exchange - %s", toastTitle(event.Type)))
}

// Restore resets the terminal title to its original value.
func (t *TerminalChannel) Restore() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.setTitle(t.originalTitle)
}

func (t *TerminalChannel) setTitle(title string) error {
	switch runtime.GOOS {
	case "windows", "linux", "darwin":
		fmt.Printf("\033]0;%s\007", title)
		return nil
	default:
		return fmt.Errorf("terminal title manipulation not supported on %s", runtime.GOOS)
	}
}

func isTerminalSupported() bool {
	info, err := os.Stdout.Stat()
	if err != nil {
		return false
	}
	if info.Mode()&os.ModeCharDevice == 0 {
		return false
	}
	switch runtime.GOOS {
	case "windows", "linux", "darwin":
		return true
	default:
		return false
	}
}
