package qcache

import (
	"context"
	"sync"
)

// FocusManager tracks the ambient "focused" signal used by QueryObserver's
// refetch-on-focus trigger policy (spec.md §4.4) and by
// QueryCache.OnFocus. Shaped identically to OnlineManager (see its doc
// comment for the grounding rationale); a headless Go service has no
// native "window focus" concept, so the default signal is simply "always
// focused" until a binding installs a real EventSource (e.g. a process
// receiving SIGUSR1 from a supervisor, or a TUI's terminal-focus escape
// sequence).
type FocusManager struct {
	Subscribable[bool]

	mu      sync.RWMutex
	focused bool

	stop context.CancelFunc
}

// NewFocusManager constructs a manager that starts focused.
func NewFocusManager() *FocusManager {
	return &FocusManager{focused: true}
}

// IsFocused returns the current signal.
func (m *FocusManager) IsFocused() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.focused
}

// SetFocused updates the signal and, on a transition, broadcasts to
// listeners.
func (m *FocusManager) SetFocused(focused bool) {
	m.mu.Lock()
	changed := m.focused != focused
	m.focused = focused
	m.mu.Unlock()

	if changed {
		m.Emit(focused)
	}
}

// SetEventListener installs a background event source and returns a
// teardown function, identical in shape to OnlineManager.SetEventListener.
func (m *FocusManager) SetEventListener(listen func(ctx context.Context, onChange func(bool))) (teardown func()) {
	m.mu.Lock()
	if m.stop != nil {
		m.stop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	m.stop = cancel
	m.mu.Unlock()

	go listen(ctx, m.SetFocused)

	return cancel
}

var (
	defaultFocusManagerOnce sync.Once
	defaultFocusManagerInst *FocusManager
)

// Focus returns the process-wide FocusManager, constructing it on first
// use.
func Focus() *FocusManager {
	defaultFocusManagerOnce.Do(func() {
		defaultFocusManagerInst = NewFocusManager()
	})
	return defaultFocusManagerInst
}
