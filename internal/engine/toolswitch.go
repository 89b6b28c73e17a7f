package engine

import (
	"sort"
	"sync"
)

// ToolSwitch — оперативное выключение инструментов (kill-switch).
// Выключенный инструмент не исполняется и не виден в листинге.
type ToolSwitch struct {
	mu       sync.RWMutex
	disabled map[string]struct{}
	hooks    []func(name string, disabled bool)
}

func NewToolSwitch(disabled ...string) *ToolSwitch {
	s := &ToolSwitch{disabled: make(map[string]struct{}, len(disabled))}
	for _, name := range disabled {
		if name != "" {
			s.disabled[name] = struct{}{}
		}
	}
	return s
}

// OnChange подписывает fn на фактические переключения. Колбэк зовется вне блокировки,
// поэтому может читать состояние переключателя.
func (s *ToolSwitch) OnChange(fn func(name string, disabled bool)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hooks = append(s.hooks, fn)
}

func (s *ToolSwitch) Disable(name string) { s.set(name, true) }

func (s *ToolSwitch) Enable(name string) { s.set(name, false) }

func (s *ToolSwitch) set(name string, off bool) {
	s.mu.Lock()
	_, was := s.disabled[name]
	if off {
		s.disabled[name] = struct{}{}
	} else {
		delete(s.disabled, name)
	}
	hooks := append(([]func(string, bool))(nil), s.hooks...)
	s.mu.Unlock()

	if was == off {
		return
	}
	for _, fn := range hooks {
		fn(name, off)
	}
}

func (s *ToolSwitch) IsDisabled(name string) bool {
	if s == nil {
		return false
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, off := s.disabled[name]
	return off
}

// Disabled — выключенные инструменты по алфавиту.
func (s *ToolSwitch) Disabled() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.disabled))
	for name := range s.disabled {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
