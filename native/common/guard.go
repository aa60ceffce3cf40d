package common

import (
	"errors"
	"sort"
	"strings"
	"sync"
)

var ErrModulePaused = errors.New("module paused")

// PauseView reports whether an operation family is halted.
type PauseView interface {
	IsPaused(module string) bool
}

// Guard returns ErrModulePaused when module is halted in p.
func Guard(p PauseView, module string) error {
	if p == nil || module == "" {
		return nil
	}
	if p.IsPaused(module) {
		return ErrModulePaused
	}
	return nil
}

// PauseSet is a mutable PauseView keyed by module name.
type PauseSet struct {
	mu     sync.RWMutex
	paused map[string]struct{}
}

// NewPauseSet returns a set with the supplied modules paused.
func NewPauseSet(modules ...string) *PauseSet {
	set := &PauseSet{paused: make(map[string]struct{})}
	for _, m := range modules {
		set.Pause(m)
	}
	return set
}

func normalise(module string) string { return strings.ToLower(strings.TrimSpace(module)) }

// Pause halts module.
func (s *PauseSet) Pause(module string) {
	module = normalise(module)
	if module == "" {
		return
	}
	s.mu.Lock()
	s.paused[module] = struct{}{}
	s.mu.Unlock()
}

// Resume lifts a halt on module.
func (s *PauseSet) Resume(module string) {
	s.mu.Lock()
	delete(s.paused, normalise(module))
	s.mu.Unlock()
}

// IsPaused implements PauseView.
func (s *PauseSet) IsPaused(module string) bool {
	if s == nil {
		return false
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.paused[normalise(module)]
	return ok
}

// Modules lists the paused modules in sorted order.
func (s *PauseSet) Modules() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.paused))
	for m := range s.paused {
		out = append(out, m)
	}
	sort.Strings(out)
	return out
}
