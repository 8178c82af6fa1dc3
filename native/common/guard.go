package common

import (
	"errors"
	"sync"
)

var ErrModulePaused = errors.New("module paused")

type PauseView interface {
	IsPaused(module string) bool
}

func Guard(p PauseView, module string) error {
	if p == nil || module == "" {
		return nil
	}
	if p.IsPaused(module) {
		return ErrModulePaused
	}
	return nil
}

// PauseRegistry is a concrete, concurrency-safe PauseView, the Go-native
// equivalent of the reference chain's governance-controlled pause flags
// (e.g. TransferNHBPaused) generalized to an arbitrary set of module names
// instead of one boolean field per feature.
type PauseRegistry struct {
	mu     sync.RWMutex
	paused map[string]bool
}

// NewPauseRegistry constructs an empty registry with every module unpaused.
func NewPauseRegistry() *PauseRegistry {
	return &PauseRegistry{paused: make(map[string]bool)}
}

// IsPaused implements PauseView.
func (r *PauseRegistry) IsPaused(module string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.paused[module]
}

// SetPaused pauses or resumes module, typically invoked by a param_change
// governance proposal's execution rather than directly by a caller.
func (r *PauseRegistry) SetPaused(module string, paused bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if paused {
		r.paused[module] = true
		return
	}
	delete(r.paused, module)
}
