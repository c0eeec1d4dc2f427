package guard

import (
	"log"
	"sort"
	"sync"
	"time"
)

// Switch is one operator-toggled deny/allow gate for a call class.
type Switch struct {
	Name          string    `json:"name"`
	Enabled       bool      `json:"enabled"`
	LastActor     string    `json:"last_actor,omitempty"`
	LastUpdatedAt time.Time `json:"last_updated_at,omitempty"`
	Reason        string    `json:"reason,omitempty"`
}

// Well-known switch names. A tripped switch short-circuits its request
// class before the wrapper stack runs.
const (
	SwitchPriceWrites   = "price_writes"
	SwitchBulkImport    = "bulk_import"
	SwitchRetryWorker   = "retry_worker"
	SwitchRecompute     = "recompute"
	SwitchProviderCalls = "provider_calls"
)

// KillSwitches is the process-local registry. Admin mutations are
// serialized; reads take the shared lock only long enough to copy.
type KillSwitches struct {
	mu       sync.RWMutex
	switches map[string]Switch
	logger   *log.Logger
}

// NewKillSwitches creates the registry with every known switch disabled
// (traffic allowed).
func NewKillSwitches() *KillSwitches {
	ks := &KillSwitches{
		switches: make(map[string]Switch),
		logger:   log.New(log.Writer(), "[KILL-SWITCH] ", log.LstdFlags),
	}
	for _, name := range []string{
		SwitchPriceWrites, SwitchBulkImport, SwitchRetryWorker,
		SwitchRecompute, SwitchProviderCalls,
	} {
		ks.switches[name] = Switch{Name: name}
	}
	return ks
}

// Tripped reports whether a switch is currently denying its call class.
// Unknown names are never tripped.
func (ks *KillSwitches) Tripped(name string) bool {
	ks.mu.RLock()
	defer ks.mu.RUnlock()
	return ks.switches[name].Enabled
}

// Set toggles a switch atomically, recording the actor and reason.
// Returns false when the switch name is unknown.
func (ks *KillSwitches) Set(name string, enabled bool, actor, reason string) (Switch, bool) {
	ks.mu.Lock()
	defer ks.mu.Unlock()

	sw, ok := ks.switches[name]
	if !ok {
		return Switch{}, false
	}
	sw.Enabled = enabled
	sw.LastActor = actor
	sw.LastUpdatedAt = time.Now()
	sw.Reason = reason
	ks.switches[name] = sw

	verb := "cleared"
	if enabled {
		verb = "TRIPPED"
	}
	ks.logger.Printf("%s switch=%s by=%s reason=%q", verb, name, actor, reason)
	return sw, true
}

// List returns all switches sorted by name.
func (ks *KillSwitches) List() []Switch {
	ks.mu.RLock()
	defer ks.mu.RUnlock()

	out := make([]Switch, 0, len(ks.switches))
	for _, sw := range ks.switches {
		out = append(out, sw)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// TrippedCount reports how many switches currently deny traffic.
func (ks *KillSwitches) TrippedCount() int {
	ks.mu.RLock()
	defer ks.mu.RUnlock()

	n := 0
	for _, sw := range ks.switches {
		if sw.Enabled {
			n++
		}
	}
	return n
}
