package pot

import (
	"slices"
)

// A RegistryEntry is a validator's bonded stake and whether it is currently active.
type RegistryEntry struct {
	Identity Identity `json:"identity"`
	Stake    uint64   `json:"stake"`
	Active   bool     `json:"active"`
}

// The Registry maps validator identities to their stake. It is maintained by the staking layer; the consensus core
// only reads it, apart from slashing which is invoked explicitly.
type Registry struct {
	entries map[Identity]RegistryEntry
}

func NewRegistry() *Registry {
	return &Registry{entries: make(map[Identity]RegistryEntry)}
}

// Set inserts or replaces an entry.
func (r *Registry) Set(id Identity, stake uint64, active bool) {
	r.entries[id] = RegistryEntry{Identity: id, Stake: stake, Active: active}
}

func (r *Registry) Get(id Identity) (RegistryEntry, bool) {
	e, ok := r.entries[id]
	return e, ok
}

// SetStake updates the stake of a known validator. It returns false if the identity is not registered.
func (r *Registry) SetStake(id Identity, stake uint64) bool {
	e, ok := r.entries[id]
	if !ok {
		return false
	}
	e.Stake = stake
	r.entries[id] = e
	return true
}

func (r *Registry) SetActive(id Identity, active bool) bool {
	e, ok := r.entries[id]
	if !ok {
		return false
	}
	e.Active = active
	r.entries[id] = e
	return true
}

func (r *Registry) Remove(id Identity) {
	delete(r.entries, id)
}

// IsEligible reports whether the validator is active and bonded with at least minBond.
func (r *Registry) IsEligible(id Identity, minBond uint64) bool {
	e, ok := r.entries[id]
	return ok && e.Active && e.Stake >= minBond
}

func (r *Registry) Stake(id Identity) uint64 {
	return r.entries[id].Stake
}

func (r *Registry) Len() int {
	return len(r.entries)
}

// Entries returns all entries sorted by identity.
func (r *Registry) Entries() []RegistryEntry {
	out := make([]RegistryEntry, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e)
	}
	slices.SortFunc(out, func(a, b RegistryEntry) int { return a.Identity.Compare(b.Identity) })
	return out
}

func (r *Registry) Clone() *Registry {
	c := NewRegistry()
	for id, e := range r.entries {
		c.entries[id] = e
	}
	return c
}
