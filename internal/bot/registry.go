package bot

import (
	"sort"
	"sync/atomic"
)

// Registry holds the active bot set as an immutable snapshot. Readers never
// lock; reload swaps the whole snapshot atomically.
type Registry struct {
	snapshot atomic.Pointer[map[string]Bot]
}

func NewRegistry(bots []Bot) (*Registry, error) {
	registry := &Registry{}
	if err := registry.Swap(bots); err != nil {
		return nil, err
	}
	return registry, nil
}

// Swap validates and installs a new bot set. On error the previous snapshot
// stays in place untouched.
func (r *Registry) Swap(bots []Bot) error {
	next := make(map[string]Bot, len(bots))
	for _, b := range bots {
		if err := b.Validate(); err != nil {
			return err
		}
		if _, exists := next[b.ID]; exists {
			return &ConfigurationError{BotID: b.ID, Reason: "duplicate id"}
		}
		next[b.ID] = b
	}
	r.snapshot.Store(&next)
	return nil
}

func (r *Registry) Get(id string) (Bot, bool) {
	if r == nil {
		return Bot{}, false
	}
	snapshot := r.snapshot.Load()
	if snapshot == nil {
		return Bot{}, false
	}
	b, ok := (*snapshot)[id]
	return b, ok
}

func (r *Registry) List() []Bot {
	if r == nil {
		return nil
	}
	snapshot := r.snapshot.Load()
	if snapshot == nil {
		return nil
	}
	bots := make([]Bot, 0, len(*snapshot))
	for _, b := range *snapshot {
		bots = append(bots, b)
	}
	sort.Slice(bots, func(i, j int) bool {
		return bots[i].ID < bots[j].ID
	})
	return bots
}

func (r *Registry) IDs() []string {
	bots := r.List()
	ids := make([]string, 0, len(bots))
	for _, b := range bots {
		ids = append(ids, b.ID)
	}
	return ids
}
