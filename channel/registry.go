package channel

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
)

// Store is the persistence collaborator for channel configuration.
type Store interface {
	ListChannels(ctx context.Context) ([]Record, error)
	SaveMode(ctx context.Context, id int64, mode Mode) error
}

// Registry is the in-memory index of known channels.
type Registry struct {
	store Store
	log   *slog.Logger

	mu     sync.RWMutex
	byName map[string]*Channel
	byID   map[int64]*Channel

	// onRemove is invoked for channels dropped by a reload.
	onRemove func(*Channel)
}

// NewRegistry returns an empty registry backed by store.
func NewRegistry(store Store, log *slog.Logger) *Registry {
	if log == nil {
		log = slog.Default()
	}
	return &Registry{
		store:  store,
		log:    log.With(slog.String("component", "channels")),
		byName: make(map[string]*Channel),
		byID:   make(map[int64]*Channel),
	}
}

// OnRemove registers a hook called when a reload drops a channel.
func (r *Registry) OnRemove(fn func(*Channel)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onRemove = fn
}

// Reload re-reads all channel records. Existing Channel values are updated in
// place so their session data survives; channels missing from the store are removed.
func (r *Registry) Reload(ctx context.Context) error {
	recs, err := r.store.ListChannels(ctx)
	if err != nil {
		return fmt.Errorf("list channels: %w", err)
	}
	r.mu.Lock()
	seen := make(map[string]bool, len(recs))
	for _, rec := range recs {
		name := Normalize(rec.Name)
		seen[name] = true
		if ch, ok := r.byName[name]; ok {
			if old := ch.ID(); old != rec.ID {
				delete(r.byID, old)
			}
			ch.update(rec)
			r.byID[rec.ID] = ch
			continue
		}
		ch := New(rec)
		r.byName[name] = ch
		r.byID[rec.ID] = ch
	}
	var removed []*Channel
	for name, ch := range r.byName {
		if !seen[name] {
			removed = append(removed, ch)
			delete(r.byName, name)
			delete(r.byID, ch.ID())
		}
	}
	hook := r.onRemove
	r.mu.Unlock()

	for _, ch := range removed {
		if hook != nil {
			hook(ch)
		}
	}
	r.log.Info("channels reloaded", slog.Int("count", len(recs)), slog.Int("removed", len(removed)))
	return nil
}

// Add inserts a channel directly, replacing any channel with the same name.
func (r *Registry) Add(rec Record) *Channel {
	ch := New(rec)
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byName[ch.Name()] = ch
	r.byID[rec.ID] = ch
	return ch
}

// Get looks up a channel by name; the '#' prefix and case are ignored.
func (r *Registry) Get(name string) *Channel {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.byName[Normalize(name)]
}

// GetByID looks up a channel by its internal id.
func (r *Registry) GetByID(id int64) *Channel {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.byID[id]
}

// Joinable returns all channels whose mode is not Inactive, sorted by name.
func (r *Registry) Joinable() []*Channel {
	r.mu.RLock()
	out := make([]*Channel, 0, len(r.byName))
	for _, ch := range r.byName {
		if ch.Mode() != Inactive {
			out = append(out, ch)
		}
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out
}

// All returns every known channel sorted by name.
func (r *Registry) All() []*Channel {
	r.mu.RLock()
	out := make([]*Channel, 0, len(r.byName))
	for _, ch := range r.byName {
		out = append(out, ch)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out
}

// SaveMode sets the channel mode and persists it.
func (r *Registry) SaveMode(ctx context.Context, ch *Channel, mode Mode) error {
	ch.SetMode(mode)
	if r.store == nil {
		return nil
	}
	if err := r.store.SaveMode(ctx, ch.ID(), mode); err != nil {
		return fmt.Errorf("save mode for channel %s (id %d): %w", ch.Name(), ch.ID(), err)
	}
	return nil
}

// ResetSessions clears the session data of every channel.
func (r *Registry) ResetSessions() {
	for _, ch := range r.All() {
		ch.resetSession()
	}
}
