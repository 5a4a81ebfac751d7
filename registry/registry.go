// Package registry keeps each device's in-memory copy of the contract set
// and reconciles it through an external publish/subscribe transport.
//
// Synchronization is whole-record, last-writer-wins: an incoming event
// replaces the local record for that address wholesale, with no field-level
// merge. Two devices that edit the same record concurrently can therefore
// silently lose one edit. That hazard is accepted and demonstrated in the
// tests, not repaired here.
package registry

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/decred/slog"

	"github.com/Kukks/ark-escrow-demo/escrow"
)

// Transport is the external pub/sub collaborator. Delivery is at-least-once
// with no cross-device ordering guarantee.
type Transport interface {
	PublishContract(ctx context.Context, c *escrow.Contract) error
	PublishParticipant(ctx context.Context, p *escrow.Participant) error
	SubscribeContracts(fn func(*escrow.Contract))
	SubscribeParticipants(fn func(*escrow.Participant))
}

// Store optionally persists records across restarts.
type Store interface {
	PutContract(ctx context.Context, c *escrow.Contract) error
	Contracts(ctx context.Context) ([]*escrow.Contract, error)
	PutParticipant(ctx context.Context, p *escrow.Participant) error
	Participants(ctx context.Context) ([]*escrow.Participant, error)
}

// Config wires a registry. The registry is constructed once and passed by
// reference to every component that needs it; there is no package-level
// instance.
type Config struct {
	Transport Transport
	Store     Store
	Log       slog.Logger
}

// Registry is the keyed store of contract records for one device.
type Registry struct {
	mu           sync.RWMutex
	contracts    map[string]*escrow.Contract
	participants map[escrow.PartyKey]*escrow.Participant

	transport Transport
	store     Store
	log       slog.Logger

	watchMu  sync.RWMutex
	watchers []func(*escrow.Contract)
}

// New builds a registry, loads the optional store and subscribes to the
// transport.
func New(ctx context.Context, cfg Config) (*Registry, error) {
	log := cfg.Log
	if log == nil {
		log = slog.Disabled
	}
	r := &Registry{
		contracts:    make(map[string]*escrow.Contract),
		participants: make(map[escrow.PartyKey]*escrow.Participant),
		transport:    cfg.Transport,
		store:        cfg.Store,
		log:          log,
	}
	if r.store != nil {
		cts, err := r.store.Contracts(ctx)
		if err != nil {
			return nil, fmt.Errorf("load contracts: %w", err)
		}
		for _, c := range cts {
			r.contracts[c.Address] = c.Clone()
		}
		parts, err := r.store.Participants(ctx)
		if err != nil {
			return nil, fmt.Errorf("load participants: %w", err)
		}
		for _, p := range parts {
			cp := *p
			r.participants[p.Key] = &cp
		}
		log.Debugf("registry: loaded %d contracts, %d participants", len(cts), len(parts))
	}
	if r.transport != nil {
		r.transport.SubscribeContracts(r.applyRemoteContract)
		r.transport.SubscribeParticipants(r.applyRemoteParticipant)
	}
	return r, nil
}

// Upsert writes the contract locally (and to the store) and then publishes
// the entire record to the transport.
func (r *Registry) Upsert(ctx context.Context, c *escrow.Contract) error {
	if c == nil || c.Address == "" {
		return fmt.Errorf("contract without address")
	}
	cp := c.Clone()
	r.mu.Lock()
	r.contracts[cp.Address] = cp
	r.mu.Unlock()

	if r.store != nil {
		if err := r.store.PutContract(ctx, cp); err != nil {
			return fmt.Errorf("persist contract %s: %w", cp.Address, err)
		}
	}
	r.notify(cp)
	if r.transport != nil {
		if err := r.transport.PublishContract(ctx, cp); err != nil {
			return fmt.Errorf("publish contract %s: %w", cp.Address, err)
		}
	}
	return nil
}

// Get returns a deep copy of the record for address, or nil.
func (r *Registry) Get(address string) *escrow.Contract {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.contracts[address].Clone()
}

// List returns all contracts ordered by creation time.
func (r *Registry) List() []*escrow.Contract {
	r.mu.RLock()
	out := make([]*escrow.Contract, 0, len(r.contracts))
	for _, c := range r.contracts {
		out = append(out, c.Clone())
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].Address < out[j].Address
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// UpsertParticipant writes a participant record locally and publishes it.
func (r *Registry) UpsertParticipant(ctx context.Context, p *escrow.Participant) error {
	if p == nil || p.Key.IsZero() {
		return fmt.Errorf("participant without key")
	}
	cp := *p
	r.mu.Lock()
	r.participants[cp.Key] = &cp
	r.mu.Unlock()

	if r.store != nil {
		if err := r.store.PutParticipant(ctx, &cp); err != nil {
			return fmt.Errorf("persist participant %s: %w", cp.Key, err)
		}
	}
	if r.transport != nil {
		if err := r.transport.PublishParticipant(ctx, &cp); err != nil {
			return fmt.Errorf("publish participant %s: %w", cp.Key, err)
		}
	}
	return nil
}

// Participant returns the directory record for key, or nil.
func (r *Registry) Participant(key escrow.PartyKey) *escrow.Participant {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.participants[key]
	if !ok {
		return nil
	}
	cp := *p
	return &cp
}

// Participants returns all directory records ordered by display name.
func (r *Registry) Participants() []*escrow.Participant {
	r.mu.RLock()
	out := make([]*escrow.Participant, 0, len(r.participants))
	for _, p := range r.participants {
		cp := *p
		out = append(out, &cp)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].DisplayName < out[j].DisplayName })
	return out
}

// Watch registers a read-only observer called after every local or remote
// contract change. Display adapters hang off this.
func (r *Registry) Watch(fn func(*escrow.Contract)) {
	r.watchMu.Lock()
	r.watchers = append(r.watchers, fn)
	r.watchMu.Unlock()
}

// applyRemoteContract replaces the local record wholesale. Last writer wins.
func (r *Registry) applyRemoteContract(c *escrow.Contract) {
	if c == nil || c.Address == "" {
		return
	}
	cp := c.Clone()
	r.mu.Lock()
	r.contracts[cp.Address] = cp
	r.mu.Unlock()
	r.log.Debugf("registry: applied remote contract %s", cp.Address)

	if r.store != nil {
		if err := r.store.PutContract(context.Background(), cp); err != nil {
			r.log.Warnf("registry: persist remote contract %s: %v", cp.Address, err)
		}
	}
	r.notify(cp)
}

func (r *Registry) applyRemoteParticipant(p *escrow.Participant) {
	if p == nil || p.Key.IsZero() {
		return
	}
	cp := *p
	r.mu.Lock()
	r.participants[cp.Key] = &cp
	r.mu.Unlock()

	if r.store != nil {
		if err := r.store.PutParticipant(context.Background(), &cp); err != nil {
			r.log.Warnf("registry: persist remote participant %s: %v", cp.Key, err)
		}
	}
}

func (r *Registry) notify(c *escrow.Contract) {
	r.watchMu.RLock()
	watchers := append([]func(*escrow.Contract){}, r.watchers...)
	r.watchMu.RUnlock()
	for _, fn := range watchers {
		fn(c.Clone())
	}
}
