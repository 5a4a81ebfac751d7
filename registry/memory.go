package registry

import (
	"context"
	"sync"

	"github.com/Kukks/ark-escrow-demo/escrow"
)

// Bus is an in-process pub/sub fabric connecting multiple registries the way
// the external relay would. Every published record is serialized through the
// wire codec and delivered to every other endpoint, so transport-boundary
// bugs show up in tests too.
//
// Hold/Release models the asynchronous window between a device publishing
// and its peers receiving: while held, deliveries queue instead of running
// inline. The lost-approval hazard tests depend on this.
type Bus struct {
	mu        sync.Mutex
	endpoints []*BusTransport
	held      bool
	queue     []func()
}

// NewBus returns an empty fabric.
func NewBus() *Bus { return &Bus{} }

// Join attaches a new device endpoint.
func (b *Bus) Join() *BusTransport {
	b.mu.Lock()
	defer b.mu.Unlock()
	ep := &BusTransport{bus: b}
	b.endpoints = append(b.endpoints, ep)
	return ep
}

// Hold queues deliveries until Release.
func (b *Bus) Hold() {
	b.mu.Lock()
	b.held = true
	b.mu.Unlock()
}

// Release flushes queued deliveries in publish order and resumes inline
// delivery.
func (b *Bus) Release() {
	b.mu.Lock()
	queue := b.queue
	b.queue = nil
	b.held = false
	b.mu.Unlock()
	for _, fn := range queue {
		fn()
	}
}

func (b *Bus) dispatch(from *BusTransport, data []byte) {
	b.mu.Lock()
	endpoints := append([]*BusTransport(nil), b.endpoints...)
	held := b.held
	deliver := func() {
		for _, ep := range endpoints {
			if ep == from {
				continue
			}
			ep.deliver(data)
		}
	}
	if held {
		b.queue = append(b.queue, deliver)
		b.mu.Unlock()
		return
	}
	b.mu.Unlock()
	deliver()
}

// BusTransport is one device's endpoint on the bus. Implements Transport.
type BusTransport struct {
	bus *Bus

	mu              sync.RWMutex
	contractSubs    []func(*escrow.Contract)
	participantSubs []func(*escrow.Participant)
}

func (t *BusTransport) PublishContract(_ context.Context, c *escrow.Contract) error {
	data, err := escrow.EncodeEvent(&escrow.Event{Kind: escrow.EventContractPut, Contract: c})
	if err != nil {
		return err
	}
	t.bus.dispatch(t, data)
	return nil
}

func (t *BusTransport) PublishParticipant(_ context.Context, p *escrow.Participant) error {
	data, err := escrow.EncodeEvent(&escrow.Event{Kind: escrow.EventParticipantPut, Participant: p})
	if err != nil {
		return err
	}
	t.bus.dispatch(t, data)
	return nil
}

func (t *BusTransport) SubscribeContracts(fn func(*escrow.Contract)) {
	t.mu.Lock()
	t.contractSubs = append(t.contractSubs, fn)
	t.mu.Unlock()
}

func (t *BusTransport) SubscribeParticipants(fn func(*escrow.Participant)) {
	t.mu.Lock()
	t.participantSubs = append(t.participantSubs, fn)
	t.mu.Unlock()
}

func (t *BusTransport) deliver(data []byte) {
	ev, err := escrow.DecodeEvent(data)
	if err != nil {
		return
	}
	t.mu.RLock()
	contractSubs := append([]func(*escrow.Contract){}, t.contractSubs...)
	participantSubs := append([]func(*escrow.Participant){}, t.participantSubs...)
	t.mu.RUnlock()
	switch ev.Kind {
	case escrow.EventContractPut:
		for _, fn := range contractSubs {
			fn(ev.Contract)
		}
	case escrow.EventParticipantPut:
		for _, fn := range participantSubs {
			fn(ev.Participant)
		}
	}
}
