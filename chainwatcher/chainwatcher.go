// Package chainwatcher polls the settlement layer for the outputs held at
// subscribed contract scripts and pushes funding updates to listeners.
package chainwatcher

import (
	"context"
	"encoding/hex"
	"strings"
	"sync"
	"time"

	"github.com/decred/slog"

	"github.com/Kukks/ark-escrow-demo/coordinator"
	"github.com/Kukks/ark-escrow-demo/escrow"
)

const defaultPollInterval = 5 * time.Second

// FundingUpdate is one observation of a contract script: the spendable
// outputs currently held there and whether the address counts as funded.
type FundingUpdate struct {
	PkScriptHex string
	Funded      bool
	Value       int64
	Vtxos       []escrow.Vtxo
	At          time.Time
}

// Watcher is a minimal pusher: it queries the settlement layer for every
// pkScript that currently has at least one subscriber and broadcasts a
// FundingUpdate each tick. No per-script history is retained; each update
// carries the full current view.
type Watcher struct {
	log      slog.Logger
	query    coordinator.ChainQuery
	interval time.Duration

	mu      sync.RWMutex
	subs    map[string]map[chan FundingUpdate]struct{} // pkScriptHex -> set(chan)
	pkBytes map[string][]byte

	quit chan struct{}
}

// Config for a Watcher. Query is required; Interval defaults to 5s.
type Config struct {
	Query    coordinator.ChainQuery
	Interval time.Duration
	Log      slog.Logger
}

func New(cfg Config) *Watcher {
	interval := cfg.Interval
	if interval <= 0 {
		interval = defaultPollInterval
	}
	log := cfg.Log
	if log == nil {
		log = slog.Disabled
	}
	return &Watcher{
		log:      log,
		query:    cfg.Query,
		interval: interval,
		subs:     make(map[string]map[chan FundingUpdate]struct{}),
		pkBytes:  make(map[string][]byte),
		quit:     make(chan struct{}),
	}
}

func (w *Watcher) Stop() { close(w.quit) }

func (w *Watcher) Run(ctx context.Context) {
	w.log.Infof("watcher: started")
	t := time.NewTicker(w.interval)
	defer t.Stop()
	defer w.log.Infof("watcher: stopped")
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.quit:
			return
		case <-t.C:
			w.pollOnce(ctx)
		}
	}
}

func (w *Watcher) pollOnce(ctx context.Context) {
	// Snapshot subscribed scripts so no lock is held across queries.
	w.mu.RLock()
	keys := make([]string, 0, len(w.subs))
	for k := range w.subs {
		keys = append(keys, k)
	}
	pkbByKey := make(map[string][]byte, len(keys))
	for _, k := range keys {
		pkbByKey[k] = w.pkBytes[k]
	}
	w.mu.RUnlock()
	if len(keys) == 0 {
		return
	}

	for _, pkHex := range keys {
		pkb := pkbByKey[pkHex]
		if pkb == nil {
			continue
		}
		vtxos, err := w.query.UnspentOutputs(ctx, pkb)
		if err != nil {
			w.log.Debugf("watcher: query pk=%s failed: %v", pkHex, err)
			continue
		}
		spendable := make([]escrow.Vtxo, 0, len(vtxos))
		var total int64
		for _, v := range vtxos {
			if v.SpentBy != "" {
				continue
			}
			spendable = append(spendable, v)
			total += v.Value
		}
		w.broadcastUpdate(pkHex, FundingUpdate{
			PkScriptHex: pkHex,
			Funded:      len(spendable) > 0,
			Value:       total,
			Vtxos:       spendable,
			At:          time.Now(),
		})
	}
}

// Subscribe adds a listener for pkScriptHex and returns the channel plus an
// unsubscribe func. No initial snapshot is sent; first data arrives on the
// next tick.
func (w *Watcher) Subscribe(pkScriptHex string) (<-chan FundingUpdate, func()) {
	k := strings.ToLower(pkScriptHex)
	if b, err := hex.DecodeString(k); err == nil {
		w.mu.Lock()
		w.pkBytes[k] = b
		w.mu.Unlock()
	}

	ch := make(chan FundingUpdate, 8)

	w.mu.Lock()
	if _, ok := w.subs[k]; !ok {
		w.subs[k] = make(map[chan FundingUpdate]struct{})
	}
	w.subs[k][ch] = struct{}{}
	n := len(w.subs[k])
	w.mu.Unlock()
	w.log.Infof("watcher: subscribed pk=%s (subs=%d)", k, n)

	unsub := func() {
		w.mu.Lock()
		if set, ok := w.subs[k]; ok {
			delete(set, ch)
			if len(set) == 0 {
				delete(w.subs, k)
				delete(w.pkBytes, k)
			}
		}
		remaining := 0
		if set, ok := w.subs[k]; ok {
			remaining = len(set)
		}
		w.mu.Unlock()
		w.log.Infof("watcher: unsubscribed pk=%s (subs=%d)", k, remaining)
		// Do not close(ch): a poll in flight may still send; the receiver
		// stops via its own context.
	}
	return ch, unsub
}

// broadcastUpdate snapshots subscribers for pk, then best-effort sends.
func (w *Watcher) broadcastUpdate(pk string, u FundingUpdate) {
	w.mu.RLock()
	set := w.subs[pk]
	chs := make([]chan FundingUpdate, 0, len(set))
	for ch := range set {
		chs = append(chs, ch)
	}
	w.mu.RUnlock()

	for _, ch := range chs {
		select {
		case ch <- u:
		default:
			// Drop if the receiver is slow.
		}
	}
}
