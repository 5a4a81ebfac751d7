package chainwatcher

import (
	"context"
	"encoding/hex"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Kukks/ark-escrow-demo/escrow"
)

type fakeQuery struct {
	mu    sync.Mutex
	vtxos []escrow.Vtxo
}

func (f *fakeQuery) UnspentOutputs(ctx context.Context, pkScript []byte) ([]escrow.Vtxo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]escrow.Vtxo(nil), f.vtxos...), nil
}

func (f *fakeQuery) set(vtxos []escrow.Vtxo) {
	f.mu.Lock()
	f.vtxos = vtxos
	f.mu.Unlock()
}

func TestSubscribeReceivesFundingUpdates(t *testing.T) {
	q := &fakeQuery{}
	w := New(Config{Query: q})
	script := []byte{0x51, 0x20, 0xaa}

	updates, unsub := w.Subscribe(hex.EncodeToString(script))
	defer unsub()

	w.pollOnce(context.Background())
	select {
	case u := <-updates:
		assert.False(t, u.Funded)
		assert.Zero(t, u.Value)
	default:
		t.Fatal("expected an update for the unfunded script")
	}

	q.set([]escrow.Vtxo{
		{Txid: "aa", Vout: 0, Value: 70_000},
		{Txid: "bb", Vout: 1, Value: 30_000},
		{Txid: "cc", Vout: 0, Value: 99, SpentBy: "dd"},
	})
	w.pollOnce(context.Background())

	u := <-updates
	assert.True(t, u.Funded)
	assert.Equal(t, int64(100_000), u.Value, "spent outputs are excluded")
	assert.Len(t, u.Vtxos, 2)
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	q := &fakeQuery{}
	w := New(Config{Query: q})
	key := hex.EncodeToString([]byte{0x51})

	updates, unsub := w.Subscribe(key)
	unsub()

	w.pollOnce(context.Background())
	select {
	case <-updates:
		t.Fatal("unsubscribed channel must not receive")
	default:
	}
}

func TestSlowReceiverDoesNotBlockPolling(t *testing.T) {
	q := &fakeQuery{}
	w := New(Config{Query: q})
	key := hex.EncodeToString([]byte{0x51})

	_, unsub := w.Subscribe(key)
	defer unsub()

	// The subscriber never drains; polls past the buffer just drop.
	done := make(chan struct{})
	go func() {
		for i := 0; i < 20; i++ {
			w.pollOnce(context.Background())
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("pollOnce blocked on a slow receiver")
	}
}

func TestRunStops(t *testing.T) {
	q := &fakeQuery{}
	w := New(Config{Query: q, Interval: 10 * time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan struct{})
	go func() {
		w.Run(ctx)
		close(done)
	}()
	w.Stop()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not stop")
	}
	require.NotPanics(t, func() { cancel() })
}
