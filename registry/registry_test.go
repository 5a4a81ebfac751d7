package registry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Kukks/ark-escrow-demo/escrow"
)

func testKey(b byte) escrow.PartyKey {
	var k escrow.PartyKey
	for i := range k {
		k[i] = b
	}
	return k
}

func testContract(address string) *escrow.Contract {
	return &escrow.Contract{
		Address:    address,
		Buyer:      testKey(1),
		Seller:     testKey(2),
		Arbitrator: testKey(3),
		CreatedAt:  time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC),
	}
}

func newRegistry(t *testing.T, transport Transport) *Registry {
	t.Helper()
	r, err := New(context.Background(), Config{Transport: transport})
	require.NoError(t, err)
	return r
}

func TestUpsertAndGetAreIsolated(t *testing.T) {
	r := newRegistry(t, nil)
	ct := testContract("addr-1")
	require.NoError(t, r.Upsert(context.Background(), ct))

	got := r.Get("addr-1")
	require.NotNil(t, got)

	// Mutating either side must not leak into the registry copy.
	ct.Description = "changed outside"
	got.Description = "changed on read"
	assert.Empty(t, r.Get("addr-1").Description)

	assert.Nil(t, r.Get("missing"))
}

func TestListOrdersByCreation(t *testing.T) {
	r := newRegistry(t, nil)
	a := testContract("addr-a")
	a.CreatedAt = time.Date(2026, 8, 2, 0, 0, 0, 0, time.UTC)
	b := testContract("addr-b")
	b.CreatedAt = time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, r.Upsert(context.Background(), a))
	require.NoError(t, r.Upsert(context.Background(), b))

	list := r.List()
	require.Len(t, list, 2)
	assert.Equal(t, "addr-b", list[0].Address)
	assert.Equal(t, "addr-a", list[1].Address)
}

func TestSyncAcrossBus(t *testing.T) {
	bus := NewBus()
	devA := newRegistry(t, bus.Join())
	devB := newRegistry(t, bus.Join())

	ct := testContract("addr-1")
	ct.Description = "from A"
	require.NoError(t, devA.Upsert(context.Background(), ct))

	got := devB.Get("addr-1")
	require.NotNil(t, got, "publish reaches the other device")
	assert.Equal(t, "from A", got.Description)

	p := &escrow.Participant{Key: testKey(9), DisplayName: "alice", UpdatedAt: time.Now().UTC().Truncate(time.Second)}
	require.NoError(t, devA.UpsertParticipant(context.Background(), p))
	assert.Equal(t, "alice", devB.Participant(testKey(9)).DisplayName)
}

func TestWatchFiresOnLocalAndRemote(t *testing.T) {
	bus := NewBus()
	devA := newRegistry(t, bus.Join())
	devB := newRegistry(t, bus.Join())

	var seen []string
	devB.Watch(func(c *escrow.Contract) { seen = append(seen, c.Description) })

	ct := testContract("addr-1")
	ct.Description = "v1"
	require.NoError(t, devA.Upsert(context.Background(), ct))
	ct.Description = "v2"
	require.NoError(t, devB.Upsert(context.Background(), ct))

	assert.Equal(t, []string{"v1", "v2"}, seen)
}

// TestConcurrentEditLosesOneWrite pins the accepted synchronization hazard:
// whole-record replace means two devices editing the same record inside one
// delivery window keep only the later publish.
func TestConcurrentEditLosesOneWrite(t *testing.T) {
	bus := NewBus()
	devA := newRegistry(t, bus.Join())
	devB := newRegistry(t, bus.Join())

	base := testContract("addr-1")
	base.Pending = &escrow.PendingTransaction{
		ID:        "tx-1",
		Action:    escrow.ActionRelease,
		Initiator: escrow.RoleSeller,
		Status:    escrow.StatusPendingCosign,
		Partial: escrow.PartialTransaction{
			RequiredSigners: []escrow.PartyKey{testKey(1), testKey(3)},
		},
	}
	require.NoError(t, devA.Upsert(context.Background(), base))
	require.NotNil(t, devB.Get("addr-1"))

	// Both devices edit their local copy before either delivery lands.
	bus.Hold()

	onA := devA.Get("addr-1")
	onA.Pending.Partial.Approvals = append(onA.Pending.Partial.Approvals, testKey(1))
	require.NoError(t, devA.Upsert(context.Background(), onA))

	onB := devB.Get("addr-1")
	onB.Pending.Partial.Approvals = append(onB.Pending.Partial.Approvals, testKey(3))
	require.NoError(t, devB.Upsert(context.Background(), onB))

	bus.Release()

	finalA := devA.Get("addr-1")
	finalB := devB.Get("addr-1")

	// A received B's record and B received A's: each replaced its own edit
	// wholesale, so the fabric now holds one approval per device and the
	// two devices disagree.
	assert.Len(t, finalA.Pending.Partial.Approvals, 1)
	assert.Len(t, finalB.Pending.Partial.Approvals, 1)
	assert.NotEqual(t, finalA.Pending.Partial.Approvals, finalB.Pending.Partial.Approvals,
		"one approval was silently lost on each side")
}

func TestRemoteRecordReplacesWholesale(t *testing.T) {
	bus := NewBus()
	devA := newRegistry(t, bus.Join())
	devB := newRegistry(t, bus.Join())

	withPending := testContract("addr-1")
	withPending.Pending = &escrow.PendingTransaction{ID: "tx-1", Status: escrow.StatusPendingCosign}
	require.NoError(t, devA.Upsert(context.Background(), withPending))
	require.NotNil(t, devB.Get("addr-1").Pending)

	// A publishing a cleared record removes B's pending view entirely.
	cleared := testContract("addr-1")
	require.NoError(t, devA.Upsert(context.Background(), cleared))
	assert.Nil(t, devB.Get("addr-1").Pending)
}
