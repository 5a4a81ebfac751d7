package escrowdb

import (
	"context"
	"path/filepath"
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

func openTestDB(t *testing.T) *BoltDB {
	t.Helper()
	db, err := NewBoltDB(filepath.Join(t.TempDir(), "escrow.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestContractRoundTrip(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	ct := &escrow.Contract{
		Address:     "addr-1",
		Buyer:       testKey(1),
		Seller:      testKey(2),
		Arbitrator:  testKey(3),
		Description: "bolt round trip",
		CreatedAt:   time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC),
		Pending: &escrow.PendingTransaction{
			ID:           "tx-1",
			Action:       escrow.ActionRefund,
			Initiator:    escrow.RoleBuyer,
			InitiatorKey: testKey(1),
			CreatedAt:    time.Date(2026, 8, 2, 0, 0, 0, 0, time.UTC),
			Status:       escrow.StatusPendingCosign,
			Partial: escrow.PartialTransaction{
				Vtxo:            escrow.Vtxo{Txid: "aa", Vout: 0, Value: 5000},
				SpendTx:         []byte{0x02, 0x00},
				CheckpointTxs:   [][]byte{{0x02, 0x01}},
				RequiredSigners: []escrow.PartyKey{testKey(3)},
				Approvals:       []escrow.PartyKey{testKey(1)},
				Rejections:      []escrow.PartyKey{},
				SpendSigs:       map[escrow.PartyKey][]byte{testKey(1): make([]byte, 64)},
				CheckpointSigs:  []map[escrow.PartyKey][]byte{{testKey(1): make([]byte, 64)}},
			},
		},
	}
	require.NoError(t, db.PutContract(ctx, ct))

	got, err := db.Contract(ctx, "addr-1")
	require.NoError(t, err)
	assert.Equal(t, ct, got)

	_, err = db.Contract(ctx, "missing")
	assert.ErrorIs(t, err, ErrContractNotFound)
}

func TestContractsListAndDelete(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	for i, addr := range []string{"addr-a", "addr-b"} {
		ct := &escrow.Contract{
			Address:    addr,
			Buyer:      testKey(1),
			Seller:     testKey(2),
			Arbitrator: testKey(byte(3 + i)),
			CreatedAt:  time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC),
		}
		require.NoError(t, db.PutContract(ctx, ct))
	}

	all, err := db.Contracts(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	require.NoError(t, db.DeleteContract(ctx, "addr-a"))
	all, err = db.Contracts(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, "addr-b", all[0].Address)
}

func TestPutOverwrites(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	ct := &escrow.Contract{
		Address:    "addr-1",
		Buyer:      testKey(1),
		Seller:     testKey(2),
		Arbitrator: testKey(3),
		CreatedAt:  time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC),
	}
	require.NoError(t, db.PutContract(ctx, ct))
	ct.Description = "second write"
	require.NoError(t, db.PutContract(ctx, ct))

	got, err := db.Contract(ctx, "addr-1")
	require.NoError(t, err)
	assert.Equal(t, "second write", got.Description)
}

func TestParticipantsRoundTrip(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	alice := &escrow.Participant{Key: testKey(1), DisplayName: "alice", UpdatedAt: time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)}
	bob := &escrow.Participant{Key: testKey(2), DisplayName: "bob", UpdatedAt: time.Date(2026, 8, 2, 0, 0, 0, 0, time.UTC)}
	require.NoError(t, db.PutParticipant(ctx, alice))
	require.NoError(t, db.PutParticipant(ctx, bob))

	all, err := db.Participants(ctx)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, alice, all[0])
	assert.Equal(t, bob, all[1])
}
