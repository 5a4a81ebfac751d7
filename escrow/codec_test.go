package escrow

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testKey(b byte) PartyKey {
	var k PartyKey
	for i := range k {
		k[i] = b
	}
	return k
}

func testContract() *Contract {
	buyer, seller, arb := testKey(1), testKey(2), testKey(3)
	return &Contract{
		Address:     "bcrt1pexample",
		Buyer:       buyer,
		Seller:      seller,
		Arbitrator:  arb,
		Description: "laptop sale",
		CreatedAt:   time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC),
		Pending: &PendingTransaction{
			ID:           "tx-1",
			Action:       ActionRelease,
			Initiator:    RoleSeller,
			InitiatorKey: seller,
			CreatedAt:    time.Date(2026, 8, 2, 9, 30, 0, 0, time.UTC),
			Status:       StatusPendingCosign,
			Partial: PartialTransaction{
				Vtxo:            Vtxo{Txid: "aa", Vout: 1, Value: 100_000},
				SpendTx:         []byte{0x02, 0x00, 0x00, 0x00},
				CheckpointTxs:   [][]byte{{0x02, 0x00}},
				RequiredSigners: []PartyKey{arb},
				Approvals:       []PartyKey{seller},
				Rejections:      []PartyKey{},
				SpendSigs:       map[PartyKey][]byte{seller: make([]byte, 64)},
				CheckpointSigs:  []map[PartyKey][]byte{{seller: make([]byte, 64)}},
			},
		},
	}
}

func TestContractCodecRoundTrip(t *testing.T) {
	c := testContract()
	data, err := EncodeContract(c)
	require.NoError(t, err)

	got, err := DecodeContract(data)
	require.NoError(t, err)
	assert.Equal(t, c, got)
}

func TestContractCodecWithoutPending(t *testing.T) {
	c := testContract()
	c.Pending = nil
	data, err := EncodeContract(c)
	require.NoError(t, err)

	got, err := DecodeContract(data)
	require.NoError(t, err)
	assert.Nil(t, got.Pending)
	assert.Equal(t, c, got)
}

func TestEventCodec(t *testing.T) {
	c := testContract()
	data, err := EncodeEvent(&Event{Kind: EventContractPut, Contract: c})
	require.NoError(t, err)

	ev, err := DecodeEvent(data)
	require.NoError(t, err)
	require.Equal(t, EventContractPut, ev.Kind)
	assert.Equal(t, c, ev.Contract)

	p := &Participant{Key: testKey(9), DisplayName: "alice", UpdatedAt: time.Now().UTC().Truncate(time.Second)}
	data, err = EncodeEvent(&Event{Kind: EventParticipantPut, Participant: p})
	require.NoError(t, err)
	ev, err = DecodeEvent(data)
	require.NoError(t, err)
	assert.Equal(t, p, ev.Participant)
}

func TestEventCodecRejectsUnknownKind(t *testing.T) {
	_, err := EncodeEvent(&Event{Kind: EventKind("contract_merge")})
	assert.Error(t, err)

	_, err = DecodeEvent([]byte(`{"kind":"contract_merge"}`))
	assert.Error(t, err)
}

func TestCloneIsDeep(t *testing.T) {
	c := testContract()
	cp := c.Clone()

	cp.Pending.Partial.Approvals = append(cp.Pending.Partial.Approvals, testKey(7))
	cp.Pending.Partial.SpendSigs[testKey(8)] = make([]byte, 64)
	cp.Pending.Partial.SpendTx[0] = 0xff

	assert.Len(t, c.Pending.Partial.Approvals, 1)
	assert.Len(t, c.Pending.Partial.SpendSigs, 1)
	assert.Equal(t, byte(0x02), c.Pending.Partial.SpendTx[0])
}

func TestCompleteRecomputesFromSets(t *testing.T) {
	seller, arb := testKey(2), testKey(3)
	p := &PartialTransaction{RequiredSigners: []PartyKey{arb}}

	assert.False(t, p.Complete(seller))
	p.Approvals = append(p.Approvals, arb)
	assert.False(t, p.Complete(seller), "initiator approval still missing")
	p.Approvals = append(p.Approvals, seller)
	assert.True(t, p.Complete(seller))
}
