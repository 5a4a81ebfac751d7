package escrow

import (
	"encoding/hex"
	"fmt"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
)

// Role identifies one of the four parties committed into an escrow contract.
type Role string

const (
	RoleBuyer      Role = "buyer"
	RoleSeller     Role = "seller"
	RoleArbitrator Role = "arbitrator"
	RoleServer     Role = "server"
)

// Action is an operation a party can initiate against a funded contract.
type Action string

const (
	ActionFund    Action = "fund"
	ActionRelease Action = "release"
	ActionRefund  Action = "refund"
	ActionDirect  Action = "direct"
)

// Status of a pending transaction while signatures are being collected.
type Status string

const (
	StatusPendingCosign Status = "pending_cosign"
	StatusApproved      Status = "approved"
	StatusRejected      Status = "rejected"
)

// PartyKey is a 32-byte x-only schnorr public key.
type PartyKey [32]byte

func (k PartyKey) String() string { return hex.EncodeToString(k[:]) }

// IsZero reports whether the key is unset.
func (k PartyKey) IsZero() bool { return k == PartyKey{} }

// PubKey parses the x-only bytes back into a full public key.
func (k PartyKey) PubKey() (*btcec.PublicKey, error) {
	return schnorr.ParsePubKey(k[:])
}

// PartyKeyFromPub serializes a public key to its x-only form.
func PartyKeyFromPub(pub *btcec.PublicKey) PartyKey {
	var k PartyKey
	copy(k[:], schnorr.SerializePubKey(pub))
	return k
}

// ParsePartyKey decodes a 64-char hex x-only key.
func ParsePartyKey(s string) (PartyKey, error) {
	var k PartyKey
	b, err := hex.DecodeString(s)
	if err != nil {
		return k, fmt.Errorf("bad party key hex: %w", err)
	}
	if len(b) != len(k) {
		return k, fmt.Errorf("party key must be %d bytes, got %d", len(k), len(b))
	}
	copy(k[:], b)
	return k, nil
}

// Vtxo is a virtual, off-chain-tracked spendable output at the contract
// address, as reported by the settlement layer.
type Vtxo struct {
	Txid    string
	Vout    uint32
	Value   int64
	SpentBy string
}

// OutpointID returns the canonical "txid:vout" form used in logs.
func (v Vtxo) OutpointID() string { return fmt.Sprintf("%s:%d", v.Txid, v.Vout) }

// PartialTransaction is a spend transaction with some but not all required
// signatures attached. Transaction payloads are carried in their canonical
// binary form; hex encoding happens only at the persistence and wire
// boundaries (see codec.go).
type PartialTransaction struct {
	Vtxo          Vtxo
	SpendTx       []byte
	CheckpointTxs [][]byte

	// RequiredSigners excludes the initiator; Approvals includes the
	// initiator from creation time.
	RequiredSigners []PartyKey
	Approvals       []PartyKey
	Rejections      []PartyKey

	// SpendSigs holds one 64-byte schnorr signature per signer over the
	// spend transaction. CheckpointSigs is aligned with CheckpointTxs.
	// Signatures accumulate per key and are never overwritten.
	SpendSigs      map[PartyKey][]byte
	CheckpointSigs []map[PartyKey][]byte
}

// IsRequired reports whether key is one of the required co-signers.
func (p *PartialTransaction) IsRequired(key PartyKey) bool {
	return containsKey(p.RequiredSigners, key)
}

// HasApproval reports whether key already approved.
func (p *PartialTransaction) HasApproval(key PartyKey) bool {
	return containsKey(p.Approvals, key)
}

// HasRejection reports whether key already rejected. Rejection is terminal
// per signer.
func (p *PartialTransaction) HasRejection(key PartyKey) bool {
	return containsKey(p.Rejections, key)
}

// Complete recomputes set membership: every required signer and the
// initiator must appear in Approvals. A recomputation, not a counter, so it
// holds regardless of approval arrival order.
func (p *PartialTransaction) Complete(initiator PartyKey) bool {
	if !p.HasApproval(initiator) {
		return false
	}
	for _, k := range p.RequiredSigners {
		if !p.HasApproval(k) {
			return false
		}
	}
	return true
}

func containsKey(keys []PartyKey, key PartyKey) bool {
	for _, k := range keys {
		if k == key {
			return true
		}
	}
	return false
}

// PendingTransaction is the single in-flight co-signing round of a contract.
type PendingTransaction struct {
	ID           string
	Action       Action
	Initiator    Role
	InitiatorKey PartyKey
	CreatedAt    time.Time
	Status       Status
	Partial      PartialTransaction
}

// Contract is one escrow contract record. Everything except Pending is
// immutable after creation; the address is a pure function of the four party
// keys and the unilateral delay.
type Contract struct {
	Address     string
	Buyer       PartyKey
	Seller      PartyKey
	Arbitrator  PartyKey
	Description string
	CreatedAt   time.Time
	Pending     *PendingTransaction
}

// KeyForRole maps an initiator role to its committed key. The server key is
// deployment configuration, not part of the synced record.
func (c *Contract) KeyForRole(role Role) (PartyKey, bool) {
	switch role {
	case RoleBuyer:
		return c.Buyer, true
	case RoleSeller:
		return c.Seller, true
	case RoleArbitrator:
		return c.Arbitrator, true
	}
	return PartyKey{}, false
}

// RoleForKey is the reverse lookup of KeyForRole.
func (c *Contract) RoleForKey(key PartyKey) (Role, bool) {
	switch key {
	case c.Buyer:
		return RoleBuyer, true
	case c.Seller:
		return RoleSeller, true
	case c.Arbitrator:
		return RoleArbitrator, true
	}
	return "", false
}

// Clone deep-copies the contract so callers can mutate without racing the
// registry's copy.
func (c *Contract) Clone() *Contract {
	if c == nil {
		return nil
	}
	out := *c
	out.Pending = c.Pending.Clone()
	return &out
}

// Clone deep-copies the pending transaction.
func (p *PendingTransaction) Clone() *PendingTransaction {
	if p == nil {
		return nil
	}
	out := *p
	out.Partial = p.Partial.clone()
	return &out
}

func (p PartialTransaction) clone() PartialTransaction {
	out := p
	out.SpendTx = append([]byte(nil), p.SpendTx...)
	out.CheckpointTxs = make([][]byte, len(p.CheckpointTxs))
	for i, tx := range p.CheckpointTxs {
		out.CheckpointTxs[i] = append([]byte(nil), tx...)
	}
	out.RequiredSigners = append([]PartyKey(nil), p.RequiredSigners...)
	out.Approvals = append([]PartyKey(nil), p.Approvals...)
	out.Rejections = append([]PartyKey(nil), p.Rejections...)
	out.SpendSigs = cloneSigs(p.SpendSigs)
	out.CheckpointSigs = make([]map[PartyKey][]byte, len(p.CheckpointSigs))
	for i, m := range p.CheckpointSigs {
		out.CheckpointSigs[i] = cloneSigs(m)
	}
	return out
}

func cloneSigs(in map[PartyKey][]byte) map[PartyKey][]byte {
	if in == nil {
		return nil
	}
	out := make(map[PartyKey][]byte, len(in))
	for k, v := range in {
		out[k] = append([]byte(nil), v...)
	}
	return out
}

// Participant is a synced directory record mapping a party key to a friendly
// display name. Display-name allocation itself is out of core scope; the
// record shape exists so the transport can carry it.
type Participant struct {
	Key         PartyKey
	DisplayName string
	UpdatedAt   time.Time
}
