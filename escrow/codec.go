package escrow

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"
)

// Wire/persistence records. Transaction payloads and keys travel as hex
// strings; everything inside the process stays in canonical binary form.

type contractRecord struct {
	Address     string         `json:"address"`
	Buyer       string         `json:"buyer"`
	Seller      string         `json:"seller"`
	Arbitrator  string         `json:"arbitrator"`
	Description string         `json:"description"`
	CreatedAt   time.Time      `json:"created_at"`
	Pending     *pendingRecord `json:"pending_transaction,omitempty"`
}

type pendingRecord struct {
	ID           string        `json:"id"`
	Action       Action        `json:"action"`
	Initiator    Role          `json:"initiator"`
	InitiatorKey string        `json:"initiator_key"`
	CreatedAt    time.Time     `json:"created_at"`
	Status       Status        `json:"status"`
	Partial      partialRecord `json:"partial_tx"`
}

type partialRecord struct {
	Vtxo            vtxoRecord          `json:"vtxo"`
	SpendTx         string              `json:"spend_tx"`
	CheckpointTxs   []string            `json:"checkpoint_txs"`
	RequiredSigners []string            `json:"required_signers"`
	Approvals       []string            `json:"approvals"`
	Rejections      []string            `json:"rejections"`
	SpendSigs       map[string]string   `json:"spend_sigs,omitempty"`
	CheckpointSigs  []map[string]string `json:"checkpoint_sigs,omitempty"`
}

type vtxoRecord struct {
	Txid    string `json:"txid"`
	Vout    uint32 `json:"vout"`
	Value   int64  `json:"value"`
	SpentBy string `json:"spent_by,omitempty"`
}

type participantRecord struct {
	Key         string    `json:"key"`
	DisplayName string    `json:"display_name"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// EncodeContract serializes a contract record for storage or the wire.
func EncodeContract(c *Contract) ([]byte, error) {
	if c == nil {
		return nil, fmt.Errorf("nil contract")
	}
	return json.Marshal(contractToRecord(c))
}

// DecodeContract is the inverse of EncodeContract.
func DecodeContract(data []byte) (*Contract, error) {
	var rec contractRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("decode contract: %w", err)
	}
	return recordToContract(&rec)
}

// EncodeParticipant serializes a participant directory record.
func EncodeParticipant(p *Participant) ([]byte, error) {
	if p == nil {
		return nil, fmt.Errorf("nil participant")
	}
	return json.Marshal(participantRecord{
		Key:         p.Key.String(),
		DisplayName: p.DisplayName,
		UpdatedAt:   p.UpdatedAt,
	})
}

// DecodeParticipant is the inverse of EncodeParticipant.
func DecodeParticipant(data []byte) (*Participant, error) {
	var rec participantRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("decode participant: %w", err)
	}
	key, err := ParsePartyKey(rec.Key)
	if err != nil {
		return nil, err
	}
	return &Participant{Key: key, DisplayName: rec.DisplayName, UpdatedAt: rec.UpdatedAt}, nil
}

// EventKind tags a synchronization payload. The set is closed: one variant
// per transported record kind.
type EventKind string

const (
	EventContractPut    EventKind = "contract_put"
	EventParticipantPut EventKind = "participant_put"
)

// Event is a tagged transport payload carrying exactly one record.
type Event struct {
	Kind        EventKind
	Contract    *Contract
	Participant *Participant
}

type eventRecord struct {
	Kind        EventKind          `json:"kind"`
	Contract    *contractRecord    `json:"contract,omitempty"`
	Participant *participantRecord `json:"participant,omitempty"`
}

// EncodeEvent serializes a transport event.
func EncodeEvent(ev *Event) ([]byte, error) {
	rec := eventRecord{Kind: ev.Kind}
	switch ev.Kind {
	case EventContractPut:
		if ev.Contract == nil {
			return nil, fmt.Errorf("%s event without contract", ev.Kind)
		}
		rec.Contract = contractToRecord(ev.Contract)
	case EventParticipantPut:
		if ev.Participant == nil {
			return nil, fmt.Errorf("%s event without participant", ev.Kind)
		}
		rec.Participant = &participantRecord{
			Key:         ev.Participant.Key.String(),
			DisplayName: ev.Participant.DisplayName,
			UpdatedAt:   ev.Participant.UpdatedAt,
		}
	default:
		return nil, fmt.Errorf("unknown event kind %q", ev.Kind)
	}
	return json.Marshal(rec)
}

// DecodeEvent parses a transport event, rejecting unknown kinds.
func DecodeEvent(data []byte) (*Event, error) {
	var rec eventRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("decode event: %w", err)
	}
	switch rec.Kind {
	case EventContractPut:
		if rec.Contract == nil {
			return nil, fmt.Errorf("%s event without contract", rec.Kind)
		}
		c, err := recordToContract(rec.Contract)
		if err != nil {
			return nil, err
		}
		return &Event{Kind: rec.Kind, Contract: c}, nil
	case EventParticipantPut:
		if rec.Participant == nil {
			return nil, fmt.Errorf("%s event without participant", rec.Kind)
		}
		key, err := ParsePartyKey(rec.Participant.Key)
		if err != nil {
			return nil, err
		}
		return &Event{Kind: rec.Kind, Participant: &Participant{
			Key:         key,
			DisplayName: rec.Participant.DisplayName,
			UpdatedAt:   rec.Participant.UpdatedAt,
		}}, nil
	}
	return nil, fmt.Errorf("unknown event kind %q", rec.Kind)
}

func contractToRecord(c *Contract) *contractRecord {
	rec := &contractRecord{
		Address:     c.Address,
		Buyer:       c.Buyer.String(),
		Seller:      c.Seller.String(),
		Arbitrator:  c.Arbitrator.String(),
		Description: c.Description,
		CreatedAt:   c.CreatedAt,
	}
	if p := c.Pending; p != nil {
		rec.Pending = &pendingRecord{
			ID:           p.ID,
			Action:       p.Action,
			Initiator:    p.Initiator,
			InitiatorKey: p.InitiatorKey.String(),
			CreatedAt:    p.CreatedAt,
			Status:       p.Status,
			Partial: partialRecord{
				Vtxo: vtxoRecord{
					Txid:    p.Partial.Vtxo.Txid,
					Vout:    p.Partial.Vtxo.Vout,
					Value:   p.Partial.Vtxo.Value,
					SpentBy: p.Partial.Vtxo.SpentBy,
				},
				SpendTx:         hex.EncodeToString(p.Partial.SpendTx),
				CheckpointTxs:   encodeHexList(p.Partial.CheckpointTxs),
				RequiredSigners: encodeKeyList(p.Partial.RequiredSigners),
				Approvals:       encodeKeyList(p.Partial.Approvals),
				Rejections:      encodeKeyList(p.Partial.Rejections),
				SpendSigs:       encodeSigMap(p.Partial.SpendSigs),
				CheckpointSigs:  encodeSigMaps(p.Partial.CheckpointSigs),
			},
		}
	}
	return rec
}

func recordToContract(rec *contractRecord) (*Contract, error) {
	buyer, err := ParsePartyKey(rec.Buyer)
	if err != nil {
		return nil, fmt.Errorf("buyer: %w", err)
	}
	seller, err := ParsePartyKey(rec.Seller)
	if err != nil {
		return nil, fmt.Errorf("seller: %w", err)
	}
	arb, err := ParsePartyKey(rec.Arbitrator)
	if err != nil {
		return nil, fmt.Errorf("arbitrator: %w", err)
	}
	c := &Contract{
		Address:     rec.Address,
		Buyer:       buyer,
		Seller:      seller,
		Arbitrator:  arb,
		Description: rec.Description,
		CreatedAt:   rec.CreatedAt,
	}
	if rec.Pending == nil {
		return c, nil
	}
	initKey, err := ParsePartyKey(rec.Pending.InitiatorKey)
	if err != nil {
		return nil, fmt.Errorf("initiator key: %w", err)
	}
	spendTx, err := hex.DecodeString(rec.Pending.Partial.SpendTx)
	if err != nil {
		return nil, fmt.Errorf("spend tx: %w", err)
	}
	checkpoints, err := decodeHexList(rec.Pending.Partial.CheckpointTxs)
	if err != nil {
		return nil, fmt.Errorf("checkpoint txs: %w", err)
	}
	required, err := decodeKeyList(rec.Pending.Partial.RequiredSigners)
	if err != nil {
		return nil, fmt.Errorf("required signers: %w", err)
	}
	approvals, err := decodeKeyList(rec.Pending.Partial.Approvals)
	if err != nil {
		return nil, fmt.Errorf("approvals: %w", err)
	}
	rejections, err := decodeKeyList(rec.Pending.Partial.Rejections)
	if err != nil {
		return nil, fmt.Errorf("rejections: %w", err)
	}
	spendSigs, err := decodeSigMap(rec.Pending.Partial.SpendSigs)
	if err != nil {
		return nil, fmt.Errorf("spend sigs: %w", err)
	}
	checkpointSigs, err := decodeSigMaps(rec.Pending.Partial.CheckpointSigs)
	if err != nil {
		return nil, fmt.Errorf("checkpoint sigs: %w", err)
	}
	c.Pending = &PendingTransaction{
		ID:           rec.Pending.ID,
		Action:       rec.Pending.Action,
		Initiator:    rec.Pending.Initiator,
		InitiatorKey: initKey,
		CreatedAt:    rec.Pending.CreatedAt,
		Status:       rec.Pending.Status,
		Partial: PartialTransaction{
			Vtxo: Vtxo{
				Txid:    rec.Pending.Partial.Vtxo.Txid,
				Vout:    rec.Pending.Partial.Vtxo.Vout,
				Value:   rec.Pending.Partial.Vtxo.Value,
				SpentBy: rec.Pending.Partial.Vtxo.SpentBy,
			},
			SpendTx:         spendTx,
			CheckpointTxs:   checkpoints,
			RequiredSigners: required,
			Approvals:       approvals,
			Rejections:      rejections,
			SpendSigs:       spendSigs,
			CheckpointSigs:  checkpointSigs,
		},
	}
	return c, nil
}

func encodeHexList(in [][]byte) []string {
	out := make([]string, len(in))
	for i, b := range in {
		out[i] = hex.EncodeToString(b)
	}
	return out
}

func decodeHexList(in []string) ([][]byte, error) {
	out := make([][]byte, len(in))
	for i, s := range in {
		b, err := hex.DecodeString(s)
		if err != nil {
			return nil, err
		}
		out[i] = b
	}
	return out, nil
}

func encodeKeyList(in []PartyKey) []string {
	out := make([]string, len(in))
	for i, k := range in {
		out[i] = k.String()
	}
	return out
}

func decodeKeyList(in []string) ([]PartyKey, error) {
	out := make([]PartyKey, len(in))
	for i, s := range in {
		k, err := ParsePartyKey(s)
		if err != nil {
			return nil, err
		}
		out[i] = k
	}
	return out, nil
}

func encodeSigMap(in map[PartyKey][]byte) map[string]string {
	if in == nil {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, sig := range in {
		out[k.String()] = hex.EncodeToString(sig)
	}
	return out
}

func decodeSigMap(in map[string]string) (map[PartyKey][]byte, error) {
	if in == nil {
		return nil, nil
	}
	out := make(map[PartyKey][]byte, len(in))
	for ks, sigHex := range in {
		k, err := ParsePartyKey(ks)
		if err != nil {
			return nil, err
		}
		sig, err := hex.DecodeString(sigHex)
		if err != nil {
			return nil, err
		}
		out[k] = sig
	}
	return out, nil
}

func encodeSigMaps(in []map[PartyKey][]byte) []map[string]string {
	if in == nil {
		return nil
	}
	out := make([]map[string]string, len(in))
	for i, m := range in {
		out[i] = encodeSigMap(m)
	}
	return out
}

func decodeSigMaps(in []map[string]string) ([]map[PartyKey][]byte, error) {
	if in == nil {
		return nil, nil
	}
	out := make([]map[PartyKey][]byte, len(in))
	for i, m := range in {
		dm, err := decodeSigMap(m)
		if err != nil {
			return nil, err
		}
		out[i] = dm
	}
	return out, nil
}
