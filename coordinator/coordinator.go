// Package coordinator drives the co-signing lifecycle of an escrow
// contract: one pending spend per contract moves from creation through
// approval or rejection to execution against the settlement layer.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/wire"
	"github.com/decred/slog"
	"github.com/google/uuid"

	"github.com/Kukks/ark-escrow-demo/escrow"
	"github.com/Kukks/ark-escrow-demo/escrowscript"
	"github.com/Kukks/ark-escrow-demo/registry"
)

const defaultRejectGrace = 30 * time.Second

// Config wires a coordinator. ServerKey and UnilateralDelay are deployment
// configuration shared by every contract this device coordinates; together
// with a contract's three party keys they re-derive its script set.
type Config struct {
	Registry  *registry.Registry
	Query     ChainQuery
	Submitter ChainSubmit

	ServerKey       escrow.PartyKey
	UnilateralDelay uint16
	ChainParams     *chaincfg.Params

	// RejectGrace is how long a rejected pending transaction stays
	// visible before the record is cleared.
	RejectGrace time.Duration

	Log slog.Logger
}

// Coordinator is the per-device transaction state machine. Every operation
// holds the contract's mutex across its whole read-modify-publish sequence.
type Coordinator struct {
	reg       *registry.Registry
	query     ChainQuery
	submitter ChainSubmit

	serverKey   escrow.PartyKey
	delay       uint16
	chainParams *chaincfg.Params
	rejectGrace time.Duration

	locks *contractMutexPool
	log   slog.Logger
}

func New(cfg Config) (*Coordinator, error) {
	if cfg.Registry == nil {
		return nil, fmt.Errorf("coordinator requires a registry")
	}
	if cfg.Query == nil || cfg.Submitter == nil {
		return nil, fmt.Errorf("coordinator requires chain query and submit collaborators")
	}
	if cfg.ServerKey.IsZero() {
		return nil, fmt.Errorf("coordinator requires the server key")
	}
	if cfg.ChainParams == nil {
		cfg.ChainParams = &chaincfg.MainNetParams
	}
	if cfg.RejectGrace <= 0 {
		cfg.RejectGrace = defaultRejectGrace
	}
	log := cfg.Log
	if log == nil {
		log = slog.Disabled
	}
	return &Coordinator{
		reg:         cfg.Registry,
		query:       cfg.Query,
		submitter:   cfg.Submitter,
		serverKey:   cfg.ServerKey,
		delay:       cfg.UnilateralDelay,
		chainParams: cfg.ChainParams,
		rejectGrace: cfg.RejectGrace,
		locks:       newContractMutexPool(),
		log:         log,
	}, nil
}

// CreateContract derives the contract address from the three party keys
// plus the configured server key and delay, then persists and publishes the
// record. Derivation is content-addressed: the same keys always yield the
// same address, so re-creating an existing contract returns the stored
// record unchanged.
func (c *Coordinator) CreateContract(ctx context.Context, buyer, seller, arbitrator escrow.PartyKey, description string) (*escrow.Contract, error) {
	factory, err := escrowscript.New(escrowscript.Options{
		Buyer:           buyer[:],
		Seller:          seller[:],
		Arbitrator:      arbitrator[:],
		Server:          c.serverKey[:],
		UnilateralDelay: c.delay,
	})
	if err != nil {
		return nil, err
	}
	address, err := factory.Address(c.chainParams)
	if err != nil {
		return nil, err
	}

	c.locks.acquire(address)
	defer c.locks.release(address)

	if existing := c.reg.Get(address); existing != nil {
		return existing, nil
	}
	ct := &escrow.Contract{
		Address:     address,
		Buyer:       buyer,
		Seller:      seller,
		Arbitrator:  arbitrator,
		Description: description,
		CreatedAt:   time.Now().UTC(),
	}
	if err := c.reg.Upsert(ctx, ct); err != nil {
		return nil, err
	}
	c.log.Infof("created contract %s", address)
	return ct, nil
}

// SpendingPaths returns the informational path view for a contract.
func (c *Coordinator) SpendingPaths(address string) ([]escrowscript.Path, error) {
	ct := c.reg.Get(address)
	if ct == nil {
		return nil, ErrUnknownContract
	}
	factory, err := c.factoryFor(ct)
	if err != nil {
		return nil, err
	}
	return factory.SpendingPaths(), nil
}

// Create starts a new pending transaction for action, or for fund only
// verifies the address is still unfunded (the funding transfer itself is a
// plain payment handled outside the coordinator; no pending record exists
// for it).
func (c *Coordinator) Create(ctx context.Context, address string, action escrow.Action, initiator escrow.Role, signer KeySigner) (*escrow.PendingTransaction, error) {
	c.locks.acquire(address)
	defer c.locks.release(address)

	ct := c.reg.Get(address)
	if ct == nil {
		return nil, ErrUnknownContract
	}
	factory, err := c.factoryFor(ct)
	if err != nil {
		return nil, err
	}
	vtxos, err := c.query.UnspentOutputs(ctx, factory.PkScript())
	if err != nil {
		return nil, fmt.Errorf("query unspent outputs: %w", err)
	}
	spendable := spendableVtxos(vtxos)

	if action == escrow.ActionFund {
		if !escrow.EligibleInitiator(action, initiator) {
			return nil, fmt.Errorf("%w: %s cannot initiate %s", ErrNotAuthorized, initiator, action)
		}
		if len(spendable) > 0 {
			return nil, ErrAlreadyFunded
		}
		c.log.Debugf("contract %s unfunded; funding is a plain transfer to the address", address)
		return nil, nil
	}

	// The funding check runs before authorization: an unfunded contract
	// answers ErrNoFunds no matter who asks.
	if len(spendable) == 0 {
		return nil, ErrNoFunds
	}
	if !escrow.EligibleInitiator(action, initiator) {
		return nil, fmt.Errorf("%w: %s cannot initiate %s", ErrNotAuthorized, initiator, action)
	}
	initiatorKey, ok := ct.KeyForRole(initiator)
	if !ok || signer == nil || signer.PubKey() != initiatorKey {
		return nil, fmt.Errorf("%w: signer key does not match the %s key", ErrNotAuthorized, initiator)
	}
	if ct.Pending != nil {
		return nil, ErrHasPending
	}
	vtxo := spendable[0]

	cosigners := escrow.RequiredCosigners(action, initiator)
	if len(cosigners) == 0 {
		return nil, fmt.Errorf("%w: %s cannot initiate %s", ErrNotAuthorized, initiator, action)
	}
	required := make([]escrow.PartyKey, 0, len(cosigners))
	for _, role := range cosigners {
		key, ok := ct.KeyForRole(role)
		if !ok {
			return nil, fmt.Errorf("%w: contract has no %s key", ErrNotAuthorized, role)
		}
		required = append(required, key)
	}

	plan, err := buildSpendPlan(factory, ct, action, vtxo)
	if err != nil {
		return nil, err
	}

	// The initiator signs the spend and every checkpoint immediately.
	spendSigs, err := signer.SignTx(ctx, plan.spend, []*wire.TxOut{plan.prevOut}, plan.leafScript)
	if err != nil {
		return nil, fmt.Errorf("initiator sign spend: %w", err)
	}
	checkpointSigs := make([]map[escrow.PartyKey][]byte, len(plan.checkpoints))
	checkpointBytes := make([][]byte, len(plan.checkpoints))
	for i, cp := range plan.checkpoints {
		sigs, err := signer.SignTxInputs(ctx, cp, []*wire.TxOut{plan.prevOut}, plan.leafScript, []int{0})
		if err != nil {
			return nil, fmt.Errorf("initiator sign checkpoint %d: %w", i, err)
		}
		checkpointSigs[i] = map[escrow.PartyKey][]byte{initiatorKey: sigs[0]}
		if checkpointBytes[i], err = serializeTx(cp); err != nil {
			return nil, err
		}
	}
	spendBytes, err := serializeTx(plan.spend)
	if err != nil {
		return nil, err
	}

	pending := &escrow.PendingTransaction{
		ID:           uuid.NewString(),
		Action:       action,
		Initiator:    initiator,
		InitiatorKey: initiatorKey,
		CreatedAt:    time.Now().UTC(),
		Status:       escrow.StatusPendingCosign,
		Partial: escrow.PartialTransaction{
			Vtxo:            vtxo,
			SpendTx:         spendBytes,
			CheckpointTxs:   checkpointBytes,
			RequiredSigners: required,
			Approvals:       []escrow.PartyKey{initiatorKey},
			Rejections:      []escrow.PartyKey{},
			SpendSigs:       map[escrow.PartyKey][]byte{initiatorKey: spendSigs[0]},
			CheckpointSigs:  checkpointSigs,
		},
	}
	ct.Pending = pending

	if err := c.reg.Upsert(ctx, ct); err != nil {
		return nil, err
	}
	c.log.Infof("contract %s: %s by %s pending co-sign from %d signer(s), spending %s",
		address, action, initiator, len(required), vtxo.OutpointID())
	return pending.Clone(), nil
}

// Approve adds one co-signer's signatures to the pending transaction.
// Completion is recomputed from set membership on every call, so approvals
// may arrive in any order. When the last required signature lands, the
// fully co-signed spend is submitted and finalized; a submit or finalize
// failure leaves the record in place so Execute can retry without
// re-collecting signatures.
func (c *Coordinator) Approve(ctx context.Context, address string, signer KeySigner) error {
	c.locks.acquire(address)
	defer c.locks.release(address)

	ct := c.reg.Get(address)
	if ct == nil {
		return ErrUnknownContract
	}
	p := ct.Pending
	if p == nil {
		return ErrNoPending
	}
	key := signer.PubKey()
	if p.Status == escrow.StatusRejected {
		if p.Partial.HasRejection(key) {
			return ErrAlreadyRejected
		}
		return ErrRejected
	}
	if !p.Partial.IsRequired(key) {
		return ErrNotRequired
	}
	if p.Partial.HasApproval(key) {
		return ErrAlreadyApproved
	}
	if p.Partial.HasRejection(key) {
		return ErrAlreadyRejected
	}

	factory, err := c.factoryFor(ct)
	if err != nil {
		return err
	}
	path, err := actionPath(p.Action)
	if err != nil {
		return err
	}
	leafScript, err := factory.PathScript(path)
	if err != nil {
		return err
	}
	prevOut := &wire.TxOut{Value: p.Partial.Vtxo.Value, PkScript: factory.PkScript()}

	spendTx, err := deserializeTx(p.Partial.SpendTx)
	if err != nil {
		return err
	}
	spendSigs, err := signer.SignTx(ctx, spendTx, []*wire.TxOut{prevOut}, leafScript)
	if err != nil {
		return fmt.Errorf("sign spend: %w", err)
	}
	if p.Partial.SpendSigs == nil {
		p.Partial.SpendSigs = make(map[escrow.PartyKey][]byte)
	}
	// Signatures accumulate per key; the duplicate guard above means no
	// existing signature is ever overwritten.
	p.Partial.SpendSigs[key] = spendSigs[0]

	for i, cpBytes := range p.Partial.CheckpointTxs {
		cpTx, err := deserializeTx(cpBytes)
		if err != nil {
			return err
		}
		sigs, err := signer.SignTxInputs(ctx, cpTx, []*wire.TxOut{prevOut}, leafScript, []int{0})
		if err != nil {
			return fmt.Errorf("sign checkpoint %d: %w", i, err)
		}
		for len(p.Partial.CheckpointSigs) <= i {
			p.Partial.CheckpointSigs = append(p.Partial.CheckpointSigs, make(map[escrow.PartyKey][]byte))
		}
		if p.Partial.CheckpointSigs[i] == nil {
			p.Partial.CheckpointSigs[i] = make(map[escrow.PartyKey][]byte)
		}
		p.Partial.CheckpointSigs[i][key] = sigs[0]
	}

	p.Partial.Approvals = append(p.Partial.Approvals, key)
	c.log.Infof("contract %s: approval from %s (%d/%d co-signers)",
		address, key, len(p.Partial.Approvals)-1, len(p.Partial.RequiredSigners))

	if !p.Partial.Complete(p.InitiatorKey) {
		return c.reg.Upsert(ctx, ct)
	}

	p.Status = escrow.StatusApproved
	if err := c.reg.Upsert(ctx, ct); err != nil {
		return err
	}
	return c.execute(ctx, ct, factory)
}

// Execute retries submission of a fully co-signed pending transaction after
// an earlier submit or finalize failure.
func (c *Coordinator) Execute(ctx context.Context, address string) error {
	c.locks.acquire(address)
	defer c.locks.release(address)

	ct := c.reg.Get(address)
	if ct == nil {
		return ErrUnknownContract
	}
	p := ct.Pending
	if p == nil {
		return ErrNoPending
	}
	if p.Status == escrow.StatusRejected {
		return ErrRejected
	}
	if !p.Partial.Complete(p.InitiatorKey) {
		return ErrMissingSignature
	}
	factory, err := c.factoryFor(ct)
	if err != nil {
		return err
	}
	return c.execute(ctx, ct, factory)
}

// execute assembles the final witnesses, submits the spend plus checkpoints
// and finalizes with the same checkpoints. Must run with the contract lock
// held. On failure the record is left untouched for retry; on success the
// pending transaction is cleared.
func (c *Coordinator) execute(ctx context.Context, ct *escrow.Contract, factory *escrowscript.Factory) error {
	p := ct.Pending
	path, err := actionPath(p.Action)
	if err != nil {
		return err
	}
	leafScript, err := factory.PathScript(path)
	if err != nil {
		return err
	}
	controlBlock, err := factory.ControlBlock(leafScript)
	if err != nil {
		return err
	}
	signerKeys, err := factory.SignerKeys(path)
	if err != nil {
		return err
	}

	spendTx, err := deserializeTx(p.Partial.SpendTx)
	if err != nil {
		return err
	}
	witness, err := assembleWitness(p.Partial.SpendSigs, signerKeys, c.serverKey, leafScript, controlBlock)
	if err != nil {
		return err
	}
	spendTx.TxIn[0].Witness = witness
	spendBytes, err := serializeTx(spendTx)
	if err != nil {
		return err
	}

	checkpointBytes := make([][]byte, len(p.Partial.CheckpointTxs))
	for i, cpRaw := range p.Partial.CheckpointTxs {
		cpTx, err := deserializeTx(cpRaw)
		if err != nil {
			return err
		}
		var sigs map[escrow.PartyKey][]byte
		if i < len(p.Partial.CheckpointSigs) {
			sigs = p.Partial.CheckpointSigs[i]
		}
		w, err := assembleWitness(sigs, signerKeys, c.serverKey, leafScript, controlBlock)
		if err != nil {
			return err
		}
		cpTx.TxIn[0].Witness = w
		if checkpointBytes[i], err = serializeTx(cpTx); err != nil {
			return err
		}
	}

	ref, err := c.submitter.Submit(ctx, spendBytes, checkpointBytes)
	if err != nil {
		c.log.Warnf("contract %s: submit failed, record kept for retry: %v", ct.Address, err)
		return fmt.Errorf("submit spend: %w", err)
	}
	if err := c.submitter.Finalize(ctx, ref, checkpointBytes); err != nil {
		c.log.Warnf("contract %s: finalize %s failed, record kept for retry: %v", ct.Address, ref, err)
		return fmt.Errorf("finalize %s: %w", ref, err)
	}

	ct.Pending = nil
	if err := c.reg.Upsert(ctx, ct); err != nil {
		return err
	}
	c.log.Infof("contract %s: %s executed (%s)", ct.Address, p.Action, ref)
	return nil
}

// Reject marks the pending transaction rejected. The status flips
// immediately and is published so every party sees it; the record itself is
// cleared only after the grace delay. Nothing moves a rejected transaction
// back to pending.
func (c *Coordinator) Reject(ctx context.Context, address string, signerKey escrow.PartyKey) error {
	c.locks.acquire(address)
	defer c.locks.release(address)

	ct := c.reg.Get(address)
	if ct == nil {
		return ErrUnknownContract
	}
	p := ct.Pending
	if p == nil {
		return ErrNoPending
	}
	if p.Status == escrow.StatusRejected {
		if p.Partial.HasRejection(signerKey) {
			return ErrAlreadyRejected
		}
		return ErrRejected
	}
	if !p.Partial.IsRequired(signerKey) {
		return ErrNotRequired
	}
	if p.Partial.HasApproval(signerKey) {
		return ErrAlreadyApproved
	}
	if p.Partial.HasRejection(signerKey) {
		return ErrAlreadyRejected
	}

	p.Partial.Rejections = append(p.Partial.Rejections, signerKey)
	p.Status = escrow.StatusRejected
	if err := c.reg.Upsert(ctx, ct); err != nil {
		return err
	}
	c.log.Infof("contract %s: %s rejected by %s; clearing in %s",
		address, p.Action, signerKey, c.rejectGrace)

	pendingID := p.ID
	time.AfterFunc(c.rejectGrace, func() { c.clearRejected(address, pendingID) })
	return nil
}

func (c *Coordinator) clearRejected(address, pendingID string) {
	c.locks.acquire(address)
	defer c.locks.release(address)
	defer c.locks.prune(time.Hour)

	ct := c.reg.Get(address)
	if ct == nil || ct.Pending == nil ||
		ct.Pending.ID != pendingID || ct.Pending.Status != escrow.StatusRejected {
		return
	}
	ct.Pending = nil
	if err := c.reg.Upsert(context.Background(), ct); err != nil {
		c.log.Warnf("contract %s: clear rejected transaction: %v", address, err)
		return
	}
	c.log.Debugf("contract %s: rejected transaction cleared", address)
}

// factoryFor re-derives the script set from a contract's keys plus the
// configured server key and delay, and checks the stored address against
// the derivation. A mismatch means a tampered or foreign record.
func (c *Coordinator) factoryFor(ct *escrow.Contract) (*escrowscript.Factory, error) {
	factory, err := escrowscript.New(escrowscript.Options{
		Buyer:           ct.Buyer[:],
		Seller:          ct.Seller[:],
		Arbitrator:      ct.Arbitrator[:],
		Server:          c.serverKey[:],
		UnilateralDelay: c.delay,
	})
	if err != nil {
		return nil, err
	}
	address, err := factory.Address(c.chainParams)
	if err != nil {
		return nil, err
	}
	if address != ct.Address {
		return nil, fmt.Errorf("contract %s does not match its derived address %s", ct.Address, address)
	}
	return factory, nil
}

// assembleWitness lays out the accumulated signatures in reverse script-key
// order, leaving the server slot empty: the operator inserts its own
// signature at the bottom of the stack during submission.
func assembleWitness(sigs map[escrow.PartyKey][]byte, scriptKeys [][]byte, serverKey escrow.PartyKey, leafScript, controlBlock []byte) (wire.TxWitness, error) {
	witness := make(wire.TxWitness, 0, len(scriptKeys)+2)
	for i := len(scriptKeys) - 1; i >= 0; i-- {
		var key escrow.PartyKey
		copy(key[:], scriptKeys[i])
		if key == serverKey {
			continue
		}
		sig, ok := sigs[key]
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrMissingSignature, key)
		}
		witness = append(witness, sig)
	}
	return append(witness, leafScript, controlBlock), nil
}

func spendableVtxos(in []escrow.Vtxo) []escrow.Vtxo {
	out := make([]escrow.Vtxo, 0, len(in))
	for _, v := range in {
		if v.SpentBy == "" {
			out = append(out, v)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Txid == out[j].Txid {
			return out[i].Vout < out[j].Vout
		}
		return out[i].Txid < out[j].Txid
	})
	return out
}

// IsStateConflict reports whether err belongs to the lifecycle-conflict
// class (as opposed to authorization, duplicate or network failures).
func IsStateConflict(err error) bool {
	return errors.Is(err, ErrHasPending) || errors.Is(err, ErrNoPending) ||
		errors.Is(err, ErrRejected) || errors.Is(err, ErrNotRequired)
}
