package coordinator

import (
	"context"
	"errors"

	"github.com/btcsuite/btcd/wire"

	"github.com/Kukks/ark-escrow-demo/escrow"
)

// Failure taxonomy. Validation failures surface as escrowscript errors;
// everything below maps to a coordinator state or collaborator failure. No
// error path touches settled funds, because the synced record is purely
// advisory until a submit+finalize pair succeeds.
var (
	ErrUnknownContract = errors.New("contract not found in registry")
	ErrNotAuthorized   = errors.New("initiator role is not eligible for this action")

	ErrAlreadyFunded = errors.New("contract address already holds funds")
	ErrNoFunds       = errors.New("contract address holds no spendable output")

	ErrHasPending = errors.New("contract already has a pending transaction")
	ErrNoPending  = errors.New("contract has no pending transaction")
	ErrRejected   = errors.New("pending transaction was rejected")

	ErrNotRequired     = errors.New("signer is not a required co-signer")
	ErrAlreadyApproved = errors.New("signer already approved")
	ErrAlreadyRejected = errors.New("signer already rejected")

	ErrMissingSignature = errors.New("missing co-signer signature")
)

// KeySigner signs spend and checkpoint transactions with one party's key.
// SignTx covers every input; SignTxInputs a subset, used for checkpoints.
// Both return 64-byte schnorr signatures keyed by input index and leave the
// transaction itself untouched: accumulation into the shared record is the
// coordinator's job.
type KeySigner interface {
	PubKey() escrow.PartyKey
	SignTx(ctx context.Context, tx *wire.MsgTx, prevOuts []*wire.TxOut, leafScript []byte) (map[int][]byte, error)
	SignTxInputs(ctx context.Context, tx *wire.MsgTx, prevOuts []*wire.TxOut, leafScript []byte, inputs []int) (map[int][]byte, error)
}

// ChainQuery reports the virtual unspent outputs held at a script.
type ChainQuery interface {
	UnspentOutputs(ctx context.Context, pkScript []byte) ([]escrow.Vtxo, error)
}

// ChainSubmit hands a fully co-signed spend plus its checkpoints to the
// settlement layer. The operator adds its own signature during Submit; the
// returned reference id feeds Finalize with the same checkpoints.
type ChainSubmit interface {
	Submit(ctx context.Context, spendTx []byte, checkpointTxs [][]byte) (string, error)
	Finalize(ctx context.Context, ref string, checkpointTxs [][]byte) error
}
