package coordinator

import (
	"bytes"
	"fmt"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"

	"github.com/Kukks/ark-escrow-demo/escrow"
	"github.com/Kukks/ark-escrow-demo/escrowscript"
)

// spendPlan carries everything needed to sign one action: the value-exact
// spend transaction, the checkpoint transaction re-committing the funding
// value to the escrow tree for unilateral finalization, and the leaf both
// spend under.
type spendPlan struct {
	spend       *wire.MsgTx
	checkpoints []*wire.MsgTx
	leafScript  []byte
	prevOut     *wire.TxOut
}

func actionPath(action escrow.Action) (escrowscript.PathName, error) {
	switch action {
	case escrow.ActionRelease:
		return escrowscript.PathRelease, nil
	case escrow.ActionRefund:
		return escrowscript.PathRefund, nil
	case escrow.ActionDirect:
		return escrowscript.PathDirect, nil
	}
	return "", fmt.Errorf("action %q has no spending path", action)
}

// buildSpendPlan constructs the spend and checkpoint transactions for one
// action over a single funding output. Outputs are virtual and fee-free, so
// they always sum exactly to the input value.
func buildSpendPlan(factory *escrowscript.Factory, c *escrow.Contract, action escrow.Action, vtxo escrow.Vtxo) (*spendPlan, error) {
	path, err := actionPath(action)
	if err != nil {
		return nil, err
	}
	leafScript, err := factory.PathScript(path)
	if err != nil {
		return nil, err
	}

	var prevHash chainhash.Hash
	if err := chainhash.Decode(&prevHash, vtxo.Txid); err != nil {
		return nil, fmt.Errorf("bad vtxo txid %q: %w", vtxo.Txid, err)
	}
	outpoint := wire.OutPoint{Hash: prevHash, Index: vtxo.Vout}

	outs, err := actionOutputs(c, action, vtxo.Value)
	if err != nil {
		return nil, err
	}

	spend := wire.NewMsgTx(2)
	spend.AddTxIn(&wire.TxIn{
		PreviousOutPoint: outpoint,
		Sequence:         wire.MaxTxInSequenceNum,
	})
	for _, o := range outs {
		spend.AddTxOut(o)
	}

	// The checkpoint spends the same funding output back into the escrow
	// tree, so the unilateral leaves stay reachable if the cooperative
	// path stalls after submission.
	checkpoint := wire.NewMsgTx(2)
	checkpoint.AddTxIn(&wire.TxIn{
		PreviousOutPoint: outpoint,
		Sequence:         wire.MaxTxInSequenceNum,
	})
	checkpoint.AddTxOut(&wire.TxOut{Value: vtxo.Value, PkScript: factory.PkScript()})

	return &spendPlan{
		spend:       spend,
		checkpoints: []*wire.MsgTx{checkpoint},
		leafScript:  leafScript,
		prevOut:     &wire.TxOut{Value: vtxo.Value, PkScript: factory.PkScript()},
	}, nil
}

// actionOutputs computes the action-specific output list. The direct-settle
// split gives the buyer floor(v/2) and the seller the exact remainder, so
// the two outputs sum to the input value with no rounding loss.
func actionOutputs(c *escrow.Contract, action escrow.Action, value int64) ([]*wire.TxOut, error) {
	buyerScript, err := keyPathScript(c.Buyer)
	if err != nil {
		return nil, fmt.Errorf("buyer output: %w", err)
	}
	sellerScript, err := keyPathScript(c.Seller)
	if err != nil {
		return nil, fmt.Errorf("seller output: %w", err)
	}
	switch action {
	case escrow.ActionRelease:
		return []*wire.TxOut{{Value: value, PkScript: sellerScript}}, nil
	case escrow.ActionRefund:
		return []*wire.TxOut{{Value: value, PkScript: buyerScript}}, nil
	case escrow.ActionDirect:
		buyerAmt := value / 2
		sellerAmt := value - buyerAmt
		return []*wire.TxOut{
			{Value: buyerAmt, PkScript: buyerScript},
			{Value: sellerAmt, PkScript: sellerScript},
		}, nil
	}
	return nil, fmt.Errorf("action %q has no outputs", action)
}

// keyPathScript pays a party key directly as a key-path-only taproot output.
func keyPathScript(key escrow.PartyKey) ([]byte, error) {
	return txscript.NewScriptBuilder().
		AddOp(txscript.OP_1).
		AddData(key[:]).
		Script()
}

func serializeTx(tx *wire.MsgTx) ([]byte, error) {
	var buf bytes.Buffer
	if err := tx.Serialize(&buf); err != nil {
		return nil, fmt.Errorf("serialize tx: %w", err)
	}
	return buf.Bytes(), nil
}

func deserializeTx(data []byte) (*wire.MsgTx, error) {
	tx := &wire.MsgTx{}
	if err := tx.Deserialize(bytes.NewReader(data)); err != nil {
		return nil, fmt.Errorf("deserialize tx: %w", err)
	}
	return tx, nil
}
