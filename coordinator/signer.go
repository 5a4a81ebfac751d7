package coordinator

import (
	"context"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"

	"github.com/Kukks/ark-escrow-demo/escrow"
)

// PrivKeySigner is the in-process KeySigner holding one party's private key.
type PrivKeySigner struct {
	priv *btcec.PrivateKey
}

func NewPrivKeySigner(priv *btcec.PrivateKey) *PrivKeySigner {
	return &PrivKeySigner{priv: priv}
}

func (s *PrivKeySigner) PubKey() escrow.PartyKey {
	return escrow.PartyKeyFromPub(s.priv.PubKey())
}

// SignTx signs every input of tx under the given tapscript leaf.
func (s *PrivKeySigner) SignTx(ctx context.Context, tx *wire.MsgTx, prevOuts []*wire.TxOut, leafScript []byte) (map[int][]byte, error) {
	inputs := make([]int, len(tx.TxIn))
	for i := range inputs {
		inputs[i] = i
	}
	return s.SignTxInputs(ctx, tx, prevOuts, leafScript, inputs)
}

// SignTxInputs signs a subset of inputs. prevOuts must be aligned with
// tx.TxIn. Signatures use SIGHASH_DEFAULT, so each one is 64 bytes.
func (s *PrivKeySigner) SignTxInputs(ctx context.Context, tx *wire.MsgTx, prevOuts []*wire.TxOut, leafScript []byte, inputs []int) (map[int][]byte, error) {
	if len(prevOuts) != len(tx.TxIn) {
		return nil, fmt.Errorf("have %d prevouts for %d inputs", len(prevOuts), len(tx.TxIn))
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	fetcher := txscript.NewMultiPrevOutFetcher(nil)
	for i, in := range tx.TxIn {
		fetcher.AddPrevOut(in.PreviousOutPoint, prevOuts[i])
	}
	sigHashes := txscript.NewTxSigHashes(tx, fetcher)
	leaf := txscript.NewBaseTapLeaf(leafScript)

	sigs := make(map[int][]byte, len(inputs))
	for _, idx := range inputs {
		if idx < 0 || idx >= len(tx.TxIn) {
			return nil, fmt.Errorf("input index %d out of range", idx)
		}
		sig, err := txscript.RawTxInTapscriptSignature(
			tx, sigHashes, idx, prevOuts[idx].Value, prevOuts[idx].PkScript,
			leaf, txscript.SigHashDefault, s.priv,
		)
		if err != nil {
			return nil, fmt.Errorf("sign input %d: %w", idx, err)
		}
		sigs[idx] = sig
	}
	return sigs, nil
}
