// Package escrowscript derives the six-path taproot spending script set of a
// virtual escrow contract from four x-only public keys and a shared relative
// timelock. Derivation is pure: the same options always produce the same
// leaves, tree root and address.
package escrowscript

import (
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"
)

const xOnlyKeyLen = 32

var (
	// ErrInvalidKeyLength is returned when a party key is not a valid
	// 32-byte x-only public key.
	ErrInvalidKeyLength = errors.New("party key must be a valid 32-byte x-only public key")
	// ErrDuplicateKey is returned when the four party keys are not
	// pairwise distinct.
	ErrDuplicateKey = errors.New("party keys must be pairwise distinct")
	// ErrLeafNotFound is returned when a script is not part of the
	// committed tree, indicating tampered or mismatched options.
	ErrLeafNotFound = errors.New("script is not a leaf of the committed tree")
)

// unspendableInternalKey is the BIP341 NUMS point. Committing the tree under
// it leaves the six script paths as the only ways to spend.
var unspendableInternalKey = func() *btcec.PublicKey {
	const numsHex = "50929b74c1a04954b78b4b6035e97a5e078a5a0f28ec96d547bfee9ace803ac0"
	b, _ := hex.DecodeString(numsHex)
	pub, err := schnorr.ParsePubKey(b)
	if err != nil {
		panic(fmt.Sprintf("parse NUMS key: %v", err))
	}
	return pub
}()

// PathName identifies one of the six spending paths.
type PathName string

const (
	PathRelease           PathName = "release"
	PathRefund            PathName = "refund"
	PathDirect            PathName = "direct"
	PathUnilateralRelease PathName = "unilateral_release"
	PathUnilateralRefund  PathName = "unilateral_refund"
	PathUnilateralDirect  PathName = "unilateral_direct"
)

// Options carries the four 32-byte x-only keys and the shared CSV delay of
// the unilateral paths.
type Options struct {
	Buyer      []byte
	Seller     []byte
	Arbitrator []byte
	Server     []byte

	// UnilateralDelay is the relative timelock, in blocks, gating every
	// unilateral path.
	UnilateralDelay uint16
}

// Path describes one spending path: its tapscript, the fixed signer set and
// whether it is gated by the timelock. The view is informational; protocol
// decisions never consult it.
type Path struct {
	Name        PathName
	Unilateral  bool
	Description string
	Signers     []string
	Script      []byte
}

// Factory holds the committed script tree for one options set.
type Factory struct {
	opts     Options
	paths    []Path
	tree     *txscript.IndexedTapScriptTree
	outKey   *btcec.PublicKey
	pkScript []byte
}

// New validates options and assembles the committed tree.
func New(opts Options) (*Factory, error) {
	keys := [][]byte{opts.Buyer, opts.Seller, opts.Arbitrator, opts.Server}
	for _, k := range keys {
		if len(k) != xOnlyKeyLen {
			return nil, fmt.Errorf("%w: got %d bytes", ErrInvalidKeyLength, len(k))
		}
		if _, err := schnorr.ParsePubKey(k); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidKeyLength, err)
		}
	}
	for i := 0; i < len(keys); i++ {
		for j := i + 1; j < len(keys); j++ {
			if bytes.Equal(keys[i], keys[j]) {
				return nil, ErrDuplicateKey
			}
		}
	}

	paths, err := buildPaths(opts)
	if err != nil {
		return nil, err
	}

	leaves := make([]txscript.TapLeaf, len(paths))
	for i, p := range paths {
		leaves[i] = txscript.NewBaseTapLeaf(p.Script)
	}
	tree := txscript.AssembleTaprootScriptTree(leaves...)
	root := tree.RootNode.TapHash()
	outKey := txscript.ComputeTaprootOutputKey(unspendableInternalKey, root[:])
	pkScript, err := txscript.PayToTaprootScript(outKey)
	if err != nil {
		return nil, fmt.Errorf("build taproot script: %w", err)
	}

	return &Factory{
		opts:     opts,
		paths:    paths,
		tree:     tree,
		outKey:   outKey,
		pkScript: pkScript,
	}, nil
}

// Key ordering per path is fixed, not sorted. Collaborative paths carry
// three signers ending with the server; unilateral paths drop the server and
// prepend the timelock, keeping the same two-party ordering.
func buildPaths(opts Options) ([]Path, error) {
	type def struct {
		name        PathName
		unilateral  bool
		description string
		signers     []string
		keys        [][]byte
	}
	defs := []def{
		{PathRelease, false, "release funds to the seller",
			[]string{"seller", "arbitrator", "server"},
			[][]byte{opts.Seller, opts.Arbitrator, opts.Server}},
		{PathRefund, false, "refund funds to the buyer",
			[]string{"buyer", "arbitrator", "server"},
			[][]byte{opts.Buyer, opts.Arbitrator, opts.Server}},
		{PathDirect, false, "settle directly between buyer and seller",
			[]string{"buyer", "seller", "server"},
			[][]byte{opts.Buyer, opts.Seller, opts.Server}},
		{PathUnilateralRelease, true, "release funds to the seller after the delay",
			[]string{"seller", "arbitrator"},
			[][]byte{opts.Seller, opts.Arbitrator}},
		{PathUnilateralRefund, true, "refund funds to the buyer after the delay",
			[]string{"buyer", "arbitrator"},
			[][]byte{opts.Buyer, opts.Arbitrator}},
		{PathUnilateralDirect, true, "settle directly between buyer and seller after the delay",
			[]string{"buyer", "seller"},
			[][]byte{opts.Buyer, opts.Seller}},
	}

	paths := make([]Path, 0, len(defs))
	for _, d := range defs {
		var (
			script []byte
			err    error
		)
		if d.unilateral {
			script, err = csvMultisigScript(opts.UnilateralDelay, d.keys...)
		} else {
			script, err = multisigScript(d.keys...)
		}
		if err != nil {
			return nil, fmt.Errorf("build %s script: %w", d.name, err)
		}
		paths = append(paths, Path{
			Name:        d.name,
			Unilateral:  d.unilateral,
			Description: d.description,
			Signers:     d.signers,
			Script:      script,
		})
	}
	return paths, nil
}

// multisigScript chains CHECKSIGVERIFY over every key but the last, which
// uses CHECKSIG. All listed keys must sign.
func multisigScript(keys ...[]byte) ([]byte, error) {
	b := txscript.NewScriptBuilder()
	for i, k := range keys {
		b.AddData(k)
		if i == len(keys)-1 {
			b.AddOp(txscript.OP_CHECKSIG)
		} else {
			b.AddOp(txscript.OP_CHECKSIGVERIFY)
		}
	}
	return b.Script()
}

// csvMultisigScript prefixes the multisig chain with a relative timelock.
func csvMultisigScript(delay uint16, keys ...[]byte) ([]byte, error) {
	b := txscript.NewScriptBuilder()
	b.AddInt64(int64(delay))
	b.AddOp(txscript.OP_CHECKSEQUENCEVERIFY)
	b.AddOp(txscript.OP_DROP)
	script, err := b.Script()
	if err != nil {
		return nil, err
	}
	msig, err := multisigScript(keys...)
	if err != nil {
		return nil, err
	}
	return append(script, msig...), nil
}

// PkScript returns the P2TR output script committing to the tree.
func (f *Factory) PkScript() []byte {
	return append([]byte(nil), f.pkScript...)
}

// OutputKey returns the tweaked taproot output key.
func (f *Factory) OutputKey() *btcec.PublicKey { return f.outKey }

// Address renders the contract address for the given network.
func (f *Factory) Address(params *chaincfg.Params) (string, error) {
	addr, err := btcutil.NewAddressTaproot(schnorr.SerializePubKey(f.outKey), params)
	if err != nil {
		return "", fmt.Errorf("derive taproot address: %w", err)
	}
	return addr.EncodeAddress(), nil
}

// SpendingPaths returns the informational path view.
func (f *Factory) SpendingPaths() []Path {
	out := make([]Path, len(f.paths))
	for i, p := range f.paths {
		out[i] = p
		out[i].Signers = append([]string(nil), p.Signers...)
		out[i].Script = append([]byte(nil), p.Script...)
	}
	return out
}

// PathScript returns the tapscript of a named path.
func (f *Factory) PathScript(name PathName) ([]byte, error) {
	for _, p := range f.paths {
		if p.Name == name {
			return append([]byte(nil), p.Script...), nil
		}
	}
	return nil, fmt.Errorf("unknown spending path %q", name)
}

// SignerKeys returns the fixed-order x-only keys of a named path's script.
func (f *Factory) SignerKeys(name PathName) ([][]byte, error) {
	switch name {
	case PathRelease:
		return [][]byte{f.opts.Seller, f.opts.Arbitrator, f.opts.Server}, nil
	case PathRefund:
		return [][]byte{f.opts.Buyer, f.opts.Arbitrator, f.opts.Server}, nil
	case PathDirect:
		return [][]byte{f.opts.Buyer, f.opts.Seller, f.opts.Server}, nil
	case PathUnilateralRelease:
		return [][]byte{f.opts.Seller, f.opts.Arbitrator}, nil
	case PathUnilateralRefund:
		return [][]byte{f.opts.Buyer, f.opts.Arbitrator}, nil
	case PathUnilateralDirect:
		return [][]byte{f.opts.Buyer, f.opts.Seller}, nil
	}
	return nil, fmt.Errorf("unknown spending path %q", name)
}

// Leaf returns the committed tree leaf for a script's canonical encoding, or
// ErrLeafNotFound when the script was not committed.
func (f *Factory) Leaf(script []byte) (txscript.TapLeaf, error) {
	leaf := txscript.NewBaseTapLeaf(script)
	if _, ok := f.tree.LeafProofIndex[leaf.TapHash()]; !ok {
		return txscript.TapLeaf{}, ErrLeafNotFound
	}
	return leaf, nil
}

// ControlBlock returns the serialized control block proving a script's
// inclusion in the committed tree.
func (f *Factory) ControlBlock(script []byte) ([]byte, error) {
	leaf := txscript.NewBaseTapLeaf(script)
	idx, ok := f.tree.LeafProofIndex[leaf.TapHash()]
	if !ok {
		return nil, ErrLeafNotFound
	}
	proof := f.tree.LeafMerkleProofs[idx]
	cb := proof.ToControlBlock(unspendableInternalKey)
	cbBytes, err := cb.ToBytes()
	if err != nil {
		return nil, fmt.Errorf("serialize control block: %w", err)
	}
	return cbBytes, nil
}
