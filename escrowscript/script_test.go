package escrowscript

import (
	"bytes"
	"testing"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func genKey(t *testing.T) []byte {
	t.Helper()
	priv, err := btcec.NewPrivateKey()
	require.NoError(t, err)
	return schnorr.SerializePubKey(priv.PubKey())
}

func testOptions(t *testing.T) Options {
	t.Helper()
	return Options{
		Buyer:           genKey(t),
		Seller:          genKey(t),
		Arbitrator:      genKey(t),
		Server:          genKey(t),
		UnilateralDelay: 144,
	}
}

func TestDerivationIsDeterministic(t *testing.T) {
	opts := testOptions(t)

	a, err := New(opts)
	require.NoError(t, err)
	b, err := New(opts)
	require.NoError(t, err)

	assert.Equal(t, a.PkScript(), b.PkScript())

	addrA, err := a.Address(&chaincfg.RegressionNetParams)
	require.NoError(t, err)
	addrB, err := b.Address(&chaincfg.RegressionNetParams)
	require.NoError(t, err)
	assert.Equal(t, addrA, addrB)
}

func TestSixDistinctPaths(t *testing.T) {
	f, err := New(testOptions(t))
	require.NoError(t, err)

	paths := f.SpendingPaths()
	require.Len(t, paths, 6)

	seen := make(map[string]struct{})
	unilateral := 0
	for _, p := range paths {
		seen[string(p.Script)] = struct{}{}
		if p.Unilateral {
			unilateral++
			assert.Len(t, p.Signers, 2)
			assert.NotContains(t, p.Signers, "server")
		} else {
			assert.Len(t, p.Signers, 3)
			assert.Equal(t, "server", p.Signers[2])
		}
	}
	assert.Len(t, seen, 6, "every path script must be distinct")
	assert.Equal(t, 3, unilateral)
}

func TestUnilateralScriptsCarryTimelock(t *testing.T) {
	opts := testOptions(t)
	f, err := New(opts)
	require.NoError(t, err)

	csvPrefix, err := txscript.NewScriptBuilder().
		AddInt64(int64(opts.UnilateralDelay)).
		AddOp(txscript.OP_CHECKSEQUENCEVERIFY).
		AddOp(txscript.OP_DROP).
		Script()
	require.NoError(t, err)

	for _, p := range f.SpendingPaths() {
		if p.Unilateral {
			assert.True(t, bytes.HasPrefix(p.Script, csvPrefix), "path %s", p.Name)
		} else {
			assert.False(t, bytes.HasPrefix(p.Script, csvPrefix), "path %s", p.Name)
		}
	}
}

func TestDelayChangesAddress(t *testing.T) {
	opts := testOptions(t)
	a, err := New(opts)
	require.NoError(t, err)

	opts.UnilateralDelay = 288
	b, err := New(opts)
	require.NoError(t, err)

	assert.NotEqual(t, a.PkScript(), b.PkScript())
}

func TestKeyValidation(t *testing.T) {
	opts := testOptions(t)
	opts.Server = opts.Server[:31]
	_, err := New(opts)
	assert.ErrorIs(t, err, ErrInvalidKeyLength)

	opts = testOptions(t)
	opts.Buyer = make([]byte, 32)
	_, err = New(opts)
	assert.ErrorIs(t, err, ErrInvalidKeyLength)

	opts = testOptions(t)
	opts.Seller = append([]byte(nil), opts.Buyer...)
	_, err = New(opts)
	assert.ErrorIs(t, err, ErrDuplicateKey)
}

func TestSignerKeyOrderMatchesScript(t *testing.T) {
	opts := testOptions(t)
	f, err := New(opts)
	require.NoError(t, err)

	keys, err := f.SignerKeys(PathRelease)
	require.NoError(t, err)
	require.Len(t, keys, 3)
	assert.Equal(t, opts.Seller, keys[0])
	assert.Equal(t, opts.Arbitrator, keys[1])
	assert.Equal(t, opts.Server, keys[2])

	keys, err = f.SignerKeys(PathUnilateralRefund)
	require.NoError(t, err)
	require.Len(t, keys, 2)
	assert.Equal(t, opts.Buyer, keys[0])
	assert.Equal(t, opts.Arbitrator, keys[1])
}

func TestControlBlockRejectsForeignScript(t *testing.T) {
	f, err := New(testOptions(t))
	require.NoError(t, err)

	script, err := f.PathScript(PathRelease)
	require.NoError(t, err)
	cb, err := f.ControlBlock(script)
	require.NoError(t, err)
	assert.NotEmpty(t, cb)

	_, err = f.ControlBlock([]byte{txscript.OP_TRUE})
	assert.ErrorIs(t, err, ErrLeafNotFound)
	_, err = f.Leaf([]byte{txscript.OP_TRUE})
	assert.ErrorIs(t, err, ErrLeafNotFound)
}

func TestControlBlocksProveEveryPath(t *testing.T) {
	f, err := New(testOptions(t))
	require.NoError(t, err)

	for _, p := range f.SpendingPaths() {
		cb, err := f.ControlBlock(p.Script)
		require.NoError(t, err, "path %s", p.Name)

		parsed, err := txscript.ParseControlBlock(cb)
		require.NoError(t, err, "path %s", p.Name)
		rootHash := parsed.RootHash(p.Script)
		outKey := txscript.ComputeTaprootOutputKey(parsed.InternalKey, rootHash)
		assert.Equal(t, schnorr.SerializePubKey(f.OutputKey()), schnorr.SerializePubKey(outKey),
			"control block for %s must commit to the output key", p.Name)
	}
}
