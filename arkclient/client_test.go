package arkclient

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Kukks/ark-escrow-demo/escrow"
)

func TestUnspentOutputs(t *testing.T) {
	script := []byte{0x51, 0x20, 0xaa}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/vtxos", r.URL.Path)
		assert.Equal(t, hex.EncodeToString(script), r.URL.Query().Get("script"))
		json.NewEncoder(w).Encode(listVtxosResponse{Vtxos: []vtxoPayload{
			{Txid: "aa", Vout: 0, Value: 100_000},
			{Txid: "bb", Vout: 2, Value: 50, SpentBy: "cc"},
		}})
	}))
	defer srv.Close()

	c, err := New(Config{BaseURL: srv.URL})
	require.NoError(t, err)

	vtxos, err := c.UnspentOutputs(context.Background(), script)
	require.NoError(t, err)
	assert.Equal(t, []escrow.Vtxo{
		{Txid: "aa", Vout: 0, Value: 100_000},
		{Txid: "bb", Vout: 2, Value: 50, SpentBy: "cc"},
	}, vtxos)
}

func TestSubmitAndFinalize(t *testing.T) {
	spend := []byte{0x02, 0x00}
	cp := []byte{0x02, 0x01}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v1/tx/submit":
			var req submitRequest
			require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
			assert.Equal(t, hex.EncodeToString(spend), req.SpendTx)
			require.Len(t, req.CheckpointTxs, 1)
			assert.Equal(t, hex.EncodeToString(cp), req.CheckpointTxs[0])
			json.NewEncoder(w).Encode(submitResponse{Ref: "batch-42"})
		case "/v1/tx/finalize":
			var req finalizeRequest
			require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
			assert.Equal(t, "batch-42", req.Ref)
			w.WriteHeader(http.StatusOK)
		default:
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
	}))
	defer srv.Close()

	c, err := New(Config{BaseURL: srv.URL})
	require.NoError(t, err)

	ref, err := c.Submit(context.Background(), spend, [][]byte{cp})
	require.NoError(t, err)
	assert.Equal(t, "batch-42", ref)

	require.NoError(t, c.Finalize(context.Background(), ref, [][]byte{cp}))
}

func TestOperatorErrorsSurface(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "signature for leaf key 1 is invalid", http.StatusBadRequest)
	}))
	defer srv.Close()

	c, err := New(Config{BaseURL: srv.URL})
	require.NoError(t, err)

	_, err = c.Submit(context.Background(), []byte{0x02}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "signature for leaf key 1 is invalid")

	_, err = c.UnspentOutputs(context.Background(), []byte{0x51})
	assert.Error(t, err)
}

func TestSubmitRequiresRef(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(submitResponse{})
	}))
	defer srv.Close()

	c, err := New(Config{BaseURL: srv.URL})
	require.NoError(t, err)

	_, err = c.Submit(context.Background(), []byte{0x02}, nil)
	assert.Error(t, err)
}
