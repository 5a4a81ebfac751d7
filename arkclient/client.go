// Package arkclient talks to an operator's REST API. It implements the
// coordinator's ChainQuery and ChainSubmit collaborators: listing the
// virtual outputs held at a script, submitting co-signed spends with their
// checkpoints, and finalizing accepted submissions.
package arkclient

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/decred/slog"

	"github.com/Kukks/ark-escrow-demo/escrow"
)

const defaultTimeout = 15 * time.Second

// Config for an operator client. BaseURL points at the operator's API
// root, e.g. http://localhost:7070.
type Config struct {
	BaseURL string
	Timeout time.Duration
	Log     slog.Logger
}

// Client is the REST adapter.
type Client struct {
	base string
	http *http.Client
	log  slog.Logger
}

func New(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("operator base url is required")
	}
	if _, err := url.Parse(cfg.BaseURL); err != nil {
		return nil, fmt.Errorf("bad operator url %q: %w", cfg.BaseURL, err)
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	log := cfg.Log
	if log == nil {
		log = slog.Disabled
	}
	return &Client{
		base: cfg.BaseURL,
		http: &http.Client{Timeout: timeout},
		log:  log,
	}, nil
}

type vtxoPayload struct {
	Txid    string `json:"txid"`
	Vout    uint32 `json:"vout"`
	Value   int64  `json:"value"`
	SpentBy string `json:"spent_by,omitempty"`
}

type listVtxosResponse struct {
	Vtxos []vtxoPayload `json:"vtxos"`
}

// UnspentOutputs lists the virtual outputs currently held at pkScript.
// Spent outputs come back with SpentBy set; the caller filters.
func (c *Client) UnspentOutputs(ctx context.Context, pkScript []byte) ([]escrow.Vtxo, error) {
	endpoint := fmt.Sprintf("%s/v1/vtxos?script=%s", c.base, hex.EncodeToString(pkScript))
	var resp listVtxosResponse
	if err := c.get(ctx, endpoint, &resp); err != nil {
		return nil, err
	}
	out := make([]escrow.Vtxo, len(resp.Vtxos))
	for i, v := range resp.Vtxos {
		out[i] = escrow.Vtxo{Txid: v.Txid, Vout: v.Vout, Value: v.Value, SpentBy: v.SpentBy}
	}
	return out, nil
}

type submitRequest struct {
	SpendTx       string   `json:"spend_tx"`
	CheckpointTxs []string `json:"checkpoint_txs"`
}

type submitResponse struct {
	Ref string `json:"ref"`
}

// Submit hands the co-signed spend and its checkpoints to the operator.
// The operator verifies the party signatures, adds its own, and returns a
// reference id for finalization.
func (c *Client) Submit(ctx context.Context, spendTx []byte, checkpointTxs [][]byte) (string, error) {
	req := submitRequest{
		SpendTx:       hex.EncodeToString(spendTx),
		CheckpointTxs: make([]string, len(checkpointTxs)),
	}
	for i, tx := range checkpointTxs {
		req.CheckpointTxs[i] = hex.EncodeToString(tx)
	}
	var resp submitResponse
	if err := c.post(ctx, c.base+"/v1/tx/submit", req, &resp); err != nil {
		return "", err
	}
	if resp.Ref == "" {
		return "", fmt.Errorf("operator accepted submission without a reference id")
	}
	c.log.Debugf("arkclient: submitted spend, ref=%s", resp.Ref)
	return resp.Ref, nil
}

type finalizeRequest struct {
	Ref           string   `json:"ref"`
	CheckpointTxs []string `json:"checkpoint_txs"`
}

// Finalize completes an accepted submission.
func (c *Client) Finalize(ctx context.Context, ref string, checkpointTxs [][]byte) error {
	req := finalizeRequest{
		Ref:           ref,
		CheckpointTxs: make([]string, len(checkpointTxs)),
	}
	for i, tx := range checkpointTxs {
		req.CheckpointTxs[i] = hex.EncodeToString(tx)
	}
	if err := c.post(ctx, c.base+"/v1/tx/finalize", req, nil); err != nil {
		return err
	}
	c.log.Debugf("arkclient: finalized %s", ref)
	return nil
}

func (c *Client) get(ctx context.Context, endpoint string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *Client) post(ctx context.Context, endpoint string, body, out any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("operator request: %w", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("read operator response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("operator returned %s: %s", resp.Status, string(body))
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decode operator response: %w", err)
	}
	return nil
}
