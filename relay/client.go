package relay

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/decred/slog"
	"github.com/gorilla/websocket"

	"github.com/Kukks/ark-escrow-demo/escrow"
)

const defaultReconnectWait = 2 * time.Second

// ClientConfig for one device's relay connection.
type ClientConfig struct {
	// URL is the relay websocket endpoint, e.g. ws://host:port/sync.
	URL string
	// ReconnectWait is the pause between redial attempts. Defaults to 2s.
	ReconnectWait time.Duration
	Log           slog.Logger
}

// Client is a registry.Transport over a relay websocket. Publishes go out
// as event frames; incoming frames are decoded and fanned out to the
// subscribed callbacks. The connection redials forever until Close.
type Client struct {
	url           string
	reconnectWait time.Duration
	log           slog.Logger

	wsMu sync.Mutex
	ws   *websocket.Conn

	subMu           sync.RWMutex
	contractSubs    []func(*escrow.Contract)
	participantSubs []func(*escrow.Participant)

	quit     chan struct{}
	quitOnce sync.Once
}

// DialRelay connects and starts the read loop. The initial dial must
// succeed; later drops are retried in the background.
func DialRelay(ctx context.Context, cfg ClientConfig) (*Client, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("relay url is required")
	}
	log := cfg.Log
	if log == nil {
		log = slog.Disabled
	}
	wait := cfg.ReconnectWait
	if wait <= 0 {
		wait = defaultReconnectWait
	}
	c := &Client{
		url:           cfg.URL,
		reconnectWait: wait,
		log:           log,
		quit:          make(chan struct{}),
	}
	ws, _, err := websocket.DefaultDialer.DialContext(ctx, cfg.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("dial relay %s: %w", cfg.URL, err)
	}
	c.ws = ws
	go c.readLoop(ws)
	return c, nil
}

// Close stops redialing and drops the connection.
func (c *Client) Close() error {
	c.quitOnce.Do(func() { close(c.quit) })
	c.wsMu.Lock()
	defer c.wsMu.Unlock()
	if c.ws != nil {
		return c.ws.Close()
	}
	return nil
}

func (c *Client) PublishContract(ctx context.Context, ct *escrow.Contract) error {
	data, err := escrow.EncodeEvent(&escrow.Event{Kind: escrow.EventContractPut, Contract: ct})
	if err != nil {
		return err
	}
	return c.send(ctx, data)
}

func (c *Client) PublishParticipant(ctx context.Context, p *escrow.Participant) error {
	data, err := escrow.EncodeEvent(&escrow.Event{Kind: escrow.EventParticipantPut, Participant: p})
	if err != nil {
		return err
	}
	return c.send(ctx, data)
}

func (c *Client) SubscribeContracts(fn func(*escrow.Contract)) {
	c.subMu.Lock()
	c.contractSubs = append(c.contractSubs, fn)
	c.subMu.Unlock()
}

func (c *Client) SubscribeParticipants(fn func(*escrow.Participant)) {
	c.subMu.Lock()
	c.participantSubs = append(c.participantSubs, fn)
	c.subMu.Unlock()
}

func (c *Client) send(ctx context.Context, data []byte) error {
	c.wsMu.Lock()
	defer c.wsMu.Unlock()
	if c.ws == nil {
		return fmt.Errorf("relay connection down")
	}
	deadline := time.Now().Add(writeWait)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = c.ws.SetWriteDeadline(deadline)
	if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("publish to relay: %w", err)
	}
	return nil
}

func (c *Client) readLoop(ws *websocket.Conn) {
	for {
		_ = ws.SetReadDeadline(time.Now().Add(pongWait))
		ws.SetPingHandler(func(appData string) error {
			_ = ws.SetReadDeadline(time.Now().Add(pongWait))
			return ws.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(writeWait))
		})
		_, msg, err := ws.ReadMessage()
		if err != nil {
			c.log.Warnf("relay: read failed: %v", err)
			ws.Close()
			if next := c.redial(); next != nil {
				ws = next
				continue
			}
			return
		}
		c.dispatch(msg)
	}
}

func (c *Client) dispatch(msg []byte) {
	ev, err := escrow.DecodeEvent(msg)
	if err != nil {
		c.log.Warnf("relay: dropping malformed frame: %v", err)
		return
	}
	c.subMu.RLock()
	contractSubs := append([]func(*escrow.Contract){}, c.contractSubs...)
	participantSubs := append([]func(*escrow.Participant){}, c.participantSubs...)
	c.subMu.RUnlock()
	switch ev.Kind {
	case escrow.EventContractPut:
		for _, fn := range contractSubs {
			fn(ev.Contract)
		}
	case escrow.EventParticipantPut:
		for _, fn := range participantSubs {
			fn(ev.Participant)
		}
	}
}

// redial reconnects with a fixed wait until it succeeds or Close is called.
// Returns nil once closed.
func (c *Client) redial() *websocket.Conn {
	c.wsMu.Lock()
	c.ws = nil
	c.wsMu.Unlock()
	for {
		select {
		case <-c.quit:
			return nil
		case <-time.After(c.reconnectWait):
		}
		ws, _, err := websocket.DefaultDialer.Dial(c.url, nil)
		if err != nil {
			c.log.Debugf("relay: redial %s: %v", c.url, err)
			continue
		}
		c.log.Infof("relay: reconnected to %s", c.url)
		c.wsMu.Lock()
		c.ws = ws
		c.wsMu.Unlock()
		return ws
	}
}
