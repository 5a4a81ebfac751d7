// Package relay carries registry events between devices over websockets.
// The server is a dumb fan-out hub: it validates that a frame parses as an
// event and rebroadcasts it to every other connection. All contract state
// lives on the devices; the relay keeps none.
package relay

import (
	"net/http"
	"sync"
	"time"

	"github.com/decred/slog"
	"github.com/gorilla/websocket"

	"github.com/Kukks/ark-escrow-demo/escrow"
)

const (
	writeWait  = 5 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second

	outboundQueue = 32
)

// Server is the fan-out hub.
type Server struct {
	log      slog.Logger
	upgrader websocket.Upgrader

	mu    sync.Mutex
	conns map[*relayConn]struct{}
}

type relayConn struct {
	ws   *websocket.Conn
	out  chan []byte
	done chan struct{}
}

func NewServer(log slog.Logger) *Server {
	if log == nil {
		log = slog.Disabled
	}
	return &Server{
		log: log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  64 * 1024,
			WriteBufferSize: 64 * 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		conns: make(map[*relayConn]struct{}),
	}
}

// Handler upgrades the request and serves the connection until it drops.
func (s *Server) Handler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		ws, err := s.upgrader.Upgrade(rw, r, nil)
		if err != nil {
			return
		}
		c := &relayConn{
			ws:   ws,
			out:  make(chan []byte, outboundQueue),
			done: make(chan struct{}),
		}

		s.mu.Lock()
		s.conns[c] = struct{}{}
		n := len(s.conns)
		s.mu.Unlock()
		s.log.Infof("relay: connection from %s (%d total)", r.RemoteAddr, n)

		go s.writeLoop(c)
		s.readLoop(c)

		s.mu.Lock()
		delete(s.conns, c)
		remaining := len(s.conns)
		s.mu.Unlock()
		// out is never closed: a broadcast that snapshotted this conn may
		// still send into the buffer. The done channel stops the writer.
		close(c.done)
		ws.Close()
		s.log.Infof("relay: connection from %s closed (%d remain)", r.RemoteAddr, remaining)
	}
}

func (s *Server) readLoop(c *relayConn) {
	for {
		_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
		c.ws.SetPongHandler(func(string) error {
			return c.ws.SetReadDeadline(time.Now().Add(pongWait))
		})
		_, msg, err := c.ws.ReadMessage()
		if err != nil {
			return
		}
		// Only well-formed events travel; anything else is dropped here so
		// one bad client cannot poison its peers.
		if _, err := escrow.DecodeEvent(msg); err != nil {
			s.log.Warnf("relay: dropping malformed frame: %v", err)
			continue
		}
		s.broadcast(c, msg)
	}
}

func (s *Server) writeLoop(c *relayConn) {
	ping := time.NewTicker(pingPeriod)
	defer ping.Stop()
	for {
		select {
		case <-c.done:
			return
		case msg := <-c.out:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ping.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// broadcast queues the frame for every connection except the sender. A full
// queue drops the frame for that peer; the registry re-publishes whole
// records, so a later event supersedes the lost one.
func (s *Server) broadcast(from *relayConn, msg []byte) {
	s.mu.Lock()
	conns := make([]*relayConn, 0, len(s.conns))
	for c := range s.conns {
		if c != from {
			conns = append(conns, c)
		}
	}
	s.mu.Unlock()

	for _, c := range conns {
		select {
		case c.out <- msg:
		default:
			s.log.Warnf("relay: peer queue full, dropping frame")
		}
	}
}
