package httpserver

import (
	"context"
	"errors"
	"net/http"
	"sync/atomic"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"github.com/sourcegraph/conc"

	"github.com/Krishnakrish77/api-lab/errs"
	"github.com/Krishnakrish77/api-lab/internal/app/relay"
)

var _ relay.Conn = (*wsConn)(nil)

// wsConn adapts a websocket connection to relay.Conn.
type wsConn struct {
	id   string
	conn *websocket.Conn
	open atomic.Bool
}

func newWSConn(conn *websocket.Conn) *wsConn {
	c := &wsConn{id: uuid.NewString(), conn: conn}
	c.open.Store(true)
	return c
}

func (c *wsConn) ID() string { return c.id }

func (c *wsConn) IsOpen() bool { return c.open.Load() }

// Send writes one text message. Writes on one connection are serialised by
// the websocket library, so concurrent cycles interleave whole messages.
func (c *wsConn) Send(ctx context.Context, payload []byte) error {
	if !c.open.Load() {
		return errs.New("ws", errs.CodeClosed, errs.WithMessage("connection "+c.id+" closed"))
	}
	if err := c.conn.Write(ctx, websocket.MessageText, payload); err != nil {
		c.markClosed()
		return errs.New("ws", errs.CodeNetwork, errs.WithMessage("write to "+c.id), errs.WithCause(err))
	}
	return nil
}

func (c *wsConn) markClosed() { c.open.Store(false) }

func (s *httpServer) serveWebsocket(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
	if err != nil {
		// Accept has already written the handshake failure response.
		s.logger.Printf("ws: accept failed: %v", err)
		return
	}
	if s.readLimit > 0 {
		conn.SetReadLimit(s.readLimit)
	}

	client := newWSConn(conn)
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	s.logger.Printf("ws: connection %s established", client.ID())
	if err := s.hub.Open(ctx, client); err != nil {
		s.logger.Printf("ws: open session %s: %v", client.ID(), err)
		_ = conn.Close(websocket.StatusInternalError, "session unavailable")
		return
	}

	var wg conc.WaitGroup
	if s.pingInterval > 0 {
		wg.Go(func() { s.pingLoop(ctx, client) })
	}

	s.readLoop(ctx, client)

	client.markClosed()
	s.hub.Close(client)
	cancel()
	wg.Wait()
	_ = conn.Close(websocket.StatusNormalClosure, "")
	s.logger.Printf("ws: connection %s closed", client.ID())
}

func (s *httpServer) readLoop(ctx context.Context, client *wsConn) {
	for {
		typ, data, err := client.conn.Read(ctx)
		if err != nil {
			switch websocket.CloseStatus(err) {
			case websocket.StatusNormalClosure, websocket.StatusGoingAway, websocket.StatusNoStatusRcvd:
			default:
				if !errors.Is(err, context.Canceled) {
					s.logger.Printf("ws: read from %s: %v", client.ID(), err)
				}
			}
			return
		}
		if typ != websocket.MessageText {
			continue
		}
		s.hub.HandleMessage(ctx, client, data)
	}
}

func (s *httpServer) pingLoop(ctx context.Context, client *wsConn) {
	ticker := s.clock.NewTicker(s.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			pingCtx, cancel := context.WithTimeout(ctx, s.writeTimeout)
			err := client.conn.Ping(pingCtx)
			cancel()
			if err != nil {
				if ctx.Err() == nil {
					s.logger.Printf("ws: ping %s failed: %v", client.ID(), err)
				}
				client.markClosed()
				_ = client.conn.CloseNow()
				return
			}
		}
	}
}
