package httpapi

import (
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ent0n29/companion/internal/gateway"
)

const (
	wsWriteTimeout = 10 * time.Second
	wsReadTimeout  = 120 * time.Second
	wsPingInterval = 30 * time.Second
	wsReadLimit    = 4 << 20

	// sessionKeyHeader carries the admitted key on the upgrade response,
	// including one generated for a keyless signed connection.
	sessionKeyHeader = "X-Session-Key"
)

var errTransportClosed = errors.New("transport closed")

func (s *Server) handleSessionWS(w http.ResponseWriter, r *http.Request) {
	if s.gw == nil {
		respondError(w, http.StatusNotImplemented, "unavailable", "gateway not configured")
		return
	}
	q := r.URL.Query()
	// A malformed authorization value only matters if the token is refused.
	value, authErr := authValue(r)

	key, err := s.gw.Admit(gateway.AdmissionRequest{
		SessionKey: q.Get("key"),
		WSToken:    q.Get("wsToken"),
		AuthValue:  value,
		AuthErr:    authErr,
		Host:       r.Host,
	})
	switch {
	case errors.Is(err, gateway.ErrMissingKey):
		respondError(w, http.StatusBadRequest, "missing_session_key", "query parameter key or authorization is required")
		return
	case err != nil:
		if value != "" || authErr != nil {
			s.metrics.ObserveAuth(authKind(err))
		}
		s.logger.Debug("ws admission denied", "error", err)
		respondError(w, http.StatusUnauthorized, authKind(err), "unauthorized")
		return
	}
	if value != "" {
		s.metrics.ObserveAuth("ok")
	}

	header := http.Header{}
	header.Set(sessionKeyHeader, key)
	conn, err := s.upgrader.Upgrade(w, r, header)
	if err != nil {
		return
	}

	t := newWSTransport(conn, s.logger.With("session_key", key))
	go t.writeLoop()
	c := s.gw.Bind(key, t)

	conn.SetReadLimit(wsReadLimit)
	_ = conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
		return nil
	})

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			break
		}
		_ = conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
		if msgType != websocket.TextMessage {
			continue
		}
		if err := c.HandleMessage(r.Context(), data); err != nil {
			s.logger.Debug("inbound message rejected", "session_key", key, "error", err)
		}
	}

	s.gw.Unbind(c)
	<-t.done
}

// wsTransport serializes all writes through one goroutine.
type wsTransport struct {
	conn   *websocket.Conn
	logger *slog.Logger
	out    chan []byte

	closeOnce   sync.Once
	closing     chan struct{}
	closeCode   int
	closeReason string
	done        chan struct{}
}

func newWSTransport(conn *websocket.Conn, logger *slog.Logger) *wsTransport {
	return &wsTransport{
		conn:    conn,
		logger:  logger,
		out:     make(chan []byte, 256),
		closing: make(chan struct{}),
		done:    make(chan struct{}),
	}
}

func (t *wsTransport) Send(payload []byte) error {
	select {
	case <-t.closing:
		return errTransportClosed
	default:
	}
	select {
	case t.out <- payload:
		return nil
	case <-t.closing:
		return errTransportClosed
	}
}

func (t *wsTransport) Close(code int, reason string) error {
	t.closeOnce.Do(func() {
		t.closeCode, t.closeReason = code, reason
		close(t.closing)
	})
	return nil
}

func (t *wsTransport) writeLoop() {
	defer close(t.done)
	defer t.conn.Close()
	ping := time.NewTicker(wsPingInterval)
	defer ping.Stop()

	for {
		select {
		case <-t.closing:
			t.flush()
			msg := websocket.FormatCloseMessage(t.closeCode, t.closeReason)
			_ = t.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
			return
		case payload := <-t.out:
			_ = t.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := t.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				t.logger.Debug("ws write failed", "error", err)
				t.Close(websocket.CloseAbnormalClosure, "")
				return
			}
		case <-ping.C:
			if err := t.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteTimeout)); err != nil {
				t.Close(websocket.CloseAbnormalClosure, "")
				return
			}
		}
	}
}

// flush writes messages already queued before close was requested.
func (t *wsTransport) flush() {
	for {
		select {
		case payload := <-t.out:
			_ = t.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := t.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
		default:
			return
		}
	}
}
