package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"time"

	"SignGate/global"
	"SignGate/logger"
	"SignGate/middleware"
	"SignGate/tools/errs"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const writeWait = 10 * time.Second

type TransportOptions struct {
	Origins          *middleware.OriginPolicy
	PingInterval     time.Duration
	PingTimeout      time.Duration
	MaxMessageSize   int64
	HandshakeTimeout time.Duration
	Logger           *zap.Logger
}

// Transport carries gateway events over websocket connections.
type Transport struct {
	g        *Gateway
	opts     TransportOptions
	upgrader websocket.Upgrader
	log      *zap.Logger
}

func NewTransport(g *Gateway, opts TransportOptions) *Transport {
	if opts.PingInterval <= 0 {
		opts.PingInterval = 25 * time.Second
	}
	if opts.PingTimeout <= 0 {
		opts.PingTimeout = 60 * time.Second
	}
	if opts.Origins == nil {
		opts.Origins = middleware.NewOriginPolicy([]string{"*"})
	}
	return &Transport{
		g:    g,
		opts: opts,
		upgrader: websocket.Upgrader{
			ReadBufferSize:   4096,
			WriteBufferSize:  4096,
			HandshakeTimeout: opts.HandshakeTimeout,
			CheckOrigin:      opts.Origins.CheckOrigin,
		},
		log: logger.Or(opts.Logger),
	}
}

// HandleWS upgrades the request and runs the connection until it closes.
func (t *Transport) HandleWS(c *gin.Context) {
	hs := HandshakeFromRequest(c.Request)
	hs.RemoteAddr = c.ClientIP()

	if err := t.g.Admit(); err != nil {
		t.log.Warn("connection refused", zap.String("remote", hs.RemoteAddr), zap.Error(err))
		c.AbortWithStatusJSON(http.StatusServiceUnavailable, global.Fail(err))
		return
	}

	ws, err := t.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// the upgrader has already answered with an HTTP error
		t.log.Warn("connection_error",
			zap.Int("code", http.StatusBadRequest),
			zap.String("message", err.Error()),
			zap.String("context", c.Request.URL.Path),
			zap.String("remote", hs.RemoteAddr),
			zap.String("origin", c.GetHeader("Origin")))
		return
	}
	if t.opts.MaxMessageSize > 0 {
		ws.SetReadLimit(t.opts.MaxMessageSize)
	}

	ctx := context.Background()
	conn, err := t.g.Accept(ctx, hs)
	if err != nil {
		code, reason := acceptFailure(err)
		_ = ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(code, reason), time.Now().Add(writeWait))
		_ = ws.Close()
		t.log.Warn("connection dropped after upgrade", zap.String("remote", hs.RemoteAddr), zap.Error(err))
		return
	}

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		t.writeLoop(ws, conn)
	}()

	reason := t.readLoop(ctx, ws, conn)
	t.g.Disconnect(conn.ID, reason)
	<-writerDone
}

// acceptFailure maps an Accept error to the close frame sent after upgrade.
func acceptFailure(err error) (int, string) {
	if errors.Is(err, errs.ErrCapacityExceeded) {
		return websocket.CloseTryAgainLater, ReasonCapacity
	}
	return websocket.CloseInternalServerErr, ReasonInternal
}

// readLoop is the connection's inbound queue: frames are handled one at a
// time in arrival order. It returns the disconnect reason.
func (t *Transport) readLoop(ctx context.Context, ws *websocket.Conn, conn *Conn) string {
	deadline := t.opts.PingInterval + t.opts.PingTimeout
	_ = ws.SetReadDeadline(time.Now().Add(deadline))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(deadline))
	})

	for {
		mt, data, err := ws.ReadMessage()
		if err != nil {
			return t.classify(conn, err)
		}
		_ = ws.SetReadDeadline(time.Now().Add(deadline))
		if mt != websocket.TextMessage && mt != websocket.BinaryMessage {
			continue
		}

		var f Frame
		if err := json.Unmarshal(data, &f); err != nil || f.Event == "" {
			sample := data
			if len(sample) > 256 {
				sample = sample[:256]
			}
			t.log.Warn("malformed frame", zap.String("conn_id", conn.ID), zap.ByteString("sample", sample), zap.Int("len", len(data)))
			continue
		}
		// handler errors are answered to the client by the handler itself
		_ = t.g.HandleEvent(ctx, conn, f.Event, f.Data)
	}
}

func (t *Transport) classify(conn *Conn, err error) string {
	select {
	case <-conn.Done():
		_, reason := conn.CloseInfo()
		return reason
	default:
	}

	var ne net.Error
	switch {
	case websocket.IsCloseError(err,
		websocket.CloseNormalClosure,
		websocket.CloseGoingAway,
		websocket.CloseNoStatusReceived):
		t.log.Debug("peer closed", zap.String("conn_id", conn.ID), zap.Error(err))
		return ReasonClient
	case errors.Is(err, websocket.ErrReadLimit):
		t.log.Warn("frame exceeds size limit", zap.String("conn_id", conn.ID), zap.Int64("limit", t.opts.MaxMessageSize))
		return ReasonTooBig
	case errors.As(err, &ne) && ne.Timeout():
		t.log.Info("ping timeout", zap.String("conn_id", conn.ID))
		return ReasonPing
	default:
		t.log.Warn("error", zap.String("conn_id", conn.ID), zap.Error(err))
		return ReasonTransport
	}
}

// writeLoop is the only goroutine writing data frames to ws.
func (t *Transport) writeLoop(ws *websocket.Conn, conn *Conn) {
	ticker := time.NewTicker(t.opts.PingInterval)
	defer func() {
		ticker.Stop()
		_ = ws.Close()
	}()

	for {
		select {
		case frame := <-conn.Outbound():
			_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := ws.WriteMessage(websocket.TextMessage, frame); err != nil {
				t.log.Debug("write failed", zap.String("conn_id", conn.ID), zap.Error(err))
				return
			}
		case <-ticker.C:
			if err := ws.WriteControl(websocket.PingMessage, []byte("ping"), time.Now().Add(writeWait)); err != nil {
				t.log.Debug("ping failed", zap.String("conn_id", conn.ID), zap.Error(err))
				return
			}
		case <-conn.Done():
			t.flush(ws, conn)
			code, reason := conn.CloseInfo()
			_ = ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(code, reason), time.Now().Add(writeWait))
			return
		}
	}
}

// flush writes frames already queued when the connection was closed.
func (t *Transport) flush(ws *websocket.Conn, conn *Conn) {
	for {
		select {
		case frame := <-conn.Outbound():
			_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := ws.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		default:
			return
		}
	}
}
