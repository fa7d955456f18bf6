package ws

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/agentwire/gateway/internal/auth"
	"github.com/agentwire/gateway/internal/registry"
	"github.com/agentwire/gateway/internal/subject"
	"github.com/agentwire/gateway/internal/tenant"
)

const (
	pongWait   = 60 * time.Second // Time allowed to read the next pong
	pingPeriod = 30 * time.Second // Send pings at this interval (must be < pongWait)
	writeWait  = 10 * time.Second // Time allowed to write a message
)

// Conn is one admitted socket. All writes funnel through the Send channel
// into writePump; readPump is the only reader. close runs exactly once and
// unwinds registry state, router interests and presence. connID is the
// socket's generation stamp: a reconnect under the same principal mints a
// new one, and teardown only touches shared state while it still owns the
// registry row.
type Conn struct {
	srv      *Server
	identity *auth.Identity
	tenant   *tenant.Tenant
	conn     *websocket.Conn
	connID   string
	Send     chan []byte
	done     chan struct{}
	once     sync.Once
	limiter  *rate.Limiter
	logger   *slog.Logger
}

func (s *Server) newConn(ws *websocket.Conn, id *auth.Identity, tn *tenant.Tenant) *Conn {
	return &Conn{
		srv:      s,
		identity: id,
		tenant:   tn,
		conn:     ws,
		connID:   uuid.NewString(),
		Send:     make(chan []byte, s.cfg.Limits.SendBuffer),
		done:     make(chan struct{}),
		limiter:  rate.NewLimiter(rate.Limit(s.cfg.Limits.FramesPerSecond), s.cfg.Limits.FrameBurst),
		logger: s.logger.With(
			"principal", id.PrincipalID,
			"tenant", id.TenantID,
			"role", id.Role,
		),
	}
}

// PrincipalID implements router.Sender.
func (c *Conn) PrincipalID() string { return c.identity.PrincipalID }

// Deliver implements router.Sender. Non-blocking: a full buffer drops the
// frame rather than stalling the dispatch path.
func (c *Conn) Deliver(frame []byte) bool {
	select {
	case c.Send <- frame:
		return true
	default:
		return false
	}
}

// close shuts the socket down exactly once and unwinds all shared state.
func (c *Conn) close(code int, reason string) {
	c.once.Do(func() {
		close(c.done)

		msg := websocket.FormatCloseMessage(code, reason)
		c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		c.conn.WriteMessage(websocket.CloseMessage, msg)
		c.conn.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		c.srv.metrics.ConnectionsActive.WithLabelValues(string(c.identity.Role)).Dec()

		row, err := c.srv.reg.Get(ctx, c.identity.PrincipalID)
		if err != nil && !errors.Is(err, registry.ErrNotRegistered) {
			c.logger.Error("teardown lookup failed", "error", err)
		}
		if err == nil && row.ConnID != c.connID {
			// A newer socket re-registered this principal; its registration
			// replaced our router interests and registry row. Tearing them
			// down here would strip the live connection.
			c.logger.Info("socket closed, superseded", "code", code, "reason", reason)
			return
		}

		c.srv.router.DropSender(c.identity.PrincipalID)
		if uerr := c.srv.reg.Unregister(ctx, c.identity.PrincipalID); uerr != nil {
			c.logger.Error("unregister failed", "error", uerr)
		}

		// The sweep announces the transition when it evicts the row first,
		// so an already-missing row means the offline event is out.
		if err == nil && c.identity.Role == auth.RoleAgent {
			c.srv.monitor.MarkOffline(ctx, c.identity.TenantID, c.identity.PrincipalID, "disconnect")
		}

		c.logger.Info("socket closed", "code", code, "reason", reason)
	})
}

// writePump owns every write to the underlying connection.
func (c *Conn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.close(websocket.CloseNormalClosure, "")
	}()

	for {
		select {
		case message, ok := <-c.Send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				c.logger.Warn("write failed", "error", err)
				return
			}

			// Drain queued messages while the socket is hot.
			n := len(c.Send)
			for i := 0; i < n; i++ {
				if err := c.conn.WriteMessage(websocket.TextMessage, <-c.Send); err != nil {
					c.logger.Warn("batch write failed", "error", err)
					return
				}
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-c.done:
			return
		}
	}
}

// readPump owns every read and dispatches inbound frames.
func (c *Conn) readPump() {
	defer c.close(websocket.CloseNormalClosure, "")

	c.conn.SetReadLimit(c.srv.cfg.Limits.MaxFrameBytes)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, payload, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				c.logger.Warn("read failed", "error", err)
			}
			return
		}

		if !c.limiter.Allow() {
			c.srv.metrics.QuotaRejections.WithLabelValues("rate").Inc()
			c.sendError("", ErrCodeRateLimited, "frame rate limit exceeded")
			continue
		}

		var f Frame
		if err := json.Unmarshal(payload, &f); err != nil {
			c.sendError("", ErrCodeBadFrame, "malformed frame")
			continue
		}

		start := time.Now()
		c.srv.metrics.FramesIn.WithLabelValues(f.Type).Inc()
		c.handleFrame(&f)
		c.srv.metrics.FrameLatency.Observe(time.Since(start).Seconds())
	}
}

func (c *Conn) handleFrame(f *Frame) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	switch f.Type {
	case FrameSubscribe:
		c.handleSubscribe(ctx, f)
	case FrameUnsubscribe:
		c.handleUnsubscribe(ctx, f)
	case FramePublish:
		c.handlePublish(ctx, f)
	case FrameHeartbeat:
		c.handleHeartbeat(ctx, f)
	case FramePing:
		c.send(Ack{Type: "pong", ID: f.ID, ServerTime: time.Now().UTC().Format(time.RFC3339)})
	default:
		c.sendError(f.ID, ErrCodeUnknownType, "unknown frame type "+f.Type)
	}
}

func (c *Conn) handleSubscribe(ctx context.Context, f *Frame) {
	if !c.admitAPICall(ctx, f.ID) {
		return
	}
	if err := subject.ValidatePattern(f.Subject, c.identity.TenantID); err != nil {
		c.sendError(f.ID, ErrCodeForbiddenSubject, err.Error())
		return
	}

	if err := c.srv.router.Subscribe(f.Subject, c); err != nil {
		c.logger.Error("subscribe failed", "subject", f.Subject, "error", err)
		c.sendError(f.ID, ErrCodeInternal, "subscribe failed")
		return
	}
	if err := c.srv.reg.AddSub(ctx, c.identity.PrincipalID, f.Subject, c.srv.cfg.Server.NodeID); err != nil {
		c.logger.Error("subscription record failed", "subject", f.Subject, "error", err)
	}

	c.send(Ack{Type: "subscribed", ID: f.ID, Subject: f.Subject})
}

func (c *Conn) handleUnsubscribe(ctx context.Context, f *Frame) {
	if !c.admitAPICall(ctx, f.ID) {
		return
	}
	if f.Subject == "" {
		c.sendError(f.ID, ErrCodeBadFrame, "unsubscribe requires a subject")
		return
	}

	c.srv.router.Unsubscribe(f.Subject, c.identity.PrincipalID)
	if err := c.srv.reg.RemoveSub(ctx, c.identity.PrincipalID, f.Subject); err != nil {
		c.logger.Error("subscription removal failed", "subject", f.Subject, "error", err)
	}

	c.send(Ack{Type: "unsubscribed", ID: f.ID, Subject: f.Subject})
}

func (c *Conn) handlePublish(ctx context.Context, f *Frame) {
	if !c.admitAPICall(ctx, f.ID) {
		return
	}
	if err := subject.Validate(f.Subject, c.identity.TenantID); err != nil {
		c.sendError(f.ID, ErrCodeForbiddenSubject, err.Error())
		return
	}
	if err := c.srv.oracle.Admit(ctx, c.tenant, tenant.KindMessage); err != nil {
		c.srv.metrics.QuotaRejections.WithLabelValues(string(tenant.KindMessage)).Inc()
		c.sendQuotaError(f.ID, err)
		return
	}

	data := []byte(f.Data)
	if len(data) == 0 {
		data = []byte("{}")
	}

	// Agent traffic on the agents.* tree is wrapped so consumers get a
	// server-attested sender identity.
	if c.identity.Role == auth.RoleAgent && strings.HasPrefix(f.Subject, "agents.") {
		wrapped, err := json.Marshal(AgentEnvelope{
			PrincipalID: c.identity.PrincipalID,
			Timestamp:   time.Now().UTC().Format(time.RFC3339),
			Payload:     data,
		})
		if err != nil {
			c.sendError(f.ID, ErrCodeInternal, "envelope failed")
			return
		}
		data = wrapped
	}

	pctx, pcancel := context.WithTimeout(ctx, c.srv.cfg.Backbone.PublishTimeout)
	defer pcancel()
	if err := c.srv.router.Publish(pctx, f.Subject, data); err != nil {
		c.logger.Error("publish failed", "subject", f.Subject, "error", err)
		c.sendError(f.ID, ErrCodeInternal, "publish failed")
		return
	}

	c.srv.oracle.Account(c.identity.TenantID, tenant.KindMessage, 1)
	c.send(Ack{Type: "published", ID: f.ID, Subject: f.Subject})
}

// handleHeartbeat refreshes the principal's registry row. Dashboard beats
// keep the row ahead of the sweep like agent beats do; only the status
// announcement machinery is agent-specific.
func (c *Conn) handleHeartbeat(ctx context.Context, f *Frame) {
	if err := c.srv.monitor.Beat(ctx, c.identity.PrincipalID); err != nil {
		if err == registry.ErrNotRegistered {
			// Evicted while the socket lingered; force a reconnect.
			c.close(websocket.ClosePolicyViolation, "connection evicted")
			return
		}
		c.logger.Warn("heartbeat failed", "error", err)
	}
	c.send(Ack{Type: "heartbeat_ack", ID: f.ID, ServerTime: time.Now().UTC().Format(time.RFC3339)})
}

// admitAPICall charges one API call against the tenant's per-minute window.
func (c *Conn) admitAPICall(ctx context.Context, frameID string) bool {
	if err := c.srv.oracle.Admit(ctx, c.tenant, tenant.KindAPICall); err != nil {
		c.srv.metrics.QuotaRejections.WithLabelValues(string(tenant.KindAPICall)).Inc()
		c.sendQuotaError(frameID, err)
		return false
	}
	c.srv.oracle.Account(c.identity.TenantID, tenant.KindAPICall, 1)
	return true
}

// sendQuotaError carries the quota kind and the reset hint when available.
func (c *Conn) sendQuotaError(id string, err error) {
	var qe *tenant.QuotaError
	if errors.As(err, &qe) {
		c.srv.metrics.FramesOut.WithLabelValues("error").Inc()
		c.send(ErrorFrame{
			Type:    "error",
			ID:      id,
			Code:    ErrCodeQuotaExceeded,
			Message: qe.Error(),
			Kind:    string(qe.Kind),
			ResetIn: int(qe.ResetIn.Seconds()),
		})
		return
	}
	c.sendError(id, ErrCodeQuotaExceeded, err.Error())
}

func (c *Conn) send(v interface{}) {
	frame, err := json.Marshal(v)
	if err != nil {
		return
	}
	select {
	case c.Send <- frame:
		if m, ok := v.(Ack); ok {
			c.srv.metrics.FramesOut.WithLabelValues(m.Type).Inc()
		}
	default:
		c.srv.metrics.DroppedDeliveries.Inc()
		c.logger.Warn("send buffer full, dropping frame")
	}
}

func (c *Conn) sendError(id, code, message string) {
	c.srv.metrics.FramesOut.WithLabelValues("error").Inc()
	c.send(ErrorFrame{Type: "error", ID: id, Code: code, Message: message})
}
