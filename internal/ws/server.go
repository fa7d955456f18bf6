// Package ws is the gateway's socket edge: it authenticates handshakes,
// admits connections against tenant policy, and runs the per-socket frame
// loop that bridges clients onto the backbone.
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/agentwire/gateway/internal/auth"
	"github.com/agentwire/gateway/internal/backbone"
	"github.com/agentwire/gateway/internal/config"
	"github.com/agentwire/gateway/internal/metrics"
	"github.com/agentwire/gateway/internal/presence"
	"github.com/agentwire/gateway/internal/registry"
	"github.com/agentwire/gateway/internal/router"
	"github.com/agentwire/gateway/internal/subject"
	"github.com/agentwire/gateway/internal/tenant"
)

// Server owns the HTTP endpoints that upgrade into sockets.
type Server struct {
	cfg        *config.Config
	verifier   *auth.Verifier
	challenges *auth.ChallengeStore
	oracle     *tenant.Oracle
	reg        *registry.Registry
	router     *router.Router
	monitor    *presence.Monitor
	bus        backbone.Bus
	metrics    *metrics.Metrics
	logger     *slog.Logger
	upgrader   websocket.Upgrader
}

// NewServer wires the socket edge.
func NewServer(
	cfg *config.Config,
	verifier *auth.Verifier,
	challenges *auth.ChallengeStore,
	oracle *tenant.Oracle,
	reg *registry.Registry,
	rt *router.Router,
	monitor *presence.Monitor,
	bus backbone.Bus,
	m *metrics.Metrics,
	logger *slog.Logger,
) *Server {
	s := &Server{
		cfg:        cfg,
		verifier:   verifier,
		challenges: challenges,
		oracle:     oracle,
		reg:        reg,
		router:     rt,
		monitor:    monitor,
		bus:        bus,
		metrics:    m,
		logger:     logger.With("component", "ws"),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     s.buildCheckOrigin(),
	}
	return s
}

// buildCheckOrigin enforces the origin allowlist in production. Outside
// production all origins are accepted, with a warning when the list is
// missing in a production build.
func (s *Server) buildCheckOrigin() func(r *http.Request) bool {
	if s.cfg.IsProduction() && len(s.cfg.Server.AllowedOrigins) > 0 {
		allowed := make(map[string]bool, len(s.cfg.Server.AllowedOrigins))
		for _, o := range s.cfg.Server.AllowedOrigins {
			allowed[o] = true
		}
		s.logger.Info("origin allowlist active", "count", len(allowed))
		return func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin == "" || allowed[origin] {
				return true
			}
			s.logger.Warn("rejected origin", "origin", origin)
			return false
		}
	}

	if s.cfg.IsProduction() {
		s.logger.Warn("no origin allowlist configured in production, allowing all origins")
	}
	return func(*http.Request) bool { return true }
}

// Routes attaches the gateway endpoints to a mux router.
func (s *Server) Routes(r *mux.Router) {
	r.HandleFunc("/auth/challenge", s.HandleChallenge).Methods(http.MethodPost)
	r.HandleFunc("/ws/agent/{agent_id}", s.HandleAgent).Methods(http.MethodGet)
	r.HandleFunc("/ws/dashboard", s.HandleDashboard).Methods(http.MethodGet)
	r.HandleFunc("/healthz", s.HandleHealthz).Methods(http.MethodGet)
}

// HandleChallenge issues a single-use login nonce for an agent handshake.
func (s *Server) HandleChallenge(w http.ResponseWriter, r *http.Request) {
	tenantID := r.URL.Query().Get("tenant_id")
	if tenantID == "" {
		http.Error(w, "tenant_id required", http.StatusBadRequest)
		return
	}

	nonce, err := s.challenges.Issue(r.Context(), tenantID)
	if err != nil {
		s.logger.Error("challenge issue failed", "tenant", tenantID, "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"challenge":          nonce,
		"expires_in_seconds": int(s.cfg.Auth.ChallengeTTL.Seconds()),
	})
}

// HandleAgent runs the agent handshake: verify the signed challenge, admit
// against tenant policy, and only then upgrade. Rejections stay plain HTTP
// so the client never pays for an upgrade it cannot use.
func (s *Server) HandleAgent(w http.ResponseWriter, r *http.Request) {
	agentID := mux.Vars(r)["agent_id"]
	q := r.URL.Query()

	identity, err := s.verifier.VerifyAgent(r.Context(), agentID, q.Get("tenant_id"), q.Get("challenge"), q.Get("signature"))
	if err != nil {
		s.rejectAuth(w, err)
		return
	}
	s.admit(w, r, identity)
}

// HandleDashboard runs the dashboard handshake with a bearer token from the
// query string or the Authorization header.
func (s *Server) HandleDashboard(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	if token == "" {
		token = strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	}
	if token == "" {
		s.metrics.AuthFailures.WithLabelValues("missing_token").Inc()
		http.Error(w, "token required", http.StatusUnauthorized)
		return
	}

	identity, err := s.verifier.VerifyDashboard(r.Context(), token)
	if err != nil {
		s.rejectAuth(w, err)
		return
	}
	s.admit(w, r, identity)
}

// HandleHealthz reports liveness of the gateway's two dependencies.
func (s *Server) HandleHealthz(w http.ResponseWriter, r *http.Request) {
	status := http.StatusOK
	registryOK := s.reg.Ping(r.Context()) == nil
	backboneOK := s.bus == nil || s.bus.Connected()
	if !registryOK || !backboneOK {
		status = http.StatusServiceUnavailable
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"status":   http.StatusText(status),
		"node_id":  s.cfg.Server.NodeID,
		"registry": registryOK,
		"backbone": backboneOK,
	})
}

// admit runs the shared post-auth admission: tenant policy, registration,
// subscription seeding, then the socket pumps.
func (s *Server) admit(w http.ResponseWriter, r *http.Request, identity *auth.Identity) {
	ctx := r.Context()

	tn, err := s.oracle.Lookup(ctx, identity.TenantID)
	if err != nil {
		if errors.Is(err, tenant.ErrNotFound) {
			s.metrics.AuthFailures.WithLabelValues("unknown_tenant").Inc()
			http.Error(w, "unknown tenant", http.StatusForbidden)
			return
		}
		s.logger.Error("tenant lookup failed", "tenant", identity.TenantID, "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	if !tn.Active() {
		s.metrics.AuthFailures.WithLabelValues("tenant_" + tn.Status).Inc()
		http.Error(w, "tenant "+tn.Status, http.StatusForbidden)
		return
	}

	if err := s.oracle.Admit(ctx, tn, tenant.KindConnection); err != nil {
		s.metrics.QuotaRejections.WithLabelValues(string(tenant.KindConnection)).Inc()
		http.Error(w, err.Error(), http.StatusTooManyRequests)
		return
	}

	sock, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("upgrade failed", "error", err)
		return
	}

	c := s.newConn(sock, identity, tn)
	if err := s.register(c); err != nil {
		c.logger.Error("registration failed", "error", err)
		sock.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseInternalServerErr, "registration failed"))
		sock.Close()
		return
	}

	s.metrics.ConnectionsActive.WithLabelValues(string(identity.Role)).Inc()
	s.metrics.ConnectionsTotal.WithLabelValues(string(identity.Role)).Inc()
	c.logger.Info("socket admitted")

	go c.writePump()
	go c.readPump()
}

// register writes the registry row, restores prior subscriptions, attaches
// role defaults, and queues the welcome frame.
func (s *Server) register(c *Conn) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	connType := registry.TypeAgent
	if c.identity.Role == auth.RoleDashboard {
		connType = registry.TypeDashboard
	}

	if err := s.reg.Register(ctx, &registry.Connection{
		PrincipalID:  c.identity.PrincipalID,
		ConnID:       c.connID,
		Type:         connType,
		TenantID:     c.identity.TenantID,
		NodeID:       s.cfg.Server.NodeID,
		Capabilities: c.identity.Capabilities,
	}); err != nil {
		return err
	}

	// Prior interests survive reconnects; the registry is the source of
	// truth, the router just mirrors it locally.
	prior, err := s.reg.SubjectsOf(ctx, c.identity.PrincipalID)
	if err != nil {
		c.logger.Warn("subscription restore failed", "error", err)
		prior = nil
	}

	subjects := append(prior, s.defaultSubjects(c.identity)...)
	seen := make(map[string]bool, len(subjects))
	seeded := subjects[:0]
	for _, subj := range subjects {
		if seen[subj] {
			continue
		}
		seen[subj] = true
		if err := s.router.Subscribe(subj, c); err != nil {
			c.logger.Error("seed subscription failed", "subject", subj, "error", err)
			continue
		}
		if err := s.reg.AddSub(ctx, c.identity.PrincipalID, subj, s.cfg.Server.NodeID); err != nil {
			c.logger.Error("seed subscription record failed", "subject", subj, "error", err)
		}
		seeded = append(seeded, subj)
	}

	welcome, err := json.Marshal(Welcome{
		Type:               "welcome",
		PrincipalID:        c.identity.PrincipalID,
		TenantID:           c.identity.TenantID,
		NodeID:             s.cfg.Server.NodeID,
		ServerTime:         time.Now().UTC().Format(time.RFC3339),
		HeartbeatInterval:  int(s.cfg.Presence.HeartbeatInterval.Seconds()),
		SubscribedSubjects: seeded,
	})
	if err != nil {
		return err
	}
	c.Send <- welcome
	s.metrics.FramesOut.WithLabelValues("welcome").Inc()

	if c.identity.Role == auth.RoleAgent {
		s.monitor.MarkOnline(ctx, c.identity.TenantID, c.identity.PrincipalID, "connected")
	}
	return nil
}

// defaultSubjects are the interests every principal gets without asking.
// Agents listen on their direct and command subjects, the tenant broadcast
// channel, and one task wildcard per advertised capability. Dashboards watch
// the whole agents namespace and every named channel.
func (s *Server) defaultSubjects(id *auth.Identity) []string {
	switch id.Role {
	case auth.RoleAgent:
		subs := []string{
			subject.Direct(id.TenantID, id.PrincipalID),
			subject.Command(id.TenantID, id.PrincipalID),
			subject.Command(id.TenantID, subject.Broadcast),
		}
		for _, capability := range id.Capabilities {
			subs = append(subs, subject.TaskWildcard(id.TenantID, capability))
		}
		return subs
	case auth.RoleDashboard:
		return []string{
			subject.AgentsWildcard(id.TenantID),
			subject.ChannelWildcard(id.TenantID),
		}
	}
	return nil
}

func (s *Server) rejectAuth(w http.ResponseWriter, err error) {
	reason := "invalid_credentials"
	switch {
	case errors.Is(err, auth.ErrUnknownPrincipal):
		reason = "unknown_principal"
	case errors.Is(err, auth.ErrBadSignature):
		reason = "bad_signature"
	case errors.Is(err, auth.ErrExpiredChallenge):
		reason = "expired_challenge"
	case errors.Is(err, auth.ErrBadToken):
		reason = "bad_token"
	}
	s.metrics.AuthFailures.WithLabelValues(reason).Inc()
	http.Error(w, "authentication failed", http.StatusUnauthorized)
}
