package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/go-playground/validator/v10"
	"github.com/go-playground/validator/v10/non-standard/validators"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/hawkeye-speaks/DRIS1/internal/archive"
	"github.com/hawkeye-speaks/DRIS1/internal/billing"
	"github.com/hawkeye-speaks/DRIS1/internal/config"
	"github.com/hawkeye-speaks/DRIS1/internal/health"
	"github.com/hawkeye-speaks/DRIS1/internal/launcher"
	"github.com/hawkeye-speaks/DRIS1/internal/metrics"
	"github.com/hawkeye-speaks/DRIS1/internal/relay"
	"github.com/hawkeye-speaks/DRIS1/internal/session"
)

// UserIDHeader carries the signed-in user's id, set by the identity proxy in
// front of the server.
const UserIDHeader = "X-User-ID"

const maxBodyBytes = 64 << 10

// QueryLauncher starts HM6 for an accepted query.
type QueryLauncher interface {
	Launch(ctx context.Context, req launcher.Request) error
}

// Deps are the server's collaborators. Checkout may be nil, which disables
// purchases.
type Deps struct {
	Store    *session.Store
	Registry *relay.Registry
	Launcher QueryLauncher
	Lister   *archive.Lister
	Credits  billing.Credits
	Checkout billing.Checkout
	Tiers    []billing.Tier
	Health   *health.Tracker
	Metrics  *metrics.Metrics
	Gatherer prometheus.Gatherer
	Logger   *zap.Logger
	Clock    clock.Clock
	// Frontend serves everything outside the API; nil serves nothing.
	Frontend http.Handler
}

type Server struct {
	cfg            *config.Config
	store          *session.Store
	reg            *relay.Registry
	launcher       QueryLauncher
	lister         *archive.Lister
	credits        billing.Credits
	fulfiller      *billing.Fulfiller
	checkout       billing.Checkout
	tiers          []billing.Tier
	health         *health.Tracker
	metrics        *metrics.Metrics
	gatherer       prometheus.Gatherer
	log            *zap.Logger
	clock          clock.Clock
	frontend       http.Handler
	validate       *validator.Validate
	limiter        *clientLimiter
	timings        streamTimings
	allowedOrigins map[string]bool
	allowedHosts   map[string]bool
	authToken      string
}

func NewServer(cfg *config.Config, d Deps) *Server {
	s := &Server{
		cfg:            cfg,
		store:          d.Store,
		reg:            d.Registry,
		launcher:       d.Launcher,
		lister:         d.Lister,
		credits:        d.Credits,
		checkout:       d.Checkout,
		fulfiller:      billing.NewFulfiller(d.Credits, 0),
		tiers:          d.Tiers,
		health:         d.Health,
		metrics:        d.Metrics,
		gatherer:       d.Gatherer,
		log:            d.Logger,
		clock:          d.Clock,
		frontend:       d.Frontend,
		allowedOrigins: make(map[string]bool),
		allowedHosts:   make(map[string]bool),
		authToken:      cfg.Server.AuthToken,
		timings: streamTimings{
			ping:  cfg.Stream.PingInterval,
			write: cfg.Stream.WriteTimeout,
			pong:  cfg.Stream.PongTimeout,
		},
	}
	if s.log == nil {
		s.log = zap.NewNop()
	}
	if s.clock == nil {
		s.clock = clock.New()
	}
	if s.tiers == nil {
		s.tiers = billing.DefaultTiers
	}
	if s.timings.ping <= 0 {
		s.timings.ping = 30 * time.Second
	}
	if s.timings.write <= 0 {
		s.timings.write = 10 * time.Second
	}
	if s.timings.pong <= s.timings.ping {
		s.timings.pong = 2 * s.timings.ping
	}
	s.limiter = newClientLimiter(cfg.Limits.RatePerMinute, cfg.Limits.RateBurst, s.clock)

	s.validate = validator.New(validator.WithRequiredStructEnabled())
	s.validate.RegisterValidation("notblank", validators.NotBlank)

	for _, origin := range cfg.Server.AllowedOrigins {
		trimmed := strings.TrimSpace(origin)
		if trimmed == "" {
			continue
		}
		s.allowedOrigins[trimmed] = true
		if parsed, err := url.Parse(trimmed); err == nil && parsed.Host != "" {
			s.allowedHosts[parsed.Host] = true
		}
	}

	return s
}

func (s *Server) SetupRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /ws/{sessionId}", s.handleWS)
	mux.HandleFunc("GET /api/stream", s.handleStream)
	mux.HandleFunc("POST /api/query", s.handleQuery)
	mux.HandleFunc("GET /api/sessions", s.handleSessions)
	mux.HandleFunc("GET /api/sessions/{id}", s.handleSession)
	mux.HandleFunc("GET /api/credits", s.handleCredits)
	mux.HandleFunc("POST /api/credits", s.handleCredits)
	mux.HandleFunc("GET /api/tiers", s.handleTiers)
	mux.HandleFunc("POST /api/checkout", s.handleCheckout)
	mux.HandleFunc("POST /api/webhook", s.handleWebhook)
	mux.HandleFunc("GET /healthz", s.handleHealth)
	if s.gatherer != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}

	if s.frontend != nil {
		s.log.Info("serving frontend")
		mux.Handle("/", s.frontend)
	}
}

// Handler returns the full HTTP handler with security headers applied.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.SetupRoutes(mux)
	return securityHeaders(mux)
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	sessionID := r.PathValue("sessionId")
	if sessionID == "" {
		writeError(w, http.StatusBadRequest, "Session ID required")
		return
	}

	upgrader := websocket.Upgrader{
		CheckOrigin: s.checkOrigin,
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Debug("ws upgrade failed", zap.String("remote", r.RemoteAddr), zap.Error(err))
		return
	}

	log := s.log.With(zap.String("session_id", sessionID), zap.String("remote", r.RemoteAddr))
	sub := newWSSubscriber(conn, s.cfg.Stream.SendBuffer, s.timings)
	s.attach(sessionID, sub, "ws")
	log.Info("websocket subscriber connected")
	go sub.writePump()

	go func() {
		defer func() {
			s.detach(sessionID, sub, "ws")
			log.Info("websocket subscriber disconnected")
		}()
		sub.readPump()
	}()
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	sessionID := r.URL.Query().Get("sessionId")
	if sessionID == "" {
		writeError(w, http.StatusBadRequest, "Session ID required")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	log := s.log.With(zap.String("session_id", sessionID), zap.String("remote", r.RemoteAddr))
	sub := newSSESubscriber(s.cfg.Stream.SendBuffer)
	s.attach(sessionID, sub, "sse")
	log.Info("stream subscriber connected")
	defer func() {
		s.detach(sessionID, sub, "sse")
		log.Info("stream subscriber disconnected")
	}()

	rc := http.NewResponseController(w)
	ticker := s.clock.Ticker(s.timings.ping)
	defer ticker.Stop()

	write := func(frame string) bool {
		rc.SetWriteDeadline(time.Now().Add(s.timings.write))
		if _, err := io.WriteString(w, frame); err != nil {
			return false
		}
		flusher.Flush()
		return true
	}

	for {
		select {
		case <-r.Context().Done():
			return
		case <-sub.done:
			return
		case msg := <-sub.send:
			if !write("data: " + string(msg) + "\n\n") {
				return
			}
		case <-ticker.C:
			if !write(": ping\n\n") {
				return
			}
		}
	}
}

// attach queues the connected acknowledgement and registers sub. Queuing
// first puts the acknowledgement ahead of any published event. A session
// that already finished, e.g. one whose spawn failed before anyone could
// subscribe, gets its terminal event queued; the store turns terminal only
// after that event was published, so checking after Register cannot miss
// it, and the outbox drops a second copy.
func (s *Server) attach(sessionID string, sub relay.Subscriber, transport string) {
	data, _ := json.Marshal(session.Connected(sessionID))
	sub.Send(data)
	s.reg.Register(sessionID, sub)
	s.metrics.SubscriberAdded(transport)

	snap, ok := s.store.Get(sessionID)
	if !ok {
		return
	}
	if ev, done := snap.TerminalEvent(); done {
		data, _ := json.Marshal(ev)
		sub.Send(data)
	}
}

func (s *Server) detach(sessionID string, sub interface {
	relay.Subscriber
	close()
}, transport string) {
	s.reg.Unregister(sessionID, sub)
	sub.close()
	s.metrics.SubscriberRemoved(transport)
}

func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		s.reject(w, "unauthorized", errUnauthorized)
		return
	}
	if !s.limiter.Allow(clientKey(r)) {
		s.reject(w, "rate_limited", errRateLimited)
		return
	}

	var req QueryRequest
	if err := decodeBody(w, r, &req); err != nil {
		s.metrics.QueryRejected("invalid")
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if msg := s.validateQuery(req); msg != "" {
		s.metrics.QueryRejected("invalid")
		writeError(w, http.StatusBadRequest, msg)
		return
	}

	userID := userIDFrom(r)
	if s.cfg.Billing.RequireCredits {
		if userID == "" {
			s.reject(w, "unauthorized", errNoIdentity)
			return
		}
		bal, err := s.credits.Balance(r.Context(), userID)
		if err == nil && bal < 1 {
			err = billing.ErrInsufficientCredits
		}
		if err != nil {
			s.reject(w, "credits", err)
			return
		}
	}

	id := session.NewID(s.clock)
	err := s.launcher.Launch(r.Context(), launcher.Request{
		SessionID:  id,
		Query:      req.Query,
		Foundation: req.Foundation,
		UserID:     userID,
	})
	if err != nil {
		s.reject(w, "busy", err)
		return
	}

	resp := QueryResponse{SessionID: id}
	if s.cfg.Billing.RequireCredits {
		// The query is already running, so a failed deduction is logged
		// rather than reported.
		remaining, err := s.credits.Deduct(r.Context(), userID)
		if err != nil {
			s.log.Warn("credit deduction failed", zap.String("session_id", id), zap.String("user_id", userID), zap.Error(err))
		} else {
			resp.Credits = &remaining
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) reject(w http.ResponseWriter, reason string, err error) {
	s.metrics.QueryRejected(reason)
	status := statusFor(err)
	msg := err.Error()
	switch status {
	case http.StatusPaymentRequired:
		msg = "Insufficient credits"
	case http.StatusInternalServerError:
		s.log.Error("query failed", zap.Error(err))
		msg = "Internal server error"
	}
	writeError(w, status, msg)
}

// validateQuery returns a client-facing message, or "" when req is valid.
func (s *Server) validateQuery(req QueryRequest) string {
	if err := s.validate.Struct(req); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 && verrs[0].Field() == "Foundation" {
			return fmt.Sprintf("foundation must be between 1 and %d", s.cfg.HM6.MaxFoundation)
		}
		return "Query is required"
	}
	if err := s.validate.Var(req.Query, fmt.Sprintf("max=%d", s.cfg.Limits.MaxQueryLength)); err != nil {
		return fmt.Sprintf("query exceeds %d characters", s.cfg.Limits.MaxQueryLength)
	}
	if err := s.validate.Var(req.Foundation, fmt.Sprintf("lte=%d", s.cfg.HM6.MaxFoundation)); err != nil {
		return fmt.Sprintf("foundation must be between 1 and %d", s.cfg.HM6.MaxFoundation)
	}
	return ""
}

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	records, err := s.lister.List(r.Context())
	if err != nil {
		s.log.Error("listing sessions", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "Failed to load sessions")
		return
	}
	writeJSON(w, http.StatusOK, SessionsResponse(records))
}

func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	snap, ok := s.store.Get(r.PathValue("id"))
	if !ok {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	if s.cfg.Privacy.MaskQueries {
		snap.Query = ""
	}
	writeJSON(w, http.StatusOK, SessionResponse{Session: snap, TokensUsed: snap.TokensUsed()})
}

func (s *Server) handleCredits(w http.ResponseWriter, r *http.Request) {
	userID := userIDFrom(r)
	if userID == "" {
		writeError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}

	if r.Method == http.MethodGet {
		bal, err := s.credits.Balance(r.Context(), userID)
		if err != nil {
			s.billingError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, CreditsResponse{Credits: bal})
		return
	}

	bal, err := s.credits.Deduct(r.Context(), userID)
	if err != nil {
		s.billingError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, CreditsResponse{Credits: bal, Message: "Credit deducted successfully"})
}

func (s *Server) handleTiers(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.tiers)
}

func (s *Server) handleCheckout(w http.ResponseWriter, r *http.Request) {
	userID := userIDFrom(r)
	if userID == "" {
		writeError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}
	if s.checkout == nil {
		writeError(w, http.StatusServiceUnavailable, "payments are not configured")
		return
	}

	var req CheckoutRequest
	if err := decodeBody(w, r, &req); err != nil || s.validate.Struct(req) != nil {
		writeError(w, http.StatusBadRequest, "priceId is required")
		return
	}
	tier, err := billing.FindTier(s.tiers, req.PriceID)
	if err != nil {
		s.billingError(w, err)
		return
	}

	cs, err := s.checkout.CreateSession(r.Context(), billing.CheckoutRequest{
		UserID: userID,
		Tier:   tier,
		Origin: requestOrigin(r),
	})
	if err != nil {
		s.billingError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, cs)
}

func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 1<<20))
	if err != nil {
		writeError(w, http.StatusBadRequest, "unreadable body")
		return
	}

	ev, err := billing.VerifyWebhook(payload, r.Header.Get("Stripe-Signature"),
		s.cfg.Billing.StripeWebhookSecret, s.cfg.Billing.WebhookTolerance)
	if err != nil {
		s.log.Warn("webhook rejected", zap.Error(err))
		writeError(w, http.StatusBadRequest, "Webhook Error: "+err.Error())
		return
	}

	applied, err := s.fulfiller.Fulfil(r.Context(), ev)
	if err != nil {
		s.log.Error("webhook fulfilment failed", zap.String("event_id", ev.ID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "Failed to update credits")
		return
	}
	if applied {
		s.log.Info("credits purchased", zap.String("event_id", ev.ID))
	}
	writeJSON(w, http.StatusOK, map[string]bool{"received": true})
}

func (s *Server) billingError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	switch status {
	case http.StatusPaymentRequired:
		writeError(w, status, "Insufficient credits")
	case http.StatusInternalServerError:
		s.log.Error("billing request failed", zap.Error(err))
		writeError(w, status, "Internal server error")
	default:
		writeError(w, status, err.Error())
	}
}

// handleHealth reports 503 only when HM6 cannot be spawned at all.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	report := s.health.Report()
	status, code := "ok", http.StatusOK
	switch report.Status {
	case health.StatusDegraded:
		status = string(report.Status)
	case health.StatusFailed:
		status, code = string(report.Status), http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]any{
		"status":             status,
		"hm6":                report,
		"activeSessions":     s.store.ActiveCount(),
		"subscribedSessions": s.reg.SessionCount(),
	})
}

// RunJanitor forgets idle rate-limit buckets until ctx is done.
func (s *Server) RunJanitor(ctx context.Context, interval time.Duration) {
	if s.limiter == nil || interval <= 0 {
		return
	}
	ticker := s.clock.Ticker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.limiter.sweep(10 * time.Minute)
		}
	}
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	return dec.Decode(v)
}

func userIDFrom(r *http.Request) string {
	return strings.TrimSpace(r.Header.Get(UserIDHeader))
}

func requestOrigin(r *http.Request) string {
	if o := r.Header.Get("Origin"); o != "" {
		return strings.TrimRight(o, "/")
	}
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	return scheme + "://" + r.Host
}

func (s *Server) authorize(r *http.Request) bool {
	if s.authToken == "" {
		return true
	}

	if r.URL.Query().Get("token") == s.authToken {
		return true
	}

	if r.Header.Get("X-HM6-Token") == s.authToken {
		return true
	}

	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(auth, "Bearer ") && strings.TrimPrefix(auth, "Bearer ") == s.authToken {
		return true
	}

	return false
}

func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}

	if len(s.allowedOrigins) > 0 {
		if s.allowedOrigins[origin] {
			return true
		}
		if parsed, err := url.Parse(origin); err == nil && parsed.Host != "" {
			return s.allowedHosts[parsed.Host]
		}
		return false
	}

	parsed, err := url.Parse(origin)
	if err != nil {
		return false
	}

	host := parsed.Host
	if host == "" {
		return false
	}

	if host == r.Host {
		return true
	}

	if strings.HasPrefix(host, "localhost:") || host == "localhost" {
		return true
	}
	if strings.HasPrefix(host, "127.0.0.1:") || host == "127.0.0.1" {
		return true
	}
	if strings.HasPrefix(host, "[::1]:") || host == "::1" {
		return true
	}

	return false
}

func securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("X-Frame-Options", "DENY")
		h.Set("X-XSS-Protection", "1; mode=block")
		h.Set("Content-Security-Policy", "default-src 'self'")
		next.ServeHTTP(w, r)
	})
}
