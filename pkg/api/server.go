package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/Mindburn-Labs/commitgate/pkg/auth"
	"github.com/Mindburn-Labs/commitgate/pkg/crosschain"
	"github.com/Mindburn-Labs/commitgate/pkg/crypto"
	"github.com/Mindburn-Labs/commitgate/pkg/events"
	"github.com/Mindburn-Labs/commitgate/pkg/gate"
	"github.com/Mindburn-Labs/commitgate/pkg/nonce"
	"github.com/Mindburn-Labs/commitgate/pkg/service"
	"github.com/Mindburn-Labs/commitgate/pkg/uri"
)

const (
	maxBodyBytes     = 1 << 20
	defaultListLimit = 100
	maxListLimit     = 1000
)

// Server exposes a wired node over HTTP.
type Server struct {
	svc     *service.Services
	limiter *GlobalRateLimiter
	logger  *slog.Logger
}

// NewServer builds the HTTP surface. limiter may be nil.
func NewServer(svc *service.Services, limiter *GlobalRateLimiter) *Server {
	return &Server{
		svc:     svc,
		limiter: limiter,
		logger:  slog.Default().With("component", "api"),
	}
}

// Handler returns the routed handler with request ID, rate limiting and
// access logging applied.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	caller := auth.RequireCaller(s.svc.Tokens, WriteUnauthorized)
	withCaller := func(h http.HandlerFunc) http.Handler { return caller(h) }

	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /v1/domain", s.handleDomain)

	mux.HandleFunc("POST /v1/updates", s.handleSubmitUpdate)
	mux.Handle("POST /v1/reveals", withCaller(s.handleReveal))
	mux.HandleFunc("GET /v1/commitments/{digest}", s.handleCommitment)

	mux.HandleFunc("POST /v1/crosschain/consume", s.handleCrossChainConsume)
	mux.HandleFunc("GET /v1/crosschain/{domain}/{nonce}", s.handleCrossChainStatus)
	mux.HandleFunc("GET /v1/root", s.handleGetRoot)
	mux.HandleFunc("GET /v1/root/history", s.handleRootHistory)
	mux.Handle("PUT /v1/root", withCaller(s.handlePutRoot))

	mux.HandleFunc("GET /v1/agents", s.handleListAgents)
	mux.HandleFunc("GET /v1/agents/{identity}", s.handleGetAgent)
	mux.Handle("PUT /v1/agents/{identity}", withCaller(s.handleAuthorizeAgent))
	mux.Handle("DELETE /v1/agents/{identity}", withCaller(s.handleRevokeAgent))

	mux.HandleFunc("GET /v1/uri-policy", s.handleGetPolicy)
	mux.Handle("PUT /v1/uri-policy", withCaller(s.handlePutPolicy))

	mux.HandleFunc("GET /v1/events", s.handleEvents)
	mux.HandleFunc("GET /v1/events/verify", s.handleVerifyEvents)

	var h http.Handler = mux
	h = s.accessLog(h)
	if s.limiter != nil {
		h = s.limiter.Middleware(h)
	}
	return auth.RequestIDMiddleware(h)
}

// ListenAndServe serves until ctx is cancelled, then drains for up to 10s.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	s.logger.InfoContext(ctx, "listening", "addr", addr)

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Server) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.logger.InfoContext(r.Context(), "request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", auth.GetRequestID(r.Context()),
		)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		WriteBadRequest(w, r, "Invalid request body: "+err.Error())
		return false
	}
	return true
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.svc.Ping(r.Context()); err != nil {
		s.logger.WarnContext(r.Context(), "health check failed", "error", err)
		writeJSON(w, http.StatusServiceUnavailable, HealthResponse{Status: "unavailable", Version: service.Version})
		return
	}
	writeJSON(w, http.StatusOK, HealthResponse{Status: "ok", Version: service.Version})
}

func (s *Server) handleDomain(w http.ResponseWriter, r *http.Request) {
	d := s.svc.Updates.Domain()
	writeJSON(w, http.StatusOK, DomainInfo{
		Domain:     d,
		Separator:  d.Separator(),
		UpdateType: gate.UpdateType,
		Audience:   auth.Audience(d),
		Controller: s.svc.Controller.Address(),
	})
}

func (s *Server) handleSubmitUpdate(w http.ResponseWriter, r *http.Request) {
	var body UpdateBody
	if !decodeBody(w, r, &body) {
		return
	}
	req, sig, err := body.Decode()
	if err != nil {
		WriteBadRequest(w, r, err.Error())
		return
	}
	receipt, err := s.svc.Updates.SubmitUpdate(r.Context(), req, sig)
	if err != nil {
		WriteProtocolError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, receipt)
}

func (s *Server) handleReveal(w http.ResponseWriter, r *http.Request) {
	caller, err := auth.GetCaller(r.Context())
	if err != nil {
		WriteUnauthorized(w, r, "")
		return
	}
	var body RevealBody
	if !decodeBody(w, r, &body) {
		return
	}
	receipt, err := s.svc.Reveals.Reveal(r.Context(), caller, body.Nonce)
	if err != nil {
		WriteProtocolError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, receipt)
}

func (s *Server) handleCommitment(w http.ResponseWriter, r *http.Request) {
	digest, err := crypto.ParseHash(r.PathValue("digest"))
	if err != nil {
		WriteBadRequest(w, r, err.Error())
		return
	}
	st, err := s.svc.Commitments.Status(r.Context(), digest)
	if err != nil {
		WriteInternal(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleCrossChainConsume(w http.ResponseWriter, r *http.Request) {
	var body CrossChainBody
	if !decodeBody(w, r, &body) {
		return
	}
	receipt, err := s.svc.CrossChain.ConsumeWithProof(r.Context(), body.DomainID, body.Nonce, body.Proof)
	if err != nil {
		WriteProtocolError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, receipt)
}

func (s *Server) handleCrossChainStatus(w http.ResponseWriter, r *http.Request) {
	domainID, err := crosschain.ParseDomainID(r.PathValue("domain"))
	if err != nil {
		WriteBadRequest(w, r, err.Error())
		return
	}
	n, err := nonce.Parse(r.PathValue("nonce"))
	if err != nil {
		WriteBadRequest(w, r, err.Error())
		return
	}
	consumed, err := s.svc.CrossChain.Consumed(r.Context(), domainID, n)
	if err != nil {
		WriteInternal(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, CrossChainStatus{DomainID: domainID, Nonce: n, Consumed: consumed})
}

func (s *Server) handleGetRoot(w http.ResponseWriter, r *http.Request) {
	root, err := s.svc.Roots.CurrentRoot(r.Context())
	if err != nil {
		WriteInternal(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, root)
}

func (s *Server) handlePutRoot(w http.ResponseWriter, r *http.Request) {
	caller, _ := auth.GetCaller(r.Context())
	var body RootBody
	if !decodeBody(w, r, &body) {
		return
	}
	root, err := s.svc.Roots.UpdateRoot(r.Context(), caller, body.Root)
	if err != nil {
		WriteProtocolError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, root)
}

func (s *Server) identity(w http.ResponseWriter, r *http.Request) (crypto.Address, bool) {
	addr, err := crypto.ParseAddress(r.PathValue("identity"))
	if err != nil {
		WriteBadRequest(w, r, err.Error())
		return crypto.Address{}, false
	}
	return addr, true
}

func (s *Server) handleGetAgent(w http.ResponseWriter, r *http.Request) {
	identity, ok := s.identity(w, r)
	if !ok {
		return
	}
	authorized, err := s.svc.Agents.IsAuthorized(r.Context(), identity)
	if err != nil {
		WriteInternal(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, AgentStatus{Identity: identity, Authorized: authorized})
}

func (s *Server) handleAuthorizeAgent(w http.ResponseWriter, r *http.Request) {
	s.setAgent(w, r, true)
}

func (s *Server) handleRevokeAgent(w http.ResponseWriter, r *http.Request) {
	s.setAgent(w, r, false)
}

func (s *Server) setAgent(w http.ResponseWriter, r *http.Request, authorized bool) {
	caller, _ := auth.GetCaller(r.Context())
	identity, ok := s.identity(w, r)
	if !ok {
		return
	}
	var err error
	if authorized {
		err = s.svc.Agents.Authorize(r.Context(), caller, identity)
	} else {
		err = s.svc.Agents.Revoke(r.Context(), caller, identity)
	}
	if err != nil {
		WriteProtocolError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, AgentStatus{Identity: identity, Authorized: authorized})
}

func (s *Server) handleGetPolicy(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.svc.Locators.Policy())
}

func (s *Server) handlePutPolicy(w http.ResponseWriter, r *http.Request) {
	caller, _ := auth.GetCaller(r.Context())
	var policy uri.Policy
	if !decodeBody(w, r, &policy) {
		return
	}
	if err := s.svc.Locators.SetPolicy(r.Context(), caller, policy); err != nil {
		WriteProtocolError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, s.svc.Locators.Policy())
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := events.Filter{Kind: events.Kind(q.Get("kind")), Limit: defaultListLimit}
	if v := q.Get("after"); v != "" {
		after, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			WriteBadRequest(w, r, "invalid after: "+err.Error())
			return
		}
		filter.AfterSeq = after
	}
	limit, ok := listLimit(w, r)
	if !ok {
		return
	}
	filter.Limit = limit
	list, err := s.svc.Events.List(r.Context(), filter)
	if err != nil {
		WriteInternal(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, EventsResponse{Events: list})
}

// listLimit reads ?limit, defaulting to defaultListLimit and capping at maxListLimit.
func listLimit(w http.ResponseWriter, r *http.Request) (int, bool) {
	v := r.URL.Query().Get("limit")
	if v == "" {
		return defaultListLimit, true
	}
	limit, err := strconv.Atoi(v)
	if err != nil || limit <= 0 {
		WriteBadRequest(w, r, "invalid limit")
		return 0, false
	}
	return min(limit, maxListLimit), true
}

func (s *Server) handleRootHistory(w http.ResponseWriter, r *http.Request) {
	limit, ok := listLimit(w, r)
	if !ok {
		return
	}
	history, err := s.svc.Roots.History(r.Context(), limit)
	if err != nil {
		WriteInternal(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, RootHistory{Roots: history})
}

func (s *Server) handleListAgents(w http.ResponseWriter, r *http.Request) {
	agents, err := s.svc.Agents.List(r.Context())
	if err != nil {
		WriteInternal(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, AgentList{Agents: agents})
}

// handleVerifyEvents re-walks the whole event log from its first entry.
func (s *Server) handleVerifyEvents(w http.ResponseWriter, r *http.Request) {
	all, err := s.svc.Events.List(r.Context(), events.Filter{})
	if err != nil {
		WriteInternal(w, r, err)
		return
	}
	status := ChainStatus{Verified: true, Events: len(all)}
	if len(all) > 0 {
		status.Head = all[len(all)-1].Hash
		if !all[0].PrevHash.IsZero() {
			status.Verified = false
			status.Detail = fmt.Sprintf("first event %d has a predecessor hash", all[0].Seq)
		}
	}
	if err := events.VerifyChain(all); err != nil {
		if !errors.Is(err, events.ErrChainBroken) {
			WriteInternal(w, r, err)
			return
		}
		status.Verified = false
		status.Detail = err.Error()
	}
	if !status.Verified {
		s.logger.ErrorContext(r.Context(), "event chain verification failed", "detail", status.Detail)
	}
	writeJSON(w, http.StatusOK, status)
}
