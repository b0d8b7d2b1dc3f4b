// Package api exposes the reputation service over HTTP: status lookups, the
// four write operations, health, metrics and the TAXII collection.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"webcontent/reputation-service/internal/circuitbreaker"
	"webcontent/reputation-service/internal/content"
	"webcontent/reputation-service/internal/httputil"
	"webcontent/reputation-service/internal/intel"
	"webcontent/reputation-service/internal/kb"
	"webcontent/reputation-service/internal/metrics"
	"webcontent/reputation-service/internal/rate"
	"webcontent/reputation-service/internal/token"
	"webcontent/reputation-service/internal/webcontent"
)

const maxJSONBytes = 4 * 1024

// Service is the reputation service as seen by the API.
type Service interface {
	Status(ctx context.Context, c content.Content) (webcontent.Status, error)
	Block(ctx context.Context, c content.Content, creator string) (*kb.Indicator, error)
	Unblock(ctx context.Context, c content.Content, creator string) (*kb.Indicator, error)
	Trust(ctx context.Context, c content.Content, creator string) (*kb.Observable, error)
	Untrust(ctx context.Context, c content.Content, creator string) (*kb.Observable, error)
}

type Handler struct {
	Service Service
	// Tokens verifies bearer tokens. With AuthRequired unset, requests
	// without a token are accepted; a token that is present must still verify.
	Tokens       token.Verifier
	AuthRequired bool
	Guard        *rate.WriteGuard
	Breakers     *circuitbreaker.Manager
	TAXII        *intel.TAXIIServer

	Logger         zerolog.Logger
	TrustedProxies []*net.IPNet

	anon *httputil.Anonymizer
}

func NewHandler(svc Service) *Handler {
	return &Handler{
		Service: svc,
		Guard:   rate.NewWriteGuard(0, 0),
		Logger:  zerolog.Nop(),
		anon:    httputil.NewAnonymizer(),
	}
}

// Routes builds the router wrapped in the request-id and header middleware.
func (h *Handler) Routes() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/v1/content/status", h.handleStatus).Methods(http.MethodGet)
	r.HandleFunc("/v1/content/{op:block|unblock|trust|untrust}", h.handleTransition).Methods(http.MethodPost)
	r.HandleFunc("/healthz", h.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/readyz", h.handleReady).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	r.HandleFunc("/admin/stats", handleAdminStats).Methods(http.MethodGet)
	if h.TAXII != nil {
		h.TAXII.Routes(r)
	}
	r.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		httputil.WriteError(w, r, http.StatusMethodNotAllowed, "method_not_allowed")
	})

	return Chain(
		httputil.RequestIDMiddleware(h.Logger, h.TrustedProxies),
		withCommonHeaders,
	)(r)
}

func (h *Handler) handleStatus(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	defer func() {
		metrics.APIDuration.WithLabelValues("status").Observe(time.Since(start).Seconds())
	}()

	q := r.URL.Query()
	c := content.Content{Type: content.Type(q.Get("type")), Value: q.Get("value")}
	st, err := h.Service.Status(r.Context(), c)
	if err != nil {
		h.writeServiceError(w, r, "status", err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, st)
}

type transitionRequest struct {
	Type    string `json:"type"`
	Value   string `json:"value"`
	Creator string `json:"creator,omitempty"`
}

// transitionResponse flattens the post-operation status next to the
// record the operation returned.
type transitionResponse struct {
	*webcontent.Status
	Indicator  *kb.Indicator  `json:"indicator,omitempty"`
	Observable *kb.Observable `json:"observable,omitempty"`
}

func (h *Handler) handleTransition(w http.ResponseWriter, r *http.Request) {
	op := mux.Vars(r)["op"]
	start := time.Now()
	defer func() {
		metrics.APIDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
	}()
	logger := httputil.GetLogger(r.Context())

	identity, ok := h.authenticate(w, r)
	if !ok {
		return
	}

	key := httputil.ClientIPFromHeaders(r)
	if key == "" {
		key = "unknown"
	}
	release, err := h.Guard.Admit(key)
	if err != nil {
		metrics.RateLimitHits.WithLabelValues(op).Inc()
		logger.Warn().Err(err).Str("client", h.anon.IP(key)).Str("op", op).Msg("write rejected by rate guard")
		w.Header().Set("Retry-After", "1")
		httputil.WriteError(w, r, http.StatusTooManyRequests, "rate_limited")
		return
	}
	defer release()

	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBytes)
	defer r.Body.Close()
	var req transitionRequest
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		httputil.WriteError(w, r, http.StatusBadRequest, "bad_json")
		return
	}

	c := content.Content{Type: content.Type(req.Type), Value: req.Value}
	creator := req.Creator
	if identity != "" {
		// A token holder writes as the token's identity only.
		if creator != "" && creator != identity {
			logger.Warn().Str("op", op).Str("identity", identity).Str("creator", creator).Msg("creator does not match token identity")
			httputil.WriteError(w, r, http.StatusForbidden, "creator_mismatch")
			return
		}
		creator = identity
	}

	var resp transitionResponse
	ctx := r.Context()
	switch op {
	case webcontent.OpBlock:
		resp.Indicator, err = h.Service.Block(ctx, c, creator)
	case webcontent.OpUnblock:
		resp.Indicator, err = h.Service.Unblock(ctx, c, creator)
	case webcontent.OpTrust:
		resp.Observable, err = h.Service.Trust(ctx, c, creator)
	case webcontent.OpUntrust:
		resp.Observable, err = h.Service.Untrust(ctx, c, creator)
	}
	if err != nil {
		h.writeServiceError(w, r, op, err)
		return
	}

	if st, err := h.Service.Status(ctx, c); err != nil {
		logger.Warn().Err(err).Str("op", op).Msg("post-transition status unavailable")
	} else {
		resp.Status = &st
	}
	httputil.WriteJSON(w, http.StatusOK, resp)
}

// authenticate returns the identity named by the bearer token, or "" when no
// token was presented.
func (h *Handler) authenticate(w http.ResponseWriter, r *http.Request) (string, bool) {
	raw := token.FromHeader(r.Header.Get("Authorization"))
	if raw == "" {
		if h.AuthRequired {
			w.Header().Set("WWW-Authenticate", `Bearer realm="webcontent"`)
			httputil.WriteError(w, r, http.StatusUnauthorized, "missing_token")
			return "", false
		}
		return "", true
	}
	if h.Tokens == nil {
		httputil.WriteError(w, r, http.StatusUnauthorized, "auth_not_configured")
		return "", false
	}
	claims, err := h.Tokens.Verify(raw)
	if err != nil {
		httputil.GetLogger(r.Context()).Warn().Err(err).Msg("bearer token rejected")
		w.Header().Set("WWW-Authenticate", `Bearer realm="webcontent", error="invalid_token"`)
		httputil.WriteError(w, r, http.StatusUnauthorized, "invalid_token")
		return "", false
	}
	return claims.Identity, true
}

func (h *Handler) writeServiceError(w http.ResponseWriter, r *http.Request, op string, err error) {
	if errors.Is(err, content.ErrInvalidContent) {
		httputil.WriteError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	httputil.GetLogger(r.Context()).Error().Err(err).Str("op", op).Msg("knowledge base call failed")
	code := http.StatusBadGateway
	if errors.Is(err, context.DeadlineExceeded) {
		code = http.StatusGatewayTimeout
	}
	httputil.WriteError(w, r, code, "store_unavailable")
}

type healthStatus struct {
	Status     string            `json:"status"` // ok | degraded
	Components map[string]string `json:"components"`
}

func (h *Handler) health() healthStatus {
	hs := healthStatus{Status: "ok", Components: map[string]string{"service": "ok"}}
	if h.TAXII != nil {
		hs.Components["taxii"] = "ok"
	}
	if h.Breakers != nil {
		for name, state := range h.Breakers.States() {
			hs.Components["breaker:"+name] = state
			if state == circuitbreaker.StateOpen.String() {
				hs.Status = "degraded"
			}
		}
	}
	return hs
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	httputil.WriteJSON(w, http.StatusOK, h.health())
}

// handleReady fails while any backend breaker is open.
func (h *Handler) handleReady(w http.ResponseWriter, r *http.Request) {
	hs := h.health()
	code := http.StatusOK
	if hs.Status != "ok" {
		code = http.StatusServiceUnavailable
	}
	httputil.WriteJSON(w, code, hs)
}
