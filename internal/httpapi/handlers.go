package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"mandi.org/internal/access"
	"mandi.org/internal/auth"
	"mandi.org/internal/obs"
	"mandi.org/internal/remote"
	"mandi.org/internal/session"
	"mandi.org/internal/stepup"
	"mandi.org/internal/stream"
)

// Pinger is a dependency checked by /readyz.
type Pinger interface {
	Ping(ctx context.Context) error
}

// ReadyProbe pings every configured dependency.
type ReadyProbe struct {
	Checks map[string]Pinger
}

func (rp ReadyProbe) Check(ctx context.Context) error {
	for name, p := range rp.Checks {
		if p == nil {
			continue
		}
		if err := p.Ping(ctx); err != nil {
			return errors.New(name + ": " + err.Error())
		}
	}
	return nil
}

// RegistrySource lists the server-side resource registry.
type RegistrySource interface {
	FetchRegistry(ctx context.Context) ([]access.RegistryEntry, error)
}

// Options wires the gateway.
type Options struct {
	Version      string
	Sessions     *session.Manager
	Signer       *auth.Signer
	Registry     RegistrySource
	Events       *stream.Stream
	Ready        ReadyProbe
	Limiter      *Limiter
	MaxBodyBytes int64
	Origins      []string
}

// API is the HTTP gateway in front of the engine sessions.
type API struct {
	mux          *http.ServeMux
	sessions     *session.Manager
	signer       *auth.Signer
	registry     RegistrySource
	events       *stream.Stream
	readyProbe   ReadyProbe
	limiter      *Limiter
	maxBodyBytes int64
	origins      []string
	version      string
}

func New(opts Options) *API {
	a := &API{
		mux:          http.NewServeMux(),
		sessions:     opts.Sessions,
		signer:       opts.Signer,
		registry:     opts.Registry,
		events:       opts.Events,
		readyProbe:   opts.Ready,
		limiter:      opts.Limiter,
		maxBodyBytes: opts.MaxBodyBytes,
		origins:      opts.Origins,
		version:      opts.Version,
	}
	if a.limiter == nil {
		a.limiter = NewLimiter(40, 20)
	}
	if a.maxBodyBytes <= 0 {
		a.maxBodyBytes = 1 << 20
	}

	a.mux.HandleFunc("/healthz", a.Healthz)
	a.mux.HandleFunc("/readyz", a.Ready)
	a.mux.Handle("/metrics", obs.Handler())

	a.mux.HandleFunc("/v1/authz/can", a.handleCan)
	a.mux.HandleFunc("/v1/authz/record-lock", a.handleRecordLock)
	a.mux.HandleFunc("/v1/authz/resolve-route", a.handleResolveRoute)

	a.mux.HandleFunc("/v1/stepup/ensure", a.handleStepUpEnsure)
	a.mux.HandleFunc("/v1/stepup/prompt", a.handleStepUpPrompt)
	a.mux.HandleFunc("/v1/stepup/verify", a.handleStepUpVerify)
	a.mux.HandleFunc("/v1/stepup/events", a.handleStepUpEvents)

	a.mux.HandleFunc("/v1/session/refresh", a.handleSessionRefresh)
	a.mux.HandleFunc("/v1/session/logout", a.handleSessionLogout)

	a.mux.Handle("/v1/registry/diff", RequireRole(string(access.RoleSuperAdmin))(http.HandlerFunc(a.handleRegistryDiff)))

	a.mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusNotFound, "not found")
	})
	return a
}

// Handler returns the fully wrapped handler chain.
func (a *API) Handler() http.Handler {
	var h http.Handler = a.mux
	h = a.withAuth(h)
	h = MaxBodyBytes(h, a.maxBodyBytes)
	h = a.limiter.Middleware(h)
	h = CORS(a.origins)(h)
	h = SecurityHeaders(h)
	h = LoggingJSON(h)
	h = RequestID(h)
	return obs.Instrument(h)
}

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": "mandi-gateway",
		"version": a.version,
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := a.readyProbe.Check(ctx); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ready",
	})
}

// session returns the caller's engine session. A failed config load still
// yields the fail-closed session; only a missing session is an error.
func (a *API) session(w http.ResponseWriter, r *http.Request) (*session.Session, bool) {
	id, ok := auth.IdentityFromContext(r.Context())
	if !ok {
		writeError(w, r, http.StatusUnauthorized, "authentication required")
		return nil, false
	}
	if a.sessions == nil {
		writeError(w, r, http.StatusServiceUnavailable, "sessions unavailable")
		return nil, false
	}
	s, err := a.sessions.Get(r.Context(), id.UserID)
	if s == nil {
		handleError(w, r, err)
		return nil, false
	}
	if err != nil {
		obs.Warn("session_load_degraded", map[string]any{
			"request_id": RequestIDFromContext(r.Context()),
			"user_id":    id.UserID,
			"error":      err.Error(),
		})
	}
	return s, true
}

// --- helpers ---

var errBadRequest = errors.New("invalid request")

func badRequest(err error) error {
	return fmt.Errorf("%w: %w", errBadRequest, err)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func decodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("request body is required")
		}
		return err
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		if err == nil {
			return errors.New("unexpected data after JSON body")
		}
		return err
	}
	return nil
}

func writeError(w http.ResponseWriter, r *http.Request, code int, msg string) {
	payload := map[string]any{
		"error": msg,
	}
	if rid := RequestIDFromContext(r.Context()); rid != "" {
		payload["request_id"] = rid
	}
	writeJSON(w, code, payload)
}

func methodNotAllowed(w http.ResponseWriter, r *http.Request, allowed ...string) {
	w.Header().Set("Allow", strings.Join(allowed, ", "))
	writeError(w, r, http.StatusMethodNotAllowed, "method not allowed")
}

func handleError(w http.ResponseWriter, r *http.Request, err error) {
	var maxErr *http.MaxBytesError
	switch {
	case err == nil:
		writeError(w, r, http.StatusInternalServerError, "internal error")
	case errors.As(err, &maxErr):
		writeError(w, r, http.StatusRequestEntityTooLarge, "request body too large")
	case errors.Is(err, errBadRequest), errors.Is(err, auth.ErrInvalidInput), errors.Is(err, stepup.ErrEmptyCode):
		writeError(w, r, http.StatusBadRequest, err.Error())
	case errors.Is(err, session.ErrNoIdentity):
		writeError(w, r, http.StatusUnauthorized, err.Error())
	case errors.Is(err, remote.ErrUnauthorized):
		writeError(w, r, http.StatusForbidden, "admin api rejected the caller")
	case errors.Is(err, stepup.ErrNoPrompt), errors.Is(err, remote.ErrNotFound):
		writeError(w, r, http.StatusNotFound, err.Error())
	case errors.Is(err, stepup.ErrPromptMismatch), errors.Is(err, stepup.ErrPromptAnswered), errors.Is(err, stepup.ErrPromptBusy):
		writeError(w, r, http.StatusConflict, err.Error())
	case errors.Is(err, remote.ErrUnavailable), errors.Is(err, remote.ErrBadResponse), errors.Is(err, session.ErrConfigFailed):
		writeError(w, r, http.StatusBadGateway, err.Error())
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		writeError(w, r, http.StatusGatewayTimeout, "request cancelled")
	default:
		obs.Error("request_failed", map[string]any{"request_id": RequestIDFromContext(r.Context()), "error": err.Error()})
		writeError(w, r, http.StatusInternalServerError, "internal error")
	}
}
