package httpapi

import (
	"net/http"
	"strings"

	"mandi.org/internal/auth"
	"mandi.org/internal/stepup"
)

type ensureRequest struct {
	ResourceKey string `json:"resource_key,omitempty"`
	Path        string `json:"path,omitempty"`
	Action      string `json:"action"`
}

type ensureResponse struct {
	Allowed     bool           `json:"allowed"`
	ResourceKey string         `json:"resource_key,omitempty"`
	Verdict     stepup.Verdict `json:"verdict,omitempty"`
	Path        []stepup.State `json:"path"`
	Error       string         `json:"error,omitempty"`
}

type verifyRequest struct {
	PromptID   string `json:"prompt_id"`
	OTP        string `json:"otp,omitempty"`
	BackupCode string `json:"backup_code,omitempty"`
}

// handleStepUpEnsure blocks until the step-up flow resolves. When a code is
// needed the prompt shows up on /v1/stepup/prompt and is answered through
// /v1/stepup/verify while this request waits.
func (a *API) handleStepUpEnsure(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	var req ensureRequest
	if err := decodeJSON(r, &req); err != nil {
		handleError(w, r, badRequest(err))
		return
	}
	key := strings.TrimSpace(req.ResourceKey)
	path := strings.TrimSpace(req.Path)
	if (key == "") == (path == "") {
		writeError(w, r, http.StatusBadRequest, "exactly one of resource_key or path is required")
		return
	}
	s, ok := a.session(w, r)
	if !ok {
		return
	}

	var res stepup.Result
	if key != "" {
		res = s.EnsureStepUp(r.Context(), key, req.Action)
	} else {
		res = s.EnsureStepUpForPath(r.Context(), path, req.Action)
	}
	out := ensureResponse{
		Allowed:     res.Allowed,
		ResourceKey: res.ResourceKey,
		Verdict:     res.Verdict,
		Path:        res.Path,
	}
	if res.Err != nil {
		out.Error = res.Err.Error()
	}
	writeJSON(w, http.StatusOK, out)
}

func (a *API) handleStepUpPrompt(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		s, ok := a.session(w, r)
		if !ok {
			return
		}
		// the broker is what /verify answers, so report its view when there is one
		ch, open := s.PendingChallenge()
		if b := s.Broker(); b != nil {
			ch, open = b.Pending()
		}
		if !open {
			writeJSON(w, http.StatusOK, map[string]any{"pending": false})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"pending": true, "prompt": ch})
	case http.MethodDelete:
		broker, ok := a.broker(w, r)
		if !ok {
			return
		}
		if err := broker.Dismiss(r.URL.Query().Get("id")); err != nil {
			handleError(w, r, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		methodNotAllowed(w, r, http.MethodGet, http.MethodDelete)
	}
}

func (a *API) handleStepUpVerify(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	var req verifyRequest
	if err := decodeJSON(r, &req); err != nil {
		handleError(w, r, badRequest(err))
		return
	}
	if strings.TrimSpace(req.PromptID) == "" {
		writeError(w, r, http.StatusBadRequest, "prompt_id is required")
		return
	}
	broker, ok := a.broker(w, r)
	if !ok {
		return
	}
	if err := broker.Submit(req.PromptID, stepup.Code{OTP: req.OTP, BackupCode: req.BackupCode}); err != nil {
		handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"status": "submitted", "prompt_id": req.PromptID})
}

func (a *API) broker(w http.ResponseWriter, r *http.Request) (*stepup.Broker, bool) {
	s, ok := a.session(w, r)
	if !ok {
		return nil, false
	}
	b := s.Broker()
	if b == nil {
		writeError(w, r, http.StatusConflict, "prompts of this session are answered elsewhere")
		return nil, false
	}
	return b, true
}

func (a *API) handleSessionRefresh(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	s, ok := a.session(w, r)
	if !ok {
		return
	}
	if err := s.Refresh(r.Context()); err != nil {
		handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"user_id":   s.Identity(),
		"role":      s.Role(),
		"resources": len(s.Resources()),
	})
}

func (a *API) handleSessionLogout(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	id, ok := auth.IdentityFromContext(r.Context())
	if !ok {
		writeError(w, r, http.StatusUnauthorized, "authentication required")
		return
	}
	if a.sessions != nil {
		if err := a.sessions.Logout(r.Context(), id.UserID); err != nil {
			handleError(w, r, err)
			return
		}
	}
	w.WriteHeader(http.StatusNoContent)
}
