package httpapi

import (
	"net/http"
	"strings"

	"mandi.org/internal/access"
)

type canRequest struct {
	ResourceKey string `json:"resource_key"`
	Action      string `json:"action"`
}

type recordLockRequest struct {
	Record map[string]any `json:"record"`
}

type resolveRouteRequest struct {
	Path string `json:"path"`
}

func (a *API) handleCan(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	var req canRequest
	if err := decodeJSON(r, &req); err != nil {
		handleError(w, r, badRequest(err))
		return
	}
	if strings.TrimSpace(req.ResourceKey) == "" {
		writeError(w, r, http.StatusBadRequest, "resource_key is required")
		return
	}
	s, ok := a.session(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"allowed":      s.Can(req.ResourceKey, req.Action),
		"resource_key": access.CanonicalKey(req.ResourceKey),
		"action":       access.CanonicalAction(req.Action),
	})
}

func (a *API) handleRecordLock(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	var req recordLockRequest
	if err := decodeJSON(r, &req); err != nil {
		handleError(w, r, badRequest(err))
		return
	}
	s, ok := a.session(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, s.IsLocked(access.RecordFromMap(req.Record)))
}

func (a *API) handleResolveRoute(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	var req resolveRouteRequest
	if err := decodeJSON(r, &req); err != nil {
		handleError(w, r, badRequest(err))
		return
	}
	s, ok := a.session(w, r)
	if !ok {
		return
	}
	key, found := s.ResolveRoute(req.Path)
	writeJSON(w, http.StatusOK, map[string]any{
		"path":         access.NormalizePath(req.Path),
		"resource_key": key,
		"found":        found,
	})
}

func (a *API) handleRegistryDiff(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	if a.registry == nil {
		writeError(w, r, http.StatusServiceUnavailable, "registry unavailable")
		return
	}
	s, ok := a.session(w, r)
	if !ok {
		return
	}
	entries, err := a.registry.FetchRegistry(r.Context())
	if err != nil {
		handleError(w, r, err)
		return
	}
	report := access.Reconcile(entries, s.Resources())
	writeJSON(w, http.StatusOK, map[string]any{
		"clean":  report.Clean(),
		"report": report,
	})
}
