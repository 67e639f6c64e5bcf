// Package vcapi exposes the version control service over HTTP.
package vcapi

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"entityvc/internal/logger"
	"entityvc/internal/vc"
	"entityvc/internal/vc/jobs"
	"entityvc/internal/vc/repository"
	"entityvc/pkg/domain"
)

const (
	apiPrefix    = "/api/v1/vc"
	maxBodyBytes = 4 << 20
)

// Handler provides HTTP access to branches, versions and sync jobs.
type Handler struct {
	Service *vc.Service
	metrics http.Handler
	log     *slog.Logger
}

// NewHandler constructs a handler for svc. A non-nil gatherer is served on
// /metrics.
func NewHandler(svc *vc.Service, gatherer prometheus.Gatherer) *Handler {
	h := &Handler{Service: svc, log: logger.Get(logger.API)}
	if gatherer != nil {
		h.metrics = promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
	}
	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if h.Service == nil {
		writeError(w, http.StatusInternalServerError, "version control service not configured")
		return
	}

	path := strings.TrimSuffix(r.URL.Path, "/")
	switch {
	case path == "/metrics":
		if h.metrics == nil {
			http.NotFound(w, r)
			return
		}
		h.metrics.ServeHTTP(w, r)
	case path == apiPrefix+"/branches":
		if !allow(w, r, http.MethodGet) {
			return
		}
		h.handleBranches(w, r)
	case path == apiPrefix+"/versions":
		switch r.Method {
		case http.MethodGet:
			h.handleListVersions(w, r)
		case http.MethodPost:
			h.handleCreate(w, r)
		default:
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		}
	case path == apiPrefix+"/load":
		if !allow(w, r, http.MethodPost) {
			return
		}
		h.handleLoad(w, r)
	case strings.HasPrefix(path, apiPrefix+"/versions/jobs/"):
		h.handleJob(w, r, vc.KindCreate, strings.TrimPrefix(path, apiPrefix+"/versions/jobs/"))
	case strings.HasPrefix(path, apiPrefix+"/load/jobs/"):
		h.handleJob(w, r, vc.KindLoad, strings.TrimPrefix(path, apiPrefix+"/load/jobs/"))
	case path == apiPrefix+"/entities":
		if !allow(w, r, http.MethodGet) {
			return
		}
		h.handleEntities(w, r)
	case path == apiPrefix+"/diff":
		if !allow(w, r, http.MethodGet) {
			return
		}
		h.handleDiff(w, r)
	case path == apiPrefix+"/compare":
		if !allow(w, r, http.MethodGet) {
			return
		}
		h.handleCompare(w, r)
	default:
		http.NotFound(w, r)
	}
}

func allow(w http.ResponseWriter, r *http.Request, method string) bool {
	if r.Method != method {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return false
	}
	return true
}

func (h *Handler) handleBranches(w http.ResponseWriter, r *http.Request) {
	branches, err := h.Service.ListBranches(r.Context())
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"branches": branches})
}

func (h *Handler) handleListVersions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	scope := vc.VersionScope{EntityID: q.Get("entityId")}
	if raw := q.Get("entityType"); raw != "" {
		t, err := domain.ParseEntityType(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		scope.EntityType = t
	}
	versions, err := h.Service.ListVersions(r.Context(), q.Get("branch"), scope)
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"versions": versions})
}

func (h *Handler) handleCreate(w http.ResponseWriter, r *http.Request) {
	raw, ok := readBody(w, r)
	if !ok {
		return
	}
	req, err := vc.DecodeCreateRequest(raw)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	id, err := h.Service.CreateVersion(r.Context(), req)
	if err != nil {
		h.fail(w, err)
		return
	}
	h.log.Info("create job submitted", "job_id", id)
	writeJSON(w, http.StatusAccepted, map[string]any{"jobId": id})
}

func (h *Handler) handleLoad(w http.ResponseWriter, r *http.Request) {
	raw, ok := readBody(w, r)
	if !ok {
		return
	}
	req, err := vc.DecodeLoadRequest(raw)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	id, err := h.Service.LoadVersion(r.Context(), req)
	if err != nil {
		h.fail(w, err)
		return
	}
	h.log.Info("load job submitted", "job_id", id)
	writeJSON(w, http.StatusAccepted, map[string]any{"jobId": id})
}

// handleJob serves {id}, DELETE {id} and {id}/watch for either job kind.
func (h *Handler) handleJob(w http.ResponseWriter, r *http.Request, kind, remainder string) {
	segments := strings.Split(remainder, "/")
	id := segments[0]
	if id == "" || len(segments) > 2 {
		http.NotFound(w, r)
		return
	}
	if len(segments) == 2 {
		if segments[1] != "watch" {
			http.NotFound(w, r)
			return
		}
		if !allow(w, r, http.MethodGet) {
			return
		}
		h.handleWatch(w, r, kind, id)
		return
	}

	switch r.Method {
	case http.MethodGet:
		var (
			result any
			found  bool
		)
		if kind == vc.KindCreate {
			result, found = h.Service.PollCreate(id)
		} else {
			result, found = h.Service.PollLoad(id)
		}
		if !found {
			writeError(w, http.StatusNotFound, "job not found")
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"jobId": id, "result": result})
	case http.MethodDelete:
		var err error
		if kind == vc.KindCreate {
			err = h.Service.EvictCreate(id)
		} else {
			err = h.Service.EvictLoad(id)
		}
		if err != nil {
			h.fail(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func (h *Handler) handleEntities(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var t domain.EntityType
	if raw := q.Get("entityType"); raw != "" {
		parsed, err := domain.ParseEntityType(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		t = parsed
	}
	if q.Get("versionId") == "" {
		writeError(w, http.StatusBadRequest, "versionId is required")
		return
	}
	entities, err := h.Service.ListEntitiesAtVersion(r.Context(), q.Get("branch"), q.Get("versionId"), t)
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"entities": entities})
}

func (h *Handler) handleDiff(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	t, err := domain.ParseEntityType(q.Get("entityType"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if q.Get("entityId") == "" {
		writeError(w, http.StatusBadRequest, "entityId is required")
		return
	}
	d, err := h.Service.DiffEntity(r.Context(), q.Get("branch"), q.Get("versionId"), domain.NewEntityID(t, q.Get("entityId")))
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"diff": d})
}

func (h *Handler) handleCompare(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if q.Get("from") == "" || q.Get("to") == "" {
		writeError(w, http.StatusBadRequest, "from and to are required")
		return
	}
	cmp, err := h.Service.CompareVersions(r.Context(), q.Get("branch"), q.Get("from"), q.Get("to"))
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"comparison": cmp})
}

func readBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	raw, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid request payload")
		return nil, false
	}
	return raw, true
}

// fail maps service errors onto status codes.
func (h *Handler) fail(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		h.log.Error("request failed", "error", err)
	}
	writeError(w, status, err.Error())
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, vc.ErrInvalidRequest),
		errors.Is(err, repository.ErrInvalidBranch),
		errors.Is(err, repository.ErrInvalidPath),
		errors.Is(err, domain.ErrUnsupportedEntityType):
		return http.StatusBadRequest
	case errors.Is(err, vc.ErrJobNotFound),
		errors.Is(err, repository.ErrBranchNotFound),
		errors.Is(err, repository.ErrVersionNotFound),
		errors.Is(err, repository.ErrFileNotFound),
		errors.Is(err, domain.ErrEntityNotFound):
		return http.StatusNotFound
	case errors.Is(err, jobs.ErrJobActive):
		return http.StatusConflict
	case errors.Is(err, jobs.ErrQueueFull), errors.Is(err, jobs.ErrClosed):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]any{"error": message})
}
