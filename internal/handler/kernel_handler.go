// Package handler provides the HTTP JSON API of the segment server.
package handler

import (
	"encoding/json"
	"net/http"

	"github.com/devrev/bsr/internal/errors"
	"github.com/devrev/bsr/internal/middleware"
	"github.com/devrev/bsr/internal/model"
	"github.com/devrev/bsr/internal/service"
	"github.com/devrev/bsr/internal/util/workerpool"
	"github.com/devrev/bsr/internal/validation"
	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

// maxBodySize bounds request bodies
const maxBodySize = 64 << 10

// ErrorResponse is the body of every failed request
type ErrorResponse struct {
	Status    string                 `json:"status"`
	ErrorCode string                 `json:"error_code"`
	Message   string                 `json:"message"`
	Details   map[string]interface{} `json:"details,omitempty"`
	RequestID string                 `json:"request_id,omitempty"`
}

// LoadKernelRequest is the body of POST /v1/kernels
type LoadKernelRequest struct {
	Path string `json:"path"`
}

// FindResponse is the body of a segment lookup
type FindResponse struct {
	Found    bool         `json:"found"`
	Family   string       `json:"family"`
	ObjectID int32        `json:"object_id"`
	Epoch    float64      `json:"epoch"`
	Match    *model.Match `json:"match,omitempty"`
}

// ObjectResponse is the body of an object state query
type ObjectResponse struct {
	Family   string            `json:"family"`
	ObjectID int32             `json:"object_id"`
	State    model.ObjectState `json:"state"`
	Segments []SegmentView     `json:"segments"`
}

// SegmentView is a buffered segment as reported by the API
type SegmentView struct {
	Handle   model.Handle `json:"handle"`
	Priority int64        `json:"priority"`
	Ordinal  int          `json:"ordinal"`
	Begin    float64      `json:"begin"`
	End      float64      `json:"end"`
	Ident    string       `json:"segment_id"`
}

// StatsResponse is the body of GET /v1/stats
type StatsResponse struct {
	Engines []model.EngineStats `json:"engines"`
	Loader  workerpool.Stats    `json:"loader"`
}

// KernelHandler serves kernel management and segment lookups
type KernelHandler struct {
	kernelService *service.KernelService
	validator     *validation.Validator
	logger        *zap.Logger
}

// NewKernelHandler creates a new kernel handler
func NewKernelHandler(kernelSvc *service.KernelService, logger *zap.Logger) *KernelHandler {
	return &KernelHandler{
		kernelService: kernelSvc,
		validator:     validation.NewValidator(),
		logger:        logger,
	}
}

// Register adds the API routes to router
func (h *KernelHandler) Register(router *mux.Router) {
	v1 := router.PathPrefix("/v1").Subrouter()

	v1.HandleFunc("/kernels", h.LoadKernel).Methods(http.MethodPost)
	v1.HandleFunc("/kernels", h.UnloadKernel).Methods(http.MethodDelete)
	v1.HandleFunc("/kernels", h.ListKernels).Methods(http.MethodGet)
	v1.HandleFunc("/stats", h.Stats).Methods(http.MethodGet)
	v1.HandleFunc("/{family}/segments/{object}", h.FindSegment).Methods(http.MethodGet)
	v1.HandleFunc("/{family}/objects/{object}", h.ObjectState).Methods(http.MethodGet)
}

// LoadKernel handles POST /v1/kernels
func (h *KernelHandler) LoadKernel(w http.ResponseWriter, r *http.Request) {
	var req LoadKernelRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodySize))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		h.writeError(w, r, errors.InvalidArgument("invalid request body", err))
		return
	}

	info, err := h.kernelService.LoadKernel(req.Path)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, info)
}

// UnloadKernel handles DELETE /v1/kernels?path=. With strict=true an
// unknown path is a 404 instead of a no-op.
func (h *KernelHandler) UnloadKernel(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	path := query.Get("path")

	unload := h.kernelService.UnloadKernel
	switch query.Get("strict") {
	case "", "false":
	case "true":
		unload = h.kernelService.UnloadLoadedKernel
	default:
		h.writeError(w, r, errors.InvalidArgument("strict must be 'true' or 'false'", nil))
		return
	}

	if err := unload(path); err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]string{
		"status": "unloaded",
		"path":   path,
	})
}

// ListKernels handles GET /v1/kernels
func (h *KernelHandler) ListKernels(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"kernels": h.kernelService.Kernels(),
	})
}

// Stats handles GET /v1/stats
func (h *KernelHandler) Stats(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, StatsResponse{
		Engines: h.kernelService.Stats(),
		Loader:  h.kernelService.LoaderStats(),
	})
}

// FindSegment handles GET /v1/{family}/segments/{object}?epoch=&tolerance=.
// mode=unbuffered scans the kernels without touching the buffers.
func (h *KernelHandler) FindSegment(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	query := r.URL.Query()

	objectID, err := h.validator.ParseObjectID(vars["object"])
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	epoch, err := h.validator.ParseEpoch(query.Get("epoch"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	tolerance, err := h.validator.ParseTolerance(query.Get("tolerance"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	find := h.kernelService.Find
	switch query.Get("mode") {
	case "", "buffered":
	case "unbuffered":
		find = h.kernelService.SearchWithoutBuffering
	default:
		h.writeError(w, r, errors.InvalidArgument("mode must be 'buffered' or 'unbuffered'", nil))
		return
	}

	match, found, err := find(vars["family"], objectID, epoch, tolerance)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	resp := FindResponse{
		Found:    found,
		Family:   vars["family"],
		ObjectID: objectID,
		Epoch:    epoch,
	}
	if !found {
		h.writeJSON(w, http.StatusNotFound, resp)
		return
	}
	resp.Match = &match
	h.writeJSON(w, http.StatusOK, resp)
}

// ObjectState handles GET /v1/{family}/objects/{object}
func (h *KernelHandler) ObjectState(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	objectID, err := h.validator.ParseObjectID(vars["object"])
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	state, segs, err := h.kernelService.ObjectState(vars["family"], objectID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	views := make([]SegmentView, 0, len(segs))
	for _, s := range segs {
		views = append(views, SegmentView{
			Handle:   s.Handle,
			Priority: s.Priority,
			Ordinal:  s.Ordinal,
			Begin:    s.Begin,
			End:      s.End,
			Ident:    s.Ident,
		})
	}
	h.writeJSON(w, http.StatusOK, ObjectResponse{
		Family:   vars["family"],
		ObjectID: objectID,
		State:    state,
		Segments: views,
	})
}

// NotFound answers unknown routes
func (h *KernelHandler) NotFound(w http.ResponseWriter, r *http.Request) {
	h.writeErrorResponse(w, r, http.StatusNotFound, ErrorResponse{
		Status:    "error",
		ErrorCode: "NOT_FOUND",
		Message:   "endpoint not found",
	})
}

// MethodNotAllowed answers known routes called with the wrong method
func (h *KernelHandler) MethodNotAllowed(w http.ResponseWriter, r *http.Request) {
	h.writeErrorResponse(w, r, http.StatusMethodNotAllowed, ErrorResponse{
		Status:    "error",
		ErrorCode: "METHOD_NOT_ALLOWED",
		Message:   "method not allowed",
	})
}

func (h *KernelHandler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	resp := ErrorResponse{
		Status:    "error",
		ErrorCode: errors.GetCode(err).String(),
		Message:   err.Error(),
	}

	status := http.StatusInternalServerError
	if be, ok := errors.AsBSRError(err); ok {
		status = be.HTTPStatus()
		if len(be.Details) > 0 {
			resp.Details = be.Details
		}
	}
	h.writeErrorResponse(w, r, status, resp)
}

func (h *KernelHandler) writeErrorResponse(w http.ResponseWriter, r *http.Request, status int, resp ErrorResponse) {
	resp.RequestID = middleware.RequestIDFrom(r.Context())

	if status >= http.StatusInternalServerError {
		h.logger.Error("HTTP error response",
			zap.Int("status_code", status),
			zap.String("error_code", resp.ErrorCode),
			zap.String("message", resp.Message),
			zap.String("request_id", resp.RequestID))
	} else {
		h.logger.Debug("HTTP error response",
			zap.Int("status_code", status),
			zap.String("error_code", resp.ErrorCode),
			zap.String("message", resp.Message),
			zap.String("request_id", resp.RequestID))
	}
	h.writeJSON(w, status, resp)
}

func (h *KernelHandler) writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		h.logger.Warn("Failed to encode response", zap.Error(err))
	}
}
