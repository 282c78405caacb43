package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"verification_pipeline/internal/engine"
	"verification_pipeline/internal/repository"
	"verification_pipeline/internal/scheduler"
	"verification_pipeline/internal/service"
)

type Handler struct {
	submissions service.SubmissionService
	reviews     service.ReviewService
	scheduler   *scheduler.Scheduler
	logger      *zap.Logger
}

func NewHandler(
	submissions service.SubmissionService,
	reviews service.ReviewService,
	sched *scheduler.Scheduler,
	logger *zap.Logger,
) *Handler {
	return &Handler{
		submissions: submissions,
		reviews:     reviews,
		scheduler:   sched,
		logger:      logger,
	}
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

func (h *Handler) CreateVerification(w http.ResponseWriter, r *http.Request) {
	identity, _ := IdentityFromContext(r.Context())

	var input service.SubmissionInput
	if err := json.NewDecoder(r.Body).Decode(&input); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	// Subjects submit for themselves; only admins may submit on behalf of
	// another subject.
	if !identity.IsAdmin() || input.SubjectID == "" {
		input.SubjectID = identity.SubjectID
	}

	view, err := h.submissions.CreateAndSubmit(r.Context(), input)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, view)
}

func (h *Handler) GetVerification(w http.ResponseWriter, r *http.Request) {
	identity, _ := IdentityFromContext(r.Context())
	id := chi.URLParam(r, "id")

	view, err := h.submissions.GetStatus(r.Context(), id, identity.SubjectID, identity.IsAdmin())
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (h *Handler) AdminListVerifications(w http.ResponseWriter, r *http.Request) {
	status := r.URL.Query().Get("status")
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

	summaries, err := h.reviews.ListByStatus(r.Context(), status, limit)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, summaries)
}

func (h *Handler) AdminDecide(w http.ResponseWriter, r *http.Request) {
	identity, _ := IdentityFromContext(r.Context())

	var input service.DecisionInput
	if err := json.NewDecoder(r.Body).Decode(&input); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	input.Actor = identity.SubjectID

	summary, err := h.reviews.Decide(r.Context(), input)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func (h *Handler) AdminDocumentURL(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	index, err := strconv.Atoi(chi.URLParam(r, "index"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid document index")
		return
	}

	url, err := h.reviews.DocumentURL(r.Context(), id, index)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"url": url})
}

func (h *Handler) TriggerHourly(w http.ResponseWriter, r *http.Request) {
	report := h.scheduler.RunHourly(r.Context())
	writeJSON(w, http.StatusOK, report)
}

func (h *Handler) TriggerDaily(w http.ResponseWriter, r *http.Request) {
	report := h.scheduler.RunDaily(r.Context())
	writeJSON(w, http.StatusOK, report)
}

// writeServiceError maps the error taxonomy onto HTTP statuses. Internal
// error details are logged, never returned to the caller.
func (h *Handler) writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case service.IsValidation(err):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, service.ErrNotAuthorized):
		writeError(w, http.StatusForbidden, err.Error())
	case errors.Is(err, repository.ErrNotFound), errors.Is(err, repository.ErrSubjectNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case engine.IsGuardViolation(err):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, repository.ErrVersionConflict):
		writeError(w, http.StatusConflict, "record was modified concurrently, retry the request")
	default:
		h.logger.Error("request failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
