package handlers

import (
	"net/http"
	"strconv"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/farmd/internal/interfaces"
	"github.com/ternarybob/farmd/internal/models"
)

// JobTypeHandler serves /api/v1/jobtypes and the nested version resource.
type JobTypeHandler struct {
	storage interfaces.StorageManager
	logger  arbor.ILogger
}

func NewJobTypeHandler(storage interfaces.StorageManager, logger arbor.ILogger) *JobTypeHandler {
	return &JobTypeHandler{storage: storage, logger: logger}
}

func (h *JobTypeHandler) HandleJobTypes(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		jobtypes, err := h.storage.JobTypeStorage().ListJobTypes(r.Context())
		if err != nil {
			WriteStorageError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, jobtypes)

	case http.MethodPost, http.MethodPut:
		var jt models.JobType
		if !DecodeJSON(w, r, &jt) {
			return
		}
		if jt.Name == "" {
			WriteError(w, http.StatusBadRequest, "name is required")
			return
		}
		if err := h.storage.JobTypeStorage().CreateJobType(r.Context(), &jt); err != nil {
			WriteStorageError(w, err)
			return
		}
		WriteJSON(w, http.StatusCreated, &jt)

	default:
		MethodNotAllowed(w)
	}
}

func (h *JobTypeHandler) HandleJobTypeRoutes(w http.ResponseWriter, r *http.Request) {
	segments := PathSegments(r, "/api/v1/jobtypes/")
	if len(segments) == 0 {
		h.HandleJobTypes(w, r)
		return
	}

	if segments[0] == "schema" {
		if r.Method != http.MethodGet {
			MethodNotAllowed(w)
			return
		}
		WriteJSON(w, http.StatusOK, models.JobTypeSchema())
		return
	}

	jt, err := h.lookupJobType(r, segments[0])
	if err != nil {
		WriteStorageError(w, err)
		return
	}

	if len(segments) == 1 {
		h.handleJobType(w, r, jt)
		return
	}

	if segments[1] != "versions" {
		WriteError(w, http.StatusNotFound, "unknown jobtype subresource")
		return
	}

	if len(segments) == 2 {
		h.handleVersions(w, r, jt)
		return
	}

	h.handleVersion(w, r, jt, segments[2])
}

// lookupJobType resolves the path segment as a jobtype id or name.
func (h *JobTypeHandler) lookupJobType(r *http.Request, segment string) (*models.JobType, error) {
	if id, err := strconv.ParseUint(segment, 10, 64); err == nil {
		if jt, gerr := h.storage.JobTypeStorage().GetJobType(r.Context(), id); gerr == nil {
			return jt, nil
		}
	}
	return h.storage.JobTypeStorage().GetJobTypeByName(r.Context(), segment)
}

func (h *JobTypeHandler) handleJobType(w http.ResponseWriter, r *http.Request, jt *models.JobType) {
	switch r.Method {
	case http.MethodGet:
		WriteJSON(w, http.StatusOK, jt)

	case http.MethodDelete:
		if err := h.storage.JobTypeStorage().DeleteJobType(r.Context(), jt.ID); err != nil {
			WriteStorageError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)

	default:
		MethodNotAllowed(w)
	}
}

func (h *JobTypeHandler) handleVersions(w http.ResponseWriter, r *http.Request, jt *models.JobType) {
	switch r.Method {
	case http.MethodGet:
		versions, err := h.storage.JobTypeStorage().VersionsByJobType(r.Context(), jt.ID)
		if err != nil {
			WriteStorageError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, versions)

	case http.MethodPost, http.MethodPut:
		var version models.JobTypeVersion
		if !DecodeJSON(w, r, &version) {
			return
		}
		version.JobTypeID = jt.ID
		if err := h.storage.JobTypeStorage().CreateVersion(r.Context(), &version); err != nil {
			WriteStorageError(w, err)
			return
		}
		WriteJSON(w, http.StatusCreated, &version)

	default:
		MethodNotAllowed(w)
	}
}

// handleVersion addresses one version by its version number within the
// jobtype, with "latest" as an alias for the highest one.
func (h *JobTypeHandler) handleVersion(w http.ResponseWriter, r *http.Request, jt *models.JobType, segment string) {
	if r.Method != http.MethodGet {
		MethodNotAllowed(w)
		return
	}

	if segment == "latest" {
		version, err := h.storage.JobTypeStorage().LatestVersion(r.Context(), jt.ID)
		if err != nil {
			WriteStorageError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, version)
		return
	}

	number, err := strconv.Atoi(segment)
	if err != nil {
		WriteError(w, http.StatusBadRequest, "invalid version: "+segment)
		return
	}
	versions, err := h.storage.JobTypeStorage().VersionsByJobType(r.Context(), jt.ID)
	if err != nil {
		WriteStorageError(w, err)
		return
	}
	for _, v := range versions {
		if v.Version == number {
			WriteJSON(w, http.StatusOK, v)
			return
		}
	}
	WriteError(w, http.StatusNotFound, interfaces.ErrNotFound.Error())
}
