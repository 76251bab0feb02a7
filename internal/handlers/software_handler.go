package handlers

import (
	"net/http"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/farmd/internal/interfaces"
	"github.com/ternarybob/farmd/internal/models"
)

// SoftwareHandler serves /api/v1/software and the nested version resource.
// Versions order by rank, which is what requirement intervals compare.
type SoftwareHandler struct {
	storage interfaces.StorageManager
	logger  arbor.ILogger
}

func NewSoftwareHandler(storage interfaces.StorageManager, logger arbor.ILogger) *SoftwareHandler {
	return &SoftwareHandler{storage: storage, logger: logger}
}

func (h *SoftwareHandler) HandleSoftware(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		software, err := h.storage.SoftwareStorage().ListSoftware(r.Context())
		if err != nil {
			WriteStorageError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, software)

	case http.MethodPost, http.MethodPut:
		var sw models.Software
		if !DecodeJSON(w, r, &sw) {
			return
		}
		if sw.Software == "" {
			WriteError(w, http.StatusBadRequest, "software is required")
			return
		}
		if err := h.storage.SoftwareStorage().CreateSoftware(r.Context(), &sw); err != nil {
			WriteStorageError(w, err)
			return
		}
		WriteJSON(w, http.StatusCreated, &sw)

	default:
		MethodNotAllowed(w)
	}
}

func (h *SoftwareHandler) HandleSoftwareRoutes(w http.ResponseWriter, r *http.Request) {
	segments := PathSegments(r, "/api/v1/software/")
	if len(segments) == 0 {
		h.HandleSoftware(w, r)
		return
	}

	if segments[0] == "schema" {
		if r.Method != http.MethodGet {
			MethodNotAllowed(w)
			return
		}
		WriteJSON(w, http.StatusOK, models.SoftwareSchema())
		return
	}

	softwareID, ok := ParseID(w, segments[0])
	if !ok {
		return
	}

	if len(segments) == 1 {
		h.handleSoftware(w, r, softwareID)
		return
	}

	if segments[1] != "versions" {
		WriteError(w, http.StatusNotFound, "unknown software subresource")
		return
	}

	if len(segments) == 2 {
		h.handleVersions(w, r, softwareID)
		return
	}

	h.handleVersion(w, r, softwareID, segments[2])
}

func (h *SoftwareHandler) handleSoftware(w http.ResponseWriter, r *http.Request, softwareID uint64) {
	switch r.Method {
	case http.MethodGet:
		sw, err := h.storage.SoftwareStorage().GetSoftware(r.Context(), softwareID)
		if err != nil {
			WriteStorageError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, sw)

	case http.MethodDelete:
		if err := h.storage.SoftwareStorage().DeleteSoftware(r.Context(), softwareID); err != nil {
			WriteStorageError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)

	default:
		MethodNotAllowed(w)
	}
}

func (h *SoftwareHandler) handleVersions(w http.ResponseWriter, r *http.Request, softwareID uint64) {
	if _, err := h.storage.SoftwareStorage().GetSoftware(r.Context(), softwareID); err != nil {
		WriteStorageError(w, err)
		return
	}

	switch r.Method {
	case http.MethodGet:
		versions, err := h.storage.SoftwareStorage().VersionsBySoftware(r.Context(), softwareID)
		if err != nil {
			WriteStorageError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, versions)

	case http.MethodPost, http.MethodPut:
		var version models.SoftwareVersion
		if !DecodeJSON(w, r, &version) {
			return
		}
		if version.Version == "" {
			WriteError(w, http.StatusBadRequest, "version is required")
			return
		}
		version.SoftwareID = softwareID
		if err := h.storage.SoftwareStorage().CreateSoftwareVersion(r.Context(), &version); err != nil {
			WriteStorageError(w, err)
			return
		}
		WriteJSON(w, http.StatusCreated, &version)

	default:
		MethodNotAllowed(w)
	}
}

func (h *SoftwareHandler) handleVersion(w http.ResponseWriter, r *http.Request, softwareID uint64, segment string) {
	versionID, ok := ParseID(w, segment)
	if !ok {
		return
	}
	version, err := h.storage.SoftwareStorage().GetSoftwareVersion(r.Context(), versionID)
	if err != nil {
		WriteStorageError(w, err)
		return
	}
	if version.SoftwareID != softwareID {
		WriteError(w, http.StatusNotFound, "version does not belong to this software")
		return
	}

	switch r.Method {
	case http.MethodGet:
		WriteJSON(w, http.StatusOK, version)

	case http.MethodDelete:
		if err := h.storage.SoftwareStorage().DeleteSoftwareVersion(r.Context(), versionID); err != nil {
			WriteStorageError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)

	default:
		MethodNotAllowed(w)
	}
}
