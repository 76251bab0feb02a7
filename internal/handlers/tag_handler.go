package handlers

import (
	"net/http"
	"strconv"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/farmd/internal/interfaces"
	"github.com/ternarybob/farmd/internal/models"
)

// TagHandler serves /api/v1/tags. Tag creation is idempotent: posting an
// existing name returns the existing tag.
type TagHandler struct {
	storage interfaces.StorageManager
	logger  arbor.ILogger
}

func NewTagHandler(storage interfaces.StorageManager, logger arbor.ILogger) *TagHandler {
	return &TagHandler{storage: storage, logger: logger}
}

func (h *TagHandler) HandleTags(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		tags, err := h.storage.TagStorage().ListTags(r.Context())
		if err != nil {
			WriteStorageError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, tags)

	case http.MethodPost, http.MethodPut:
		var tag models.Tag
		if !DecodeJSON(w, r, &tag) {
			return
		}
		if tag.Tag == "" {
			WriteError(w, http.StatusBadRequest, "tag is required")
			return
		}

		existing, err := h.storage.TagStorage().GetTagByName(r.Context(), tag.Tag)
		if err == nil {
			WriteJSON(w, http.StatusOK, existing)
			return
		}
		if err != interfaces.ErrNotFound {
			WriteStorageError(w, err)
			return
		}

		created, err := h.storage.TagStorage().EnsureTag(r.Context(), tag.Tag)
		if err != nil {
			WriteStorageError(w, err)
			return
		}
		WriteJSON(w, http.StatusCreated, created)

	default:
		MethodNotAllowed(w)
	}
}

// HandleTagRoutes serves /api/v1/tags/{name-or-id}.
func (h *TagHandler) HandleTagRoutes(w http.ResponseWriter, r *http.Request) {
	segments := PathSegments(r, "/api/v1/tags/")
	if len(segments) == 0 {
		h.HandleTags(w, r)
		return
	}

	if segments[0] == "schema" {
		if r.Method != http.MethodGet {
			MethodNotAllowed(w)
			return
		}
		WriteJSON(w, http.StatusOK, models.TagSchema())
		return
	}

	tag, err := h.lookupTag(r, segments[0])
	if err != nil {
		WriteStorageError(w, err)
		return
	}

	switch r.Method {
	case http.MethodGet:
		WriteJSON(w, http.StatusOK, tag)

	case http.MethodDelete:
		if err := h.storage.TagStorage().DeleteTag(r.Context(), tag.ID); err != nil {
			WriteStorageError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)

	default:
		MethodNotAllowed(w)
	}
}

func (h *TagHandler) lookupTag(r *http.Request, segment string) (*models.Tag, error) {
	if id, err := strconv.ParseUint(segment, 10, 64); err == nil {
		if tag, gerr := h.storage.TagStorage().GetTag(r.Context(), id); gerr == nil {
			return tag, nil
		}
	}
	return h.storage.TagStorage().GetTagByName(r.Context(), segment)
}
