package handlers

import (
	"net/http"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/farmd/internal/interfaces"
	"github.com/ternarybob/farmd/internal/models"
)

// JobQueueHandler serves /api/v1/jobqueues. Queues form the scheduling tree;
// (parent, name) is unique and deletion requires an empty queue.
type JobQueueHandler struct {
	storage interfaces.StorageManager
	logger  arbor.ILogger
}

func NewJobQueueHandler(storage interfaces.StorageManager, logger arbor.ILogger) *JobQueueHandler {
	return &JobQueueHandler{storage: storage, logger: logger}
}

func (h *JobQueueHandler) HandleJobQueues(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		queues, err := h.storage.QueueStorage().ListQueues(r.Context())
		if err != nil {
			WriteStorageError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, queues)

	case http.MethodPost, http.MethodPut:
		var queue models.JobQueue
		if !DecodeJSON(w, r, &queue) {
			return
		}
		if queue.Name == "" {
			WriteError(w, http.StatusBadRequest, "name is required")
			return
		}
		if err := h.storage.QueueStorage().CreateQueue(r.Context(), &queue); err != nil {
			WriteStorageError(w, err)
			return
		}
		if path, err := h.storage.QueueStorage().RebuildFullPath(r.Context(), queue.ID); err == nil {
			queue.FullPath = path
		}
		h.logger.Info().
			Int64("queue_id", int64(queue.ID)).
			Str("path", queue.FullPath).
			Msg("Job queue created")
		WriteJSON(w, http.StatusCreated, &queue)

	default:
		MethodNotAllowed(w)
	}
}

func (h *JobQueueHandler) HandleJobQueueRoutes(w http.ResponseWriter, r *http.Request) {
	segments := PathSegments(r, "/api/v1/jobqueues/")
	if len(segments) == 0 {
		h.HandleJobQueues(w, r)
		return
	}

	if segments[0] == "schema" {
		if r.Method != http.MethodGet {
			MethodNotAllowed(w)
			return
		}
		WriteJSON(w, http.StatusOK, models.JobQueueSchema())
		return
	}

	queueID, ok := ParseID(w, segments[0])
	if !ok {
		return
	}

	if len(segments) == 2 && segments[1] == "jobs" {
		if r.Method != http.MethodGet {
			MethodNotAllowed(w)
			return
		}
		jobs, err := h.storage.JobStorage().ListJobs(r.Context(), &interfaces.JobListOptions{QueueID: &queueID})
		if err != nil {
			WriteStorageError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, jobs)
		return
	}
	if len(segments) > 1 {
		WriteError(w, http.StatusNotFound, "unknown jobqueue subresource")
		return
	}

	switch r.Method {
	case http.MethodGet:
		queue, err := h.storage.QueueStorage().GetQueue(r.Context(), queueID)
		if err != nil {
			WriteStorageError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, queue)

	case http.MethodPost, http.MethodPut:
		queue, err := h.storage.QueueStorage().GetQueue(r.Context(), queueID)
		if err != nil {
			WriteStorageError(w, err)
			return
		}
		prevParent := queue.ParentID
		prevName := queue.Name
		if !DecodeJSON(w, r, queue) {
			return
		}
		queue.ID = queueID
		if err := h.storage.QueueStorage().SaveQueue(r.Context(), queue); err != nil {
			WriteStorageError(w, err)
			return
		}
		// Moving or renaming invalidates the denormalized path of the whole
		// subtree.
		if queue.ParentID != prevParent || queue.Name != prevName {
			if path, err := h.storage.QueueStorage().RebuildFullPath(r.Context(), queue.ID); err == nil {
				queue.FullPath = path
			}
		}
		WriteJSON(w, http.StatusOK, queue)

	case http.MethodDelete:
		if err := h.storage.QueueStorage().DeleteQueue(r.Context(), queueID); err != nil {
			WriteStorageError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)

	default:
		MethodNotAllowed(w)
	}
}
