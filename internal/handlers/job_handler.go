package handlers

import (
	"net/http"
	"strconv"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/farmd/internal/interfaces"
	"github.com/ternarybob/farmd/internal/models"
)

// JobHandler serves /api/v1/jobs. Task state reports from agents arrive here
// and run through the task lifecycle, so job roll-up and completion events
// happen as a side effect of the store write.
type JobHandler struct {
	storage    interfaces.StorageManager
	dispatcher interfaces.Dispatcher
	events     interfaces.EventService
	logger     arbor.ILogger
}

func NewJobHandler(storage interfaces.StorageManager, dispatcher interfaces.Dispatcher, events interfaces.EventService, logger arbor.ILogger) *JobHandler {
	return &JobHandler{
		storage:    storage,
		dispatcher: dispatcher,
		events:     events,
		logger:     logger,
	}
}

// jobSubmission is a job plus an optional frame range. When start is given
// the master expands start..end step by into tasks at submission time.
type jobSubmission struct {
	models.Job

	Start *float64 `json:"start,omitempty"`
	End   *float64 `json:"end,omitempty"`

	// JobTypeName with an optional version pins the job to a job type
	// version by name; zero version means latest.
	JobTypeName    string `json:"jobtype,omitempty"`
	JobTypeVersion int    `json:"jobtype_version,omitempty"`
}

// HandleJobs serves the collection: GET lists, POST submits.
func (h *JobHandler) HandleJobs(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		h.listJobs(w, r)
	case http.MethodPost, http.MethodPut:
		h.submitJob(w, r)
	default:
		MethodNotAllowed(w)
	}
}

func (h *JobHandler) listJobs(w http.ResponseWriter, r *http.Request) {
	opts := &interfaces.JobListOptions{}
	q := r.URL.Query()
	if v := q.Get("queue_id"); v != "" {
		id, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			WriteError(w, http.StatusBadRequest, "invalid queue_id: "+v)
			return
		}
		opts.QueueID = &id
	}
	for _, s := range q["state"] {
		opts.States = append(opts.States, models.WorkState(s))
	}
	if v := q.Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			opts.Limit = n
		}
	}
	if v := q.Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			opts.Offset = n
		}
	}

	jobs, err := h.storage.JobStorage().ListJobs(r.Context(), opts)
	if err != nil {
		WriteStorageError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, jobs)
}

func (h *JobHandler) submitJob(w http.ResponseWriter, r *http.Request) {
	var sub jobSubmission
	if !DecodeJSON(w, r, &sub) {
		return
	}
	if sub.Title == "" {
		WriteError(w, http.StatusBadRequest, "title is required")
		return
	}

	job := sub.Job
	if job.By <= 0 {
		job.By = 1
	}
	if job.Batch < 1 {
		job.Batch = 1
	}

	if job.QueueID != 0 {
		if _, err := h.storage.QueueStorage().GetQueue(r.Context(), job.QueueID); err != nil {
			WriteStorageError(w, err)
			return
		}
	}

	if sub.Start != nil && sub.End != nil && *sub.End < *sub.Start {
		WriteError(w, http.StatusBadRequest, "end must not be before start")
		return
	}

	if sub.JobTypeName != "" {
		versionID, err := h.resolveJobType(r, sub.JobTypeName, sub.JobTypeVersion)
		if err != nil {
			WriteStorageError(w, err)
			return
		}
		job.JobTypeVersionID = versionID
	}

	if err := h.storage.JobStorage().CreateJob(r.Context(), &job); err != nil {
		WriteStorageError(w, err)
		return
	}

	var tasks []*models.Task
	if sub.Start != nil {
		end := *sub.Start
		if sub.End != nil {
			end = *sub.End
		}
		for frame := *sub.Start; frame <= end; frame += job.By {
			tasks = append(tasks, &models.Task{
				JobID:    job.ID,
				Frame:    frame,
				Priority: job.Priority,
			})
		}
		if err := h.storage.TaskStorage().CreateTasks(r.Context(), tasks); err != nil {
			WriteStorageError(w, err)
			return
		}
	}

	h.logger.Info().
		Int64("job_id", int64(job.ID)).
		Str("title", job.Title).
		Int("tasks", len(tasks)).
		Msg("Job submitted")

	WriteJSON(w, http.StatusCreated, &job)
}

func (h *JobHandler) resolveJobType(r *http.Request, name string, version int) (uint64, error) {
	jt, err := h.storage.JobTypeStorage().GetJobTypeByName(r.Context(), name)
	if err != nil {
		return 0, err
	}
	if version == 0 {
		latest, err := h.storage.JobTypeStorage().LatestVersion(r.Context(), jt.ID)
		if err != nil {
			return 0, err
		}
		return latest.ID, nil
	}
	versions, err := h.storage.JobTypeStorage().VersionsByJobType(r.Context(), jt.ID)
	if err != nil {
		return 0, err
	}
	for _, v := range versions {
		if v.Version == version {
			return v.ID, nil
		}
	}
	return 0, interfaces.ErrNotFound
}

// HandleJobRoutes serves /api/v1/jobs/{id-or-title}[...] and the schema
// endpoint.
func (h *JobHandler) HandleJobRoutes(w http.ResponseWriter, r *http.Request) {
	segments := PathSegments(r, "/api/v1/jobs/")
	if len(segments) == 0 {
		h.HandleJobs(w, r)
		return
	}

	if segments[0] == "schema" {
		if r.Method != http.MethodGet {
			MethodNotAllowed(w)
			return
		}
		WriteJSON(w, http.StatusOK, models.JobSchema())
		return
	}

	job, err := h.lookupJob(r, segments[0])
	if err != nil {
		WriteStorageError(w, err)
		return
	}

	if len(segments) == 1 {
		h.handleJob(w, r, job)
		return
	}

	if segments[1] != "tasks" {
		WriteError(w, http.StatusNotFound, "unknown job subresource")
		return
	}

	if len(segments) == 2 {
		h.handleJobTasks(w, r, job)
		return
	}

	taskID, ok := ParseID(w, segments[2])
	if !ok {
		return
	}
	h.handleTask(w, r, job, taskID)
}

// lookupJob resolves the path segment as a job id or, failing that, a title.
func (h *JobHandler) lookupJob(r *http.Request, segment string) (*models.Job, error) {
	if id, err := strconv.ParseUint(segment, 10, 64); err == nil {
		return h.storage.JobStorage().GetJob(r.Context(), id)
	}
	return h.storage.JobStorage().GetJobByTitle(r.Context(), segment)
}

func (h *JobHandler) handleJob(w http.ResponseWriter, r *http.Request, job *models.Job) {
	switch r.Method {
	case http.MethodGet:
		WriteJSON(w, http.StatusOK, job)

	case http.MethodPost, http.MethodPut:
		id := job.ID
		if !DecodeJSON(w, r, job) {
			return
		}
		job.ID = id
		if err := h.storage.JobStorage().SaveJob(r.Context(), job); err != nil {
			WriteStorageError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, job)

	case http.MethodDelete:
		h.deleteJob(w, r, job)

	default:
		MethodNotAllowed(w)
	}
}

// deleteJob marks the job to_be_deleted and routes every task through the
// dispatcher, which stops assigned work on agents and removes the job once
// the last task is gone. A job with no tasks is removed immediately.
func (h *JobHandler) deleteJob(w http.ResponseWriter, r *http.Request, job *models.Job) {
	job.ToBeDeleted = true
	if err := h.storage.JobStorage().SaveJob(r.Context(), job); err != nil {
		WriteStorageError(w, err)
		return
	}

	tasks, err := h.storage.TaskStorage().TasksByJob(r.Context(), job.ID)
	if err != nil {
		WriteStorageError(w, err)
		return
	}
	if len(tasks) == 0 {
		if err := h.storage.JobStorage().DeleteJob(r.Context(), job.ID); err != nil {
			WriteStorageError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
		return
	}

	for _, task := range tasks {
		if err := h.dispatcher.DeleteTask(r.Context(), task.ID); err != nil {
			h.logger.Warn().Err(err).
				Int64("job_id", int64(job.ID)).
				Int64("task_id", int64(task.ID)).
				Msg("Failed to delete task")
		}
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *JobHandler) handleJobTasks(w http.ResponseWriter, r *http.Request, job *models.Job) {
	if r.Method != http.MethodGet {
		MethodNotAllowed(w)
		return
	}
	tasks, err := h.storage.TaskStorage().TasksByJob(r.Context(), job.ID)
	if err != nil {
		WriteStorageError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, tasks)
}

// taskUpdate is a state report for one task, normally posted by the agent
// executing it.
type taskUpdate struct {
	State     *models.WorkState `json:"state,omitempty"`
	LastError string            `json:"last_error,omitempty"`
	AgentID   string            `json:"agent_id,omitempty"`

	// LogIdentifier associates a log file with the task's current attempt.
	LogIdentifier string `json:"log_identifier,omitempty"`
	Attempt       *int   `json:"attempt,omitempty"`
}

func (h *JobHandler) handleTask(w http.ResponseWriter, r *http.Request, job *models.Job, taskID uint64) {
	task, err := h.storage.TaskStorage().GetTask(r.Context(), taskID)
	if err != nil {
		WriteStorageError(w, err)
		return
	}
	if task.JobID != job.ID {
		WriteError(w, http.StatusNotFound, "task does not belong to this job")
		return
	}

	switch r.Method {
	case http.MethodGet:
		WriteJSON(w, http.StatusOK, task)

	case http.MethodPost, http.MethodPut:
		h.updateTask(w, r, task)

	case http.MethodDelete:
		if err := h.dispatcher.DeleteTask(r.Context(), taskID); err != nil {
			WriteStorageError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)

	default:
		MethodNotAllowed(w)
	}
}

func (h *JobHandler) updateTask(w http.ResponseWriter, r *http.Request, task *models.Task) {
	var update taskUpdate
	if !DecodeJSON(w, r, &update) {
		return
	}
	ctx := r.Context()

	if update.AgentID != "" {
		h.touchAgent(r, update.AgentID)
	}

	if update.LogIdentifier != "" {
		attempt := task.Attempts
		if update.Attempt != nil {
			attempt = *update.Attempt
		}
		if err := h.associateLog(r, task, update.LogIdentifier, update.AgentID, attempt); err != nil {
			WriteStorageError(w, err)
			return
		}
	}

	if update.State == nil {
		WriteJSON(w, http.StatusOK, task)
		return
	}

	res, err := h.storage.TaskStorage().ApplyStateChange(ctx, task.ID, *update.State, update.LastError)
	if err != nil {
		WriteStorageError(w, err)
		return
	}

	h.publish(r, interfaces.EventTaskStateChanged, map[string]interface{}{
		"task_id": res.Task.ID,
		"job_id":  res.Task.JobID,
		"state":   string(res.Task.State),
	})

	if res.JobCompleted {
		h.logger.Info().
			Int64("job_id", int64(res.Job.ID)).
			Str("state", string(res.Job.State)).
			Msg("Job completed")
		h.publish(r, interfaces.EventJobCompleted, map[string]interface{}{
			"job":       res.Job,
			"job_id":    res.Job.ID,
			"succeeded": res.Job.State == models.WorkStateDone,
		})
	}

	WriteJSON(w, http.StatusOK, res.Task)
}

// associateLog links the named log file to the task attempt, creating the
// log row when this is the first report of the identifier.
func (h *JobHandler) associateLog(r *http.Request, task *models.Task, identifier, agentID string, attempt int) error {
	ctx := r.Context()
	log, err := h.storage.TaskLogStorage().GetLogByIdentifier(ctx, identifier)
	if err == interfaces.ErrNotFound {
		log = &models.TaskLog{
			Identifier: identifier,
			AgentID:    agentID,
			CreatedOn:  time.Now().UTC(),
		}
		if cerr := h.storage.TaskLogStorage().CreateLog(ctx, log); cerr != nil {
			return cerr
		}
	} else if err != nil {
		return err
	}
	return h.storage.TaskLogStorage().Associate(ctx, task.ID, attempt, log.ID)
}

// touchAgent refreshes last_heard_from on state reports that carry the
// reporting agent's id.
func (h *JobHandler) touchAgent(r *http.Request, agentID string) {
	agent, err := h.storage.AgentStorage().GetAgent(r.Context(), agentID)
	if err != nil {
		return
	}
	agent.LastHeardFrom = time.Now().UTC()
	if err := h.storage.AgentStorage().SaveAgent(r.Context(), agent); err != nil {
		h.logger.Debug().Err(err).Str("agent_id", agentID).Msg("Failed to refresh agent heartbeat")
	}
}

func (h *JobHandler) publish(r *http.Request, eventType interfaces.EventType, payload map[string]interface{}) {
	if h.events == nil {
		return
	}
	h.events.Publish(r.Context(), interfaces.Event{Type: eventType, Payload: payload})
}
