package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/farmd/internal/common"
	"github.com/ternarybob/farmd/internal/dispatch"
	"github.com/ternarybob/farmd/internal/interfaces"
	"github.com/ternarybob/farmd/internal/models"
	"github.com/ternarybob/farmd/internal/services/events"
	badgerstore "github.com/ternarybob/farmd/internal/storage/badger"
)

type testEnv struct {
	storage    interfaces.StorageManager
	dispatcher interfaces.Dispatcher
	events     interfaces.EventService
	config     *common.Config

	agents   *AgentHandler
	jobs     *JobHandler
	queues   *JobQueueHandler
	tags     *TagHandler
	software *SoftwareHandler
	jobtypes *JobTypeHandler
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	logger := arbor.NewLogger()

	storage, err := badgerstore.NewManager(logger, &common.BadgerConfig{Path: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { storage.Close() })

	config := common.DefaultConfig()
	client := dispatch.NewClient(&config.Agents, logger)
	eventService := events.NewService(logger)
	dispatcher := dispatch.NewDispatcher(storage, client, eventService, logger)

	return &testEnv{
		storage:    storage,
		dispatcher: dispatcher,
		events:     eventService,
		config:     config,
		agents:     NewAgentHandler(storage, dispatcher, eventService, config, logger),
		jobs:       NewJobHandler(storage, dispatcher, eventService, logger),
		queues:     NewJobQueueHandler(storage, logger),
		tags:       NewTagHandler(storage, logger),
		software:   NewSoftwareHandler(storage, logger),
		jobtypes:   NewJobTypeHandler(storage, logger),
	}
}

func doJSON(t *testing.T, handler http.HandlerFunc, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	handler(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), v))
}

func TestAgentRegistrationCreatesThenUpdates(t *testing.T) {
	env := newTestEnv(t)

	body := map[string]interface{}{
		"hostname": "render01",
		"port":     5001,
		"cpus":     16,
		"ram":      32768,
	}

	rec := doJSON(t, env.agents.HandleAgents, http.MethodPost, "/api/v1/agents", body)
	require.Equal(t, http.StatusCreated, rec.Code)
	var first models.Agent
	decodeBody(t, rec, &first)
	require.NotEmpty(t, first.ID)

	body["cpus"] = 32
	rec = doJSON(t, env.agents.HandleAgents, http.MethodPost, "/api/v1/agents", body)
	require.Equal(t, http.StatusOK, rec.Code)
	var second models.Agent
	decodeBody(t, rec, &second)

	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, 32, second.CPUs)

	agents, err := env.storage.AgentStorage().ListAgents(context.Background())
	require.NoError(t, err)
	assert.Len(t, agents, 1)
}

func TestAgentRegistrationRejectsLoopback(t *testing.T) {
	env := newTestEnv(t)

	data, _ := json.Marshal(map[string]interface{}{"hostname": "render01", "port": 5001})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/agents", bytes.NewReader(data))
	req.RemoteAddr = "127.0.0.1:40000"
	rec := httptest.NewRecorder()
	env.agents.HandleAgents(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	env.config.Agents.AllowFromLoopback = true
	req = httptest.NewRequest(http.MethodPost, "/api/v1/agents", bytes.NewReader(data))
	req.RemoteAddr = "127.0.0.1:40000"
	rec = httptest.NewRecorder()
	env.agents.HandleAgents(rec, req)
	assert.Equal(t, http.StatusCreated, rec.Code)
}

func TestTagCreateIsIdempotent(t *testing.T) {
	env := newTestEnv(t)

	rec := doJSON(t, env.tags.HandleTags, http.MethodPost, "/api/v1/tags", map[string]string{"tag": "gpu"})
	require.Equal(t, http.StatusCreated, rec.Code)
	var first models.Tag
	decodeBody(t, rec, &first)

	rec = doJSON(t, env.tags.HandleTags, http.MethodPost, "/api/v1/tags", map[string]string{"tag": "gpu"})
	require.Equal(t, http.StatusOK, rec.Code)
	var second models.Tag
	decodeBody(t, rec, &second)

	assert.Equal(t, first.ID, second.ID)
}

func TestQueueDuplicateNameConflicts(t *testing.T) {
	env := newTestEnv(t)

	rec := doJSON(t, env.queues.HandleJobQueues, http.MethodPost, "/api/v1/jobqueues", map[string]interface{}{"name": "film"})
	require.Equal(t, http.StatusCreated, rec.Code)
	var queue models.JobQueue
	decodeBody(t, rec, &queue)
	assert.Equal(t, "/film", queue.FullPath)

	rec = doJSON(t, env.queues.HandleJobQueues, http.MethodPost, "/api/v1/jobqueues", map[string]interface{}{"name": "film"})
	assert.Equal(t, http.StatusConflict, rec.Code)

	var errBody map[string]string
	decodeBody(t, rec, &errBody)
	assert.Contains(t, errBody, "error")
}

func TestJobSubmissionGeneratesTasks(t *testing.T) {
	env := newTestEnv(t)

	rec := doJSON(t, env.jobs.HandleJobs, http.MethodPost, "/api/v1/jobs", map[string]interface{}{
		"title": "shot_010",
		"start": 1,
		"end":   5,
		"by":    2,
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	var job models.Job
	decodeBody(t, rec, &job)

	rec = doJSON(t, env.jobs.HandleJobRoutes, http.MethodGet, fmt.Sprintf("/api/v1/jobs/%d/tasks", job.ID), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var tasks []models.Task
	decodeBody(t, rec, &tasks)

	require.Len(t, tasks, 3)
	assert.Equal(t, 1.0, tasks[0].Frame)
	assert.Equal(t, 3.0, tasks[1].Frame)
	assert.Equal(t, 5.0, tasks[2].Frame)
}

func TestJobLookupByTitle(t *testing.T) {
	env := newTestEnv(t)

	rec := doJSON(t, env.jobs.HandleJobs, http.MethodPost, "/api/v1/jobs", map[string]interface{}{"title": "comp_v2"})
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = doJSON(t, env.jobs.HandleJobRoutes, http.MethodGet, "/api/v1/jobs/comp_v2", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var job models.Job
	decodeBody(t, rec, &job)
	assert.Equal(t, "comp_v2", job.Title)
}

func TestTaskStateReportRollsUpJob(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	rec := doJSON(t, env.jobs.HandleJobs, http.MethodPost, "/api/v1/jobs", map[string]interface{}{
		"title": "single",
		"start": 1,
		"end":   1,
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	var job models.Job
	decodeBody(t, rec, &job)

	tasks, err := env.storage.TaskStorage().TasksByJob(ctx, job.ID)
	require.NoError(t, err)
	require.Len(t, tasks, 1)

	path := fmt.Sprintf("/api/v1/jobs/%d/tasks/%d", job.ID, tasks[0].ID)

	rec = doJSON(t, env.jobs.HandleJobRoutes, http.MethodPost, path, map[string]interface{}{"state": "running"})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, env.jobs.HandleJobRoutes, http.MethodPost, path, map[string]interface{}{"state": "done"})
	require.Equal(t, http.StatusOK, rec.Code)

	reloaded, err := env.storage.JobStorage().GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.WorkStateDone, reloaded.State)
	assert.NotNil(t, reloaded.TimeFinished)
}

func TestTaskStateReportAssociatesLog(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	rec := doJSON(t, env.jobs.HandleJobs, http.MethodPost, "/api/v1/jobs", map[string]interface{}{
		"title": "logged",
		"start": 1,
		"end":   1,
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	var job models.Job
	decodeBody(t, rec, &job)

	tasks, err := env.storage.TaskStorage().TasksByJob(ctx, job.ID)
	require.NoError(t, err)

	path := fmt.Sprintf("/api/v1/jobs/%d/tasks/%d", job.ID, tasks[0].ID)
	rec = doJSON(t, env.jobs.HandleJobRoutes, http.MethodPost, path, map[string]interface{}{
		"state":          "running",
		"log_identifier": "log_abc123",
		"attempt":        1,
	})
	require.Equal(t, http.StatusOK, rec.Code)

	log, err := env.storage.TaskLogStorage().GetLogByIdentifier(ctx, "log_abc123")
	require.NoError(t, err)

	assocs, err := env.storage.TaskLogStorage().AssociationsByTask(ctx, tasks[0].ID)
	require.NoError(t, err)
	require.Len(t, assocs, 1)
	assert.Equal(t, log.ID, assocs[0].LogID)
	assert.Equal(t, 1, assocs[0].Attempt)
}

func TestJobDeleteRemovesJobAndTasks(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	rec := doJSON(t, env.jobs.HandleJobs, http.MethodPost, "/api/v1/jobs", map[string]interface{}{
		"title": "doomed",
		"start": 1,
		"end":   3,
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	var job models.Job
	decodeBody(t, rec, &job)

	rec = doJSON(t, env.jobs.HandleJobRoutes, http.MethodDelete, fmt.Sprintf("/api/v1/jobs/%d", job.ID), nil)
	require.Equal(t, http.StatusNoContent, rec.Code)

	_, err := env.storage.JobStorage().GetJob(ctx, job.ID)
	assert.ErrorIs(t, err, interfaces.ErrNotFound)
}

func TestSoftwareVersionsNested(t *testing.T) {
	env := newTestEnv(t)

	rec := doJSON(t, env.software.HandleSoftware, http.MethodPost, "/api/v1/software", map[string]string{"software": "blender"})
	require.Equal(t, http.StatusCreated, rec.Code)
	var sw models.Software
	decodeBody(t, rec, &sw)

	base := fmt.Sprintf("/api/v1/software/%d/versions", sw.ID)
	rec = doJSON(t, env.software.HandleSoftwareRoutes, http.MethodPost, base, map[string]interface{}{"version": "4.1"})
	require.Equal(t, http.StatusCreated, rec.Code)
	rec = doJSON(t, env.software.HandleSoftwareRoutes, http.MethodPost, base, map[string]interface{}{"version": "4.2"})
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = doJSON(t, env.software.HandleSoftwareRoutes, http.MethodGet, base, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var versions []models.SoftwareVersion
	decodeBody(t, rec, &versions)

	require.Len(t, versions, 2)
	assert.Less(t, versions[0].Rank, versions[1].Rank)
}

func TestJobTypeVersionLookup(t *testing.T) {
	env := newTestEnv(t)

	rec := doJSON(t, env.jobtypes.HandleJobTypes, http.MethodPost, "/api/v1/jobtypes", map[string]string{"name": "maya_render"})
	require.Equal(t, http.StatusCreated, rec.Code)
	var jt models.JobType
	decodeBody(t, rec, &jt)

	base := fmt.Sprintf("/api/v1/jobtypes/%d/versions", jt.ID)
	rec = doJSON(t, env.jobtypes.HandleJobTypeRoutes, http.MethodPost, base, map[string]interface{}{"max_batch": 4})
	require.Equal(t, http.StatusCreated, rec.Code)
	rec = doJSON(t, env.jobtypes.HandleJobTypeRoutes, http.MethodPost, base, map[string]interface{}{"max_batch": 8})
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = doJSON(t, env.jobtypes.HandleJobTypeRoutes, http.MethodGet, base+"/latest", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var latest models.JobTypeVersion
	decodeBody(t, rec, &latest)
	assert.Equal(t, 2, latest.Version)

	// Versions resolve by name in the path too.
	rec = doJSON(t, env.jobtypes.HandleJobTypeRoutes, http.MethodGet, "/api/v1/jobtypes/maya_render/versions/1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var v1 models.JobTypeVersion
	decodeBody(t, rec, &v1)
	assert.Equal(t, 1, v1.Version)
}

func TestErrorBodyShape(t *testing.T) {
	env := newTestEnv(t)

	rec := doJSON(t, env.jobs.HandleJobRoutes, http.MethodGet, "/api/v1/jobs/99999", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)

	var body map[string]string
	decodeBody(t, rec, &body)
	require.Len(t, body, 1)
	assert.NotEmpty(t, body["error"])
}

func TestSchemaEndpoints(t *testing.T) {
	env := newTestEnv(t)

	rec := doJSON(t, env.agents.HandleAgentRoutes, http.MethodGet, "/api/v1/agents/schema", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var schema map[string]string
	decodeBody(t, rec, &schema)
	assert.Equal(t, "UUID", schema["id"])

	rec = doJSON(t, env.jobs.HandleJobRoutes, http.MethodGet, "/api/v1/jobs/schema", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	decodeBody(t, rec, &schema)
	assert.Equal(t, "WorkStateEnum", schema["state"])
}
