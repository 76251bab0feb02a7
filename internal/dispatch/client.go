package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/farmd/internal/common"
	"github.com/ternarybob/farmd/internal/interfaces"
	"github.com/ternarybob/farmd/internal/models"
)

// Client is the HTTP client for the agent protocol. Connection failures are
// retried with a fixed backoff up to the configured budget; every request
// carries the fixed User-Agent and a JSON content type.
type Client struct {
	http       *http.Client
	maxRetries int
	backoff    time.Duration
	logger     arbor.ILogger
}

// NewClient creates an agent client from the agents configuration.
func NewClient(config *common.AgentsConfig, logger arbor.ILogger) *Client {
	return &Client{
		http: &http.Client{
			Timeout: config.RequestTimeoutDuration(),
		},
		maxRetries: config.MaxRetries,
		backoff:    config.RetryBackoffDuration(),
		logger:     logger,
	}
}

// Assign POSTs one batch message. 200/201/202 succeed; 503 means the agent
// refuses work right now and surfaces as ErrAgentUnavailable.
func (c *Client) Assign(ctx context.Context, agent *models.Agent, msg *interfaces.AssignMessage) error {
	status, _, err := c.do(ctx, http.MethodPost, agent.BaseURL()+"/assign", msg)
	if err != nil {
		return err
	}
	switch status {
	case http.StatusOK, http.StatusCreated, http.StatusAccepted:
		return nil
	case http.StatusServiceUnavailable:
		return fmt.Errorf("%w: %s refused assignment", ErrAgentUnavailable, agent.Hostname)
	default:
		return fmt.Errorf("%w: POST /assign returned %d", ErrUnexpectedResponse, status)
	}
}

// ListTasks GETs the agent's current task list.
func (c *Client) ListTasks(ctx context.Context, agent *models.Agent) ([]interfaces.AgentTaskInfo, error) {
	status, body, err := c.do(ctx, http.MethodGet, agent.BaseURL()+"/tasks/", nil)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, fmt.Errorf("%w: GET /tasks/ returned %d", ErrUnexpectedResponse, status)
	}

	var infos []interfaces.AgentTaskInfo
	if err := json.Unmarshal(body, &infos); err != nil {
		return nil, fmt.Errorf("failed to decode agent task list: %w", err)
	}
	return infos, nil
}

// StopTask DELETEs a task on the agent. 404 counts as acceptance: the agent
// already dropped it.
func (c *Client) StopTask(ctx context.Context, agent *models.Agent, taskID uint64) error {
	url := fmt.Sprintf("%s/tasks/%d", agent.BaseURL(), taskID)
	status, _, err := c.do(ctx, http.MethodDelete, url, nil)
	if err != nil {
		return err
	}
	switch status {
	case http.StatusOK, http.StatusAccepted, http.StatusNoContent, http.StatusNotFound:
		return nil
	default:
		return fmt.Errorf("%w: DELETE /tasks/%d returned %d", ErrUnexpectedResponse, taskID, status)
	}
}

// Update POSTs an upgrade trigger.
func (c *Client) Update(ctx context.Context, agent *models.Agent, version string) error {
	body := map[string]string{"version": version}
	status, _, err := c.do(ctx, http.MethodPost, agent.BaseURL()+"/update", body)
	if err != nil {
		return err
	}
	switch status {
	case http.StatusOK, http.StatusAccepted:
		return nil
	default:
		return fmt.Errorf("%w: POST /update returned %d", ErrUnexpectedResponse, status)
	}
}

// do sends one request with retries on connection failure. Returns the
// status code and the response body, or ErrAgentUnreachable after the retry
// budget is exhausted.
func (c *Client) do(ctx context.Context, method, url string, payload interface{}) (int, []byte, error) {
	var body []byte
	if payload != nil {
		var err error
		body, err = json.Marshal(payload)
		if err != nil {
			return 0, nil, fmt.Errorf("failed to encode request body: %w", err)
		}
	}

	attempts := c.maxRetries
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		var reader io.Reader
		if body != nil {
			reader = bytes.NewReader(body)
		}
		req, err := http.NewRequestWithContext(ctx, method, url, reader)
		if err != nil {
			return 0, nil, fmt.Errorf("failed to build request: %w", err)
		}
		req.Header.Set("User-Agent", common.UserAgent())
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.http.Do(req)
		if err != nil {
			lastErr = err
			c.logger.Debug().Err(err).
				Str("url", url).
				Int("attempt", attempt).
				Msg("Agent request failed")
			if ctx.Err() != nil {
				break
			}
			if attempt < attempts {
				time.Sleep(c.backoff)
			}
			continue
		}

		respBody, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			return resp.StatusCode, nil, fmt.Errorf("failed to read agent response: %w", err)
		}
		return resp.StatusCode, respBody, nil
	}

	return 0, nil, fmt.Errorf("%w: %s after %d attempts: %v", ErrAgentUnreachable, url, attempts, lastErr)
}
