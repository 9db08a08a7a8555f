// Package agentclient is the in-container half of the dispatch contract.
// An agent process reads its task from the environment the dispatcher
// set, does its work, and reports the outcome back to the kernel's
// completion callback with a token that makes delivery retries safe.
package agentclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/manthysbr/forgeOS/internal/core/domain"
)

// Environment variables the docker dispatcher sets on agent containers.
const (
	EnvTask        = "FORGE_TASK"
	EnvSessionKey  = "FORGE_SESSION_KEY"
	EnvOperationID = "FORGE_OPERATION_ID"
	EnvCallbackURL = "FORGE_CALLBACK_URL"
)

const (
	defaultTimeout  = 30 * time.Second
	defaultAttempts = 5
	retryBackoff    = 2 * time.Second
)

var ErrNoTask = fmt.Errorf("%s is not set", EnvTask)

// Client reports completion outcomes to the kernel.
type Client struct {
	baseURL     string
	operationID domain.OperationID
	sessionKey  string
	httpClient  *http.Client
	attempts    int
	backoff     time.Duration
}

// Ack is the kernel's answer to a completion report. Duplicate+Noop means
// the report had already been absorbed; the agent treats it as success.
type Ack struct {
	Success        bool `json:"success"`
	Duplicate      bool `json:"duplicate"`
	Noop           bool `json:"noop"`
	NextStageIndex *int `json:"next_stage_index,omitempty"`
}

// FromEnv builds a client and decodes the task from the container
// environment the dispatcher populated.
func FromEnv() (*Client, *domain.AgentTask, error) {
	raw := os.Getenv(EnvTask)
	if raw == "" {
		return nil, nil, ErrNoTask
	}

	var task domain.AgentTask
	if err := json.Unmarshal([]byte(raw), &task); err != nil {
		return nil, nil, fmt.Errorf("failed to decode %s: %w", EnvTask, err)
	}

	callback := os.Getenv(EnvCallbackURL)
	if callback == "" {
		return nil, nil, fmt.Errorf("%s is not set", EnvCallbackURL)
	}

	opID := domain.OperationID(os.Getenv(EnvOperationID))
	if opID == "" {
		opID = task.OperationID
	}

	return New(callback, opID, os.Getenv(EnvSessionKey)), &task, nil
}

// New builds a client for one operation against the kernel at baseURL.
func New(baseURL string, operationID domain.OperationID, sessionKey string) *Client {
	return &Client{
		baseURL:     baseURL,
		operationID: operationID,
		sessionKey:  sessionKey,
		httpClient:  &http.Client{Timeout: defaultTimeout},
		attempts:    defaultAttempts,
		backoff:     retryBackoff,
	}
}

// SessionKey returns the session key the dispatcher assigned, if any.
func (c *Client) SessionKey() string {
	return c.sessionKey
}

// Report delivers a completion report. One token is minted for the whole
// call and reused across delivery retries, so a network failure after the
// kernel applied the report replays as a no-op instead of a double
// transition. Non-2xx answers other than 400 are retried with backoff.
func (c *Client) Report(ctx context.Context, report domain.CompletionReport) (*Ack, error) {
	payload, err := json.Marshal(struct {
		domain.CompletionReport
		CompletionToken string `json:"completion_token"`
	}{
		CompletionReport: report,
		CompletionToken:  uuid.NewString(),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode report: %w", err)
	}

	url := fmt.Sprintf("%s/v1/operations/%s/complete", c.baseURL, c.operationID)

	var lastErr error
	for attempt := 0; attempt < c.attempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(c.backoff):
			}
		}

		ack, retryable, err := c.deliver(ctx, url, payload)
		if err == nil {
			return ack, nil
		}
		if !retryable {
			return nil, err
		}
		lastErr = err
	}
	return nil, fmt.Errorf("completion report not delivered after %d attempts: %w", c.attempts, lastErr)
}

func (c *Client) deliver(ctx context.Context, url string, payload []byte) (*Ack, bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, false, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, true, err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		var ack Ack
		if err := json.NewDecoder(resp.Body).Decode(&ack); err != nil {
			return nil, false, fmt.Errorf("failed to decode ack: %w", err)
		}
		return &ack, false, nil
	case resp.StatusCode == http.StatusBadRequest:
		// Malformed report; retrying the same bytes cannot help.
		return nil, false, fmt.Errorf("kernel rejected report: %s", resp.Status)
	default:
		return nil, true, fmt.Errorf("completion callback answered %s", resp.Status)
	}
}
