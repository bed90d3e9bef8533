// Package apiclient is the worker agent's HTTP/JSON client for the coordinator API,
// the worker-side counterpart to pkg/api. Grounded on the teacher's client package
// shape (a Client wrapping a connection, one method per RPC, a context timeout per
// call) with net/http in place of a grpc.ClientConn.
package apiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cuemby/crowdcompute/pkg/registry"
	"github.com/cuemby/crowdcompute/pkg/types"
)

const defaultTimeout = 10 * time.Second

// Client wraps the coordinator's HTTP API for worker-side use.
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient creates a Client pointed at the coordinator's base URL.
func NewClient(baseURL string) *Client {
	return &Client{baseURL: baseURL, http: &http.Client{Timeout: defaultTimeout}}
}

// ClaimedTask is a claimed task's worker-visible fields.
type ClaimedTask struct {
	TaskID          string            `json:"task_id"`
	JobID           string            `json:"job_id"`
	PluginKind      string            `json:"plugin_kind"`
	Inputs          []string          `json:"inputs"`
	ExpectedOutputs []string          `json:"expected_outputs"`
	Params          map[string]string `json:"params,omitempty"`
}

// ClaimTask asks the coordinator for the next pending task, returning (nil, nil) if
// none is available (HTTP 204).
func (c *Client) ClaimTask(ctx context.Context, workerID string) (*ClaimedTask, error) {
	body, err := json.Marshal(map[string]string{"worker_id": workerID})
	if err != nil {
		return nil, err
	}
	resp, err := c.do(ctx, http.MethodPost, "/tasks/claim", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNoContent {
		return nil, nil
	}
	if resp.StatusCode != http.StatusOK {
		return nil, errorFromResponse(resp)
	}
	var task ClaimedTask
	if err := json.NewDecoder(resp.Body).Decode(&task); err != nil {
		return nil, fmt.Errorf("decode claim response: %w", err)
	}
	return &task, nil
}

// Heartbeat extends the lease workerID holds on taskID.
func (c *Client) Heartbeat(ctx context.Context, workerID, taskID string) (registry.HeartbeatStatus, error) {
	body, _ := json.Marshal(map[string]string{"worker_id": workerID})
	resp, err := c.do(ctx, http.MethodPost, "/tasks/"+taskID+"/heartbeat", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", errorFromResponse(resp)
	}
	var out struct {
		Status registry.HeartbeatStatus `json:"status"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decode heartbeat response: %w", err)
	}
	return out.Status, nil
}

// ReportSuccess reports that taskID completed successfully, producing the given
// output names.
func (c *Client) ReportSuccess(ctx context.Context, workerID, taskID string, outputs []string) error {
	return c.report(ctx, workerID, taskID, reportTaskRequest{Success: true, Outputs: outputs})
}

// ReportFailure reports that taskID failed with errKind/detail.
func (c *Client) ReportFailure(ctx context.Context, workerID, taskID, errKind, detail string) error {
	return c.report(ctx, workerID, taskID, reportTaskRequest{Success: false, ErrorKind: errKind, Detail: detail})
}

type reportTaskRequest struct {
	WorkerID  string   `json:"worker_id"`
	Success   bool     `json:"success"`
	Outputs   []string `json:"outputs,omitempty"`
	ErrorKind string   `json:"error_kind,omitempty"`
	Detail    string   `json:"detail,omitempty"`
}

func (c *Client) report(ctx context.Context, workerID, taskID string, req reportTaskRequest) error {
	req.WorkerID = workerID
	body, err := json.Marshal(req)
	if err != nil {
		return err
	}
	resp, err := c.do(ctx, http.MethodPost, "/tasks/"+taskID+"/report", bytes.NewReader(body))
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return errorFromResponse(resp)
	}
	return nil
}

// DownloadArtifact fetches a finalized artifact's bytes.
func (c *Client) DownloadArtifact(ctx context.Context, jobID, name string) ([]byte, error) {
	resp, err := c.do(ctx, http.MethodGet, "/jobs/"+jobID+"/artifacts/"+name, nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, errorFromResponse(resp)
	}
	return io.ReadAll(resp.Body)
}

// UploadArtifact finalizes an artifact's bytes under (jobID, name).
func (c *Client) UploadArtifact(ctx context.Context, jobID, name string, data []byte) error {
	resp, err := c.do(ctx, http.MethodPut, "/jobs/"+jobID+"/artifacts/"+name, bytes.NewReader(data))
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return errorFromResponse(resp)
	}
	return nil
}

// GetJob fetches a job's current state and task summaries.
func (c *Client) GetJob(ctx context.Context, jobID string) (types.JobState, []types.TaskSummary, error) {
	resp, err := c.do(ctx, http.MethodGet, "/jobs/"+jobID, nil)
	if err != nil {
		return "", nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", nil, errorFromResponse(resp)
	}
	var out struct {
		State         types.JobState      `json:"state"`
		TaskSummaries []types.TaskSummary `json:"task_summaries"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", nil, fmt.Errorf("decode job response: %w", err)
	}
	return out.State, out.TaskSummaries, nil
}

func (c *Client) do(ctx context.Context, method, path string, body io.Reader) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("coordinator request: %w", err)
	}
	return resp, nil
}

func errorFromResponse(resp *http.Response) error {
	var body struct {
		Error string `json:"error"`
	}
	if json.NewDecoder(resp.Body).Decode(&body) == nil && body.Error != "" {
		return fmt.Errorf("coordinator returned %d: %s", resp.StatusCode, body.Error)
	}
	return fmt.Errorf("coordinator returned status %d", resp.StatusCode)
}
