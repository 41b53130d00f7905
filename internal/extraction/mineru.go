// Package extraction turns an uploaded PDF into markdown and images using
// the MinerU v4 extraction API.
package extraction

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const DefaultBaseURL = "https://mineru.net/api/v4"

// Task states reported by MinerU.
const (
	StatePending    = "pending"
	StateRunning    = "running"
	StateConverting = "converting"
	StateDone       = "done"
	StateFailed     = "failed"
)

var ErrTimeout = errors.New("extraction task did not complete in time")

type TaskRequest struct {
	URL           string `json:"url"`
	IsOCR         bool   `json:"is_ocr"`
	EnableFormula bool   `json:"enable_formula"`
	EnableTable   bool   `json:"enable_table"`
	Language      string `json:"language"`
	ModelVersion  string `json:"model_version"`
	DataID        string `json:"data_id,omitempty"`
}

// NewTaskRequest returns the settings used for every book: OCR, formula and
// table recognition on, English, VLM model.
func NewTaskRequest(pdfURL, dataID string) TaskRequest {
	return TaskRequest{
		URL:           pdfURL,
		IsOCR:         true,
		EnableFormula: true,
		EnableTable:   true,
		Language:      "en",
		ModelVersion:  "vlm",
		DataID:        dataID,
	}
}

type Progress struct {
	ExtractedPages int    `json:"extracted_pages"`
	TotalPages     int    `json:"total_pages"`
	StartTime      string `json:"start_time,omitempty"`
}

type Task struct {
	TaskID     string   `json:"task_id"`
	DataID     string   `json:"data_id,omitempty"`
	State      string   `json:"state"`
	FullZipURL string   `json:"full_zip_url,omitempty"`
	ErrMsg     string   `json:"err_msg,omitempty"`
	Progress   Progress `json:"extract_progress"`
}

// Finished reports whether the task reached a terminal state.
func (t Task) Finished() bool {
	return t.State == StateDone || t.State == StateFailed
}

type envelope struct {
	Code    int             `json:"code"`
	Msg     string          `json:"msg"`
	TraceID string          `json:"trace_id"`
	Data    json.RawMessage `json:"data"`
}

// APIError is a non-zero code in a MinerU response envelope.
type APIError struct {
	Code int
	Msg  string
}

func (e *APIError) Error() string {
	msg := e.Msg
	if msg == "" {
		msg = "Unknown error"
	}
	return fmt.Sprintf("mineru api error %d: %s", e.Code, msg)
}

type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

func NewClient(baseURL, token string) *Client {
	if strings.TrimSpace(baseURL) == "" {
		baseURL = DefaultBaseURL
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		http:    &http.Client{Timeout: 30 * time.Second},
	}
}

// CreateTask submits a PDF URL and returns the MinerU task id.
func (c *Client) CreateTask(ctx context.Context, req TaskRequest) (string, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("marshal task request: %w", err)
	}
	var data struct {
		TaskID string `json:"task_id"`
	}
	if err := c.do(ctx, http.MethodPost, "/extract/task", bytes.NewReader(body), &data); err != nil {
		return "", fmt.Errorf("create task: %w", err)
	}
	if data.TaskID == "" {
		return "", fmt.Errorf("create task: response has no task_id")
	}
	return data.TaskID, nil
}

// Task fetches the current state of a task.
func (c *Client) Task(ctx context.Context, taskID string) (Task, error) {
	var task Task
	if err := c.do(ctx, http.MethodGet, "/extract/task/"+url.PathEscape(taskID), nil, &task); err != nil {
		return Task{}, fmt.Errorf("get task %s: %w", taskID, err)
	}
	return task, nil
}

// Wait polls until the task is done or failed. onProgress, when set, sees
// every polled state. ErrTimeout is returned once maxWait elapses.
func (c *Client) Wait(ctx context.Context, taskID string, poll, maxWait time.Duration, onProgress func(Task)) (Task, error) {
	if poll <= 0 {
		poll = 5 * time.Second
	}
	deadline := time.Now().Add(maxWait)
	ticker := time.NewTicker(poll)
	defer ticker.Stop()

	for {
		if maxWait > 0 && time.Now().After(deadline) {
			return Task{}, fmt.Errorf("%w: %s after %s", ErrTimeout, taskID, maxWait)
		}
		task, err := c.Task(ctx, taskID)
		if err != nil {
			return Task{}, err
		}
		if onProgress != nil {
			onProgress(task)
		}
		if task.Finished() {
			return task, nil
		}
		select {
		case <-ctx.Done():
			return Task{}, ctx.Err()
		case <-ticker.C:
		}
	}
}

// Download fetches the result archive. The zip URL is public, so no token is
// sent.
func (c *Client) Download(ctx context.Context, zipURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, zipURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build download request: %w", err)
	}
	client := &http.Client{Timeout: 5 * time.Minute, Transport: c.http.Transport}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("download result: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("download result: status %d", resp.StatusCode)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read result: %w", err)
	}
	return data, nil
}

func (c *Client) do(ctx context.Context, method, path string, body io.Reader, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("status %d: %s", resp.StatusCode, truncate(string(raw), 200))
	}
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	if env.Code != 0 {
		return &APIError{Code: env.Code, Msg: env.Msg}
	}
	if out == nil || len(env.Data) == 0 {
		return nil
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return fmt.Errorf("decode data: %w", err)
	}
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
