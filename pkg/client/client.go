// Package client is the Go consumer of the optimization API: it starts jobs
// and polls them to a terminal outcome on an adaptive interval.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"
)

// Status is one snapshot of a job as reported by the status endpoint.
type Status struct {
	Success        bool           `json:"success"`
	Status         string         `json:"status"`
	Progress       int            `json:"progress"`
	Stage          string         `json:"stage,omitempty"`
	Result         *Result        `json:"result,omitempty"`
	PartialResults *Result        `json:"partialResults,omitempty"`
	Error          string         `json:"error,omitempty"`
	ErrorCode      string         `json:"errorCode,omitempty"`
	State          map[string]any `json:"optimizationState,omitempty"`
}

// Result mirrors the optimization payload on the wire.
type Result struct {
	OptimizedContent string         `json:"optimizedContent"`
	Analysis         map[string]any `json:"analysis,omitempty"`
	Warnings         []string       `json:"warnings,omitempty"`
}

// StartRequest describes a job submission.
type StartRequest struct {
	CVID           string `json:"cvId,omitempty"`
	CVText         string `json:"cvText,omitempty"`
	JobDescription string `json:"jobDescription"`
	JobTitle       string `json:"jobTitle,omitempty"`
	Retry          bool   `json:"retry,omitempty"`
	ForceContinue  bool   `json:"forceContinue,omitempty"`
}

// StartResult is the dispatch acknowledgement.
type StartResult struct {
	JobID          string
	AlreadyRunning bool
}

// APIError is a non-2xx response decoded from the error envelope.
type APIError struct {
	StatusCode         int
	Message            string
	ErrorCode          string
	ServiceUnavailable bool
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api: %d %s", e.StatusCode, e.Message)
}

// RetryableDispatch reports whether a failed dispatch may still have started
// background work (or can reasonably be expected to succeed by waiting), so
// the caller should fall back to polling instead of giving up.
func RetryableDispatch(err error) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode == http.StatusTooManyRequests ||
			apiErr.StatusCode >= http.StatusInternalServerError ||
			apiErr.ServiceUnavailable
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// Client talks to the optimization API with a static bearer token.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

func New(baseURL, token string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		http:    httpClient,
	}
}

// Start submits a job and returns the acknowledged job id.
func (c *Client) Start(ctx context.Context, req StartRequest) (StartResult, error) {
	var ack struct {
		Success bool   `json:"success"`
		JobID   string `json:"jobId"`
		Message string `json:"message"`
	}
	if err := c.post(ctx, "/api/v1/optimize", req, &ack); err != nil {
		return StartResult{}, err
	}
	return StartResult{
		JobID:          ack.JobID,
		AlreadyRunning: strings.Contains(ack.Message, "already in progress"),
	}, nil
}

// JobRef identifies the job to poll: either JobID, or CVID plus the same
// JobDescription the job was started with.
type JobRef struct {
	JobID          string `json:"jobId,omitempty"`
	CVID           string `json:"cvId,omitempty"`
	JobDescription string `json:"jobDescription,omitempty"`
}

// ErrNoResultsYet is returned by Status when the server has no record for the
// ref. During polling this is transient, not a failure.
var ErrNoResultsYet = errors.New("no results yet")

// Status fetches one snapshot of the job.
func (c *Client) Status(ctx context.Context, ref JobRef) (Status, error) {
	var st Status
	err := c.post(ctx, "/api/v1/optimize/status", ref, &st)
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound {
		return Status{}, ErrNoResultsYet
	}
	if err != nil {
		return Status{}, err
	}
	return st, nil
}

func (c *Client) post(ctx context.Context, path string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		apiErr := &APIError{StatusCode: resp.StatusCode, Message: resp.Status}
		var envelope struct {
			Error              string `json:"error"`
			ErrorCode          string `json:"errorCode"`
			ServiceUnavailable bool   `json:"serviceUnavailable"`
		}
		if json.NewDecoder(resp.Body).Decode(&envelope) == nil && envelope.Error != "" {
			apiErr.Message = envelope.Error
			apiErr.ErrorCode = envelope.ErrorCode
			apiErr.ServiceUnavailable = envelope.ServiceUnavailable
		}
		return apiErr
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
