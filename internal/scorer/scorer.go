// Package scorer is the client for the external paper-evaluation
// service that grades a student's answers against a question paper and
// answer key.
package scorer

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/pavelanni/gradescan/internal/model"
)

// ErrUnauthorized reports that the scoring service rejected the API
// key. Retrying cannot help; the deployment is misconfigured.
var ErrUnauthorized = errors.New("scoring service rejected credentials")

// Scorer grades one student's submission for one test.
type Scorer interface {
	Score(ctx context.Context, req Request) (*model.EvaluationPayload, error)
}

// DocumentRef points the scorer at a test-level document.
type DocumentRef struct {
	URL   string `json:"url"`
	Topic string `json:"topic,omitempty"`
}

// AnswerRef points the scorer at the student's submission. ZipURL is
// set when the submission was a PDF converted into a page archive.
type AnswerRef struct {
	URL    string `json:"url"`
	ZipURL string `json:"zip_url,omitempty"`
}

// StudentInfo is the display identity the scorer echoes back in remarks.
type StudentInfo struct {
	ExternalID string `json:"external_id"`
	Name       string `json:"name"`
	ClassName  string `json:"class_name,omitempty"`
}

// Request is the scoring contract.
type Request struct {
	QuestionPaper DocumentRef `json:"questionPaper"`
	AnswerKey     DocumentRef `json:"answerKey"`
	StudentAnswer AnswerRef   `json:"studentAnswer"`
	StudentInfo   StudentInfo `json:"studentInfo"`
	TestID        int64       `json:"testId"`
	RetryAttempt  int         `json:"retryAttempt"`
}

// Client calls the scoring service over HTTP.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

// New creates a scoring client. The HTTP client carries no timeout of
// its own: scoring a long submission is slow and the caller's context
// bounds each call.
func New(baseURL, apiKey string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		http:    &http.Client{},
	}
}

// Score submits the documents for grading and returns the scorer's
// per-question results and summary.
func (c *Client) Score(ctx context.Context, req Request) (*model.EvaluationPayload, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encode scoring request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/evaluate", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build scoring request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)

	start := time.Now()
	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("scoring call: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return nil, fmt.Errorf("%w (%s)", ErrUnauthorized, readErrorBody(resp))
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("scoring service: %s", readErrorBody(resp))
	}

	var payload model.EvaluationPayload
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("decode scoring response: %w", err)
	}
	if payload.Summary == nil {
		return nil, fmt.Errorf("scoring response has no summary")
	}

	slog.Info("scored submission",
		"test_id", req.TestID,
		"student", req.StudentInfo.ExternalID,
		"total", payload.Summary.TotalScore,
		"took", time.Since(start).Round(time.Millisecond))
	return &payload, nil
}

// Ping checks that the scoring service is reachable.
func (c *Client) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("scoring service unreachable: %w", err)
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return fmt.Errorf("scoring service health: %w", ErrUnauthorized)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("scoring service health: status %d", resp.StatusCode)
	}
	return nil
}

func readErrorBody(resp *http.Response) string {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	var apiErr struct {
		Message string `json:"message"`
		Error   string `json:"error"`
	}
	if json.Unmarshal(body, &apiErr) == nil {
		if apiErr.Message != "" {
			return fmt.Sprintf("status %d: %s", resp.StatusCode, apiErr.Message)
		}
		if apiErr.Error != "" {
			return fmt.Sprintf("status %d: %s", resp.StatusCode, apiErr.Error)
		}
	}
	return fmt.Sprintf("status %d", resp.StatusCode)
}
