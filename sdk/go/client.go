package jobflowsdk

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Client is a minimal jobflow HTTP API client.
type Client struct {
	BaseURL     string
	BasePath    string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL:  baseURL,
		BasePath: "/v1",
		Timeout:  10 * time.Second,
	}
}

type StatusRef struct {
	Key   string `json:"key"`
	Label string `json:"label"`
	Color string `json:"color,omitempty"`
}

type TransitionView struct {
	ToStatus      StatusRef `json:"to_status"`
	RequiresNote  bool      `json:"requires_note"`
	RequiresParts bool      `json:"requires_parts"`
}

// LegalTransitions is the set of moves available to the caller.
type LegalTransitions struct {
	JobID       string           `json:"job_id"`
	StatusKey   string           `json:"status_key"`
	Version     int64            `json:"version"`
	Role        string           `json:"role"`
	Transitions []TransitionView `json:"transitions"`
}

type CommitResult struct {
	JobID        string   `json:"job_id"`
	FromStatus   string   `json:"from_status"`
	NewStatusKey string   `json:"new_status_key"`
	Version      int64    `json:"version"`
	HistoryID    int64    `json:"history_id"`
	AutoActions  []string `json:"auto_actions,omitempty"`
}

type Score struct {
	Score float64 `json:"score"`
	Note  string  `json:"note,omitempty"`
}

// EvaluationEntry scores one person. Set TotalScore to override the
// weighted average.
type EvaluationEntry struct {
	PersonnelID string           `json:"personnel_id"`
	EvaluatorID string           `json:"evaluator_id,omitempty"`
	Scores      map[string]Score `json:"scores,omitempty"`
	TotalScore  *float64         `json:"total_score,omitempty"`
}

type Evaluation struct {
	ID          string           `json:"id"`
	JobID       string           `json:"job_id"`
	PersonnelID string           `json:"personnel_id"`
	EvaluatorID string           `json:"evaluator_id"`
	Scores      map[string]Score `json:"scores"`
	TotalScore  float64          `json:"total_score"`
	ScoreMode   string           `json:"score_mode"`
	Month       int              `json:"month"`
	Year        int              `json:"year"`
}

type SubmitResult struct {
	Count       int          `json:"count"`
	Evaluations []Evaluation `json:"evaluations"`
}

type Stars struct {
	Filled int  `json:"filled"`
	Half   bool `json:"half"`
}

type RankedEntry struct {
	Rank            int     `json:"rank"`
	PersonnelID     string  `json:"personnel_id"`
	DisplayName     string  `json:"display_name"`
	TotalScore      float64 `json:"total_score"`
	EvaluationCount int     `json:"evaluation_count"`
	Stars           Stars   `json:"stars"`
}

type Leaderboard struct {
	Month   int           `json:"month"`
	Year    int           `json:"year"`
	Entries []RankedEntry `json:"entries"`
	Stats   struct {
		Count     int     `json:"count"`
		MeanScore float64 `json:"mean_score"`
	} `json:"stats"`
}

// APIError wraps non-2xx responses. Code and Message come from the error
// envelope when the body carries one.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Details    map[string]any
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s message=%s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// IsConflict reports whether err is a lost optimistic concurrency race.
func IsConflict(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusConflict
}

// Health pings the server.
func (c *Client) Health(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "health", nil, nil)
}

// LegalTransitions lists the statuses the caller may move a job to. role may
// be empty when the caller holds a single role.
func (c *Client) LegalTransitions(ctx context.Context, jobID, role string) (LegalTransitions, error) {
	endpoint := fmt.Sprintf("jobs/%s/transitions", url.PathEscape(jobID))
	if role != "" {
		endpoint += "?role=" + url.QueryEscape(role)
	}
	var resp LegalTransitions
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// CommitTransition moves a job. expectedVersion <= 0 skips the version pin.
func (c *Client) CommitTransition(ctx context.Context, jobID, toStatus, note string, expectedVersion int64) (CommitResult, error) {
	body := map[string]any{"to_status": toStatus}
	if note != "" {
		body["note"] = note
	}
	if expectedVersion > 0 {
		body["expected_version"] = expectedVersion
	}
	var resp CommitResult
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("jobs/%s/transitions", url.PathEscape(jobID)), body, &resp)
	return resp, err
}

// SubmitEvaluations records evaluations for a job's completion month.
func (c *Client) SubmitEvaluations(ctx context.Context, jobID string, month, year int, entries []EvaluationEntry) (SubmitResult, error) {
	body := map[string]any{"month": month, "year": year, "entries": entries}
	var resp SubmitResult
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("jobs/%s/evaluations", url.PathEscape(jobID)), body, &resp)
	return resp, err
}

// Leaderboard fetches the ranked StarScores for a month.
func (c *Client) Leaderboard(ctx context.Context, month, year int) (Leaderboard, error) {
	q := url.Values{}
	q.Set("month", strconv.Itoa(month))
	q.Set("year", strconv.Itoa(year))
	var resp Leaderboard
	err := c.do(ctx, http.MethodGet, "leaderboard?"+q.Encode(), nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	target := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, target, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return decodeError(resp.StatusCode, b)
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func decodeError(status int, b []byte) error {
	apiErr := &APIError{StatusCode: status, Body: string(b)}
	var env struct {
		Error struct {
			Code    string         `json:"code"`
			Message string         `json:"message"`
			Details map[string]any `json:"details"`
		} `json:"error"`
	}
	if json.Unmarshal(b, &env) == nil {
		apiErr.Code = env.Error.Code
		apiErr.Message = env.Error.Message
		apiErr.Details = env.Error.Details
	}
	return apiErr
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/") + "/" + strings.Trim(c.BasePath, "/")
}
