package jira

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/headlessqa/triage/internal/types"
)

const searchPageSize = 100

// Config holds tracker connection settings.
type Config struct {
	// BaseURL is the Jira instance root (e.g. "https://issues.example.com").
	BaseURL string

	// Username and Token authenticate via basic auth (API token).
	Username string
	Token    string

	// Project is the project key new issues are created in.
	Project string

	// RequestsPerSecond caps outgoing request rate. Default: 5.
	RequestsPerSecond float64

	// Timeout is the per-request timeout. Default: 30s.
	Timeout time.Duration
}

// Validate checks required fields.
func (c *Config) Validate() error {
	if c.BaseURL == "" {
		return fmt.Errorf("base url is required")
	}
	if c.Username == "" || c.Token == "" {
		return fmt.Errorf("credentials are required")
	}
	if c.Project == "" {
		return fmt.Errorf("project key is required")
	}
	return nil
}

// HTTPClient implements Client against the Jira REST v2 API.
type HTTPClient struct {
	cfg     Config
	http    *http.Client
	limiter *rate.Limiter
}

var _ Client = (*HTTPClient)(nil)

// NewHTTPClient creates a Jira HTTP client.
func NewHTTPClient(cfg Config) (*HTTPClient, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	rps := cfg.RequestsPerSecond
	if rps == 0 {
		rps = 5
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &HTTPClient{
		cfg:     cfg,
		http:    &http.Client{Timeout: timeout},
		limiter: rate.NewLimiter(rate.Limit(rps), 1),
	}, nil
}

func (c *HTTPClient) apiURL(path string) string {
	return strings.TrimSuffix(c.cfg.BaseURL, "/") + "/rest/api/2" + path
}

func (c *HTTPClient) do(ctx context.Context, method, rawURL string, body any, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}

	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request body: %w", err)
		}
		reader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, rawURL, reader)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.SetBasicAuth(c.cfg.Username, c.cfg.Token)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s failed: %w", method, rawURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%s %s returned %d: %s", method, rawURL, resp.StatusCode, snippet)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode %s response: %w", rawURL, err)
	}
	return nil
}

type issueDTO struct {
	Key    string `json:"key"`
	Fields struct {
		Summary string `json:"summary"`
		Status  struct {
			Name string `json:"name"`
		} `json:"status"`
		Labels     []string `json:"labels"`
		Components []struct {
			Name string `json:"name"`
		} `json:"components"`
	} `json:"fields"`
}

func (d issueDTO) toIssue() types.Issue {
	issue := types.Issue{
		Key:     d.Key,
		Summary: d.Fields.Summary,
		Status:  d.Fields.Status.Name,
		Labels:  d.Fields.Labels,
	}
	for _, comp := range d.Fields.Components {
		issue.Components = append(issue.Components, comp.Name)
	}
	return issue
}

func (c *HTTPClient) IssueStatus(ctx context.Context, key string) (string, error) {
	var dto issueDTO
	u := c.apiURL("/issue/" + key + "?fields=status")
	if err := c.do(ctx, http.MethodGet, u, nil, &dto); err != nil {
		return "", fmt.Errorf("failed to fetch issue %s: %w", key, err)
	}
	return dto.Fields.Status.Name, nil
}

func (c *HTTPClient) SearchIssues(ctx context.Context, jql string) ([]types.Issue, error) {
	var issues []types.Issue
	for startAt := 0; ; {
		payload := map[string]any{
			"jql":        jql,
			"startAt":    startAt,
			"maxResults": searchPageSize,
			"fields":     []string{"summary", "status", "labels", "components"},
		}
		var out struct {
			Issues []issueDTO `json:"issues"`
			Total  int        `json:"total"`
		}
		if err := c.do(ctx, http.MethodPost, c.apiURL("/search"), payload, &out); err != nil {
			return nil, fmt.Errorf("search failed: %w", err)
		}
		for _, dto := range out.Issues {
			issues = append(issues, dto.toIssue())
		}
		startAt += len(out.Issues)
		if startAt >= out.Total || len(out.Issues) == 0 {
			return issues, nil
		}
	}
}

func (c *HTTPClient) CreateIssue(ctx context.Context, req CreateRequest) (*types.Issue, error) {
	fields := map[string]any{
		"project":     map[string]string{"key": c.cfg.Project},
		"issuetype":   map[string]string{"name": "Task"},
		"summary":     req.Summary,
		"description": req.Description,
	}
	if len(req.Labels) > 0 {
		fields["labels"] = req.Labels
	}
	if len(req.Components) > 0 {
		comps := make([]map[string]string, len(req.Components))
		for i, name := range req.Components {
			comps[i] = map[string]string{"name": name}
		}
		fields["components"] = comps
	}
	if req.Epic != "" {
		fields["parent"] = map[string]string{"key": req.Epic}
	}

	var out struct {
		Key string `json:"key"`
	}
	if err := c.do(ctx, http.MethodPost, c.apiURL("/issue"), map[string]any{"fields": fields}, &out); err != nil {
		return nil, fmt.Errorf("failed to create issue: %w", err)
	}
	return &types.Issue{
		Key:        out.Key,
		Summary:    req.Summary,
		Components: req.Components,
		Labels:     req.Labels,
	}, nil
}

func (c *HTTPClient) CloseIssue(ctx context.Context, key, buildHash string) error {
	transitionID, err := c.findCloseTransition(ctx, key)
	if err != nil {
		return err
	}

	comment := fmt.Sprintf("Closing: failure no longer reproduces as of build %s.", buildHash)
	payload := map[string]any{
		"transition": map[string]string{"id": transitionID},
		"update": map[string]any{
			"comment": []map[string]any{
				{"add": map[string]string{"body": comment}},
			},
		},
	}
	u := c.apiURL("/issue/" + key + "/transitions")
	if err := c.do(ctx, http.MethodPost, u, payload, nil); err != nil {
		return fmt.Errorf("failed to close issue %s: %w", key, err)
	}
	return nil
}

func (c *HTTPClient) findCloseTransition(ctx context.Context, key string) (string, error) {
	var out struct {
		Transitions []struct {
			ID string `json:"id"`
			To struct {
				Name string `json:"name"`
			} `json:"to"`
		} `json:"transitions"`
	}
	u := c.apiURL("/issue/" + key + "/transitions")
	if err := c.do(ctx, http.MethodGet, u, nil, &out); err != nil {
		return "", fmt.Errorf("failed to list transitions for %s: %w", key, err)
	}
	for _, tr := range out.Transitions {
		if tr.To.Name == types.IssueStatusClosed {
			return tr.ID, nil
		}
	}
	return "", fmt.Errorf("issue %s has no transition to %s", key, types.IssueStatusClosed)
}
