package testray

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/headlessqa/triage/internal/types"
)

const defaultPageSize = 500

// Config holds HTTP client configuration.
type Config struct {
	// BaseURL is the Testray instance root (e.g.
	// "https://testray.example.com"). Required.
	BaseURL string

	// RoutineID is the routine all build/history queries are scoped to.
	// Required.
	RoutineID int64

	// ClientID and ClientSecret authenticate via the OAuth2
	// client-credentials grant. Required.
	ClientID     string
	ClientSecret string

	// RequestsPerSecond caps outgoing request rate. Default: 10.
	RequestsPerSecond float64

	// Timeout is the per-request timeout. Default: 30s.
	Timeout time.Duration
}

// Validate checks required fields.
func (c *Config) Validate() error {
	if c.BaseURL == "" {
		return fmt.Errorf("base url is required")
	}
	if c.RoutineID == 0 {
		return fmt.Errorf("routine id is required")
	}
	if c.ClientID == "" || c.ClientSecret == "" {
		return fmt.Errorf("client credentials are required")
	}
	return nil
}

// HTTPClient implements Client against the Testray REST APIs.
type HTTPClient struct {
	cfg     Config
	http    *http.Client
	limiter *rate.Limiter

	mu    sync.Mutex
	token string
}

var _ Client = (*HTTPClient)(nil)

// NewHTTPClient creates a Testray HTTP client. The OAuth token is fetched
// lazily on first use and refreshed after an authorization failure.
func NewHTTPClient(cfg Config) (*HTTPClient, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	rps := cfg.RequestsPerSecond
	if rps == 0 {
		rps = 10
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

func (c *HTTPClient) objectsURL(path string) string {
	return strings.TrimSuffix(c.cfg.BaseURL, "/") + "/o/c" + path
}

func (c *HTTPClient) restURL(path string) string {
	return strings.TrimSuffix(c.cfg.BaseURL, "/") + "/o/testray-rest/v1.0" + path
}

// ensureToken fetches an OAuth2 access token via the client-credentials
// grant.
func (c *HTTPClient) ensureToken(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.token != "" {
		return c.token, nil
	}

	tokenURL := strings.TrimSuffix(c.cfg.BaseURL, "/") + "/o/oauth2/token"
	form := url.Values{"grant_type": {"client_credentials"}}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, tokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return "", fmt.Errorf("failed to build token request: %w", err)
	}
	basic := base64.StdEncoding.EncodeToString([]byte(c.cfg.ClientID + ":" + c.cfg.ClientSecret))
	req.Header.Set("Authorization", "Basic "+basic)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("token request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", fmt.Errorf("token request returned %d: %s", resp.StatusCode, body)
	}

	var payload struct {
		AccessToken string `json:"access_token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return "", fmt.Errorf("failed to decode token response: %w", err)
	}
	if payload.AccessToken == "" {
		return "", fmt.Errorf("token response missing access_token")
	}
	c.token = payload.AccessToken
	return c.token, nil
}

// do performs one authenticated request and decodes the JSON response into
// out (when non-nil).
func (c *HTTPClient) do(ctx context.Context, method, rawURL string, body any, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}
	token, err := c.ensureToken(ctx)
	if err != nil {
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
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s failed: %w", method, rawURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized {
		// Token expired; drop it so the next call re-authenticates.
		c.mu.Lock()
		c.token = ""
		c.mu.Unlock()
	}
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

// getPaged iterates page/pageSize pagination until a short page.
func (c *HTTPClient) getPaged(ctx context.Context, baseURL string, handle func(json.RawMessage) error) error {
	sep := "?"
	if strings.Contains(baseURL, "?") {
		sep = "&"
	}
	for page := 1; ; page++ {
		pageURL := fmt.Sprintf("%s%spage=%d&pageSize=%d", baseURL, sep, page, defaultPageSize)
		var out struct {
			Items []json.RawMessage `json:"items"`
		}
		if err := c.do(ctx, http.MethodGet, pageURL, nil, &out); err != nil {
			return err
		}
		for _, item := range out.Items {
			if err := handle(item); err != nil {
				return err
			}
		}
		if len(out.Items) < defaultPageSize {
			return nil
		}
	}
}

func (c *HTTPClient) ListBuilds(ctx context.Context) ([]types.Build, error) {
	u := c.objectsURL(fmt.Sprintf(
		"/routines/%d/routineToBuilds?fields=dueDate,gitHash,name,id,importStatus,r_routineToBuilds_c_routineId,dateCreated&pageSize=-1",
		c.cfg.RoutineID))
	var out struct {
		Items []buildDTO `json:"items"`
	}
	if err := c.do(ctx, http.MethodGet, u, nil, &out); err != nil {
		return nil, fmt.Errorf("failed to list builds: %w", err)
	}

	builds := make([]types.Build, 0, len(out.Items))
	for _, dto := range out.Items {
		builds = append(builds, dto.toBuild())
	}
	sort.SliceStable(builds, func(i, j int) bool {
		return builds[i].DateCreated.After(builds[j].DateCreated)
	})
	return builds, nil
}

func (c *HTTPClient) Build(ctx context.Context, buildID int64) (*types.Build, error) {
	u := c.objectsURL(fmt.Sprintf(
		"/builds/%d?fields=dueDate,gitHash,name,id,importStatus,r_routineToBuilds_c_routineId,dateCreated", buildID))
	var dto buildDTO
	if err := c.do(ctx, http.MethodGet, u, nil, &dto); err != nil {
		return nil, fmt.Errorf("failed to fetch build %d: %w", buildID, err)
	}
	build := dto.toBuild()
	return &build, nil
}

func (c *HTTPClient) BuildTasks(ctx context.Context, buildID int64) ([]types.Task, error) {
	u := c.objectsURL(fmt.Sprintf("/builds/%d/buildToTasks?fields=id,name,dueStatus", buildID))
	var out struct {
		Items []taskDTO `json:"items"`
	}
	if err := c.do(ctx, http.MethodGet, u, nil, &out); err != nil {
		return nil, fmt.Errorf("failed to fetch tasks for build %d: %w", buildID, err)
	}
	tasks := make([]types.Task, 0, len(out.Items))
	for _, dto := range out.Items {
		tasks = append(tasks, dto.toTask(buildID))
	}
	return tasks, nil
}

func (c *HTTPClient) CreateTask(ctx context.Context, build *types.Build) (*types.Task, error) {
	payload := map[string]any{
		"name":                     build.Name,
		"r_buildToTasks_c_buildId": build.ID,
		"dueStatus":                statusPayload(string(types.TaskInAnalysis)),
	}
	var dto taskDTO
	if err := c.do(ctx, http.MethodPost, c.objectsURL("/tasks/"), payload, &dto); err != nil {
		return nil, fmt.Errorf("failed to create task for build %d: %w", build.ID, err)
	}
	task := dto.toTask(build.ID)
	return &task, nil
}

func (c *HTTPClient) CreateTestflow(ctx context.Context, taskID int64) error {
	if err := c.do(ctx, http.MethodPost, c.restURL(fmt.Sprintf("/testray-testflow/%d", taskID)), nil, nil); err != nil {
		return fmt.Errorf("failed to create testflow for task %d: %w", taskID, err)
	}
	return nil
}

func (c *HTTPClient) SetTaskStatus(ctx context.Context, taskID int64, status types.TaskStatus) error {
	if !status.IsValid() {
		return fmt.Errorf("invalid task status: %s", status)
	}
	payload := map[string]any{"dueStatus": statusPayload(string(status))}
	if err := c.do(ctx, http.MethodPatch, c.objectsURL(fmt.Sprintf("/tasks/%d", taskID)), payload, nil); err != nil {
		return fmt.Errorf("failed to set task %d status to %s: %w", taskID, status, err)
	}
	return nil
}

func (c *HTTPClient) TaskSubtasks(ctx context.Context, taskID int64) ([]types.Subtask, error) {
	u := c.objectsURL(fmt.Sprintf("/tasks/%d/taskToSubtasks?pageSize=-1", taskID))
	var out struct {
		Items []subtaskDTO `json:"items"`
	}
	if err := c.do(ctx, http.MethodGet, u, nil, &out); err != nil {
		return nil, fmt.Errorf("failed to fetch subtasks for task %d: %w", taskID, err)
	}
	subtasks := make([]types.Subtask, 0, len(out.Items))
	for _, dto := range out.Items {
		subtasks = append(subtasks, dto.toSubtask(taskID))
	}
	return subtasks, nil
}

func (c *HTTPClient) SetSubtaskStatus(ctx context.Context, subtaskID int64, issues string) error {
	payload := map[string]any{"dueStatus": statusPayload(string(types.SubtaskComplete))}
	if issues != "" {
		payload["issues"] = issues
	}
	if err := c.do(ctx, http.MethodPut, c.objectsURL(fmt.Sprintf("/subtasks/%d", subtaskID)), payload, nil); err != nil {
		return fmt.Errorf("failed to complete subtask %d: %w", subtaskID, err)
	}
	return nil
}

func (c *HTTPClient) SubtaskCaseResults(ctx context.Context, subtaskID int64) ([]types.CaseResult, error) {
	u := c.objectsURL(fmt.Sprintf(
		"/subtasks/%d/subtaskToCaseResults?fields=id,executionDate,errors,issues,dueStatus,duration,gitHash,r_caseToCaseResult_c_caseId,r_componentToCaseResult_c_componentId",
		subtaskID))
	var results []types.CaseResult
	err := c.getPaged(ctx, u, func(raw json.RawMessage) error {
		var dto caseResultDTO
		if err := json.Unmarshal(raw, &dto); err != nil {
			return fmt.Errorf("failed to decode case result: %w", err)
		}
		results = append(results, dto.toCaseResult())
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to fetch case results for subtask %d: %w", subtaskID, err)
	}
	return results, nil
}

func (c *HTTPClient) BatchUpdateCaseResults(ctx context.Context, updates []types.ResultUpdate) error {
	for _, update := range updates {
		payload := map[string]any{
			"dueStatus": statusPayload(string(update.Status)),
			"issues":    update.Issues,
		}
		u := c.objectsURL(fmt.Sprintf("/caseresults/%d", update.ResultID))
		if err := c.do(ctx, http.MethodPut, u, payload, nil); err != nil {
			return fmt.Errorf("batch update failed at result %d: %w", update.ResultID, err)
		}
	}
	return nil
}

func (c *HTTPClient) CaseHistory(ctx context.Context, caseID int64, statuses []types.ResultStatus) ([]types.HistoryEntry, error) {
	u := c.restURL(fmt.Sprintf("/testray-case-result-history/%d?testrayRoutineIds=%d", caseID, c.cfg.RoutineID))
	if len(statuses) > 0 {
		parts := make([]string, len(statuses))
		for i, s := range statuses {
			parts[i] = string(s)
		}
		u += "&status=" + strings.Join(parts, ",")
	}

	var entries []types.HistoryEntry
	err := c.getPaged(ctx, u, func(raw json.RawMessage) error {
		var dto historyDTO
		if err := json.Unmarshal(raw, &dto); err != nil {
			return fmt.Errorf("failed to decode history entry: %w", err)
		}
		entries = append(entries, dto.toHistoryEntry(caseID))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to fetch history for case %d: %w", caseID, err)
	}
	return entries, nil
}

func (c *HTTPClient) CaseInfo(ctx context.Context, caseID int64) (*types.Case, error) {
	var dto caseDTO
	if err := c.do(ctx, http.MethodGet, c.objectsURL(fmt.Sprintf("/cases/%d", caseID)), nil, &dto); err != nil {
		return nil, fmt.Errorf("failed to fetch case %d: %w", caseID, err)
	}

	info := &types.Case{
		ID:          dto.ID,
		Name:        dto.Name,
		ComponentID: int64(dto.ComponentID),
	}
	if dto.CaseTypeID != 0 {
		var typeDTO struct {
			Name string `json:"name"`
		}
		u := c.objectsURL(fmt.Sprintf("/casetypes/%d?fields=name", int64(dto.CaseTypeID)))
		if err := c.do(ctx, http.MethodGet, u, nil, &typeDTO); err != nil {
			return nil, fmt.Errorf("failed to resolve case type %d: %w", dto.CaseTypeID, err)
		}
		info.CaseType = typeDTO.Name
	}
	return info, nil
}

func (c *HTTPClient) ComponentName(ctx context.Context, componentID int64) (string, error) {
	var out struct {
		Name string `json:"name"`
	}
	u := c.objectsURL(fmt.Sprintf("/components/%d?fields=name", componentID))
	if err := c.do(ctx, http.MethodGet, u, nil, &out); err != nil {
		return "", fmt.Errorf("failed to fetch component %d: %w", componentID, err)
	}
	return out.Name, nil
}

func (c *HTTPClient) BuildCaseResults(ctx context.Context, buildID int64) ([]types.CaseResult, error) {
	u := c.objectsURL(fmt.Sprintf("/builds/%d/buildToCaseResult", buildID))
	var results []types.CaseResult
	err := c.getPaged(ctx, u, func(raw json.RawMessage) error {
		var dto caseResultDTO
		if err := json.Unmarshal(raw, &dto); err != nil {
			return fmt.Errorf("failed to decode case result: %w", err)
		}
		results = append(results, dto.toCaseResult())
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to fetch case results for build %d: %w", buildID, err)
	}
	return results, nil
}

func (c *HTTPClient) CaseTypeIDByName(ctx context.Context, name string) (int64, error) {
	u := c.objectsURL("/casetypes?fields=id,name&filter=" + url.QueryEscape(fmt.Sprintf("name eq '%s'", name)))
	var out struct {
		Items []struct {
			ID int64 `json:"id"`
		} `json:"items"`
	}
	if err := c.do(ctx, http.MethodGet, u, nil, &out); err != nil {
		return 0, fmt.Errorf("failed to look up case type %q: %w", name, err)
	}
	if len(out.Items) == 0 {
		return 0, nil
	}
	return out.Items[0].ID, nil
}

func (c *HTTPClient) CaseCountByType(ctx context.Context, buildID, caseTypeID int64) (int, error) {
	filter := url.QueryEscape(fmt.Sprintf("r_caseToCaseResult_c_case/r_caseTypeToCases_c_caseTypeId eq '%d'", caseTypeID))
	u := c.objectsURL(fmt.Sprintf("/builds/%d/buildToCaseResult?filter=%s&pageSize=1", buildID, filter))
	var out struct {
		TotalCount int `json:"totalCount"`
	}
	if err := c.do(ctx, http.MethodGet, u, nil, &out); err != nil {
		return 0, fmt.Errorf("failed to count case type %d in build %d: %w", caseTypeID, buildID, err)
	}
	return out.TotalCount, nil
}

func (c *HTTPClient) Autofill(ctx context.Context, fromBuildID, toBuildID int64) error {
	u := c.restURL(fmt.Sprintf("/testray-build-autofill/%d/%d", fromBuildID, toBuildID))
	if err := c.do(ctx, http.MethodPost, u, nil, nil); err != nil {
		return fmt.Errorf("autofill from build %d to %d failed: %w", fromBuildID, toBuildID, err)
	}
	return nil
}
