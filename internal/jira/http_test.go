package jira

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, routes map[string]http.HandlerFunc) *HTTPClient {
	t.Helper()

	mux := http.NewServeMux()
	for pattern, handler := range routes {
		mux.HandleFunc(pattern, handler)
	}
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)

	client, err := NewHTTPClient(Config{
		BaseURL:           server.URL,
		Username:          "bot",
		Token:             "secret",
		Project:           "LPD",
		RequestsPerSecond: 1000,
	})
	require.NoError(t, err)
	return client
}

func TestIssueStatus(t *testing.T) {
	client := newTestClient(t, map[string]http.HandlerFunc{
		"/rest/api/2/issue/LPD-123": func(w http.ResponseWriter, r *http.Request) {
			user, pass, _ := r.BasicAuth()
			assert.Equal(t, "bot", user)
			assert.Equal(t, "secret", pass)
			fmt.Fprint(w, `{"key": "LPD-123", "fields": {"status": {"name": "Open"}}}`)
		},
	})

	status, err := client.IssueStatus(context.Background(), "LPD-123")
	require.NoError(t, err)
	assert.Equal(t, "Open", status)
}

func TestSearchIssuesPaginates(t *testing.T) {
	calls := 0
	client := newTestClient(t, map[string]http.HandlerFunc{
		"/rest/api/2/search": func(w http.ResponseWriter, r *http.Request) {
			calls++
			var payload struct {
				StartAt int `json:"startAt"`
			}
			require.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
			if payload.StartAt == 0 {
				issues := make([]string, searchPageSize)
				for i := range issues {
					issues[i] = fmt.Sprintf(`{"key": "LPD-%d", "fields": {"status": {"name": "Open"}}}`, i+1)
				}
				out := `{"total": 101, "issues": [` + issues[0]
				for _, issue := range issues[1:] {
					out += "," + issue
				}
				out += `]}`
				fmt.Fprint(w, out)
				return
			}
			fmt.Fprint(w, `{"total": 101, "issues": [
				{"key": "LPD-999", "fields": {"status": {"name": "Open"}, "labels": ["hl_routine_tasks"]}}
			]}`)
		},
	})

	issues, err := client.SearchIssues(context.Background(), StaleRoutineTasksJQL)
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
	require.Len(t, issues, searchPageSize+1)
	assert.Equal(t, "LPD-999", issues[len(issues)-1].Key)
	assert.Equal(t, []string{"hl_routine_tasks"}, issues[len(issues)-1].Labels)
}

func TestCreateIssue(t *testing.T) {
	var captured map[string]any
	client := newTestClient(t, map[string]http.HandlerFunc{
		"/rest/api/2/issue": func(w http.ResponseWriter, r *http.Request) {
			require.NoError(t, json.NewDecoder(r.Body).Decode(&captured))
			w.WriteHeader(http.StatusCreated)
			fmt.Fprint(w, `{"key": "LPD-500"}`)
		},
	})

	issue, err := client.CreateIssue(context.Background(), CreateRequest{
		Epic:        "LPD-1",
		Summary:     "Investigate timeout...",
		Description: "body",
		Components:  []string{"Headless"},
		Labels:      []string{LabelRoutineTasks},
	})
	require.NoError(t, err)
	assert.Equal(t, "LPD-500", issue.Key)

	fields := captured["fields"].(map[string]any)
	assert.Equal(t, map[string]any{"key": "LPD"}, fields["project"])
	assert.Equal(t, map[string]any{"key": "LPD-1"}, fields["parent"])
	assert.Equal(t, []any{"hl_routine_tasks"}, fields["labels"])
}

func TestCloseIssueUsesClosedTransition(t *testing.T) {
	var transitioned map[string]any
	client := newTestClient(t, map[string]http.HandlerFunc{
		"/rest/api/2/issue/LPD-7/transitions": func(w http.ResponseWriter, r *http.Request) {
			if r.Method == http.MethodGet {
				fmt.Fprint(w, `{"transitions": [
					{"id": "11", "to": {"name": "In Progress"}},
					{"id": "31", "to": {"name": "Closed"}}
				]}`)
				return
			}
			require.NoError(t, json.NewDecoder(r.Body).Decode(&transitioned))
			w.WriteHeader(http.StatusNoContent)
		},
	})

	err := client.CloseIssue(context.Background(), "LPD-7", "abc123")
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"id": "31"}, transitioned["transition"])
	body, _ := json.Marshal(transitioned)
	assert.Contains(t, string(body), "abc123")
}

func TestCloseIssueNoTransition(t *testing.T) {
	client := newTestClient(t, map[string]http.HandlerFunc{
		"/rest/api/2/issue/LPD-8/transitions": func(w http.ResponseWriter, r *http.Request) {
			fmt.Fprint(w, `{"transitions": []}`)
		},
	})

	err := client.CloseIssue(context.Background(), "LPD-8", "abc")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no transition")
}
