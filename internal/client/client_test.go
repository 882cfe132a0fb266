package client

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	c, err := New(Config{BaseURL: srv.URL + "/", Token: "secret", Timeout: 5 * time.Second})
	require.NoError(t, err)
	return c
}

func TestNew(t *testing.T) {
	_, err := New(Config{})
	assert.Error(t, err)

	_, err = New(Config{BaseURL: "ftp://example.com"})
	assert.ErrorContains(t, err, "unsupported URL scheme")

	c, err := New(Config{BaseURL: "http://localhost:8080"})
	require.NoError(t, err)
	assert.Equal(t, 30*time.Second, c.http.Timeout)
	assert.Equal(t, "research-orchestrator-client/1.0", c.userAgent)
}

func TestStartStage(t *testing.T) {
	projectID := uuid.New()
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/api/v1/projects/"+projectID.String()+"/stages/discover", r.URL.Path)
		assert.Equal(t, "900", r.URL.Query().Get("deadline_seconds"))
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))

		body, _ := io.ReadAll(r.Body)
		assert.JSONEq(t, `{"max_results": 10}`, string(body))

		w.WriteHeader(http.StatusAccepted)
		_, _ = w.Write([]byte(`{"task_id":"t-1","task_type":"discover","status":"pending"}`))
	})

	started, err := c.StartStage(context.Background(), projectID, "discover", map[string]int{"max_results": 10}, 15*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, &StartedTask{TaskID: "t-1", TaskType: "discover", Status: "pending"}, started)
}

func TestStartStage_NoParams(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Empty(t, r.URL.RawQuery)
		assert.Empty(t, r.Header.Get("Content-Type"))
		body, _ := io.ReadAll(r.Body)
		assert.Empty(t, body)
		w.WriteHeader(http.StatusAccepted)
		_, _ = w.Write([]byte(`{"task_id":"t-2","task_type":"analyze","status":"pending"}`))
	})

	started, err := c.StartStage(context.Background(), uuid.New(), "analyze", nil, 0)
	require.NoError(t, err)
	assert.Equal(t, "analyze", started.TaskType)
}

func TestAPIErrors(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		header    map[string]string
		body      string
		wantErr   error
		wantMsg   string
		temporary bool
		retry     time.Duration
	}{
		{
			name:    "gate violation",
			status:  http.StatusConflict,
			body:    `{"error":"stage \"ideas\" not permitted"}`,
			wantErr: ErrConflict,
			wantMsg: `stage "ideas" not permitted`,
		},
		{
			name:      "rate limited",
			status:    http.StatusTooManyRequests,
			header:    map[string]string{"Retry-After": "12"},
			body:      `{"error":"rate limited"}`,
			wantErr:   ErrRateLimited,
			wantMsg:   "rate limited",
			temporary: true,
			retry:     12 * time.Second,
		},
		{
			name:    "unauthorized",
			status:  http.StatusUnauthorized,
			body:    `{"error":"missing or invalid bearer token"}`,
			wantErr: ErrUnauthorized,
			wantMsg: "missing or invalid bearer token",
		},
		{
			name:      "gateway without json body",
			status:    http.StatusBadGateway,
			body:      "<html>bad gateway</html>",
			wantErr:   ErrServer,
			wantMsg:   "Bad Gateway",
			temporary: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
				for k, v := range tt.header {
					w.Header().Set(k, v)
				}
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			})

			_, err := c.GetTask(context.Background(), uuid.New())
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.wantErr)

			var apiErr *APIError
			require.True(t, errors.As(err, &apiErr))
			assert.Equal(t, tt.status, apiErr.StatusCode)
			assert.Equal(t, tt.wantMsg, apiErr.Message)
			assert.Equal(t, tt.temporary, apiErr.Temporary())
			assert.Equal(t, tt.retry, apiErr.RetryAfter)
		})
	}
}

func TestCancelAndListTasks(t *testing.T) {
	taskID := uuid.New()
	projectID := uuid.New()
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodDelete:
			assert.Equal(t, "/api/v1/tasks/"+taskID.String(), r.URL.Path)
			_ = json.NewEncoder(w).Encode(CancelledTask{TaskID: taskID.String(), Status: StatusRunning, CancelRequested: true})
		case r.URL.Path == "/api/v1/tasks":
			q := r.URL.Query()
			assert.Equal(t, projectID.String(), q.Get("project_id"))
			assert.Equal(t, "pending,running", q.Get("status"))
			assert.Equal(t, "5", q.Get("page_size"))
			assert.Empty(t, q.Get("task_type"))
			_ = json.NewEncoder(w).Encode(TaskPage{Tasks: []Task{{TaskID: taskID.String()}}, TotalCount: 1})
		default:
			t.Errorf("unexpected request %s %s", r.Method, r.URL)
		}
	})

	cancelled, err := c.CancelTask(context.Background(), taskID)
	require.NoError(t, err)
	assert.True(t, cancelled.CancelRequested)
	assert.Equal(t, StatusRunning, cancelled.Status)

	page, err := c.ListTasks(context.Background(), ListOptions{
		ProjectID: projectID.String(),
		Statuses:  []string{StatusPending, StatusRunning},
		PageSize:  5,
	})
	require.NoError(t, err)
	assert.Equal(t, 1, page.TotalCount)
	require.Len(t, page.Tasks, 1)
}

func TestGetProject(t *testing.T) {
	projectID := uuid.New()
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/projects/"+projectID.String(), r.URL.Path)
		_, _ = w.Write([]byte(`{
			"project_id": "` + projectID.String() + `",
			"title": "GNN survey",
			"params": {"keywords": ["gnn"], "year_start": 2020},
			"current_step": "discovery",
			"next_stage": "analyze",
			"task_counts": {"completed": 1}
		}`))
	})

	p, err := c.GetProject(context.Background(), projectID)
	require.NoError(t, err)
	assert.Equal(t, "discovery", p.CurrentStep)
	assert.Equal(t, "analyze", p.NextStage)
	assert.Equal(t, []string{"gnn"}, p.Params.Keywords)
	assert.EqualValues(t, 1, p.TaskCounts["completed"])
}
