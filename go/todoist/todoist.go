// Package todoist is the client for the Todoist REST API v2, the source side
// of the sync.
package todoist

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.skia.org/infra/go/skerr"
	"go.skia.org/infra/go/sklog"
	"go.skia.org/infra/go/util"

	"go.capsync.dev/sync/go/remote"
	"go.capsync.dev/sync/go/types"
)

// Client talks to the Todoist REST API. It keeps a cache of projects, since
// nearly every task operation needs the owning project; the reconciler clears
// the cache at the start of each sweep.
type Client struct {
	client        *http.Client
	baseURL       string
	token         string
	maxRetries    int
	retryInterval time.Duration

	mtx          sync.Mutex
	projectCache map[string]*types.Project
}

// NewClient returns a Client using the given http.Client for transport. The
// client makes a single attempt per call until WithRetries.
func NewClient(client *http.Client, baseURL, token string) *Client {
	return &Client{
		client:       client,
		baseURL:      baseURL,
		token:        token,
		projectCache: map[string]*types.Project{},
	}
}

// WithRetries makes each call retry transient failures (network errors, 429
// and 5xx responses) up to maxRetries extra attempts, backing off
// exponentially from interval. Permanent rejections fail immediately.
func (c *Client) WithRetries(maxRetries int, interval time.Duration) *Client {
	c.maxRetries = maxRetries
	c.retryInterval = interval
	return c
}

func (c *Client) backOff(ctx context.Context) backoff.BackOffContext {
	bo := backoff.NewExponentialBackOff()
	if c.retryInterval > 0 {
		bo.InitialInterval = c.retryInterval
	}
	return backoff.WithContext(backoff.WithMaxRetries(bo, uint64(c.maxRetries)), ctx)
}

// ClearCache drops the cached project list so the next lookup refetches.
func (c *Client) ClearCache() {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	c.projectCache = map[string]*types.Project{}
}

func (c *Client) do(ctx context.Context, method, path string, params url.Values, body, out interface{}) error {
	u := c.baseURL + path
	if len(params) > 0 {
		u += "?" + params.Encode()
	}
	var encoded []byte
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return skerr.Wrapf(err, "encoding request for %s %s", method, path)
		}
		encoded = b
	}
	attempt := func() error {
		var reqBody io.Reader
		if encoded != nil {
			reqBody = bytes.NewReader(encoded)
		}
		req, err := http.NewRequestWithContext(ctx, method, u, reqBody)
		if err != nil {
			return backoff.Permanent(skerr.Wrap(err))
		}
		req.Header.Set("Authorization", "Bearer "+c.token)
		if encoded != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		resp, err := c.client.Do(req)
		if err != nil {
			return skerr.Wrapf(err, "%s %s", method, path)
		}
		defer util.Close(resp.Body)
		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			b, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
			statusErr := &remote.StatusError{Method: method, Path: path, StatusCode: resp.StatusCode, Body: string(b)}
			if remote.Transient(resp.StatusCode) {
				return statusErr
			}
			return backoff.Permanent(statusErr)
		}
		if out != nil && resp.StatusCode != http.StatusNoContent {
			if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
				return backoff.Permanent(skerr.Wrapf(err, "decoding response of %s %s", method, path))
			}
		}
		return nil
	}
	return backoff.Retry(attempt, c.backOff(ctx))
}

// listPage is the envelope of a paginated list response. Older endpoints
// return a bare array instead; list() handles both.
type listPage struct {
	Results    json.RawMessage `json:"results"`
	NextCursor string          `json:"next_cursor"`
}

// list fetches a list endpoint, following the cursor until exhausted. Each
// page's items are appended to out via the decode callback.
func (c *Client) list(ctx context.Context, path string, params url.Values, decode func(raw json.RawMessage) error) error {
	if params == nil {
		params = url.Values{}
	}
	for {
		var raw json.RawMessage
		if err := c.do(ctx, http.MethodGet, path, params, nil, &raw); err != nil {
			return skerr.Wrap(err)
		}
		// A bare array is a single, final page.
		if len(raw) > 0 && raw[0] == '[' {
			return decode(raw)
		}
		var page listPage
		if err := json.Unmarshal(raw, &page); err != nil {
			return skerr.Wrapf(err, "decoding list page of %s", path)
		}
		if err := decode(page.Results); err != nil {
			return skerr.Wrap(err)
		}
		if page.NextCursor == "" {
			return nil
		}
		params.Set("cursor", page.NextCursor)
	}
}

// GetTask fetches a single task by id.
func (c *Client) GetTask(ctx context.Context, taskID string) (*types.Task, error) {
	task := &types.Task{}
	if err := c.do(ctx, http.MethodGet, "/tasks/"+taskID, nil, nil, task); err != nil {
		return nil, skerr.Wrap(err)
	}
	return task, nil
}

// ListTasks fetches active tasks matching the given filter expression, or
// all active tasks if the filter is empty.
func (c *Client) ListTasks(ctx context.Context, filter string) ([]*types.Task, error) {
	params := url.Values{}
	if filter != "" {
		params.Set("filter", filter)
	}
	var tasks []*types.Task
	err := c.list(ctx, "/tasks", params, func(raw json.RawMessage) error {
		var page []*types.Task
		if err := json.Unmarshal(raw, &page); err != nil {
			return skerr.Wrap(err)
		}
		tasks = append(tasks, page...)
		return nil
	})
	if err != nil {
		return nil, skerr.Wrap(err)
	}
	return tasks, nil
}

// ActiveTasksWithLabel fetches active tasks carrying the given label.
func (c *Client) ActiveTasksWithLabel(ctx context.Context, label string) ([]*types.Task, error) {
	tasks, err := c.ListTasks(ctx, "@"+label)
	if err != nil {
		return nil, skerr.Wrap(err)
	}
	// The filter matches display names; double-check so a stray task named
	// like the label cannot slip in.
	filtered := make([]*types.Task, 0, len(tasks))
	for _, t := range tasks {
		if t.HasLabel(label) {
			filtered = append(filtered, t)
		}
	}
	return filtered, nil
}

// CompletedTasksWithLabel fetches completed tasks carrying the given label,
// so late completions still mirror after the task leaves the active list.
func (c *Client) CompletedTasksWithLabel(ctx context.Context, label string) ([]*types.Task, error) {
	return c.ListTasks(ctx, fmt.Sprintf("@%s & is:completed", label))
}

// GetProject fetches a project by id, serving repeated lookups from the
// cache until ClearCache.
func (c *Client) GetProject(ctx context.Context, projectID string) (*types.Project, error) {
	c.mtx.Lock()
	cached, ok := c.projectCache[projectID]
	c.mtx.Unlock()
	if ok {
		return cached, nil
	}
	project := &types.Project{}
	if err := c.do(ctx, http.MethodGet, "/projects/"+projectID, nil, nil, project); err != nil {
		return nil, skerr.Wrap(err)
	}
	c.mtx.Lock()
	c.projectCache[projectID] = project
	c.mtx.Unlock()
	return project, nil
}

// ListProjects fetches all projects and refreshes the cache.
func (c *Client) ListProjects(ctx context.Context) ([]*types.Project, error) {
	var projects []*types.Project
	err := c.list(ctx, "/projects", nil, func(raw json.RawMessage) error {
		var page []*types.Project
		if err := json.Unmarshal(raw, &page); err != nil {
			return skerr.Wrap(err)
		}
		projects = append(projects, page...)
		return nil
	})
	if err != nil {
		return nil, skerr.Wrap(err)
	}
	c.mtx.Lock()
	for _, p := range projects {
		c.projectCache[p.ID] = p
	}
	c.mtx.Unlock()
	return projects, nil
}

// UpdateProjectName renames a project.
func (c *Client) UpdateProjectName(ctx context.Context, projectID, name string) (*types.Project, error) {
	project := &types.Project{}
	if err := c.do(ctx, http.MethodPost, "/projects/"+projectID, nil, map[string]string{"name": name}, project); err != nil {
		return nil, skerr.Wrap(err)
	}
	c.mtx.Lock()
	c.projectCache[projectID] = project
	c.mtx.Unlock()
	sklog.Infof("Renamed Todoist project %s to %q", projectID, name)
	return project, nil
}

// GetSection fetches a section by id.
func (c *Client) GetSection(ctx context.Context, sectionID string) (*types.Section, error) {
	section := &types.Section{}
	if err := c.do(ctx, http.MethodGet, "/sections/"+sectionID, nil, nil, section); err != nil {
		return nil, skerr.Wrap(err)
	}
	return section, nil
}

// ListComments fetches all comments on a task.
func (c *Client) ListComments(ctx context.Context, taskID string) ([]types.Comment, error) {
	params := url.Values{}
	params.Set("task_id", taskID)
	var comments []types.Comment
	err := c.list(ctx, "/comments", params, func(raw json.RawMessage) error {
		var page []types.Comment
		if err := json.Unmarshal(raw, &page); err != nil {
			return skerr.Wrap(err)
		}
		comments = append(comments, page...)
		return nil
	})
	if err != nil {
		return nil, skerr.Wrap(err)
	}
	return comments, nil
}

// CreateTaskArgs are the fields of a new task.
type CreateTaskArgs struct {
	Content     string   `json:"content"`
	Description string   `json:"description,omitempty"`
	ProjectID   string   `json:"project_id,omitempty"`
	Labels      []string `json:"labels,omitempty"`
	Priority    int      `json:"priority,omitempty"`
	DueDate     string   `json:"due_date,omitempty"`
}

// CreateTask creates a new task.
func (c *Client) CreateTask(ctx context.Context, args CreateTaskArgs) (*types.Task, error) {
	task := &types.Task{}
	if err := c.do(ctx, http.MethodPost, "/tasks", nil, args, task); err != nil {
		return nil, skerr.Wrap(err)
	}
	sklog.Infof("Created Todoist task %s: %q", task.ID, task.Content)
	return task, nil
}

// UpdateTaskArgs are the updatable task fields. Nil fields are untouched; a
// non-nil empty DueDate clears the due date.
type UpdateTaskArgs struct {
	Content     *string
	Description *string
	Priority    *int
	DueDate     *string
	Labels      *[]string
}

// UpdateTask applies the given changes to a task and returns the updated
// view.
func (c *Client) UpdateTask(ctx context.Context, taskID string, args UpdateTaskArgs) (*types.Task, error) {
	body := map[string]interface{}{}
	if args.Content != nil {
		body["content"] = *args.Content
	}
	if args.Description != nil {
		body["description"] = *args.Description
	}
	if args.Priority != nil {
		body["priority"] = *args.Priority
	}
	if args.DueDate != nil {
		if *args.DueDate == "" {
			body["due_string"] = "no date"
		} else {
			body["due_date"] = *args.DueDate
		}
	}
	if args.Labels != nil {
		body["labels"] = *args.Labels
	}
	if len(body) == 0 {
		return c.GetTask(ctx, taskID)
	}
	task := &types.Task{}
	if err := c.do(ctx, http.MethodPost, "/tasks/"+taskID, nil, body, task); err != nil {
		return nil, skerr.Wrap(err)
	}
	return task, nil
}

// CompleteTask marks a task complete.
func (c *Client) CompleteTask(ctx context.Context, taskID string) error {
	return skerr.Wrap(c.do(ctx, http.MethodPost, fmt.Sprintf("/tasks/%s/close", taskID), nil, nil, nil))
}

// ReopenTask reopens a completed task.
func (c *Client) ReopenTask(ctx context.Context, taskID string) error {
	return skerr.Wrap(c.do(ctx, http.MethodPost, fmt.Sprintf("/tasks/%s/reopen", taskID), nil, nil, nil))
}

// AddLabel adds a label to a task if it is not already present.
func (c *Client) AddLabel(ctx context.Context, task *types.Task, label string) (*types.Task, error) {
	if task.HasLabel(label) {
		return task, nil
	}
	labels := append(append([]string{}, task.Labels...), label)
	updated, err := c.UpdateTask(ctx, task.ID, UpdateTaskArgs{Labels: &labels})
	if err != nil {
		return nil, skerr.Wrap(err)
	}
	sklog.Infof("Added label %q to Todoist task %s", label, task.ID)
	return updated, nil
}

// RemoveLabel removes a label from a task, matching both the bare and
// "@"-prefixed forms.
func (c *Client) RemoveLabel(ctx context.Context, task *types.Task, label string) (*types.Task, error) {
	if !task.HasLabel(label) {
		return task, nil
	}
	labels := make([]string, 0, len(task.Labels))
	for _, l := range task.Labels {
		if l == label || l == "@"+label {
			continue
		}
		labels = append(labels, l)
	}
	updated, err := c.UpdateTask(ctx, task.ID, UpdateTaskArgs{Labels: &labels})
	if err != nil {
		return nil, skerr.Wrap(err)
	}
	return updated, nil
}
