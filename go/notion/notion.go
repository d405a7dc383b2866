// Package notion is the client for the Notion side of the sync: the Tasks,
// Projects and optional Areas/People databases.
package notion

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.skia.org/infra/go/skerr"
	"go.skia.org/infra/go/sklog"
	"go.skia.org/infra/go/util"

	"go.capsync.dev/sync/go/remote"
)

const (
	apiVersion = "2022-06-28"

	// maxPageSize is the Notion API's cap on query results per call.
	maxPageSize = 100
)

// Property names of the Tasks and Projects databases.
const (
	PropName      = "Name"
	PropTaskID    = "Todoist Task ID"
	PropProjectID = "Todoist Project ID"
	PropURL       = "Todoist URL"
	PropPriority  = "Priority"
	PropCompleted = "Completed"
	PropDueDate   = "Due Date"
	PropLabels    = "Labels"
	PropStatus    = "Status"
	PropProject   = "Project"
	PropAreas     = "AREAS"
	PropPeople    = "People"
	PropSection   = "Section"
	PropColor     = "Color"
	PropIsShared  = "Is Shared"
)

// Status values of the Projects database's Status select.
const (
	StatusActive   = "Active"
	StatusArchived = "Archived"
)

// Client talks to the Notion API.
type Client struct {
	client        *http.Client
	baseURL       string
	token         string
	maxRetries    int
	retryInterval time.Duration

	TasksDB    string
	ProjectsDB string
	AreasDB    string
	PeopleDB   string
}

// NewClient returns a Client using the given http.Client for transport. The
// client makes a single attempt per call until WithRetries.
func NewClient(client *http.Client, baseURL, token, tasksDB, projectsDB, areasDB, peopleDB string) *Client {
	return &Client{
		client:     client,
		baseURL:    baseURL,
		token:      token,
		TasksDB:    tasksDB,
		ProjectsDB: projectsDB,
		AreasDB:    areasDB,
		PeopleDB:   peopleDB,
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

func (c *Client) do(ctx context.Context, method, path string, body, out interface{}) error {
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
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
		if err != nil {
			return backoff.Permanent(skerr.Wrap(err))
		}
		req.Header.Set("Authorization", "Bearer "+c.token)
		req.Header.Set("Notion-Version", apiVersion)
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
		if out != nil {
			if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
				return backoff.Permanent(skerr.Wrapf(err, "decoding response of %s %s", method, path))
			}
		}
		return nil
	}
	return backoff.Retry(attempt, c.backOff(ctx))
}

// QueryResult is one page of database query results.
type QueryResult struct {
	Results    []Page `json:"results"`
	HasMore    bool   `json:"has_more"`
	NextCursor string `json:"next_cursor"`
}

// QueryDatabase runs a single database query call. filter may be nil;
// startCursor may be empty for the first page.
func (c *Client) QueryDatabase(ctx context.Context, databaseID string, filter map[string]interface{}, startCursor string) (*QueryResult, error) {
	body := map[string]interface{}{
		"page_size": maxPageSize,
	}
	if filter != nil {
		body["filter"] = filter
	}
	if startCursor != "" {
		body["start_cursor"] = startCursor
	}
	result := &QueryResult{}
	if err := c.do(ctx, http.MethodPost, fmt.Sprintf("/databases/%s/query", databaseID), body, result); err != nil {
		return nil, skerr.Wrap(err)
	}
	return result, nil
}

// QueryAll runs a database query and follows the cursor until exhausted.
func (c *Client) QueryAll(ctx context.Context, databaseID string, filter map[string]interface{}) ([]Page, error) {
	var pages []Page
	cursor := ""
	for {
		result, err := c.QueryDatabase(ctx, databaseID, filter, cursor)
		if err != nil {
			return nil, skerr.Wrap(err)
		}
		pages = append(pages, result.Results...)
		if !result.HasMore {
			return pages, nil
		}
		cursor = result.NextCursor
	}
}

// CreatePage creates a page in the given database. children may be nil.
func (c *Client) CreatePage(ctx context.Context, databaseID string, properties map[string]Property, children []Block) (*Page, error) {
	body := map[string]interface{}{
		"parent":     map[string]string{"database_id": databaseID},
		"properties": properties,
	}
	if len(children) > 0 {
		body["children"] = children
	}
	page := &Page{}
	if err := c.do(ctx, http.MethodPost, "/pages", body, page); err != nil {
		return nil, skerr.Wrap(err)
	}
	sklog.Infof("Created Notion page %s in database %s", page.ID, databaseID)
	return page, nil
}

// UpdatePage patches the given properties of a page. Body content is never
// touched on update so manual edits in Notion survive.
func (c *Client) UpdatePage(ctx context.Context, pageID string, properties map[string]Property) (*Page, error) {
	body := map[string]interface{}{
		"properties": properties,
	}
	page := &Page{}
	if err := c.do(ctx, http.MethodPatch, "/pages/"+pageID, body, page); err != nil {
		return nil, skerr.Wrap(err)
	}
	return page, nil
}

// RetrievePage fetches a page by id.
func (c *Client) RetrievePage(ctx context.Context, pageID string) (*Page, error) {
	page := &Page{}
	if err := c.do(ctx, http.MethodGet, "/pages/"+pageID, nil, page); err != nil {
		return nil, skerr.Wrap(err)
	}
	return page, nil
}

// AppendBlocks appends content blocks to a page.
func (c *Client) AppendBlocks(ctx context.Context, pageID string, blocks []Block) error {
	body := map[string]interface{}{
		"children": blocks,
	}
	return skerr.Wrap(c.do(ctx, http.MethodPatch, fmt.Sprintf("/blocks/%s/children", pageID), body, nil))
}

// ArchivePage marks a page as archived.
func (c *Client) ArchivePage(ctx context.Context, pageID string) error {
	body := map[string]interface{}{
		"archived": true,
	}
	if err := c.do(ctx, http.MethodPatch, "/pages/"+pageID, body, nil); err != nil {
		return skerr.Wrap(err)
	}
	sklog.Infof("Archived Notion page %s", pageID)
	return nil
}

// findOne runs a filtered query and returns the first result, or nil if the
// query matched nothing.
func (c *Client) findOne(ctx context.Context, databaseID string, filter map[string]interface{}) (*Page, error) {
	result, err := c.QueryDatabase(ctx, databaseID, filter, "")
	if err != nil {
		return nil, skerr.Wrap(err)
	}
	if len(result.Results) == 0 {
		return nil, nil
	}
	return &result.Results[0], nil
}

// FindTaskByTodoistID returns the task page carrying the given Todoist task
// id, or nil if none exists.
func (c *Client) FindTaskByTodoistID(ctx context.Context, taskID string) (*Page, error) {
	return c.findOne(ctx, c.TasksDB, map[string]interface{}{
		"property":  PropTaskID,
		"rich_text": map[string]string{"equals": taskID},
	})
}

// FindProjectByTodoistID returns the project page carrying the given Todoist
// project id, or nil if none exists.
func (c *Client) FindProjectByTodoistID(ctx context.Context, projectID string) (*Page, error) {
	return c.findOne(ctx, c.ProjectsDB, map[string]interface{}{
		"property":  PropProjectID,
		"rich_text": map[string]string{"equals": projectID},
	})
}

// FindPageByTitle returns the first page in the database whose title equals
// the given string, or nil if none exists.
func (c *Client) FindPageByTitle(ctx context.Context, databaseID, title string) (*Page, error) {
	return c.findOne(ctx, databaseID, map[string]interface{}{
		"property": PropName,
		"title":    map[string]string{"equals": title},
	})
}

// TaskPagesEditedSince returns all task pages whose last_edited_time is on or
// after the given RFC 3339 timestamp.
func (c *Client) TaskPagesEditedSince(ctx context.Context, since string) ([]Page, error) {
	return c.QueryAll(ctx, c.TasksDB, map[string]interface{}{
		"timestamp": "last_edited_time",
		"last_edited_time": map[string]string{
			"on_or_after": since,
		},
	})
}

// TaskPagesMissingTaskID returns all task pages whose Todoist Task ID
// property is empty. These are candidates for create-from-Notion.
func (c *Client) TaskPagesMissingTaskID(ctx context.Context) ([]Page, error) {
	return c.QueryAll(ctx, c.TasksDB, map[string]interface{}{
		"property":  PropTaskID,
		"rich_text": map[string]interface{}{"is_empty": true},
	})
}

// AllTaskPages returns every page of the Tasks database.
func (c *Client) AllTaskPages(ctx context.Context) ([]Page, error) {
	return c.QueryAll(ctx, c.TasksDB, nil)
}

// AllPages returns every page of the given database.
func (c *Client) AllPages(ctx context.Context, databaseID string) ([]Page, error) {
	return c.QueryAll(ctx, databaseID, nil)
}
