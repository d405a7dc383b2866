// Package config holds the runtime configuration of the capsync service.
package config

import (
	"context"
	"os"
	"time"

	"go.skia.org/infra/go/secret"
	"go.skia.org/infra/go/skerr"
)

const (
	// DefaultSyncTag marks a Todoist task as eligible for mirroring.
	DefaultSyncTag = "capsync"

	// DefaultInboxProjectName is the Todoist project that is never mirrored.
	DefaultInboxProjectName = "Inbox"

	DefaultTodoistBaseURL = "https://api.todoist.com/rest/v2"
	DefaultNotionBaseURL  = "https://api.notion.com/v1"

	DefaultMaxRetries      = 3
	DefaultRetryMultiplier = time.Second
	DefaultRequestTimeout  = 30 * time.Second
)

// Config is the full runtime configuration. Credentials are filled in from
// the environment or Secret Manager after the flag-driven fields are set.
type Config struct {
	// SyncTag is the label that gates mirroring. Stored and matched in its
	// bare form; the "@" display sigil is accepted on input.
	SyncTag string

	// InboxProjectName names the Todoist project excluded from all sync.
	InboxProjectName string

	TodoistBaseURL string
	NotionBaseURL  string

	// Credentials.
	TodoistToken         string
	NotionToken          string
	TodoistWebhookSecret string
	ReconcileBearer      string

	// Notion database ids. Areas and People are optional features.
	TasksDatabaseID    string
	ProjectsDatabaseID string
	AreasDatabaseID    string
	PeopleDatabaseID   string

	// Retry policy for the outbound clients: transient failures retry up to
	// MaxRetries extra attempts, backing off exponentially from
	// RetryMultiplier. RequestTimeout bounds each attempt.
	MaxRetries      int
	RetryMultiplier time.Duration
	RequestTimeout  time.Duration

	// Feature toggles.
	AutoLabelTasks      bool
	EnableReversePull   bool
	EnableReverseCreate bool
	AddBacklink         bool

	// AreaLabels is the closed vocabulary of PARA area labels.
	AreaLabels []string

	// PersonTagMarker prefixes Todoist labels that name a person.
	PersonTagMarker string
}

// New returns a Config with every default applied.
func New() *Config {
	return &Config{
		SyncTag:          DefaultSyncTag,
		InboxProjectName: DefaultInboxProjectName,
		TodoistBaseURL:   DefaultTodoistBaseURL,
		NotionBaseURL:    DefaultNotionBaseURL,
		MaxRetries:       DefaultMaxRetries,
		RetryMultiplier:  DefaultRetryMultiplier,
		RequestTimeout:   DefaultRequestTimeout,
		AutoLabelTasks:   true,
		AddBacklink:      true,
	}
}

// Validate returns an error describing the first missing required field.
// Missing credentials are startup-fatal; the optional Areas/People databases
// and the webhook secret (local dev only) may be empty.
func (c *Config) Validate() error {
	if c.SyncTag == "" {
		return skerr.Fmt("sync_tag is required")
	}
	if c.TodoistToken == "" {
		return skerr.Fmt("todoist API token is required")
	}
	if c.NotionToken == "" {
		return skerr.Fmt("notion API token is required")
	}
	if c.TasksDatabaseID == "" {
		return skerr.Fmt("tasks database id is required")
	}
	if c.ProjectsDatabaseID == "" {
		return skerr.Fmt("projects database id is required")
	}
	if c.MaxRetries <= 0 {
		return skerr.Fmt("max_retries must be positive, got %d", c.MaxRetries)
	}
	if c.RequestTimeout <= 0 {
		return skerr.Fmt("request_timeout must be positive, got %s", c.RequestTimeout)
	}
	return nil
}

// HasAreas returns true if the optional Areas database is configured.
func (c *Config) HasAreas() bool {
	return c.AreasDatabaseID != ""
}

// HasPeople returns true if the optional People database is configured.
func (c *Config) HasPeople() bool {
	return c.PeopleDatabaseID != ""
}

// LoadCredentialsFromEnv fills in any unset credential from the environment.
func (c *Config) LoadCredentialsFromEnv() {
	setIfEmpty(&c.TodoistToken, "TODOIST_API_TOKEN")
	setIfEmpty(&c.NotionToken, "NOTION_API_TOKEN")
	setIfEmpty(&c.TodoistWebhookSecret, "TODOIST_WEBHOOK_SECRET")
	setIfEmpty(&c.ReconcileBearer, "RECONCILE_BEARER_TOKEN")
}

// LoadCredentialsFromSecretManager fills in any unset credential from GCP
// Secret Manager, reading the latest version of each named secret in the
// given project.
func (c *Config) LoadCredentialsFromSecretManager(ctx context.Context, client secret.Client, project string) error {
	for _, s := range []struct {
		dst  *string
		name string
	}{
		{&c.TodoistToken, "capsync-todoist-token"},
		{&c.NotionToken, "capsync-notion-token"},
		{&c.TodoistWebhookSecret, "capsync-todoist-webhook-secret"},
		{&c.ReconcileBearer, "capsync-reconcile-bearer"},
	} {
		if *s.dst != "" {
			continue
		}
		value, err := client.Get(ctx, project, s.name, secret.VersionLatest)
		if err != nil {
			return skerr.Wrapf(err, "loading secret %s", s.name)
		}
		*s.dst = value
	}
	return nil
}

func setIfEmpty(dst *string, envVar string) {
	if *dst == "" {
		*dst = os.Getenv(envVar)
	}
}
