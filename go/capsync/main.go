// capsync keeps Todoist tasks carrying the sync tag consistent with pages in
// a set of Notion databases: webhook-driven forward sync, a periodic
// reconcile sweep, and an optional reverse pull of Notion edits.
package main

import (
	"context"
	"flag"
	"net/http"
	"strings"

	"cloud.google.com/go/datastore"
	"cloud.google.com/go/pubsub"
	"go.skia.org/infra/go/auth"
	"go.skia.org/infra/go/cleanup"
	"go.skia.org/infra/go/common"
	"go.skia.org/infra/go/firestore"
	"go.skia.org/infra/go/httputils"
	"go.skia.org/infra/go/secret"
	"go.skia.org/infra/go/sklog"
	"go.skia.org/infra/go/util"

	"go.capsync.dev/sync/go/capsyncserver"
	"go.capsync.dev/sync/go/config"
	"go.capsync.dev/sync/go/ingest"
	"go.capsync.dev/sync/go/migrate"
	"go.capsync.dev/sync/go/notion"
	"go.capsync.dev/sync/go/queue"
	"go.capsync.dev/sync/go/reconciler"
	"go.capsync.dev/sync/go/resolver"
	"go.capsync.dev/sync/go/store"
	"go.capsync.dev/sync/go/store/fsstore"
	"go.capsync.dev/sync/go/store/memstore"
	"go.capsync.dev/sync/go/todoist"
	"go.capsync.dev/sync/go/worker"
)

var (
	local            = flag.Bool("local", false, "Running locally if true. As opposed to in production.")
	port             = flag.String("port", ":8000", "HTTP service address.")
	promPort         = flag.String("prom_port", ":20000", "Metrics service address (e.g., ':10110')")
	project          = flag.String("project", "capsync-prod", "The GCE project name.")
	fsInstance       = flag.String("fs_instance", "prod", "The Firestore instance, e.g. 'prod' or 'staging'.")
	topic            = flag.String("topic", "capsync-jobs", "The Pub/Sub topic carrying sync jobs.")
	useSecretManager = flag.Bool("use_secret_manager", false, "Load credentials from GCP Secret Manager instead of the environment.")

	syncTag          = flag.String("sync_tag", config.DefaultSyncTag, "The Todoist label gating sync.")
	inboxProjectName = flag.String("inbox_project_name", config.DefaultInboxProjectName, "The Todoist project excluded from sync.")
	tasksDB          = flag.String("tasks_database_id", "", "Notion Tasks database id.")
	projectsDB       = flag.String("projects_database_id", "", "Notion Projects database id.")
	areasDB          = flag.String("areas_database_id", "", "Notion Areas database id. Optional.")
	peopleDB         = flag.String("people_database_id", "", "Notion People database id. Optional.")
	areaLabels       = common.NewMultiStringFlag("area_label", nil, "A Todoist label naming a PARA area. Repeatable.")
	personTagMarker  = flag.String("person_tag_marker", "", "Prefix marking Todoist labels that name a person, e.g. '~'.")

	autoLabelTasks      = flag.Bool("auto_label_tasks", true, "Add/remove the sync tag automatically during reconcile.")
	enableReversePull   = flag.Bool("enable_reverse_pull", false, "Pull Notion edits back into Todoist during reconcile.")
	enableReverseCreate = flag.Bool("enable_reverse_create", false, "Create Todoist tasks from Notion pages without a task id.")
	addBacklink         = flag.Bool("add_backlink", true, "Append Notion page links to the Todoist task description.")
)

func configFromFlags() *config.Config {
	cfg := config.New()
	cfg.SyncTag = strings.TrimPrefix(*syncTag, "@")
	cfg.InboxProjectName = *inboxProjectName
	cfg.TasksDatabaseID = *tasksDB
	cfg.ProjectsDatabaseID = *projectsDB
	cfg.AreasDatabaseID = *areasDB
	cfg.PeopleDatabaseID = *peopleDB
	cfg.AreaLabels = *areaLabels
	cfg.PersonTagMarker = *personTagMarker
	cfg.AutoLabelTasks = *autoLabelTasks
	cfg.EnableReversePull = *enableReversePull
	cfg.EnableReverseCreate = *enableReverseCreate
	cfg.AddBacklink = *addBacklink
	return cfg
}

func main() {
	common.InitWithMust(
		"capsync",
		common.PrometheusOpt(promPort),
	)
	ctx := context.Background()

	cfg := configFromFlags()
	if *useSecretManager {
		secretClient, err := secret.NewClient(ctx)
		if err != nil {
			sklog.Fatalf("Could not create secret client: %s", err)
		}
		if err := cfg.LoadCredentialsFromSecretManager(ctx, secretClient, *project); err != nil {
			sklog.Fatalf("Could not load credentials: %s", err)
		}
		if err := secretClient.Close(); err != nil {
			sklog.Warningf("Failed to close secret client: %s", err)
		}
	} else {
		cfg.LoadCredentialsFromEnv()
	}
	if err := cfg.Validate(); err != nil {
		sklog.Fatalf("Invalid configuration: %s", err)
	}

	ts, err := auth.NewDefaultTokenSource(*local, auth.ScopeUserinfoEmail, pubsub.ScopePubSub, datastore.ScopeDatastore)
	if err != nil {
		sklog.Fatal(err)
	}

	// The Todoist and Notion clients carry their own bearer tokens and do
	// their own retries per the configured policy; the shared transport
	// contributes the dial and request timeouts.
	clientConfig := httputils.DefaultClientConfig().WithoutRetries()
	clientConfig.RequestTimeout = cfg.RequestTimeout
	httpClient := clientConfig.Client()
	td := todoist.NewClient(httpClient, cfg.TodoistBaseURL, cfg.TodoistToken).
		WithRetries(cfg.MaxRetries, cfg.RetryMultiplier)
	nt := notion.NewClient(httpClient, cfg.NotionBaseURL, cfg.NotionToken,
		cfg.TasksDatabaseID, cfg.ProjectsDatabaseID, cfg.AreasDatabaseID, cfg.PeopleDatabaseID).
		WithRetries(cfg.MaxRetries, cfg.RetryMultiplier)

	var st store.Store
	if *local {
		sklog.Infof("Running with the in-memory store; records do not survive restarts.")
		st = memstore.New()
	} else {
		fsClient, err := firestore.NewClient(ctx, *project, "capsync", *fsInstance, ts)
		if err != nil {
			sklog.Fatalf("Could not init firestore: %s", err)
		}
		cleanup.AtExit(func() {
			util.Close(fsClient)
		})
		st = fsstore.New(fsClient)
	}

	rs := resolver.New(cfg, st, td, nt)
	w := worker.New(cfg, st, td, nt, rs)
	rec := reconciler.New(cfg, st, td, nt, rs, w)
	mig := migrate.New(cfg, st, td, nt)

	var publisher queue.Publisher
	if *local {
		// Locally there is no push subscription pointing back at us, so jobs
		// run in-process.
		publisher = queue.NewMemory(w.Handler(), uint64(cfg.MaxRetries))
	} else {
		publisher, err = queue.NewPubSubPublisher(ctx, *project, *topic, ts)
		if err != nil {
			sklog.Fatalf("Could not init pubsub publisher: %s", err)
		}
	}
	ing := ingest.New(publisher, cfg.TodoistWebhookSecret)

	srv := capsyncserver.New(cfg, ing, w, rec, mig)
	h := httputils.LoggingGzipRequestResponse(srv.Router())

	sklog.Infof("capsync ready to serve on %s (sync tag %q)", *port, cfg.SyncTag)
	sklog.Fatal(http.ListenAndServe(*port, h))
}
