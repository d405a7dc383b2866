// Package capsyncserver wires the sync components into the HTTP surface:
// the Todoist webhook, the Pub/Sub push target, the reconcile and migrate
// triggers, and the probes.
package capsyncserver

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.skia.org/infra/go/httputils"
	"go.skia.org/infra/go/sklog"

	"go.capsync.dev/sync/go/config"
	"go.capsync.dev/sync/go/ingest"
	"go.capsync.dev/sync/go/migrate"
	"go.capsync.dev/sync/go/queue"
	"go.capsync.dev/sync/go/reconciler"
	"go.capsync.dev/sync/go/remote"
	"go.capsync.dev/sync/go/types"
	"go.capsync.dev/sync/go/worker"
)

// signatureHeader carries the webhook MAC.
const signatureHeader = "X-Todoist-Hmac-SHA256"

// Server holds the handler dependencies.
type Server struct {
	cfg        *config.Config
	ingester   *ingest.Ingester
	worker     *worker.Worker
	reconciler *reconciler.Reconciler
	migrator   *migrate.Migrator
}

// New returns a Server.
func New(cfg *config.Config, ing *ingest.Ingester, w *worker.Worker, rec *reconciler.Reconciler, mig *migrate.Migrator) *Server {
	return &Server{
		cfg:        cfg,
		ingester:   ing,
		worker:     w,
		reconciler: rec,
		migrator:   mig,
	}
}

// Router returns the service's HTTP routes.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Get("/health", s.healthHandler)
	r.Get("/", s.indexHandler)
	r.Post("/todoist/webhook", s.webhookHandler)
	r.Post("/pubsub/push", s.pushHandler)
	r.Post("/reconcile", s.reconcileHandler)
	r.Post("/migrate", s.migrateHandler)
	return r
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]string{"status": "healthy"})
}

func (s *Server) indexHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]string{
		"service":  "capsync",
		"status":   "running",
		"sync_tag": s.cfg.SyncTag,
	})
}

func (s *Server) webhookHandler(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		httputils.ReportError(w, err, "Failed to read request body.", http.StatusInternalServerError)
		return
	}
	if !s.ingester.Authorized(body, r.Header.Get(signatureHeader)) {
		sklog.Warningf("Webhook delivery with bad signature rejected.")
		http.Error(w, "invalid signature", http.StatusUnauthorized)
		return
	}
	result, err := s.ingester.Ingest(r.Context(), body)
	if err != nil {
		httputils.ReportError(w, err, "Failed to ingest webhook event.", http.StatusInternalServerError)
		return
	}
	writeJSON(w, result)
}

// pushHandler is the Pub/Sub push subscription target. A malformed envelope
// is rejected permanently with 400. A transient processing failure returns
// 500 so Pub/Sub redelivers; a permanent remote rejection is acked, since
// redelivery would fail the same way and the record is already flagged.
func (s *Server) pushHandler(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		httputils.ReportError(w, err, "Failed to read request body.", http.StatusInternalServerError)
		return
	}
	job, err := queue.DecodePush(body)
	if err != nil {
		sklog.Errorf("Rejecting malformed push message: %s", err)
		http.Error(w, "malformed message", http.StatusBadRequest)
		return
	}
	if err := s.worker.Process(r.Context(), job, types.OriginEvent); err != nil {
		if remote.Permanent(err) {
			sklog.Errorf("Job for task %s failed permanently; not redelivering: %s", job.TaskID, err)
			writeJSON(w, map[string]string{"status": "permanent_failure"})
			return
		}
		httputils.ReportError(w, err, "Sync failed; message will be redelivered.", http.StatusInternalServerError)
		return
	}
	writeJSON(w, map[string]string{"status": "ok"})
}

func (s *Server) reconcileHandler(w http.ResponseWriter, r *http.Request) {
	if !s.bearerAuthorized(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	summary, err := s.reconciler.Run(r.Context())
	if err != nil {
		httputils.ReportError(w, err, "Reconcile failed.", http.StatusInternalServerError)
		return
	}
	writeJSON(w, summary)
}

func (s *Server) migrateHandler(w http.ResponseWriter, r *http.Request) {
	if !s.bearerAuthorized(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	dryRun, _ := strconv.ParseBool(r.URL.Query().Get("dry_run"))
	plan, err := s.migrator.Run(r.Context(), dryRun)
	if err != nil {
		httputils.ReportError(w, err, "Migration failed.", http.StatusInternalServerError)
		return
	}
	writeJSON(w, plan)
}

// bearerAuthorized checks the Authorization header against the configured
// reconcile bearer. An empty configured bearer means the platform in front of
// the service enforces auth (e.g. Cloud Run OIDC).
func (s *Server) bearerAuthorized(r *http.Request) bool {
	if s.cfg.ReconcileBearer == "" {
		return true
	}
	token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	return token == s.cfg.ReconcileBearer
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		sklog.Errorf("Failed to encode response: %s", err)
	}
}
