// Package main provides the TaskDeck core service: the local store, sync
// engine, and a localhost REST/WebSocket surface for the desktop UI.
package main

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/kimlan/taskdeck/internal/db"
	apperrors "github.com/kimlan/taskdeck/internal/errors"
	"github.com/kimlan/taskdeck/internal/export"
	"github.com/kimlan/taskdeck/internal/logging"
	"github.com/kimlan/taskdeck/internal/models"
	"github.com/kimlan/taskdeck/internal/store"
	syncpkg "github.com/kimlan/taskdeck/internal/sync"
	"github.com/kimlan/taskdeck/internal/sync/conflict"
	"github.com/kimlan/taskdeck/internal/sync/queue"
	"github.com/kimlan/taskdeck/internal/sync/remote"
	"github.com/kimlan/taskdeck/internal/sync/scheduler"
	"github.com/kimlan/taskdeck/internal/sync/tracker"
	"github.com/kimlan/taskdeck/internal/uuid"
)

// config is read from the environment at startup.
type config struct {
	dataDir      string
	listenAddr   string
	serverURL    string
	authToken    string
	syncMode     scheduler.Mode
	syncInterval time.Duration
	logLevel     logging.LogLevel
}

func loadConfig() config {
	cfg := config{
		dataDir:      getenv("TASKDECK_DATA_DIR", "./data"),
		listenAddr:   getenv("TASKDECK_LISTEN_ADDR", "127.0.0.1:8090"),
		serverURL:    os.Getenv("TASKDECK_SERVER_URL"),
		authToken:    os.Getenv("TASKDECK_AUTH_TOKEN"),
		syncMode:     scheduler.Mode(getenv("TASKDECK_SYNC_MODE", string(scheduler.ModeAutomatic))),
		syncInterval: 5 * time.Minute,
		logLevel:     logging.LevelInfo,
	}

	if v := os.Getenv("TASKDECK_SYNC_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			cfg.syncInterval = d
		}
	}
	switch strings.ToUpper(os.Getenv("TASKDECK_LOG_LEVEL")) {
	case "DEBUG":
		cfg.logLevel = logging.LevelDebug
	case "WARN":
		cfg.logLevel = logging.LevelWarn
	case "ERROR":
		cfg.logLevel = logging.LevelError
	}
	return cfg
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// deviceID loads or creates the stable identifier for this installation,
// used for delete attribution on the server.
func deviceID(dataDir string) string {
	path := filepath.Join(dataDir, "device-id")
	if data, err := os.ReadFile(path); err == nil {
		if id := strings.TrimSpace(string(data)); uuid.IsValid(id) {
			return id
		}
	}
	id := uuid.New()
	os.WriteFile(path, []byte(id+"\n"), 0600)
	return id
}

func main() {
	cfg := loadConfig()
	logging.Init(os.Stdout, cfg.logLevel)
	log := logging.Get()

	database, err := db.Open(cfg.dataDir)
	if err != nil {
		log.Error("Failed to open database", err, nil)
		os.Exit(1)
	}
	defer database.Close()

	if err := db.NewMigrator(database.DB).Migrate(); err != nil {
		log.Error("Failed to migrate database", err, nil)
		os.Exit(1)
	}

	repo := db.NewRepository(database.DB)
	defer repo.Close()

	st, err := store.New(repo, log)
	if err != nil {
		log.Error("Failed to load store", err, nil)
		os.Exit(1)
	}

	q, err := queue.New(repo, queue.Config{
		EscapePath: filepath.Join(cfg.dataDir, "queue-escape.json"),
	}, log)
	if err != nil {
		log.Error("Failed to restore action queue", err, nil)
		os.Exit(1)
	}

	tr := tracker.New()
	resolver := conflict.NewResolver(log)
	porter := export.New(st, repo, log)
	hub := NewWSHub(log)

	// Forward store mutations to connected UI windows.
	storeEvents, cancelStoreEvents := st.Subscribe()
	defer cancelStoreEvents()
	go func() {
		for ev := range storeEvents {
			hub.BroadcastStoreEvent(ev)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Sync is optional: with no server configured the app runs as a pure
	// local tracker and the queue simply accumulates.
	var sched *scheduler.Scheduler
	if cfg.serverURL != "" {
		client := remote.NewClient(remote.Config{
			BaseURL:   cfg.serverURL,
			AuthToken: cfg.authToken,
			DeviceID:  deviceID(cfg.dataDir),
		})
		engine := syncpkg.NewEngine(st, q, tr, resolver, client, syncpkg.DefaultTimeouts(), log)

		be := &broadcastingEngine{engine: engine, hub: hub}
		sched = scheduler.New(be, scheduler.Config{
			Mode:         cfg.syncMode,
			SyncInterval: cfg.syncInterval,
		}, log)
		be.sched = sched
		sched.Start()
		defer sched.Stop()

		sub := remote.NewSubscriber(remote.Config{
			BaseURL:   cfg.serverURL,
			AuthToken: cfg.authToken,
		}, func(n remote.ChangeNotice) {
			sched.NotifyChange(n.Domain)
		}, log)
		sub.OnStatus = sched.SetOnlineStatus
		go sub.Run(ctx)
	} else {
		log.Info("No sync server configured; running local-only", nil)
	}

	// Retention sweep for soft-deleted entities.
	go func() {
		ticker := time.NewTicker(6 * time.Hour)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, err := st.PurgeExpired(models.NowMillis()); err != nil {
					log.Error("Retention purge failed", err, nil)
				}
			}
		}
	}()

	srv := &http.Server{
		Addr:    cfg.listenAddr,
		Handler: newMux(st, q, tr, porter, sched, hub),
	}

	go func() {
		log.Info("TaskDeck core listening", map[string]interface{}{
			"addr": cfg.listenAddr,
		})
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("HTTP server failed", err, nil)
			stop()
		}
	}()

	<-ctx.Done()
	log.Info("Shutting down", nil)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP shutdown failed", err, nil)
	}
}

// syncRunner is the engine surface the wrapper drives.
type syncRunner interface {
	Sync(ctx context.Context, domains ...models.SyncDomain) (*syncpkg.Result, error)
	Resume(ctx context.Context, domains ...models.SyncDomain) (*syncpkg.Result, error)
}

// broadcastingEngine wraps the sync engine so every cycle's lifecycle
// reaches the UI event hub, and feeds each cycle's outcome back to the
// scheduler as connectivity: an unreachable server suspends automatic
// syncing, a successful cycle re-enables it.
type broadcastingEngine struct {
	engine syncRunner
	hub    *WSHub
	sched  *scheduler.Scheduler
}

func (b *broadcastingEngine) Sync(ctx context.Context, domains ...models.SyncDomain) (*syncpkg.Result, error) {
	b.hub.BroadcastSyncStarted()
	result, err := b.engine.Sync(ctx, domains...)
	b.report(result, err)
	return result, err
}

func (b *broadcastingEngine) Resume(ctx context.Context, domains ...models.SyncDomain) (*syncpkg.Result, error) {
	b.hub.BroadcastSyncStarted()
	result, err := b.engine.Resume(ctx, domains...)
	b.report(result, err)
	return result, err
}

func (b *broadcastingEngine) report(result *syncpkg.Result, err error) {
	if err != nil {
		b.hub.BroadcastSyncFailed(err.Error(), apperrors.Retryable(err))
		code := apperrors.CodeOf(err)
		if b.sched != nil && (code == apperrors.ErrSyncOffline || code == apperrors.ErrSyncTimeout) {
			b.sched.SetOnlineStatus(false)
		}
		return
	}
	if b.sched != nil {
		b.sched.SetOnlineStatus(true)
	}
	b.hub.BroadcastSyncCompleted(result)
}

// newMux builds the localhost REST surface.
func newMux(st *store.Store, q *queue.Queue, tr *tracker.Tracker, porter *export.Porter, sched *scheduler.Scheduler, hub *WSHub) *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("/api/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"status":  "ok",
			"service": "taskdeck-core",
		})
	})

	mux.HandleFunc("/api/ws", hub.HandleWS)

	mux.HandleFunc("/api/status", func(w http.ResponseWriter, r *http.Request) {
		status := map[string]interface{}{
			"queue_pending": q.Len(),
			"dead_letters":  len(q.DeadLetters()),
			"sync_enabled":  sched != nil,
		}
		if sched != nil {
			status["sync_mode"] = string(sched.Mode())
			status["online"] = sched.Online()
			if last := sched.LastSync(); !last.IsZero() {
				status["last_sync"] = last.UnixMilli()
			}
		}
		writeJSON(w, http.StatusOK, status)
	})

	mux.HandleFunc("/api/sync", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		if sched == nil {
			writeError(w, apperrors.New(apperrors.ErrSyncFailed, "no sync server configured"))
			return
		}
		sched.TriggerSync()
		w.WriteHeader(http.StatusAccepted)
	})

	mux.HandleFunc("/api/entities", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPost:
			handleUpsertEntity(w, r, st, q, tr)
		case http.MethodDelete:
			handleDeleteEntity(w, r, st, q)
		default:
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		}
	})

	mux.HandleFunc("/api/entities/pending", func(w http.ResponseWriter, r *http.Request) {
		id := models.UUID(r.URL.Query().Get("id"))
		if id == "" {
			writeError(w, apperrors.New(apperrors.ErrInvalid, "id is required"))
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"has_pending": q.HasPending(id),
			"actions":     q.PendingFor(id),
		})
	})

	mux.HandleFunc("/api/deadletters", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"dead_letters": q.DeadLetters(),
		})
	})

	mux.HandleFunc("/api/deadletters/retry", func(w http.ResponseWriter, r *http.Request) {
		handleDeadLetter(w, r, q.RetryDeadLetter)
	})
	mux.HandleFunc("/api/deadletters/dismiss", func(w http.ResponseWriter, r *http.Request) {
		handleDeadLetter(w, r, q.DismissDeadLetter)
	})

	mux.HandleFunc("/api/export", func(w http.ResponseWriter, r *http.Request) {
		path, ok := snapshotPath(w, r)
		if !ok {
			return
		}
		if err := porter.Export(path); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"path": path})
	})

	mux.HandleFunc("/api/import", func(w http.ResponseWriter, r *http.Request) {
		path, ok := snapshotPath(w, r)
		if !ok {
			return
		}
		result, err := porter.Import(path)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, result)
	})

	return mux
}

// entityRequest is the optimistic-write request body: a full entity
// snapshot plus which fields this edit touched. An empty field list means
// the whole entity changed.
type entityRequest struct {
	Type     models.EntityType     `json:"type"`
	Fields   []string              `json:"fields,omitempty"`
	Priority models.ActionPriority `json:"priority,omitempty"`
	Entity   json.RawMessage       `json:"entity"`
}

// decodeEntityPayload builds the typed action payload from a request. The
// returned entity aliases the payload's snapshot so stamping one updates
// both.
func decodeEntityPayload(req *entityRequest) (models.ActionPayload, models.Entity, error) {
	switch req.Type {
	case models.EntityTask:
		var task models.Task
		if err := json.Unmarshal(req.Entity, &task); err != nil {
			return nil, nil, apperrors.New(apperrors.ErrInvalid, "entity is not a valid task")
		}
		return &models.TaskPayload{Task: &task, Fields: req.Fields}, &task, nil
	case models.EntityProject:
		var project models.Project
		if err := json.Unmarshal(req.Entity, &project); err != nil {
			return nil, nil, apperrors.New(apperrors.ErrInvalid, "entity is not a valid project")
		}
		return &models.ProjectPayload{Project: &project, Fields: req.Fields}, &project, nil
	case models.EntityConnection:
		var conn models.Connection
		if err := json.Unmarshal(req.Entity, &conn); err != nil {
			return nil, nil, apperrors.New(apperrors.ErrInvalid, "entity is not a valid connection")
		}
		return &models.ConnectionPayload{Connection: &conn, Fields: req.Fields}, &conn, nil
	}
	return nil, nil, apperrors.New(apperrors.ErrInvalid, "unknown entity type: "+string(req.Type))
}

// payloadForEntity wraps a stored entity in its action payload variant.
func payloadForEntity(e models.Entity) models.ActionPayload {
	switch v := e.(type) {
	case *models.Task:
		return &models.TaskPayload{Task: v}
	case *models.Project:
		return &models.ProjectPayload{Project: v}
	case *models.Connection:
		return &models.ConnectionPayload{Connection: v}
	}
	return nil
}

// handleUpsertEntity is the UI write path: apply the edit to the local
// store immediately, record the changed fields, and queue the action for
// delivery. The UI never waits on the network.
func handleUpsertEntity(w http.ResponseWriter, r *http.Request, st *store.Store, q *queue.Queue, tr *tracker.Tracker) {
	var req entityRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, apperrors.New(apperrors.ErrInvalid, "request body is not valid JSON"))
		return
	}

	payload, entity, err := decodeEntityPayload(&req)
	if err != nil {
		writeError(w, err)
		return
	}
	entity.SetModifiedAt(models.NowMillis())

	actionType := models.ActionUpdate
	if st.Get(entity.EntityID()) == nil {
		actionType = models.ActionCreate
	}

	if err := st.Put(entity.CloneEntity()); err != nil {
		writeError(w, err)
		return
	}
	if actionType == models.ActionUpdate {
		tr.TrackUpdate(entity.EntityID(), req.Fields)
	}

	priority := req.Priority
	if priority == "" {
		priority = models.PriorityNormal
	}
	action, err := q.Enqueue(actionType, payload, priority)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"entity_id":   entity.EntityID().String(),
		"action_type": string(actionType),
		"queued":      action != nil,
	})
}

// handleDeleteEntity soft-deletes locally and queues the delete.
func handleDeleteEntity(w http.ResponseWriter, r *http.Request, st *store.Store, q *queue.Queue) {
	id := models.UUID(r.URL.Query().Get("id"))
	if id == "" {
		writeError(w, apperrors.New(apperrors.ErrInvalid, "id is required"))
		return
	}
	if st.Get(id) == nil {
		writeError(w, apperrors.New(apperrors.ErrNotFound, "entity not found: "+id.String()))
		return
	}
	if err := st.Delete(id); err != nil {
		writeError(w, err)
		return
	}

	if _, err := q.Enqueue(models.ActionDelete, payloadForEntity(st.Get(id)), models.PriorityNormal); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// snapshotRequest is the export/import request body.
type snapshotRequest struct {
	Path string `json:"path"`
}

func snapshotPath(w http.ResponseWriter, r *http.Request) (string, bool) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return "", false
	}
	var req snapshotRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Path == "" {
		writeError(w, apperrors.New(apperrors.ErrInvalid, "request must carry a path"))
		return "", false
	}
	return req.Path, true
}

func handleDeadLetter(w http.ResponseWriter, r *http.Request, op func(models.UUID) error) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	id := models.UUID(r.URL.Query().Get("id"))
	if id == "" {
		writeError(w, apperrors.New(apperrors.ErrInvalid, "id is required"))
		return
	}
	if err := op(id); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

// writeError maps typed errors onto HTTP statuses for the local UI.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch apperrors.CodeOf(err) {
	case apperrors.ErrInvalid, apperrors.ErrValidation:
		status = http.StatusBadRequest
	case apperrors.ErrNotFound:
		status = http.StatusNotFound
	case apperrors.ErrDuplicate:
		status = http.StatusConflict
	case apperrors.ErrSyncTombstone:
		status = http.StatusGone
	case apperrors.ErrSyncFailed, apperrors.ErrSyncOffline:
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, map[string]interface{}{
		"error": err.Error(),
		"code":  string(apperrors.CodeOf(err)),
	})
}
