package remote

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	apperrors "github.com/kimlan/taskdeck/internal/errors"
	"github.com/kimlan/taskdeck/internal/logging"
	"github.com/kimlan/taskdeck/internal/models"
)

// TestServerTime tests the time endpoint round trip and auth header.
func TestServerTime(t *testing.T) {
	var gotAuth string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		if r.URL.Path != "/api/time" {
			t.Errorf("Unexpected path %s", r.URL.Path)
		}
		json.NewEncoder(w).Encode(serverTimeResponse{Now: 123456})
	}))
	defer server.Close()

	c := NewClient(Config{BaseURL: server.URL, AuthToken: "secret"})
	now, err := c.ServerTime(context.Background())
	if err != nil {
		t.Fatalf("ServerTime failed: %v", err)
	}
	if now != 123456 {
		t.Errorf("Expected 123456, got %d", now)
	}
	if gotAuth != "Bearer secret" {
		t.Errorf("Expected bearer token, got %q", gotAuth)
	}
}

// TestFetchSince tests change-set decoding and query parameters.
func TestFetchSince(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("domain") != "project:p1" || r.URL.Query().Get("since") != "500" {
			t.Errorf("Unexpected query %s", r.URL.RawQuery)
		}
		json.NewEncoder(w).Encode(map[string]interface{}{
			"tasks":     []*models.Task{{ID: "t1", ProjectID: "p1", Title: "x", UpdatedAt: 600}},
			"watermark": 600,
		})
	}))
	defer server.Close()

	c := NewClient(Config{BaseURL: server.URL})
	cs, err := c.FetchSince(context.Background(), models.ProjectDomain("p1"), 500)
	if err != nil {
		t.Fatalf("FetchSince failed: %v", err)
	}
	if len(cs.Tasks) != 1 || cs.Tasks[0].ID != "t1" {
		t.Errorf("Unexpected change set: %+v", cs)
	}
	if cs.Watermark != 600 {
		t.Errorf("Expected watermark 600, got %d", cs.Watermark)
	}
}

// TestBulkUpsertGroupsByType tests the typed upsert envelope.
func TestBulkUpsertGroupsByType(t *testing.T) {
	var got upsertRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/api/entities" {
			t.Errorf("Unexpected request %s %s", r.Method, r.URL.Path)
		}
		json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	c := NewClient(Config{BaseURL: server.URL})
	err := c.BulkUpsert(context.Background(), []models.Entity{
		&models.Task{ID: "t1", ProjectID: "p1", Title: "x", UpdatedAt: 1},
		&models.Project{ID: "p1", Name: "board", UpdatedAt: 1},
		&models.Connection{ID: "c1", ProjectID: "p1", FromTaskID: "t1", ToTaskID: "t2", UpdatedAt: 1},
	})
	if err != nil {
		t.Fatalf("BulkUpsert failed: %v", err)
	}
	if len(got.Tasks) != 1 || len(got.Projects) != 1 || len(got.Connections) != 1 {
		t.Errorf("Entities not grouped by type: %+v", got)
	}
}

// TestPurgeCarriesDeviceID tests delete attribution.
func TestPurgeCarriesDeviceID(t *testing.T) {
	var got purgeRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&got)
	}))
	defer server.Close()

	c := NewClient(Config{BaseURL: server.URL, DeviceID: "device-7"})
	err := c.Purge(context.Background(), []*models.Tombstone{
		{EntityID: "t1", EntityType: models.EntityTask, ProjectID: "p1", DeletedAt: 100},
	})
	if err != nil {
		t.Fatalf("Purge failed: %v", err)
	}
	if got.DeviceID != "device-7" || len(got.Tombstones) != 1 {
		t.Errorf("Unexpected purge request: %+v", got)
	}
}

// TestStatusClassification tests the HTTP-status to error-code mapping,
// which drives queue retry decisions.
func TestStatusClassification(t *testing.T) {
	cases := []struct {
		status    int
		code      apperrors.ErrorCode
		retryable bool
	}{
		{http.StatusUnauthorized, apperrors.ErrPermission, false},
		{http.StatusForbidden, apperrors.ErrPermission, false},
		{http.StatusNotFound, apperrors.ErrNotFound, false},
		{http.StatusConflict, apperrors.ErrDuplicate, false},
		{http.StatusGone, apperrors.ErrSyncTombstone, false},
		{http.StatusBadRequest, apperrors.ErrValidation, false},
		{http.StatusUnprocessableEntity, apperrors.ErrValidation, false},
		{http.StatusGatewayTimeout, apperrors.ErrSyncTimeout, true},
		{http.StatusInternalServerError, apperrors.ErrSyncFailed, true},
	}

	for _, tc := range cases {
		status := tc.status
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(status)
			json.NewEncoder(w).Encode(errorResponse{Error: "nope"})
		}))

		c := NewClient(Config{BaseURL: server.URL})
		_, err := c.ServerTime(context.Background())
		server.Close()

		if !apperrors.Is(err, tc.code) {
			t.Errorf("Status %d: expected %s, got %v", tc.status, tc.code, err)
		}
		if apperrors.Retryable(err) != tc.retryable {
			t.Errorf("Status %d: expected retryable=%v", tc.status, tc.retryable)
		}
	}
}

// TestUnreachableServerIsOffline tests transport-failure classification.
func TestUnreachableServerIsOffline(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	server.Close()

	c := NewClient(Config{BaseURL: server.URL})
	_, err := c.ServerTime(context.Background())
	if !apperrors.Is(err, apperrors.ErrSyncOffline) {
		t.Errorf("Expected SYNC_OFFLINE, got %v", err)
	}
	if !apperrors.Retryable(err) {
		t.Error("Offline errors must be retryable")
	}
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(*http.Request) bool { return true },
}

// TestSubscriberReceivesNotices tests the change feed end to end.
func TestSubscriberReceivesNotices(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/changes/feed" {
			http.NotFound(w, r)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		notices := []ChangeNotice{
			{Domain: models.DomainUser, Timestamp: 100},
			{Domain: models.ProjectDomain("p1"), Timestamp: 200},
		}
		for _, n := range notices {
			data, _ := json.Marshal(n)
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		}
		// Keep the connection open until the client leaves.
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer server.Close()

	received := make(chan ChangeNotice, 4)
	sub := NewSubscriber(Config{BaseURL: server.URL}, func(n ChangeNotice) {
		received <- n
	}, logging.Get())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		sub.Run(ctx)
		close(done)
	}()

	for i, want := range []models.SyncDomain{models.DomainUser, models.ProjectDomain("p1")} {
		select {
		case n := <-received:
			if n.Domain != want {
				t.Errorf("Notice %d: expected domain %s, got %s", i, want, n.Domain)
			}
		case <-time.After(5 * time.Second):
			t.Fatalf("Timed out waiting for notice %d", i)
		}
	}

	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not stop after cancel")
	}
}

// TestSubscriberReportsConnectivity tests the connectivity callback on
// connect and disconnect.
func TestSubscriberReportsConnectivity(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		// Drop the connection right away to force a disconnect.
		conn.Close()
	}))
	defer server.Close()

	statuses := make(chan bool, 8)
	sub := NewSubscriber(Config{BaseURL: server.URL}, func(ChangeNotice) {}, logging.Get())
	sub.OnStatus = func(online bool) { statuses <- online }

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go sub.Run(ctx)

	for i, want := range []bool{true, false} {
		select {
		case got := <-statuses:
			if got != want {
				t.Errorf("Status %d: expected online=%v, got %v", i, want, got)
			}
		case <-time.After(5 * time.Second):
			t.Fatalf("Timed out waiting for status %d", i)
		}
	}
}
