// Package remote implements the remote store client over HTTP JSON, plus
// a websocket subscriber for server-pushed change notifications.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	apperrors "github.com/kimlan/taskdeck/internal/errors"
	"github.com/kimlan/taskdeck/internal/models"
	syncpkg "github.com/kimlan/taskdeck/internal/sync"
)

// Config holds remote server connection configuration.
type Config struct {
	// BaseURL is the server root, e.g. "https://sync.example.com".
	BaseURL string
	// AuthToken is sent as a bearer token on every request.
	AuthToken string
	// DeviceID identifies this client for delete attribution.
	DeviceID string
	// Timeout bounds individual requests. Zero means 30s.
	Timeout time.Duration
}

// Client implements sync.RemoteStore against the TaskDeck sync server.
type Client struct {
	config     Config
	httpClient *http.Client
}

// compile-time interface check
var _ syncpkg.RemoteStore = (*Client)(nil)

// NewClient creates a Client.
func NewClient(config Config) *Client {
	timeout := config.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		config: config,
		httpClient: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				MaxIdleConns:    10,
				IdleConnTimeout: 30 * time.Second,
			},
		},
	}
}

// serverTimeResponse is the /api/time response body.
type serverTimeResponse struct {
	Now int64 `json:"now"`
}

// ServerTime implements sync.RemoteStore.
func (c *Client) ServerTime(ctx context.Context) (int64, error) {
	var out serverTimeResponse
	if err := c.getJSON(ctx, "/api/time", nil, &out); err != nil {
		return 0, err
	}
	return out.Now, nil
}

// headsResponse is the /api/changes/heads response body.
type headsResponse struct {
	Heads []syncpkg.Head `json:"heads"`
}

// ListChangedHeads implements sync.RemoteStore.
func (c *Client) ListChangedHeads(ctx context.Context, domain models.SyncDomain, since int64) ([]syncpkg.Head, error) {
	query := url.Values{}
	query.Set("domain", string(domain))
	query.Set("since", fmt.Sprintf("%d", since))

	var out headsResponse
	if err := c.getJSON(ctx, "/api/changes/heads", query, &out); err != nil {
		return nil, err
	}
	return out.Heads, nil
}

// FetchSince implements sync.RemoteStore.
func (c *Client) FetchSince(ctx context.Context, domain models.SyncDomain, since int64) (*syncpkg.ChangeSet, error) {
	query := url.Values{}
	query.Set("domain", string(domain))
	query.Set("since", fmt.Sprintf("%d", since))

	var out syncpkg.ChangeSet
	if err := c.getJSON(ctx, "/api/changes", query, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// watermarkResponse is the /api/watermark response body.
type watermarkResponse struct {
	Watermark int64 `json:"watermark"`
}

// GetWatermark implements sync.RemoteStore.
func (c *Client) GetWatermark(ctx context.Context, domain models.SyncDomain) (int64, error) {
	query := url.Values{}
	query.Set("domain", string(domain))

	var out watermarkResponse
	if err := c.getJSON(ctx, "/api/watermark", query, &out); err != nil {
		return 0, err
	}
	return out.Watermark, nil
}

// upsertRequest is the /api/entities request body. Entities travel in
// typed groups so the server never has to sniff shapes.
type upsertRequest struct {
	Tasks       []*models.Task       `json:"tasks,omitempty"`
	Projects    []*models.Project    `json:"projects,omitempty"`
	Connections []*models.Connection `json:"connections,omitempty"`
}

// BulkUpsert implements sync.RemoteStore.
func (c *Client) BulkUpsert(ctx context.Context, entities []models.Entity) error {
	var req upsertRequest
	for _, e := range entities {
		switch v := e.(type) {
		case *models.Task:
			req.Tasks = append(req.Tasks, v)
		case *models.Project:
			req.Projects = append(req.Projects, v)
		case *models.Connection:
			req.Connections = append(req.Connections, v)
		default:
			return apperrors.New(apperrors.ErrInvalid, "unsupported entity type in upsert")
		}
	}
	return c.postJSON(ctx, "/api/entities", req)
}

// purgeRequest is the /api/purge request body.
type purgeRequest struct {
	Tombstones []*models.Tombstone `json:"tombstones"`
	DeviceID   string              `json:"device_id,omitempty"`
}

// Purge implements sync.RemoteStore.
func (c *Client) Purge(ctx context.Context, tombstones []*models.Tombstone) error {
	return c.postJSON(ctx, "/api/purge", purgeRequest{
		Tombstones: tombstones,
		DeviceID:   c.config.DeviceID,
	})
}

// getJSON executes a GET request and decodes the JSON response.
func (c *Client) getJSON(ctx context.Context, path string, query url.Values, out interface{}) error {
	endpoint := c.config.BaseURL + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrInternal, "failed to build request", err)
	}
	return c.do(req, out)
}

// postJSON executes a POST request with a JSON body.
func (c *Client) postJSON(ctx context.Context, path string, body interface{}) error {
	data, err := json.Marshal(body)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrInternal, "failed to encode request body", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.config.BaseURL+path, bytes.NewReader(data))
	if err != nil {
		return apperrors.Wrap(apperrors.ErrInternal, "failed to build request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, nil)
}

// do executes a request, classifies failures, and decodes the response.
func (c *Client) do(req *http.Request, out interface{}) error {
	if c.config.AuthToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.config.AuthToken)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		// Transport-level failures mean the server is unreachable; timeouts
		// get their own code so callers can tune retry behavior.
		if errors.Is(err, context.DeadlineExceeded) {
			return apperrors.Wrap(apperrors.ErrSyncTimeout, "request timed out", err)
		}
		return apperrors.Wrap(apperrors.ErrSyncOffline, "server unreachable", err)
	}
	defer resp.Body.Close()

	if err := classifyStatus(resp); err != nil {
		return err
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return apperrors.Wrap(apperrors.ErrSyncFailed, "failed to decode response", err)
		}
	} else {
		io.Copy(io.Discard, resp.Body)
	}
	return nil
}

// errorResponse is the server's error body shape.
type errorResponse struct {
	Error string `json:"error"`
}

// classifyStatus maps HTTP status codes onto the typed error model, which
// in turn decides retryability in the queue.
func classifyStatus(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}

	msg := resp.Status
	var body errorResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 4096)).Decode(&body); err == nil && body.Error != "" {
		msg = body.Error
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return apperrors.New(apperrors.ErrPermission, msg)
	case resp.StatusCode == http.StatusNotFound:
		return apperrors.New(apperrors.ErrNotFound, msg)
	case resp.StatusCode == http.StatusConflict:
		return apperrors.New(apperrors.ErrDuplicate, msg)
	case resp.StatusCode == http.StatusGone:
		// The entity was deleted on another device; the write must not
		// be retried.
		return apperrors.New(apperrors.ErrSyncTombstone, msg)
	case resp.StatusCode == http.StatusBadRequest || resp.StatusCode == http.StatusUnprocessableEntity:
		return apperrors.New(apperrors.ErrValidation, msg)
	case resp.StatusCode == http.StatusRequestTimeout || resp.StatusCode == http.StatusGatewayTimeout:
		return apperrors.New(apperrors.ErrSyncTimeout, msg)
	default:
		return apperrors.New(apperrors.ErrSyncFailed, msg)
	}
}
