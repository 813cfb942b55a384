package remote

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/kimlan/taskdeck/internal/logging"
	"github.com/kimlan/taskdeck/internal/models"
)

// ChangeNotice is a server push telling the client that a domain has new
// changes. It carries no bodies; the sync engine pulls as usual.
type ChangeNotice struct {
	Domain    models.SyncDomain `json:"domain"`
	Timestamp int64             `json:"timestamp"`
}

const (
	subscribeReconnectMin = time.Second
	subscribeReconnectMax = time.Minute

	// pongWait is how long a silent connection is considered alive.
	pongWait   = 60 * time.Second
	pingPeriod = 45 * time.Second
)

// Subscriber maintains a websocket connection to the server's change feed
// and delivers notices to a callback. It reconnects with backoff until its
// context is cancelled; the feed is an optimization, so a dead connection
// degrades to interval syncing rather than erroring.
type Subscriber struct {
	config Config
	log    *logging.Logger
	notify func(ChangeNotice)
	dialer *websocket.Dialer

	// OnStatus, when set, receives connectivity transitions: true once the
	// feed connects, false when it drops or a dial fails. Set before Run;
	// it runs on the read loop goroutine and must not block.
	OnStatus func(online bool)
}

// NewSubscriber creates a Subscriber delivering notices to notify. The
// callback runs on the read loop goroutine and must not block.
func NewSubscriber(config Config, notify func(ChangeNotice), log *logging.Logger) *Subscriber {
	return &Subscriber{
		config: config,
		log:    log.Component("subscriber"),
		notify: notify,
		dialer: &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
	}
}

// feedURL derives the websocket endpoint from the HTTP base URL.
func (s *Subscriber) feedURL() string {
	base := s.config.BaseURL
	base = strings.Replace(base, "https://", "wss://", 1)
	base = strings.Replace(base, "http://", "ws://", 1)
	return base + "/api/changes/feed"
}

// Run connects and reads until ctx is cancelled, reconnecting on failure.
// It blocks; callers run it in a goroutine.
func (s *Subscriber) Run(ctx context.Context) {
	backoff := subscribeReconnectMin
	for {
		if ctx.Err() != nil {
			return
		}

		err := s.readOnce(ctx)
		if ctx.Err() != nil {
			return
		}
		if s.OnStatus != nil {
			s.OnStatus(false)
		}
		if err != nil {
			s.log.Warn("Change feed disconnected", map[string]interface{}{
				"error":      err.Error(),
				"backoff_ms": backoff.Milliseconds(),
			})
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > subscribeReconnectMax {
			backoff = subscribeReconnectMax
		}
	}
}

// readOnce dials the feed and pumps notices until the connection drops.
func (s *Subscriber) readOnce(ctx context.Context) error {
	header := http.Header{}
	if s.config.AuthToken != "" {
		header.Set("Authorization", "Bearer "+s.config.AuthToken)
	}

	conn, resp, err := s.dialer.DialContext(ctx, s.feedURL(), header)
	if err != nil {
		return err
	}
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	defer conn.Close()

	s.log.Info("Change feed connected", map[string]interface{}{
		"url": s.feedURL(),
	})
	if s.OnStatus != nil {
		s.OnStatus(true)
	}

	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	// Close the connection when ctx ends so ReadMessage unblocks.
	done := make(chan struct{})
	defer close(done)
	go func() {
		ticker := time.NewTicker(pingPeriod)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				conn.Close()
				return
			case <-done:
				return
			case <-ticker.C:
				conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(10*time.Second))
			}
		}
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		conn.SetReadDeadline(time.Now().Add(pongWait))

		var notice ChangeNotice
		if err := json.Unmarshal(data, &notice); err != nil {
			s.log.Warn("Malformed change notice", map[string]interface{}{
				"error": err.Error(),
			})
			continue
		}
		s.notify(notice)
	}
}
