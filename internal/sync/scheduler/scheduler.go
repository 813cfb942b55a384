// Package scheduler drives background synchronization: periodic cycles
// while online, change-notice triggered cycles, and queue resume when
// connectivity returns.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/kimlan/taskdeck/internal/logging"
	"github.com/kimlan/taskdeck/internal/models"
	syncpkg "github.com/kimlan/taskdeck/internal/sync"
)

// Mode selects how much syncing happens without user action.
type Mode string

const (
	// ModeAutomatic syncs periodically, on server change notices, and on
	// reconnect.
	ModeAutomatic Mode = "automatic"
	// ModeManual syncs only on explicit trigger, but still resumes the
	// queue when connectivity returns so offline edits are not stranded.
	ModeManual Mode = "manual"
	// ModeFullyManual never syncs without an explicit trigger.
	ModeFullyManual Mode = "fully_manual"
)

// Engine is the part of the sync engine the scheduler drives.
type Engine interface {
	Sync(ctx context.Context, domains ...models.SyncDomain) (*syncpkg.Result, error)
	Resume(ctx context.Context, domains ...models.SyncDomain) (*syncpkg.Result, error)
}

// Config holds scheduler configuration.
type Config struct {
	Mode Mode
	// SyncInterval is the periodic cycle spacing in automatic mode.
	// Zero means 5 minutes.
	SyncInterval time.Duration
	// ResumeDebounce is how long connectivity must stay up before a
	// resume fires, so a flapping link produces one cycle, not a burst.
	// Zero means 2 seconds.
	ResumeDebounce time.Duration
}

// Scheduler runs sync cycles in the background. Start launches its loop;
// Stop shuts it down gracefully and waits for an in-flight cycle.
type Scheduler struct {
	engine   Engine
	log      *logging.Logger
	interval time.Duration
	debounce time.Duration

	stopCh    chan struct{}
	triggerCh chan struct{}
	resumeCh  chan struct{}
	wg        sync.WaitGroup

	mu          sync.Mutex
	mode        Mode
	running     bool
	online      bool
	resumeTimer *time.Timer
	lastSync    time.Time
}

// New creates a Scheduler.
func New(engine Engine, config Config, log *logging.Logger) *Scheduler {
	interval := config.SyncInterval
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	debounce := config.ResumeDebounce
	if debounce <= 0 {
		debounce = 2 * time.Second
	}
	mode := config.Mode
	if mode == "" {
		mode = ModeAutomatic
	}

	return &Scheduler{
		engine:    engine,
		log:       log.Component("scheduler"),
		interval:  interval,
		debounce:  debounce,
		mode:      mode,
		stopCh:    make(chan struct{}),
		triggerCh: make(chan struct{}, 1),
		resumeCh:  make(chan struct{}, 1),
		online:    true,
	}
}

// Start launches the background loop. Calling Start twice is a no-op.
func (s *Scheduler) Start() {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	s.mu.Unlock()

	s.wg.Add(1)
	go s.loop()
	s.log.Info("Scheduler started", map[string]interface{}{
		"mode":        string(s.Mode()),
		"interval_ms": s.interval.Milliseconds(),
	})
}

// Stop shuts the loop down and waits for it to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	if s.resumeTimer != nil {
		s.resumeTimer.Stop()
		s.resumeTimer = nil
	}
	s.mu.Unlock()

	close(s.stopCh)
	s.wg.Wait()
	s.log.Info("Scheduler stopped", nil)
}

// Mode returns the current scheduling mode.
func (s *Scheduler) Mode() Mode {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mode
}

// SetMode changes the scheduling mode at runtime.
func (s *Scheduler) SetMode(mode Mode) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mode = mode
}

// Online reports the last recorded connectivity state.
func (s *Scheduler) Online() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.online
}

// LastSync returns when the last scheduled cycle finished.
func (s *Scheduler) LastSync() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastSync
}

// TriggerSync requests a cycle now. Works in every mode; multiple calls
// before the loop picks one up coalesce.
func (s *Scheduler) TriggerSync() {
	select {
	case s.triggerCh <- struct{}{}:
	default:
	}
}

// NotifyChange tells the scheduler the server has new data for a domain.
// In automatic mode this schedules a cycle.
func (s *Scheduler) NotifyChange(domain models.SyncDomain) {
	s.mu.Lock()
	mode, online := s.mode, s.online
	s.mu.Unlock()

	if mode != ModeAutomatic || !online {
		return
	}
	s.log.Debug("Change notice received", map[string]interface{}{
		"domain": string(domain),
	})
	s.TriggerSync()
}

// SetOnlineStatus records connectivity transitions. Going online arms the
// resume debounce; going offline disarms it, so rapid flapping collapses
// into at most one resume after the link holds.
func (s *Scheduler) SetOnlineStatus(online bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	wasOnline := s.online
	s.online = online
	if online == wasOnline {
		return
	}

	s.log.Info("Online status changed", map[string]interface{}{
		"online": online,
	})

	if !online {
		if s.resumeTimer != nil {
			s.resumeTimer.Stop()
			s.resumeTimer = nil
		}
		return
	}

	if s.mode == ModeFullyManual || !s.running {
		return
	}
	if s.resumeTimer != nil {
		s.resumeTimer.Stop()
	}
	s.resumeTimer = time.AfterFunc(s.debounce, func() {
		select {
		case s.resumeCh <- struct{}{}:
		default:
		}
	})
}

// loop is the scheduler's single background goroutine.
func (s *Scheduler) loop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.mu.Lock()
			due := s.mode == ModeAutomatic && s.online
			s.mu.Unlock()
			if due {
				s.runCycle(false)
			}
		case <-s.triggerCh:
			s.runCycle(false)
		case <-s.resumeCh:
			s.mu.Lock()
			online := s.online
			s.mu.Unlock()
			if online {
				s.runCycle(true)
			}
		}
	}
}

// runCycle executes one sync or resume cycle and records connectivity.
func (s *Scheduler) runCycle(resume bool) {
	ctx := context.Background()

	var err error
	if resume {
		_, err = s.engine.Resume(ctx)
	} else {
		_, err = s.engine.Sync(ctx)
	}

	s.mu.Lock()
	s.lastSync = time.Now()
	s.mu.Unlock()

	if err != nil {
		s.log.Warn("Scheduled sync failed", map[string]interface{}{
			"resume": resume,
			"error":  err.Error(),
		})
	}
}
