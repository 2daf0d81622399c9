// internal/engine/engine.go
package engine

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"energy-monitor/internal/alerts"
	"energy-monitor/internal/api"
	"energy-monitor/internal/data"
	"energy-monitor/internal/feed"
	"energy-monitor/internal/session"
	"energy-monitor/internal/status"
)

var (
	// ErrForbidden is returned when the session's role does not permit
	// a command.
	ErrForbidden = errors.New("role not permitted")
	// ErrAckRejected is returned when an acknowledge command targets an
	// unknown alert or one whose confirmation is already in flight.
	ErrAckRejected = errors.New("alert not acknowledgeable")
	// ErrNotRunning is returned for commands issued before Run.
	ErrNotRunning = errors.New("engine not running")
)

// Backend is the slice of the REST client the engine drives.
type Backend interface {
	Summary(ctx context.Context) (data.DashboardSummary, error)
	Devices(ctx context.Context) ([]data.Device, error)
	Alerts(ctx context.Context) ([]data.Alert, error)
	Readings(ctx context.Context) ([]data.SensorReading, error)
	Acknowledge(ctx context.Context, alertID string) error
	StartSimulation(ctx context.Context) error
	StopSimulation(ctx context.Context) error
}

// DeviceView is a device joined with its freshest reading and derived
// display status. It is the unit an external renderer draws.
type DeviceView struct {
	Device  data.Device         `json:"device"`
	Reading *data.SensorReading `json:"reading,omitempty"`
	Status  status.Status       `json:"status"`
}

// Engine is the client-side state-reconciliation core. It merges
// asynchronous snapshot fetches with the ordered push stream into a
// bounded consistent view, and drives the alert acknowledge lifecycle.
//
// All mutation flows through one update queue consumed by Run; REST
// completions and push events are producers, never mutators.
type Engine struct {
	backend  Backend
	sessions *session.Manager
	feed     *feed.Synchronizer
	alerts   *alerts.Controller
	queue    *updateQueue
	logger   *slog.Logger

	staleAfter time.Duration

	// summarySeq tags outgoing summary requests; appliedSummarySeq is the
	// seq of the last response applied. A response older than what is
	// already on screen is discarded, so the last *issued* request wins
	// rather than the last one to land.
	summarySeq        atomic.Int64
	appliedSummarySeq int64 // run-loop only

	mu         sync.RWMutex
	devices    []data.Device
	summary    data.DashboardSummary
	summarySet bool

	ctxMu     sync.Mutex
	ctx       context.Context
	cancel    context.CancelFunc
	loggedOut atomic.Bool

	// OnLogout fires once when a 401 forces the session closed. Set it
	// before Run.
	OnLogout func()
}

func New(backend Backend, sessions *session.Manager, staleAfter time.Duration, logger *slog.Logger) *Engine {
	return &Engine{
		backend:    backend,
		sessions:   sessions,
		feed:       feed.NewSynchronizer(),
		alerts:     alerts.NewController(),
		queue:      newUpdateQueue(),
		staleAfter: staleAfter,
		logger:     logger,
	}
}

// Run consumes the update queue until ctx is cancelled or a forced
// logout tears the engine down. It seeds itself with an initial resync.
func (e *Engine) Run(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	e.ctxMu.Lock()
	e.ctx = ctx
	e.cancel = cancel
	e.ctxMu.Unlock()
	defer cancel()

	e.queue.Enqueue(Event{Type: EventResync})

	for {
		ev, ok := e.queue.TryDequeue()
		if !ok {
			if !e.queue.Wait(ctx) {
				return
			}
			continue
		}
		e.apply(ctx, ev)
	}
}

// Resync requests a full snapshot re-fetch. The push subscriber calls it
// after every (re)connect to repair events missed during an outage.
func (e *Engine) Resync() {
	e.queue.Enqueue(Event{Type: EventResync})
}

// HandlePushReading routes a pushed sensor_reading event into the queue.
func (e *Engine) HandlePushReading(r data.SensorReading) {
	e.queue.Enqueue(Event{Type: EventPushReading, Reading: r})
}

// HandlePushAlerts routes a pushed alert batch into the queue.
func (e *Engine) HandlePushAlerts(batch []data.Alert) {
	e.queue.Enqueue(Event{Type: EventPushAlerts, Alerts: batch})
}

// AcknowledgeAlert optimistically removes the alert and issues the
// confirmation request. The removal is observable immediately; the
// confirmation outcome arrives later as an EventAckResult. Duplicate
// calls while a confirmation is in flight are rejected.
func (e *Engine) AcknowledgeAlert(id string) error {
	ctx := e.runCtx()
	if ctx == nil {
		return ErrNotRunning
	}
	if _, ok := e.alerts.Acknowledge(id); !ok {
		return ErrAckRejected
	}

	go func() {
		err := e.backend.Acknowledge(ctx, id)
		e.queue.Enqueue(Event{Type: EventAckResult, AlertID: id, Err: err})
	}()
	return nil
}

// SetSimulation starts or stops backend telemetry generation. Only
// admin and manager roles may call it.
func (e *Engine) SetSimulation(running bool) error {
	ctx := e.runCtx()
	if ctx == nil {
		return ErrNotRunning
	}
	if !e.sessions.Current().CanControlSimulation() {
		return ErrForbidden
	}

	var err error
	if running {
		err = e.backend.StartSimulation(ctx)
	} else {
		err = e.backend.StopSimulation(ctx)
	}
	if errors.Is(err, api.ErrUnauthorized) {
		e.forceLogout()
	}
	return err
}

// Session returns the active session, or nil after logout.
func (e *Engine) Session() *data.Session {
	return e.sessions.Current()
}

// Summary returns the last applied backend aggregate. ok is false until
// the first summary lands.
func (e *Engine) Summary() (data.DashboardSummary, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.summary, e.summarySet
}

// Devices returns the equipment metadata set.
func (e *Engine) Devices() []data.Device {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]data.Device, len(e.devices))
	copy(out, e.devices)
	return out
}

// DeviceViews joins every device with its latest reading and derived
// status.
func (e *Engine) DeviceViews() []DeviceView {
	devices := e.Devices()
	now := time.Now()

	views := make([]DeviceView, 0, len(devices))
	for _, d := range devices {
		v := DeviceView{Device: d}
		if r, seenAt, ok := e.feed.Latest(d.ID); ok {
			reading := r
			v.Reading = &reading
			v.Status = status.Derive(&reading, seenAt, now, e.staleAfter)
		} else {
			v.Status = status.Derive(nil, time.Time{}, now, e.staleAfter)
		}
		views = append(views, v)
	}
	return views
}

// Readings returns the rolling reading buffer, oldest first.
func (e *Engine) Readings() []data.SensorReading {
	return e.feed.Readings()
}

// ActiveAlerts returns the open-alert set, newest raised first.
func (e *Engine) ActiveAlerts() []data.Alert {
	return e.alerts.Active()
}

// apply is the single mutator. Everything it touches is touched only here
// or behind the component locks that exist for concurrent view reads.
func (e *Engine) apply(ctx context.Context, ev Event) {
	switch ev.Type {
	case EventResync:
		e.fetchSnapshots(ctx)

	case EventSummary:
		if e.failed(ev.Err, "summary fetch") {
			return
		}
		if ev.SummarySeq < e.appliedSummarySeq {
			e.logger.Debug("discarding stale summary response",
				"seq", ev.SummarySeq, "applied", e.appliedSummarySeq)
			return
		}
		e.appliedSummarySeq = ev.SummarySeq
		e.mu.Lock()
		e.summary = ev.Summary
		e.summarySet = true
		e.mu.Unlock()

	case EventDevices:
		if e.failed(ev.Err, "device fetch") {
			return
		}
		e.mu.Lock()
		e.devices = ev.Devices
		e.mu.Unlock()

	case EventAlertSnapshot:
		if e.failed(ev.Err, "alert fetch") {
			return
		}
		e.alerts.MergeSnapshot(ev.Alerts)

	case EventReadingSnapshot:
		if e.failed(ev.Err, "readings fetch") {
			return
		}
		e.feed.IngestSnapshot(ev.Readings)

	case EventPushReading:
		e.feed.IngestPush(ev.Reading)
		// Freshness trigger: re-fetch the aggregate. Fire-and-forget
		// relative to the append.
		e.refreshSummary(ctx)

	case EventPushAlerts:
		e.alerts.MergePush(ev.Alerts)

	case EventAckResult:
		switch {
		case ev.Err == nil:
			e.alerts.Confirm(ev.AlertID)
		case errors.Is(ev.Err, api.ErrUnauthorized):
			e.forceLogout()
		default:
			e.logger.Warn("acknowledge confirmation failed, restoring alert",
				"alert_id", ev.AlertID, "error", ev.Err)
			e.alerts.Fail(ev.AlertID)
		}
	}
}

// fetchSnapshots issues the four snapshot requests in parallel. Their
// completions come back through the queue in whatever order the network
// delivers them.
func (e *Engine) fetchSnapshots(ctx context.Context) {
	e.refreshSummary(ctx)
	go func() {
		devices, err := e.backend.Devices(ctx)
		e.queue.Enqueue(Event{Type: EventDevices, Devices: devices, Err: err})
	}()
	go func() {
		batch, err := e.backend.Alerts(ctx)
		e.queue.Enqueue(Event{Type: EventAlertSnapshot, Alerts: batch, Err: err})
	}()
	go func() {
		readings, err := e.backend.Readings(ctx)
		e.queue.Enqueue(Event{Type: EventReadingSnapshot, Readings: readings, Err: err})
	}()
}

func (e *Engine) refreshSummary(ctx context.Context) {
	seq := e.summarySeq.Add(1)
	go func() {
		s, err := e.backend.Summary(ctx)
		e.queue.Enqueue(Event{Type: EventSummary, Summary: s, SummarySeq: seq, Err: err})
	}()
}

// failed handles a fetch error: 401 forces logout, anything else is
// logged and the last good state kept. Staleness over crashes.
func (e *Engine) failed(err error, op string) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, api.ErrUnauthorized) {
		e.forceLogout()
		return true
	}
	if !errors.Is(err, context.Canceled) {
		e.logger.Warn("fetch failed, keeping last good state", "op", op, "error", err)
	}
	return true
}

func (e *Engine) forceLogout() {
	// Several in-flight requests can 401 at once; only the first wins.
	if !e.loggedOut.CompareAndSwap(false, true) {
		return
	}
	e.logger.Info("backend rejected token, forcing logout")
	e.sessions.Logout()
	e.queue.Close()
	e.ctxMu.Lock()
	cancel := e.cancel
	e.ctxMu.Unlock()
	if cancel != nil {
		cancel()
	}
	if e.OnLogout != nil {
		e.OnLogout()
	}
}

func (e *Engine) runCtx() context.Context {
	e.ctxMu.Lock()
	defer e.ctxMu.Unlock()
	return e.ctx
}
