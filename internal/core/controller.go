// Package core is the control plane: it owns the renderer records, decides
// what plays where, and keeps every assigned renderer playing.
package core

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"castkeeper/internal/catalog"
	"castkeeper/internal/discovery"
	"castkeeper/internal/dlna"
)

// Options tune the control loops. Zero values fall back to defaults.
type Options struct {
	MissThreshold    int           // discovery sweeps missed before a renderer is disconnected
	SOAPTimeout      time.Duration // per SOAP call
	SupervisorTick   time.Duration // supervisor poll cadence
	StallTicks       int           // frozen-position ticks before a stall restart
	PreRestartMargin time.Duration // restart this close to end of media
	ActivationWait   time.Duration // how long activation waits for PLAYING
	RetryBase        time.Duration // backoff base for activation retries
	RetryCap         time.Duration // backoff ceiling
	RetryMaxAttempts int
}

func (o *Options) withDefaults() {
	if o.MissThreshold <= 0 {
		o.MissThreshold = 3
	}
	if o.SOAPTimeout <= 0 {
		o.SOAPTimeout = 5 * time.Second
	}
	if o.SupervisorTick <= 0 {
		o.SupervisorTick = 2 * time.Second
	}
	if o.StallTicks <= 0 {
		o.StallTicks = 3
	}
	if o.PreRestartMargin <= 0 {
		o.PreRestartMargin = 3 * time.Second
	}
	if o.ActivationWait <= 0 {
		o.ActivationWait = 3 * time.Second
	}
	if o.RetryBase <= 0 {
		o.RetryBase = 500 * time.Millisecond
	}
	if o.RetryCap <= 0 {
		o.RetryCap = 30 * time.Second
	}
	if o.RetryMaxAttempts <= 0 {
		o.RetryMaxAttempts = 5
	}
}

// ProfileOverride maps a renderer's SERVER string to a DLNA profile and
// flags override. Returning ok=false leaves the video's own values in place.
type ProfileOverride func(server string) (profile, flags string, ok bool)

// Deps are the collaborators the controller drives. Library, Sink and
// Profiles may be nil; Transports defaults to the DLNA client.
type Deps struct {
	Media      Publisher
	Library    Library
	Transports TransportFactory
	Sink       EventSink
	Profiles   ProfileOverride
	Logger     *slog.Logger
}

// Stats are aggregate counters, kept under their own lock so readers never
// contend with the control path.
type Stats struct {
	Activations uint64 `json:"activations"`
	Restarts    uint64 `json:"restarts"`
	Failures    uint64 `json:"failures"`
	Disconnects uint64 `json:"disconnects"`
	Supersedes  uint64 `json:"supersedes"`
}

// Controller owns all mutable control-plane state. Locks are acquired only
// in declaration order: deviceMu, then assignMu, then monMu, then statsMu.
// No lock is held across I/O; state is copied out, acted on, and reconciled
// against the assignment epoch on reacquisition.
type Controller struct {
	opts       Options
	logger     *slog.Logger
	media      Publisher
	library    Library
	transports TransportFactory
	sink       EventSink
	profiles   ProfileOverride

	rootCtx context.Context
	cancel  context.CancelFunc
	epoch   atomic.Uint64
	closing atomic.Bool

	// deviceMu guards the renderer and assignment maps and renderer fields
	deviceMu    sync.Mutex
	renderers   map[string]*Renderer
	assignments map[string]*Assignment

	// assignMu guards priorities, retry state, restore entries and schedules
	assignMu  sync.Mutex
	restore   map[string]catalog.StoredAssignment
	cron      *cron.Cron
	schedules map[int]*scheduleEntry
	nextSched int

	// monMu guards the supervisor handles
	monMu       sync.Mutex
	supervisors map[string]*supervisorHandle

	statsMu sync.Mutex
	stats   Stats
}

func New(opts Options, deps Deps) *Controller {
	opts.withDefaults()

	c := &Controller{
		opts:        opts,
		logger:      deps.Logger,
		media:       deps.Media,
		library:     deps.Library,
		transports:  deps.Transports,
		sink:        deps.Sink,
		profiles:    deps.Profiles,
		renderers:   make(map[string]*Renderer),
		assignments: make(map[string]*Assignment),
		restore:     make(map[string]catalog.StoredAssignment),
		schedules:   make(map[int]*scheduleEntry),
		supervisors: make(map[string]*supervisorHandle),
		cron:        cron.New(),
	}
	if c.transports == nil {
		c.transports = func(controlURL string) Transport {
			return dlna.NewClient(controlURL, opts.SOAPTimeout, deps.Logger)
		}
	}
	if c.sink == nil {
		c.sink = LogSink{Logger: deps.Logger}
	}
	return c
}

// Start arms the controller. ctx bounds every background routine.
func (c *Controller) Start(ctx context.Context) {
	c.rootCtx, c.cancel = context.WithCancel(ctx)
	c.cron.Start()
}

// Stop cancels supervisors, schedules and pending retries, then waits for
// the supervisors to wind down.
func (c *Controller) Stop() {
	c.closing.Store(true)
	if c.cancel != nil {
		c.cancel()
	}
	c.cron.Stop()

	c.deviceMu.Lock()
	c.assignMu.Lock()
	for _, a := range c.assignments {
		a.cancelRetry()
	}
	for _, e := range c.schedules {
		e.cancel(c.cron)
	}
	c.assignMu.Unlock()
	c.deviceMu.Unlock()

	c.monMu.Lock()
	handles := make([]*supervisorHandle, 0, len(c.supervisors))
	for _, h := range c.supervisors {
		h.cancel()
		handles = append(handles, h)
	}
	c.monMu.Unlock()
	for _, h := range handles {
		<-h.done
	}
}

// Run pumps discovery events into the controller until the channel closes
// or the context ends.
func (c *Controller) Run(ctx context.Context, events <-chan discovery.Event) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			c.HandleDiscovery(ev)
		}
	}
}

// HandleDiscovery routes one discovery event.
func (c *Controller) HandleDiscovery(ev discovery.Event) {
	switch ev.Kind {
	case discovery.EventAppeared, discovery.EventRefreshed:
		c.Register(ev.Descriptor)
	case discovery.EventByebye:
		c.markDisconnected(ev.ID, "byebye")
	case discovery.EventSweep:
		c.SyncWithDiscovery(ev.Present)
	}
}

// Register creates or refreshes a renderer record. Idempotent: refreshing
// updates descriptor fields in place and never disturbs an assignment.
func (c *Controller) Register(d *discovery.Descriptor) {
	if d == nil || d.ID == "" {
		return
	}

	var (
		fresh       bool
		reconnected bool
	)

	c.deviceMu.Lock()
	r, ok := c.renderers[d.ID]
	if !ok {
		r = newRenderer(d)
		r.Status = StatusConnected
		c.renderers[d.ID] = r
		fresh = true
	} else {
		r.refresh(d)
		if r.Status == StatusDisconnected {
			r.Status = StatusConnected
			reconnected = true
		}
	}
	c.deviceMu.Unlock()

	if fresh {
		c.logger.Info("renderer registered", "renderer", d.ID, "name", d.FriendlyName)
		c.emit(Event{Kind: EventDiscovered, RendererID: d.ID, Detail: d.FriendlyName})
		c.emit(Event{Kind: EventConnected, RendererID: d.ID})
	}
	if reconnected {
		c.logger.Info("renderer reconnected", "renderer", d.ID)
		c.emit(Event{Kind: EventConnected, RendererID: d.ID})
	}
	if fresh || reconnected {
		c.reactivate(d.ID)
	}
}

// Unregister removes a renderer record and everything attached to it.
func (c *Controller) Unregister(rendererID string) {
	c.stopSupervisor(rendererID)

	c.deviceMu.Lock()
	_, known := c.renderers[rendererID]
	delete(c.renderers, rendererID)
	a := c.assignments[rendererID]
	delete(c.assignments, rendererID)
	token := ""
	if a != nil {
		c.assignMu.Lock()
		a.cancelRetry()
		a.epoch = 0
		c.assignMu.Unlock()
		token = a.token
	}
	c.deviceMu.Unlock()

	if !known {
		return
	}
	if token != "" {
		c.media.Unpublish(token)
	}
	if c.library != nil {
		if err := c.library.DeleteAssignment(rendererID); err != nil {
			c.logger.Warn("delete stored assignment", "renderer", rendererID, "error", err)
		}
	}
	c.logger.Info("renderer unregistered", "renderer", rendererID)
}

// SyncWithDiscovery reconciles renderer presence after a discovery sweep.
// Renderers missing for MissThreshold sweeps go disconnected but keep their
// record and assignment; reappearing ones go back to connected and have
// their assignment reactivated.
func (c *Controller) SyncWithDiscovery(present []string) {
	seen := make(map[string]struct{}, len(present))
	for _, id := range present {
		seen[id] = struct{}{}
	}

	var lost, back []string

	c.deviceMu.Lock()
	for id, r := range c.renderers {
		if _, ok := seen[id]; ok {
			r.missedSweeps = 0
			if r.Status == StatusDisconnected {
				r.Status = StatusConnected
				back = append(back, id)
			}
			continue
		}
		if r.Status == StatusDisconnected {
			continue
		}
		r.missedSweeps++
		if r.missedSweeps >= c.opts.MissThreshold {
			lost = append(lost, id)
		}
	}
	c.deviceMu.Unlock()

	for _, id := range lost {
		c.markDisconnected(id, "missed sweeps")
	}
	for _, id := range back {
		c.logger.Info("renderer reappeared", "renderer", id)
		c.emit(Event{Kind: EventConnected, RendererID: id})
		c.reactivate(id)
	}
}

// markDisconnected flips a renderer to disconnected, cancels its pending
// retries and stops its supervisor. The record and assignment survive for
// reuse when the renderer reappears.
func (c *Controller) markDisconnected(rendererID, reason string) {
	c.deviceMu.Lock()
	r, ok := c.renderers[rendererID]
	if !ok || r.Status == StatusDisconnected {
		c.deviceMu.Unlock()
		return
	}
	r.Status = StatusDisconnected
	if a := c.assignments[rendererID]; a != nil {
		c.assignMu.Lock()
		a.cancelRetry()
		c.assignMu.Unlock()
	}
	c.deviceMu.Unlock()

	c.stopSupervisor(rendererID)
	c.bump(func(s *Stats) { s.Disconnects++ })
	c.logger.Warn("renderer disconnected", "renderer", rendererID, "reason", reason)
	c.emit(Event{Kind: EventDisconnected, RendererID: rendererID, Detail: reason})
	c.recordStatus(rendererID, string(StatusDisconnected), 0)
}

// reactivate re-arms the renderer's assignment (or a restored one) after a
// registration or reconnect.
func (c *Controller) reactivate(rendererID string) {
	c.deviceMu.Lock()
	a := c.assignments[rendererID]
	var epoch uint64
	if a != nil && a.State != AssignmentSuperseded {
		c.assignMu.Lock()
		a.cancelRetry()
		a.RetryCount = 0
		a.setState(AssignmentPending)
		epoch = c.epoch.Add(1)
		a.epoch = epoch
		c.assignMu.Unlock()
	}
	c.deviceMu.Unlock()

	if epoch != 0 {
		go c.activate(rendererID, epoch)
		return
	}
	if a != nil {
		return
	}

	// no live assignment: check the startup restore set
	c.assignMu.Lock()
	stored, ok := c.restore[rendererID]
	if ok {
		delete(c.restore, rendererID)
	}
	c.assignMu.Unlock()
	if !ok {
		return
	}
	if err := c.Assign(rendererID, stored.VideoID, stored.Priority, stored.Loop); err != nil {
		c.logger.Warn("restore assignment", "renderer", rendererID, "error", err)
	}
}

// RestoreAssignments stashes stored assignments to be issued when their
// renderer shows up.
func (c *Controller) RestoreAssignments(stored []catalog.StoredAssignment) {
	c.assignMu.Lock()
	for _, a := range stored {
		c.restore[a.RendererID] = a
	}
	c.assignMu.Unlock()
	if len(stored) > 0 {
		c.logger.Info("assignments waiting for renderers", "count", len(stored))
	}
}

// Snapshot returns a consistent read-only view of every renderer.
func (c *Controller) Snapshot() []RendererView {
	c.deviceMu.Lock()
	out := make([]RendererView, 0, len(c.renderers))
	for id, r := range c.renderers {
		v := RendererView{
			ID:         r.ID,
			Name:       r.Name,
			ControlURL: r.ControlURL,
			Server:     r.Server,
			Status:     r.Status,
			LastSeen:   r.LastSeen,
			Transport:  r.Snapshot,
		}
		if a := c.assignments[id]; a != nil {
			v.Assignment = a.view()
		}
		out = append(out, v)
	}
	c.deviceMu.Unlock()

	slices.SortFunc(out, func(a, b RendererView) int {
		if n := strings.Compare(a.Name, b.Name); n != 0 {
			return n
		}
		return strings.Compare(a.ID, b.ID)
	})
	return out
}

// Renderer returns the view of one renderer.
func (c *Controller) Renderer(rendererID string) (RendererView, error) {
	for _, v := range c.Snapshot() {
		if v.ID == rendererID {
			return v, nil
		}
	}
	return RendererView{}, ErrUnknownRenderer
}

// Stats returns a copy of the aggregate counters.
func (c *Controller) Stats() Stats {
	c.statsMu.Lock()
	defer c.statsMu.Unlock()
	return c.stats
}

func (c *Controller) bump(f func(*Stats)) {
	c.statsMu.Lock()
	f(&c.stats)
	c.statsMu.Unlock()
}

func (c *Controller) emit(ev Event) {
	ev.At = time.Now().UTC()
	// sinks are best-effort and must not stall the control path
	go c.sink.Publish(ev)
}

func (c *Controller) recordStatus(rendererID, status string, pos time.Duration) {
	if c.library == nil {
		return
	}
	if err := c.library.RecordStatus(rendererID, status, pos); err != nil && !isMissingRow(err) {
		c.logger.Debug("record status", "renderer", rendererID, "error", err)
	}
}

func isMissingRow(err error) bool {
	return errors.Is(err, catalog.ErrAssignmentNotFound)
}
