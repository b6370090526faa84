package core

import (
	"context"
	"time"

	"castkeeper/internal/dlna"
	"castkeeper/internal/observability"
)

// transportFailLimit is how many consecutive failed state polls a
// supervisor tolerates before declaring the renderer gone.
const transportFailLimit = 3

type supervisorHandle struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// startSupervisor spawns the monitoring loop for a renderer. At most one
// exists per renderer id; a second start is a no-op.
func (c *Controller) startSupervisor(rendererID string) {
	root := c.rootCtx
	if root == nil {
		root = context.Background()
	}

	c.monMu.Lock()
	if _, ok := c.supervisors[rendererID]; ok {
		c.monMu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(root)
	h := &supervisorHandle{cancel: cancel, done: make(chan struct{})}
	c.supervisors[rendererID] = h
	c.monMu.Unlock()

	go c.supervise(ctx, rendererID, h)
}

// stopSupervisor cancels the renderer's supervisor, if any. It does not
// wait; the loop exits at its next suspension point.
func (c *Controller) stopSupervisor(rendererID string) {
	c.monMu.Lock()
	h, ok := c.supervisors[rendererID]
	if ok {
		delete(c.supervisors, rendererID)
	}
	c.monMu.Unlock()
	if ok {
		h.cancel()
	}
}

// tickView is the state one supervisor tick copies out under lock.
type tickView struct {
	controlURL string
	mediaURL   string
	metadata   string
	videoID    string
	loop       bool
	epoch      uint64
	knownDur   time.Duration
}

func (c *Controller) tickView(rendererID string) (tickView, bool) {
	c.deviceMu.Lock()
	defer c.deviceMu.Unlock()

	r, ok := c.renderers[rendererID]
	if !ok || r.Status == StatusDisconnected {
		return tickView{}, false
	}
	a := c.assignments[rendererID]
	if a == nil || a.State != AssignmentActive {
		return tickView{}, false
	}
	v := a.video
	item := dlna.Item{
		Title:       v.Title,
		URI:         a.mediaURL,
		MIME:        v.MIME,
		Profile:     v.Profile,
		SubtitleURI: a.subtitleURL,
		SizeBytes:   v.SizeBytes,
		Duration:    v.Duration,
	}
	if c.profiles != nil {
		if profile, flags, ok := c.profiles(r.Server); ok {
			item.Profile = profile
			item.Flags = flags
		}
	}
	return tickView{
		controlURL: r.ControlURL,
		mediaURL:   a.mediaURL,
		metadata:   dlna.Metadata(item),
		videoID:    a.VideoID,
		loop:       a.Loop,
		epoch:      a.epoch,
		knownDur:   v.Duration,
	}, true
}

// supervise is the per-renderer monitoring loop: poll transport state each
// tick, update the record, and apply the loop/stall decision table.
func (c *Controller) supervise(ctx context.Context, rendererID string, h *supervisorHandle) {
	defer func() {
		c.monMu.Lock()
		if c.supervisors[rendererID] == h {
			delete(c.supervisors, rendererID)
		}
		c.monMu.Unlock()
		close(h.done)
	}()

	log := c.logger.With("renderer", rendererID)
	ticker := time.NewTicker(c.opts.SupervisorTick)
	defer ticker.Stop()

	var (
		transportFails int
		lastPos        time.Duration
		frozenTicks    int
		stallHandled   bool
		nearEndHandled bool
		noMediaTicks   int
		driftTicks     int
	)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		view, ok := c.tickView(rendererID)
		if !ok {
			// nothing active to watch; stay idle, assignment may come back
			transportFails = 0
			frozenTicks, noMediaTicks, driftTicks = 0, 0, 0
			stallHandled, nearEndHandled = false, false
			continue
		}

		t := c.transports(view.controlURL)

		state, err := t.TransportInfo(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			transportFails++
			log.Warn("transport poll failed", "fails", transportFails, "error", err)
			if transportFails >= transportFailLimit {
				c.markDisconnected(rendererID, "transport unreachable")
				return
			}
			continue
		}
		transportFails = 0

		pos, posErr := t.PositionInfo(ctx)
		if posErr != nil {
			pos = dlna.Position{}
		}
		duration := pos.Duration
		if duration == 0 {
			duration = view.knownDur
		}

		c.applySnapshot(rendererID, view.videoID, state, pos, duration)

		advanced := pos.Elapsed >= lastPos+500*time.Millisecond || pos.Elapsed < lastPos
		if state == dlna.StatePlaying {
			if advanced {
				frozenTicks = 0
				stallHandled = false
			} else {
				frozenTicks++
			}
			lastPos = pos.Elapsed
		}
		if state != dlna.StateNoMedia {
			noMediaTicks = 0
		}
		if duration == 0 || pos.Elapsed < duration-c.opts.PreRestartMargin {
			nearEndHandled = false
		}
		if posErr == nil && pos.URI != "" && pos.URI != view.mediaURL {
			driftTicks++
		} else {
			driftTicks = 0
		}

		switch {
		case state == dlna.StateStopped && view.loop:
			c.restart(ctx, t, rendererID, view, "loop", false)

		case state == dlna.StatePlaying && frozenTicks >= c.opts.StallTicks && !stallHandled:
			// one restart per stall episode; cleared when position moves again
			stallHandled = true
			c.restart(ctx, t, rendererID, view, "stall", true)

		case state == dlna.StatePlaying && view.loop && duration > 0 &&
			pos.Elapsed >= duration-c.opts.PreRestartMargin && !nearEndHandled:
			// some renderers never report STOPPED at end of media
			nearEndHandled = true
			c.restart(ctx, t, rendererID, view, "loop", false)

		case state == dlna.StateNoMedia:
			noMediaTicks++
			if noMediaTicks >= 2 {
				noMediaTicks = 0
				c.restart(ctx, t, rendererID, view, "no_media", false)
			}

		case driftTicks > 1:
			driftTicks = 0
			c.restart(ctx, t, rendererID, view, "uri_drift", false)
		}
	}
}

// applySnapshot writes the observed transport state into the renderer
// record and mirrors it to the catalog.
func (c *Controller) applySnapshot(rendererID, videoID, state string, pos dlna.Position, duration time.Duration) {
	var status Status
	switch state {
	case dlna.StatePlaying, dlna.StateTransitioning:
		status = StatusPlaying
	case dlna.StatePaused:
		status = StatusPaused
	default:
		status = StatusStopped
	}

	recordDur := false
	c.deviceMu.Lock()
	if r, ok := c.renderers[rendererID]; ok {
		r.Status = status
		r.Snapshot = TransportSnapshot{
			State:    state,
			URI:      pos.URI,
			Position: pos.Elapsed,
			Duration: duration,
			Taken:    time.Now().UTC(),
		}
	}
	if a := c.assignments[rendererID]; a != nil && a.VideoID == videoID {
		if a.video.Duration == 0 && duration > 0 {
			a.video.Duration = duration
			recordDur = true
		}
	}
	c.deviceMu.Unlock()

	c.recordStatus(rendererID, string(status), pos.Elapsed)
	if recordDur && c.library != nil {
		if err := c.library.RecordDuration(videoID, duration); err != nil {
			c.logger.Debug("record duration", "video", videoID, "error", err)
		}
	}
}

// restart re-issues SetAVTransportURI and Play for the supervised
// assignment. stopFirst clears a wedged transport before reloading. The
// epoch is re-verified right before acting so a restart never replays a
// superseded URI.
func (c *Controller) restart(ctx context.Context, t Transport, rendererID string, view tickView, reason string, stopFirst bool) {
	if ctx.Err() != nil {
		return
	}

	c.deviceMu.Lock()
	a := c.assignments[rendererID]
	stale := a == nil || a.epoch != view.epoch || a.State != AssignmentActive
	c.deviceMu.Unlock()
	if stale {
		return
	}

	log := c.logger.With("renderer", rendererID, "reason", reason)

	if stopFirst {
		if err := t.Stop(ctx); err != nil {
			log.Warn("restart: stop failed", "error", err)
		}
	}
	if err := t.SetURI(ctx, view.mediaURL, view.metadata); err != nil {
		log.Warn("restart: set uri failed", "error", err)
		return
	}
	if err := t.Play(ctx); err != nil {
		log.Warn("restart: play failed", "error", err)
		return
	}

	observability.PlaybackRestarts.WithLabelValues(reason).Inc()
	c.bump(func(s *Stats) { s.Restarts++ })
	c.emit(Event{Kind: EventPlaybackRestarted, RendererID: rendererID, VideoID: view.videoID, Detail: reason})
	log.Info("playback restarted")
}
