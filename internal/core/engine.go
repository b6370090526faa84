package core

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"castkeeper/internal/catalog"
	"castkeeper/internal/dlna"
	"castkeeper/internal/mediaserver"
)

// userPriority is the conventional priority of operator-driven overrides.
const userPriority = 100

// Assign binds a video to a renderer. A lower-priority request against a
// live assignment is rejected with PreemptedError; otherwise the previous
// assignment is superseded under lock before any SOAP traffic, and
// activation proceeds in the background with backoff retries.
func (c *Controller) Assign(rendererID, videoID string, priority int, loop bool) error {
	if c.closing.Load() {
		return ErrShuttingDown
	}
	if c.library == nil {
		return fmt.Errorf("assign %q: no catalog wired", videoID)
	}
	video, err := c.library.Video(videoID)
	if err != nil {
		return err
	}

	var (
		superseded *Assignment
		oldToken   string
		epoch      uint64
		offline    bool
	)

	c.deviceMu.Lock()
	r, ok := c.renderers[rendererID]
	if !ok {
		c.deviceMu.Unlock()
		return ErrUnknownRenderer
	}

	c.assignMu.Lock()
	if cur := c.assignments[rendererID]; cur != nil {
		live := cur.State == AssignmentPending || cur.State == AssignmentActive
		if live && cur.Priority > priority {
			p := cur.Priority
			c.assignMu.Unlock()
			c.deviceMu.Unlock()
			return &PreemptedError{CurrentPriority: p}
		}
		cur.cancelRetry()
		cur.setState(AssignmentSuperseded)
		superseded = cur
		oldToken = cur.token
	}

	epoch = c.epoch.Add(1)
	a := &Assignment{
		RendererID: rendererID,
		VideoID:    videoID,
		Priority:   priority,
		Loop:       loop,
		State:      AssignmentPending,
		CreatedAt:  time.Now().UTC(),
		epoch:      epoch,
		video:      video,
	}
	c.assignments[rendererID] = a
	offline = r.Status == StatusDisconnected
	c.assignMu.Unlock()
	c.deviceMu.Unlock()

	if superseded != nil {
		c.bump(func(s *Stats) { s.Supersedes++ })
		c.emit(Event{Kind: EventAssignmentSuperseded, RendererID: rendererID, VideoID: superseded.VideoID})
	}
	if oldToken != "" {
		c.media.Unpublish(oldToken)
	}
	c.saveAssignment(a)

	c.logger.Info("assignment created",
		"renderer", rendererID, "video", videoID, "priority", priority, "loop", loop)

	// a disconnected renderer keeps the assignment pending until it reappears
	if !offline {
		go c.activate(rendererID, epoch)
	}
	return nil
}

// activate drives one activation attempt for the assignment carrying epoch.
// All I/O happens outside the locks; the epoch is rechecked before every
// state write so a superseding assign or reconnect wins cleanly.
func (c *Controller) activate(rendererID string, epoch uint64) {
	ctx := c.rootCtx
	if ctx == nil {
		ctx = context.Background()
	}
	if ctx.Err() != nil {
		return
	}

	// copy out what the attempt needs
	c.deviceMu.Lock()
	r, ok := c.renderers[rendererID]
	a := c.assignments[rendererID]
	if !ok || a == nil || a.epoch != epoch || a.State == AssignmentSuperseded {
		c.deviceMu.Unlock()
		return
	}
	if r.Status == StatusDisconnected {
		c.deviceMu.Unlock()
		return
	}
	controlURL := r.ControlURL
	server := r.Server
	video := a.video
	c.deviceMu.Unlock()

	token, mediaURL, subtitleURL, err := c.publish(video)
	if err != nil {
		c.activationFailed(rendererID, epoch, err)
		return
	}

	// stash the publication under the epoch fence; a stale attempt must
	// give its reference back
	c.deviceMu.Lock()
	if a2 := c.assignments[rendererID]; a2 != nil && a2.epoch == epoch {
		if a2.token != "" {
			// release whatever the assignment held so far: a previous
			// publication, or the extra reference on this one taken by
			// an earlier attempt for the same video
			c.media.Unpublish(a2.token)
		}
		a2.token = token
		a2.mediaURL = mediaURL
		a2.subtitleURL = subtitleURL
	} else {
		c.deviceMu.Unlock()
		c.media.Unpublish(token)
		return
	}
	c.deviceMu.Unlock()

	item := dlna.Item{
		Title:       video.Title,
		URI:         mediaURL,
		MIME:        video.MIME,
		Profile:     video.Profile,
		SubtitleURI: subtitleURL,
		SizeBytes:   video.SizeBytes,
		Duration:    video.Duration,
	}
	if c.profiles != nil {
		if profile, flags, ok := c.profiles(server); ok {
			item.Profile = profile
			item.Flags = flags
		}
	}
	metadata := dlna.Metadata(item)

	t := c.transports(controlURL)
	if err := c.loadAndPlay(ctx, t, mediaURL, metadata); err != nil {
		c.activationFailed(rendererID, epoch, err)
		return
	}
	if err := c.awaitPlaying(ctx, t); err != nil {
		c.activationFailed(rendererID, epoch, err)
		return
	}

	// success: reconcile under lock, still fenced by the epoch
	c.deviceMu.Lock()
	r, ok = c.renderers[rendererID]
	a = c.assignments[rendererID]
	if !ok || a == nil || a.epoch != epoch {
		c.deviceMu.Unlock()
		return
	}
	c.assignMu.Lock()
	a.setState(AssignmentActive)
	a.RetryCount = 0
	c.assignMu.Unlock()
	r.Status = StatusPlaying
	r.Snapshot = TransportSnapshot{State: dlna.StatePlaying, URI: mediaURL, Taken: time.Now().UTC()}
	c.deviceMu.Unlock()

	c.bump(func(s *Stats) { s.Activations++ })
	c.emit(Event{Kind: EventPlaybackStarted, RendererID: rendererID, VideoID: video.ID})
	c.saveAssignment(a)
	c.recordStatus(rendererID, string(StatusPlaying), 0)
	c.logger.Info("playback started", "renderer", rendererID, "video", video.ID, "url", mediaURL)

	c.startSupervisor(rendererID)
}

// loadAndPlay issues SetAVTransportURI then Play. A wrong-state refusal is
// resolved with a Stop and one more try.
func (c *Controller) loadAndPlay(ctx context.Context, t Transport, uri, metadata string) error {
	err := t.SetURI(ctx, uri, metadata)
	if err == nil {
		err = t.Play(ctx)
	}
	if err == nil {
		return nil
	}

	var refused *dlna.RendererRefusedError
	if errors.As(err, &refused) && refused.WrongState() {
		if stopErr := t.Stop(ctx); stopErr != nil {
			return err
		}
		if err := t.SetURI(ctx, uri, metadata); err != nil {
			return err
		}
		return t.Play(ctx)
	}
	return err
}

// awaitPlaying polls the transport state until it reports PLAYING or the
// activation window closes.
func (c *Controller) awaitPlaying(ctx context.Context, t Transport) error {
	deadline := time.Now().Add(c.opts.ActivationWait)
	for {
		state, err := t.TransportInfo(ctx)
		if err == nil && state == dlna.StatePlaying {
			return nil
		}
		if time.Now().After(deadline) {
			if err != nil {
				return err
			}
			return fmt.Errorf("renderer stuck in %s after %s", state, c.opts.ActivationWait)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(250 * time.Millisecond):
		}
	}
}

// activationFailed books one failed attempt and either schedules the next
// one or declares the assignment failed.
func (c *Controller) activationFailed(rendererID string, epoch uint64, cause error) {
	c.deviceMu.Lock()
	a := c.assignments[rendererID]
	if a == nil || a.epoch != epoch || a.State == AssignmentSuperseded {
		c.deviceMu.Unlock()
		return
	}

	c.assignMu.Lock()
	a.RetryCount++
	attempts := a.RetryCount
	var delay time.Duration
	exhausted := attempts >= c.opts.RetryMaxAttempts
	if exhausted {
		a.setState(AssignmentFailed)
	} else {
		delay = c.backoff(attempts)
		a.retryTimer = time.AfterFunc(delay, func() {
			c.activate(rendererID, epoch)
		})
	}
	videoID := a.VideoID
	c.assignMu.Unlock()
	c.deviceMu.Unlock()

	if exhausted {
		c.bump(func(s *Stats) { s.Failures++ })
		c.logger.Error("assignment failed",
			"renderer", rendererID, "video", videoID, "attempts", attempts, "error", cause)
		c.emit(Event{Kind: EventPlaybackFailed, RendererID: rendererID, VideoID: videoID, Detail: cause.Error()})
		c.recordStatus(rendererID, string(AssignmentFailed), 0)
		return
	}
	c.logger.Warn("activation attempt failed",
		"renderer", rendererID, "video", videoID, "attempt", attempts, "retry_in", delay, "error", cause)
}

// backoff computes the delay before attempt n (1-based): base doubled per
// prior attempt, capped.
func (c *Controller) backoff(attempt int) time.Duration {
	d := c.opts.RetryBase
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= c.opts.RetryCap {
			return c.opts.RetryCap
		}
	}
	if d > c.opts.RetryCap {
		d = c.opts.RetryCap
	}
	return d
}

func (c *Controller) publish(v catalog.VideoSnapshot) (token, mediaURL, subtitleURL string, err error) {
	token, mediaURL, err = c.media.Publish(mediaserver.Video{
		Path:         v.Path,
		Name:         v.Title + filepath.Ext(v.Path),
		MIME:         v.MIME,
		Profile:      v.Profile,
		SubtitlePath: v.SubtitlePath,
	})
	if err != nil {
		return "", "", "", fmt.Errorf("publish %q: %w", v.Path, err)
	}
	if v.SubtitlePath != "" {
		subtitleURL = c.media.SubtitleURL(token)
	}
	return token, mediaURL, subtitleURL, nil
}

func (c *Controller) saveAssignment(a *Assignment) {
	if c.library == nil {
		return
	}
	err := c.library.SaveAssignment(catalog.StoredAssignment{
		RendererID: a.RendererID,
		VideoID:    a.VideoID,
		Loop:       a.Loop,
		Priority:   a.Priority,
		Status:     string(a.State),
	})
	if err != nil {
		c.logger.Warn("persist assignment", "renderer", a.RendererID, "error", err)
	}
}

// Play is the operator override: assign at user priority.
func (c *Controller) Play(rendererID, videoID string, loop bool) error {
	return c.Assign(rendererID, videoID, userPriority, loop)
}

// Pause pauses playback without touching the assignment; the supervisor
// leaves a paused transport alone.
func (c *Controller) Pause(ctx context.Context, rendererID string) error {
	t, err := c.transportFor(rendererID)
	if err != nil {
		return err
	}
	if err := t.Pause(ctx); err != nil {
		return err
	}
	c.setStatus(rendererID, StatusPaused, dlna.StatePaused)
	c.recordStatus(rendererID, string(StatusPaused), 0)
	return nil
}

// Resume continues a paused transport.
func (c *Controller) Resume(ctx context.Context, rendererID string) error {
	t, err := c.transportFor(rendererID)
	if err != nil {
		return err
	}
	if err := t.Play(ctx); err != nil {
		return err
	}
	c.setStatus(rendererID, StatusPlaying, dlna.StatePlaying)
	c.recordStatus(rendererID, string(StatusPlaying), 0)
	return nil
}

// StopRenderer halts playback and retires the assignment entirely.
func (c *Controller) StopRenderer(ctx context.Context, rendererID string) error {
	c.deviceMu.Lock()
	r, ok := c.renderers[rendererID]
	if !ok {
		c.deviceMu.Unlock()
		return ErrUnknownRenderer
	}
	controlURL := r.ControlURL
	a := c.assignments[rendererID]
	delete(c.assignments, rendererID)
	var token string
	if a != nil {
		c.assignMu.Lock()
		a.cancelRetry()
		a.setState(AssignmentSuperseded)
		c.assignMu.Unlock()
		token = a.token
	}
	r.Status = StatusStopped
	c.deviceMu.Unlock()

	c.stopSupervisor(rendererID)
	if token != "" {
		c.media.Unpublish(token)
	}
	if c.library != nil {
		if err := c.library.DeleteAssignment(rendererID); err != nil {
			c.logger.Warn("delete stored assignment", "renderer", rendererID, "error", err)
		}
	}

	t := c.transports(controlURL)
	if err := t.Stop(ctx); err != nil {
		c.logger.Warn("stop renderer", "renderer", rendererID, "error", err)
		return err
	}
	return nil
}

// SeekRenderer jumps to an absolute position. Seek support is assumed until
// a renderer refuses it, then the capability flag is cleared.
func (c *Controller) SeekRenderer(ctx context.Context, rendererID string, pos time.Duration) error {
	c.deviceMu.Lock()
	r, ok := c.renderers[rendererID]
	if !ok {
		c.deviceMu.Unlock()
		return ErrUnknownRenderer
	}
	if !r.Caps.Seek {
		c.deviceMu.Unlock()
		return dlna.ErrUnsupported
	}
	controlURL := r.ControlURL
	c.deviceMu.Unlock()

	t := c.transports(controlURL)
	err := t.Seek(ctx, pos)
	if errors.Is(err, dlna.ErrUnsupported) {
		c.deviceMu.Lock()
		if r, ok := c.renderers[rendererID]; ok {
			r.Caps.Seek = false
		}
		c.deviceMu.Unlock()
	}
	return err
}

func (c *Controller) transportFor(rendererID string) (Transport, error) {
	c.deviceMu.Lock()
	r, ok := c.renderers[rendererID]
	if !ok {
		c.deviceMu.Unlock()
		return nil, ErrUnknownRenderer
	}
	controlURL := r.ControlURL
	c.deviceMu.Unlock()
	return c.transports(controlURL), nil
}

func (c *Controller) setStatus(rendererID string, st Status, transportState string) {
	c.deviceMu.Lock()
	if r, ok := c.renderers[rendererID]; ok {
		r.Status = st
		r.Snapshot.State = transportState
		r.Snapshot.Taken = time.Now().UTC()
	}
	c.deviceMu.Unlock()
}

