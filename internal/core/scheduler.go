package core

import (
	"fmt"
	"slices"
	"time"

	"github.com/robfig/cron/v3"
)

// scheduleEntry is one queued assignment, either recurring (cron spec) or
// one-shot (fire time).
type scheduleEntry struct {
	ID         int
	Spec       string
	At         time.Time
	RendererID string
	VideoID    string
	Priority   int
	Loop       bool

	cronID cron.EntryID
	timer  *time.Timer
}

func (e *scheduleEntry) cancel(c *cron.Cron) {
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}
	if e.cronID != 0 {
		c.Remove(e.cronID)
		e.cronID = 0
	}
}

// ScheduleView is the read-only snapshot of a schedule entry.
type ScheduleView struct {
	ID         int       `json:"id"`
	Spec       string    `json:"spec,omitempty"`
	At         time.Time `json:"at,omitempty"`
	RendererID string    `json:"renderer_id"`
	VideoID    string    `json:"video_id"`
	Priority   int       `json:"priority"`
	Loop       bool      `json:"loop"`
}

// ScheduleCron registers a recurring assignment using a standard five-field
// cron spec and returns its schedule id.
func (c *Controller) ScheduleCron(spec, rendererID, videoID string, priority int, loop bool) (int, error) {
	c.assignMu.Lock()
	defer c.assignMu.Unlock()

	c.nextSched++
	e := &scheduleEntry{
		ID:         c.nextSched,
		Spec:       spec,
		RendererID: rendererID,
		VideoID:    videoID,
		Priority:   priority,
		Loop:       loop,
	}

	id, err := c.cron.AddFunc(spec, func() { c.fireSchedule(e) })
	if err != nil {
		return 0, fmt.Errorf("schedule %q: %w", spec, err)
	}
	e.cronID = id
	c.schedules[e.ID] = e

	c.logger.Info("assignment scheduled",
		"schedule", e.ID, "spec", spec, "renderer", rendererID, "video", videoID)
	return e.ID, nil
}

// ScheduleAt registers a one-shot assignment at the given time.
func (c *Controller) ScheduleAt(at time.Time, rendererID, videoID string, priority int, loop bool) (int, error) {
	delay := time.Until(at)
	if delay < 0 {
		return 0, fmt.Errorf("schedule time %s is in the past", at.Format(time.RFC3339))
	}

	c.assignMu.Lock()
	defer c.assignMu.Unlock()

	c.nextSched++
	e := &scheduleEntry{
		ID:         c.nextSched,
		At:         at,
		RendererID: rendererID,
		VideoID:    videoID,
		Priority:   priority,
		Loop:       loop,
	}
	e.timer = time.AfterFunc(delay, func() {
		c.fireSchedule(e)
		c.assignMu.Lock()
		delete(c.schedules, e.ID)
		c.assignMu.Unlock()
	})
	c.schedules[e.ID] = e

	c.logger.Info("assignment scheduled",
		"schedule", e.ID, "at", at.Format(time.RFC3339), "renderer", rendererID, "video", videoID)
	return e.ID, nil
}

func (c *Controller) fireSchedule(e *scheduleEntry) {
	if c.closing.Load() {
		return
	}
	if err := c.Assign(e.RendererID, e.VideoID, e.Priority, e.Loop); err != nil {
		c.logger.Warn("scheduled assignment rejected",
			"schedule", e.ID, "renderer", e.RendererID, "video", e.VideoID, "error", err)
	}
}

// CancelSchedule removes a schedule entry; false when the id is unknown.
func (c *Controller) CancelSchedule(id int) bool {
	c.assignMu.Lock()
	defer c.assignMu.Unlock()

	e, ok := c.schedules[id]
	if !ok {
		return false
	}
	e.cancel(c.cron)
	delete(c.schedules, id)
	return true
}

// Schedules lists the queued assignments ordered by id.
func (c *Controller) Schedules() []ScheduleView {
	c.assignMu.Lock()
	defer c.assignMu.Unlock()

	out := make([]ScheduleView, 0, len(c.schedules))
	for _, e := range c.schedules {
		out = append(out, ScheduleView{
			ID:         e.ID,
			Spec:       e.Spec,
			At:         e.At,
			RendererID: e.RendererID,
			VideoID:    e.VideoID,
			Priority:   e.Priority,
			Loop:       e.Loop,
		})
	}
	slices.SortFunc(out, func(a, b ScheduleView) int { return a.ID - b.ID })
	return out
}
