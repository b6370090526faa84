package core

import (
	"time"

	"castkeeper/internal/catalog"
	"castkeeper/internal/observability"
)

type AssignmentState string

const (
	AssignmentPending    AssignmentState = "pending"
	AssignmentActive     AssignmentState = "active"
	AssignmentFailed     AssignmentState = "failed"
	AssignmentSuperseded AssignmentState = "superseded"
)

// Assignment binds one video to one renderer. At most one per renderer is
// pending or active; a newer assignment supersedes the older one under lock
// before any SOAP traffic happens.
type Assignment struct {
	RendererID string
	VideoID    string
	Priority   int
	Loop       bool
	State      AssignmentState
	CreatedAt  time.Time
	RetryCount int

	// epoch fences activation and retries: any in-flight attempt carrying a
	// stale epoch finds out under lock and gives up
	epoch uint64

	video       catalog.VideoSnapshot
	token       string
	mediaURL    string
	subtitleURL string
	retryTimer  *time.Timer
}

func (a *Assignment) setState(s AssignmentState) {
	if a.State == s {
		return
	}
	a.State = s
	observability.AssignmentTransitions.WithLabelValues(string(s)).Inc()
}

// cancelRetry stops a scheduled retry, if any. The epoch fence catches a
// timer that already fired.
func (a *Assignment) cancelRetry() {
	if a.retryTimer != nil {
		a.retryTimer.Stop()
		a.retryTimer = nil
	}
}

// AssignmentView is the read-only snapshot of an assignment.
type AssignmentView struct {
	VideoID    string          `json:"video_id"`
	VideoTitle string          `json:"video_title,omitempty"`
	MediaURL   string          `json:"media_url,omitempty"`
	Priority   int             `json:"priority"`
	Loop       bool            `json:"loop"`
	State      AssignmentState `json:"state"`
	RetryCount int             `json:"retry_count"`
	CreatedAt  time.Time       `json:"created_at"`
}

func (a *Assignment) view() *AssignmentView {
	return &AssignmentView{
		VideoID:    a.VideoID,
		VideoTitle: a.video.Title,
		MediaURL:   a.mediaURL,
		Priority:   a.Priority,
		Loop:       a.Loop,
		State:      a.State,
		RetryCount: a.RetryCount,
		CreatedAt:  a.CreatedAt,
	}
}
