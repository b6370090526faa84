package core

import (
	"time"

	"castkeeper/internal/discovery"
)

type Status string

const (
	StatusDiscovered   Status = "discovered"
	StatusConnected    Status = "connected"
	StatusPlaying      Status = "playing"
	StatusPaused       Status = "paused"
	StatusStopped      Status = "stopped"
	StatusDisconnected Status = "disconnected"
)

// Capabilities are the AVTransport actions a renderer is believed to
// support. SCPD documents are not parsed; optional actions start enabled
// and are cleared on the first refusal.
type Capabilities struct {
	Seek       bool
	SetNextURI bool
}

// TransportSnapshot is the last observed AVTransport state of a renderer.
type TransportSnapshot struct {
	State    string
	URI      string
	Position time.Duration
	Duration time.Duration
	Taken    time.Time
}

// Renderer is the authoritative per-renderer record. Mutated only under
// the controller's device lock.
type Renderer struct {
	ID           string
	Name         string
	ControlURL   string
	Location     string
	Server       string
	Caps         Capabilities
	Status       Status
	LastSeen     time.Time
	Snapshot     TransportSnapshot
	missedSweeps int
}

func newRenderer(d *discovery.Descriptor) *Renderer {
	return &Renderer{
		ID:         d.ID,
		Name:       d.FriendlyName,
		ControlURL: d.ControlURL,
		Location:   d.Location,
		Server:     d.Server,
		Caps:       Capabilities{Seek: true, SetNextURI: true},
		Status:     StatusDiscovered,
		LastSeen:   d.LastSeen,
	}
}

// refresh updates the mutable descriptor fields in place, keeping identity
// and any assignment untouched.
func (r *Renderer) refresh(d *discovery.Descriptor) {
	if d.FriendlyName != "" {
		r.Name = d.FriendlyName
	}
	if d.ControlURL != "" {
		r.ControlURL = d.ControlURL
	}
	r.Location = d.Location
	r.Server = d.Server
	r.LastSeen = d.LastSeen
	r.missedSweeps = 0
}

// RendererView is the read-only snapshot handed out by the controller.
type RendererView struct {
	ID         string            `json:"id"`
	Name       string            `json:"name"`
	ControlURL string            `json:"control_url"`
	Server     string            `json:"server,omitempty"`
	Status     Status            `json:"status"`
	LastSeen   time.Time         `json:"last_seen"`
	Transport  TransportSnapshot `json:"transport"`
	Assignment *AssignmentView   `json:"assignment,omitempty"`
}
