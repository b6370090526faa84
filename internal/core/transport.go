package core

import (
	"context"
	"time"

	"castkeeper/internal/catalog"
	"castkeeper/internal/dlna"
	"castkeeper/internal/mediaserver"
)

// Transport is the capability surface of one renderer's AVTransport
// service. *dlna.Client is the production implementation; tests substitute
// fakes.
type Transport interface {
	SetURI(ctx context.Context, uri, metadata string) error
	Play(ctx context.Context) error
	Pause(ctx context.Context) error
	Stop(ctx context.Context) error
	Seek(ctx context.Context, pos time.Duration) error
	PositionInfo(ctx context.Context) (dlna.Position, error)
	TransportInfo(ctx context.Context) (string, error)
}

// TransportFactory builds the transport for a control URL.
type TransportFactory func(controlURL string) Transport

var _ Transport = (*dlna.Client)(nil)

// Publisher is the slice of the media server the controller drives.
type Publisher interface {
	Publish(v mediaserver.Video) (token, mediaURL string, err error)
	Unpublish(token string)
	SubtitleURL(token string) string
}

var _ Publisher = (*mediaserver.Server)(nil)

// Library is the catalog collaborator: video lookups plus durable
// assignment status. A nil Library disables persistence.
type Library interface {
	Video(id string) (catalog.VideoSnapshot, error)
	RecordDuration(id string, d time.Duration) error
	SaveAssignment(a catalog.StoredAssignment) error
	DeleteAssignment(rendererID string) error
	RecordStatus(rendererID, status string, pos time.Duration) error
}

var _ Library = (*catalog.Catalog)(nil)
