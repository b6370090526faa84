package mediaserver

import "errors"

var (
	// ErrBindExhausted means no port in the configured range could be bound.
	// Fatal to the media server and therefore to the whole core.
	ErrBindExhausted = errors.New("no free port in media port range")

	// ErrNotPublished is returned for requests whose token is unknown.
	ErrNotPublished = errors.New("token not published")

	// ErrFileMissing means the published file disappeared from disk.
	ErrFileMissing = errors.New("published file missing")
)
