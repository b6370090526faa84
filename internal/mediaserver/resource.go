package mediaserver

import (
	"io"
	"time"
)

// ResourceMode determines how published files are opened for serving.
type ResourceMode int

const (
	ModeUnknown ResourceMode = iota
	ModeDirect
	ModeBuffered
)

// resource is a streamable view of a published file. Closing it releases
// the file handle and the IO slot it holds.
type resource interface {
	io.ReadSeekCloser
	Name() string
	ModTime() time.Time
	Size() int64
}

var (
	_ resource = (*directFile)(nil)
	_ resource = (*bufferedFile)(nil)
)
