package dlna

import (
	"errors"
	"fmt"
)

var (
	// ErrTransport covers socket, DNS and timeout failures talking to a renderer.
	ErrTransport = errors.New("renderer transport error")

	// ErrUnsupported means the renderer rejected an optional action outright.
	ErrUnsupported = errors.New("action not supported by renderer")
)

// UPnP error codes that matter to callers.
const (
	upnpInvalidAction          = 401
	upnpOptionalNotImplemented = 602
	// "wrong transport state" family; resolved by issuing Stop and retrying.
	upnpTransitionNotAvailable = 701
	upnpIllegalMIMEType        = 714
	upnpResourceNotFound       = 718
)

// RendererRefusedError is a SOAP fault returned by the renderer.
type RendererRefusedError struct {
	Code        int
	Description string
}

func (e *RendererRefusedError) Error() string {
	return fmt.Sprintf("renderer refused action: %d %s", e.Code, e.Description)
}

// WrongState reports whether the fault is the transient "wrong transport
// state" family that a Stop usually clears.
func (e *RendererRefusedError) WrongState() bool {
	switch e.Code {
	case upnpTransitionNotAvailable, upnpIllegalMIMEType, upnpResourceNotFound:
		return true
	}
	return false
}

// Retriable reports whether the fault class is worth retrying under backoff.
func (e *RendererRefusedError) Retriable() bool {
	return e.Code >= 500 && e.Code < 600
}
