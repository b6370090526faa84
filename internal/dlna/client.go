package dlna

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"castkeeper/internal/observability"
)

// Transport state values reported by GetTransportInfo.
const (
	StatePlaying       = "PLAYING"
	StatePaused        = "PAUSED_PLAYBACK"
	StateStopped       = "STOPPED"
	StateTransitioning = "TRANSITIONING"
	StateNoMedia       = "NO_MEDIA_PRESENT"
)

const (
	defaultTimeout = 5 * time.Second
	retryDelay     = 500 * time.Millisecond
)

// Position is the parsed result of GetPositionInfo.
type Position struct {
	Elapsed  time.Duration
	Duration time.Duration
	URI      string
}

// Client issues AVTransport SOAP actions against a single renderer's
// control URL. All calls are blocking and honor the context; transport
// failures are retried once after a short delay.
type Client struct {
	controlURL string
	httpClient *http.Client
	logger     *slog.Logger
}

func NewClient(controlURL string, timeout time.Duration, logger *slog.Logger) *Client {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Client{
		controlURL: controlURL,
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger.With("control_url", controlURL),
	}
}

// SetURI loads a media URL into the renderer's transport.
func (c *Client) SetURI(ctx context.Context, uri, metadata string) error {
	_, err := c.invoke(ctx, "SetAVTransportURI", []actionArg{
		{"CurrentURI", uri},
		{"CurrentURIMetaData", metadata},
	})
	return err
}

// Play starts playback at normal speed.
func (c *Client) Play(ctx context.Context) error {
	_, err := c.invoke(ctx, "Play", []actionArg{{"Speed", "1"}})
	return err
}

func (c *Client) Pause(ctx context.Context) error {
	_, err := c.invoke(ctx, "Pause", nil)
	return err
}

func (c *Client) Stop(ctx context.Context) error {
	_, err := c.invoke(ctx, "Stop", nil)
	return err
}

// Seek jumps to an absolute position using REL_TIME units.
func (c *Client) Seek(ctx context.Context, pos time.Duration) error {
	_, err := c.invoke(ctx, "Seek", []actionArg{
		{"Unit", "REL_TIME"},
		{"Target", FormatClock(pos)},
	})
	return err
}

// PositionInfo returns the renderer's current track position and URI.
func (c *Client) PositionInfo(ctx context.Context) (Position, error) {
	env, err := c.invoke(ctx, "GetPositionInfo", nil)
	if err != nil {
		return Position{}, err
	}
	resp := env.Body.PositionInfoResponse
	if resp == nil {
		return Position{}, fmt.Errorf("GetPositionInfo: response body missing")
	}

	elapsed, err := ParseClock(resp.RelTime)
	if err != nil {
		return Position{}, fmt.Errorf("GetPositionInfo: %w", err)
	}
	duration, err := ParseClock(resp.TrackDuration)
	if err != nil {
		return Position{}, fmt.Errorf("GetPositionInfo: %w", err)
	}

	return Position{Elapsed: elapsed, Duration: duration, URI: resp.TrackURI}, nil
}

// TransportInfo returns CurrentTransportState (PLAYING, STOPPED, ...).
func (c *Client) TransportInfo(ctx context.Context) (string, error) {
	env, err := c.invoke(ctx, "GetTransportInfo", nil)
	if err != nil {
		return "", err
	}
	resp := env.Body.TransportInfoResponse
	if resp == nil {
		return "", fmt.Errorf("GetTransportInfo: response body missing")
	}
	return resp.CurrentTransportState, nil
}

func (c *Client) invoke(ctx context.Context, action string, args []actionArg) (*soapEnvelope, error) {
	env, err := c.post(ctx, action, args)
	if err == nil {
		observability.SOAPActions.WithLabelValues(action, "ok").Inc()
		return env, nil
	}

	// one retry on transport-class failures only
	if errors.Is(err, ErrTransport) && ctx.Err() == nil {
		c.logger.Debug("transport error, retrying", "action", action, "error", err)
		select {
		case <-ctx.Done():
			observability.SOAPActions.WithLabelValues(action, "transport").Inc()
			return nil, fmt.Errorf("%w: %w", ErrTransport, ctx.Err())
		case <-time.After(retryDelay):
		}
		if env, err = c.post(ctx, action, args); err == nil {
			observability.SOAPActions.WithLabelValues(action, "ok").Inc()
			return env, nil
		}
	}

	switch {
	case errors.Is(err, ErrTransport):
		observability.SOAPActions.WithLabelValues(action, "transport").Inc()
	case errors.Is(err, ErrUnsupported):
		observability.SOAPActions.WithLabelValues(action, "unsupported").Inc()
	default:
		observability.SOAPActions.WithLabelValues(action, "refused").Inc()
	}
	return nil, err
}

func (c *Client) post(ctx context.Context, action string, args []actionArg) (*soapEnvelope, error) {
	body := buildEnvelope(action, args)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.controlURL, bytes.NewBufferString(body))
	if err != nil {
		return nil, fmt.Errorf("build %s request: %w", action, err)
	}
	req.Header.Set("Content-Type", `text/xml; charset="utf-8"`)
	req.Header.Set("SOAPACTION", fmt.Sprintf("%q", avTransportService+"#"+action))

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrTransport, action, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: read %s response: %w", ErrTransport, action, err)
	}

	env, parseErr := parseEnvelope(respBody)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		if parseErr == nil && env.Body.Fault != nil {
			code := env.Body.Fault.Detail.UPnPError.Code
			desc := env.Body.Fault.Detail.UPnPError.Description
			if desc == "" {
				desc = env.Body.Fault.FaultString
			}
			if code == upnpInvalidAction || code == upnpOptionalNotImplemented {
				return nil, fmt.Errorf("%w: %s (%d)", ErrUnsupported, desc, code)
			}
			return nil, &RendererRefusedError{Code: code, Description: desc}
		}
		return nil, &RendererRefusedError{
			Code:        resp.StatusCode,
			Description: http.StatusText(resp.StatusCode),
		}
	}

	if parseErr != nil {
		return nil, fmt.Errorf("%s: %w", action, parseErr)
	}
	return env, nil
}
