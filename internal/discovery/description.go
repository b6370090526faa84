package discovery

import (
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
)

// ErrBadDescription marks a device description that could not be fetched or
// does not expose an AVTransport service. Such devices are dropped silently.
var ErrBadDescription = errors.New("bad device description")

const avTransportServiceType = "urn:schemas-upnp-org:service:AVTransport:1"

// maximum description document we are willing to read
const maxDescriptionBytes = 256 * 1024

type deviceDescription struct {
	Device struct {
		UDN          string `xml:"UDN"`
		FriendlyName string `xml:"friendlyName"`
		Manufacturer string `xml:"manufacturer"`
		ModelName    string `xml:"modelName"`
		ServiceList  struct {
			Service []struct {
				ServiceType string `xml:"serviceType"`
				ControlURL  string `xml:"controlURL"`
				EventSubURL string `xml:"eventSubURL"`
				SCPDURL     string `xml:"SCPDURL"`
			} `xml:"service"`
		} `xml:"serviceList"`
	} `xml:"device"`
}

// fetchDescription retrieves and parses the device description at location,
// returning the friendly name, UDN and absolute AVTransport control URL.
func fetchDescription(ctx context.Context, client *http.Client, location string) (name, udn, controlURL string, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, location, nil)
	if err != nil {
		return "", "", "", fmt.Errorf("%w: %w", ErrBadDescription, err)
	}

	resp, err := client.Do(req)
	if err != nil {
		return "", "", "", fmt.Errorf("%w: fetch %s: %w", ErrBadDescription, location, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", "", "", fmt.Errorf("%w: fetch %s: status %d", ErrBadDescription, location, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxDescriptionBytes))
	if err != nil {
		return "", "", "", fmt.Errorf("%w: read %s: %w", ErrBadDescription, location, err)
	}

	return parseDescription(body, location)
}

func parseDescription(body []byte, location string) (name, udn, controlURL string, err error) {
	var desc deviceDescription
	if err := xml.Unmarshal(body, &desc); err != nil {
		return "", "", "", fmt.Errorf("%w: parse: %w", ErrBadDescription, err)
	}

	var rawControl string
	for _, svc := range desc.Device.ServiceList.Service {
		if strings.Contains(svc.ServiceType, ":service:AVTransport:") {
			rawControl = svc.ControlURL
			break
		}
	}
	if rawControl == "" {
		return "", "", "", fmt.Errorf("%w: no AVTransport service at %s", ErrBadDescription, location)
	}

	abs, err := resolveURL(location, rawControl)
	if err != nil {
		return "", "", "", fmt.Errorf("%w: control URL: %w", ErrBadDescription, err)
	}

	return desc.Device.FriendlyName, desc.Device.UDN, abs, nil
}

// resolveURL makes a possibly-relative control URL absolute against the
// description's location.
func resolveURL(location, ref string) (string, error) {
	base, err := url.Parse(location)
	if err != nil {
		return "", err
	}
	r, err := url.Parse(ref)
	if err != nil {
		return "", err
	}
	return base.ResolveReference(r).String(), nil
}
