package dlna

import (
	"bytes"
	"encoding/xml"
	"fmt"
	"strings"
)

const avTransportService = "urn:schemas-upnp-org:service:AVTransport:1"

// actionArg is a single in-argument of an AVTransport action.
type actionArg struct {
	name  string
	value string
}

// buildEnvelope wraps an action and its arguments in a SOAP envelope. All
// argument values are XML-escaped here, so callers pass raw strings.
func buildEnvelope(action string, args []actionArg) string {
	var b strings.Builder
	b.WriteString(`<?xml version="1.0" encoding="utf-8"?>`)
	b.WriteString("\n")
	b.WriteString(`<s:Envelope xmlns:s="http://schemas.xmlsoap.org/soap/envelope/" s:encodingStyle="http://schemas.xmlsoap.org/soap/encoding/">`)
	b.WriteString("<s:Body>")
	fmt.Fprintf(&b, `<u:%s xmlns:u="%s">`, action, avTransportService)
	b.WriteString("<InstanceID>0</InstanceID>")
	for _, a := range args {
		fmt.Fprintf(&b, "<%s>%s</%s>", a.name, escapeXML(a.value), a.name)
	}
	fmt.Fprintf(&b, "</u:%s>", action)
	b.WriteString("</s:Body></s:Envelope>")
	return b.String()
}

type soapEnvelope struct {
	XMLName xml.Name `xml:"Envelope"`
	Body    soapBody `xml:"Body"`
}

type soapBody struct {
	Fault                 *soapFault             `xml:"Fault"`
	PositionInfoResponse  *positionInfoResponse  `xml:"GetPositionInfoResponse"`
	TransportInfoResponse *transportInfoResponse `xml:"GetTransportInfoResponse"`
}

type soapFault struct {
	FaultCode   string `xml:"faultcode"`
	FaultString string `xml:"faultstring"`
	Detail      struct {
		UPnPError struct {
			Code        int    `xml:"errorCode"`
			Description string `xml:"errorDescription"`
		} `xml:"UPnPError"`
	} `xml:"detail"`
}

type positionInfoResponse struct {
	Track         string `xml:"Track"`
	TrackDuration string `xml:"TrackDuration"`
	TrackURI      string `xml:"TrackURI"`
	RelTime       string `xml:"RelTime"`
	AbsTime       string `xml:"AbsTime"`
}

type transportInfoResponse struct {
	CurrentTransportState  string `xml:"CurrentTransportState"`
	CurrentTransportStatus string `xml:"CurrentTransportStatus"`
	CurrentSpeed           string `xml:"CurrentSpeed"`
}

// parseEnvelope decodes a SOAP response body. A UTF-8 BOM before the XML
// declaration is tolerated; several renderer firmwares emit one.
func parseEnvelope(body []byte) (*soapEnvelope, error) {
	body = bytes.TrimPrefix(body, []byte("\xef\xbb\xbf"))

	var env soapEnvelope
	if err := xml.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("parse SOAP response: %w", err)
	}
	return &env, nil
}

func escapeXML(s string) string {
	s = strings.ReplaceAll(s, "&", "&amp;")
	s = strings.ReplaceAll(s, "<", "&lt;")
	s = strings.ReplaceAll(s, ">", "&gt;")
	s = strings.ReplaceAll(s, "\"", "&quot;")
	s = strings.ReplaceAll(s, "'", "&apos;")
	return s
}
