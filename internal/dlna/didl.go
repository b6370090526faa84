package dlna

import (
	"fmt"
	"strings"
	"time"
)

// DefaultFlags is the DLNA.ORG_FLAGS bitfield advertised when a renderer
// profile does not override it (streaming transfer, DLNA v1.5).
const DefaultFlags = "01700000000000000000000000000000"

// Item describes one media resource for DIDL-Lite metadata.
type Item struct {
	Title       string
	URI         string
	MIME        string
	Profile     string // DLNA profile, e.g. AVC_MP4_HP_HD_AAC; may be empty
	Flags       string // DLNA.ORG_FLAGS value; DefaultFlags when empty
	SubtitleURI string
	SizeBytes   int64
	Duration    time.Duration // zero when unknown
}

// ProtocolInfo builds the http-get protocolInfo string for the item. The
// fourth field carries the DLNA attributes renderers use to decide whether
// to accept the stream before fetching a byte.
func (it Item) ProtocolInfo() string {
	flags := it.Flags
	if flags == "" {
		flags = DefaultFlags
	}
	var attrs strings.Builder
	if it.Profile != "" {
		fmt.Fprintf(&attrs, "DLNA.ORG_PN=%s;", it.Profile)
	}
	fmt.Fprintf(&attrs, "DLNA.ORG_OP=01;DLNA.ORG_CI=0;DLNA.ORG_FLAGS=%s", flags)
	return fmt.Sprintf("http-get:*:%s:%s", it.MIME, attrs.String())
}

// Metadata renders the DIDL-Lite fragment carried in CurrentURIMetaData.
// The res URL must equal the CurrentURI handed to SetAVTransportURI, or
// many renderers silently refuse to start.
func Metadata(it Item) string {
	var b strings.Builder

	b.WriteString(`<DIDL-Lite xmlns="urn:schemas-upnp-org:metadata-1-0/DIDL-Lite/" `)
	b.WriteString(`xmlns:dc="http://purl.org/dc/elements/1.1/" `)
	b.WriteString(`xmlns:upnp="urn:schemas-upnp-org:metadata-1-0/upnp/" `)
	b.WriteString(`xmlns:dlna="urn:schemas-dlna-org:metadata-1-0/">`)

	b.WriteString(`<item id="0" parentID="-1" restricted="1">`)
	fmt.Fprintf(&b, "<dc:title>%s</dc:title>", escapeXML(it.Title))
	b.WriteString("<upnp:class>object.item.videoItem</upnp:class>")

	fmt.Fprintf(&b, `<res protocolInfo="%s"`, it.ProtocolInfo())
	if it.SizeBytes > 0 {
		fmt.Fprintf(&b, ` size="%d"`, it.SizeBytes)
	}
	if it.Duration > 0 {
		fmt.Fprintf(&b, ` duration="%s"`, FormatClock(it.Duration))
	}
	fmt.Fprintf(&b, ">%s</res>", escapeXML(it.URI))

	if it.SubtitleURI != "" {
		fmt.Fprintf(&b, `<res protocolInfo="http-get:*:text/srt:*">%s</res>`, escapeXML(it.SubtitleURI))
	}

	b.WriteString("</item></DIDL-Lite>")
	return b.String()
}
