package discovery

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/jellydator/ttlcache/v3"
	"golang.org/x/net/ipv4"

	"castkeeper/internal/observability"
)

const (
	ssdpAddr        = "239.255.255.250:1900"
	searchMX        = 2
	searchRepeats   = 3
	searchSpacing   = 250 * time.Millisecond
	multicastTTL    = 2
	presenceFactor  = 2.5 // presence TTL = presenceFactor * CACHE-CONTROL max-age
	defaultMaxAge   = 1800 * time.Second
	readBufferBytes = 8192 // NOTIFY bursts can exceed one MTU
)

type EventKind string

const (
	EventAppeared  EventKind = "appeared"
	EventRefreshed EventKind = "refreshed"
	EventByebye    EventKind = "byebye"
	// EventSweep carries the set of renderer ids currently present; emitted
	// once per search interval so the controller can run its presence sync.
	EventSweep EventKind = "sweep"
)

// Descriptor is everything we know about a renderer from SSDP plus its
// device description.
type Descriptor struct {
	ID           string // stable id derived from the USN uuid
	USN          string
	Location     string
	Server       string
	FriendlyName string
	ControlURL   string
	MaxAge       time.Duration
	LastSeen     time.Time
}

type Event struct {
	Kind       EventKind
	ID         string
	Descriptor *Descriptor // set for appeared/refreshed
	Present    []string    // set for sweep
}

// Searcher finds UPnP MediaRenderers: it multicasts M-SEARCH on a cadence,
// listens for unicast replies and multicast NOTIFYs, fetches device
// descriptions and reports appearances and disappearances as events.
type Searcher struct {
	searchInterval time.Duration
	descTimeout    time.Duration
	logger         *slog.Logger
	httpClient     *http.Client

	events chan Event
	cache  *ttlcache.Cache[string, *Descriptor]

	uconn *net.UDPConn // unicast socket: sends M-SEARCH, receives replies
	mconn *net.UDPConn // multicast socket: receives NOTIFY

	mu       sync.Mutex
	inflight map[string]bool // description fetches in progress, by USN

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewSearcher(searchInterval, descriptionTimeout time.Duration, logger *slog.Logger) *Searcher {
	s := &Searcher{
		searchInterval: searchInterval,
		descTimeout:    descriptionTimeout,
		logger:         logger,
		httpClient:     &http.Client{Timeout: descriptionTimeout},
		events:         make(chan Event, 64),
		inflight:       make(map[string]bool),
	}

	s.cache = ttlcache.New[string, *Descriptor]()
	s.cache.OnEviction(func(_ context.Context, reason ttlcache.EvictionReason, item *ttlcache.Item[string, *Descriptor]) {
		// expiry means the device went silent past its advertised lifetime
		if reason == ttlcache.EvictionReasonExpired {
			s.emit(Event{Kind: EventByebye, ID: item.Value().ID})
		}
	})

	return s
}

// Events returns the event stream. The channel is closed after Stop once
// all internal goroutines have exited.
func (s *Searcher) Events() <-chan Event { return s.events }

// Start opens the SSDP sockets and begins sweeping. The searcher stops when
// ctx is cancelled or Stop is called.
func (s *Searcher) Start(ctx context.Context) error {
	addr, err := net.ResolveUDPAddr("udp4", ssdpAddr)
	if err != nil {
		return fmt.Errorf("resolve SSDP address: %w", err)
	}

	uconn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4zero})
	if err != nil {
		return fmt.Errorf("open search socket: %w", err)
	}
	if err := ipv4.NewPacketConn(uconn).SetMulticastTTL(multicastTTL); err != nil {
		s.logger.Warn("set multicast TTL", "error", err)
	}
	s.uconn = uconn

	mconn, err := net.ListenMulticastUDP("udp4", nil, addr)
	if err != nil {
		uconn.Close()
		return fmt.Errorf("join SSDP multicast group: %w", err)
	}
	s.mconn = mconn

	ctx, s.cancel = context.WithCancel(ctx)

	go s.cache.Start() // background TTL expiry

	s.wg.Add(3)
	go s.sweepLoop(ctx, addr)
	go s.readLoop(ctx, uconn)
	go s.readLoop(ctx, mconn)

	go func() {
		<-ctx.Done()
		uconn.Close()
		mconn.Close()
		s.cache.Stop()
		s.wg.Wait()
		close(s.events)
	}()

	return nil
}

// Stop closes the sockets. No further events are emitted after the events
// channel closes.
func (s *Searcher) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
}

func (s *Searcher) sweepLoop(ctx context.Context, dst *net.UDPAddr) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.searchInterval)
	defer ticker.Stop()

	s.sendSearch(ctx, dst)

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("stopping SSDP searcher")
			return
		case <-ticker.C:
			// report who answered during the elapsed interval, then sweep again
			s.emit(Event{Kind: EventSweep, Present: s.presentIDs()})
			s.sendSearch(ctx, dst)
		}
	}
}

func (s *Searcher) sendSearch(ctx context.Context, dst *net.UDPAddr) {
	msg := fmt.Sprintf(
		"M-SEARCH * HTTP/1.1\r\n"+
			"HOST: %s\r\n"+
			"MAN: \"ssdp:discover\"\r\n"+
			"MX: %d\r\n"+
			"ST: %s\r\n"+
			"\r\n",
		ssdpAddr, searchMX, avTransportServiceType,
	)

	for i := 0; i < searchRepeats; i++ {
		if _, err := s.uconn.WriteToUDP([]byte(msg), dst); err != nil {
			if ctx.Err() == nil {
				s.logger.Error("M-SEARCH write", "error", err)
			}
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(searchSpacing):
		}
	}
}

func (s *Searcher) readLoop(ctx context.Context, conn *net.UDPConn) {
	defer s.wg.Done()

	buf := make([]byte, readBufferBytes)
	for {
		n, src, err := conn.ReadFromUDP(buf)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			s.logger.Error("SSDP read", "error", err)
			return
		}
		s.handleMessage(ctx, string(buf[:n]), src)
	}
}

func (s *Searcher) handleMessage(ctx context.Context, msg string, src *net.UDPAddr) {
	lines := strings.Split(msg, "\r\n")
	if len(lines) == 0 {
		return
	}
	start := lines[0]
	headers := parseHeaders(lines[1:])

	switch {
	case strings.HasPrefix(start, "HTTP/1.1 200"):
		s.handleAlive(ctx, headers, src)
	case strings.HasPrefix(start, "NOTIFY"):
		switch strings.ToLower(headers["nts"]) {
		case "ssdp:alive":
			s.handleAlive(ctx, headers, src)
		case "ssdp:byebye":
			s.handleByebye(headers)
		}
	}
}

// handleAlive processes a search reply or an alive NOTIFY. New devices
// trigger an asynchronous description fetch; known ones just refresh their
// presence TTL.
func (s *Searcher) handleAlive(ctx context.Context, headers map[string]string, src *net.UDPAddr) {
	usn := headers["usn"]
	location := headers["location"]
	if usn == "" || location == "" {
		return
	}

	// search replies carry ST, NOTIFYs carry NT
	target := headers["st"]
	if target == "" {
		target = headers["nt"]
	}
	if !isRendererTarget(target, usn) {
		return
	}

	maxAge := parseMaxAge(headers["cache-control"])

	if item := s.cache.Get(usn); item != nil {
		d := item.Value()
		d.LastSeen = time.Now().UTC()
		d.MaxAge = maxAge
		s.cache.Set(usn, d, presenceTTL(maxAge))
		observability.DiscoveryEvents.WithLabelValues(string(EventRefreshed)).Inc()
		s.emit(Event{Kind: EventRefreshed, ID: d.ID, Descriptor: d})
		return
	}

	s.mu.Lock()
	if s.inflight[usn] {
		s.mu.Unlock()
		return
	}
	s.inflight[usn] = true
	s.mu.Unlock()

	server := headers["server"]
	go func() {
		defer func() {
			s.mu.Lock()
			delete(s.inflight, usn)
			s.mu.Unlock()
		}()

		fetchCtx, cancel := context.WithTimeout(ctx, s.descTimeout)
		defer cancel()

		name, udn, controlURL, err := fetchDescription(fetchCtx, s.httpClient, location)
		if err != nil {
			// silent drop: no event for devices we cannot describe
			s.logger.Debug("dropping device", "usn", usn, "location", location, "error", err)
			return
		}

		d := &Descriptor{
			ID:           deviceID(usn, udn),
			USN:          usn,
			Location:     location,
			Server:       server,
			FriendlyName: name,
			ControlURL:   controlURL,
			MaxAge:       maxAge,
			LastSeen:     time.Now().UTC(),
		}
		s.cache.Set(usn, d, presenceTTL(maxAge))
		observability.DiscoveryEvents.WithLabelValues(string(EventAppeared)).Inc()
		s.emit(Event{Kind: EventAppeared, ID: d.ID, Descriptor: d})
	}()
}

func (s *Searcher) handleByebye(headers map[string]string) {
	usn := headers["usn"]
	if usn == "" {
		return
	}
	item := s.cache.Get(usn)
	if item == nil {
		return
	}
	id := item.Value().ID
	s.cache.Delete(usn)
	observability.DiscoveryEvents.WithLabelValues(string(EventByebye)).Inc()
	s.emit(Event{Kind: EventByebye, ID: id})
}

func (s *Searcher) presentIDs() []string {
	ids := make([]string, 0, s.cache.Len())
	for _, item := range s.cache.Items() {
		ids = append(ids, item.Value().ID)
	}
	return ids
}

func (s *Searcher) emit(ev Event) {
	select {
	case s.events <- ev:
	default:
		s.logger.Warn("discovery event dropped, consumer too slow", "kind", ev.Kind, "id", ev.ID)
	}
}

func presenceTTL(maxAge time.Duration) time.Duration {
	return time.Duration(float64(maxAge) * presenceFactor)
}

// parseHeaders lowercases header names; SSDP implementations disagree on
// casing.
func parseHeaders(lines []string) map[string]string {
	headers := make(map[string]string, len(lines))
	for _, line := range lines {
		name, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		headers[strings.ToLower(strings.TrimSpace(name))] = strings.TrimSpace(value)
	}
	return headers
}

func parseMaxAge(cacheControl string) time.Duration {
	for _, part := range strings.Split(cacheControl, ",") {
		k, v, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok || !strings.EqualFold(strings.TrimSpace(k), "max-age") {
			continue
		}
		secs, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil || secs <= 0 {
			break
		}
		return time.Duration(secs) * time.Second
	}
	return defaultMaxAge
}

// isRendererTarget reports whether the announced type is worth describing.
func isRendererTarget(target, usn string) bool {
	for _, v := range []string{target, usn} {
		lower := strings.ToLower(v)
		if strings.Contains(lower, "avtransport") || strings.Contains(lower, "mediarenderer") {
			return true
		}
	}
	return false
}

// deviceID derives the stable renderer id from the USN uuid, falling back
// to the description's UDN.
func deviceID(usn, udn string) string {
	if id := uuidOf(usn); id != "" {
		return id
	}
	if id := uuidOf(udn); id != "" {
		return id
	}
	return usn
}

func uuidOf(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "uuid:") {
		return ""
	}
	s = strings.TrimPrefix(s, "uuid:")
	if i := strings.Index(s, "::"); i >= 0 {
		s = s[:i]
	}
	return s
}
