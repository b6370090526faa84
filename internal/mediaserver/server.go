package mediaserver

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	"castkeeper/internal/observability"
)

// Video is the immutable description of one published file.
type Video struct {
	Path         string // absolute file path
	Name         string // display filename, cosmetic part of the URL
	MIME         string
	Profile      string // DLNA profile for contentFeatures; may be empty
	Flags        string // DLNA.ORG_FLAGS; server default when empty
	SubtitlePath string // optional sidecar SRT
}

// publication is one row of the token table. Publications are refcounted:
// the same file published for two renderers shares one token and stays
// served until the last reference is gone.
type publication struct {
	token string
	video Video
	refs  int
}

const (
	tokenBytes         = 16
	defaultDLNAFlags   = "01700000000000000000000000000000"
	serverHeader       = "UPnP/1.0 DLNA/1.50"
	sessionKeepHistory = time.Hour
)

// Server serves published videos over HTTP with the headers DLNA renderers
// require, and keeps every published token answering across the probe /
// range-GET sequences renderers issue.
type Server struct {
	logger       *slog.Logger
	host         string // advertised address for generated URLs
	mode         ResourceMode
	bufferSize   int
	drainTimeout time.Duration
	limiter      *IOLimiter

	// publication table lock; acquired after the controller's device lock
	// when both are needed, never the other way around
	mu      sync.RWMutex
	byToken map[string]*publication
	byPath  map[string]string

	sessions *SessionRegistry

	ln   net.Listener
	srv  *http.Server
	port int
}

type Options struct {
	Host         string
	Mode         ResourceMode
	BufferSize   int
	MaxIO        int
	DrainTimeout time.Duration
}

func New(opts Options, logger *slog.Logger) *Server {
	if opts.Mode == ModeUnknown {
		opts.Mode = ModeBuffered
	}
	s := &Server{
		logger:       logger,
		host:         opts.Host,
		mode:         opts.Mode,
		bufferSize:   opts.BufferSize,
		drainTimeout: opts.DrainTimeout,
		limiter:      NewIOLimiter(opts.MaxIO),
		byToken:      make(map[string]*publication),
		byPath:       make(map[string]string),
		sessions:     NewSessionRegistry(),
	}
	s.srv = &http.Server{
		Handler:     http.HandlerFunc(s.serve),
		ReadTimeout: 10 * time.Second,
		IdleTimeout: 60 * time.Second,
		// no WriteTimeout: a renderer may stream one response for hours
	}
	return s
}

// Listen binds the first free port in [low, high]. When the whole range is
// taken it fails with ErrBindExhausted.
func (s *Server) Listen(low, high int) error {
	for port := low; port <= high; port++ {
		ln, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
		if err == nil {
			s.ln = ln
			s.port = port
			s.logger.Info("media server listening", "port", port)
			return nil
		}
	}
	return fmt.Errorf("%w: %d-%d", ErrBindExhausted, low, high)
}

// Serve blocks until Shutdown. Listen must have succeeded first.
func (s *Server) Serve() error {
	if s.ln == nil {
		return errors.New("media server: Serve before Listen")
	}
	if err := s.srv.Serve(s.ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("media server closed unexpectedly: %w", err)
	}
	return nil
}

// Shutdown stops accepting, waits up to the drain timeout for in-flight
// responses, then severs what is left and marks those sessions errored.
func (s *Server) Shutdown(ctx context.Context) error {
	drainCtx, cancel := context.WithTimeout(ctx, s.drainTimeout)
	defer cancel()

	err := s.srv.Shutdown(drainCtx)
	if err != nil {
		s.logger.Warn("drain timeout, severing remaining connections")
		s.srv.Close()
		s.sessions.CloseOpen(SessionErrored)
	}
	return nil
}

// Port returns the bound port; zero before Listen.
func (s *Server) Port() int { return s.port }

// Sessions returns snapshots of the streaming session registry.
func (s *Server) Sessions() []Session {
	s.sessions.Prune(sessionKeepHistory)
	return s.sessions.List()
}

// Publish makes the video reachable and returns its URL. Publishing the
// same path again returns the same token with an extra reference.
func (s *Server) Publish(v Video) (token, mediaURL string, err error) {
	if _, err := os.Stat(v.Path); err != nil {
		return "", "", fmt.Errorf("%w: %s", ErrFileMissing, v.Path)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if tok, ok := s.byPath[v.Path]; ok {
		pub := s.byToken[tok]
		pub.refs++
		return tok, s.urlFor(pub), nil
	}

	buf := make([]byte, tokenBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", "", fmt.Errorf("generate token: %w", err)
	}
	// hex keeps tokens URL-safe and immune to the case mangling some
	// renderers apply between probe and stream
	tok := hex.EncodeToString(buf)

	pub := &publication{token: tok, video: v, refs: 1}
	s.byToken[tok] = pub
	s.byPath[v.Path] = tok

	s.logger.Debug("published", "token", tok, "path", v.Path)
	return tok, s.urlFor(pub), nil
}

// Unpublish drops one reference to the token; the table entry disappears
// with the last one.
func (s *Server) Unpublish(token string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	pub, ok := s.byToken[strings.ToLower(token)]
	if !ok {
		return
	}
	pub.refs--
	if pub.refs > 0 {
		return
	}
	delete(s.byToken, pub.token)
	delete(s.byPath, pub.video.Path)
	s.logger.Debug("unpublished", "token", pub.token, "path", pub.video.Path)
}

// URL returns the media URL for a published token, or "".
func (s *Server) URL(token string) string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	pub, ok := s.byToken[strings.ToLower(token)]
	if !ok {
		return ""
	}
	return s.urlFor(pub)
}

// SubtitleURL returns the sidecar URL when the publication carries one.
func (s *Server) SubtitleURL(token string) string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	pub, ok := s.byToken[strings.ToLower(token)]
	if !ok || pub.video.SubtitlePath == "" {
		return ""
	}
	return s.urlFor(pub) + ".srt"
}

func (s *Server) urlFor(pub *publication) string {
	name := sanitizeName(pub.video.Name)
	return fmt.Sprintf("http://%s/%s/%s", net.JoinHostPort(s.host, fmt.Sprint(s.port)), pub.token, url.PathEscape(name))
}

func (s *Server) lookup(token string) (*publication, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	pub, ok := s.byToken[token]
	return pub, ok
}

// serve handles every request. Renderers are sloppy with the URLs we hand
// them (duplicate slashes, trailing slashes, re-encoded or case-mangled
// segments), so routing only trusts the normalized token.
func (s *Server) serve(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	token, rest, ok := normalizePath(r.URL.Path)
	if !ok {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}

	pub, found := s.lookup(token)
	if !found {
		s.logger.Debug("request for unknown token", "token", token, "remote", r.RemoteAddr)
		http.Error(w, ErrNotPublished.Error(), http.StatusNotFound)
		return
	}

	wantSubtitle := strings.HasSuffix(strings.ToLower(rest), ".srt")
	path := pub.video.Path
	if wantSubtitle {
		if pub.video.SubtitlePath == "" {
			http.Error(w, "no subtitles published", http.StatusNotFound)
			return
		}
		path = pub.video.SubtitlePath
	}

	if err := s.limiter.Acquire(r.Context()); err != nil {
		http.Error(w, "busy", http.StatusServiceUnavailable)
		return
	}

	res, err := s.open(path)
	if err != nil {
		s.limiter.Release()
		if errors.Is(err, os.ErrNotExist) {
			s.logger.Warn("published file gone", "token", token, "path", path)
			http.Error(w, ErrFileMissing.Error(), http.StatusGone)
			return
		}
		s.logger.Error("open published file", "path", path, "error", err)
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}
	defer res.Close()

	clientIP, _, _ := net.SplitHostPort(r.RemoteAddr)
	sess := s.sessions.Open(token, path, clientIP)

	s.setDLNAHeaders(w, pub, wantSubtitle)

	cw := &countingWriter{ResponseWriter: w, registry: s.sessions, session: sess}
	http.ServeContent(cw, r, res.Name(), res.ModTime(), res)

	final := SessionClosed
	if cw.failed {
		final = SessionErrored
	}
	s.sessions.Close(sess, final)

	s.logger.Debug("served",
		"token", token,
		"subtitle", wantSubtitle,
		"range", r.Header.Get("Range"),
		"bytes", sess.BytesServed,
		"remote", r.RemoteAddr,
	)
}

func (s *Server) setDLNAHeaders(w http.ResponseWriter, pub *publication, subtitle bool) {
	h := w.Header()
	h.Set("Server", serverHeader)

	if subtitle {
		h.Set("Content-Type", "text/srt")
		h.Set("transferMode.dlna.org", "Interactive")
		return
	}

	flags := pub.video.Flags
	if flags == "" {
		flags = defaultDLNAFlags
	}
	features := fmt.Sprintf("DLNA.ORG_OP=01;DLNA.ORG_CI=0;DLNA.ORG_FLAGS=%s", flags)
	if pub.video.Profile != "" {
		features = fmt.Sprintf("DLNA.ORG_PN=%s;%s", pub.video.Profile, features)
	}

	h.Set("Content-Type", pub.video.MIME)
	h.Set("contentFeatures.dlna.org", features)
	h.Set("transferMode.dlna.org", "Streaming")
}

func (s *Server) open(path string) (resource, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, err
	}

	switch s.mode {
	case ModeDirect:
		return newDirectFile(file, info, s.limiter.Release), nil
	default:
		return newBufferedFile(file, info, s.bufferSize, s.limiter.Release), nil
	}
}

// normalizePath reduces any URL variant a renderer produces to (token,
// rest). The token segment is lowercased (tokens are hex); the remainder is
// cosmetic.
func normalizePath(p string) (token, rest string, ok bool) {
	// net/http has already percent-decoded r.URL.Path, but some clients
	// double-encode; decode once more and fall back to the raw form
	if dec, err := url.PathUnescape(p); err == nil {
		p = dec
	}

	segments := make([]string, 0, 2)
	for seg := range strings.SplitSeq(p, "/") {
		if seg != "" {
			segments = append(segments, seg)
		}
	}
	if len(segments) == 0 {
		return "", "", false
	}

	token = strings.ToLower(segments[0])
	if len(token) != tokenBytes*2 || !isHex(token) {
		return "", "", false
	}
	return token, strings.Join(segments[1:], "/"), true
}

func isHex(s string) bool {
	for _, r := range s {
		if (r < '0' || r > '9') && (r < 'a' || r > 'f') {
			return false
		}
	}
	return true
}

func sanitizeName(name string) string {
	name = strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', '?', '#', '%':
			return '_'
		}
		return r
	}, name)
	if name == "" {
		name = "media"
	}
	return name
}

// countingWriter mirrors transmitted bytes into the streaming session.
type countingWriter struct {
	http.ResponseWriter
	registry *SessionRegistry
	session  *Session
	failed   bool
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.ResponseWriter.Write(p)
	if n > 0 {
		c.registry.Record(c.session, n)
		observability.BytesServed.Add(float64(n))
	}
	if err != nil {
		c.failed = true
	}
	return n, err
}
