package core

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"castkeeper/internal/catalog"
	"castkeeper/internal/discovery"
	"castkeeper/internal/dlna"
	"castkeeper/internal/mediaserver"
)

// fakeTransport simulates a cooperative renderer: SetURI loads the URI,
// Play flips to PLAYING. Failure modes are injected per test.
type fakeTransport struct {
	mu       sync.Mutex
	state    string
	uri      string
	pos      time.Duration
	duration time.Duration

	setURICalls int
	playCalls   int
	stopCalls   int
	seekCalls   int

	playErrFor   string // Play fails while the loaded URI contains this
	playFailures int    // Play fails this many times, then succeeds
	infoErr      error  // TransportInfo failure
	seekErr      error
	freezePos    bool
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{state: dlna.StateNoMedia}
}

func (f *fakeTransport) SetURI(_ context.Context, uri, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.setURICalls++
	f.uri = uri
	f.pos = 0
	f.state = dlna.StateStopped
	return nil
}

func (f *fakeTransport) Play(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.playCalls++
	if f.playErrFor != "" && strings.Contains(f.uri, f.playErrFor) {
		return &dlna.RendererRefusedError{Code: 501, Description: "cannot play"}
	}
	if f.playFailures > 0 {
		f.playFailures--
		return &dlna.RendererRefusedError{Code: 501, Description: "cannot play"}
	}
	f.state = dlna.StatePlaying
	return nil
}

func (f *fakeTransport) Pause(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.state = dlna.StatePaused
	return nil
}

func (f *fakeTransport) Stop(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopCalls++
	f.state = dlna.StateStopped
	return nil
}

func (f *fakeTransport) Seek(_ context.Context, pos time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seekCalls++
	if f.seekErr != nil {
		return f.seekErr
	}
	f.pos = pos
	return nil
}

func (f *fakeTransport) PositionInfo(context.Context) (dlna.Position, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	// simulate real-time progress while playing, unless a test froze it
	if f.state == dlna.StatePlaying && !f.freezePos {
		f.pos += 600 * time.Millisecond
	}
	return dlna.Position{Elapsed: f.pos, Duration: f.duration, URI: f.uri}, nil
}

func (f *fakeTransport) TransportInfo(context.Context) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.infoErr != nil {
		return "", f.infoErr
	}
	return f.state, nil
}

func (f *fakeTransport) snapshot() fakeTransport {
	f.mu.Lock()
	defer f.mu.Unlock()
	return fakeTransport{
		state: f.state, uri: f.uri,
		setURICalls: f.setURICalls, playCalls: f.playCalls,
		stopCalls: f.stopCalls, seekCalls: f.seekCalls,
	}
}

// mediaStub satisfies Publisher with deterministic URLs derived from the
// file path; good enough for driving the fake transport.
type mediaStub struct{}

func (mediaStub) Publish(v mediaserver.Video) (string, string, error) {
	name := filepath.Base(v.Path)
	return "tok-" + name, "http://127.0.0.1:9000/tok/" + name, nil
}

func (mediaStub) Unpublish(string) {}

func (mediaStub) SubtitleURL(string) string { return "" }

// countingPublisher mirrors the media server's refcounted publication
// table so tests can assert references are balanced.
type countingPublisher struct {
	mu          sync.Mutex
	refs        map[string]int
	publishes   int
	unpublishes int
}

func newCountingPublisher() *countingPublisher {
	return &countingPublisher{refs: make(map[string]int)}
}

func (p *countingPublisher) Publish(v mediaserver.Video) (string, string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.publishes++
	name := filepath.Base(v.Path)
	token := "tok-" + name
	p.refs[token]++
	return token, "http://127.0.0.1:9000/" + token + "/" + name, nil
}

func (p *countingPublisher) Unpublish(token string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.unpublishes++
	if p.refs[token] > 0 {
		p.refs[token]--
		if p.refs[token] == 0 {
			delete(p.refs, token)
		}
	}
}

func (p *countingPublisher) SubtitleURL(string) string { return "" }

func (p *countingPublisher) counts() (publishes, unpublishes int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.publishes, p.unpublishes
}

func (p *countingPublisher) live() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, r := range p.refs {
		n += r
	}
	return n
}

type fakeLibrary struct {
	mu       sync.Mutex
	videos   map[string]catalog.VideoSnapshot
	statuses []string
	saved    map[string]catalog.StoredAssignment
	deleted  int
}

func newFakeLibrary(videos ...catalog.VideoSnapshot) *fakeLibrary {
	l := &fakeLibrary{
		videos: make(map[string]catalog.VideoSnapshot),
		saved:  make(map[string]catalog.StoredAssignment),
	}
	for _, v := range videos {
		l.videos[v.ID] = v
	}
	return l
}

func (l *fakeLibrary) Video(id string) (catalog.VideoSnapshot, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	v, ok := l.videos[id]
	if !ok {
		return catalog.VideoSnapshot{}, catalog.ErrVideoNotFound
	}
	return v, nil
}

func (l *fakeLibrary) RecordDuration(id string, d time.Duration) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	v, ok := l.videos[id]
	if !ok {
		return catalog.ErrVideoNotFound
	}
	v.Duration = d
	l.videos[id] = v
	return nil
}

func (l *fakeLibrary) SaveAssignment(a catalog.StoredAssignment) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.saved[a.RendererID] = a
	return nil
}

func (l *fakeLibrary) DeleteAssignment(rendererID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.deleted++
	delete(l.saved, rendererID)
	return nil
}

func (l *fakeLibrary) RecordStatus(rendererID, status string, _ time.Duration) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.statuses = append(l.statuses, rendererID+":"+status)
	return nil
}

// recordingSink collects events for assertions.
type recordingSink struct {
	mu     sync.Mutex
	events []Event
}

func (s *recordingSink) Publish(ev Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
}

func (s *recordingSink) has(kind EventKind) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ev := range s.events {
		if ev.Kind == kind {
			return true
		}
	}
	return false
}

type harness struct {
	c    *Controller
	t    *fakeTransport
	lib  *fakeLibrary
	sink *recordingSink
}

func testVideo(id string) catalog.VideoSnapshot {
	return catalog.VideoSnapshot{
		ID:    id,
		Path:  "/media/" + id + ".mp4",
		Title: strings.ToUpper(id),
		MIME:  "video/mp4",
	}
}

func testDescriptor(id string) *discovery.Descriptor {
	return &discovery.Descriptor{
		ID:           id,
		USN:          "uuid:" + id,
		Location:     "http://10.0.0.5:49152/desc.xml",
		FriendlyName: "TV " + id,
		ControlURL:   "http://10.0.0.5:49152/AVTransport/control",
		LastSeen:     time.Now(),
	}
}

func fastOptions() Options {
	return Options{
		MissThreshold:    3,
		SOAPTimeout:      time.Second,
		SupervisorTick:   10 * time.Millisecond,
		StallTicks:       1000, // stall handling disabled unless a test lowers it
		PreRestartMargin: 3 * time.Second,
		ActivationWait:   300 * time.Millisecond,
		RetryBase:        5 * time.Millisecond,
		RetryCap:         40 * time.Millisecond,
		RetryMaxAttempts: 4,
	}
}

func newHarness(t *testing.T, opts Options, videos ...catalog.VideoSnapshot) *harness {
	t.Helper()

	h := &harness{
		t:    newFakeTransport(),
		lib:  newFakeLibrary(videos...),
		sink: &recordingSink{},
	}
	h.c = New(opts, Deps{
		Media:      mediaStub{},
		Library:    h.lib,
		Transports: func(string) Transport { return h.t },
		Sink:       h.sink,
		Logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	h.c.Start(context.Background())
	t.Cleanup(h.c.Stop)
	return h
}

func eventually(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not reached within %s: %s", timeout, msg)
}

func (h *harness) assignmentState(t *testing.T, rendererID string) AssignmentState {
	t.Helper()
	v, err := h.c.Renderer(rendererID)
	if err != nil || v.Assignment == nil {
		return ""
	}
	return v.Assignment.State
}

func TestAssignActivates(t *testing.T) {
	h := newHarness(t, fastOptions(), testVideo("v1"))
	h.c.Register(testDescriptor("r1"))

	if err := h.c.Assign("r1", "v1", 50, true); err != nil {
		t.Fatalf("Assign: %v", err)
	}

	eventually(t, 2*time.Second, func() bool {
		return h.assignmentState(t, "r1") == AssignmentActive
	}, "assignment active")

	ft := h.t.snapshot()
	if ft.setURICalls == 0 || ft.playCalls == 0 {
		t.Fatalf("transport not driven: setURI=%d play=%d", ft.setURICalls, ft.playCalls)
	}
	if !strings.Contains(ft.uri, "v1") {
		t.Errorf("loaded uri = %q, want v1 media url", ft.uri)
	}

	v, err := h.c.Renderer("r1")
	if err != nil {
		t.Fatal(err)
	}
	if v.Status != StatusPlaying {
		t.Errorf("status = %q, want playing", v.Status)
	}
	if !h.sink.has(EventPlaybackStarted) {
		t.Error("no playback_started event")
	}
}

func TestAssignUnknownRendererAndVideo(t *testing.T) {
	h := newHarness(t, fastOptions(), testVideo("v1"))

	if err := h.c.Assign("ghost", "v1", 50, true); !errors.Is(err, ErrUnknownRenderer) {
		t.Errorf("unknown renderer error = %v", err)
	}

	h.c.Register(testDescriptor("r1"))
	if err := h.c.Assign("r1", "ghost", 50, true); !errors.Is(err, catalog.ErrVideoNotFound) {
		t.Errorf("unknown video error = %v", err)
	}
}

func TestAssignPriorityRules(t *testing.T) {
	h := newHarness(t, fastOptions(), testVideo("v1"), testVideo("v2"))
	h.c.Register(testDescriptor("r1"))

	if err := h.c.Assign("r1", "v1", 50, true); err != nil {
		t.Fatal(err)
	}
	eventually(t, 2*time.Second, func() bool {
		return h.assignmentState(t, "r1") == AssignmentActive
	}, "first assignment active")

	// lower priority loses
	err := h.c.Assign("r1", "v2", 40, false)
	var preempted *PreemptedError
	if !errors.As(err, &preempted) {
		t.Fatalf("expected PreemptedError, got %v", err)
	}
	if preempted.CurrentPriority != 50 {
		t.Errorf("CurrentPriority = %d, want 50", preempted.CurrentPriority)
	}

	// higher priority supersedes and takes over the transport
	if err := h.c.Assign("r1", "v2", 60, false); err != nil {
		t.Fatal(err)
	}
	eventually(t, 2*time.Second, func() bool {
		v, err := h.c.Renderer("r1")
		return err == nil && v.Assignment != nil &&
			v.Assignment.VideoID == "v2" && v.Assignment.State == AssignmentActive
	}, "override active")

	if uri := h.t.snapshot().uri; !strings.Contains(uri, "v2") {
		t.Errorf("transport uri = %q, want v2", uri)
	}
	if !h.sink.has(EventAssignmentSuperseded) {
		t.Error("no assignment_superseded event")
	}
}

func TestRegisterIdempotent(t *testing.T) {
	h := newHarness(t, fastOptions(), testVideo("v1"))
	h.c.Register(testDescriptor("r1"))

	if err := h.c.Assign("r1", "v1", 50, true); err != nil {
		t.Fatal(err)
	}
	eventually(t, 2*time.Second, func() bool {
		return h.assignmentState(t, "r1") == AssignmentActive
	}, "assignment active")

	before := h.t.snapshot()
	for range 5 {
		h.c.Register(testDescriptor("r1"))
	}

	if n := len(h.c.Snapshot()); n != 1 {
		t.Fatalf("renderers = %d, want 1", n)
	}
	if h.assignmentState(t, "r1") != AssignmentActive {
		t.Error("re-register disturbed the active assignment")
	}
	// no fresh Play was provoked by the refreshes
	time.Sleep(50 * time.Millisecond)
	after := h.t.snapshot()
	if after.setURICalls != before.setURICalls {
		t.Errorf("setURI calls grew from %d to %d on re-register", before.setURICalls, after.setURICalls)
	}
}

func TestDisconnectReconnectReactivates(t *testing.T) {
	h := newHarness(t, fastOptions(), testVideo("v1"))
	h.c.Register(testDescriptor("r1"))

	if err := h.c.Assign("r1", "v1", 50, true); err != nil {
		t.Fatal(err)
	}
	eventually(t, 2*time.Second, func() bool {
		return h.assignmentState(t, "r1") == AssignmentActive
	}, "assignment active")
	playsBefore := h.t.snapshot().playCalls

	// three empty sweeps take the renderer down
	for range 3 {
		h.c.SyncWithDiscovery(nil)
	}
	v, _ := h.c.Renderer("r1")
	if v.Status != StatusDisconnected {
		t.Fatalf("status = %q, want disconnected", v.Status)
	}
	if !h.sink.has(EventDisconnected) {
		t.Error("no disconnected event")
	}

	// the record and assignment survive and reactivate on reappearance
	h.c.SyncWithDiscovery([]string{"r1"})
	eventually(t, 2*time.Second, func() bool {
		view, err := h.c.Renderer("r1")
		return err == nil && view.Status == StatusPlaying &&
			view.Assignment != nil && view.Assignment.State == AssignmentActive
	}, "reactivated after reconnect")

	if h.t.snapshot().playCalls <= playsBefore {
		t.Error("no fresh Play after reconnect")
	}
}

func TestRetryExhaustionMarksFailed(t *testing.T) {
	h := newHarness(t, fastOptions(), testVideo("v1"))
	h.t.mu.Lock()
	h.t.playErrFor = "v1"
	h.t.mu.Unlock()

	h.c.Register(testDescriptor("r1"))
	if err := h.c.Assign("r1", "v1", 50, true); err != nil {
		t.Fatal(err)
	}

	eventually(t, 3*time.Second, func() bool {
		return h.assignmentState(t, "r1") == AssignmentFailed
	}, "assignment failed after retries")

	v, _ := h.c.Renderer("r1")
	if v.Assignment.RetryCount != fastOptions().RetryMaxAttempts {
		t.Errorf("retry count = %d, want %d", v.Assignment.RetryCount, fastOptions().RetryMaxAttempts)
	}
	if !h.sink.has(EventPlaybackFailed) {
		t.Error("no playback_failed event")
	}
}

func TestPreemptionCancelsPendingRetry(t *testing.T) {
	h := newHarness(t, fastOptions(), testVideo("v1"), testVideo("v2"))
	h.t.mu.Lock()
	h.t.playErrFor = "v1" // v1 keeps failing, v2 plays fine
	h.t.mu.Unlock()

	h.c.Register(testDescriptor("r1"))
	if err := h.c.Assign("r1", "v1", 50, true); err != nil {
		t.Fatal(err)
	}
	// let at least one failed attempt book a retry
	eventually(t, 2*time.Second, func() bool {
		v, err := h.c.Renderer("r1")
		return err == nil && v.Assignment != nil && v.Assignment.RetryCount >= 1
	}, "first attempt failed")

	if err := h.c.Assign("r1", "v2", userPriority, false); err != nil {
		t.Fatal(err)
	}
	eventually(t, 2*time.Second, func() bool {
		v, err := h.c.Renderer("r1")
		return err == nil && v.Assignment != nil &&
			v.Assignment.VideoID == "v2" && v.Assignment.State == AssignmentActive
	}, "override active")

	// any v1 retry that slips through the timer must find a stale epoch
	// and leave the transport on v2
	time.Sleep(100 * time.Millisecond)
	if uri := h.t.snapshot().uri; !strings.Contains(uri, "v2") {
		t.Fatalf("stale retry replayed %q over the override", uri)
	}
	v, _ := h.c.Renderer("r1")
	if v.Assignment.VideoID != "v2" || v.Assignment.State != AssignmentActive {
		t.Fatalf("assignment = %+v after stale retry window", v.Assignment)
	}
}

func TestStallRestartsOncePerEpisode(t *testing.T) {
	opts := fastOptions()
	opts.StallTicks = 3
	h := newHarness(t, opts, testVideo("v1"))
	h.t.mu.Lock()
	h.t.freezePos = true // position never advances
	h.t.mu.Unlock()

	h.c.Register(testDescriptor("r1"))
	if err := h.c.Assign("r1", "v1", 50, true); err != nil {
		t.Fatal(err)
	}
	eventually(t, 2*time.Second, func() bool {
		return h.assignmentState(t, "r1") == AssignmentActive
	}, "assignment active")
	base := h.t.snapshot().stopCalls

	eventually(t, 2*time.Second, func() bool {
		return h.t.snapshot().stopCalls > base
	}, "stall restart issued")

	// many more frozen ticks must not trigger a second restart
	time.Sleep(20 * opts.SupervisorTick)
	if got := h.t.snapshot().stopCalls; got != base+1 {
		t.Fatalf("stop calls = %d, want exactly %d (one per stall episode)", got, base+1)
	}
}

func TestLoopRestartOnStopped(t *testing.T) {
	h := newHarness(t, fastOptions(), testVideo("v1"))
	h.c.Register(testDescriptor("r1"))

	if err := h.c.Assign("r1", "v1", 50, true); err != nil {
		t.Fatal(err)
	}
	eventually(t, 2*time.Second, func() bool {
		return h.assignmentState(t, "r1") == AssignmentActive
	}, "assignment active")
	plays := h.t.snapshot().playCalls

	// renderer stops on its own; loop brings it back
	h.t.mu.Lock()
	h.t.state = dlna.StateStopped
	h.t.mu.Unlock()

	eventually(t, 2*time.Second, func() bool {
		ft := h.t.snapshot()
		return ft.playCalls > plays && ft.state == dlna.StatePlaying
	}, "loop restart")

	if !h.sink.has(EventPlaybackRestarted) {
		t.Error("no playback_restarted event")
	}
}

func TestNearEndRestartWhileLooping(t *testing.T) {
	h := newHarness(t, fastOptions(), testVideo("v1"))
	h.t.mu.Lock()
	h.t.duration = 60 * time.Second
	h.t.mu.Unlock()

	h.c.Register(testDescriptor("r1"))
	if err := h.c.Assign("r1", "v1", 50, true); err != nil {
		t.Fatal(err)
	}
	eventually(t, 2*time.Second, func() bool {
		return h.assignmentState(t, "r1") == AssignmentActive
	}, "assignment active")
	base := h.t.snapshot().setURICalls

	// park the position inside the pre-restart margin; the renderer keeps
	// reporting PLAYING and never reaches STOPPED on its own
	h.t.mu.Lock()
	h.t.freezePos = true
	h.t.pos = 58 * time.Second
	h.t.mu.Unlock()

	eventually(t, 2*time.Second, func() bool {
		return h.t.snapshot().setURICalls > base
	}, "pre-emptive restart near end of media")

	// the reload rewound the position; nothing more fires until the next
	// approach to the end
	time.Sleep(20 * fastOptions().SupervisorTick)
	if got := h.t.snapshot().setURICalls; got != base+1 {
		t.Fatalf("setURI calls = %d, want exactly %d (one restart per approach)", got, base+1)
	}
	if !h.sink.has(EventPlaybackRestarted) {
		t.Error("no playback_restarted event")
	}
}

func TestNoMediaReloadsAssignment(t *testing.T) {
	h := newHarness(t, fastOptions(), testVideo("v1"))
	h.c.Register(testDescriptor("r1"))

	if err := h.c.Assign("r1", "v1", 50, true); err != nil {
		t.Fatal(err)
	}
	eventually(t, 2*time.Second, func() bool {
		return h.assignmentState(t, "r1") == AssignmentActive
	}, "assignment active")
	base := h.t.snapshot().setURICalls

	// the renderer loses its media entirely
	h.t.mu.Lock()
	h.t.state = dlna.StateNoMedia
	h.t.mu.Unlock()

	eventually(t, 2*time.Second, func() bool {
		ft := h.t.snapshot()
		return ft.setURICalls > base && ft.state == dlna.StatePlaying
	}, "uri re-set and playing after NO_MEDIA")

	// once reloaded the transport plays on; no repeated reloads
	time.Sleep(20 * fastOptions().SupervisorTick)
	if got := h.t.snapshot().setURICalls; got != base+1 {
		t.Fatalf("setURI calls = %d, want exactly %d", got, base+1)
	}
}

func TestTransportFailuresDisconnect(t *testing.T) {
	h := newHarness(t, fastOptions(), testVideo("v1"))
	h.c.Register(testDescriptor("r1"))

	if err := h.c.Assign("r1", "v1", 50, true); err != nil {
		t.Fatal(err)
	}
	eventually(t, 2*time.Second, func() bool {
		return h.assignmentState(t, "r1") == AssignmentActive
	}, "assignment active")

	h.t.mu.Lock()
	h.t.infoErr = fmt.Errorf("poll: %w", dlna.ErrTransport)
	h.t.mu.Unlock()

	eventually(t, 2*time.Second, func() bool {
		v, err := h.c.Renderer("r1")
		return err == nil && v.Status == StatusDisconnected
	}, "disconnected after repeated poll failures")
}

func TestAtMostOneLiveAssignment(t *testing.T) {
	h := newHarness(t, fastOptions(), testVideo("v1"), testVideo("v2"), testVideo("v3"))
	h.c.Register(testDescriptor("r1"))

	for i, id := range []string{"v1", "v2", "v3", "v1", "v2"} {
		err := h.c.Assign("r1", id, 50+i, i%2 == 0)
		if err != nil {
			t.Fatalf("assign %s: %v", id, err)
		}
		v, err := h.c.Renderer("r1")
		if err != nil {
			t.Fatal(err)
		}
		// the view exposes only the renderer's single assignment slot;
		// it must always be the most recent one
		if v.Assignment == nil || v.Assignment.VideoID != id {
			t.Fatalf("assignment slot = %+v, want %s", v.Assignment, id)
		}
	}
}

func TestStopRendererRetiresAssignment(t *testing.T) {
	h := newHarness(t, fastOptions(), testVideo("v1"))
	h.c.Register(testDescriptor("r1"))

	if err := h.c.Assign("r1", "v1", 50, true); err != nil {
		t.Fatal(err)
	}
	eventually(t, 2*time.Second, func() bool {
		return h.assignmentState(t, "r1") == AssignmentActive
	}, "assignment active")

	if err := h.c.StopRenderer(context.Background(), "r1"); err != nil {
		t.Fatalf("StopRenderer: %v", err)
	}

	v, _ := h.c.Renderer("r1")
	if v.Assignment != nil {
		t.Errorf("assignment survived stop: %+v", v.Assignment)
	}
	if v.Status != StatusStopped {
		t.Errorf("status = %q, want stopped", v.Status)
	}
	if h.t.snapshot().stopCalls == 0 {
		t.Error("no Stop issued to the renderer")
	}

	// loop must not resurrect a stopped renderer
	time.Sleep(20 * fastOptions().SupervisorTick)
	if h.t.snapshot().state == dlna.StatePlaying {
		t.Error("supervisor restarted a deliberately stopped renderer")
	}
}

func TestActivationRetriesBalancePublication(t *testing.T) {
	pub := newCountingPublisher()
	ft := newFakeTransport()
	ft.playFailures = 2 // first two attempts fail, the third plays
	c := New(fastOptions(), Deps{
		Media:      pub,
		Library:    newFakeLibrary(testVideo("v1")),
		Transports: func(string) Transport { return ft },
		Logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	c.Start(context.Background())
	t.Cleanup(c.Stop)

	c.Register(testDescriptor("r1"))
	if err := c.Assign("r1", "v1", 50, true); err != nil {
		t.Fatal(err)
	}
	active := func() bool {
		v, err := c.Renderer("r1")
		return err == nil && v.Assignment != nil && v.Assignment.State == AssignmentActive
	}
	eventually(t, 3*time.Second, active, "assignment active after retries")

	// every attempt re-published the same video; only one reference may
	// remain live
	if got := pub.live(); got != 1 {
		pubs, unpubs := pub.counts()
		t.Fatalf("live references = %d after activation, want 1 (publishes=%d unpublishes=%d)",
			got, pubs, unpubs)
	}

	// a reconnect reactivation publishes once more under a fresh epoch
	playsBefore := ft.snapshot().playCalls
	for range 3 {
		c.SyncWithDiscovery(nil)
	}
	c.SyncWithDiscovery([]string{"r1"})
	eventually(t, 2*time.Second, func() bool {
		return ft.snapshot().playCalls > playsBefore && active()
	}, "reactivated after reconnect")
	if got := pub.live(); got != 1 {
		pubs, unpubs := pub.counts()
		t.Fatalf("live references = %d after reconnect, want 1 (publishes=%d unpublishes=%d)",
			got, pubs, unpubs)
	}

	// retiring the assignment must retire the publication with it
	if err := c.StopRenderer(context.Background(), "r1"); err != nil {
		t.Fatal(err)
	}
	if got := pub.live(); got != 0 {
		pubs, unpubs := pub.counts()
		t.Fatalf("publication leaked after stop: live=%d publishes=%d unpublishes=%d",
			got, pubs, unpubs)
	}
}

func TestSeekClearsCapabilityOnRefusal(t *testing.T) {
	h := newHarness(t, fastOptions(), testVideo("v1"))
	h.c.Register(testDescriptor("r1"))

	h.t.mu.Lock()
	h.t.seekErr = fmt.Errorf("seek: %w", dlna.ErrUnsupported)
	h.t.mu.Unlock()

	err := h.c.SeekRenderer(context.Background(), "r1", 30*time.Second)
	if !errors.Is(err, dlna.ErrUnsupported) {
		t.Fatalf("first seek error = %v, want ErrUnsupported", err)
	}

	// the second call is refused locally without touching the transport
	calls := h.t.snapshot().seekCalls
	err = h.c.SeekRenderer(context.Background(), "r1", 30*time.Second)
	if !errors.Is(err, dlna.ErrUnsupported) {
		t.Fatalf("second seek error = %v", err)
	}
	if h.t.snapshot().seekCalls != calls {
		t.Error("seek reached the transport after the capability was cleared")
	}
}

func TestScheduleAtFires(t *testing.T) {
	h := newHarness(t, fastOptions(), testVideo("v1"))
	h.c.Register(testDescriptor("r1"))

	id, err := h.c.ScheduleAt(time.Now().Add(30*time.Millisecond), "r1", "v1", 50, true)
	if err != nil {
		t.Fatalf("ScheduleAt: %v", err)
	}
	if len(h.c.Schedules()) != 1 {
		t.Fatal("schedule not listed")
	}

	eventually(t, 2*time.Second, func() bool {
		return h.assignmentState(t, "r1") == AssignmentActive
	}, "scheduled assignment fired")

	eventually(t, time.Second, func() bool {
		return len(h.c.Schedules()) == 0
	}, "one-shot entry removed after firing")
	if h.c.CancelSchedule(id) {
		t.Error("cancelling a fired schedule reported success")
	}
}

func TestScheduleAtPastRejected(t *testing.T) {
	h := newHarness(t, fastOptions(), testVideo("v1"))
	if _, err := h.c.ScheduleAt(time.Now().Add(-time.Minute), "r1", "v1", 50, true); err == nil {
		t.Fatal("past schedule accepted")
	}
}

func TestRestoreAssignmentsOnRegister(t *testing.T) {
	h := newHarness(t, fastOptions(), testVideo("v1"))
	h.c.RestoreAssignments([]catalog.StoredAssignment{
		{RendererID: "r1", VideoID: "v1", Loop: true, Priority: 50},
	})

	h.c.Register(testDescriptor("r1"))
	eventually(t, 2*time.Second, func() bool {
		return h.assignmentState(t, "r1") == AssignmentActive
	}, "restored assignment activated")
}

func TestBackoffSchedule(t *testing.T) {
	t.Parallel()

	c := New(Options{RetryBase: 500 * time.Millisecond, RetryCap: 30 * time.Second}, Deps{
		Media:  mediaStub{},
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	})

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{1, 500 * time.Millisecond},
		{2, time.Second},
		{3, 2 * time.Second},
		{4, 4 * time.Second},
		{7, 30 * time.Second},
		{20, 30 * time.Second},
	}
	for _, tt := range tests {
		if got := c.backoff(tt.attempt); got != tt.want {
			t.Errorf("backoff(%d) = %v, want %v", tt.attempt, got, tt.want)
		}
	}
}
