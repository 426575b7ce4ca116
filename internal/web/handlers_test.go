package web

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"testing/fstest"
	"time"

	"github.com/cjeanneret/TurretGo/internal/logic/command"
	"github.com/cjeanneret/TurretGo/internal/logic/motion"
)

// ---------- Handler helpers ----------

// fakeCommands records payloads and returns a canned outcome.
type fakeCommands struct {
	mu       sync.Mutex
	payloads []string
	out      command.Outcome
	err      error
}

func (f *fakeCommands) HandlePayload(payload []byte) (command.Outcome, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.payloads = append(f.payloads, string(payload))
	return f.out, f.err
}

func testStatus() Status {
	return Status{
		Motion:  motion.Stats{Moves: 3, Pulses: 42, Position: -7},
		DelayUs: 5500,
		Queue:   QueueStatus{Len: 1, Cap: 10, Dropped: 2},
		Servo:   ServoStatus{DutyUs: 1200, Percent: 80},
	}
}

func newTestHandlers(commands CommandHandler) *Handlers {
	staticFS := fstest.MapFS{
		"index.html": &fstest.MapFile{Data: []byte("<html>test</html>")},
	}
	return NewHandlers(NewStatusBroadcaster(), commands, testStatus, staticFS)
}

// ---------- HandleMove ----------

func TestHandleMove_ValidPost(t *testing.T) {
	cmds := &fakeCommands{out: command.Outcome{Enqueued: true, ServoMode: "absolute", Delay: 5500 * time.Microsecond}}
	h := newTestHandlers(cmds)
	body := `{"rotation": -5, "height": 80, "speed": 60}`
	req := httptest.NewRequest(http.MethodPost, "/move", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()

	h.HandleMove(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d (%s)", w.Code, http.StatusOK, w.Body)
	}
	var out command.Outcome
	if err := json.NewDecoder(w.Body).Decode(&out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if !out.Enqueued || out.ServoMode != "absolute" || out.Delay != 5500*time.Microsecond {
		t.Errorf("outcome = %+v", out)
	}
	if len(cmds.payloads) != 1 || cmds.payloads[0] != body {
		t.Errorf("payloads = %q, want the raw body", cmds.payloads)
	}
}

func TestHandleMove_BroadcastsOutcome(t *testing.T) {
	h := newTestHandlers(&fakeCommands{out: command.Outcome{Dropped: true}})
	ch, unsub := h.Broadcaster.Subscribe()
	defer unsub()

	req := httptest.NewRequest(http.MethodPost, "/move", strings.NewReader(`{"rotation": 1}`))
	h.HandleMove(httptest.NewRecorder(), req)

	select {
	case msg := <-ch:
		if !strings.Contains(msg, "dropped") {
			t.Errorf("broadcast = %s, want mention of the dropped rotation", msg)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for broadcast")
	}
}

func TestHandleMove_GetMethodNotAllowed(t *testing.T) {
	h := newTestHandlers(&fakeCommands{})
	req := httptest.NewRequest(http.MethodGet, "/move", nil)
	w := httptest.NewRecorder()

	h.HandleMove(w, req)

	if w.Code != http.StatusMethodNotAllowed {
		t.Errorf("status = %d, want %d", w.Code, http.StatusMethodNotAllowed)
	}
}

func TestHandleMove_RejectedPayload(t *testing.T) {
	h := newTestHandlers(&fakeCommands{err: command.ErrNotObject})
	req := httptest.NewRequest(http.MethodPost, "/move", strings.NewReader("not json"))
	w := httptest.NewRecorder()

	h.HandleMove(w, req)

	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want %d", w.Code, http.StatusBadRequest)
	}
}

func TestHandleMove_OversizedBody(t *testing.T) {
	cmds := &fakeCommands{}
	h := newTestHandlers(cmds)
	big := strings.Repeat("x", 2<<20) // 2 MB
	req := httptest.NewRequest(http.MethodPost, "/move", strings.NewReader(big))
	w := httptest.NewRecorder()

	h.HandleMove(w, req)

	if w.Code != http.StatusRequestEntityTooLarge {
		t.Errorf("status = %d, want %d (oversized body)", w.Code, http.StatusRequestEntityTooLarge)
	}
	if len(cmds.payloads) != 0 {
		t.Error("oversized body must not be dispatched")
	}
}

func TestHandleMove_NilCommands(t *testing.T) {
	h := newTestHandlers(nil)
	req := httptest.NewRequest(http.MethodPost, "/move", strings.NewReader(`{"rotation": 1}`))
	w := httptest.NewRecorder()

	h.HandleMove(w, req)

	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want %d", w.Code, http.StatusServiceUnavailable)
	}
}

func TestHandleMove_RealDispatcher(t *testing.T) {
	q := motion.NewQueue(2)
	task := motion.NewTask(q, nil, motion.TaskConfig{})
	d := command.NewDispatcher(nopServo{}, task, q)
	h := newTestHandlers(d)

	req := httptest.NewRequest(http.MethodPost, "/move", strings.NewReader(`{"rotation": 4, "speed": 100}`))
	w := httptest.NewRecorder()
	h.HandleMove(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d (%s)", w.Code, w.Body)
	}
	if q.Len() != 1 {
		t.Errorf("queue len = %d, want 1", q.Len())
	}
	if task.Delay() != motion.DefaultMinDelay {
		t.Errorf("delay = %v, want %v", task.Delay(), motion.DefaultMinDelay)
	}
}

type nopServo struct{}

func (nopServo) SetAbsolute(int) error { return nil }
func (nopServo) SetRelative(int) error { return nil }

// ---------- HandleStatus ----------

func TestHandleStatus(t *testing.T) {
	h := newTestHandlers(&fakeCommands{})
	req := httptest.NewRequest(http.MethodGet, "/status", nil)
	w := httptest.NewRecorder()

	h.HandleStatus(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", w.Code, http.StatusOK)
	}
	var st Status
	if err := json.NewDecoder(w.Body).Decode(&st); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if st.Motion.Position != -7 || st.Motion.Pulses != 42 {
		t.Errorf("motion = %+v", st.Motion)
	}
	if st.Queue.Dropped != 2 || st.Servo.Percent != 80 || st.DelayUs != 5500 {
		t.Errorf("status = %+v", st)
	}
}

func TestHandleStatus_NotConfigured(t *testing.T) {
	h := NewHandlers(NewStatusBroadcaster(), nil, nil, fstest.MapFS{})
	w := httptest.NewRecorder()
	h.HandleStatus(w, httptest.NewRequest(http.MethodGet, "/status", nil))
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want %d", w.Code, http.StatusServiceUnavailable)
	}
}

// ---------- HandleStatusStream ----------

func TestHandleStatusStream_DeliversEvents(t *testing.T) {
	h := newTestHandlers(&fakeCommands{})
	srv := httptest.NewServer(http.HandlerFunc(h.HandleStatusStream))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL, nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()

	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("Content-Type = %q, want text/event-stream", ct)
	}

	r := bufio.NewReader(resp.Body)
	line, err := r.ReadString('\n')
	if err != nil || !strings.HasPrefix(line, ": connected") {
		t.Fatalf("first line = %q, %v", line, err)
	}

	// The subscription is registered before ": connected" is flushed.
	h.Broadcaster.BroadcastMsg("hello stream")

	for {
		line, err = r.ReadString('\n')
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		if strings.HasPrefix(line, "data: ") {
			break
		}
	}
	var evt StatusEvent
	if err := json.Unmarshal([]byte(strings.TrimPrefix(strings.TrimSpace(line), "data: ")), &evt); err != nil {
		t.Fatalf("unmarshal %q: %v", line, err)
	}
	if evt.Msg != "hello stream" {
		t.Errorf("msg = %q, want \"hello stream\"", evt.Msg)
	}
}

// ---------- ServeIndex ----------

func TestServeIndex(t *testing.T) {
	h := newTestHandlers(&fakeCommands{})
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	w := httptest.NewRecorder()

	h.ServeIndex(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", w.Code, http.StatusOK)
	}
	if ct := w.Header().Get("Content-Type"); ct != "text/html; charset=utf-8" {
		t.Errorf("Content-Type = %q, want text/html; charset=utf-8", ct)
	}
	if !strings.Contains(w.Body.String(), "<html>") {
		t.Error("body should contain HTML content")
	}
}

func TestServeIndex_Missing(t *testing.T) {
	h := NewHandlers(NewStatusBroadcaster(), nil, nil, fstest.MapFS{})
	w := httptest.NewRecorder()
	h.ServeIndex(w, httptest.NewRequest(http.MethodGet, "/", nil))
	if w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want %d", w.Code, http.StatusNotFound)
	}
}

// ---------- Server ----------

func TestServerMux_Routes(t *testing.T) {
	cmds := &fakeCommands{}
	s, err := NewServer(":0", NewStatusBroadcaster(), cmds, testStatus)
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	mux := s.Mux()

	cases := []struct {
		method, path string
		body         string
		want         int
	}{
		{http.MethodGet, "/", "", http.StatusOK},
		{http.MethodGet, "/status", "", http.StatusOK},
		{http.MethodPost, "/move", `{"height": 10, "height_mode": 2}`, http.StatusOK},
		{http.MethodGet, "/move", "", http.StatusMethodNotAllowed},
		{http.MethodGet, "/nope", "", http.StatusNotFound},
	}
	for _, tc := range cases {
		req := httptest.NewRequest(tc.method, tc.path, strings.NewReader(tc.body))
		w := httptest.NewRecorder()
		mux.ServeHTTP(w, req)
		if w.Code != tc.want {
			t.Errorf("%s %s = %d, want %d", tc.method, tc.path, w.Code, tc.want)
		}
	}
	if len(cmds.payloads) != 1 {
		t.Errorf("payloads = %d, want 1", len(cmds.payloads))
	}
}

func TestServer_EmbeddedIndex(t *testing.T) {
	s, err := NewServer(":0", NewStatusBroadcaster(), nil, nil)
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	w := httptest.NewRecorder()
	s.Mux().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))
	if !strings.Contains(w.Body.String(), "TurretGo") {
		t.Error("embedded index.html should be served at /")
	}
}

func TestServer_PushStatusOnlyWithClients(t *testing.T) {
	calls := 0
	status := func() Status { calls++; return testStatus() }
	b := NewStatusBroadcaster()
	s, err := NewServer(":0", b, nil, status)
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}

	s.pushStatus()
	if calls != 0 {
		t.Errorf("status polled %d times with no clients", calls)
	}

	ch, unsub := b.Subscribe()
	defer unsub()
	s.pushStatus()
	if calls != 1 {
		t.Errorf("status polled %d times, want 1", calls)
	}
	select {
	case msg := <-ch:
		if !strings.Contains(msg, `"l":"status"`) {
			t.Errorf("event = %s, want a status event", msg)
		}
	default:
		t.Error("no status event pushed")
	}
}

func TestServer_RunStopsOnCancel(t *testing.T) {
	s, err := NewServer("127.0.0.1:0", NewStatusBroadcaster(), nil, nil)
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			t.Errorf("Run returned %v", err)
		}
	case <-time.After(6 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestServer_ServeEndsStreamsOnShutdown(t *testing.T) {
	s, err := NewServer("", NewStatusBroadcaster(), nil, nil)
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Serve(ctx, ln) }()

	resp, err := http.Get("http://" + ln.Addr().String() + "/status/stream")
	if err != nil {
		cancel()
		t.Fatalf("GET stream: %v", err)
	}
	defer resp.Body.Close()
	line, err := bufio.NewReader(resp.Body).ReadString('\n')
	if err != nil || !strings.HasPrefix(line, ": connected") {
		t.Fatalf("first line = %q, %v", line, err)
	}

	start := time.Now()
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Serve = %v, want a clean shutdown with a stream open", err)
		}
		if d := time.Since(start); d > 2*time.Second {
			t.Errorf("shutdown took %v, the stream should not hold it", d)
		}
	case <-time.After(6 * time.Second):
		t.Fatal("Serve did not return after cancel")
	}
}

func TestServer_RunBindError(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	s, err := NewServer(ln.Addr().String(), NewStatusBroadcaster(), nil, nil)
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	if err := s.Run(context.Background()); err == nil {
		t.Error("expected an error for an address already in use")
	}
}
