package gqlws

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"detection-relay/internal/logging"
	"detection-relay/internal/runstatus"
)

const (
	ackFrame    = `{"type":"connection_ack"}`
	detectionA  = `{"globalTrackId":"track-a","deviceId":"dev-1","zoneIds":["z1"]}`
	detectionB  = `{"globalTrackId":"track-b","deviceId":"dev-2","zoneIds":[]}`
	testTokenID = "token-id"
	testSecret  = "token-secret"
)

func nextFrame(detection string) string {
	return `{"id":"1","type":"next","payload":{"data":{"detectionActivity":` + detection + `}}}`
}

// scriptedConn replays queued inbound messages and records writes.
type scriptedConn struct {
	inbound   chan []byte
	endErr    error
	done      chan struct{}
	closeOnce sync.Once
	mu        sync.Mutex
	written   [][]byte
}

func newScriptedConn(frames ...string) *scriptedConn {
	c := &scriptedConn{
		inbound: make(chan []byte, len(frames)+1),
		done:    make(chan struct{}),
	}
	for _, frame := range frames {
		c.inbound <- []byte(frame)
	}
	return c
}

// end makes ReadMessage return err once every queued message was read.
func (c *scriptedConn) end(err error) *scriptedConn {
	c.endErr = err
	close(c.inbound)
	return c
}

func (c *scriptedConn) ReadMessage() ([]byte, error) {
	select {
	case data, ok := <-c.inbound:
		if !ok {
			return nil, c.endErr
		}
		return data, nil
	case <-c.done:
		return nil, net.ErrClosed
	}
}

func (c *scriptedConn) WriteMessage(data []byte) error {
	select {
	case <-c.done:
		return net.ErrClosed
	default:
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.written = append(c.written, append([]byte(nil), data...))
	return nil
}

func (c *scriptedConn) Close() error {
	c.closeOnce.Do(func() { close(c.done) })
	return nil
}

func (c *scriptedConn) isClosed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

func (c *scriptedConn) writtenFrames(t *testing.T) []Frame {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	frames := make([]Frame, 0, len(c.written))
	for _, data := range c.written {
		frame, err := Decode(data)
		if err != nil {
			t.Fatalf("client wrote undecodable frame %s: %v", data, err)
		}
		frames = append(frames, frame)
	}
	return frames
}

type fakeDialer struct {
	conn   Conn
	err    error
	calls  atomic.Int32
	mu     sync.Mutex
	url    string
	header http.Header
}

func (d *fakeDialer) Dial(_ context.Context, rawURL string, header http.Header) (Conn, error) {
	d.calls.Add(1)
	d.mu.Lock()
	d.url = rawURL
	d.header = header.Clone()
	d.mu.Unlock()
	if d.err != nil {
		return nil, d.err
	}
	return d.conn, nil
}

type logRecorder struct {
	mu     sync.Mutex
	events []logging.Event
}

func newRecordingLogger(t *testing.T) (*logging.Logger, *logRecorder) {
	t.Helper()
	logger := logging.NewWithWriter(io.Discard, true, false)
	rec := &logRecorder{}
	t.Cleanup(logger.Subscribe(func(event logging.Event) {
		rec.mu.Lock()
		rec.events = append(rec.events, event)
		rec.mu.Unlock()
	}))
	return logger, rec
}

func (r *logRecorder) find(level slog.Level, message string) []logging.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []logging.Event
	for _, event := range r.events {
		if event.Level == level && event.Message == message {
			out = append(out, event)
		}
	}
	return out
}

type sessionRecorder struct {
	mu         sync.Mutex
	states     []runstatus.State
	detections []string
}

func (r *sessionRecorder) handlers() SessionHandlers {
	return SessionHandlers{
		OnState: func(state runstatus.State) {
			r.mu.Lock()
			r.states = append(r.states, state)
			r.mu.Unlock()
		},
		OnDetection: func(detection Detection) {
			r.mu.Lock()
			r.detections = append(r.detections, string(detection))
			r.mu.Unlock()
		},
	}
}

func (r *sessionRecorder) snapshot() ([]runstatus.State, []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]runstatus.State(nil), r.states...), append([]string(nil), r.detections...)
}

func testClient(dialer Dialer, logger *logging.Logger) Client {
	return Client{
		Dialer:      dialer,
		URL:         "wss://stream.example.test/graphql",
		Credentials: Credentials{TokenID: testTokenID, TokenValue: testSecret},
		Logger:      logger,
	}
}

func requireReason(t *testing.T, err error, want CloseReason) {
	t.Helper()
	reason, ok := ReasonOf(err)
	if !ok {
		t.Fatalf("RunSession() error = %v, want *SessionError", err)
	}
	if reason != want {
		t.Fatalf("close reason = %s, want %s (err=%v)", reason, want, err)
	}
}

func requireStates(t *testing.T, got []runstatus.State, want ...runstatus.State) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("states = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("states = %v, want %v", got, want)
		}
	}
}

func TestRunSession_DeliversDetectionsInOrder(t *testing.T) {
	conn := newScriptedConn(ackFrame, nextFrame(detectionA), nextFrame(detectionB)).
		end(&websocket.CloseError{Code: websocket.CloseNormalClosure, Text: "bye"})
	dialer := &fakeDialer{conn: conn}
	logger, logs := newRecordingLogger(t)
	rec := &sessionRecorder{}

	err := testClient(dialer, logger).RunSession(context.Background(), rec.handlers())
	requireReason(t, err, ReasonStreamEnded)

	states, detections := rec.snapshot()
	requireStates(t, states, runstatus.Connecting, runstatus.HandshakeSent, runstatus.Subscribed, runstatus.Streaming, runstatus.Closed)
	if len(detections) != 2 || detections[0] != detectionA || detections[1] != detectionB {
		t.Fatalf("detections = %v", detections)
	}

	if dialer.header.Get(HeaderTokenID) != testTokenID || dialer.header.Get(HeaderTokenValue) != testSecret {
		t.Fatalf("dial header = %v", dialer.header)
	}

	written := conn.writtenFrames(t)
	if len(written) != 2 || written[0].Type != TypeConnectionInit || written[1].Type != TypeSubscribe {
		t.Fatalf("written frames = %#v", written)
	}
	var initPayload map[string]string
	if err := json.Unmarshal(written[0].Payload, &initPayload); err != nil {
		t.Fatalf("connection_init payload: %v", err)
	}
	if initPayload[HeaderTokenID] != testTokenID || initPayload[HeaderTokenValue] != testSecret {
		t.Fatalf("connection_init payload = %v", initPayload)
	}
	if written[1].ID != SubscriptionID || !strings.Contains(string(written[1].Payload), "detectionActivity") {
		t.Fatalf("subscribe frame = %#v", written[1])
	}

	if got := logs.find(slog.LevelInfo, "stream closed by server"); len(got) != 1 {
		t.Fatalf("expected one info close log, got %d", len(got))
	}
	if !conn.isClosed() {
		t.Fatalf("connection not closed after session end")
	}
}

func TestRunSession_HandshakeRejectedSendsNoSubscribe(t *testing.T) {
	tests := []struct {
		name  string
		reply string
	}{
		{name: "connection_error", reply: `{"type":"connection_error","payload":"bad token"}`},
		{name: "next before ack", reply: nextFrame(detectionA)},
		{name: "malformed", reply: `not json`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			conn := newScriptedConn(tt.reply)
			logger, logs := newRecordingLogger(t)
			rec := &sessionRecorder{}

			err := testClient(&fakeDialer{conn: conn}, logger).RunSession(context.Background(), rec.handlers())
			requireReason(t, err, ReasonHandshakeRejected)
			if !errors.Is(err, ErrNotAcknowledged) {
				t.Fatalf("error = %v, want ErrNotAcknowledged", err)
			}

			states, detections := rec.snapshot()
			requireStates(t, states, runstatus.Connecting, runstatus.HandshakeSent, runstatus.Closed)
			if len(detections) != 0 {
				t.Fatalf("detections = %v, want none", detections)
			}
			written := conn.writtenFrames(t)
			if len(written) != 1 || written[0].Type != TypeConnectionInit {
				t.Fatalf("written frames = %#v, want only connection_init", written)
			}
			if got := logs.find(slog.LevelInfo, "received connection_init response"); len(got) != 1 {
				t.Fatalf("expected handshake response log, got %d", len(got))
			}
		})
	}
}

func TestRunSession_ClosedBeforeAck(t *testing.T) {
	conn := newScriptedConn().end(io.EOF)
	rec := &sessionRecorder{}

	err := testClient(&fakeDialer{conn: conn}, nil).RunSession(context.Background(), rec.handlers())
	requireReason(t, err, ReasonHandshakeRejected)
	if !errors.Is(err, io.EOF) {
		t.Fatalf("error = %v, want io.EOF cause", err)
	}
}

func TestRunSession_HandshakeTimeout(t *testing.T) {
	conn := newScriptedConn()
	client := testClient(&fakeDialer{conn: conn}, nil)
	client.HandshakeTimeout = 20 * time.Millisecond

	err := client.RunSession(context.Background(), SessionHandlers{})
	requireReason(t, err, ReasonHandshakeRejected)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("error = %v, want deadline exceeded", err)
	}
}

func TestRunSession_SkipsFramesItCannotUse(t *testing.T) {
	conn := newScriptedConn(
		ackFrame,
		`{"type":"ping"}`,
		`garbage`,
		`{"id":"1","type":"next","payload":{"data":{}}}`,
		`{"id":"1","type":"error","payload":[{"message":"Validation failed","locations":[{"line":1,"column":2}],"extensions":{"classification":"ValidationError"}}]}`,
		`{"id":"1","type":"error","payload":"opaque failure"}`,
		`{"type":"connection_error","payload":{"reason":"quota"}}`,
		nextFrame(detectionA),
	).end(io.ErrUnexpectedEOF)
	logger, logs := newRecordingLogger(t)
	rec := &sessionRecorder{}

	err := testClient(&fakeDialer{conn: conn}, logger).RunSession(context.Background(), rec.handlers())
	requireReason(t, err, ReasonStreamEnded)
	if !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Fatalf("error = %v, want read error cause", err)
	}

	_, detections := rec.snapshot()
	if len(detections) != 1 || detections[0] != detectionA {
		t.Fatalf("detections = %v", detections)
	}

	unhandled := logs.find(slog.LevelWarn, "unhandled frame type")
	if len(unhandled) != 1 || unhandled[0].Fields["type"] != "ping" {
		t.Fatalf("unhandled frame warnings = %#v", unhandled)
	}
	checks := map[string]int{
		"dropping undecodable frame":           1,
		"next frame without detection payload": 1,
		"subscription error":                   1,
		"received error from server":           1,
		"connection error from server":         1,
		"stream read failed":                   1,
	}
	for message, want := range checks {
		if got := len(logs.find(slog.LevelError, message)); got != want {
			t.Fatalf("%q error logs = %d, want %d", message, got, want)
		}
	}
	subErr := logs.find(slog.LevelError, "subscription error")[0]
	if subErr.Fields["classification"] != "ValidationError" || subErr.Fields["locations"] != "[1:2]" {
		t.Fatalf("subscription error fields = %#v", subErr.Fields)
	}
}

func TestRunSession_ConfigMissingDoesNotDial(t *testing.T) {
	dialer := &fakeDialer{conn: newScriptedConn()}
	client := testClient(dialer, nil)
	client.Credentials.TokenValue = ""
	rec := &sessionRecorder{}

	err := client.RunSession(context.Background(), rec.handlers())
	requireReason(t, err, ReasonConfigMissing)
	if !errors.Is(err, ErrMissingCredentials) {
		t.Fatalf("error = %v, want ErrMissingCredentials", err)
	}
	if dialer.calls.Load() != 0 {
		t.Fatalf("dial calls = %d, want 0", dialer.calls.Load())
	}
	states, _ := rec.snapshot()
	requireStates(t, states, runstatus.Closed)
}

func TestRunSession_ConnectFailure(t *testing.T) {
	dialErr := errors.New("connection refused")
	rec := &sessionRecorder{}

	logger, logs := newRecordingLogger(t)
	err := testClient(&fakeDialer{err: dialErr}, logger).RunSession(context.Background(), rec.handlers())
	requireReason(t, err, ReasonConnectFailure)
	if !errors.Is(err, dialErr) {
		t.Fatalf("error = %v, want dial error", err)
	}
	failures := logs.find(slog.LevelError, "stream connect failed")
	if len(failures) != 1 || failures[0].Fields["credentials_rejected"] != false {
		t.Fatalf("connect failure logs = %#v", failures)
	}
	states, _ := rec.snapshot()
	requireStates(t, states, runstatus.Connecting, runstatus.Closed)
}

func TestRunSession_CancelWhileStreaming(t *testing.T) {
	conn := newScriptedConn(ackFrame)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	streaming := make(chan struct{})
	var once sync.Once
	handlers := SessionHandlers{OnState: func(state runstatus.State) {
		if state == runstatus.Streaming {
			once.Do(func() { close(streaming) })
		}
	}}

	result := make(chan error, 1)
	go func() {
		result <- testClient(&fakeDialer{conn: conn}, nil).RunSession(ctx, handlers)
	}()

	select {
	case <-streaming:
	case <-time.After(2 * time.Second):
		t.Fatalf("session never reached streaming")
	}
	cancel()

	select {
	case err := <-result:
		requireReason(t, err, ReasonCanceled)
	case <-time.After(2 * time.Second):
		t.Fatalf("session did not stop after cancel")
	}
	if !conn.isClosed() {
		t.Fatalf("connection not closed after cancel")
	}
}

func TestRunSession_IdleTimeout(t *testing.T) {
	client := testClient(&fakeDialer{conn: newScriptedConn(ackFrame)}, nil)
	client.IdleTimeout = 30 * time.Millisecond

	err := client.RunSession(context.Background(), SessionHandlers{})
	requireReason(t, err, ReasonStreamEnded)
	if !errors.Is(err, ErrIdleTimeout) {
		t.Fatalf("error = %v, want ErrIdleTimeout", err)
	}
}

func TestRunSession_OverWebSocket(t *testing.T) {
	type serverSeen struct {
		subprotocol string
		header      http.Header
		init        []byte
		subscribe   []byte
	}
	seen := make(chan serverSeen, 1)
	upgrader := websocket.Upgrader{Subprotocols: []string{Subprotocol}}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer ws.Close()
		got := serverSeen{subprotocol: ws.Subprotocol(), header: r.Header.Clone()}
		defer func() { seen <- got }()

		if _, got.init, err = ws.ReadMessage(); err != nil {
			return
		}
		if err := ws.WriteMessage(websocket.TextMessage, []byte(ackFrame)); err != nil {
			return
		}
		if _, got.subscribe, err = ws.ReadMessage(); err != nil {
			return
		}
		for _, detection := range []string{detectionA, detectionB} {
			if err := ws.WriteMessage(websocket.TextMessage, []byte(nextFrame(detection))); err != nil {
				return
			}
		}
		_ = ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "done"))
		_, _, _ = ws.ReadMessage()
	}))
	defer srv.Close()

	client := Client{
		Dialer:      WebSocketDialer{HandshakeTimeout: 2 * time.Second},
		URL:         "ws" + strings.TrimPrefix(srv.URL, "http"),
		Credentials: Credentials{TokenID: testTokenID, TokenValue: testSecret},
	}
	rec := &sessionRecorder{}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := client.RunSession(ctx, rec.handlers())
	requireReason(t, err, ReasonStreamEnded)
	code, text, ok := CloseStatus(err)
	if !ok || code != websocket.CloseNormalClosure || text != "done" {
		t.Fatalf("CloseStatus() = %d, %q, %v", code, text, ok)
	}

	_, detections := rec.snapshot()
	if len(detections) != 2 || detections[0] != detectionA || detections[1] != detectionB {
		t.Fatalf("detections = %v", detections)
	}

	var got serverSeen
	select {
	case got = <-seen:
	case <-time.After(2 * time.Second):
		t.Fatalf("server handler did not finish")
	}
	if got.subprotocol != Subprotocol {
		t.Fatalf("negotiated subprotocol = %q", got.subprotocol)
	}
	if got.header.Get(HeaderTokenID) != testTokenID || got.header.Get(HeaderTokenValue) != testSecret {
		t.Fatalf("upgrade headers = %v", got.header)
	}
	initFrame, err := Decode(got.init)
	if err != nil || initFrame.Type != TypeConnectionInit {
		t.Fatalf("server received init %s (%v)", got.init, err)
	}
	subFrame, err := Decode(got.subscribe)
	if err != nil || subFrame.Type != TypeSubscribe || subFrame.ID != SubscriptionID {
		t.Fatalf("server received subscribe %s (%v)", got.subscribe, err)
	}
}

func TestWebSocketDialer_UpgradeRefused(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"invalid token"}`, http.StatusUnauthorized)
	}))
	defer srv.Close()

	logger, logs := newRecordingLogger(t)
	client := Client{
		Dialer:      WebSocketDialer{},
		URL:         "ws" + strings.TrimPrefix(srv.URL, "http"),
		Credentials: Credentials{TokenID: testTokenID, TokenValue: testSecret},
		Logger:      logger,
	}
	err := client.RunSession(context.Background(), SessionHandlers{})
	requireReason(t, err, ReasonConnectFailure)
	if !IsUnauthorized(err) {
		t.Fatalf("IsUnauthorized(%v) = false", err)
	}
	failures := logs.find(slog.LevelError, "stream connect failed")
	if len(failures) != 1 || failures[0].Fields["credentials_rejected"] != true {
		t.Fatalf("connect failure logs = %#v", failures)
	}
	var statusErr *HTTPStatusError
	if !errors.As(err, &statusErr) || !strings.Contains(statusErr.Body, "invalid token") {
		t.Fatalf("status error = %#v", statusErr)
	}
}
