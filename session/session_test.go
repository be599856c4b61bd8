package session

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/studiolens/visionchat/api"
	"github.com/studiolens/visionchat/auth"
	"github.com/studiolens/visionchat/capture"
	"github.com/studiolens/visionchat/events"
	"github.com/studiolens/visionchat/transport"
	"github.com/studiolens/visionchat/types"
)

var wsUpgrader = websocket.Upgrader{
	CheckOrigin: func(_ *http.Request) bool { return true },
}

// analysisServer is a scriptable websocket analysis backend. It records
// every envelope the client sends and can push envelopes back.
type analysisServer struct {
	srv      *httptest.Server
	mu       sync.Mutex
	conn     *websocket.Conn
	received chan transport.Envelope
}

func newAnalysisServer(t *testing.T) *analysisServer {
	t.Helper()
	s := &analysisServer{received: make(chan transport.Envelope, 16)}
	s.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := wsUpgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		s.mu.Lock()
		s.conn = conn
		s.mu.Unlock()
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var env transport.Envelope
			if json.Unmarshal(data, &env) == nil {
				s.received <- env
			}
		}
	}))
	t.Cleanup(s.srv.Close)
	return s
}

func (s *analysisServer) url() string {
	return "ws" + strings.TrimPrefix(s.srv.URL, "http")
}

func (s *analysisServer) push(t *testing.T, payload string) {
	t.Helper()
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	require.NotNil(t, conn, "no client connected")
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(payload)))
}

func (s *analysisServer) dropClient() {
	s.mu.Lock()
	conn := s.conn
	s.conn = nil
	s.mu.Unlock()
	if conn != nil {
		conn.Close()
	}
}

// awaitRequest waits for the next process_image envelope from the client.
func (s *analysisServer) awaitRequest(t *testing.T) transport.Envelope {
	t.Helper()
	select {
	case env := <-s.received:
		return env
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for analysis request")
		return transport.Envelope{}
	}
}

// controlServer is the HTTP auth + control-surface backend.
type controlServer struct {
	srv *httptest.Server

	mu          sync.Mutex
	serviceDown bool
	cameraStops int
}

func newControlServer(t *testing.T) *controlServer {
	t.Helper()
	s := &controlServer{}
	s.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		defer s.mu.Unlock()

		switch r.URL.Path {
		case "/auth/login":
			var body struct{ Username, Password string }
			_ = json.NewDecoder(r.Body).Decode(&body)
			if body.Password != "secret" {
				w.WriteHeader(http.StatusUnauthorized)
				return
			}
			_ = json.NewEncoder(w).Encode(map[string]string{
				"access_token":  "access-1",
				"refresh_token": "refresh-1",
			})
		case "/auth/logout":
			w.WriteHeader(http.StatusOK)
		case "/llm/status":
			status := "available"
			if s.serviceDown {
				status = "unavailable"
			}
			_ = json.NewEncoder(w).Encode(map[string]string{"status": status})
		case "/camera/start":
			w.WriteHeader(http.StatusOK)
		case "/camera/stop":
			s.cameraStops++
			w.WriteHeader(http.StatusOK)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	t.Cleanup(s.srv.Close)
	return s
}

func (s *controlServer) setServiceDown(down bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.serviceDown = down
}

type fixture struct {
	orc     *Orchestrator
	bus     *events.Bus
	ws      *analysisServer
	control *controlServer
	source  *capture.SimulatedSource
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	bus := events.NewSyncBus()
	ws := newAnalysisServer(t)
	control := newControlServer(t)

	authMgr, err := auth.NewManager(auth.Config{BaseURL: control.srv.URL, Bus: bus})
	require.NoError(t, err)

	source := capture.NewSimulatedSource()
	orc, err := NewOrchestrator(Config{
		Auth:      authMgr,
		API:       api.NewClient(control.srv.URL, authMgr.Client()),
		Transport: transport.Config{URL: ws.url(), BaseDelay: 10 * time.Millisecond},
		Source:    source,
		Capture: capture.Config{
			Constraints: capture.Constraints{Width: 64, Height: 48, FPS: 100},
		},
		Bus: bus,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = orc.Disconnect() })
	return &fixture{orc: orc, bus: bus, ws: ws, control: control, source: source}
}

// eventChan collects events of one type. The listener drops events when
// the buffer is full so it can never block a publisher.
func eventChan(bus *events.Bus, eventType events.EventType) chan *events.Event {
	ch := make(chan *events.Event, 64)
	bus.Subscribe(eventType, func(e *events.Event) {
		select {
		case ch <- e:
		default:
		}
	})
	return ch
}

func awaitEvent(t *testing.T, ch chan *events.Event) *events.Event {
	t.Helper()
	select {
	case e := <-ch:
		return e
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for event")
		return nil
	}
}

func (f *fixture) login(t *testing.T) {
	t.Helper()
	require.NoError(t, f.orc.Login(context.Background(), "alice", "secret"))
}

// cameraOn logs in, starts the camera, and waits for the first frame.
func (f *fixture) cameraOn(t *testing.T) {
	t.Helper()
	frames := eventChan(f.bus, events.EventFrameCaptured)
	require.NoError(t, f.orc.StartCamera(context.Background()))
	awaitEvent(t, frames)
}

func TestOrchestrator_LoginEntersAuthenticated(t *testing.T) {
	f := newFixture(t)
	f.login(t)

	snap := f.orc.Snapshot()
	assert.True(t, snap.Authenticated)
	assert.Equal(t, CameraOff, snap.Camera)
	assert.Equal(t, ConnUp, snap.Connection)
	assert.Equal(t, RequestIdle, snap.Request)
}

func TestOrchestrator_LoginRejected(t *testing.T) {
	f := newFixture(t)

	err := f.orc.Login(context.Background(), "alice", "wrong")
	assert.ErrorIs(t, err, auth.ErrAuthRejected)
	assert.False(t, f.orc.Snapshot().Authenticated)
}

func TestOrchestrator_StartCamera(t *testing.T) {
	f := newFixture(t)
	f.login(t)

	require.NoError(t, f.orc.StartCamera(context.Background()))
	assert.Equal(t, CameraOn, f.orc.Snapshot().Camera)

	// Starting while on is a no-op.
	require.NoError(t, f.orc.StartCamera(context.Background()))
}

func TestOrchestrator_StartCameraUnavailable(t *testing.T) {
	f := newFixture(t)
	f.login(t)
	f.source.FailOpen = true

	err := f.orc.StartCamera(context.Background())
	assert.ErrorIs(t, err, capture.ErrCaptureUnavailable)
	assert.Equal(t, CameraOff, f.orc.Snapshot().Camera)
}

func TestOrchestrator_SubmitPreconditionOrder(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.orc.SubmitPrompt(ctx, "hi")
	reason, ok := Rejected(err)
	require.True(t, ok)
	assert.Equal(t, ReasonNotAuthenticated, reason)

	f.login(t)
	_, err = f.orc.SubmitPrompt(ctx, "hi")
	reason, _ = Rejected(err)
	assert.Equal(t, ReasonCameraOff, reason)

	f.cameraOn(t)
	require.NoError(t, f.orc.Disconnect())
	_, err = f.orc.SubmitPrompt(ctx, "hi")
	reason, _ = Rejected(err)
	assert.Equal(t, ReasonDisconnected, reason)

	require.NoError(t, f.orc.Connect(ctx))
	f.control.setServiceDown(true)
	require.Error(t, f.orc.CheckService(ctx))
	_, err = f.orc.SubmitPrompt(ctx, "hi")
	reason, _ = Rejected(err)
	assert.Equal(t, ReasonServiceUnavailable, reason)

	f.control.setServiceDown(false)
	require.NoError(t, f.orc.CheckService(ctx))
	_, err = f.orc.SubmitPrompt(ctx, "hi")
	assert.NoError(t, err)
}

func TestOrchestrator_SubmitWithoutFrame(t *testing.T) {
	f := newFixture(t)
	f.login(t)
	f.source.WarmupCaptures = 1 << 30 // source never leaves warmup

	require.NoError(t, f.orc.StartCamera(context.Background()))
	_, err := f.orc.SubmitPrompt(context.Background(), "hi")
	reason, ok := Rejected(err)
	require.True(t, ok)
	assert.Equal(t, ReasonNoFrame, reason)
}

func TestOrchestrator_SubmitAndResponse(t *testing.T) {
	f := newFixture(t)
	f.login(t)
	f.cameraOn(t)
	completed := eventChan(f.bus, events.EventRequestCompleted)

	id, err := f.orc.SubmitPrompt(context.Background(), "Describe this")
	require.NoError(t, err)
	assert.Equal(t, RequestPending, f.orc.Snapshot().Request)

	req := f.ws.awaitRequest(t)
	assert.Equal(t, transport.EnvelopeProcessImage, req.Type)
	assert.Equal(t, id, req.RequestID)
	assert.Equal(t, "Describe this", req.Prompt)
	assert.NotEmpty(t, req.ImageData)

	f.ws.push(t, `{"type":"llm_response","request_id":"`+id+
		`","data":{"response":"a blue wall","confidence":0.87,"processing_time":1.5}}`)

	e := awaitEvent(t, completed)
	data := e.Data.(*events.RequestCompletedData)
	assert.Equal(t, id, data.RequestID)
	assert.InDelta(t, 0.87, data.Confidence, 1e-9)

	assert.Equal(t, RequestIdle, f.orc.Snapshot().Request)

	msgs, err := f.orc.Messages(context.Background())
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, types.RoleUser, msgs[0].Role)
	assert.Equal(t, "Describe this", msgs[0].Content)
	assert.Equal(t, types.RoleAssistant, msgs[1].Role)
	assert.Equal(t, "a blue wall", msgs[1].Content)
	assert.InDelta(t, 0.87, msgs[1].Confidence, 1e-9)
	assert.Equal(t, 1500*time.Millisecond, msgs[1].Latency)
}

func TestOrchestrator_SecondSubmissionRejectedWhilePending(t *testing.T) {
	f := newFixture(t)
	f.login(t)
	f.cameraOn(t)

	id, err := f.orc.SubmitPrompt(context.Background(), "first")
	require.NoError(t, err)

	_, err = f.orc.SubmitPrompt(context.Background(), "second")
	reason, ok := Rejected(err)
	require.True(t, ok)
	assert.Equal(t, ReasonRequestPending, reason)

	// Exactly one outbound envelope: the rejection sent nothing.
	got := f.ws.awaitRequest(t)
	assert.Equal(t, id, got.RequestID)
	select {
	case env := <-f.ws.received:
		t.Fatalf("unexpected duplicate envelope: %+v", env)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestOrchestrator_ErrorEnvelopeResolvesPending(t *testing.T) {
	f := newFixture(t)
	f.login(t)
	f.cameraOn(t)
	failed := eventChan(f.bus, events.EventRequestFailed)
	raised := eventChan(f.bus, events.EventErrorRaised)

	_, err := f.orc.SubmitPrompt(context.Background(), "Describe this")
	require.NoError(t, err)
	f.ws.awaitRequest(t)

	f.ws.push(t, `{"type":"error","message":"inference backend crashed"}`)

	awaitEvent(t, failed)
	e := awaitEvent(t, raised)
	data := e.Data.(*events.ErrorData)
	assert.Equal(t, events.ErrorClassService, data.Class)
	assert.Equal(t, "inference backend crashed", data.Message)

	assert.Equal(t, RequestIdle, f.orc.Snapshot().Request)

	// No assistant turn is appended for an error.
	msgs, err := f.orc.Messages(context.Background())
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, types.RoleUser, msgs[0].Role)
}

func TestOrchestrator_LateResponseAfterLogoutIgnored(t *testing.T) {
	f := newFixture(t)
	f.login(t)
	f.cameraOn(t)
	completed := eventChan(f.bus, events.EventRequestCompleted)

	id, err := f.orc.SubmitPrompt(context.Background(), "Describe this")
	require.NoError(t, err)
	f.ws.awaitRequest(t)

	require.NoError(t, f.orc.Logout(context.Background()))

	// The response for the discarded request arrives on the still-open
	// connection. It is ignored, not surfaced.
	f.ws.push(t, `{"type":"llm_response","request_id":"`+id+
		`","data":{"response":"too late","confidence":0.5,"processing_time":0.1}}`)

	select {
	case <-completed:
		t.Fatal("late response surfaced after logout")
	case <-time.After(300 * time.Millisecond):
	}

	msgs, err := f.orc.Messages(context.Background())
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

func TestOrchestrator_LogoutStopsCameraAndClearsState(t *testing.T) {
	f := newFixture(t)
	f.login(t)
	f.cameraOn(t)

	require.NoError(t, f.orc.Logout(context.Background()))

	snap := f.orc.Snapshot()
	assert.False(t, snap.Authenticated)
	assert.Equal(t, CameraOff, snap.Camera)
	assert.Equal(t, RequestIdle, snap.Request)
	// The connection is a transport concern and is left as-is.
	assert.Equal(t, ConnUp, snap.Connection)

	f.control.mu.Lock()
	stops := f.control.cameraStops
	f.control.mu.Unlock()
	assert.Equal(t, 1, stops)

	// Logging out again is a no-op.
	assert.NoError(t, f.orc.Logout(context.Background()))
}

func TestOrchestrator_RelayedFrame(t *testing.T) {
	f := newFixture(t)
	f.login(t)
	relayed := eventChan(f.bus, events.EventFrameRelayed)

	f.ws.push(t, `{"type":"frame","data":"aGVsbG8="}`)

	awaitEvent(t, relayed)
	assert.Equal(t, "aGVsbG8=", f.orc.RemoteFrame())
}

func TestOrchestrator_UnplannedCloseFlipsConnectionDown(t *testing.T) {
	f := newFixture(t)
	f.login(t)
	require.Equal(t, ConnUp, f.orc.Snapshot().Connection)

	f.ws.dropClient()

	require.Eventually(t, func() bool {
		return f.orc.Snapshot().Connection == ConnDown
	}, 5*time.Second, 10*time.Millisecond)

	// The transport reconnects on its own and the sub-state flips back up.
	require.Eventually(t, func() bool {
		return f.orc.Snapshot().Connection == ConnUp
	}, 5*time.Second, 10*time.Millisecond)
}
