package rtc

import (
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bytedance/sonic"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttputil"
)

// testServer fakes the channel server: REST on an in-memory fasthttp
// listener and signaling on an httptest websocket endpoint.
type testServer struct {
	ln    *fasthttputil.InmemoryListener
	ws    *httptest.Server
	conns chan *websocket.Conn

	mu         sync.Mutex
	joinStatus int
	joinHold   chan struct{}
	joinSeen   chan struct{}
	paths      []string
	auth       []string
	joins      []joinRequest
	leaves     []leaveRequest
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	s := &testServer{
		ln:    fasthttputil.NewInmemoryListener(),
		conns: make(chan *websocket.Conn, 4),
	}
	go func() { _ = fasthttp.Serve(s.ln, s.handleREST) }()

	upgrader := websocket.Upgrader{}
	s.ws = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		s.conns <- conn
	}))
	t.Cleanup(func() {
		s.ws.Close()
		_ = s.ln.Close()
	})
	return s
}

func (s *testServer) signalURL() string {
	return "ws" + strings.TrimPrefix(s.ws.URL, "http")
}

func (s *testServer) setJoinStatus(code int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.joinStatus = code
}

// holdJoins makes join requests wait until release is called. seen
// receives once per held request.
func (s *testServer) holdJoins(t *testing.T) (seen <-chan struct{}, release func()) {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	hold := make(chan struct{})
	s.joinHold = hold
	s.joinSeen = make(chan struct{}, 4)
	var once sync.Once
	release = func() {
		once.Do(func() {
			s.mu.Lock()
			s.joinHold = nil
			s.mu.Unlock()
			close(hold)
		})
	}
	t.Cleanup(release)
	return s.joinSeen, release
}

func (s *testServer) handleREST(ctx *fasthttp.RequestCtx) {
	path := string(ctx.Path())
	if strings.HasSuffix(path, "/join") {
		s.mu.Lock()
		hold, seen := s.joinHold, s.joinSeen
		s.mu.Unlock()
		if hold != nil {
			seen <- struct{}{}
			<-hold
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.paths = append(s.paths, path)
	s.auth = append(s.auth, string(ctx.Request.Header.Peek("Authorization")))

	switch {
	case strings.HasSuffix(path, "/join"):
		if s.joinStatus != 0 {
			ctx.SetStatusCode(s.joinStatus)
			return
		}
		var req joinRequest
		if err := sonic.Unmarshal(ctx.PostBody(), &req); err != nil {
			ctx.SetStatusCode(fasthttp.StatusBadRequest)
			return
		}
		s.joins = append(s.joins, req)
		body, _ := sonic.Marshal(&joinResponse{
			ParticipantID: "assigned-" + req.ParticipantID,
			SessionID:     "sess-1",
			SignalURL:     s.signalURL(),
		})
		ctx.SetContentType("application/json")
		ctx.SetBody(body)
	case strings.HasSuffix(path, "/leave"):
		var req leaveRequest
		_ = sonic.Unmarshal(ctx.PostBody(), &req)
		s.leaves = append(s.leaves, req)
	default:
		ctx.SetStatusCode(fasthttp.StatusNotFound)
	}
}

func (s *testServer) rest(t *testing.T) *restClient {
	t.Helper()
	base, err := url.Parse("http://rtc.test")
	require.NoError(t, err)
	return &restClient{
		http: &fasthttp.Client{
			Dial: func(string) (net.Conn, error) { return s.ln.Dial() },
		},
		baseURL: base,
		timeout: 5 * time.Second,
	}
}

func (s *testServer) accept(t *testing.T) *websocket.Conn {
	t.Helper()
	select {
	case conn := <-s.conns:
		t.Cleanup(func() { _ = conn.Close() })
		return conn
	case <-time.After(5 * time.Second):
		t.Fatal("no signaling connection")
		return nil
	}
}

func (s *testServer) recorded() (paths, auth []string, joins []joinRequest, leaves []leaveRequest) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.paths...),
		append([]string(nil), s.auth...),
		append([]joinRequest(nil), s.joins...),
		append([]leaveRequest(nil), s.leaves...)
}
