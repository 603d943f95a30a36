package websocket

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"pserver/internal/config"
	"pserver/internal/logging"
	"pserver/internal/storage"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
)

func testConfig(storageDir string) *config.Config {
	cfg := config.Default()
	cfg.GoEnv = "test"
	cfg.LocalHost = "127.0.0.1"
	cfg.InPort = 0
	cfg.StorageDir = storageDir
	cfg.ShutdownTimeout = 2 * time.Second
	return cfg
}

// startServer runs a real server on an ephemeral port and stops it when the test ends.
func startServer(t *testing.T, cfg *config.Config) *Server {
	t.Helper()
	logger := logging.Discard()

	sink, err := storage.NewFileSink(cfg.StorageDir, logger)
	require.NoError(t, err)

	srv := NewServer(cfg, NewDispatcher(sink, logger), logger)
	require.NoError(t, srv.Listen())
	go srv.Serve()

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		srv.Stop(ctx)
	})
	return srv
}

// newTestServer builds a server that is never bound; it is still stopped at
// the end of the test so its context is released.
func newTestServer(t *testing.T, cfg *config.Config) *Server {
	t.Helper()
	srv := NewServer(cfg, NewDispatcher(new(MockFileStore), logging.Discard()), logging.Discard())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		srv.Stop(ctx)
	})
	return srv
}

func wsURL(srv *Server, path string) string {
	return fmt.Sprintf("ws://%s%s", srv.Addr().String(), path)
}

func dial(t *testing.T, srv *Server) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(wsURL(srv, "/"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func sendText(t *testing.T, conn *websocket.Conn, text string) {
	t.Helper()
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(text)))
}

func readText(t *testing.T, conn *websocket.Conn) string {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	return string(data)
}

// ServerTestSuite drives the server over real WebSocket connections.
type ServerTestSuite struct {
	suite.Suite
	dir    string
	server *Server
	conn   *websocket.Conn
}

func (s *ServerTestSuite) SetupTest() {
	s.dir = s.T().TempDir()
	s.server = startServer(s.T(), testConfig(s.dir))
	s.conn = dial(s.T(), s.server)
}

func (s *ServerTestSuite) TestEchoThenFileTransfer() {
	t := s.T()

	sendText(t, s.conn, `{"action":"echo","data":"hi"}`)
	assert.Equal(t, `{"message":"echo","data":"hi"}`, readText(t, s.conn))

	sendText(t, s.conn, `{"action":"file_transfer","file_data":"aGVsbG8=","file_name":"t.txt"}`)
	assert.Equal(t, `{"message":"file_received","file_name":"t.txt"}`, readText(t, s.conn))

	got, err := os.ReadFile(filepath.Join(s.dir, "t.txt"))
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), got)
}

func (s *ServerTestSuite) TestEchoWithoutData() {
	sendText(s.T(), s.conn, `{"action":"echo"}`)
	assert.Equal(s.T(), `{"message":"echo","data":""}`, readText(s.T(), s.conn))
}

func (s *ServerTestSuite) TestDefaultFileName() {
	t := s.T()
	payload := base64.StdEncoding.EncodeToString([]byte{0xde, 0xad, 0xbe, 0xef})

	sendText(t, s.conn, fmt.Sprintf(`{"action":"file_transfer","file_data":%q}`, payload))
	assert.Equal(t, `{"message":"file_received","file_name":"received_file.txt"}`, readText(t, s.conn))

	got, err := os.ReadFile(filepath.Join(s.dir, DefaultFileName))
	require.NoError(t, err)
	assert.Equal(t, []byte{0xde, 0xad, 0xbe, 0xef}, got)
}

// Bad messages are dropped without a reply and the connection keeps working.
// Each silent message is followed by an echo; the echo must be the very
// next frame, proving nothing was sent for the bad one.
func (s *ServerTestSuite) TestRecoversAfterBadMessages() {
	t := s.T()
	bad := []string{
		`{"action":"echo"`,
		`this is not json`,
		`{"action":"unknown"}`,
		`{"data":"no action"}`,
		`{"action":"file_transfer","file_name":"x.txt"}`,
		`{"action":"file_transfer","file_data":"%%%"}`,
		`{"action":"file_transfer","file_data":"aGk=","file_name":"../escape.txt"}`,
		`["action"]`,
	}

	for i, msg := range bad {
		sendText(t, s.conn, msg)
		sendText(t, s.conn, fmt.Sprintf(`{"action":"echo","data":%d}`, i))
		assert.Equal(t, fmt.Sprintf(`{"message":"echo","data":%d}`, i), readText(t, s.conn), "after %q", msg)
	}

	_, err := os.Stat(filepath.Join(filepath.Dir(s.dir), "escape.txt"))
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(filepath.Join(s.dir, "x.txt"))
	assert.True(t, os.IsNotExist(err))
}

func (s *ServerTestSuite) TestBinaryFrame() {
	t := s.T()
	require.NoError(t, s.conn.WriteMessage(websocket.BinaryMessage, []byte(`{"action":"echo","data":[1,2]}`)))
	assert.Equal(t, `{"message":"echo","data":[1,2]}`, readText(t, s.conn))
}

func (s *ServerTestSuite) TestSameFileTwiceOverwrites() {
	t := s.T()
	msg := `{"action":"file_transfer","file_data":"aGVsbG8=","file_name":"dup.txt"}`

	for i := 0; i < 2; i++ {
		sendText(t, s.conn, msg)
		assert.Equal(t, `{"message":"file_received","file_name":"dup.txt"}`, readText(t, s.conn))
	}

	got, err := os.ReadFile(filepath.Join(s.dir, "dup.txt"))
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), got)
}

// Replies come back in the order requests were sent.
func (s *ServerTestSuite) TestPerConnectionOrder() {
	t := s.T()
	const n = 50
	for i := 0; i < n; i++ {
		sendText(t, s.conn, fmt.Sprintf(`{"action":"echo","data":%d}`, i))
	}
	for i := 0; i < n; i++ {
		assert.Equal(t, fmt.Sprintf(`{"message":"echo","data":%d}`, i), readText(t, s.conn))
	}
}

func (s *ServerTestSuite) TestIndependentConnections() {
	t := s.T()
	other := dial(t, s.server)

	sendText(t, other, `{"action":"echo","data":"b"}`)
	sendText(t, s.conn, `{"action":"echo","data":"a"}`)

	assert.Equal(t, `{"message":"echo","data":"a"}`, readText(t, s.conn))
	assert.Equal(t, `{"message":"echo","data":"b"}`, readText(t, other))

	// closing one leaves the other usable
	require.NoError(t, other.Close())
	sendText(t, s.conn, `{"action":"echo","data":"still here"}`)
	assert.Equal(t, `{"message":"echo","data":"still here"}`, readText(t, s.conn))
}

func (s *ServerTestSuite) TestAnyPathUpgrades() {
	t := s.T()
	conn, _, err := websocket.DefaultDialer.Dial(wsURL(s.server, "/some/path"), nil)
	require.NoError(t, err)
	defer conn.Close()

	sendText(t, conn, `{"action":"echo","data":"path"}`)
	assert.Equal(t, `{"message":"echo","data":"path"}`, readText(t, conn))
}

// A panicking handler costs one message, not the connection.
func (s *ServerTestSuite) TestHandlerPanicKeepsConnection() {
	t := s.T()
	s.server.dispatcher.Register("explode", func(_ context.Context, _ Envelope) (*Response, error) {
		panic("boom")
	})

	sendText(t, s.conn, `{"action":"explode"}`)
	sendText(t, s.conn, `{"action":"echo","data":"after panic"}`)
	assert.Equal(t, `{"message":"echo","data":"after panic"}`, readText(t, s.conn))
}

func (s *ServerTestSuite) TestGoingAwayAllWithExpiredContextSendsNothing() {
	t := s.T()
	sendText(t, s.conn, `{"action":"echo","data":1}`)
	readText(t, s.conn)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	start := time.Now()
	s.server.Manager.GoingAwayAll(ctx, "late")
	assert.Less(t, time.Since(start), time.Second)

	// no close frame went out, the connection still answers
	sendText(t, s.conn, `{"action":"echo","data":2}`)
	assert.Equal(t, `{"message":"echo","data":2}`, readText(t, s.conn))
}

func TestServerTestSuite(t *testing.T) {
	suite.Run(t, new(ServerTestSuite))
}

func TestServer_ErrorReplies(t *testing.T) {
	cfg := testConfig(t.TempDir())
	cfg.ErrorReplies = true
	srv := startServer(t, cfg)
	conn := dial(t, srv)

	for _, msg := range []string{
		`{"action":"echo"`,
		`{"action":"unknown"}`,
		`{"action":"file_transfer"}`,
		`{"action":"file_transfer","file_data":"aGk=","file_name":"/abs.txt"}`,
	} {
		sendText(t, conn, msg)

		var resp Response
		require.NoError(t, json.Unmarshal([]byte(readText(t, conn)), &resp))
		assert.Equal(t, MessageError, resp.Message, msg)
		assert.NotEmpty(t, resp.Error, msg)
	}

	sendText(t, conn, `{"action":"echo","data":"ok"}`)
	assert.Equal(t, `{"message":"echo","data":"ok"}`, readText(t, conn))
}

func TestServer_ConnectionLimit(t *testing.T) {
	cfg := testConfig(t.TempDir())
	cfg.MaxConnections = 1
	srv := startServer(t, cfg)

	first := dial(t, srv)
	sendText(t, first, `{"action":"echo","data":1}`)
	readText(t, first) // make sure the first one holds its slot

	_, resp, err := websocket.DefaultDialer.Dial(wsURL(srv, "/"), nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	// slot is released once the first client leaves
	require.NoError(t, first.Close())
	require.Eventually(t, func() bool {
		conn, _, err := websocket.DefaultDialer.Dial(wsURL(srv, "/"), nil)
		if err != nil {
			return false
		}
		conn.Close()
		return true
	}, 2*time.Second, 20*time.Millisecond)
}

func TestServer_AcceptRateLimit(t *testing.T) {
	cfg := testConfig(t.TempDir())
	cfg.AcceptRate = 0.001
	cfg.AcceptBurst = 1
	srv := startServer(t, cfg)

	dial(t, srv)

	_, resp, err := websocket.DefaultDialer.Dial(wsURL(srv, "/"), nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
}

func TestServer_MessageTooLargeClosesConnection(t *testing.T) {
	cfg := testConfig(t.TempDir())
	cfg.MaxMessageSize = 64
	srv := startServer(t, cfg)
	conn := dial(t, srv)

	big := fmt.Sprintf(`{"action":"echo","data":%q}`, string(make([]byte, 256)))
	sendText(t, conn, big)

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseMessageTooBig), "got %v", err)
}

func TestServer_StopClosesClients(t *testing.T) {
	cfg := testConfig(t.TempDir())
	logger := logging.Discard()
	sink, err := storage.NewFileSink(cfg.StorageDir, logger)
	require.NoError(t, err)

	srv := NewServer(cfg, NewDispatcher(sink, logger), logger)
	require.NoError(t, srv.Listen())
	go srv.Serve()

	conn := dial(t, srv)
	sendText(t, conn, `{"action":"echo","data":"x"}`)
	readText(t, conn)
	require.Eventually(t, func() bool { return srv.Manager.Count() == 1 }, time.Second, 10*time.Millisecond)

	// keep reading so the client answers the close frame
	closed := make(chan error, 1)
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				closed <- err
				return
			}
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, srv.Stop(ctx))

	select {
	case err := <-closed:
		assert.True(t, websocket.IsCloseError(err, websocket.CloseGoingAway), "got %v", err)
	case <-time.After(2 * time.Second):
		t.Fatal("client was not closed")
	}
	assert.Equal(t, 0, srv.Manager.Count())
}

func TestServer_IdleTimeoutClosesConnection(t *testing.T) {
	cfg := testConfig(t.TempDir())
	cfg.IdleTimeout = 200 * time.Millisecond
	srv := startServer(t, cfg)
	conn := dial(t, srv)

	// activity pushes the deadline out
	sendText(t, conn, `{"action":"echo","data":"awake"}`)
	assert.Equal(t, `{"message":"echo","data":"awake"}`, readText(t, conn))

	start := time.Now()
	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, _, err := conn.ReadMessage()
	require.Error(t, err)

	var netErr net.Error
	if errors.As(err, &netErr) {
		assert.False(t, netErr.Timeout(), "server should drop the connection before our own deadline")
	}
	assert.Less(t, time.Since(start), 3*time.Second)
	require.Eventually(t, func() bool { return srv.Manager.Count() == 0 }, time.Second, 10*time.Millisecond)
}

func TestServer_RefusesUpgradeAfterStop(t *testing.T) {
	gin.SetMode(gin.TestMode)
	cfg := testConfig(t.TempDir())
	srv := newTestServer(t, cfg)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, srv.Stop(ctx))

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Connection", "Upgrade")
	req.Header.Set("Upgrade", "websocket")
	req.Header.Set("Sec-WebSocket-Version", "13")
	req.Header.Set("Sec-WebSocket-Key", "dGhlIHNhbXBsZSBub25jZQ==")
	srv.Handler().ServeHTTP(w, req)

	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestServer_BindFailure(t *testing.T) {
	first := startServer(t, testConfig(t.TempDir()))

	cfg := testConfig(t.TempDir())
	cfg.InPort = first.Addr().(*net.TCPAddr).Port
	srv := newTestServer(t, cfg)

	err := srv.Start()
	assert.ErrorContains(t, err, "failed to listen")
}

func TestHealthHandler(t *testing.T) {
	gin.SetMode(gin.TestMode)
	srv := newTestServer(t, testConfig(t.TempDir()))

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/check-conn", nil)
	srv.Handler().ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"status":"ok","connections":0}`, w.Body.String())
}

func TestPlainHTTPRequestIsRejected(t *testing.T) {
	gin.SetMode(gin.TestMode)
	srv := newTestServer(t, testConfig(t.TempDir()))

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	srv.Handler().ServeHTTP(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}
