package client

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"time"

	ws "pserver/internal/microservices/websocket"

	"github.com/fatih/color"
	"github.com/gorilla/websocket"
)

// ErrNoReply means the server stayed silent, which is what it does for
// requests it ignores or fails to handle.
var ErrNoReply = errors.New("no reply from server")

// ws_client.go = WebSocket client side of the pserver protocol.
type Client struct {
	conn    *websocket.Conn
	timeout time.Duration // how long to wait for a reply
}

// Dial connects to a pserver instance.
func Dial(host string, port int, timeout time.Duration) (*Client, error) {
	u := url.URL{
		Scheme: "ws",
		Host:   net.JoinHostPort(host, strconv.Itoa(port)),
		Path:   "/",
	}

	dialer := websocket.Dialer{
		HandshakeTimeout: timeout,
	}
	conn, _, err := dialer.Dial(u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("connection failed: %w", err)
	}
	return &Client{conn: conn, timeout: timeout}, nil
}

// Close says goodbye properly and drops the connection.
func (c *Client) Close() error {
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	_ = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	return c.conn.Close()
}

// Request sends any JSON-encodable envelope and waits for one reply.
func (c *Client) Request(envelope any) (*ws.Response, error) {
	if err := c.conn.WriteJSON(envelope); err != nil {
		return nil, fmt.Errorf("write failed: %w", err)
	}

	c.conn.SetReadDeadline(time.Now().Add(c.timeout))
	defer c.conn.SetReadDeadline(time.Time{})

	_, data, err := c.conn.ReadMessage()
	if err != nil {
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return nil, ErrNoReply
		}
		return nil, fmt.Errorf("read failed: %w", err)
	}
	return ws.DecodeResponse(data)
}

// Echo sends data (already JSON) and returns the server's echo.
func (c *Client) Echo(data json.RawMessage) (*ws.Response, error) {
	env := map[string]any{"action": string(ws.ActionEcho)}
	if data != nil {
		env["data"] = data
	}
	return c.Request(env)
}

// SendFile uploads the file at path. An empty name lets the server pick its default.
func (c *Client) SendFile(path, name string) (*ws.Response, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	env := map[string]any{
		"action":    string(ws.ActionFileTransfer),
		"file_data": base64.StdEncoding.EncodeToString(content),
	}
	if name != "" {
		env["file_name"] = filepath.ToSlash(name)
	}
	return c.Request(env)
}

// ParseData treats text that is valid JSON as JSON and anything else as a plain string.
func ParseData(text string) json.RawMessage {
	if json.Valid([]byte(text)) {
		return json.RawMessage(text)
	}
	quoted, _ := json.Marshal(text)
	return quoted
}

func PrintResponse(resp *ws.Response) {
	switch resp.Message {
	case ws.MessageEcho:
		color.Cyan("echo: %s", string(resp.Data))
	case ws.MessageFileReceived:
		color.Green("file received as %s", resp.FileName)
	case ws.MessageError:
		color.Red("error: %s", resp.Error)
	default:
		color.Yellow("unexpected reply: %+v", *resp)
	}
}
