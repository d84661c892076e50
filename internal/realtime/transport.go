package realtime

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/go-stomp/stomp/v3/frame"
	"github.com/gorilla/websocket"

	"github.com/haasonsaas/roomchat/internal/apperrors"
	"github.com/haasonsaas/roomchat/internal/retry"
	"github.com/haasonsaas/roomchat/pkg/models"
)

const (
	wsWriteWait    = 10 * time.Second
	wsMaxFrameSize = 1 << 20
	stompVersions  = "1.2,1.1,1.0"
)

// Inbound is one message delivered by the server.
type Inbound struct {
	Destination  string
	Subscription string
	Body         []byte
}

// Conn is an established realtime session.
type Conn interface {
	Subscribe(destination, id string) error
	Unsubscribe(id string) error
	Send(destination string, body []byte) error
	// Receive blocks until the next message arrives or the session ends.
	Receive() (Inbound, error)
	Close() error
}

// Dialer opens realtime sessions. A rejected credential is returned as a
// permanent AuthChannel error; anything else is treated as transient.
type Dialer interface {
	Dial(ctx context.Context, cred models.Credential) (Conn, error)
}

// WebSocketDialer speaks STOMP over a websocket.
type WebSocketDialer struct {
	URL    string
	Dialer *websocket.Dialer
	Logger *slog.Logger
}

// NewWebSocketDialer returns a dialer for the given ws:// or wss:// endpoint.
func NewWebSocketDialer(endpoint string, logger *slog.Logger) *WebSocketDialer {
	if logger == nil {
		logger = slog.Default()
	}
	return &WebSocketDialer{
		URL:    endpoint,
		Dialer: websocket.DefaultDialer,
		Logger: logger.With("component", "realtime.transport"),
	}
}

func (d *WebSocketDialer) Dial(ctx context.Context, cred models.Credential) (Conn, error) {
	u, err := url.Parse(d.URL)
	if err != nil {
		return nil, retry.Permanent(apperrors.Config("invalid websocket url", err))
	}
	q := u.Query()
	q.Set("token", cred.Token)
	u.RawQuery = q.Encode()

	header := http.Header{}
	header.Set("Authorization", "Bearer "+cred.Token)

	dialer := d.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	ws, resp, err := dialer.DialContext(ctx, u.String(), header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, retry.Permanent(apperrors.AuthChannel("realtime handshake rejected", err).
				WithContext("status", resp.StatusCode))
		}
		return nil, apperrors.Transport("websocket dial failed", err)
	}
	ws.SetReadLimit(wsMaxFrameSize)

	conn := &stompConn{ws: ws, logger: d.Logger}
	if err := conn.handshake(ctx, u.Host, cred.Token); err != nil {
		_ = ws.Close()
		return nil, err
	}
	return conn, nil
}

type stompConn struct {
	ws     *websocket.Conn
	logger *slog.Logger

	writeMu sync.Mutex
	closed  sync.Once
}

func (c *stompConn) handshake(ctx context.Context, host, token string) error {
	stop := context.AfterFunc(ctx, func() { _ = c.ws.Close() })
	defer stop()
	if deadline, ok := ctx.Deadline(); ok {
		_ = c.ws.SetReadDeadline(deadline)
		defer func() { _ = c.ws.SetReadDeadline(time.Time{}) }()
	}

	connect := frame.New(frame.CONNECT,
		frame.AcceptVersion, stompVersions,
		frame.Host, host,
		frame.HeartBeat, "0,0",
		"Authorization", "Bearer "+token,
	)
	if err := c.writeFrame(connect); err != nil {
		return apperrors.Transport("send CONNECT", err)
	}
	reply, err := c.readFrame()
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return apperrors.Transport("connect timed out", ctxErr)
		}
		return apperrors.Transport("read CONNECTED", err)
	}
	switch reply.Command {
	case frame.CONNECTED:
		return nil
	case frame.ERROR:
		return retry.Permanent(apperrors.AuthChannel("realtime connect rejected", errors.New(errorText(reply))))
	default:
		return apperrors.Transport("unexpected reply to CONNECT", fmt.Errorf("command %s", reply.Command))
	}
}

func (c *stompConn) Subscribe(destination, id string) error {
	return c.writeFrame(frame.New(frame.SUBSCRIBE,
		frame.Id, id,
		frame.Destination, destination,
		frame.Ack, "auto",
	))
}

func (c *stompConn) Unsubscribe(id string) error {
	return c.writeFrame(frame.New(frame.UNSUBSCRIBE, frame.Id, id))
}

func (c *stompConn) Send(destination string, body []byte) error {
	f := frame.New(frame.SEND,
		frame.Destination, destination,
		frame.ContentType, "application/json",
		frame.ContentLength, strconv.Itoa(len(body)),
	)
	f.Body = body
	return c.writeFrame(f)
}

func (c *stompConn) Receive() (Inbound, error) {
	for {
		f, err := c.readFrame()
		if err != nil {
			return Inbound{}, err
		}
		switch f.Command {
		case frame.MESSAGE:
			return Inbound{
				Destination:  f.Header.Get(frame.Destination),
				Subscription: f.Header.Get(frame.Subscription),
				Body:         f.Body,
			}, nil
		case frame.ERROR:
			return Inbound{}, fmt.Errorf("server error: %s", errorText(f))
		default:
			c.logger.Debug("ignoring frame", "command", f.Command)
		}
	}
}

func (c *stompConn) Close() error {
	var err error
	c.closed.Do(func() {
		_ = c.writeFrame(frame.New(frame.DISCONNECT))
		err = c.ws.Close()
	})
	return err
}

func (c *stompConn) writeFrame(f *frame.Frame) error {
	var buf bytes.Buffer
	if err := frame.NewWriter(&buf).Write(f); err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return c.ws.WriteMessage(websocket.TextMessage, buf.Bytes())
}

// readFrame returns the next non-heartbeat frame.
func (c *stompConn) readFrame() (*frame.Frame, error) {
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			return nil, err
		}
		if len(bytes.TrimSpace(data)) == 0 {
			continue
		}
		f, err := frame.NewReader(bytes.NewReader(data)).Read()
		if err != nil {
			return nil, err
		}
		if f == nil {
			continue
		}
		return f, nil
	}
}

func errorText(f *frame.Frame) string {
	if msg := f.Header.Get(frame.Message); msg != "" {
		return msg
	}
	if len(f.Body) > 0 {
		return string(bytes.TrimSpace(f.Body))
	}
	return "unspecified error"
}
