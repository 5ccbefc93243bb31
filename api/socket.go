package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/GetStream/duochat/attachment"
	"github.com/GetStream/duochat/capture"
	"github.com/GetStream/duochat/chat"
	"github.com/GetStream/duochat/session"
)

const (
	writeWait    = 10 * time.Second
	pingPeriod   = 30 * time.Second
	readTimeout  = 60 * time.Second
	maxFrameSize = 8 << 20
	sendBuffer   = 64
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// inboundFrame is a client command. Binary frames carry recorded audio.
type inboundFrame struct {
	Type        string `json:"type"`
	Text        string `json:"text,omitempty"`
	Name        string `json:"name,omitempty"`
	ContentType string `json:"content_type,omitempty"`
	Data        []byte `json:"data,omitempty"`
}

type snapshotFrame struct {
	Type     string    `json:"type"`
	Messages []Message `json:"messages"`
	Stale    bool      `json:"stale"`
}

type sentFrame struct {
	Type    string  `json:"type"`
	Message Message `json:"message"`
}

type captureFrame struct {
	Type  string `json:"type"`
	State string `json:"state"`
}

type errorFrame struct {
	Type  string `json:"type"`
	Code  string `json:"code"`
	Error string `json:"error"`
}

// socket serializes writes to a websocket through a buffered queue.
type socket struct {
	ws     *websocket.Conn
	logger *slog.Logger
	send   chan []byte
	once   sync.Once
	done   chan struct{}
}

func newSocket(ws *websocket.Conn, logger *slog.Logger) *socket {
	s := &socket{
		ws:     ws,
		logger: logger,
		send:   make(chan []byte, sendBuffer),
		done:   make(chan struct{}),
	}
	go s.writeLoop()
	return s
}

// sendJSON queues v. A client too slow to drain its queue is disconnected.
func (s *socket) sendJSON(v any) {
	payload, err := json.Marshal(v)
	if err != nil {
		s.logger.Error("Could not encode frame", "error", err.Error())
		return
	}
	select {
	case <-s.done:
	case s.send <- payload:
	default:
		s.close(websocket.CloseGoingAway, "send buffer full")
	}
}

func (s *socket) close(code int, reason string) {
	s.once.Do(func() {
		close(s.done)
		_ = s.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(writeWait))
		_ = s.ws.Close()
	})
}

func (s *socket) writeLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case msg := <-s.send:
			if err := s.write(websocket.TextMessage, msg); err != nil {
				s.close(websocket.CloseInternalServerErr, "write failed")
				return
			}
		case <-ticker.C:
			if err := s.write(websocket.PingMessage, nil); err != nil {
				s.close(websocket.CloseGoingAway, "ping failed")
				return
			}
		}
	}
}

func (s *socket) write(typ int, payload []byte) error {
	if err := s.ws.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return s.ws.WriteMessage(typ, payload)
}

func (a *API) conversationSocket(w http.ResponseWriter, r *http.Request) {
	self, peer, _, ok := a.conversation(w, r)
	if !ok {
		return
	}

	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the response.
		a.Logger.Warn("Could not upgrade connection", "error", err.Error())
		return
	}
	logger := a.Logger.With("self", self.ID, "peer", peer.ID)
	sock := newSocket(ws, logger)
	defer sock.close(websocket.CloseNormalClosure, "session closed")

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	mic := capture.NewPipe()
	sess, err := session.Open(ctx, session.Config{
		Channel:  a.Channel,
		Uploader: a.Uploader,
		Audio:    mic,
		Logger:   logger,
		Clock:    a.stamps,
		OnUpdate: func(u chat.Update) {
			sock.sendJSON(snapshotFrame{Type: "snapshot", Messages: newMessages(u.Messages), Stale: u.Stale})
		},
	}, self.ID, peer.ID)
	if err != nil {
		logger.Error("Could not open session", "error", err.Error())
		sock.sendJSON(errorFrame{Type: "error", Code: "open_failed", Error: "Could not open conversation"})
		return
	}
	defer sess.Close()
	if a.Sessions != nil {
		a.Sessions.SessionOpened()
		defer a.Sessions.SessionClosed()
	}

	ws.SetReadLimit(maxFrameSize)
	_ = ws.SetReadDeadline(time.Now().Add(readTimeout))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(readTimeout))
	})

	c := &conversationConn{sess: sess, sock: sock, mic: mic, logger: logger}
	for {
		typ, data, err := ws.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) &&
				!errors.Is(err, websocket.ErrCloseSent) {
				logger.Info("Connection ended", "error", err.Error())
			}
			return
		}
		_ = ws.SetReadDeadline(time.Now().Add(readTimeout))

		if typ == websocket.BinaryMessage {
			c.audio(data)
			continue
		}
		var frame inboundFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			sock.sendJSON(errorFrame{Type: "error", Code: "bad_request", Error: "invalid payload"})
			continue
		}
		c.handle(ctx, frame)
	}
}

// conversationConn applies client frames to a session.
type conversationConn struct {
	sess   *session.Session
	sock   *socket
	mic    *capture.Pipe
	logger *slog.Logger

	// failed is the last append that did not reach the store.
	failed *chat.WriteError
}

func (c *conversationConn) handle(ctx context.Context, f inboundFrame) {
	switch f.Type {
	case "text":
		c.sent(c.sess.Send(ctx, f.Text))
	case "send_attachment":
		c.sent(c.sess.SendCapturedAttachment(ctx))
	case "retry":
		if c.failed == nil {
			c.fail(session.ErrNothingToSend)
			return
		}
		c.sent(c.sess.Retry(ctx, c.failed))
	case "record_start":
		c.captured(c.sess.StartRecording(ctx))
	case "record_stop":
		c.captured(c.sess.StopRecording())
	case "file":
		c.captured(c.sess.SelectFile(attachment.Bytes(f.Name, f.ContentType, f.Data)))
	case "cancel":
		c.captured(c.sess.CancelCapture())
	default:
		c.sock.sendJSON(errorFrame{Type: "error", Code: "unsupported_type", Error: "unknown frame type"})
	}
}

func (c *conversationConn) audio(frame []byte) {
	if err := c.mic.WriteFrame(frame); err != nil {
		c.fail(err)
	}
}

func (c *conversationConn) sent(msg chat.Message, err error) {
	var werr *chat.WriteError
	switch {
	case errors.As(err, &werr):
		c.failed = werr
	case err == nil:
		c.failed = nil
	}
	c.captured(err)
	if err == nil {
		c.sock.sendJSON(sentFrame{Type: "sent", Message: newMessage(msg)})
	}
}

func (c *conversationConn) captured(err error) {
	if err != nil {
		c.fail(err)
	}
	c.sock.sendJSON(captureFrame{Type: "capture", State: c.sess.CaptureState().String()})
}

func (c *conversationConn) fail(err error) {
	code := errorCode(err)
	if code == "internal" {
		c.logger.Error("Could not handle frame", "error", err.Error())
	}
	c.sock.sendJSON(errorFrame{Type: "error", Code: code, Error: err.Error()})
}

func errorCode(err error) string {
	var (
		werr *chat.WriteError
		uerr *attachment.UploadError
	)
	switch {
	case errors.As(err, &uerr):
		return uerr.Kind.String()
	case errors.As(err, &werr):
		return "write_failed"
	case errors.Is(err, capture.ErrDeviceUnavailable):
		return "device_unavailable"
	case errors.Is(err, capture.ErrCaptureInProgress):
		return "capture_in_progress"
	case errors.Is(err, capture.ErrUploadInProgress):
		return "upload_in_progress"
	case errors.Is(err, capture.ErrNothingCaptured):
		return "nothing_captured"
	case errors.Is(err, capture.ErrEmptyRecording):
		return "empty_recording"
	case errors.Is(err, capture.ErrNoFile):
		return "no_file"
	case errors.Is(err, capture.ErrDiscarded):
		return "discarded"
	case errors.Is(err, capture.ErrNotRecording):
		return "not_recording"
	case errors.Is(err, session.ErrNothingToSend):
		return "nothing_to_send"
	case errors.Is(err, session.ErrClosed):
		return "closed"
	case errors.Is(err, chat.ErrEmptyMessage), errors.Is(err, chat.ErrAmbiguousPayload):
		return "invalid_message"
	}
	return "internal"
}
