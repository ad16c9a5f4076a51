package gladia

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/harunnryd/ranya-gladia/pkg/adapters/stt"
	"github.com/harunnryd/ranya-gladia/pkg/errorsx"
)

const writeTimeout = 10 * time.Second

var stopRecording = []byte(`{"type":"stop_recording"}`)

type conn struct {
	id     string
	ws     *websocket.Conn
	out    chan stt.Message
	done   chan struct{}
	logger *slog.Logger

	writeMu   sync.Mutex
	closeOnce sync.Once
	finishing atomic.Bool
	ended     atomic.Bool

	errMu sync.Mutex
	err   error
}

func newConn(id string, ws *websocket.Conn, logger *slog.Logger) *conn {
	return &conn{
		id:     id,
		ws:     ws,
		out:    make(chan stt.Message, 64),
		done:   make(chan struct{}),
		logger: logger.With(slog.String("session_id", id)),
	}
}

func (c *conn) ID() string { return c.id }

func (c *conn) Results() <-chan stt.Message { return c.out }

func (c *conn) Err() error {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	return c.err
}

func (c *conn) SendAudio(frame []byte) error {
	if err := c.write(websocket.BinaryMessage, frame); err != nil {
		return errorsx.Wrapf(errorsx.ReasonSTTSend, "gladia send audio: %w", err)
	}
	return nil
}

func (c *conn) Finish(ctx context.Context) error {
	c.finishing.Store(true)
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := c.write(websocket.TextMessage, stopRecording); err != nil {
		return errorsx.Wrapf(errorsx.ReasonSTTSend, "gladia stop recording: %w", err)
	}
	c.logger.Debug("gladia_stop_recording_sent")
	return nil
}

func (c *conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		c.writeMu.Lock()
		_ = c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		c.writeMu.Unlock()
		err = c.ws.Close()
	})
	return err
}

func (c *conn) write(kind int, payload []byte) error {
	select {
	case <-c.done:
		return errors.New("connection closed")
	default:
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.ws.WriteMessage(kind, payload)
}

func (c *conn) readLoop() {
	defer close(c.out)
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			c.finishRead(err)
			return
		}
		msg, ok, derr := decodeMessage(data)
		if derr != nil {
			c.logger.Warn("gladia_message_invalid", slog.String("error", derr.Error()))
			continue
		}
		if !ok {
			continue
		}
		if msg.Type == stt.MessageEnd {
			c.ended.Store(true)
		}
		select {
		case c.out <- msg:
		case <-c.done:
			return
		}
	}
}

// finishRead records why the read side ended. A close after end_session, a
// normal close while finishing and a local Close are not errors.
func (c *conn) finishRead(err error) {
	select {
	case <-c.done:
		return
	default:
	}
	if c.ended.Load() {
		return
	}
	if c.finishing.Load() && websocket.IsCloseError(err, websocket.CloseNormalClosure) {
		return
	}
	c.logger.Warn("gladia_connection_lost", slog.String("error", err.Error()))
	c.errMu.Lock()
	c.err = errorsx.Wrapf(errorsx.ReasonSTTConnect, "gladia connection lost: %w", err)
	c.errMu.Unlock()
}

var _ stt.Conn = (*conn)(nil)
