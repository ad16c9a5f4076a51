package mock

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/harunnryd/ranya-gladia/pkg/adapters/stt"
	"github.com/harunnryd/ranya-gladia/pkg/config"
	"github.com/harunnryd/ranya-gladia/pkg/transcript"
)

type STTConfig struct {
	// FailDials makes the first N dials fail with DialErr.
	FailDials int
	DialErr   error
	// OnFinish is delivered after Finish, followed by end_session.
	OnFinish []stt.Message
	// HoldFinish leaves the connection open after Finish, like a vendor that
	// never answers the stop command.
	HoldFinish bool
	// DialDelay blocks each dial until it elapses or ctx is done.
	DialDelay time.Duration
}

// Dialer is an in-memory vendor. Tests drive each connection through the
// returned *Conn.
type Dialer struct {
	cfg    STTConfig
	connCh chan *Conn

	mu       sync.Mutex
	dials    int
	failNext int
	conns    []*Conn
	cfgs     []config.SessionConfig
}

func NewSTT(cfg STTConfig) *Dialer {
	if cfg.DialErr == nil {
		cfg.DialErr = errors.New("mock dial failure")
	}
	return &Dialer{cfg: cfg, connCh: make(chan *Conn, 64)}
}

func (d *Dialer) Name() string { return "mock_stt" }

func (d *Dialer) Dial(ctx context.Context, cfg config.SessionConfig) (stt.Conn, error) {
	if d.cfg.DialDelay > 0 {
		timer := time.NewTimer(d.cfg.DialDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
	d.mu.Lock()
	d.dials++
	n := d.dials
	d.cfgs = append(d.cfgs, cfg)
	if n <= d.cfg.FailDials || d.failNext > 0 {
		if d.failNext > 0 {
			d.failNext--
		}
		d.mu.Unlock()
		return nil, d.cfg.DialErr
	}
	c := newConn(fmt.Sprintf("mock-%d", n), d.cfg)
	d.conns = append(d.conns, c)
	d.mu.Unlock()
	select {
	case d.connCh <- c:
	default:
	}
	return c, nil
}

// FailNext makes the next n dials fail with DialErr.
func (d *Dialer) FailNext(n int) {
	d.mu.Lock()
	d.failNext = n
	d.mu.Unlock()
}

// Dials returns the number of Dial calls, failed ones included.
func (d *Dialer) Dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

// Configs returns the configs passed to Dial, in order.
func (d *Dialer) Configs() []config.SessionConfig {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]config.SessionConfig(nil), d.cfgs...)
}

// Conns returns the successfully dialed connections.
func (d *Dialer) Conns() []*Conn {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]*Conn(nil), d.conns...)
}

// NextConn waits for the next successful dial.
func (d *Dialer) NextConn(timeout time.Duration) (*Conn, bool) {
	select {
	case c := <-d.connCh:
		return c, true
	case <-time.After(timeout):
		return nil, false
	}
}

// Conn is one in-memory vendor connection.
type Conn struct {
	id         string
	onFinish   []stt.Message
	holdFinish bool

	out       chan stt.Message
	done      chan struct{}
	closeOnce sync.Once

	sendMu    sync.Mutex
	outClosed bool
	err       error

	mu       sync.Mutex
	audio    [][]byte
	finished bool
}

func newConn(id string, cfg STTConfig) *Conn {
	return &Conn{
		id:         id,
		onFinish:   cfg.OnFinish,
		holdFinish: cfg.HoldFinish,
		out:        make(chan stt.Message, 64),
		done:       make(chan struct{}),
	}
}

func (c *Conn) ID() string { return c.id }

func (c *Conn) Results() <-chan stt.Message { return c.out }

func (c *Conn) Err() error {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	return c.err
}

func (c *Conn) SendAudio(frame []byte) error {
	select {
	case <-c.done:
		return errors.New("mock connection closed")
	default:
	}
	c.mu.Lock()
	c.audio = append(c.audio, append([]byte(nil), frame...))
	c.mu.Unlock()
	return nil
}

func (c *Conn) Finish(ctx context.Context) error {
	c.mu.Lock()
	c.finished = true
	c.mu.Unlock()
	if c.holdFinish {
		return nil
	}
	go func() {
		for _, msg := range c.onFinish {
			if !c.Push(msg) {
				return
			}
		}
		c.Push(stt.Message{Type: stt.MessageEnd})
		c.closeOut(nil)
	}()
	return nil
}

func (c *Conn) Close() error {
	c.closeOnce.Do(func() { close(c.done) })
	c.closeOut(nil)
	return nil
}

// Push delivers a vendor message. It returns false once the connection has
// ended.
func (c *Conn) Push(msg stt.Message) bool {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if c.outClosed {
		return false
	}
	select {
	case c.out <- msg:
		return true
	case <-c.done:
		return false
	}
}

// PushTranscript delivers a transcript message.
func (c *Conn) PushTranscript(raw transcript.RawEvent) bool {
	return c.Push(stt.Message{Type: stt.MessageTranscript, Transcript: raw})
}

// Drop ends the connection as if the transport failed.
func (c *Conn) Drop(err error) {
	if err == nil {
		err = errors.New("mock connection dropped")
	}
	c.closeOut(err)
}

func (c *Conn) closeOut(err error) {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if c.outClosed {
		return
	}
	c.outClosed = true
	c.err = err
	close(c.out)
}

// Audio returns copies of the frames received so far.
func (c *Conn) Audio() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([][]byte(nil), c.audio...)
}

// Finished reports whether Finish was called.
func (c *Conn) Finished() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.finished
}

// Closed reports whether Close was called.
func (c *Conn) Closed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// Final builds a final transcript message in vendor seconds.
func Final(id, text string, start, end, confidence float64) stt.Message {
	return stt.Message{Type: stt.MessageTranscript, Transcript: transcript.RawEvent{
		UtteranceID: id,
		Text:        text,
		Start:       transcript.VendorSeconds(start),
		End:         transcript.VendorSeconds(end),
		IsFinal:     true,
		Confidence:  confidence,
	}}
}

// Interim builds an interim transcript message in vendor seconds.
func Interim(id, text string, start, end, confidence float64) stt.Message {
	m := Final(id, text, start, end, confidence)
	m.Transcript.IsFinal = false
	return m
}

var (
	_ stt.Dialer = (*Dialer)(nil)
	_ stt.Conn   = (*Conn)(nil)
)
