package rpcwire

import (
	"bytes"
	"encoding/binary"
	"encoding/gob"
	"io"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// headerSize is [type:1 byte][length:4 bytes big-endian], generalizing
// the teacher's 1-byte-type/3-byte-length header to a 4-byte length so
// a single frame can carry a full peek response rather than being
// capped at 16MiB.
const headerSize = 1 + 4

// maxFrameBytes bounds a single incoming frame, the rpcwire analogue
// of spec.md's maxMessageSize guard against a corrupt or hostile
// length field driving an unbounded allocation.
const maxFrameBytes = 256 << 20

var (
	// ErrFrameTooLarge is returned by the reader when a frame's
	// declared length exceeds maxFrameBytes.
	ErrFrameTooLarge = errors.New("rpcwire: frame exceeds maximum size")
	// ErrClosed is returned by Send once the connection has begun
	// closing.
	ErrClosed = errors.New("rpcwire: connection closed")
)

// Handler decodes and acts on one frame's payload. Conn.Serve looks
// one up by the frame's MessageType after reading the whole frame.
type Handler func(payload []byte) error

// Conn frames gob-encoded payloads over an io.ReadWriteCloser, the
// same split-goroutine read/write shape as the teacher's MsgConn, but
// carrying a registered-handler dispatch table instead of a single
// package-level msgMap, so each recruited tlog.Interface can run its
// own Conn with its own handler set.
type Conn struct {
	rwc    io.ReadWriteCloser
	logger *zap.SugaredLogger

	mu       sync.RWMutex
	handlers map[MessageType]Handler

	writeCh chan frame
	closing atomic.Bool
	doneCh  chan struct{}
}

type frame struct {
	msgType MessageType
	payload []byte
}

// NewConn wraps rwc in a Conn. Call Serve to start the read loop and
// Send/Close from any goroutine.
func NewConn(rwc io.ReadWriteCloser, logger *zap.SugaredLogger) *Conn {
	return &Conn{
		rwc:      rwc,
		logger:   logger,
		handlers: make(map[MessageType]Handler),
		writeCh:  make(chan frame, 64),
		doneCh:   make(chan struct{}),
	}
}

// RegisterHandler installs fn as the handler for frames of type t,
// replacing any previous handler.
func (c *Conn) RegisterHandler(t MessageType, fn Handler) {
	c.mu.Lock()
	c.handlers[t] = fn
	c.mu.Unlock()
}

// Encode gob-encodes v into a payload suitable for Send.
func Encode(v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, errors.Wrap(err, "rpcwire: encode")
	}
	return buf.Bytes(), nil
}

// Decode gob-decodes payload into v.
func Decode(payload []byte, v interface{}) error {
	if err := gob.NewDecoder(bytes.NewReader(payload)).Decode(v); err != nil {
		return errors.Wrap(err, "rpcwire: decode")
	}
	return nil
}

// Send enqueues a frame of type t carrying payload for the write loop.
// It does not block on network I/O.
func (c *Conn) Send(t MessageType, payload []byte) error {
	if c.closing.Load() {
		return ErrClosed
	}
	select {
	case c.writeCh <- frame{msgType: t, payload: payload}:
		return nil
	case <-c.doneCh:
		return ErrClosed
	}
}

// Serve runs the read loop, dispatching each frame to its registered
// handler, until the connection is closed or a read fails. It also
// starts the write loop. Serve blocks until the connection closes; run
// it in its own goroutine.
func (c *Conn) Serve() error {
	go c.writeLoop()
	return c.readLoop()
}

func (c *Conn) readLoop() error {
	header := make([]byte, headerSize)
	for {
		if _, err := io.ReadFull(c.rwc, header); err != nil {
			c.Close()
			if err == io.EOF || err == io.ErrUnexpectedEOF {
				return nil
			}
			return errors.Wrap(err, "rpcwire: read header")
		}
		t := MessageType(header[0])
		length := binary.BigEndian.Uint32(header[1:])
		if length > maxFrameBytes {
			c.Close()
			return ErrFrameTooLarge
		}
		payload := make([]byte, length)
		if _, err := io.ReadFull(c.rwc, payload); err != nil {
			c.Close()
			return errors.Wrap(err, "rpcwire: read payload")
		}
		c.mu.RLock()
		h := c.handlers[t]
		c.mu.RUnlock()
		if h == nil {
			c.logger.Warnw("rpcwire: no handler registered", "type", t)
			continue
		}
		if err := h(payload); err != nil {
			c.logger.Errorw("rpcwire: handler failed", "type", t, "error", err)
		}
	}
}

func (c *Conn) writeLoop() {
	header := make([]byte, headerSize)
	for {
		var f frame
		select {
		case f = <-c.writeCh:
		case <-c.doneCh:
			return
		}
		header[0] = byte(f.msgType)
		binary.BigEndian.PutUint32(header[1:], uint32(len(f.payload)))
		if _, err := c.rwc.Write(header); err != nil {
			c.logger.Errorw("rpcwire: write header failed", "error", err)
			return
		}
		if _, err := c.rwc.Write(f.payload); err != nil {
			c.logger.Errorw("rpcwire: write payload failed", "error", err)
			return
		}
	}
}

// Close closes the underlying connection and stops the read/write
// loops. Close is idempotent.
func (c *Conn) Close() error {
	if !c.closing.CompareAndSwap(false, true) {
		return nil
	}
	close(c.doneCh)
	return c.rwc.Close()
}
