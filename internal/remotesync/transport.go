package remotesync

import (
	"errors"
	"io"
	"sync"
)

// Link is one side of a duplex channel carrying envelopes. The protocol
// only assumes ordered-per-topic, at-least-once delivery; anything that can
// move an Envelope qualifies.
type Link interface {
	Send(Envelope) error
	OnReceive(Handler)
	Close() error
}

// Handler receives envelopes arriving on a link.
type Handler func(Envelope)

// PipeLink is an in-process link pair delivering synchronously, used by
// tests and by a UI embedded in the host process.
type PipeLink struct {
	mu      sync.Mutex
	peer    *PipeLink
	handler Handler
	closed  bool
}

func Pipe() (*PipeLink, *PipeLink) {
	a := &PipeLink{}
	b := &PipeLink{}
	a.peer = b
	b.peer = a
	return a, b
}

func (l *PipeLink) OnReceive(h Handler) {
	l.mu.Lock()
	l.handler = h
	l.mu.Unlock()
}

func (l *PipeLink) Send(env Envelope) error {
	if err := env.Validate(); err != nil {
		return err
	}
	l.mu.Lock()
	closed := l.closed
	l.mu.Unlock()
	if closed {
		return ErrLinkClosed
	}
	l.peer.mu.Lock()
	h := l.peer.handler
	closed = l.peer.closed
	l.peer.mu.Unlock()
	if closed {
		return ErrLinkClosed
	}
	if h != nil {
		h(env)
	}
	return nil
}

func (l *PipeLink) Close() error {
	l.mu.Lock()
	l.closed = true
	l.mu.Unlock()
	return nil
}

// FrameLink adapts an io.ReadWriteCloser (a unix socket connection) to a
// Link using the length-prefixed frame codec. Run drives the read loop and
// returns when the stream ends.
type FrameLink struct {
	rw       io.ReadWriteCloser
	maxFrame int

	writeMu sync.Mutex
	mu      sync.Mutex
	handler Handler
	closed  bool
}

func NewFrameLink(rw io.ReadWriteCloser, maxFrame int) *FrameLink {
	if maxFrame <= 0 {
		maxFrame = DefaultMaxFrame
	}
	return &FrameLink{rw: rw, maxFrame: maxFrame}
}

func (l *FrameLink) OnReceive(h Handler) {
	l.mu.Lock()
	l.handler = h
	l.mu.Unlock()
}

func (l *FrameLink) Send(env Envelope) error {
	l.mu.Lock()
	closed := l.closed
	l.mu.Unlock()
	if closed {
		return ErrLinkClosed
	}
	l.writeMu.Lock()
	defer l.writeMu.Unlock()
	return WriteFrame(l.rw, env)
}

// Run reads frames until the peer goes away. Malformed frames terminate
// the link; the client re-establishes and requests a fresh snapshot.
func (l *FrameLink) Run() error {
	for {
		env, err := ReadFrame(l.rw, l.maxFrame)
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				return nil
			}
			l.mu.Lock()
			closed := l.closed
			l.mu.Unlock()
			if closed {
				return nil
			}
			return err
		}
		l.mu.Lock()
		h := l.handler
		l.mu.Unlock()
		if h != nil {
			h(env)
		}
	}
}

func (l *FrameLink) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	l.mu.Unlock()
	return l.rw.Close()
}
