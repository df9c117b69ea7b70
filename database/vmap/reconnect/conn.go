// Copyright (c) 2025 Sonic Operations Ltd
//
// Use of this software is governed by the Business Source License included
// in the LICENSE file and at soniclabs.com/bsl11.
//
// Change Date: 2028-4-16
//
// On the date above, in accordance with the Business Source License, use of
// this software will be governed by the GNU Lesser General Public License v3.

package reconnect

import (
	"context"
	"errors"
	"io"
	"sync"

	"github.com/fxamacker/cbor/v2"
)

// ErrClosed is returned by connections that have been closed locally or by
// their peer.
var ErrClosed = errors.New("reconnect connection closed")

// Conn is a bidirectional, ordered message channel between a teacher and a
// learner. Send and Receive may be used concurrently with each other, but
// each of them by a single goroutine at a time.
type Conn interface {
	Send(ctx context.Context, msg Message) error
	Receive(ctx context.Context) (Message, error)
	Close() error
}

// Pipe creates a pair of connected in-memory endpoints. Each direction
// buffers up to capacity messages. Messages are CBOR encoded in transit,
// such that endpoints do not share memory.
func Pipe(capacity int) (*Endpoint, *Endpoint) {
	ab := make(chan []byte, capacity)
	ba := make(chan []byte, capacity)
	aClosed := make(chan struct{})
	bClosed := make(chan struct{})
	a := &Endpoint{in: ba, out: ab, closed: aClosed, peerClosed: bClosed}
	b := &Endpoint{in: ab, out: ba, closed: bClosed, peerClosed: aClosed}
	return a, b
}

// Endpoint is one side of an in-memory connection created by Pipe.
type Endpoint struct {
	in         <-chan []byte
	out        chan<- []byte
	closed     chan struct{}
	peerClosed <-chan struct{}
	closeOnce  sync.Once
}

func (e *Endpoint) Send(ctx context.Context, msg Message) error {
	data, err := Encode(msg)
	if err != nil {
		return err
	}
	select {
	case <-e.closed:
		return ErrClosed
	case <-e.peerClosed:
		return ErrClosed
	default:
	}
	select {
	case e.out <- data:
		return nil
	case <-e.closed:
		return ErrClosed
	case <-e.peerClosed:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Endpoint) Receive(ctx context.Context) (Message, error) {
	// Messages sent before the peer closed the connection are delivered.
	select {
	case data := <-e.in:
		return Decode(data)
	default:
	}
	select {
	case data := <-e.in:
		return Decode(data)
	case <-e.closed:
		return Message{}, ErrClosed
	case <-e.peerClosed:
		select {
		case data := <-e.in:
			return Decode(data)
		default:
			return Message{}, ErrClosed
		}
	case <-ctx.Done():
		return Message{}, ctx.Err()
	}
}

func (e *Endpoint) Close() error {
	e.closeOnce.Do(func() { close(e.closed) })
	return nil
}

// NewStreamConn runs the reconnect protocol over a byte stream, for instance
// a network connection. Messages are written as a sequence of CBOR items.
// Blocking operations are interrupted by closing the stream.
func NewStreamConn(stream io.ReadWriteCloser) Conn {
	return &streamConn{
		stream:  stream,
		encoder: encMode.NewEncoder(stream),
		decoder: decMode.NewDecoder(stream),
	}
}

type streamConn struct {
	stream    io.ReadWriteCloser
	encoder   *cbor.Encoder
	decoder   *cbor.Decoder
	closeOnce sync.Once
	closeErr  error
}

func (c *streamConn) Send(ctx context.Context, msg Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return c.encoder.Encode(msg)
}

func (c *streamConn) Receive(ctx context.Context) (Message, error) {
	if err := ctx.Err(); err != nil {
		return Message{}, err
	}
	var msg Message
	if err := c.decoder.Decode(&msg); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrClosedPipe) {
			return Message{}, ErrClosed
		}
		return Message{}, err
	}
	if err := msg.validate(); err != nil {
		return Message{}, err
	}
	return msg, nil
}

func (c *streamConn) Close() error {
	c.closeOnce.Do(func() { c.closeErr = c.stream.Close() })
	return c.closeErr
}
