// Copyright 2024 The gVisor Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package pipe provides the implementation of pipe-like frame links. Such
// links allow frames to be sent between two nodes in the same process.
package pipe

import (
	"context"
	"fmt"
	"sync"

	"github.com/halalboro/POS-sub002/pkg/link"
)

var _ link.Link = (*Endpoint)(nil)

// DefaultQueueLen is the number of frames buffered in each direction.
const DefaultQueueLen = 256

// New returns both ends of a new pipe.
func New(mtu, queueLen int) (*Endpoint, *Endpoint) {
	if mtu <= 0 {
		mtu = link.DefaultMTU
	}
	if queueLen <= 0 {
		queueLen = DefaultQueueLen
	}
	done := make(chan struct{})
	once := &sync.Once{}
	ab := make(chan []byte, queueLen)
	ba := make(chan []byte, queueLen)
	ep1 := &Endpoint{mtu: mtu, in: ba, out: ab, done: done, once: once}
	ep2 := &Endpoint{mtu: mtu, in: ab, out: ba, done: done, once: once}
	return ep1, ep2
}

// Endpoint is one end of a pipe. Closing either end closes the pipe.
type Endpoint struct {
	mtu  int
	in   <-chan []byte
	out  chan<- []byte
	done chan struct{}
	once *sync.Once
}

// WriteFrame implements link.Link.WriteFrame. It blocks while the peer's
// queue is full.
func (e *Endpoint) WriteFrame(ctx context.Context, frame []byte) error {
	if len(frame) > e.mtu {
		return fmt.Errorf("%w: %d > %d", link.ErrFrameTooLarge, len(frame), e.mtu)
	}
	select {
	case <-e.done:
		return link.ErrClosed
	default:
	}
	f := append([]byte(nil), frame...)
	select {
	case e.out <- f:
		return nil
	case <-e.done:
		return link.ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ReadFrame implements link.Link.ReadFrame.
func (e *Endpoint) ReadFrame(ctx context.Context) ([]byte, error) {
	select {
	case f := <-e.in:
		return f, nil
	case <-e.done:
		return nil, link.ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// MTU implements link.Link.MTU.
func (e *Endpoint) MTU() int {
	return e.mtu
}

// Close implements link.Link.Close.
func (e *Endpoint) Close() error {
	e.once.Do(func() { close(e.done) })
	return nil
}
