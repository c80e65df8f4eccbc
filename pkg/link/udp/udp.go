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

// Package udp provides a frame link carried in UDP datagrams, one frame per
// datagram.
package udp

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/cenkalti/backoff"

	"github.com/halalboro/POS-sub002/pkg/link"
	"github.com/halalboro/POS-sub002/pkg/log"
)

var _ link.Link = (*Endpoint)(nil)

// DefaultWriteTimeout bounds the retries of a single write.
const DefaultWriteTimeout = time.Second

// Options configures an Endpoint.
type Options struct {
	// Local is the address to listen on, e.g. ":7100".
	Local string

	// Remote is the peer's address.
	Remote string

	// MTU is the largest frame. Zero means link.DefaultMTU.
	MTU int

	// WriteTimeout bounds the retries of a single write. Zero means
	// DefaultWriteTimeout.
	WriteTimeout time.Duration
}

// Endpoint is a UDP frame link.
type Endpoint struct {
	opts    Options
	conn    *net.UDPConn
	remote  *net.UDPAddr
	dropLog log.Logger
}

// Dial listens on opts.Local and sends to opts.Remote.
func Dial(opts Options) (*Endpoint, error) {
	if opts.MTU <= 0 {
		opts.MTU = link.DefaultMTU
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = DefaultWriteTimeout
	}
	local, err := net.ResolveUDPAddr("udp", opts.Local)
	if err != nil {
		return nil, fmt.Errorf("resolving local address %q: %w", opts.Local, err)
	}
	remote, err := net.ResolveUDPAddr("udp", opts.Remote)
	if err != nil {
		return nil, fmt.Errorf("resolving remote address %q: %w", opts.Remote, err)
	}
	conn, err := net.ListenUDP("udp", local)
	if err != nil {
		return nil, fmt.Errorf("listening on %q: %w", opts.Local, err)
	}
	log.Infof("UDP link %v <-> %v", conn.LocalAddr(), remote)
	return &Endpoint{
		opts:    opts,
		conn:    conn,
		remote:  remote,
		dropLog: log.BasicRateLimitedLogger(time.Second),
	}, nil
}

// LocalAddr returns the bound local address.
func (e *Endpoint) LocalAddr() net.Addr {
	return e.conn.LocalAddr()
}

// WriteFrame implements link.Link.WriteFrame. Transient send failures are
// retried with exponential backoff.
func (e *Endpoint) WriteFrame(ctx context.Context, frame []byte) error {
	if len(frame) > e.opts.MTU {
		return fmt.Errorf("%w: %d > %d", link.ErrFrameTooLarge, len(frame), e.opts.MTU)
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = time.Millisecond
	b.MaxInterval = 100 * time.Millisecond
	b.MaxElapsedTime = e.opts.WriteTimeout

	op := func() error {
		_, err := e.conn.WriteToUDP(frame, e.remote)
		if errors.Is(err, net.ErrClosed) {
			return backoff.Permanent(link.ErrClosed)
		}
		return err
	}
	if err := backoff.Retry(op, backoff.WithContext(b, ctx)); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return err
	}
	return nil
}

// ReadFrame implements link.Link.ReadFrame. Datagrams from addresses other
// than the peer are discarded.
func (e *Endpoint) ReadFrame(ctx context.Context) ([]byte, error) {
	if err := e.conn.SetReadDeadline(time.Time{}); err != nil {
		return nil, err
	}
	stop := context.AfterFunc(ctx, func() {
		e.conn.SetReadDeadline(time.Now())
	})
	defer stop()

	buf := make([]byte, e.opts.MTU+1)
	for {
		n, from, err := e.conn.ReadFromUDP(buf)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			if errors.Is(err, net.ErrClosed) {
				return nil, link.ErrClosed
			}
			return nil, err
		}
		if !from.IP.Equal(e.remote.IP) || from.Port != e.remote.Port {
			e.dropLog.Warningf("UDP link: discarding datagram from unexpected peer %v", from)
			continue
		}
		if n > e.opts.MTU {
			e.dropLog.Warningf("UDP link: discarding oversized datagram from %v", from)
			continue
		}
		return append([]byte(nil), buf[:n]...), nil
	}
}

// MTU implements link.Link.MTU.
func (e *Endpoint) MTU() int {
	return e.opts.MTU
}

// Close implements link.Link.Close.
func (e *Endpoint) Close() error {
	return e.conn.Close()
}
