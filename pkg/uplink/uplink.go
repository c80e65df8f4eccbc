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

// Package uplink connects a node's bypass port to its frame links.
//
// Packets leaving the fabric through the bypass port are tagged by a wire
// Encoder and sent as frames to the node named by their destination. Frames
// arriving on any link are untagged by a wire Decoder and injected into the
// fabric through the bypass port. Frames without a route tag come from
// clients that do not take part in the fabric; they are handed to a
// configured default region or dropped.
package uplink

import (
	"context"
	"errors"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/halalboro/POS-sub002/pkg/link"
	"github.com/halalboro/POS-sub002/pkg/log"
	"github.com/halalboro/POS-sub002/pkg/metric"
	"github.com/halalboro/POS-sub002/pkg/route"
	"github.com/halalboro/POS-sub002/pkg/stream"
	"github.com/halalboro/POS-sub002/pkg/wire"
)

// Options configures an Uplink.
type Options struct {
	// Node is this node. Decoded senders claiming it, or an infrastructure
	// port, are demoted to External.
	Node route.NodeID

	// Wire configures tagging.
	Wire wire.Options

	// DefaultRegion receives untagged frames. External drops them.
	DefaultRegion route.RegionID

	// Dropped counts packets and frames with nowhere to go. May be nil.
	Dropped *metric.Counter
}

// Uplink is the bypass stack of one node.
type Uplink struct {
	opts     Options
	links    map[route.NodeID]link.Link
	fallback link.Link
	dropLog  log.Logger

	// injectMu keeps injected packets whole on the shared fabric ingress.
	injectMu sync.Mutex
}

// New returns an Uplink. In the node-aware scheme packets go to the link of
// their destination node; everything else goes to fallback, which may be
// nil.
func New(opts Options, links map[route.NodeID]link.Link, fallback link.Link) *Uplink {
	if links == nil {
		links = make(map[route.NodeID]link.Link)
	}
	return &Uplink{
		opts:     opts,
		links:    links,
		fallback: fallback,
		dropLog:  log.BasicRateLimitedLogger(time.Second),
	}
}

func (u *Uplink) drop(format string, v ...any) {
	if u.opts.Dropped != nil {
		u.opts.Dropped.Increment()
	}
	u.dropLog.Warningf(format, v...)
}

// all returns every distinct link.
func (u *Uplink) all() []link.Link {
	seen := make(map[link.Link]bool)
	var ls []link.Link
	for _, l := range append(u.linkList(), u.fallback) {
		if l != nil && !seen[l] {
			seen[l] = true
			ls = append(ls, l)
		}
	}
	return ls
}

func (u *Uplink) linkList() []link.Link {
	ls := make([]link.Link, 0, len(u.links))
	for n := route.NodeID(0); n < route.NumNodes; n++ {
		if l, ok := u.links[n]; ok {
			ls = append(ls, l)
		}
	}
	return ls
}

// linkFor returns the link toward the destination of d.
func (u *Uplink) linkFor(d route.Descriptor) link.Link {
	if u.opts.Wire.Scheme == route.NodeAware {
		if l, ok := u.links[d.Dst.Node]; ok {
			return l
		}
	}
	return u.fallback
}

// Run moves traffic until ctx is cancelled or a link fails. fromFabric and
// toFabric are the bypass port's egress and ingress queues.
func (u *Uplink) Run(ctx context.Context, fromFabric, toFabric *stream.Queue[stream.Segment]) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return u.egress(ctx, fromFabric) })
	for _, l := range u.all() {
		l := l
		g.Go(func() error { return u.ingress(ctx, l, toFabric) })
	}
	err := g.Wait()
	if errors.Is(err, context.Canceled) || errors.Is(err, stream.ErrClosed) || errors.Is(err, link.ErrClosed) {
		return nil
	}
	return err
}

// egress tags packets from the fabric and writes them as frames.
func (u *Uplink) egress(ctx context.Context, fromFabric *stream.Queue[stream.Segment]) error {
	enc := wire.NewEncoder(u.opts.Wire)
	var (
		frame []stream.Segment
		d     route.Descriptor
		first = true
	)
	for {
		seg, err := fromFabric.ReadContext(ctx)
		if err != nil {
			return err
		}
		if first {
			d = seg.Route
			first = false
		}
		out, err := enc.Push(seg)
		frame = append(frame, out...)
		if !seg.Last {
			continue
		}
		first = true
		if err != nil {
			u.drop("Uplink: dropping packet %v: %v", d, err)
			frame = frame[:0]
			continue
		}
		l := u.linkFor(d)
		if l == nil {
			u.drop("Uplink: no link toward %v, dropping packet", d.Dst)
			frame = frame[:0]
			continue
		}
		if err := l.WriteFrame(ctx, stream.Reassemble(frame)); err != nil {
			if errors.Is(err, link.ErrFrameTooLarge) {
				u.drop("Uplink: dropping packet %v: %v", d, err)
				frame = frame[:0]
				continue
			}
			return err
		}
		frame = frame[:0]
	}
}

// ingress untags frames from l and injects them into the fabric.
func (u *Uplink) ingress(ctx context.Context, l link.Link, toFabric *stream.Queue[stream.Segment]) error {
	dec := wire.NewDecoder(u.opts.Wire)
	beat := u.opts.Wire.BeatSize
	for {
		frame, err := l.ReadFrame(ctx)
		if err != nil {
			return err
		}
		var segs []stream.Segment
		for _, seg := range stream.Packetize(frame, beat, route.Descriptor{}) {
			segs = append(segs, dec.Push(seg)...)
		}
		if len(segs) == 0 {
			continue
		}
		d := wire.Sanitize(segs[0].Route, u.opts.Wire.Scheme, u.opts.Node)
		if d.Dst.Region.IsExternal() {
			if u.opts.DefaultRegion.IsExternal() {
				u.drop("Uplink: dropping frame from %v with no destination", d.Src)
				continue
			}
			d.Dst = route.Endpoint{Node: u.opts.Node, Region: u.opts.DefaultRegion}
		}
		for i := range segs {
			segs[i].Route = d
		}
		if err := u.inject(ctx, segs, toFabric); err != nil {
			return err
		}
	}
}

func (u *Uplink) inject(ctx context.Context, segs []stream.Segment, toFabric *stream.Queue[stream.Segment]) error {
	u.injectMu.Lock()
	defer u.injectMu.Unlock()
	for _, seg := range segs {
		if err := toFabric.WriteContext(ctx, seg); err != nil {
			return err
		}
	}
	return nil
}
