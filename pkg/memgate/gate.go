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

// Package memgate validates tenant DMA requests against the region's
// configured memory endpoints and stamps authorized requests with the
// requester's route descriptor.
//
// The bounds check never forms vaddr+length, so adversarial lengths cannot
// wrap the comparison.
package memgate

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/halalboro/POS-sub002/pkg/log"
	"github.com/halalboro/POS-sub002/pkg/metric"
	"github.com/halalboro/POS-sub002/pkg/route"
	"github.com/halalboro/POS-sub002/pkg/stream"
)

// DefaultMaxEndpoints is the default number of endpoints per region.
const DefaultMaxEndpoints = 4

// ErrBoundsViolation is returned for every denied request. It deliberately
// carries no detail about which endpoint was missed.
var ErrBoundsViolation = errors.New("memory request denied")

// Request is a tenant DMA request.
type Request struct {
	Vaddr  uint64
	Length uint64
	Write  bool

	// Tag is an opaque requester tag returned with the response.
	Tag uint32
}

func (r Request) String() string {
	op := "read"
	if r.Write {
		op = "write"
	}
	return fmt.Sprintf("%s(vaddr=%#x, len=%#x)", op, r.Vaddr, r.Length)
}

// Authorized is a request that passed the bounds check, stamped with the
// requester's route.
type Authorized struct {
	Request
	Route route.Descriptor
}

// Gate is the memory gate of one region.
type Gate struct {
	owner        route.Endpoint
	maxEndpoints int
	endpoints    atomic.Pointer[[]Endpoint]
	violations   *metric.Counter
	dropLog      log.Logger
}

// Options configures a Gate.
type Options struct {
	// Owner is the requesting region.
	Owner route.Endpoint

	// MaxEndpoints bounds the endpoint table. Zero means
	// DefaultMaxEndpoints.
	MaxEndpoints int

	// Violations counts denials. Must be non-nil.
	Violations *metric.Counter
}

// New returns a gate with no endpoints; it denies everything until
// configured.
func New(opts Options) *Gate {
	if opts.MaxEndpoints <= 0 {
		opts.MaxEndpoints = DefaultMaxEndpoints
	}
	g := &Gate{
		owner:        opts.Owner,
		maxEndpoints: opts.MaxEndpoints,
		violations:   opts.Violations,
		dropLog:      log.BasicRateLimitedLogger(time.Second),
	}
	g.endpoints.Store(&[]Endpoint{})
	return g
}

// Configure replaces the endpoint table. Endpoints are normalized, so an
// endpoint with Base > Bound is stored invalid. Entries beyond the table size
// are ignored.
func (g *Gate) Configure(eps []Endpoint) {
	if len(eps) > g.maxEndpoints {
		log.Warningf("Region %v: ignoring %d memory endpoints beyond the table size %d", g.owner, len(eps)-g.maxEndpoints, g.maxEndpoints)
		eps = eps[:g.maxEndpoints]
	}
	tbl := make([]Endpoint, len(eps))
	for i, e := range eps {
		n := e.Normalize()
		if e.Valid && !n.Valid {
			log.Warningf("Region %v: memory endpoint %d has base %#x > bound %#x, marking invalid", g.owner, i, e.Base, e.Bound)
		}
		tbl[i] = n
	}
	g.endpoints.Store(&tbl)
}

// ConfigureCtrl decodes a mem_ctrl bit array holding the full table and
// installs it.
func (g *Gate) ConfigureCtrl(buf []byte) error {
	eps, err := DecodeCtrl(buf, g.maxEndpoints)
	if err != nil {
		return err
	}
	g.Configure(eps)
	return nil
}

// Endpoints returns a copy of the installed table.
func (g *Gate) Endpoints() []Endpoint {
	tbl := *g.endpoints.Load()
	return append([]Endpoint(nil), tbl...)
}

// Allows reports whether e authorizes req. It is the exact bounds check:
// a window smaller than the request is rejected before any arithmetic that
// depends on length, so bound-length+1 cannot underflow.
func (e Endpoint) Allows(req Request) bool {
	if !e.Valid || req.Length == 0 {
		return false
	}
	need := Read
	if req.Write {
		need = Write
	}
	if e.Rights&need == 0 {
		return false
	}
	if req.Length > e.Size() {
		return false
	}
	return req.Vaddr >= e.Base && req.Vaddr <= e.Bound-req.Length+1
}

// Check validates req. Authorized requests are stamped with the owner as
// sender and the host DMA engine as receiver. Denials increment the violation
// counter and return ErrBoundsViolation.
func (g *Gate) Check(req Request) (Authorized, error) {
	if req.Length != 0 {
		for _, e := range *g.endpoints.Load() {
			if e.Allows(req) {
				return Authorized{
					Request: req,
					Route: route.Descriptor{
						Src:   g.owner,
						Dst:   route.Endpoint{Node: g.owner.Node, Region: route.HostPort},
						Class: route.ClassDirect,
					},
				}, nil
			}
		}
	}
	g.violations.Increment()
	g.dropLog.Warningf("Region %v: memory request denied: %v", g.owner, req)
	return Authorized{}, ErrBoundsViolation
}

// Run validates requests from in until ctx is cancelled or in is closed.
// Authorized requests wait for space in out; denied requests are consumed
// immediately and never forwarded, so a misbehaving tenant cannot stall the
// shared request queue.
func (g *Gate) Run(ctx context.Context, in *stream.Queue[Request], out *stream.Queue[Authorized]) error {
	for {
		req, err := in.ReadContext(ctx)
		if err != nil {
			return ignoreClosed(err)
		}
		a, err := g.Check(req)
		if err != nil {
			continue
		}
		if err := out.WriteContext(ctx, a); err != nil {
			return ignoreClosed(err)
		}
	}
}

func ignoreClosed(err error) error {
	if errors.Is(err, stream.ErrClosed) || errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
