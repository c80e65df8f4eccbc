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

package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"

	"github.com/BurntSushi/toml"
	"github.com/mohae/deepcopy"
	yaml "gopkg.in/yaml.v2"

	"github.com/halalboro/POS-sub002/pkg/capability"
	"github.com/halalboro/POS-sub002/pkg/connroute"
	"github.com/halalboro/POS-sub002/pkg/gateway"
	"github.com/halalboro/POS-sub002/pkg/memgate"
	"github.com/halalboro/POS-sub002/pkg/route"
)

// ErrInvalidTopology is wrapped by every topology validation error.
var ErrInvalidTopology = errors.New("invalid topology")

// Topology is the fabric layout of one node as written in a topology file.
type Topology struct {
	// Scheme is "simple" or "node-aware".
	Scheme string `toml:"scheme" yaml:"scheme"`

	// Node is this node's id. It must be 0 in the simple scheme.
	Node int `toml:"node" yaml:"node"`

	// Entries is the number of capability slots per region and direction.
	// Zero means 1.
	Entries int `toml:"entries" yaml:"entries"`

	// TagType is the route tag type marker on links. Zero means 0x8100.
	TagType uint16 `toml:"tag_type" yaml:"tag_type"`

	// DefaultRegion receives untagged frames from links. Empty drops
	// them.
	DefaultRegion string `toml:"default_region" yaml:"default_region"`

	Regions []Region `toml:"regions" yaml:"regions"`
	Uplinks []Uplink `toml:"uplinks" yaml:"uplinks"`
}

// Region is one tenant region.
type Region struct {
	ID int `toml:"id" yaml:"id"`

	// Send and Receive list the allowed peers, one per capability slot,
	// as "node/region" or "region". "*" is the wildcard.
	Send    []string `toml:"send" yaml:"send"`
	Receive []string `toml:"receive" yaml:"receive"`

	Memory      []Memory     `toml:"memory" yaml:"memory"`
	Connections []Connection `toml:"connections" yaml:"connections"`
}

// Memory is one memory endpoint.
type Memory struct {
	Base   uint64 `toml:"base" yaml:"base"`
	Bound  uint64 `toml:"bound" yaml:"bound"`
	Rights string `toml:"rights" yaml:"rights"`
}

// Connection is one established connection route.
type Connection struct {
	// Path is "rdma-request" or "tcp".
	Path string `toml:"path" yaml:"path"`
	ID   uint16 `toml:"id" yaml:"id"`
	Peer string `toml:"peer" yaml:"peer"`
}

// Uplink is a UDP link to another node.
type Uplink struct {
	// Node is the peer node. In the simple scheme a single uplink carries
	// all traffic.
	Node   int    `toml:"node" yaml:"node"`
	Local  string `toml:"local" yaml:"local"`
	Remote string `toml:"remote" yaml:"remote"`
	MTU    int    `toml:"mtu" yaml:"mtu"`
}

// LoadTopology reads a topology file. The format is chosen by extension.
func LoadTopology(path string) (*Topology, error) {
	var t Topology
	switch ext := filepath.Ext(path); ext {
	case ".toml":
		md, err := toml.DecodeFile(path, &t)
		if err != nil {
			return nil, fmt.Errorf("unable to decode %q: %w", path, err)
		}
		if undecoded := md.Undecoded(); len(undecoded) > 0 {
			return nil, fmt.Errorf("%w: %q: unknown keys %v", ErrInvalidTopology, path, undecoded)
		}
	case ".yaml", ".yml":
		f, err := os.Open(path)
		if err != nil {
			return nil, err
		}
		defer f.Close()
		dec := yaml.NewDecoder(f)
		dec.SetStrict(true)
		if err := dec.Decode(&t); err != nil {
			return nil, fmt.Errorf("unable to decode %q: %w", path, err)
		}
	default:
		return nil, fmt.Errorf("unknown topology file type %q, must be .toml, .yaml or .yml", ext)
	}
	return &t, nil
}

// Clone returns an independent copy of t.
func (t *Topology) Clone() *Topology {
	return deepcopy.Copy(t).(*Topology)
}

// Equal returns true if t and other describe the same topology.
func (t *Topology) Equal(other *Topology) bool {
	return reflect.DeepEqual(t, other)
}

// Plan is a validated topology in fabric terms.
type Plan struct {
	Scheme        route.Scheme
	Node          route.NodeID
	Entries       int
	TagType       uint16
	DefaultRegion route.RegionID
	Regions       []RegionPlan
	Uplinks       []UplinkPlan
}

// RegionPlan is a validated Region.
type RegionPlan struct {
	ID          route.RegionID
	Send        []route.Endpoint
	Receive     []route.Endpoint
	Memory      []memgate.Endpoint
	Connections []ConnectionPlan
}

// ConnectionPlan is a validated Connection.
type ConnectionPlan struct {
	Path gateway.Path
	ID   connroute.ConnID
	Peer route.Endpoint
}

// UplinkPlan is a validated Uplink.
type UplinkPlan struct {
	Node   route.NodeID
	Local  string
	Remote string
	MTU    int
}

// RegionIDs returns the ids of the planned regions.
func (p *Plan) RegionIDs() []route.RegionID {
	ids := make([]route.RegionID, len(p.Regions))
	for i, r := range p.Regions {
		ids[i] = r.ID
	}
	return ids
}

func invalid(format string, v ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidTopology, fmt.Sprintf(format, v...))
}

// Resolve validates t and returns its plan.
func (t *Topology) Resolve() (*Plan, error) {
	scheme, err := route.ParseScheme(t.Scheme)
	if err != nil {
		return nil, invalid("%v", err)
	}
	p := &Plan{Scheme: scheme, Entries: t.Entries, TagType: t.TagType}

	if t.Node < 0 || t.Node >= route.NumNodes {
		return nil, invalid("node %d out of range [0, %d)", t.Node, route.NumNodes)
	}
	if scheme == route.Simple && t.Node != 0 {
		return nil, invalid("node %d: the simple scheme has a single node 0", t.Node)
	}
	p.Node = route.NodeID(t.Node)

	if p.Entries == 0 {
		p.Entries = 1
	}
	if p.Entries < 0 || p.Entries > capability.MaxEntries {
		return nil, invalid("entries %d out of range [1, %d]", t.Entries, capability.MaxEntries)
	}

	if t.DefaultRegion != "" {
		if p.DefaultRegion, err = route.ParseRegion(t.DefaultRegion); err != nil {
			return nil, invalid("default_region: %v", err)
		}
	}

	seen := make(map[route.RegionID]bool)
	for _, r := range t.Regions {
		rp, err := t.resolveRegion(r, p)
		if err != nil {
			return nil, err
		}
		if seen[rp.ID] {
			return nil, invalid("region %d listed twice", r.ID)
		}
		seen[rp.ID] = true
		p.Regions = append(p.Regions, rp)
	}
	if !p.DefaultRegion.IsExternal() && !seen[p.DefaultRegion] {
		return nil, invalid("default_region %v is not a hosted region", p.DefaultRegion)
	}

	linked := make(map[route.NodeID]bool)
	for _, u := range t.Uplinks {
		if u.Node < 0 || u.Node >= route.NumNodes || (scheme == route.NodeAware && route.NodeID(u.Node) == p.Node) {
			return nil, invalid("uplink toward node %d", u.Node)
		}
		if u.Local == "" || u.Remote == "" {
			return nil, invalid("uplink toward node %d needs local and remote addresses", u.Node)
		}
		if linked[route.NodeID(u.Node)] {
			return nil, invalid("two uplinks toward node %d", u.Node)
		}
		linked[route.NodeID(u.Node)] = true
		p.Uplinks = append(p.Uplinks, UplinkPlan{Node: route.NodeID(u.Node), Local: u.Local, Remote: u.Remote, MTU: u.MTU})
	}
	if scheme == route.Simple && len(p.Uplinks) > 1 {
		return nil, invalid("the simple scheme supports a single uplink, got %d", len(p.Uplinks))
	}
	return p, nil
}

func (t *Topology) resolveRegion(r Region, p *Plan) (RegionPlan, error) {
	if r.ID < int(route.FirstTenant) || r.ID > int(route.LastTenant) {
		return RegionPlan{}, invalid("region %d is not a tenant id [%d, %d]", r.ID, route.FirstTenant, route.LastTenant)
	}
	id := route.RegionID(r.ID)
	rp := RegionPlan{ID: id}

	peers := func(dir string, in []string) ([]route.Endpoint, error) {
		if len(in) > p.Entries {
			return nil, invalid("region %d: %d %s peers, only %d slots", r.ID, len(in), dir, p.Entries)
		}
		var out []route.Endpoint
		for _, s := range in {
			e, err := route.ParseEndpoint(s)
			if err != nil {
				return nil, invalid("region %d: %s peer: %v", r.ID, dir, err)
			}
			if p.Scheme == route.Simple && e.Node != 0 {
				return nil, invalid("region %d: %s peer %q names a node in the simple scheme", r.ID, dir, s)
			}
			out = append(out, e)
		}
		return out, nil
	}
	var err error
	if rp.Send, err = peers("send", r.Send); err != nil {
		return RegionPlan{}, err
	}
	if rp.Receive, err = peers("receive", r.Receive); err != nil {
		return RegionPlan{}, err
	}

	if len(r.Memory) > memgate.DefaultMaxEndpoints {
		return RegionPlan{}, invalid("region %d: %d memory endpoints, at most %d", r.ID, len(r.Memory), memgate.DefaultMaxEndpoints)
	}
	for i, m := range r.Memory {
		rights, err := memgate.ParseRights(m.Rights)
		if err != nil {
			return RegionPlan{}, invalid("region %d: memory %d: %v", r.ID, i, err)
		}
		if m.Base > m.Bound || m.Bound > memgate.MaxAddr {
			return RegionPlan{}, invalid("region %d: memory %d: bad window [%#x, %#x]", r.ID, i, m.Base, m.Bound)
		}
		rp.Memory = append(rp.Memory, memgate.Endpoint{Valid: true, Rights: rights, Base: m.Base, Bound: m.Bound})
	}

	for _, c := range r.Connections {
		path, err := gateway.ParsePath(c.Path)
		if err != nil || (path != gateway.RDMARequest && path != gateway.TCP) {
			return RegionPlan{}, invalid("region %d: connection %d: path %q must be rdma-request or tcp", r.ID, c.ID, c.Path)
		}
		peer, err := route.ParseEndpoint(c.Peer)
		if err != nil {
			return RegionPlan{}, invalid("region %d: connection %d: %v", r.ID, c.ID, err)
		}
		rp.Connections = append(rp.Connections, ConnectionPlan{Path: path, ID: connroute.ConnID(c.ID), Peer: peer})
	}
	return rp, nil
}
