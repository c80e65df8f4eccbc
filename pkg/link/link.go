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

// Package link defines frame links: the point-to-point hops carrying tagged
// Ethernet frames between nodes.
package link

import (
	"context"
	"errors"
)

// DefaultMTU is the largest frame, including link header and route tag, a
// link carries by default.
const DefaultMTU = 9018

var (
	// ErrClosed is returned by operations on a closed link.
	ErrClosed = errors.New("link closed")

	// ErrFrameTooLarge is returned when a frame exceeds the link MTU.
	ErrFrameTooLarge = errors.New("frame exceeds link MTU")
)

// Link is one end of a frame link.
type Link interface {
	// WriteFrame sends one frame. The link does not retain frame.
	WriteFrame(ctx context.Context, frame []byte) error

	// ReadFrame blocks until a frame arrives, ctx is cancelled or the link
	// is closed.
	ReadFrame(ctx context.Context) ([]byte, error)

	// MTU returns the largest frame the link carries.
	MTU() int

	// Close closes the link.
	Close() error
}
