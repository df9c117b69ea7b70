// Copyright (c) 2025 Sonic Operations Ltd
//
// Use of this software is governed by the Business Source License included
// in the LICENSE file and at soniclabs.com/bsl11.
//
// Change Date: 2028-4-16
//
// On the date above, in accordance with the Business Source License, use of
// this software will be governed by the GNU Lesser General Public License v3.

// Package reconnect brings a virtual map that fell behind, the learner, into
// the state of the map of a peer, the teacher. Both sides walk the tree from
// the root and skip all subtrees whose hashes already match; only leaves
// which differ are transferred.
//
// Three traversals are supported. In push mode, the teacher sends the node
// hashes of its tree rank by rank and the learner acknowledges whether each
// node is clean; the content of dirty leaves follows at the end. In
// pull-top-to-bottom mode, the learner requests the nodes it needs, passing
// its own hash for leaves, and receives the content of differing leaves
// together with their hashes. In pull-two-phase-pessimistic mode, the
// learner first collects the hashes of all nodes it needs and then requests
// the content of those leaves which differ.
package reconnect

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/hashgraph/hedera-services-sub071/common"
	"github.com/hashgraph/hedera-services-sub071/database/vmap/settings"
	"github.com/rs/zerolog"
)

// ErrPeerFailed is returned when the other side aborted the session.
var ErrPeerFailed = errors.New("reconnect peer failed")

// notifyTimeout bounds the time spent telling the peer about a failure.
const notifyTimeout = time.Second

type Option func(*config)

type config struct {
	mode   settings.ReconnectMode
	logger zerolog.Logger
}

// WithMode selects the traversal used by a teacher. The learner follows the
// mode announced by the teacher.
func WithMode(mode settings.ReconnectMode) Option {
	return func(c *config) {
		c.mode = mode
	}
}

func WithLogger(logger zerolog.Logger) Option {
	return func(c *config) {
		c.logger = logger
	}
}

func newConfig(opts []Option) config {
	res := config{
		mode:   settings.ReconnectModePush,
		logger: zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(&res)
	}
	return res
}

func validMode(mode settings.ReconnectMode) bool {
	switch mode {
	case settings.ReconnectModePush,
		settings.ReconnectModePullTopToBottom,
		settings.ReconnectModePullTwoPhasePessimistic:
		return true
	}
	return false
}

// receive waits for the next message, which must be of one of the given
// kinds. Error messages of the peer are converted into errors.
func receive(ctx context.Context, conn Conn, kinds ...Kind) (Message, error) {
	msg, err := conn.Receive(ctx)
	if err != nil {
		return Message{}, err
	}
	if msg.Kind == KindError {
		return Message{}, fmt.Errorf("%w: %s", ErrPeerFailed, msg.Error)
	}
	if !slices.Contains(kinds, msg.Kind) {
		return Message{}, fmt.Errorf("unexpected %v message, wanted one of %v", msg.Kind, kinds)
	}
	return msg, nil
}

// notifyFailure tells the peer that the session failed, if still possible.
func notifyFailure(ctx context.Context, conn Conn, err error) {
	if errors.Is(err, ErrPeerFailed) || errors.Is(err, ErrClosed) {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), notifyTimeout)
	defer cancel()
	_ = conn.Send(ctx, Message{Kind: KindError, Error: err.Error()})
}

// shape describes the leaf path range of a tree.
type shape struct {
	first, last common.Path
}

// validate checks that the range is the leaf path range of a complete tree.
func (s shape) validate() error {
	size := int64(s.last - s.first + 1)
	switch {
	case s.first == common.InvalidPath && s.last == common.InvalidPath:
		return nil
	case s.first == common.FirstLeftPath && s.last == common.FirstLeftPath:
		return nil
	case s.first >= common.FirstLeftPath && int64(s.first) == size-1 && int64(s.last) == 2*size-2:
		return nil
	}
	return fmt.Errorf("invalid leaf path range [%d,%d]", s.first, s.last)
}

func (s shape) contains(path common.Path) bool {
	return path >= common.RootPath && path <= s.last
}

func (s shape) isLeaf(path common.Path) bool {
	return s.first != common.InvalidPath && path >= s.first && path <= s.last
}

// children lists the existing children of an internal node.
func (s shape) children(path common.Path) []common.Path {
	res := make([]common.Path, 0, 2)
	for _, child := range []common.Path{common.LeftChild(path), common.RightChild(path)} {
		if child <= s.last {
			res = append(res, child)
		}
	}
	return res
}

// roots is the first rank of a traversal: the root if the tree is not empty.
func (s shape) roots() []common.Path {
	if s.last == common.InvalidPath {
		return nil
	}
	return []common.Path{common.RootPath}
}
