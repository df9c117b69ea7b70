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
	"fmt"

	"github.com/hashgraph/hedera-services-sub071/backend"
	"github.com/hashgraph/hedera-services-sub071/common"
	"github.com/hashgraph/hedera-services-sub071/database/vmap"
	"github.com/hashgraph/hedera-services-sub071/database/vmap/settings"
	"github.com/hashgraph/hedera-services-sub071/database/vmap/stats"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// Learner synchronizes the given version of a map with the tree of the
// teacher on the other end of the connection. The version needs to be
// immutable. The result is the first version of a new map family holding the
// content of the teacher's tree. The original version remains usable, but is
// detached from its family.
//
// All failures, including a root hash differing from the one announced by
// the teacher, are reported as common.ErrSynchronization. Resources of a
// failed attempt are released; the caller may retry from scratch.
func Learner[K comparable, V any](ctx context.Context, original *vmap.Map[K, V], conn Conn, opts ...Option) (*vmap.Map[K, V], error) {
	cfg := newConfig(opts)
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	sync, err := original.StartSync()
	if err != nil {
		return nil, fmt.Errorf("%w: cannot synchronize map %s: %w", common.ErrSynchronization, original.Label(), err)
	}
	l := &learner[K, V]{
		sync:   sync,
		view:   sync.Original(),
		conn:   conn,
		stats:  stats.For(original.Label()),
		logger: cfg.logger.With().Str("map", original.Label()).Logger(),
	}
	res, err := l.run(ctx)
	if err != nil {
		sync.Abort()
		notifyFailure(ctx, conn, err)
		l.logger.Warn().Err(err).Msg("learning failed")
		return nil, fmt.Errorf("%w: learning map %s: %w", common.ErrSynchronization, original.Label(), err)
	}
	return res, nil
}

type learner[K comparable, V any] struct {
	sync    *vmap.Synchronizer[K, V]
	view    *vmap.View[K, V]
	conn    Conn
	shape   shape
	remover *nodeRemover
	stats   *stats.Stats
	logger  zerolog.Logger

	nodes  int // compared
	leaves int // received
}

func (l *learner[K, V]) run(ctx context.Context) (*vmap.Map[K, V], error) {
	hello, err := receive(ctx, l.conn, KindHello)
	if err != nil {
		return nil, err
	}
	mode := settings.ReconnectMode(hello.Mode)
	if !validMode(mode) {
		return nil, fmt.Errorf("unknown reconnect mode %q", hello.Mode)
	}
	expected, err := common.HashFromBytes(hello.Hash)
	if err != nil {
		return nil, err
	}
	l.shape = shape{first: common.Path(hello.First), last: common.Path(hello.Last)}
	if err := l.shape.validate(); err != nil {
		return nil, err
	}
	l.logger = l.logger.With().Str("session", hello.Session).Str("mode", hello.Mode).Logger()
	l.logger.Info().
		Int64("version", l.view.Version()).
		Int64("first", hello.First).
		Int64("last", hello.Last).
		Msg("learning")

	l.remover = newNodeRemover(l.view, l.shape)
	if err := l.sync.StartHashing(l.shape.first, l.shape.last, l.remover); err != nil {
		return nil, err
	}
	switch mode {
	case settings.ReconnectModePush:
		err = l.receivePushed(ctx)
	case settings.ReconnectModePullTopToBottom:
		err = l.pull(ctx, false)
	case settings.ReconnectModePullTwoPhasePessimistic:
		err = l.pull(ctx, true)
	}
	if err != nil {
		return nil, err
	}

	res, root, err := l.sync.Finish(ctx)
	if err != nil {
		return nil, err
	}
	if root != expected {
		err := fmt.Errorf("root hash mismatch, got %v, wanted %v", root, expected)
		if releaseErr := res.Release(); releaseErr != nil {
			err = errors.Join(err, releaseErr)
		}
		return nil, err
	}
	l.logger.Info().
		Int("nodes", l.nodes).
		Int("leaves", l.leaves).
		Int64("size", res.Size()).
		Msg("learning completed")
	return res, nil
}

// receivePushed acknowledges every node pushed by the teacher and adds the
// content of dirty leaves sent afterwards.
func (l *learner[K, V]) receivePushed(ctx context.Context) error {
	dirty := map[common.Path]common.Hash{}
	for {
		msg, err := receive(ctx, l.conn, KindNode, KindLeaf, KindDone)
		if err != nil {
			return err
		}
		switch msg.Kind {
		case KindDone:
			if len(dirty) > 0 {
				return fmt.Errorf("missing content of %d dirty leaves", len(dirty))
			}
			return l.conn.Send(ctx, Message{Kind: KindDone})
		case KindLeaf:
			path := common.Path(msg.Path)
			hash, found := dirty[path]
			if !found {
				return fmt.Errorf("unexpected content of leaf %d", path)
			}
			delete(dirty, path)
			if err := l.addLeaf(backend.LeafRecord{Path: path, Key: msg.Key, Value: msg.Value}, hash); err != nil {
				return err
			}
			continue
		}
		clean, err := l.onNode(msg, false)
		if err != nil {
			return err
		}
		if !clean && msg.Leaf {
			dirty[common.Path(msg.Path)], _ = common.HashFromBytes(msg.Hash)
		}
		if err := l.conn.Send(ctx, Message{Kind: KindAck, Path: msg.Path, Clean: clean}); err != nil {
			return err
		}
	}
}

// pull requests the teacher's tree rank by rank. With two phases, leaf
// content is requested only after all hashes have been compared. Otherwise
// requests for leaves carry the original hash, such that the teacher only
// sends the content of differing leaves.
func (l *learner[K, V]) pull(ctx context.Context, twoPhases bool) error {
	pending := map[common.Path]common.Hash{}
	var dirtyLeaves []common.Path
	for frontier := l.shape.roots(); len(frontier) > 0; {
		requests, err := l.nodeRequests(frontier, !twoPhases)
		if err != nil {
			return err
		}
		var next []common.Path
		err = l.exchange(ctx, requests, func(msg Message) error {
			clean, err := l.onNode(msg, !twoPhases)
			if err != nil || clean {
				return err
			}
			path := common.Path(msg.Path)
			switch {
			case !msg.Leaf:
				next = append(next, l.shape.children(path)...)
			case twoPhases:
				pending[path], _ = common.HashFromBytes(msg.Hash)
				dirtyLeaves = append(dirtyLeaves, path)
			}
			return nil
		})
		if err != nil {
			return err
		}
		frontier = next
	}
	if len(dirtyLeaves) > 0 {
		requests := make([]Message, 0, len(dirtyLeaves))
		for _, path := range dirtyLeaves {
			requests = append(requests, Message{Kind: KindRequestLeaf, Path: int64(path)})
		}
		err := l.exchange(ctx, requests, func(msg Message) error {
			if !msg.Leaf {
				return fmt.Errorf("expected leaf at path %d", msg.Path)
			}
			path := common.Path(msg.Path)
			return l.addLeaf(backend.LeafRecord{Path: path, Key: msg.Key, Value: msg.Value}, pending[path])
		})
		if err != nil {
			return err
		}
	}
	if err := l.conn.Send(ctx, Message{Kind: KindDone}); err != nil {
		return err
	}
	_, err := receive(ctx, l.conn, KindDone)
	return err
}

func (l *learner[K, V]) nodeRequests(paths []common.Path, withHashes bool) ([]Message, error) {
	res := make([]Message, 0, len(paths))
	for _, path := range paths {
		req := Message{Kind: KindRequestNode, Path: int64(path)}
		if withHashes && l.shape.isLeaf(path) {
			hash, err := l.view.HashAt(path)
			switch {
			case err == nil:
				req.Hash = hash.ToBytes()
			case !errors.Is(err, common.ErrNotFound):
				return nil, err
			}
		}
		res = append(res, req)
	}
	return res, nil
}

// exchange sends the given requests while concurrently processing the
// responses, which arrive in request order.
func (l *learner[K, V]) exchange(ctx context.Context, requests []Message, process func(Message) error) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		for _, req := range requests {
			if err := l.conn.Send(gctx, req); err != nil {
				return err
			}
		}
		return nil
	})
	g.Go(func() error {
		for _, req := range requests {
			msg, err := receive(gctx, l.conn, KindNode)
			if err != nil {
				return err
			}
			if msg.Path != req.Path {
				return fmt.Errorf("received node %d, expected node %d", msg.Path, req.Path)
			}
			if err := process(msg); err != nil {
				return err
			}
		}
		return nil
	})
	return g.Wait()
}

// onNode compares a node of the teacher with the node at the same path in
// the original tree. Differing leaves which come with their content are
// handed over to the synchronizer.
func (l *learner[K, V]) onNode(msg Message, withContent bool) (bool, error) {
	path := common.Path(msg.Path)
	if !l.shape.contains(path) {
		return false, fmt.Errorf("received node for invalid path %d", path)
	}
	if msg.Leaf != l.shape.isLeaf(path) {
		return false, fmt.Errorf("received node %d with inconsistent leaf flag", path)
	}
	hash, err := common.HashFromBytes(msg.Hash)
	if err != nil {
		return false, err
	}
	clean, err := l.isClean(path, hash)
	if err != nil {
		return false, err
	}
	l.nodes++
	l.stats.CountReconnectNode(clean)
	if clean || !msg.Leaf || !withContent {
		return clean, nil
	}
	return false, l.addLeaf(backend.LeafRecord{Path: path, Key: msg.Key, Value: msg.Value}, hash)
}

func (l *learner[K, V]) isClean(path common.Path, hash common.Hash) (bool, error) {
	original, err := l.view.HashAt(path)
	if errors.Is(err, common.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return original == hash, nil
}

func (l *learner[K, V]) addLeaf(leaf backend.LeafRecord, hash common.Hash) error {
	if leaf.Hash() != hash {
		return fmt.Errorf("content of leaf %d does not match its hash", leaf.Path)
	}
	if err := l.remover.newLeaf(leaf); err != nil {
		return err
	}
	l.leaves++
	return l.sync.AddLeaf(leaf)
}
