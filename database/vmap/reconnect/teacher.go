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
	"bytes"
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/hashgraph/hedera-services-sub071/common"
	"github.com/hashgraph/hedera-services-sub071/database/vmap"
	"github.com/hashgraph/hedera-services-sub071/database/vmap/settings"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// Teacher serves the given version of a map to a learner on the other end of
// the connection. The version needs to be immutable; it is hashed if needed
// and detached from its family for the duration of the session. The
// connection is not closed, unless the context is canceled.
func Teacher[K comparable, V any](ctx context.Context, m *vmap.Map[K, V], conn Conn, opts ...Option) (err error) {
	cfg := newConfig(opts)
	if !validMode(cfg.mode) {
		return fmt.Errorf("unknown reconnect mode %q", cfg.mode)
	}
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	view, err := m.Detach("")
	if err != nil {
		return fmt.Errorf("%w: cannot serve map %s: %w", common.ErrSynchronization, m.Label(), err)
	}
	defer func() {
		err = errors.Join(err, view.Close())
	}()

	state := view.State()
	t := &teacher[K, V]{
		view:    view,
		conn:    conn,
		mode:    cfg.mode,
		shape:   shape{first: state.FirstLeafPath, last: state.LastLeafPath},
		session: uuid.NewString(),
	}
	t.logger = cfg.logger.With().
		Str("map", m.Label()).
		Str("session", t.session).
		Str("mode", string(cfg.mode)).
		Logger()

	t.logger.Info().Int64("version", view.Version()).Int64("size", view.Size()).Msg("teaching")
	if err := t.run(ctx); err != nil {
		notifyFailure(ctx, conn, err)
		t.logger.Warn().Err(err).Msg("teaching failed")
		return fmt.Errorf("%w: teaching map %s: %w", common.ErrSynchronization, m.Label(), err)
	}
	t.logger.Info().Int("nodes", t.nodes).Int("leaves", t.leaves).Msg("teaching completed")
	return nil
}

type teacher[K comparable, V any] struct {
	view    *vmap.View[K, V]
	conn    Conn
	mode    settings.ReconnectMode
	shape   shape
	session string
	logger  zerolog.Logger

	nodes  int // sent, including leaves
	leaves int // sent with content
}

func (t *teacher[K, V]) run(ctx context.Context) error {
	hello := Message{
		Kind:    KindHello,
		Session: t.session,
		Mode:    string(t.mode),
		First:   int64(t.shape.first),
		Last:    int64(t.shape.last),
		Hash:    t.view.Hash().ToBytes(),
	}
	if err := t.conn.Send(ctx, hello); err != nil {
		return err
	}
	if t.mode == settings.ReconnectModePush {
		return t.push(ctx)
	}
	return t.serve(ctx)
}

// push sends the tree rank by rank. Children of nodes reported clean by the
// learner are skipped. The content of leaves reported dirty follows once all
// hashes have been compared.
func (t *teacher[K, V]) push(ctx context.Context) error {
	var dirty []common.Path
	for frontier := t.shape.roots(); len(frontier) > 0; {
		var next []common.Path
		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error {
			for _, path := range frontier {
				msg, err := t.node(path)
				if err != nil {
					return err
				}
				if err := t.conn.Send(gctx, msg); err != nil {
					return err
				}
			}
			return nil
		})
		g.Go(func() error {
			for range frontier {
				ack, err := receive(gctx, t.conn, KindAck)
				if err != nil {
					return err
				}
				path := common.Path(ack.Path)
				if !t.shape.contains(path) {
					return fmt.Errorf("acknowledgement for invalid path %d", path)
				}
				switch {
				case ack.Clean:
				case t.shape.isLeaf(path):
					dirty = append(dirty, path)
				default:
					next = append(next, t.shape.children(path)...)
				}
			}
			return nil
		})
		if err := g.Wait(); err != nil {
			return err
		}
		frontier = next
	}
	for _, path := range dirty {
		msg, err := t.leaf(path)
		if err != nil {
			return err
		}
		msg.Kind = KindLeaf
		if err := t.conn.Send(ctx, msg); err != nil {
			return err
		}
	}
	if err := t.conn.Send(ctx, Message{Kind: KindDone}); err != nil {
		return err
	}
	_, err := receive(ctx, t.conn, KindDone)
	return err
}

// serve answers requests of the learner until it is done. When pulling top
// to bottom, leaves are sent along with their hashes if the learner's hash
// differs.
func (t *teacher[K, V]) serve(ctx context.Context) error {
	withLeaves := t.mode == settings.ReconnectModePullTopToBottom
	for {
		req, err := receive(ctx, t.conn, KindRequestNode, KindRequestLeaf, KindDone)
		if err != nil {
			return err
		}
		var res Message
		switch req.Kind {
		case KindDone:
			return t.conn.Send(ctx, Message{Kind: KindDone})
		case KindRequestNode:
			res, err = t.node(common.Path(req.Path))
			if err == nil && withLeaves && res.Leaf && !bytes.Equal(req.Hash, res.Hash) {
				err = t.addLeaf(&res)
			}
		case KindRequestLeaf:
			res, err = t.leaf(common.Path(req.Path))
		}
		if err != nil {
			return err
		}
		if err := t.conn.Send(ctx, res); err != nil {
			return err
		}
	}
}

func (t *teacher[K, V]) node(path common.Path) (Message, error) {
	if !t.shape.contains(path) {
		return Message{}, fmt.Errorf("no node at path %d", path)
	}
	hash, err := t.view.HashAt(path)
	if err != nil {
		return Message{}, err
	}
	t.nodes++
	return Message{Kind: KindNode, Path: int64(path), Hash: hash.ToBytes(), Leaf: t.shape.isLeaf(path)}, nil
}

func (t *teacher[K, V]) leaf(path common.Path) (Message, error) {
	if !t.shape.isLeaf(path) {
		return Message{}, fmt.Errorf("no leaf at path %d", path)
	}
	res := Message{Kind: KindNode, Path: int64(path), Leaf: true}
	if err := t.addLeaf(&res); err != nil {
		return Message{}, err
	}
	return res, nil
}

func (t *teacher[K, V]) addLeaf(msg *Message) error {
	leaf, err := t.view.LeafAt(common.Path(msg.Path))
	if err != nil {
		return err
	}
	if leaf == nil {
		return fmt.Errorf("no leaf at path %d: %w", msg.Path, common.ErrNotFound)
	}
	msg.Key = leaf.Key
	msg.Value = leaf.Value
	t.leaves++
	return nil
}
