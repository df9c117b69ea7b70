// Copyright (c) 2025 Sonic Operations Ltd
//
// Use of this software is governed by the Business Source License included
// in the LICENSE file and at soniclabs.com/bsl11.
//
// Change Date: 2028-4-16
//
// On the date above, in accordance with the Business Source License, use of
// this software will be governed by the GNU Lesser General Public License v3.

package vmap

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/hashgraph/hedera-services-sub071/backend"
	"github.com/hashgraph/hedera-services-sub071/common"
	"github.com/hashgraph/hedera-services-sub071/database/vmap/hash"
)

// rehash recomputes all hashes of the given tree from the leaves stored in
// the family's data source. Leaves are streamed through a bounded queue
// into the hasher, whose results are flushed back into the data source.
func (f *family[K, V]) rehash(state State) error {
	start := time.Now()
	f.logger.Info().Int64("leaves", state.Size()).Msg("root hash missing, rehashing all leaves")

	timeout := f.settings.FullRehashTimeout
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	queue := hash.NewLeafQueue(f.settings.ReconnectQueueSize, timeout)
	listener := hash.NewFlushListener(
		f.source, int(f.settings.ReconnectFlushInterval), false,
		hash.WithFlushLogger(f.logger),
	)

	// Errors of the feeder are reported even if the hashing side fails first.
	var feedErr error
	group, ctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		if feedErr = f.feed(ctx, state, queue); feedErr != nil {
			queue.Abort()
			return feedErr
		}
		queue.Close()
		return nil
	})
	var root common.Hash
	group.Go(func() error {
		var err error
		root, err = hashLeaves(f.hasher, queue, state, listener, noLookup)
		return err
	})
	go func() {
		<-ctx.Done()
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			queue.Abort()
		}
	}()
	if err := group.Wait(); err != nil || feedErr != nil {
		queue.Abort()
		if feedErr != nil && !errors.Is(err, feedErr) {
			err = errors.Join(feedErr, err)
		}
		return fmt.Errorf("%w: rehashing map %s failed: %w", common.ErrSynchronization, f.label, err)
	}
	f.logger.Info().
		Str("root", root.String()).
		Dur("duration", time.Since(start)).
		Msg("rehashing completed")
	return nil
}

// feed puts all leaves of the given tree into the queue, in path order.
func (f *family[K, V]) feed(ctx context.Context, state State, queue *hash.LeafQueue) error {
	for path := state.FirstLeafPath; path <= state.LastLeafPath; path++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		leaf, err := f.source.LoadLeaf(path)
		if err != nil {
			return err
		}
		if leaf == nil {
			return fmt.Errorf("no leaf at path %d: %w", path, common.ErrNotFound)
		}
		if err := queue.Put(*leaf); err != nil {
			return err
		}
	}
	return nil
}

// hashLeaves hashes the leaves supplied by the queue while they arrive and
// waits for the listener to complete its flushes. If the queue provides no
// leaves, the listener is still notified, such that it can clean up its
// target.
func hashLeaves(
	hasher *hash.Hasher,
	queue *hash.LeafQueue,
	state State,
	listener *hash.FlushListener,
	lookup hash.Lookup,
) (common.Hash, error) {
	root, hashed, err := hasher.HashStream(lookup, queue.Take, state.FirstLeafPath, state.LastLeafPath, listener)
	if err != nil {
		listener.Abort()
		return common.Hash{}, errors.Join(err, listener.Wait())
	}
	if !hashed {
		if err := listener.OnHashingStarted(state.FirstLeafPath, state.LastLeafPath); err != nil {
			return common.Hash{}, err
		}
		if err := listener.OnHashingCompleted(); err != nil {
			return common.Hash{}, errors.Join(err, listener.Wait())
		}
	}
	if err := listener.Wait(); err != nil {
		return common.Hash{}, err
	}
	switch {
	case hashed:
		return root, nil
	case state.Size() == 0:
		return hash.EmptyRootHash(), nil
	}
	return sourceLookup(listener.Source())(common.RootPath)
}

func noLookup(path common.Path) (common.Hash, error) {
	return common.Hash{}, fmt.Errorf("unexpected lookup of path %d: %w", path, common.ErrNotFound)
}

func sourceLookup(source backend.DataSource) hash.Lookup {
	return func(path common.Path) (common.Hash, error) {
		hash, found, err := source.LoadHash(path)
		if err != nil {
			return common.Hash{}, err
		}
		if !found {
			return common.Hash{}, fmt.Errorf("no hash for path %d: %w", path, common.ErrNotFound)
		}
		return hash, nil
	}
}
