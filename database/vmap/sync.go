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
	"sync"

	"github.com/hashgraph/hedera-services-sub071/backend"
	"github.com/hashgraph/hedera-services-sub071/common"
	"github.com/hashgraph/hedera-services-sub071/common/future"
	"github.com/hashgraph/hedera-services-sub071/common/result"
	"github.com/hashgraph/hedera-services-sub071/database/vmap/hash"
	"github.com/hashgraph/hedera-services-sub071/database/vmap/pipeline"
)

// Synchronizer rebuilds a map from the records received from a reconnect
// teacher. It starts from a copy of the data source of an existing version,
// the original, and overwrites everything that differs. Received leaves are
// hashed while they arrive and the results are streamed into the copy.
type Synchronizer[K comparable, V any] struct {
	original *Map[K, V]
	view     *View[K, V]
	target   backend.DataSource
	queue    *hash.LeafQueue
	listener *hash.FlushListener

	mutex    sync.Mutex
	state    State
	started  bool
	finished bool // by Finish or Abort
	result   future.Future[result.Result[common.Hash]]
}

// StartSync prepares the synchronization of a new map starting from this
// version, which needs to be immutable. The version is detached from its
// family; background compaction of the family's data source is stopped.
func (m *Map[K, V]) StartSync() (*Synchronizer[K, V], error) {
	if !m.immutable.Load() {
		return nil, fmt.Errorf("cannot synchronize from map %s version %d: %w", m.family.label, m.version, pipeline.ErrMutable)
	}
	m.family.source.StopAndDisableBackgroundCompaction()
	var view *View[K, V]
	var target backend.DataSource
	err := m.family.pipeline.Detach(m, func() error {
		snapshot := m.cache.Snapshot()
		readable, err := m.family.source.Copy(false)
		if err != nil {
			return err
		}
		target, err = m.family.source.Copy(true)
		if err != nil {
			return errors.Join(err, readable.Close())
		}
		if _, err := m.records.flush(snapshot, m.state, target); err != nil {
			return errors.Join(err, readable.Close(), target.Close())
		}
		view = m.newView(snapshot, readable)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &Synchronizer[K, V]{
		original: m,
		view:     view,
		target:   target,
		queue:    hash.NewLeafQueue(m.family.settings.ReconnectQueueSize, m.family.settings.ReconnectHashingTimeout),
		state:    NewState(m.family.label),
	}, nil
}

// Original is a read-only view of the version the synchronization started
// from.
func (s *Synchronizer[K, V]) Original() *View[K, V] {
	return s.view
}

// StartHashing fixes the shape of the new tree and starts hashing received
// leaves. The stale leaf source reports the leaves of the original which
// are to be deleted at the end.
func (s *Synchronizer[K, V]) StartHashing(first, last common.Path, stale hash.StaleLeafSource) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if s.started || s.finished {
		return fmt.Errorf("hashing of synchronized map %s already started", s.original.family.label)
	}
	s.started = true
	s.state = State{Label: s.original.family.label, FirstLeafPath: first, LastLeafPath: last}

	f := s.original.family
	opts := []hash.FlushListenerOption{hash.WithFlushLogger(f.logger)}
	if stale != nil {
		opts = append(opts, hash.WithStaleLeaves(stale))
	}
	listener := hash.NewFlushListener(s.target, int(f.settings.ReconnectFlushInterval), true, opts...)
	s.listener = listener
	promise, res := future.Create[result.Result[common.Hash]]()
	s.result = res
	state := s.state
	go func() {
		promise.Fulfill(result.Of(hashLeaves(f.hasher, s.queue, state, listener, sourceLookup(s.target))))
	}()
	return nil
}

// AddLeaf hands a leaf received from the teacher over to the hashing
// goroutine. It blocks while the leaf queue is full.
func (s *Synchronizer[K, V]) AddLeaf(leaf backend.LeafRecord) error {
	s.original.family.stats.CountReconnectLeaf()
	if err := s.queue.Put(leaf); err != nil {
		return fmt.Errorf("%w: %w", common.ErrSynchronization, err)
	}
	return nil
}

// Finish waits for all received leaves to be hashed and flushed. The result
// is the first version of a new family using the synchronized data source,
// and its root hash.
func (s *Synchronizer[K, V]) Finish(ctx context.Context) (*Map[K, V], common.Hash, error) {
	s.mutex.Lock()
	if !s.started || s.finished {
		s.mutex.Unlock()
		return nil, common.Hash{}, fmt.Errorf("%w: hashing of synchronized map not running", common.ErrSynchronization)
	}
	s.finished = true
	state := s.state
	s.mutex.Unlock()

	s.queue.Close()
	res, err := s.result.AwaitContext(ctx)
	if err == nil {
		err = res.Error()
	}
	if err != nil {
		s.queue.Abort()
		s.result.Await()
		s.release()
		return nil, common.Hash{}, fmt.Errorf("%w: %w", common.ErrSynchronization, err)
	}
	root, _ := res.Get()

	f := s.original.family
	if err := s.view.Close(); err != nil {
		f.logger.Warn().Err(err).Msg("failed to close original view")
	}
	next := newFamily(f.label, f.builder, s.target, f.keys, f.values, f.options)
	m, err := start(next, s.original.version+1, state)
	if err != nil {
		return nil, common.Hash{}, errors.Join(err, s.target.Close())
	}
	return m, root, nil
}

// Abort cancels the synchronization and releases its resources. It has no
// effect once Finish was called.
func (s *Synchronizer[K, V]) Abort() {
	s.mutex.Lock()
	started, finished := s.started, s.finished
	s.finished = true
	s.mutex.Unlock()
	if finished {
		return
	}
	s.queue.Abort()
	if started {
		s.result.Await()
	}
	s.release()
}

func (s *Synchronizer[K, V]) release() {
	logger := s.original.family.logger
	if err := s.view.Close(); err != nil {
		logger.Warn().Err(err).Msg("failed to close original view")
	}
	if err := s.target.Close(); err != nil {
		logger.Warn().Err(err).Msg("failed to close synchronization target")
	}
}
