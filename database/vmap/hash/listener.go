// Copyright (c) 2025 Sonic Operations Ltd
//
// Use of this software is governed by the Business Source License included
// in the LICENSE file and at soniclabs.com/bsl11.
//
// Change Date: 2028-4-16
//
// On the date above, in accordance with the Business Source License, use of
// this software will be governed by the GNU Lesser General Public License v3.

package hash

import (
	"fmt"
	"sync"

	"github.com/hashgraph/hedera-services-sub071/backend"
	"github.com/hashgraph/hedera-services-sub071/common"
	"github.com/hashgraph/hedera-services-sub071/common/future"
	"github.com/hashgraph/hedera-services-sub071/database/vmap/cache"
	"github.com/rs/zerolog"
)

// CacheListener stores every computed hash in a node cache.
type CacheListener[K comparable, V any] struct {
	NopListener
	cache *cache.Cache[K, V]
}

func NewCacheListener[K comparable, V any](cache *cache.Cache[K, V]) *CacheListener[K, V] {
	return &CacheListener[K, V]{cache: cache}
}

func (l *CacheListener[K, V]) OnLeafHashed(leaf *backend.LeafRecord, hash common.Hash) error {
	return l.cache.PutHash(leaf.Path, hash)
}

func (l *CacheListener[K, V]) OnNodeHashed(path common.Path, hash common.Hash) error {
	return l.cache.PutHash(path, hash)
}

// StaleLeafSource provides the leaves to be deleted from a data source once
// a hashing round streamed into it is complete.
type StaleLeafSource interface {
	StaleLeaves() ([]backend.LeafRecord, error)
}

// FlushListener streams hashes and leaves into a data source. Records are
// buffered and handed over to a single flushing goroutine every interval
// hashes. Upon completion of the hashing round, the remaining records are
// flushed together with the stale leaves reported by the stale leaf source.
type FlushListener struct {
	source    backend.DataSource
	interval  int
	reconnect bool
	stale     StaleLeafSource
	logger    zerolog.Logger

	mutex   sync.Mutex
	first   common.Path
	last    common.Path
	hashes  []backend.HashRecord
	leaves  []backend.LeafRecord
	batches chan flushBatch
	closed  bool
	result  future.Future[error]
	flushes int
}

type flushBatch struct {
	first, last common.Path
	hashes      []backend.HashRecord
	leaves      []backend.LeafRecord
	deletes     []backend.LeafRecord
}

// FlushListenerOption customizes a FlushListener.
type FlushListenerOption func(*FlushListener)

// WithStaleLeaves sets the source of leaves deleted by the final flush.
func WithStaleLeaves(stale StaleLeafSource) FlushListenerOption {
	return func(l *FlushListener) {
		l.stale = stale
	}
}

// WithFlushLogger sets the logger reporting flush progress.
func WithFlushLogger(logger zerolog.Logger) FlushListenerOption {
	return func(l *FlushListener) {
		l.logger = logger
	}
}

// NewFlushListener creates a listener writing into the given data source.
// The reconnect flag is forwarded to the data source.
func NewFlushListener(source backend.DataSource, interval int, reconnect bool, opts ...FlushListenerOption) *FlushListener {
	res := &FlushListener{
		source:    source,
		interval:  max(interval, 1),
		reconnect: reconnect,
		logger:    zerolog.Nop(),
		first:     common.InvalidPath,
		last:      common.InvalidPath,
	}
	for _, opt := range opts {
		opt(res)
	}
	return res
}

func (l *FlushListener) OnHashingStarted(first, last common.Path) error {
	l.mutex.Lock()
	defer l.mutex.Unlock()
	if l.batches != nil {
		return fmt.Errorf("flush listener already started")
	}
	l.first = first
	l.last = last
	l.batches = make(chan flushBatch, 2)
	promise, result := future.Create[error]()
	l.result = result
	go l.flushAll(l.batches, promise)
	return nil
}

func (l *FlushListener) OnLeafHashed(leaf *backend.LeafRecord, hash common.Hash) error {
	l.mutex.Lock()
	l.leaves = append(l.leaves, *leaf)
	l.hashes = append(l.hashes, backend.HashRecord{Path: leaf.Path, Hash: hash})
	batch, ready := l.takeBatch()
	l.mutex.Unlock()
	if ready {
		l.batches <- batch
	}
	return nil
}

func (l *FlushListener) OnNodeHashed(path common.Path, hash common.Hash) error {
	l.mutex.Lock()
	l.hashes = append(l.hashes, backend.HashRecord{Path: path, Hash: hash})
	batch, ready := l.takeBatch()
	l.mutex.Unlock()
	if ready {
		l.batches <- batch
	}
	return nil
}

// takeBatch detaches the buffered records if the flush interval is reached.
func (l *FlushListener) takeBatch() (flushBatch, bool) {
	if len(l.hashes) < l.interval {
		return flushBatch{}, false
	}
	res := flushBatch{first: l.first, last: l.last, hashes: l.hashes, leaves: l.leaves}
	l.hashes = nil
	l.leaves = nil
	return res, true
}

func (l *FlushListener) OnHashingCompleted() error {
	l.mutex.Lock()
	defer l.mutex.Unlock()
	if l.batches == nil {
		return fmt.Errorf("flush listener was not started")
	}
	if l.closed {
		return fmt.Errorf("flush listener already completed")
	}
	l.closed = true
	final := flushBatch{first: l.first, last: l.last, hashes: l.hashes, leaves: l.leaves}
	l.hashes = nil
	l.leaves = nil
	var err error
	if l.stale != nil {
		final.deletes, err = l.stale.StaleLeaves()
	}
	if err == nil {
		l.batches <- final
	}
	close(l.batches)
	return err
}

// Abort ends a failed hashing round. Records buffered so far are dropped,
// batches already handed over are still written. It must not be called
// concurrently with other callbacks.
func (l *FlushListener) Abort() {
	l.mutex.Lock()
	defer l.mutex.Unlock()
	if l.batches == nil || l.closed {
		return
	}
	l.closed = true
	l.hashes = nil
	l.leaves = nil
	close(l.batches)
}

// Source is the data source written by this listener.
func (l *FlushListener) Source() backend.DataSource {
	return l.source
}

// Wait blocks until all records are flushed and returns the first error
// encountered while writing to the data source.
func (l *FlushListener) Wait() error {
	l.mutex.Lock()
	result := l.result
	started := l.batches != nil
	l.mutex.Unlock()
	if !started {
		return nil
	}
	return result.Await()
}

// Flushes returns the number of batches written so far.
func (l *FlushListener) Flushes() int {
	l.mutex.Lock()
	defer l.mutex.Unlock()
	return l.flushes
}

func (l *FlushListener) flushAll(batches <-chan flushBatch, promise future.Promise[error]) {
	var err error
	for batch := range batches {
		if err != nil {
			continue
		}
		err = l.source.SaveRecords(batch.first, batch.last, batch.hashes, batch.leaves, batch.deletes, l.reconnect)
		if err != nil {
			l.logger.Error().Err(err).Msg("failed to flush hashing results")
			continue
		}
		l.mutex.Lock()
		l.flushes++
		l.mutex.Unlock()
		l.logger.Debug().
			Int("hashes", len(batch.hashes)).
			Int("leaves", len(batch.leaves)).
			Int("deletes", len(batch.deletes)).
			Msg("flushed hashing results")
	}
	promise.Fulfill(err)
}
