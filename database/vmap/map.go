// Copyright (c) 2025 Sonic Operations Ltd
//
// Use of this software is governed by the Business Source License included
// in the LICENSE file and at soniclabs.com/bsl11.
//
// Change Date: 2028-4-16
//
// On the date above, in accordance with the Business Source License, use of
// this software will be governed by the GNU Lesser General Public License v3.

// Package vmap implements a virtual map: a key/value store organized as a
// complete binary Merkle tree, of which only the changes of recent versions
// are kept in memory while the bulk of the data resides in a data source.
//
// A map is copied after each round of modifications. The copy becomes the
// new mutable version, while the old version becomes immutable and is
// hashed, flushed to the data source or merged into its successor by the
// pipeline of the map's family.
package vmap

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog"

	"github.com/hashgraph/hedera-services-sub071/backend"
	"github.com/hashgraph/hedera-services-sub071/common"
	"github.com/hashgraph/hedera-services-sub071/database/vmap/cache"
	"github.com/hashgraph/hedera-services-sub071/database/vmap/hash"
	"github.com/hashgraph/hedera-services-sub071/database/vmap/pipeline"
	"github.com/hashgraph/hedera-services-sub071/database/vmap/settings"
	"github.com/hashgraph/hedera-services-sub071/database/vmap/stats"
)

// Option customizes a new map family.
type Option func(*options)

type options struct {
	logger   zerolog.Logger
	settings settings.Settings
}

// WithLogger sets the logger of the map family.
func WithLogger(logger zerolog.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// WithSettings replaces the default settings.
func WithSettings(s settings.Settings) Option {
	return func(o *options) {
		o.settings = s
	}
}

func newOptions(opts []Option) options {
	res := options{
		logger:   zerolog.Nop(),
		settings: settings.Default(),
	}
	for _, opt := range opts {
		opt(&res)
	}
	return res
}

// family holds everything shared by all versions of a map.
type family[K comparable, V any] struct {
	label    string
	builder  backend.Builder
	source   backend.DataSource
	keys     common.Serializer[K]
	values   common.Serializer[V]
	settings settings.Settings
	logger   zerolog.Logger
	stats    *stats.Stats
	hasher   *hash.Hasher
	pipeline *pipeline.Pipeline
	options  options
}

func newFamily[K comparable, V any](
	label string,
	builder backend.Builder,
	source backend.DataSource,
	keys common.Serializer[K],
	values common.Serializer[V],
	opts options,
) *family[K, V] {
	logger := opts.logger.With().Str("map", label).Logger()
	return &family[K, V]{
		label:    label,
		builder:  builder,
		source:   source,
		keys:     keys,
		values:   values,
		settings: opts.settings,
		logger:   logger,
		stats:    stats.For(label),
		hasher:   hash.NewHasher(opts.settings.NumHashThreads),
		pipeline: pipeline.New(pipeline.OptionsFrom(label, opts.settings, opts.logger)),
		options:  opts,
	}
}

// Map is a single version of a virtual map. Only the latest version of a
// family is mutable. Mutations are not safe for concurrent use, while reads
// of immutable versions are.
type Map[K comparable, V any] struct {
	family  *family[K, V]
	version int64
	cache   *cache.Cache[K, V]
	state   State
	records *records[K, V]

	// largest size for which a capacity warning was logged
	maxSizeReachedTriggeringWarning int64

	immutable      atomic.Bool
	destroyed      atomic.Bool
	hashed         atomic.Bool
	flushRequested atomic.Bool
	hash           common.Hash
}

// New creates an empty map with a new data source obtained from the given
// builder.
func New[K comparable, V any](
	label string,
	builder backend.Builder,
	keys common.Serializer[K],
	values common.Serializer[V],
	opts ...Option,
) (*Map[K, V], error) {
	o := newOptions(opts)
	if err := o.settings.Validate(); err != nil {
		return nil, err
	}
	source, err := builder.Create(label)
	if err != nil {
		return nil, fmt.Errorf("failed to create data source for map %s: %w", label, err)
	}
	return start(newFamily(label, builder, source, keys, values, o), 0, NewState(label))
}

// start creates the first, mutable version of a family and registers it in
// the family's pipeline.
func start[K comparable, V any](f *family[K, V], version int64, state State) (*Map[K, V], error) {
	res := newVersion(f, cache.New(cache.WithValueCopier[K, V](f.copyValue)), version, state)
	if err := f.pipeline.Register(res); err != nil {
		f.pipeline.Terminate()
		return nil, err
	}
	f.stats.SetSize(state.Size())
	return res, nil
}

func newVersion[K comparable, V any](f *family[K, V], c *cache.Cache[K, V], version int64, state State) *Map[K, V] {
	res := &Map[K, V]{
		family:  f,
		version: version,
		cache:   c,
		state:   state,
	}
	res.records = &records[K, V]{
		state:  &res.state,
		cache:  c,
		source: f.source,
		keys:   f.keys,
		values: f.values,
	}
	return res
}

// copyValue creates a deep copy of a value by round-tripping it through the
// value serializer.
func (f *family[K, V]) copyValue(value V) (V, error) {
	return f.values.FromBytes(f.values.ToBytes(value))
}

func (m *Map[K, V]) Label() string {
	return m.family.label
}

// Version is the number of copies between the first version of the family
// and this version.
func (m *Map[K, V]) Version() int64 {
	return m.version
}

func (m *Map[K, V]) State() State {
	return m.state
}

func (m *Map[K, V]) FirstLeafPath() common.Path {
	return m.state.FirstLeafPath
}

func (m *Map[K, V]) LastLeafPath() common.Path {
	return m.state.LastLeafPath
}

func (m *Map[K, V]) Size() int64 {
	return m.state.Size()
}

func (m *Map[K, V]) IsEmpty() bool {
	return m.Size() == 0
}

func (m *Map[K, V]) IsImmutable() bool {
	return m.immutable.Load()
}

func (m *Map[K, V]) IsDestroyed() bool {
	return m.destroyed.Load()
}

func (m *Map[K, V]) IsHashed() bool {
	return m.hashed.Load()
}

// Pipeline returns the pipeline managing the versions of this map's family.
func (m *Map[K, V]) Pipeline() *pipeline.Pipeline {
	return m.family.pipeline
}

func (m *Map[K, V]) checkMutable() error {
	switch {
	case m.destroyed.Load():
		return fmt.Errorf("map %s version %d is destroyed: %w", m.family.label, m.version, common.ErrImmutable)
	case m.hashed.Load():
		return fmt.Errorf("map %s version %d is hashed: %w", m.family.label, m.version, common.ErrImmutable)
	case m.immutable.Load():
		return fmt.Errorf("map %s version %d: %w", m.family.label, m.version, common.ErrImmutable)
	}
	return nil
}

// Get returns the value associated with the given key.
func (m *Map[K, V]) Get(key K) (V, bool, error) {
	var zero V
	leaf, err := m.records.findLeafByKey(key, false)
	if err != nil || leaf == nil {
		return zero, false, err
	}
	return leaf.Value, true, nil
}

func (m *Map[K, V]) ContainsKey(key K) (bool, error) {
	path, err := m.records.findKey(key)
	if err != nil {
		return false, err
	}
	return path != common.InvalidPath, nil
}

// GetForModify returns a pointer to the value associated with the given key
// which may be modified in place. The result is nil if the key is unknown.
func (m *Map[K, V]) GetForModify(key K) (*V, error) {
	if err := m.checkMutable(); err != nil {
		return nil, err
	}
	leaf, err := m.records.findLeafByKey(key, true)
	if err != nil || leaf == nil {
		return nil, err
	}
	return &leaf.Value, nil
}

// Put associates the given value with the given key, adding a new leaf to
// the tree if the key is not present yet.
func (m *Map[K, V]) Put(key K, value V) error {
	if err := m.checkMutable(); err != nil {
		return err
	}
	path, err := m.records.findKey(key)
	if err != nil {
		return err
	}
	if path == common.InvalidPath {
		return m.add(key, value)
	}
	_, err = m.cache.PutLeaf(&cache.Leaf[K, V]{Path: path, Key: key, Value: value})
	return err
}

// Replace updates the value of an existing key. It fails with
// common.ErrNotFound if the key is not present.
func (m *Map[K, V]) Replace(key K, value V) error {
	if err := m.checkMutable(); err != nil {
		return err
	}
	path, err := m.records.findKey(key)
	if err != nil {
		return err
	}
	if path == common.InvalidPath {
		return fmt.Errorf("cannot replace value of unknown key %v: %w", key, common.ErrNotFound)
	}
	_, err = m.cache.PutLeaf(&cache.Leaf[K, V]{Path: path, Key: key, Value: value})
	return err
}

// add inserts a new leaf. The tree is kept complete by moving the first
// leaf one rank down and placing the new leaf next to it.
func (m *Map[K, V]) add(key K, value V) error {
	limits := &m.family.settings
	size := m.state.Size()
	if size >= limits.MaximumVirtualMapSize {
		return fmt.Errorf("cannot add key to map %s of size %d: %w", m.family.label, size, common.ErrCapacity)
	}
	remaining := limits.MaximumVirtualMapSize - size
	if size > m.maxSizeReachedTriggeringWarning &&
		remaining <= limits.VirtualMapWarningThreshold &&
		remaining%limits.VirtualMapWarningInterval == 0 {
		m.maxSizeReachedTriggeringWarning = size
		m.family.logger.Warn().
			Str("remaining", humanize.Comma(remaining)).
			Msg("virtual map is running out of space")
	}
	if remaining == 1 {
		m.family.logger.Warn().Msg("virtual map is now full")
	}

	var path common.Path
	switch last := m.state.LastLeafPath; {
	case last == common.InvalidPath:
		path = common.LeftChild(common.RootPath)
		m.state.FirstLeafPath = path
		m.state.LastLeafPath = path
	case common.IsLeft(last):
		path = common.RightChild(common.RootPath)
		m.state.LastLeafPath = path
	default:
		first := m.state.FirstLeafPath
		next := common.PathForRankAndIndex(common.Rank(first), common.IndexInRank(first)+1)
		if common.IsFarRight(first) {
			next = common.PathForRankAndIndex(common.Rank(first)+1, 0)
		}
		moved, err := m.records.findLeafByPath(first, true)
		if err != nil {
			return err
		}
		if moved == nil {
			return fmt.Errorf("missing first leaf at path %d: %w", first, common.ErrNotFound)
		}
		if err := m.cache.ClearLeafPath(first); err != nil {
			return err
		}
		moved.Path = common.LeftChild(first)
		if _, err := m.cache.PutLeaf(moved); err != nil {
			return err
		}
		path = common.RightChild(first)
		m.state.FirstLeafPath = next
		m.state.LastLeafPath = path
	}
	if _, err := m.cache.PutLeaf(&cache.Leaf[K, V]{Path: path, Key: key, Value: value}); err != nil {
		return err
	}
	m.family.stats.SetSize(m.state.Size())
	return nil
}

// Remove deletes the given key. The last leaf of the tree takes the place of
// the removed leaf, keeping the tree complete.
func (m *Map[K, V]) Remove(key K) (V, bool, error) {
	var zero V
	if err := m.checkMutable(); err != nil {
		return zero, false, err
	}
	leaf, err := m.records.findLeafByKey(key, true)
	if err != nil || leaf == nil {
		return zero, false, err
	}
	value := leaf.Value
	if err := m.cache.DeleteLeaf(leaf); err != nil {
		return zero, false, err
	}

	first, last := m.state.FirstLeafPath, m.state.LastLeafPath
	if leaf.Path != last {
		if err := m.moveLeaf(last, leaf.Path); err != nil {
			return zero, false, err
		}
	}

	if parent := common.Parent(last); parent == common.RootPath {
		if first == last {
			m.state.FirstLeafPath = common.InvalidPath
			m.state.LastLeafPath = common.InvalidPath
		} else {
			m.state.LastLeafPath = common.FirstLeftPath
			// the remaining leaf is the only child of the root now
			remaining, err := m.records.findLeafByPath(common.FirstLeftPath, true)
			if err != nil {
				return zero, false, err
			}
			if remaining != nil {
				if _, err := m.cache.PutLeaf(remaining); err != nil {
					return zero, false, err
				}
			}
		}
	} else {
		sibling := common.Sibling(last)
		if err := m.moveLeaf(sibling, parent); err != nil {
			return zero, false, err
		}
		if err := m.cache.DeleteHash(parent); err != nil {
			return zero, false, err
		}
		m.state.FirstLeafPath = parent
		m.state.LastLeafPath = sibling - 1
	}
	m.family.stats.SetSize(m.state.Size())
	return value, true, nil
}

// moveLeaf relocates the leaf at the given path.
func (m *Map[K, V]) moveLeaf(from, to common.Path) error {
	leaf, err := m.records.findLeafByPath(from, true)
	if err != nil {
		return err
	}
	if leaf == nil {
		return fmt.Errorf("missing leaf at path %d: %w", from, common.ErrNotFound)
	}
	if err := m.cache.ClearLeafPath(from); err != nil {
		return err
	}
	leaf.Path = to
	_, err = m.cache.PutLeaf(leaf)
	return err
}

// Warm loads the leaf with the given key and the hashes needed to rehash its
// path to the root, such that a later modification does not need to wait for
// the data source.
func (m *Map[K, V]) Warm(key K) error {
	leaf, err := m.records.findLeafByKey(key, false)
	if err != nil || leaf == nil {
		return err
	}
	for path := leaf.Path; path > common.RootPath; path = common.Parent(path) {
		sibling := common.Sibling(path)
		if sibling > m.state.LastLeafPath {
			continue
		}
		if _, err := m.records.findHash(sibling); err != nil {
			return err
		}
	}
	return nil
}

// Copy creates the next version of the map. The new version is mutable,
// while this version becomes immutable. Copying may be throttled if the
// family's pipeline can not keep up with flushing older versions.
func (m *Map[K, V]) Copy() (*Map[K, V], error) {
	if err := m.checkMutable(); err != nil {
		return nil, err
	}
	p := m.family.pipeline
	if p.IsTerminated() {
		return nil, fmt.Errorf("cannot copy map %s: %w", m.family.label, pipeline.ErrTerminated)
	}
	p.Throttle()
	next, err := m.cache.Copy()
	if err != nil {
		return nil, err
	}
	res := newVersion(m.family, next, m.version+1, m.state)
	res.maxSizeReachedTriggeringWarning = m.maxSizeReachedTriggeringWarning
	m.immutable.Store(true)
	if err := p.Register(res); err != nil {
		return nil, err
	}
	return res, nil
}

// Hash returns the root hash of this version, which needs to be immutable.
// Older versions are hashed first.
func (m *Map[K, V]) Hash() (common.Hash, error) {
	if m.hashed.Load() {
		return m.hash, nil
	}
	if !m.immutable.Load() {
		return common.Hash{}, fmt.Errorf("cannot hash map %s version %d: %w", m.family.label, m.version, pipeline.ErrMutable)
	}
	if err := m.family.pipeline.HashCopy(m); err != nil {
		return common.Hash{}, err
	}
	return m.hash, nil
}

// Release marks this version as no longer used. Its resources are freed
// once it has been flushed or merged.
func (m *Map[K, V]) Release() error {
	if m.destroyed.Swap(true) {
		return fmt.Errorf("map %s version %d: %w", m.family.label, m.version, common.ErrReleased)
	}
	return m.family.pipeline.Destroy(m)
}

// RequestFlush makes the pipeline flush this version instead of merging it.
func (m *Map[K, V]) RequestFlush() {
	m.flushRequested.Store(true)
}

func (m *Map[K, V]) ShouldBeFlushed() bool {
	if m.flushRequested.Load() {
		return true
	}
	interval := m.family.settings.FlushInterval
	return m.version != 0 && interval > 0 && m.version%interval == 0
}

func (m *Map[K, V]) EstimatedSize() int64 {
	return int64(m.cache.GetMemoryFootprint().Total())
}

// ComputeHash hashes the leaves modified in this version. Only the pipeline
// calls this, after all older versions have been hashed.
func (m *Map[K, V]) ComputeHash() error {
	if m.hashed.Load() {
		return nil
	}
	start := time.Now()
	m.cache.PrepareForHashing()
	dirty, err := m.cache.DirtyLeavesForHash(m.state.FirstLeafPath, m.state.LastLeafPath)
	if err != nil {
		return err
	}
	leaves := m.records.encodeAll(dirty)
	root, hashed, err := m.family.hasher.Hash(
		m.records.findHash, leaves,
		m.state.FirstLeafPath, m.state.LastLeafPath,
		hash.NewCacheListener(m.cache),
	)
	if err != nil {
		return fmt.Errorf("failed to hash map %s version %d: %w", m.family.label, m.version, err)
	}
	if !hashed {
		if m.state.Size() == 0 {
			root = hash.EmptyRootHash()
		} else if root, err = m.records.findHash(common.RootPath); err != nil {
			return err
		}
	}
	m.cache.Seal()
	m.hash = root
	m.hashed.Store(true)
	m.family.stats.RecordHashing(time.Since(start), len(leaves))
	return nil
}

// Flush writes the changes of this version, including the ones merged into
// it, to the data source and releases its cache.
func (m *Map[K, V]) Flush() error {
	start := time.Now()
	count, err := m.records.flush(m.cache, m.state, m.family.source)
	if err != nil {
		return fmt.Errorf("failed to flush map %s version %d: %w", m.family.label, m.version, err)
	}
	if err := m.cache.Release(); err != nil {
		return err
	}
	duration := time.Since(start)
	m.family.stats.RecordFlush(duration, count)
	m.family.logger.Debug().
		Int64("version", m.version).
		Int("leaves", count).
		Dur("duration", duration).
		Msg("flushed")
	return nil
}

// Merge moves the changes of this version into the next version.
func (m *Map[K, V]) Merge() error {
	if err := m.cache.Merge(); err != nil {
		return fmt.Errorf("failed to merge map %s version %d: %w", m.family.label, m.version, err)
	}
	m.family.stats.RecordMerge()
	return nil
}

// OnShutdown closes the data source of the family.
func (m *Map[K, V]) OnShutdown(immediately bool) {
	if err := m.family.source.Close(); err != nil {
		m.family.logger.Error().Err(err).Msg("failed to close data source")
		return
	}
	m.family.logger.Debug().Bool("immediately", immediately).Msg("data source closed")
}

func (m *Map[K, V]) GetMemoryFootprint() *common.MemoryFootprint {
	res := common.NewMemoryFootprint(0)
	res.AddChild("cache", m.cache.GetMemoryFootprint())
	res.AddChild("source", m.family.source.GetMemoryFootprint())
	return res
}

func (m *Map[K, V]) String() string {
	return fmt.Sprintf("Map{label: %s, version: %d, size: %d}", m.family.label, m.version, m.Size())
}
