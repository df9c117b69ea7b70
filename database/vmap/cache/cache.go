// Copyright (c) 2025 Sonic Operations Ltd
//
// Use of this software is governed by the Business Source License included
// in the LICENSE file and at soniclabs.com/bsl11.
//
// Change Date: 2028-4-16
//
// On the date above, in accordance with the Business Source License, use of
// this software will be governed by the GNU Lesser General Public License v3.

// Package cache provides the copy-on-write node cache of a virtual map. All
// caches of one map family share a set of indexes holding, per key and per
// path, a chain of mutations ordered from newest to oldest version. Each
// cache owns the mutations created by its version and only observes
// mutations of its own or older versions.
package cache

import (
	"cmp"
	"errors"
	"fmt"
	"slices"
	"sync"
	"unsafe"

	"github.com/hashgraph/hedera-services-sub071/common"
)

// Leaf is a key/value record at a position in the tree.
type Leaf[K comparable, V any] struct {
	Path  common.Path
	Key   K
	Value V
}

func (l *Leaf[K, V]) String() string {
	return fmt.Sprintf("Leaf{path: %d, key: %v}", l.Path, l.Key)
}

// Status is the outcome of a cache lookup.
type Status int

const (
	// Missing means the cache has no information; consult the data source.
	Missing Status = iota
	// Present means the returned value is valid.
	Present
	// Deleted means the node was deleted in an observed version.
	Deleted
)

func (s Status) String() string {
	switch s {
	case Missing:
		return "missing"
	case Present:
		return "present"
	case Deleted:
		return "deleted"
	}
	return fmt.Sprintf("Status(%d)", int(s))
}

// ErrMerged is returned when hashing-related queries are issued on a cache
// that absorbed the mutations of an older copy.
var ErrMerged = errors.New("operation not supported on a merged cache")

type mutation[I comparable, V any] struct {
	next     *mutation[I, V]
	version  int64
	key      I
	value    V
	deleted  bool
	filtered bool
}

// hashEntry is the value of hash mutations. A null entry marks a hash that
// was invalidated for modification and has not been recomputed yet.
type hashEntry struct {
	hash common.Hash
	null bool
}

// family holds the state shared by all copies of a cache.
type family[K comparable, V any] struct {
	mutex        sync.RWMutex
	keyToLeaf    map[K]*mutation[K, *Leaf[K, V]]
	pathToKey    map[common.Path]*mutation[common.Path, K]
	pathToHash   map[common.Path]*mutation[common.Path, hashEntry]
	lastReleased int64
	copyValue    func(V) (V, error)
}

// Cache is one version of the node cache.
type Cache[K comparable, V any] struct {
	family  *family[K, V]
	version int64
	next    *Cache[K, V] // older
	prev    *Cache[K, V] // newer

	dirtyLeaves    []*mutation[K, *Leaf[K, V]]
	dirtyLeafPaths []*mutation[common.Path, K]
	dirtyHashes    []*mutation[common.Path, hashEntry]

	leavesImmutable bool
	hashesImmutable bool
	hashesSealed    bool
	released        bool
	merged          bool
	snapshot        bool
}

// Option customizes a new cache family.
type Option[K comparable, V any] func(*family[K, V])

// WithValueCopier sets the function used to copy values looked up for
// modification from an older version. By default values are shared.
func WithValueCopier[K comparable, V any](copier func(V) (V, error)) Option[K, V] {
	return func(f *family[K, V]) {
		f.copyValue = copier
	}
}

// New creates the first, mutable, version of a new cache family.
func New[K comparable, V any](opts ...Option[K, V]) *Cache[K, V] {
	f := &family[K, V]{
		keyToLeaf:    map[K]*mutation[K, *Leaf[K, V]]{},
		pathToKey:    map[common.Path]*mutation[common.Path, K]{},
		pathToHash:   map[common.Path]*mutation[common.Path, hashEntry]{},
		lastReleased: -1,
		copyValue:    func(v V) (V, error) { return v, nil },
	}
	for _, opt := range opts {
		opt(f)
	}
	return &Cache[K, V]{
		family:          f,
		hashesImmutable: true,
	}
}

// Version is the fast-copy version of this cache.
func (c *Cache[K, V]) Version() int64 {
	return c.version
}

// Copy creates the next version of the cache. This cache becomes immutable
// for leaves and ready for hashing.
func (c *Cache[K, V]) Copy() (*Cache[K, V], error) {
	c.family.mutex.Lock()
	defer c.family.mutex.Unlock()
	if c.released {
		return nil, common.ErrReleased
	}
	if c.prev != nil {
		return nil, fmt.Errorf("cache version %d was already copied", c.version)
	}
	res := &Cache[K, V]{
		family:          c.family,
		version:         c.version + 1,
		next:            c,
		hashesImmutable: true,
	}
	c.prepareForHashing()
	c.prev = res
	return res, nil
}

// PrepareForHashing makes leaves immutable and hashes mutable.
func (c *Cache[K, V]) PrepareForHashing() {
	c.family.mutex.Lock()
	defer c.family.mutex.Unlock()
	c.prepareForHashing()
}

func (c *Cache[K, V]) prepareForHashing() {
	c.leavesImmutable = true
	c.hashesImmutable = false
}

// Seal makes the cache fully immutable.
func (c *Cache[K, V]) Seal() {
	c.family.mutex.Lock()
	defer c.family.mutex.Unlock()
	c.seal()
}

func (c *Cache[K, V]) seal() {
	c.leavesImmutable = true
	c.hashesImmutable = true
	c.hashesSealed = true
}

// IsImmutable reports whether leaves may no longer be modified.
func (c *Cache[K, V]) IsImmutable() bool {
	c.family.mutex.RLock()
	defer c.family.mutex.RUnlock()
	return c.leavesImmutable
}

// IsReleased reports whether the cache was released.
func (c *Cache[K, V]) IsReleased() bool {
	c.family.mutex.RLock()
	defer c.family.mutex.RUnlock()
	return c.released
}

// IsMerged reports whether this cache absorbed an older copy.
func (c *Cache[K, V]) IsMerged() bool {
	c.family.mutex.RLock()
	defer c.family.mutex.RUnlock()
	return c.merged
}

// Release drops this cache and purges its mutations from the shared
// indexes. Only the oldest cache of a family may be released.
func (c *Cache[K, V]) Release() error {
	c.family.mutex.Lock()
	defer c.family.mutex.Unlock()
	if c.released {
		return common.ErrReleased
	}
	if c.next != nil {
		return fmt.Errorf("cannot release cache version %d, version %d is older", c.version, c.next.version)
	}
	c.seal()
	c.family.lastReleased = c.version
	c.released = true
	c.unlink()

	purge(c.dirtyLeaves, c.family.keyToLeaf)
	purge(c.dirtyLeafPaths, c.family.pathToKey)
	purge(c.dirtyHashes, c.family.pathToHash)
	c.dirtyLeaves = nil
	c.dirtyLeafPaths = nil
	c.dirtyHashes = nil
	return nil
}

// Merge moves the mutations of this cache into the next newer cache. Both
// caches need to be sealed.
func (c *Cache[K, V]) Merge() error {
	c.family.mutex.Lock()
	defer c.family.mutex.Unlock()
	p := c.prev
	if p == nil {
		return fmt.Errorf("cannot merge cache version %d, there is no newer version", c.version)
	}
	if !p.hashesImmutable || !c.hashesImmutable {
		return fmt.Errorf("cannot merge cache versions %d and %d, both need to be sealed", c.version, p.version)
	}
	p.dirtyLeaves = append(p.dirtyLeaves, c.dirtyLeaves...)
	p.dirtyLeafPaths = append(p.dirtyLeafPaths, c.dirtyLeafPaths...)
	p.dirtyHashes = append(p.dirtyHashes, c.dirtyHashes...)
	p.merged = true
	c.unlink()
	return nil
}

func (c *Cache[K, V]) unlink() {
	if c.next != nil {
		c.next.prev = c.prev
	}
	if c.prev != nil {
		c.prev.next = c.next
	}
	c.next = nil
	c.prev = nil
}

// PutLeaf records the given leaf in this version and returns the leaf
// instance stored in the cache.
func (c *Cache[K, V]) PutLeaf(leaf *Leaf[K, V]) (*Leaf[K, V], error) {
	c.family.mutex.Lock()
	defer c.family.mutex.Unlock()
	return c.putLeaf(leaf)
}

func (c *Cache[K, V]) putLeaf(leaf *Leaf[K, V]) (*Leaf[K, V], error) {
	if c.leavesImmutable {
		return nil, fmt.Errorf("cannot put leaf into cache version %d: %w", c.version, common.ErrImmutable)
	}
	updatePaths(c.family.pathToKey, &c.dirtyLeafPaths, c.version, leaf.Path, leaf.Key, false)
	m := c.mutate(leaf)
	return m.value, nil
}

// DeleteLeaf marks the given leaf as deleted, at its key and at its path.
func (c *Cache[K, V]) DeleteLeaf(leaf *Leaf[K, V]) error {
	c.family.mutex.Lock()
	defer c.family.mutex.Unlock()
	if c.leavesImmutable {
		return fmt.Errorf("cannot delete leaf in cache version %d: %w", c.version, common.ErrImmutable)
	}
	var noKey K
	updatePaths(c.family.pathToKey, &c.dirtyLeafPaths, c.version, leaf.Path, noKey, true)
	m := c.mutate(leaf)
	m.deleted = true
	return nil
}

// ClearLeafPath records that no leaf is located at the given path anymore.
func (c *Cache[K, V]) ClearLeafPath(path common.Path) error {
	c.family.mutex.Lock()
	defer c.family.mutex.Unlock()
	if c.leavesImmutable {
		return fmt.Errorf("cannot clear leaf path in cache version %d: %w", c.version, common.ErrImmutable)
	}
	var noKey K
	updatePaths(c.family.pathToKey, &c.dirtyLeafPaths, c.version, path, noKey, true)
	return nil
}

func (c *Cache[K, V]) mutate(leaf *Leaf[K, V]) *mutation[K, *Leaf[K, V]] {
	head := c.family.keyToLeaf[leaf.Key]
	if head == nil || head.version != c.version {
		head = &mutation[K, *Leaf[K, V]]{
			next:    head,
			version: c.version,
			key:     leaf.Key,
			value:   leaf,
		}
		c.family.keyToLeaf[leaf.Key] = head
		c.dirtyLeaves = append(c.dirtyLeaves, head)
		return head
	}
	if head.value != leaf {
		head.value.Path = leaf.Path
		head.value.Value = leaf.Value
	}
	head.deleted = false
	return head
}

// LookupLeafByKey returns the leaf with the given key as seen by this
// version. With forModify set, a leaf of an older version is copied into
// this version first, such that the result may be modified in place.
func (c *Cache[K, V]) LookupLeafByKey(key K, forModify bool) (*Leaf[K, V], Status, error) {
	if forModify {
		c.family.mutex.Lock()
		defer c.family.mutex.Unlock()
	} else {
		c.family.mutex.RLock()
		defer c.family.mutex.RUnlock()
	}
	return c.lookupLeafByKey(key, forModify)
}

func (c *Cache[K, V]) lookupLeafByKey(key K, forModify bool) (*Leaf[K, V], Status, error) {
	if c.released {
		return nil, Missing, nil
	}
	m := lookup(c.family.keyToLeaf[key], c.version)
	if m == nil {
		return nil, Missing, nil
	}
	if m.deleted {
		return nil, Deleted, nil
	}
	if forModify && m.version < c.version && !c.leavesImmutable {
		value, err := c.family.copyValue(m.value.Value)
		if err != nil {
			return nil, Missing, fmt.Errorf("failed to copy value of leaf at path %d: %w", m.value.Path, err)
		}
		leaf, err := c.putLeaf(&Leaf[K, V]{Path: m.value.Path, Key: m.value.Key, Value: value})
		if err != nil {
			return nil, Missing, err
		}
		return leaf, Present, nil
	}
	return m.value, Present, nil
}

// LookupLeafByPath returns the leaf located at the given path as seen by
// this version.
func (c *Cache[K, V]) LookupLeafByPath(path common.Path, forModify bool) (*Leaf[K, V], Status, error) {
	if forModify {
		c.family.mutex.Lock()
		defer c.family.mutex.Unlock()
	} else {
		c.family.mutex.RLock()
		defer c.family.mutex.RUnlock()
	}
	if c.released {
		return nil, Missing, nil
	}
	m := lookup(c.family.pathToKey[path], c.version)
	if m == nil {
		return nil, Missing, nil
	}
	if m.deleted {
		return nil, Deleted, nil
	}
	return c.lookupLeafByKey(m.value, forModify)
}

// PutHash records the hash of the node at the given path. Only permitted
// while the cache is prepared for hashing.
func (c *Cache[K, V]) PutHash(path common.Path, hash common.Hash) error {
	c.family.mutex.Lock()
	defer c.family.mutex.Unlock()
	if c.hashesImmutable {
		return fmt.Errorf("cannot put hash into cache version %d: %w", c.version, common.ErrImmutable)
	}
	updatePaths(c.family.pathToHash, &c.dirtyHashes, c.version, path, hashEntry{hash: hash}, false)
	return nil
}

// DeleteHash records that the node at the given path was removed.
func (c *Cache[K, V]) DeleteHash(path common.Path) error {
	c.family.mutex.Lock()
	defer c.family.mutex.Unlock()
	if c.leavesImmutable {
		return fmt.Errorf("cannot delete hash in cache version %d: %w", c.version, common.ErrImmutable)
	}
	updatePaths(c.family.pathToHash, &c.dirtyHashes, c.version, path, hashEntry{}, true)
	return nil
}

// LookupHashByPath returns the hash of the node at the given path as seen
// by this version. With forModify set, a hash of an older version is
// invalidated and reported as missing.
func (c *Cache[K, V]) LookupHashByPath(path common.Path, forModify bool) (common.Hash, Status) {
	if forModify {
		c.family.mutex.Lock()
		defer c.family.mutex.Unlock()
	} else {
		c.family.mutex.RLock()
		defer c.family.mutex.RUnlock()
	}
	if c.released {
		return common.Hash{}, Missing
	}
	m := lookup(c.family.pathToHash[path], c.version)
	if m == nil || (!m.deleted && m.value.null) {
		return common.Hash{}, Missing
	}
	if m.deleted {
		return common.Hash{}, Deleted
	}
	if forModify && m.version < c.version && !c.hashesImmutable {
		updatePaths(c.family.pathToHash, &c.dirtyHashes, c.version, path, hashEntry{null: true}, false)
		return common.Hash{}, Missing
	}
	return m.value.hash, Present
}

// DirtyLeavesForHash returns the leaves modified in this version within the
// given leaf range, sorted by path.
func (c *Cache[K, V]) DirtyLeavesForHash(first, last common.Path) ([]*Leaf[K, V], error) {
	c.family.mutex.RLock()
	defer c.family.mutex.RUnlock()
	if c.merged {
		return nil, fmt.Errorf("cannot get dirty leaves for hashing of cache version %d: %w", c.version, ErrMerged)
	}
	if !c.leavesImmutable {
		return nil, fmt.Errorf("cannot get dirty leaves of mutable cache version %d", c.version)
	}
	res := make([]*Leaf[K, V], 0, len(c.dirtyLeaves))
	for _, m := range c.dirtyLeaves {
		if m.deleted || m.filtered || m.value.Path < first || m.value.Path > last {
			continue
		}
		res = append(res, m.value)
	}
	slices.SortFunc(res, func(a, b *Leaf[K, V]) int {
		return cmp.Compare(a.Path, b.Path)
	})
	return res, nil
}

// DirtyLeavesForFlush returns the latest version of each leaf modified in
// this cache, including merged copies, within the given leaf range.
func (c *Cache[K, V]) DirtyLeavesForFlush(first, last common.Path) ([]*Leaf[K, V], error) {
	c.family.mutex.Lock()
	defer c.family.mutex.Unlock()
	if !c.leavesImmutable {
		return nil, fmt.Errorf("cannot get dirty leaves of mutable cache version %d", c.version)
	}
	filterMutations(c.dirtyLeaves)
	res := make([]*Leaf[K, V], 0, len(c.dirtyLeaves))
	for _, m := range c.dirtyLeaves {
		if m.deleted || m.filtered || m.value.Path < first || m.value.Path > last {
			continue
		}
		res = append(res, m.value)
	}
	return res, nil
}

// DeletedLeaves returns the leaves deleted in this cache, including merged
// copies, which are still deleted from the point of view of this version.
func (c *Cache[K, V]) DeletedLeaves() ([]*Leaf[K, V], error) {
	c.family.mutex.RLock()
	defer c.family.mutex.RUnlock()
	if !c.leavesImmutable {
		return nil, fmt.Errorf("cannot get deleted leaves of mutable cache version %d", c.version)
	}
	seen := map[K]struct{}{}
	var res []*Leaf[K, V]
	for _, m := range c.dirtyLeaves {
		if !m.deleted {
			continue
		}
		if _, found := seen[m.key]; found {
			continue
		}
		latest := lookup(c.family.keyToLeaf[m.key], c.version)
		if latest != nil && latest.deleted {
			seen[m.key] = struct{}{}
			res = append(res, m.value)
		}
	}
	return res, nil
}

// HashRecord is a dirty hash to be flushed.
type HashRecord struct {
	Path common.Path
	Hash common.Hash
}

// DirtyHashesForFlush returns the latest hash of each path modified in this
// cache, including merged copies, up to the given last leaf path. Deleted
// and invalidated hashes are omitted.
func (c *Cache[K, V]) DirtyHashesForFlush(last common.Path) ([]HashRecord, error) {
	c.family.mutex.Lock()
	defer c.family.mutex.Unlock()
	if !c.hashesSealed {
		return nil, fmt.Errorf("cannot get dirty hashes of unsealed cache version %d", c.version)
	}
	filterMutations(c.dirtyHashes)
	res := make([]HashRecord, 0, len(c.dirtyHashes))
	for _, m := range c.dirtyHashes {
		if m.key > last || m.filtered || m.deleted || m.value.null {
			continue
		}
		res = append(res, HashRecord{Path: m.key, Hash: m.value.hash})
	}
	return res, nil
}

// EstimatedDirtyLeavesCount returns an upper bound of the number of dirty
// leaves held by this cache.
func (c *Cache[K, V]) EstimatedDirtyLeavesCount() int {
	c.family.mutex.RLock()
	defer c.family.mutex.RUnlock()
	return len(c.dirtyLeaves)
}

// EstimatedHashesCount returns an upper bound of the number of dirty
// hashes held by this cache.
func (c *Cache[K, V]) EstimatedHashesCount() int {
	c.family.mutex.RLock()
	defer c.family.mutex.RUnlock()
	return len(c.dirtyHashes)
}

// Snapshot creates a sealed, independent cache holding, for every key and
// path, the latest mutation visible to this version which was not released.
func (c *Cache[K, V]) Snapshot() *Cache[K, V] {
	c.family.mutex.RLock()
	defer c.family.mutex.RUnlock()
	res := New[K, V]()
	res.family.copyValue = c.family.copyValue
	res.version = c.version
	res.snapshot = true
	rejected := c.family.lastReleased

	for key, head := range c.family.keyToLeaf {
		m := lookup(head, c.version)
		if m == nil || m.version <= rejected {
			continue
		}
		leaf := *m.value
		clone := &mutation[K, *Leaf[K, V]]{version: m.version, key: key, value: &leaf, deleted: m.deleted}
		res.family.keyToLeaf[key] = clone
		res.dirtyLeaves = append(res.dirtyLeaves, clone)
	}
	res.dirtyLeafPaths = snapshotIndex(c.family.pathToKey, res.family.pathToKey, c.version, rejected)
	res.dirtyHashes = snapshotIndex(c.family.pathToHash, res.family.pathToHash, c.version, rejected)
	res.seal()
	return res
}

// IsSnapshot reports whether this cache was created by Snapshot.
func (c *Cache[K, V]) IsSnapshot() bool {
	return c.snapshot
}

func (c *Cache[K, V]) GetMemoryFootprint() *common.MemoryFootprint {
	c.family.mutex.RLock()
	defer c.family.mutex.RUnlock()
	mutationSize := unsafe.Sizeof(mutation[K, *Leaf[K, V]]{}) + unsafe.Sizeof(Leaf[K, V]{})
	res := common.NewMemoryFootprint(unsafe.Sizeof(*c))
	res.AddChild("leaves", common.NewMemoryFootprint(uintptr(len(c.dirtyLeaves))*mutationSize))
	res.AddChild("leafPaths", common.NewMemoryFootprint(uintptr(len(c.dirtyLeafPaths))*unsafe.Sizeof(mutation[common.Path, K]{})))
	res.AddChild("hashes", common.NewMemoryFootprint(uintptr(len(c.dirtyHashes))*unsafe.Sizeof(mutation[common.Path, hashEntry]{})))
	res.SetNote(fmt.Sprintf("(version: %d)", c.version))
	return res
}

func (c *Cache[K, V]) String() string {
	return fmt.Sprintf("Cache{version: %d, leaves: %d, hashes: %d}", c.version, len(c.dirtyLeaves), len(c.dirtyHashes))
}

// updatePaths records a mutation of the given version at the given path.
// Mutations of newer versions are kept in front of it.
func updatePaths[V any](
	index map[common.Path]*mutation[common.Path, V],
	dirty *[]*mutation[common.Path, V],
	version int64,
	path common.Path,
	value V,
	deleted bool,
) {
	head := index[path]
	cur := head
	var newer *mutation[common.Path, V]
	for cur != nil && cur.version > version {
		newer = cur
		cur = cur.next
	}
	if cur == nil || cur.version != version {
		cur = &mutation[common.Path, V]{
			next:    cur,
			version: version,
			key:     path,
			value:   value,
			deleted: deleted,
		}
		*dirty = append(*dirty, cur)
	} else {
		cur.value = value
		cur.deleted = deleted
	}
	if newer != nil {
		newer.next = cur
	} else {
		index[path] = cur
	}
}

// lookup returns the newest mutation of the chain visible to the given
// version, or nil if there is none.
func lookup[I comparable, V any](m *mutation[I, V], version int64) *mutation[I, V] {
	for m != nil && m.version > version {
		m = m.next
	}
	return m
}

// purge removes the given mutations from the index chains.
func purge[I comparable, V any](mutations []*mutation[I, V], index map[I]*mutation[I, V]) {
	for _, element := range mutations {
		head, found := index[element.key]
		if !found {
			continue
		}
		if head == element {
			delete(index, element.key)
			continue
		}
		for m := head; m.next != nil; m = m.next {
			if m.next == element {
				m.next = nil
				break
			}
		}
	}
}

// filterMutations marks every mutation superseded by a mutation in the
// given list as filtered.
func filterMutations[I comparable, V any](mutations []*mutation[I, V]) {
	for _, m := range mutations {
		if m.next != nil {
			m.next.filtered = true
		}
	}
}

func snapshotIndex[V any](
	source map[common.Path]*mutation[common.Path, V],
	target map[common.Path]*mutation[common.Path, V],
	accepted, rejected int64,
) []*mutation[common.Path, V] {
	var res []*mutation[common.Path, V]
	for path, head := range source {
		m := lookup(head, accepted)
		if m == nil || m.version <= rejected {
			continue
		}
		clone := &mutation[common.Path, V]{version: m.version, key: path, value: m.value, deleted: m.deleted}
		target[path] = clone
		res = append(res, clone)
	}
	return res
}
