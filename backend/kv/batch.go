// Copyright (c) 2025 Sonic Operations Ltd
//
// Use of this software is governed by the Business Source License included
// in the LICENSE file and at soniclabs.com/bsl11.
//
// Change Date: 2028-4-16
//
// On the date above, in accordance with the Business Source License, use of
// this software will be governed by the GNU Lesser General Public License v3.

package kv

type getter interface {
	Get(key []byte) ([]byte, error)
}

// Batch collects changes to be applied atomically to a store. Reads through
// the batch observe its own pending changes.
type Batch struct {
	base    getter
	order   []string
	entries map[string]batchEntry
}

type batchEntry struct {
	value   []byte
	deleted bool
}

// NewBatch creates an empty batch reading through to the given store.
func NewBatch(base getter) *Batch {
	return &Batch{
		base:    base,
		entries: map[string]batchEntry{},
	}
}

func (b *Batch) Put(key, value []byte) {
	b.set(string(key), batchEntry{value: value})
}

func (b *Batch) Delete(key []byte) {
	b.set(string(key), batchEntry{deleted: true})
}

func (b *Batch) set(key string, entry batchEntry) {
	if _, found := b.entries[key]; !found {
		b.order = append(b.order, key)
	}
	b.entries[key] = entry
}

func (b *Batch) Get(key []byte) ([]byte, error) {
	if entry, found := b.entries[string(key)]; found {
		if entry.deleted {
			return nil, nil
		}
		return entry.value, nil
	}
	return b.base.Get(key)
}

// Len returns the number of distinct keys touched by this batch.
func (b *Batch) Len() int {
	return len(b.order)
}

// ForEach visits the changes of this batch in the order their keys were
// first touched.
func (b *Batch) ForEach(visit func(key, value []byte, deleted bool) error) error {
	for _, key := range b.order {
		entry := b.entries[key]
		if err := visit([]byte(key), entry.value, entry.deleted); err != nil {
			return err
		}
	}
	return nil
}
