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
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/hashgraph/hedera-services-sub071/backend"
	"github.com/hashgraph/hedera-services-sub071/common"
)

const (
	magicNumber uint32 = 0x564d4150 // "VMAP"

	// formatNoSerializers is the original format, in which the key and
	// value serializers are not recorded.
	formatNoSerializers uint32 = 1
	// formatInlineSerializers records the names of the serializers.
	formatInlineSerializers uint32 = 2

	currentFormat = formatInlineSerializers

	maxFieldLength = 1 << 20
)

// ErrInvalidFormat is returned when restoring from a malformed stream.
var ErrInvalidFormat = errors.New("invalid serialized virtual map")

// header describes a serialized map version. The content of the map is
// stored in a data source snapshot next to it.
type header struct {
	format          uint32
	label           string
	kind            string
	descriptor      []byte
	keySerializer   string
	valueSerializer string
	version         int64
}

// Serialize writes a description of this version to w and a snapshot of its
// content into dir. The version needs to be immutable; it is hashed and
// detached first. The result can be restored using Restore.
func (m *Map[K, V]) Serialize(w io.Writer, dir string) error {
	return m.serialize(w, dir, currentFormat)
}

func (m *Map[K, V]) serialize(w io.Writer, dir string, format uint32) error {
	err := m.family.pipeline.Detach(m, func() error {
		return m.snapshotTo(m.cache.Snapshot(), dir)
	})
	if err != nil {
		return fmt.Errorf("failed to snapshot map %s: %w", m.family.label, err)
	}
	return writeHeader(w, header{
		format:          format,
		label:           m.family.label,
		kind:            m.family.builder.Kind(),
		descriptor:      m.family.builder.Descriptor(),
		keySerializer:   m.family.keys.Name(),
		valueSerializer: m.family.values.Name(),
		version:         m.version,
	})
}

// Restore recreates a map from a description written by Serialize and the
// snapshot in dir. The result is the first, mutable version of a new
// family. If the snapshot lacks the root hash, all leaves are rehashed.
func Restore[K comparable, V any](
	r io.Reader,
	dir string,
	keys common.Serializer[K],
	values common.Serializer[V],
	opts ...Option,
) (*Map[K, V], error) {
	h, err := readHeader(r)
	if err != nil {
		return nil, err
	}
	if h.format == formatInlineSerializers {
		if h.keySerializer != keys.Name() {
			return nil, fmt.Errorf("%w: map %s uses key serializer %q, got %q", ErrInvalidFormat, h.label, h.keySerializer, keys.Name())
		}
		if h.valueSerializer != values.Name() {
			return nil, fmt.Errorf("%w: map %s uses value serializer %q, got %q", ErrInvalidFormat, h.label, h.valueSerializer, values.Name())
		}
	}
	o := newOptions(opts)
	if err := o.settings.Validate(); err != nil {
		return nil, err
	}
	builder, err := backend.GetBuilder(h.kind, h.descriptor)
	if err != nil {
		return nil, err
	}
	source, err := builder.Restore(h.label, dir)
	if err != nil {
		return nil, fmt.Errorf("failed to restore data source of map %s: %w", h.label, err)
	}
	f := newFamily(h.label, builder, source, keys, values, o)
	state := State{
		Label:         h.label,
		FirstLeafPath: source.FirstLeafPath(),
		LastLeafPath:  source.LastLeafPath(),
	}
	if state.Size() > 0 {
		_, found, err := source.LoadHash(common.RootPath)
		if err == nil && !found {
			err = f.rehash(state)
		}
		if err != nil {
			f.pipeline.Terminate()
			return nil, errors.Join(err, source.Close())
		}
	}
	return start(f, h.version, state)
}

func writeHeader(w io.Writer, h header) error {
	out := &writer{w: w}
	out.uint32(magicNumber)
	out.uint32(h.format)
	out.bytes([]byte(h.label))
	out.bytes([]byte(h.kind))
	out.bytes(h.descriptor)
	if h.format >= formatInlineSerializers {
		out.bytes([]byte(h.keySerializer))
		out.bytes([]byte(h.valueSerializer))
	}
	out.int64(h.version)
	return out.err
}

func readHeader(r io.Reader) (header, error) {
	in := &reader{r: r}
	if magic := in.uint32(); in.err == nil && magic != magicNumber {
		return header{}, fmt.Errorf("%w: unexpected magic number %08x", ErrInvalidFormat, magic)
	}
	res := header{format: in.uint32()}
	if in.err == nil && res.format != formatNoSerializers && res.format != formatInlineSerializers {
		return header{}, fmt.Errorf("%w: unsupported format version %d", ErrInvalidFormat, res.format)
	}
	res.label = string(in.bytes())
	res.kind = string(in.bytes())
	res.descriptor = in.bytes()
	if res.format >= formatInlineSerializers {
		res.keySerializer = string(in.bytes())
		res.valueSerializer = string(in.bytes())
	}
	res.version = in.int64()
	if in.err != nil {
		return header{}, fmt.Errorf("failed to read map header: %w", in.err)
	}
	return res, nil
}

// writer and reader keep the first error, such that a sequence of fields
// can be processed without checking every single step.
type writer struct {
	w   io.Writer
	err error
}

func (w *writer) uint32(value uint32) {
	if w.err == nil {
		w.err = binary.Write(w.w, binary.BigEndian, value)
	}
}

func (w *writer) int64(value int64) {
	if w.err == nil {
		w.err = binary.Write(w.w, binary.BigEndian, value)
	}
}

func (w *writer) bytes(value []byte) {
	w.uint32(uint32(len(value)))
	if w.err == nil {
		_, w.err = w.w.Write(value)
	}
}

type reader struct {
	r   io.Reader
	err error
}

func (r *reader) uint32() uint32 {
	var res uint32
	if r.err == nil {
		r.err = binary.Read(r.r, binary.BigEndian, &res)
	}
	return res
}

func (r *reader) int64() int64 {
	var res int64
	if r.err == nil {
		r.err = binary.Read(r.r, binary.BigEndian, &res)
	}
	return res
}

func (r *reader) bytes() []byte {
	length := r.uint32()
	if r.err != nil {
		return nil
	}
	if length > maxFieldLength {
		r.err = fmt.Errorf("%w: field of %d bytes exceeds limit", ErrInvalidFormat, length)
		return nil
	}
	res := make([]byte, length)
	_, r.err = io.ReadFull(r.r, res)
	return res
}
