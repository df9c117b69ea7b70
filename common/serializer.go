// Copyright (c) 2025 Sonic Operations Ltd
//
// Use of this software is governed by the Business Source License included
// in the LICENSE file and at soniclabs.com/bsl11.
//
// Change Date: 2028-4-16
//
// On the date above, in accordance with the Business Source License, use of
// this software will be governed by the GNU Lesser General Public License v3.

package common

import (
	"encoding/binary"
	"fmt"

	"github.com/holiman/uint256"
	"golang.org/x/exp/constraints"
)

// Serializer converts values of type T to and from their persisted byte
// representation. The name of a serializer is recorded when a map is
// serialized, so it must be stable.
type Serializer[T any] interface {
	Name() string
	ToBytes(T) []byte
	FromBytes([]byte) (T, error)
}

// StringSerializer stores strings as their raw UTF-8 bytes.
type StringSerializer struct{}

func (StringSerializer) Name() string {
	return "string"
}

func (StringSerializer) ToBytes(value string) []byte {
	return []byte(value)
}

func (StringSerializer) FromBytes(data []byte) (string, error) {
	return string(data), nil
}

// BytesSerializer stores byte slices as they are. A copy is made in both
// directions so that callers may not alias stored data.
type BytesSerializer struct{}

func (BytesSerializer) Name() string {
	return "bytes"
}

func (BytesSerializer) ToBytes(value []byte) []byte {
	return append([]byte(nil), value...)
}

func (BytesSerializer) FromBytes(data []byte) ([]byte, error) {
	return append([]byte(nil), data...), nil
}

// IntegerSerializer stores integers as 8 big-endian bytes, so that the byte
// order of serialized keys follows their numeric order for unsigned values.
type IntegerSerializer[T constraints.Integer] struct{}

func (IntegerSerializer[T]) Name() string {
	return "int64"
}

func (IntegerSerializer[T]) ToBytes(value T) []byte {
	return binary.BigEndian.AppendUint64(nil, uint64(value))
}

func (IntegerSerializer[T]) FromBytes(data []byte) (T, error) {
	if len(data) != 8 {
		return 0, fmt.Errorf("invalid integer encoding of length %d", len(data))
	}
	return T(binary.BigEndian.Uint64(data)), nil
}

// Uint256Serializer stores 256-bit unsigned integers as 32 big-endian bytes.
type Uint256Serializer struct{}

func (Uint256Serializer) Name() string {
	return "uint256"
}

func (Uint256Serializer) ToBytes(value uint256.Int) []byte {
	b := value.Bytes32()
	return b[:]
}

func (Uint256Serializer) FromBytes(data []byte) (uint256.Int, error) {
	var res uint256.Int
	if len(data) != 32 {
		return res, fmt.Errorf("invalid uint256 encoding of length %d", len(data))
	}
	res.SetBytes32(data)
	return res, nil
}
