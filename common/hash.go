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
	"encoding/hex"
	"fmt"

	"golang.org/x/crypto/sha3"
)

// HashSize is the number of bytes of a Hash.
const HashSize = 48

// Hash is a SHA3-384 digest of a leaf or an internal node of the tree.
type Hash [HashSize]byte

// Domain separation tags prepended to the hashed data.
const (
	leafTag     byte = 0x00
	internalTag byte = 0x01
	emptyTag    byte = 0x02
)

// HashOf computes the SHA3-384 digest of the concatenation of the given parts.
func HashOf(parts ...[]byte) Hash {
	hasher := sha3.New384()
	for _, part := range parts {
		hasher.Write(part)
	}
	var res Hash
	hasher.Sum(res[:0])
	return res
}

// LeafHash computes the hash of a leaf holding the given serialized key and
// value. The key is length-prefixed such that the boundary between key and
// value is part of the digest.
func LeafHash(key, value []byte) Hash {
	var length [4]byte
	binary.BigEndian.PutUint32(length[:], uint32(len(key)))
	return HashOf([]byte{leafTag}, length[:], key, value)
}

// InternalHash computes the hash of an internal node. The right child may be
// nil for a root with a single leaf.
func InternalHash(left Hash, right *Hash) Hash {
	if right == nil {
		return HashOf([]byte{internalTag}, left[:])
	}
	return HashOf([]byte{internalTag}, left[:], right[:])
}

var emptyRootHash = HashOf([]byte{emptyTag})

// EmptyRootHash returns the hash of a tree without any leaves. It is computed
// using a tag that no real node uses and thus never equals the hash of a
// non-empty tree.
func EmptyRootHash() Hash {
	return emptyRootHash
}

// ToBytes returns the hash as a byte slice.
func (h Hash) ToBytes() []byte {
	return h[:]
}

// HashFromBytes converts a byte slice into a Hash.
func HashFromBytes(data []byte) (Hash, error) {
	var res Hash
	if len(data) != HashSize {
		return res, fmt.Errorf("invalid hash length %d, expected %d", len(data), HashSize)
	}
	copy(res[:], data)
	return res, nil
}

func (h Hash) String() string {
	return hex.EncodeToString(h[:])
}
