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
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// Kind identifies the type of a reconnect message.
type Kind uint8

const (
	// KindHello opens a session. It is sent by the teacher and carries the
	// reconnect mode, the leaf path range and the root hash of its tree.
	KindHello Kind = iota + 1
	// KindNode carries the hash of a node of the teacher's tree. When pulling
	// top to bottom, it also carries the content of a leaf the learner holds
	// a different hash for.
	KindNode
	// KindAck reports whether a pushed node is clean at the learner.
	KindAck
	// KindRequestNode asks the teacher for the node at a path. Requests for
	// leaves carry the learner's hash of the leaf, if it has one.
	KindRequestNode
	// KindRequestLeaf asks the teacher for the content of the leaf at a path.
	KindRequestLeaf
	// KindDone ends a session.
	KindDone
	// KindError aborts a session.
	KindError
	// KindLeaf pushes the content of a leaf the learner reported as dirty.
	KindLeaf
)

func (k Kind) String() string {
	switch k {
	case KindHello:
		return "hello"
	case KindNode:
		return "node"
	case KindAck:
		return "ack"
	case KindRequestNode:
		return "request-node"
	case KindRequestLeaf:
		return "request-leaf"
	case KindDone:
		return "done"
	case KindError:
		return "error"
	case KindLeaf:
		return "leaf"
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// Message is the single wire type exchanged between teacher and learner.
type Message struct {
	Kind    Kind   `cbor:"1,keyasint"`
	Session string `cbor:"2,keyasint,omitempty"`
	Mode    string `cbor:"3,keyasint,omitempty"`
	First   int64  `cbor:"4,keyasint,omitempty"`
	Last    int64  `cbor:"5,keyasint,omitempty"`
	Path    int64  `cbor:"6,keyasint,omitempty"`
	Hash    []byte `cbor:"7,keyasint,omitempty"`
	Leaf    bool   `cbor:"8,keyasint,omitempty"`
	Key     []byte `cbor:"9,keyasint,omitempty"`
	Value   []byte `cbor:"10,keyasint,omitempty"`
	Clean   bool   `cbor:"11,keyasint,omitempty"`
	Error   string `cbor:"12,keyasint,omitempty"`
}

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	if encMode, err = cbor.CoreDetEncOptions().EncMode(); err != nil {
		panic(err)
	}
	if decMode, err = (cbor.DecOptions{}).DecMode(); err != nil {
		panic(err)
	}
}

// Encode produces the CBOR encoding of a message.
func Encode(msg Message) ([]byte, error) {
	return encMode.Marshal(msg)
}

// Decode parses a CBOR encoded message.
func Decode(data []byte) (Message, error) {
	var msg Message
	if err := decMode.Unmarshal(data, &msg); err != nil {
		return Message{}, fmt.Errorf("invalid reconnect message: %w", err)
	}
	if err := msg.validate(); err != nil {
		return Message{}, err
	}
	return msg, nil
}

func (m Message) validate() error {
	if m.Kind < KindHello || m.Kind > KindLeaf {
		return fmt.Errorf("invalid reconnect message: unknown %v", m.Kind)
	}
	return nil
}
