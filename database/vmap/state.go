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
	"fmt"

	"github.com/hashgraph/hedera-services-sub071/common"
)

// State is the shape of the tree of a map version: the range of paths
// occupied by leaves. Both paths are invalid if the map is empty.
type State struct {
	Label         string
	FirstLeafPath common.Path
	LastLeafPath  common.Path
}

// NewState creates the state of an empty map.
func NewState(label string) State {
	return State{
		Label:         label,
		FirstLeafPath: common.InvalidPath,
		LastLeafPath:  common.InvalidPath,
	}
}

// Size is the number of leaves in the tree.
func (s State) Size() int64 {
	if s.FirstLeafPath == common.InvalidPath || s.LastLeafPath == common.InvalidPath {
		return 0
	}
	return int64(s.LastLeafPath - s.FirstLeafPath + 1)
}

func (s State) String() string {
	return fmt.Sprintf("State{label: %s, first: %d, last: %d, size: %d}", s.Label, s.FirstLeafPath, s.LastLeafPath, s.Size())
}
