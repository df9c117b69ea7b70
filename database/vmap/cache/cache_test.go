// Copyright (c) 2025 Sonic Operations Ltd
//
// Use of this software is governed by the Business Source License included
// in the LICENSE file and at soniclabs.com/bsl11.
//
// Change Date: 2028-4-16
//
// On the date above, in accordance with the Business Source License, use of
// this software will be governed by the GNU Lesser General Public License v3.

package cache

import (
	"errors"
	"testing"

	"github.com/hashgraph/hedera-services-sub071/common"
	"github.com/stretchr/testify/require"
)

type testLeaf = Leaf[string, string]

func leaf(path common.Path, key, value string) *testLeaf {
	return &testLeaf{Path: path, Key: key, Value: value}
}

func mustPut(t *testing.T, c *Cache[string, string], l *testLeaf) {
	t.Helper()
	if _, err := c.PutLeaf(l); err != nil {
		t.Fatalf("failed to put leaf %v: %v", l, err)
	}
}

func mustCopy(t *testing.T, c *Cache[string, string]) *Cache[string, string] {
	t.Helper()
	res, err := c.Copy()
	if err != nil {
		t.Fatalf("failed to copy cache: %v", err)
	}
	return res
}

func leafValues(leaves []*testLeaf) []testLeaf {
	res := make([]testLeaf, 0, len(leaves))
	for _, l := range leaves {
		res = append(res, *l)
	}
	return res
}

func TestCache_FreshCacheIsMutableForLeavesOnly(t *testing.T) {
	require := require.New(t)
	c := New[string, string]()
	require.False(c.IsImmutable())
	require.Equal(int64(0), c.Version())

	_, err := c.PutLeaf(leaf(1, "a", "apple"))
	require.NoError(err)
	require.ErrorIs(c.PutHash(0, common.Hash{}), common.ErrImmutable)
}

func TestCache_CopiedCacheIsImmutableForLeaves(t *testing.T) {
	require := require.New(t)
	c0 := New[string, string]()
	c1 := mustCopy(t, c0)

	require.True(c0.IsImmutable())
	require.False(c1.IsImmutable())
	require.Equal(int64(1), c1.Version())

	_, err := c0.PutLeaf(leaf(1, "a", "apple"))
	require.ErrorIs(err, common.ErrImmutable)
	require.ErrorIs(c0.DeleteLeaf(leaf(1, "a", "apple")), common.ErrImmutable)
	require.ErrorIs(c0.ClearLeafPath(1), common.ErrImmutable)
	require.ErrorIs(c0.DeleteHash(1), common.ErrImmutable)

	// the copied version accepts hashes until it is sealed
	require.NoError(c0.PutHash(0, common.HashOf([]byte("root"))))
	c0.Seal()
	require.ErrorIs(c0.PutHash(0, common.Hash{}), common.ErrImmutable)
}

func TestCache_OnlyTheLatestVersionCanBeCopied(t *testing.T) {
	c0 := New[string, string]()
	mustCopy(t, c0)
	_, err := c0.Copy()
	require.Error(t, err)
}

func TestCache_LeavesCanBeLookedUpByKeyAndPath(t *testing.T) {
	require := require.New(t)
	c := New[string, string]()
	mustPut(t, c, leaf(1, "a", "apple"))
	mustPut(t, c, leaf(2, "b", "banana"))

	got, status, _ := c.LookupLeafByKey("a", false)
	require.Equal(Present, status)
	require.Equal(*leaf(1, "a", "apple"), *got)

	got, status, _ = c.LookupLeafByPath(2, false)
	require.Equal(Present, status)
	require.Equal(*leaf(2, "b", "banana"), *got)

	_, status, _ = c.LookupLeafByKey("c", false)
	require.Equal(Missing, status)
	_, status, _ = c.LookupLeafByPath(3, false)
	require.Equal(Missing, status)
}

func TestCache_PuttingALeafTwiceUpdatesTheMutation(t *testing.T) {
	require := require.New(t)
	c := New[string, string]()
	mustPut(t, c, leaf(1, "a", "apple"))
	mustPut(t, c, leaf(3, "a", "aardvark"))

	require.Equal(1, c.EstimatedDirtyLeavesCount())
	got, _, _ := c.LookupLeafByKey("a", false)
	require.Equal(*leaf(3, "a", "aardvark"), *got)

	got, status, _ := c.LookupLeafByPath(3, false)
	require.Equal(Present, status)
	require.Equal("aardvark", got.Value)
}

func TestCache_OlderVersionsDoNotSeeNewerMutations(t *testing.T) {
	require := require.New(t)
	c0 := New[string, string]()
	mustPut(t, c0, leaf(1, "a", "apple"))
	c1 := mustCopy(t, c0)
	mustPut(t, c1, leaf(1, "a", "aardvark"))
	mustPut(t, c1, leaf(2, "b", "banana"))

	got, _, _ := c0.LookupLeafByKey("a", false)
	require.Equal("apple", got.Value)
	_, status, _ := c0.LookupLeafByKey("b", false)
	require.Equal(Missing, status)

	got, _, _ = c1.LookupLeafByKey("a", false)
	require.Equal("aardvark", got.Value)
}

func TestCache_LookupForModifyCopiesLeafIntoLatestVersion(t *testing.T) {
	require := require.New(t)
	copied := 0
	c0 := New(WithValueCopier[string, string](func(v string) (string, error) {
		copied++
		return v, nil
	}))
	original := leaf(1, "a", "apple")
	mustPut(t, c0, original)
	c1 := mustCopy(t, c0)

	got, status, err := c1.LookupLeafByKey("a", true)
	require.NoError(err)
	require.Equal(Present, status)
	require.NotSame(original, got)
	require.Equal(1, copied)
	require.Equal(1, c1.EstimatedDirtyLeavesCount())

	got.Value = "avocado"
	old, _, _ := c0.LookupLeafByKey("a", false)
	require.Equal("apple", old.Value)

	byPath, status, _ := c1.LookupLeafByPath(1, true)
	require.Equal(Present, status)
	require.Same(got, byPath)
	require.Equal(1, copied)
}

func TestCache_LookupForModifyReportsFailingCopy(t *testing.T) {
	require := require.New(t)
	injected := errors.New("injected")
	c0 := New(WithValueCopier[string, string](func(string) (string, error) {
		return "", injected
	}))
	mustPut(t, c0, leaf(1, "a", "apple"))
	c1 := mustCopy(t, c0)

	_, _, err := c1.LookupLeafByKey("a", true)
	require.ErrorIs(err, injected)
	_, _, err = c1.LookupLeafByPath(1, true)
	require.ErrorIs(err, injected)
	require.Zero(c1.EstimatedDirtyLeavesCount())

	// Reads do not copy.
	got, status, err := c1.LookupLeafByKey("a", false)
	require.NoError(err)
	require.Equal(Present, status)
	require.Equal("apple", got.Value)
}

func TestCache_DeletedLeavesAreReportedAsDeleted(t *testing.T) {
	require := require.New(t)
	c0 := New[string, string]()
	mustPut(t, c0, leaf(1, "a", "apple"))
	mustPut(t, c0, leaf(2, "b", "banana"))
	c1 := mustCopy(t, c0)
	require.NoError(c1.DeleteLeaf(leaf(2, "b", "banana")))

	_, status, _ := c1.LookupLeafByKey("b", false)
	require.Equal(Deleted, status)
	_, status, _ = c1.LookupLeafByPath(2, false)
	require.Equal(Deleted, status)

	_, status, _ = c0.LookupLeafByKey("b", false)
	require.Equal(Present, status)
}

func TestCache_DeletingANonExistingLeafIsOk(t *testing.T) {
	require := require.New(t)
	c := New[string, string]()
	require.NoError(c.DeleteLeaf(leaf(3, "x", "")))
	_, status, _ := c.LookupLeafByKey("x", false)
	require.Equal(Deleted, status)
}

func TestCache_ClearedLeafPathsAreDeleted(t *testing.T) {
	require := require.New(t)
	c0 := New[string, string]()
	mustPut(t, c0, leaf(1, "a", "apple"))
	c1 := mustCopy(t, c0)
	require.NoError(c1.ClearLeafPath(1))

	_, status, _ := c1.LookupLeafByPath(1, false)
	require.Equal(Deleted, status)
	// the key is not affected by clearing its path
	_, status, _ = c1.LookupLeafByKey("a", false)
	require.Equal(Present, status)
	_, status, _ = c0.LookupLeafByPath(1, false)
	require.Equal(Present, status)
}

func TestCache_HashesCanBePutAndLookedUp(t *testing.T) {
	require := require.New(t)
	c0 := New[string, string]()
	c1 := mustCopy(t, c0)
	root := common.HashOf([]byte("root"))

	require.NoError(c0.PutHash(0, root))
	require.NoError(c0.PutHash(0, root))
	require.Equal(1, c0.EstimatedHashesCount())

	got, status := c0.LookupHashByPath(0, false)
	require.Equal(Present, status)
	require.Equal(root, got)

	got, status = c1.LookupHashByPath(0, false)
	require.Equal(Present, status)
	require.Equal(root, got)

	_, status = c1.LookupHashByPath(1, false)
	require.Equal(Missing, status)
}

func TestCache_DeletedHashesAreReportedAsDeleted(t *testing.T) {
	require := require.New(t)
	c0 := New[string, string]()
	c1 := mustCopy(t, c0)
	require.NoError(c0.PutHash(1, common.HashOf([]byte("one"))))
	c0.Seal()

	require.NoError(c1.DeleteHash(1))
	_, status := c1.LookupHashByPath(1, false)
	require.Equal(Deleted, status)
	_, status = c0.LookupHashByPath(1, false)
	require.Equal(Present, status)

	// deleting unknown hashes is fine
	require.NoError(c1.DeleteHash(7))
}

func TestCache_LookupHashForModifyInvalidatesOlderHash(t *testing.T) {
	require := require.New(t)
	c0 := New[string, string]()
	c1 := mustCopy(t, c0)
	require.NoError(c0.PutHash(1, common.HashOf([]byte("one"))))
	c0.Seal()
	c2 := mustCopy(t, c1)

	_, status := c1.LookupHashByPath(1, true)
	require.Equal(Missing, status)
	_, status = c1.LookupHashByPath(1, false)
	require.Equal(Missing, status)
	_, status = c0.LookupHashByPath(1, false)
	require.Equal(Present, status)
	_, status = c2.LookupHashByPath(1, false)
	require.Equal(Missing, status)
}

func TestCache_OnlyTheOldestCacheCanBeReleased(t *testing.T) {
	require := require.New(t)
	c0 := New[string, string]()
	c1 := mustCopy(t, c0)

	require.Error(c1.Release())
	require.NoError(c0.Release())
	require.True(c0.IsReleased())
	require.ErrorIs(c0.Release(), common.ErrReleased)
	require.NoError(c1.Release())

	_, err := c1.Copy()
	require.ErrorIs(err, common.ErrReleased)
}

func TestCache_ReleaseDropsState(t *testing.T) {
	require := require.New(t)
	c0 := New[string, string]()
	mustPut(t, c0, leaf(1, "a", "apple"))
	mustPut(t, c0, leaf(2, "b", "banana"))
	c1 := mustCopy(t, c0)
	mustPut(t, c1, leaf(2, "b", "bear"))
	require.NoError(c0.PutHash(0, common.HashOf([]byte("root"))))

	require.NoError(c0.Release())

	_, status, _ := c0.LookupLeafByKey("b", false)
	require.Equal(Missing, status)
	_, status, _ = c1.LookupLeafByKey("a", false)
	require.Equal(Missing, status)
	_, status = c1.LookupHashByPath(0, false)
	require.Equal(Missing, status)

	got, status, _ := c1.LookupLeafByKey("b", false)
	require.Equal(Present, status)
	require.Equal("bear", got.Value)
	require.Len(c1.family.keyToLeaf, 1)
	require.Empty(c1.family.pathToHash)
}

func TestCache_MergeRequiresSealedCaches(t *testing.T) {
	require := require.New(t)
	c0 := New[string, string]()
	c1 := mustCopy(t, c0)

	require.Error(c1.Merge())
	require.Error(c0.Merge())

	c0.Seal()
	c1.Seal()
	require.NoError(c0.Merge())
	require.True(c1.IsMerged())
}

func TestCache_MergingRetainsTheMostRecentMutation(t *testing.T) {
	require := require.New(t)
	c0 := New[string, string]()
	mustPut(t, c0, leaf(1, "a", "apple"))
	mustPut(t, c0, leaf(2, "b", "banana"))
	c1 := mustCopy(t, c0)
	mustPut(t, c1, leaf(1, "a", "aardvark"))
	require.NoError(c1.DeleteLeaf(leaf(2, "b", "banana")))

	c0.Seal()
	c1.Seal()
	require.NoError(c0.Merge())

	got, status, _ := c1.LookupLeafByPath(1, false)
	require.Equal(Present, status)
	require.Equal("aardvark", got.Value)
	_, status, _ = c1.LookupLeafByKey("b", false)
	require.Equal(Deleted, status)

	leaves, err := c1.DirtyLeavesForFlush(1, 1)
	require.NoError(err)
	require.Equal([]testLeaf{*leaf(1, "a", "aardvark")}, leafValues(leaves))

	_, err = c1.DirtyLeavesForHash(1, 2)
	require.ErrorIs(err, ErrMerged)
}

func TestCache_MergingOldMutationIntoEmptyCacheRetainsIt(t *testing.T) {
	require := require.New(t)
	c0 := New[string, string]()
	mustPut(t, c0, leaf(1, "a", "apple"))
	c1 := mustCopy(t, c0)
	c0.Seal()
	c1.Seal()
	require.NoError(c0.Merge())

	got, status, _ := c1.LookupLeafByKey("a", false)
	require.Equal(Present, status)
	require.Equal("apple", got.Value)
	require.Equal(1, c1.EstimatedDirtyLeavesCount())
}

func TestCache_DirtyLeavesForHashRequireImmutableLeaves(t *testing.T) {
	c := New[string, string]()
	_, err := c.DirtyLeavesForHash(1, 1)
	require.Error(t, err)
	_, err = c.DirtyLeavesForFlush(1, 1)
	require.Error(t, err)
	_, err = c.DeletedLeaves()
	require.Error(t, err)
	_, err = c.DirtyHashesForFlush(1)
	require.Error(t, err)
}

func TestCache_DirtyLeavesWithPathConflictsInSameVersion(t *testing.T) {
	require := require.New(t)
	c := New[string, string]()
	mustPut(t, c, leaf(7, "a", "apple"))
	mustPut(t, c, leaf(5, "b", "banana"))
	mustPut(t, c, leaf(4, "c", "cherry"))
	mustPut(t, c, leaf(6, "d", "date"))
	mustPut(t, c, leaf(8, "e", "eggplant"))

	require.NoError(c.DeleteLeaf(leaf(8, "e", "eggplant")))
	mustPut(t, c, leaf(3, "a", "apple"))
	require.NoError(c.DeleteLeaf(leaf(4, "c", "cherry")))
	mustPut(t, c, leaf(4, "d", "date"))
	mustPut(t, c, leaf(2, "b", "banana"))
	c.Seal()

	leaves, err := c.DirtyLeavesForHash(2, 4)
	require.NoError(err)
	require.Equal([]testLeaf{
		*leaf(2, "b", "banana"),
		*leaf(3, "a", "apple"),
		*leaf(4, "d", "date"),
	}, leafValues(leaves))
}

func TestCache_DirtyLeavesForFlushAcrossMergedVersions(t *testing.T) {
	require := require.New(t)
	c0 := New[string, string]()
	mustPut(t, c0, leaf(1, "a", "apple"))

	c1 := mustCopy(t, c0)
	mustPut(t, c1, leaf(2, "b", "banana"))
	mustPut(t, c1, leaf(3, "a", "apple"))
	require.NoError(c1.DeleteLeaf(leaf(3, "a", "apple")))
	mustPut(t, c1, leaf(3, "f", "fig"))
	mustPut(t, c1, leaf(4, "c", "cherry"))

	c2 := mustCopy(t, c1)
	mustPut(t, c2, leaf(5, "b", "banana"))
	mustPut(t, c2, leaf(6, "d", "date"))
	require.NoError(c2.DeleteLeaf(leaf(5, "b", "banana")))
	mustPut(t, c2, leaf(5, "d", "date"))
	mustPut(t, c2, leaf(6, "g", "grape"))
	mustPut(t, c2, leaf(7, "f", "fig"))
	mustPut(t, c2, leaf(8, "e", "eggplant"))
	require.NoError(c2.DeleteLeaf(leaf(4, "c", "cherry")))
	mustPut(t, c2, leaf(4, "e", "eggplant"))
	mustPut(t, c2, leaf(3, "f", "fig"))

	c0.Seal()
	c1.Seal()
	c2.Seal()
	require.NoError(c0.Merge())
	require.NoError(c1.Merge())

	leaves, err := c2.DirtyLeavesForFlush(3, 6)
	require.NoError(err)
	require.ElementsMatch([]testLeaf{
		*leaf(3, "f", "fig"),
		*leaf(4, "e", "eggplant"),
		*leaf(5, "d", "date"),
		*leaf(6, "g", "grape"),
	}, leafValues(leaves))

	deleted, err := c2.DeletedLeaves()
	require.NoError(err)
	keys := []string{}
	for _, l := range deleted {
		keys = append(keys, l.Key)
	}
	require.ElementsMatch([]string{"a", "b", "c"}, keys)
}

func TestCache_DeletedLeavesIgnoresRecreatedKeys(t *testing.T) {
	require := require.New(t)
	c0 := New[string, string]()
	mustPut(t, c0, leaf(1, "a", "apple"))
	mustPut(t, c0, leaf(2, "b", "banana"))
	c1 := mustCopy(t, c0)
	require.NoError(c1.DeleteLeaf(leaf(1, "a", "apple")))
	require.NoError(c1.DeleteLeaf(leaf(2, "b", "banana")))
	c2 := mustCopy(t, c1)
	mustPut(t, c2, leaf(1, "a", "avocado"))
	mustCopy(t, c2)

	c0.Seal()
	c1.Seal()
	c2.Seal()
	require.NoError(c0.Merge())
	require.NoError(c1.Merge())

	deleted, err := c2.DeletedLeaves()
	require.NoError(err)
	require.Len(deleted, 1)
	require.Equal("b", deleted[0].Key)
	require.Equal(common.Path(2), deleted[0].Path)
}

func TestCache_DirtyHashesForFlushKeepLatestHashes(t *testing.T) {
	require := require.New(t)
	one := common.HashOf([]byte("one"))
	two := common.HashOf([]byte("two"))
	root := common.HashOf([]byte("root"))

	c0 := New[string, string]()
	c1 := mustCopy(t, c0)
	require.NoError(c0.PutHash(0, root))
	require.NoError(c0.PutHash(1, one))
	require.NoError(c0.PutHash(4, one))
	c0.Seal()

	require.NoError(c1.DeleteHash(2))
	mustCopy(t, c1)
	require.NoError(c1.PutHash(1, two))
	c1.Seal()
	require.NoError(c0.Merge())

	hashes, err := c1.DirtyHashesForFlush(3)
	require.NoError(err)
	require.ElementsMatch([]HashRecord{
		{Path: 0, Hash: root},
		{Path: 1, Hash: two},
	}, hashes)
}

func TestCache_SnapshotHoldsVisibleUnreleasedMutations(t *testing.T) {
	require := require.New(t)
	c0 := New[string, string]()
	mustPut(t, c0, leaf(1, "a", "apple"))
	mustPut(t, c0, leaf(2, "b", "banana"))
	c1 := mustCopy(t, c0)
	require.NoError(c0.PutHash(0, common.HashOf([]byte("root"))))
	mustPut(t, c1, leaf(2, "b", "bear"))
	mustPut(t, c1, leaf(3, "c", "cherry"))
	c2 := mustCopy(t, c1)
	mustPut(t, c2, leaf(4, "d", "date"))

	snapshot := c1.Snapshot().Snapshot()
	require.True(snapshot.IsSnapshot())
	require.True(snapshot.IsImmutable())
	require.Equal(c1.Version(), snapshot.Version())

	// releasing the original caches does not affect the snapshot
	c0.Seal()
	require.NoError(c0.Release())
	c1.Seal()
	require.NoError(c1.Release())

	got, status, _ := snapshot.LookupLeafByKey("a", false)
	require.Equal(Present, status)
	require.Equal("apple", got.Value)
	got, _, _ = snapshot.LookupLeafByPath(2, false)
	require.Equal("bear", got.Value)
	_, status, _ = snapshot.LookupLeafByKey("d", false)
	require.Equal(Missing, status)
	hash, status := snapshot.LookupHashByPath(0, false)
	require.Equal(Present, status)
	require.Equal(common.HashOf([]byte("root")), hash)

	leaves, err := snapshot.DirtyLeavesForFlush(1, 3)
	require.NoError(err)
	require.Len(leaves, 3)
}

func TestCache_SnapshotSkipsReleasedVersions(t *testing.T) {
	require := require.New(t)
	c0 := New[string, string]()
	mustPut(t, c0, leaf(1, "a", "apple"))
	c1 := mustCopy(t, c0)
	mustPut(t, c1, leaf(2, "b", "banana"))
	mustCopy(t, c1)
	c0.Seal()
	require.NoError(c0.Release())

	snapshot := c1.Snapshot()
	_, status, _ := snapshot.LookupLeafByKey("a", false)
	require.Equal(Missing, status)
	_, status, _ = snapshot.LookupLeafByKey("b", false)
	require.Equal(Present, status)
}

func TestCache_MemoryFootprintGrowsWithMutations(t *testing.T) {
	require := require.New(t)
	c := New[string, string]()
	before := c.GetMemoryFootprint().Total()
	mustPut(t, c, leaf(1, "a", "apple"))
	require.Greater(c.GetMemoryFootprint().Total(), before)
}
