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
	"errors"
	"fmt"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestTask_Run_ExecutesActionAndReportsIssues(t *testing.T) {
	require := require.New(t)

	injected := errors.New("injected")
	counter := 0
	tk := newTask(func() error {
		counter++
		return injected
	}, 0)

	issues := &issueCollector{}
	require.Nil(tk.run(issues))
	require.Equal(1, counter)
	require.ErrorIs(issues.Collect(), injected)
}

func TestTask_Run_ReturnsParentOnceAllDependenciesAreDone(t *testing.T) {
	require := require.New(t)

	parent := newTask(func() error { return nil }, 2)
	child := newTask(func() error { return nil }, 0)
	child.parentTask = parent

	issues := &issueCollector{}
	require.Nil(child.run(issues))
	require.EqualValues(1, parent.numDependencies.Load())

	require.Equal(parent, child.run(issues))
	require.EqualValues(0, parent.numDependencies.Load())
}

func TestRunTasks_TaskChain_ProcessesAllTasksInOrder(t *testing.T) {
	for _, workers := range []int{1, 4} {
		// Different lengths, to cover the sequential and parallel code paths.
		for _, N := range []int{1, 5, 10, 50, 200} {
			t.Run(fmt.Sprintf("%d workers/%d tasks", workers, N), func(t *testing.T) {
				require := require.New(t)
				done := make([]bool, N)
				tasks := make([]*task, N)
				for i := range N {
					deps := 1
					if i == 0 {
						deps = 0
					}
					tasks[i] = newTask(func() error {
						if i > 0 && !done[i-1] {
							return fmt.Errorf("task %d executed before its predecessor", i)
						}
						done[i] = true
						return nil
					}, deps)
					if i > 0 {
						tasks[i-1].parentTask = tasks[i]
					}
				}

				require.NoError(runTasks(tasks, workers))
				for i := range N {
					require.True(done[i], "task %d was not executed", i)
				}
			})
		}
	}
}

func TestRunTasks_TaskTree_RunsRootAfterAllChildren(t *testing.T) {
	for _, N := range []int{0, 1, 5, 10, 50, 100} {
		t.Run(fmt.Sprintf("%d children", N), func(t *testing.T) {
			require := require.New(t)
			var completed atomic.Int32
			rootDone := false
			root := newTask(func() error {
				if got := completed.Load(); got != int32(N) {
					return fmt.Errorf("root executed after %d of %d children", got, N)
				}
				rootDone = true
				return nil
			}, N)

			tasks := make([]*task, 0, N+1)
			for range N {
				child := newTask(func() error {
					completed.Add(1)
					return nil
				}, 0)
				child.parentTask = root
				tasks = append(tasks, child)
			}
			tasks = append(tasks, root)

			require.NoError(runTasks(tasks, 8))
			require.True(rootDone)
		})
	}
}

func TestRunTasks_CollectsErrorsOfAllFailingTasks(t *testing.T) {
	require := require.New(t)

	errA := errors.New("a")
	errB := errors.New("b")
	tasks := []*task{
		newTask(func() error { return errA }, 0),
		newTask(func() error { return nil }, 0),
		newTask(func() error { return errB }, 0),
	}
	err := runTasks(tasks, 1)
	require.ErrorIs(err, errA)
	require.ErrorIs(err, errB)
}

func TestIssueCollector_KeepsLimitedNumberOfIssues(t *testing.T) {
	require := require.New(t)

	issues := &issueCollector{}
	for i := range 2 * maxIssues {
		issues.HandleIssue(fmt.Errorf("issue %d", i))
	}
	issues.HandleIssue(nil)
	require.Len(issues.issues, maxIssues)
	require.Error(issues.Collect())
	require.NoError((&issueCollector{}).Collect())
}
