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
	"sync"
	"sync/atomic"
)

// Hashing is organized as a tree of tasks, one per dirty node, where each
// task depends on the tasks of its dirty children and notifies its single
// parent once completed. Tasks are passed to runTasks in topological order,
// dependencies first.

// task is a unit of work with a number of unfulfilled dependencies and an
// optional parent to notify once done.
type task struct {
	action          func() error
	numDependencies atomic.Int32
	parentTask      *task
}

func newTask(action func() error, numDependencies int) *task {
	t := &task{action: action}
	t.numDependencies.Store(int32(numDependencies))
	return t
}

// run executes the task and returns the parent task if it became ready.
func (t *task) run(issues *issueCollector) *task {
	if err := t.action(); err != nil {
		issues.HandleIssue(err)
	}
	if t.parentTask == nil {
		return nil
	}
	if t.parentTask.numDependencies.Add(-1) != 0 {
		return nil
	}
	return t.parentTask
}

// sequentialCutoff is the number of tasks below which no workers are
// started.
const sequentialCutoff = 32

// runTasks executes the given tasks on up to numWorkers goroutines,
// respecting their dependencies. The list must be closed under dependencies,
// otherwise the function does not terminate.
func runTasks(tasks []*task, numWorkers int) error {
	issues := &issueCollector{}
	if len(tasks) < sequentialCutoff || numWorkers <= 1 {
		for _, task := range tasks {
			task.run(issues)
		}
		return issues.Collect()
	}

	workList := make([]*task, 0, len(tasks))
	for _, task := range tasks {
		if task.numDependencies.Load() == 0 {
			workList = append(workList, task)
		}
	}

	pos := atomic.Int32{}
	processTasks := func() {
		for {
			next := pos.Add(1) - 1
			if int(next) >= len(workList) {
				return
			}
			for task := workList[next]; task != nil; {
				task = task.run(issues)
			}
		}
	}

	// Every chain of ready tasks is driven to completion by the worker that
	// completed its last dependency, so all tasks are done once all workers
	// ran out of work.
	var wg sync.WaitGroup
	for range numWorkers - 1 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			processTasks()
		}()
	}
	processTasks()
	wg.Wait()
	return issues.Collect()
}

// issueCollector gathers errors reported by concurrent tasks, keeping at
// most a few of them.
type issueCollector struct {
	issues []error
	mutex  sync.Mutex
}

const maxIssues = 10

func (c *issueCollector) HandleIssue(issue error) {
	if issue == nil {
		return
	}
	c.mutex.Lock()
	defer c.mutex.Unlock()
	if len(c.issues) < maxIssues {
		c.issues = append(c.issues, issue)
	}
}

func (c *issueCollector) Collect() error {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return errors.Join(c.issues...)
}
