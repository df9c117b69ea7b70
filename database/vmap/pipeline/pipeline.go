// Copyright (c) 2025 Sonic Operations Ltd
//
// Use of this software is governed by the Business Source License included
// in the LICENSE file and at soniclabs.com/bsl11.
//
// Change Date: 2028-4-16
//
// On the date above, in accordance with the Business Source License, use of
// this software will be governed by the GNU Lesser General Public License v3.

// Package pipeline manages the life cycle of the copies of a virtual map
// family. Copies are hashed, then either flushed to the data source or merged
// into their successor, and finally dropped once destroyed. All flushes and
// merges are performed by a single background worker.
package pipeline

import (
	"errors"
	"fmt"
	"math"
	"slices"
	"sync"
	"time"

	"github.com/hashgraph/hedera-services-sub071/common"
	"github.com/hashgraph/hedera-services-sub071/database/vmap/settings"
	"github.com/hashgraph/hedera-services-sub071/database/vmap/stats"
	"github.com/rs/zerolog"
)

var (
	ErrNotHashed      = errors.New("copy has not been hashed")
	ErrAlreadyFlushed = errors.New("copy has already been flushed")
	ErrAlreadyMerged  = errors.New("copy has already been merged")
	ErrMutable        = errors.New("operation requires an immutable copy")
	ErrDestroyed      = errors.New("copy has been destroyed")
	ErrTerminated     = errors.New("pipeline has been terminated")
	ErrUnknownCopy    = errors.New("copy is not registered with the pipeline")
)

// Copy is a single version of a virtual map family as seen by the pipeline.
// Implementations perform the actual work, while the pipeline decides when
// it is performed and enforces the order of the life cycle.
type Copy interface {
	IsImmutable() bool
	// ShouldBeFlushed reports whether the copy was selected for flushing
	// independent of its size.
	ShouldBeFlushed() bool
	// EstimatedSize is the estimated number of bytes held in memory by this
	// copy, including the copies merged into it.
	EstimatedSize() int64
	ComputeHash() error
	Flush() error
	Merge() error
	// OnShutdown is called exactly once per family when the pipeline stops.
	OnShutdown(immediately bool)
}

// Status is the life cycle state of a registered copy.
type Status int

const (
	Registered Status = iota
	Hashed
	Flushed
	Merged
	Destroyed
)

func (s Status) String() string {
	switch s {
	case Registered:
		return "registered"
	case Hashed:
		return "hashed"
	case Flushed:
		return "flushed"
	case Merged:
		return "merged"
	case Destroyed:
		return "destroyed"
	}
	return fmt.Sprintf("Status(%d)", int(s))
}

// Options configure a pipeline.
type Options struct {
	Label string
	// FlushThreshold is the estimated size at which copies are flushed. A
	// non-positive value disables size based flushes.
	FlushThreshold             int64
	PreferredFlushQueueSize    int
	FlushThrottleStepSize      time.Duration
	MaximumFlushThrottlePeriod time.Duration
	// FamilyThrottleThreshold is the estimated size of all unflushed
	// immutable copies above which new copies are delayed. A non-positive
	// value disables the family size backpressure.
	FamilyThrottleThreshold int64
	Logger                  zerolog.Logger
}

// OptionsFrom derives pipeline options from the settings of a map family.
func OptionsFrom(label string, s settings.Settings, logger zerolog.Logger) Options {
	return Options{
		Label:                      label,
		FlushThreshold:             s.CopyFlushThreshold,
		PreferredFlushQueueSize:    s.PreferredFlushQueueSize,
		FlushThrottleStepSize:      s.FlushThrottleStepSize,
		MaximumFlushThrottlePeriod: s.MaximumFlushThrottlePeriod,
		FamilyThrottleThreshold:    s.FamilyThrottleThreshold,
		Logger:                     logger,
	}
}

type entry struct {
	copy      Copy
	status    Status
	destroyed bool
	detached  bool
}

// Pipeline is the sole owner of the chain of copies of one family.
type Pipeline struct {
	options Options
	logger  zerolog.Logger
	stats   *stats.Stats

	mutex      sync.Mutex // < protects the fields below
	entries    []*entry   // < oldest first
	terminated bool
	err        error
	lastCopy   Copy

	hashMutex sync.Mutex // < serializes hashing of copies
	workMutex sync.Mutex // < held by the worker while processing copies

	wakeups      chan struct{}
	stop         chan struct{}
	done         chan struct{}
	stopOnce     sync.Once
	shutdownOnce sync.Once
}

// New creates a pipeline and starts its background worker.
func New(options Options) *Pipeline {
	res := &Pipeline{
		options: options,
		logger:  options.Logger.With().Str("map", options.Label).Logger(),
		stats:   stats.For(options.Label),
		wakeups: make(chan struct{}, 1),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	go res.run()
	return res
}

// Register adds a new mutable copy at the end of the chain.
func (p *Pipeline) Register(c Copy) error {
	if c.IsImmutable() {
		return fmt.Errorf("cannot register copy: %w", common.ErrImmutable)
	}
	p.mutex.Lock()
	if p.terminated {
		p.mutex.Unlock()
		return ErrTerminated
	}
	p.entries = append(p.entries, &entry{copy: c})
	p.lastCopy = c
	p.stats.RecordPipelineSize(len(p.entries))
	p.mutex.Unlock()
	p.wake()
	return nil
}

// Destroy marks a copy as no longer used. Its resources are reclaimed once
// it is flushed or merged.
func (p *Pipeline) Destroy(c Copy) error {
	p.mutex.Lock()
	e := p.find(c)
	if e == nil {
		p.mutex.Unlock()
		return ErrUnknownCopy
	}
	if e.destroyed {
		p.mutex.Unlock()
		return ErrDestroyed
	}
	e.destroyed = true
	p.mutex.Unlock()
	p.wake()
	return nil
}

// Detach hashes the given immutable copy and runs detach while the worker is
// paused. Afterwards the copy no longer needs its own cache and data source
// and is treated like a destroyed copy.
func (p *Pipeline) Detach(c Copy, detach func() error) error {
	if err := p.HashCopy(c); err != nil {
		return err
	}
	return p.PauseAndRun(func() error {
		p.mutex.Lock()
		e := p.find(c)
		var err error
		switch {
		case e == nil:
			err = ErrUnknownCopy
		case e.destroyed:
			err = ErrDestroyed
		case e.status == Flushed:
			err = ErrAlreadyFlushed
		case e.status == Merged:
			err = ErrAlreadyMerged
		}
		p.mutex.Unlock()
		if err != nil {
			return fmt.Errorf("cannot detach copy: %w", err)
		}
		if err := detach(); err != nil {
			return err
		}
		p.mutex.Lock()
		e.detached = true
		p.mutex.Unlock()
		return nil
	})
}

// PauseAndRun runs the given function while no flush or merge is in
// progress.
func (p *Pipeline) PauseAndRun(run func() error) error {
	p.workMutex.Lock()
	err := run()
	p.workMutex.Unlock()
	p.wake()
	return err
}

// HashCopy computes the hash of the given copy, after hashing all older
// copies which have not been hashed yet.
func (p *Pipeline) HashCopy(c Copy) error {
	p.mutex.Lock()
	e := p.find(c)
	p.mutex.Unlock()
	if e == nil {
		return ErrUnknownCopy
	}
	return p.hashUpTo(e)
}

// hash computes the hash of a single copy. The hash mutex must be held.
func (p *Pipeline) hash(e *entry) error {
	p.mutex.Lock()
	status := e.status
	p.mutex.Unlock()
	if status != Registered {
		return nil
	}
	if !e.copy.IsImmutable() {
		return fmt.Errorf("cannot hash copy: %w", ErrMutable)
	}
	if err := e.copy.ComputeHash(); err != nil {
		return err
	}
	p.mutex.Lock()
	e.status = Hashed
	p.mutex.Unlock()
	return nil
}

// hashUpTo hashes all copies up to and including the given one, oldest
// first.
func (p *Pipeline) hashUpTo(e *entry) error {
	p.hashMutex.Lock()
	defer p.hashMutex.Unlock()
	for _, cur := range p.snapshot() {
		if err := p.hash(cur); err != nil {
			return err
		}
		if cur == e {
			return nil
		}
	}
	return ErrUnknownCopy
}

// Status returns the life cycle state of the given copy. Copies no longer
// tracked by the pipeline are reported as destroyed.
func (p *Pipeline) Status(c Copy) Status {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	if e := p.find(c); e != nil {
		return e.status
	}
	return Destroyed
}

// Size returns the number of copies tracked by the pipeline.
func (p *Pipeline) Size() int {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	return len(p.entries)
}

// FlushBacklogSize returns the number of immutable copies waiting to be
// flushed.
func (p *Pipeline) FlushBacklogSize() int {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	return p.flushBacklogSize()
}

func (p *Pipeline) flushBacklogSize() int {
	res := 0
	for _, e := range p.entries {
		if e.status != Flushed && e.status != Merged && e.copy.IsImmutable() && p.shouldFlush(e.copy) {
			res++
		}
	}
	return res
}

// FamilySize returns the estimated size of all immutable copies which are
// neither flushed nor merged. Merged copies are accounted for by their
// targets.
func (p *Pipeline) FamilySize() int64 {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	var res int64
	for _, e := range p.entries {
		if e.status != Flushed && e.status != Merged && e.copy.IsImmutable() {
			res += e.copy.EstimatedSize()
		}
	}
	return res
}

// ThrottleDelay returns the time a new copy should be delayed to let the
// flush backlog drain or the family shrink.
func (p *Pipeline) ThrottleDelay() time.Duration {
	return min(max(p.flushBacklogDelay(), p.familySizeDelay()), p.options.MaximumFlushThrottlePeriod)
}

func (p *Pipeline) flushBacklogDelay() time.Duration {
	excess := p.FlushBacklogSize() - p.options.PreferredFlushQueueSize
	if excess <= 0 {
		return 0
	}
	return p.options.FlushThrottleStepSize * time.Duration(excess*excess)
}

// familySizeDelay grows quadratically with the percentage by which the
// family exceeds its threshold, one millisecond for the first percent.
func (p *Pipeline) familySizeDelay() time.Duration {
	threshold := p.options.FamilyThrottleThreshold
	if threshold <= 0 {
		return 0
	}
	ratio := float64(p.FamilySize()) / float64(threshold)
	percent := int64(math.Round((ratio - 1) * 100))
	if percent <= 0 {
		return 0
	}
	return time.Millisecond * time.Duration(percent*percent)
}

// Throttle blocks the caller for the current throttle delay.
func (p *Pipeline) Throttle() {
	delay := p.ThrottleDelay()
	if delay <= 0 {
		return
	}
	p.stats.RecordThrottle(delay)
	p.logger.Debug().Dur("delay", delay).Msg("throttling new copy")
	time.Sleep(delay)
}

// IsTerminated reports whether the pipeline stopped accepting copies.
func (p *Pipeline) IsTerminated() bool {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	return p.terminated
}

// Err returns the error which stopped the worker, if any.
func (p *Pipeline) Err() error {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	return p.err
}

// Terminate stops the pipeline after the current unit of work and shuts
// the family down immediately.
func (p *Pipeline) Terminate() {
	p.mutex.Lock()
	p.terminated = true
	p.mutex.Unlock()
	p.stopOnce.Do(func() { close(p.stop) })
	<-p.done
	p.shutdown(true, nil)
}

// AwaitTermination waits until the worker stopped. It reports false if the
// worker is still running after the given timeout.
func (p *Pipeline) AwaitTermination(timeout time.Duration) bool {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-p.done:
		return true
	case <-timer.C:
		return false
	}
}

func (p *Pipeline) wake() {
	select {
	case p.wakeups <- struct{}{}:
	default:
	}
}

func (p *Pipeline) run() {
	defer close(p.done)
	for {
		select {
		case <-p.stop:
			return
		case <-p.wakeups:
		}
		finished, err := p.process()
		if err != nil {
			p.logger.Error().Err(err).Msg("pipeline failed")
			p.shutdown(true, err)
			return
		}
		if finished {
			p.shutdown(false, nil)
			return
		}
	}
}

func (p *Pipeline) shutdown(immediately bool, err error) {
	p.shutdownOnce.Do(func() {
		p.mutex.Lock()
		p.terminated = true
		p.err = err
		last := p.lastCopy
		p.mutex.Unlock()
		if last != nil {
			last.OnShutdown(immediately)
		}
		p.logger.Debug().Bool("immediately", immediately).Msg("pipeline shut down")
	})
}

// process performs all possible flushes and merges, oldest copy first. It
// reports whether all copies are destroyed and the family can be shut down.
func (p *Pipeline) process() (bool, error) {
	p.workMutex.Lock()
	defer p.workMutex.Unlock()

	entries := p.snapshot()
	// Copies may only be flushed once they are no longer used, and only if
	// all older copies are flushed or merged.
	pending := false
	for i, e := range entries {
		if !e.copy.IsImmutable() {
			break
		}
		p.mutex.Lock()
		status, destroyed, detached := e.status, e.destroyed, e.detached
		p.mutex.Unlock()
		if status == Flushed || status == Merged {
			continue
		}
		if p.shouldFlush(e.copy) {
			if !pending && (destroyed || detached) {
				if err := p.flush(e); err != nil {
					return false, err
				}
				continue
			}
		} else if destroyed || detached {
			if target := p.mergeTarget(entries, i); target != nil {
				if err := p.merge(e, target); err != nil {
					return false, err
				}
				continue
			}
		}
		pending = true
	}
	return p.cleanup(), nil
}

func (p *Pipeline) shouldFlush(c Copy) bool {
	if c.ShouldBeFlushed() {
		return true
	}
	return p.options.FlushThreshold > 0 && c.EstimatedSize() >= p.options.FlushThreshold
}

// mergeTarget returns the copy the copy at the given position merges into,
// or nil if there is no immutable successor yet.
func (p *Pipeline) mergeTarget(entries []*entry, pos int) *entry {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	for _, e := range entries[pos+1:] {
		if e.status == Merged {
			continue
		}
		if !e.copy.IsImmutable() {
			return nil
		}
		return e
	}
	return nil
}

func (p *Pipeline) flush(e *entry) error {
	if err := p.hashUpTo(e); err != nil {
		return err
	}
	p.mutex.Lock()
	status := e.status
	p.mutex.Unlock()
	if err := checkPending(status); err != nil {
		return fmt.Errorf("cannot flush copy: %w", err)
	}
	start := time.Now()
	if err := e.copy.Flush(); err != nil {
		return fmt.Errorf("failed to flush copy: %w", err)
	}
	p.mutex.Lock()
	e.status = Flushed
	p.mutex.Unlock()
	p.logger.Debug().Dur("duration", time.Since(start)).Msg("flushed copy")
	return nil
}

func (p *Pipeline) merge(e, target *entry) error {
	if err := p.hashUpTo(target); err != nil {
		return err
	}
	p.mutex.Lock()
	status := e.status
	p.mutex.Unlock()
	if err := checkPending(status); err != nil {
		return fmt.Errorf("cannot merge copy: %w", err)
	}
	if err := e.copy.Merge(); err != nil {
		return fmt.Errorf("failed to merge copy: %w", err)
	}
	p.mutex.Lock()
	e.status = Merged
	p.mutex.Unlock()
	return nil
}

// checkPending verifies that a copy is hashed and neither flushed nor
// merged.
func checkPending(status Status) error {
	switch status {
	case Registered:
		return ErrNotHashed
	case Flushed:
		return ErrAlreadyFlushed
	case Merged:
		return ErrAlreadyMerged
	case Destroyed:
		return ErrDestroyed
	}
	return nil
}

// cleanup drops destroyed copies which are flushed or merged. It reports
// whether all remaining copies are destroyed.
func (p *Pipeline) cleanup() bool {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	p.entries = slices.DeleteFunc(p.entries, func(e *entry) bool {
		if e.destroyed && (e.status == Flushed || e.status == Merged) {
			e.status = Destroyed
			return true
		}
		return false
	})
	p.stats.RecordPipelineSize(len(p.entries))
	p.stats.RecordFlushBacklog(p.flushBacklogSize())
	for _, e := range p.entries {
		if !e.destroyed {
			return false
		}
	}
	return true
}

func (p *Pipeline) find(c Copy) *entry {
	for _, e := range p.entries {
		if e.copy == c {
			return e
		}
	}
	return nil
}

func (p *Pipeline) snapshot() []*entry {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	return slices.Clone(p.entries)
}
