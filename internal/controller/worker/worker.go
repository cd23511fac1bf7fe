// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package worker drains the run queue. Each worker claims one run at a
// time, drives the engine superstep by superstep, and writes the final
// state back under its claim. Liveness flows through heartbeats: a
// worker that dies mid-run stops heartbeating and its run is reclaimed
// by another worker, which resumes from the latest checkpoint.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/wirl-lang/wirld/internal/controller/backend"
	"github.com/wirl-lang/wirld/internal/controller/metrics"
	"github.com/wirl-lang/wirld/internal/controller/templates"
	"github.com/wirl-lang/wirld/internal/log"
	"github.com/wirl-lang/wirld/internal/tracing"
	"github.com/wirl-lang/wirld/pkg/engine"
	"github.com/wirl-lang/wirld/pkg/functions"
)

// Store is the storage surface workers need.
type Store interface {
	backend.RunStore
	backend.RunQueue
	backend.CheckpointStore
}

// Metrics records worker activity. Implementations must be safe for
// concurrent use.
type Metrics interface {
	RunStarted(template string)
	RunFinished(template, status string, duration time.Duration)
}

type nopMetrics struct{}

func (nopMetrics) RunStarted(string)                        {}
func (nopMetrics) RunFinished(string, string, time.Duration) {}

// Config contains worker pool configuration.
type Config struct {
	// Count is the number of concurrent workers. Default: 4.
	Count int

	// StaleTimeout is how long a claim may go without a heartbeat
	// before another worker may reclaim the run. Default: 5m.
	StaleTimeout time.Duration

	// PollInterval is how often an idle worker retries the empty
	// queue. Default: 1s.
	PollInterval time.Duration

	// ClaimRate caps claim attempts per second across the pool,
	// keeping an idle pool from hammering the database. Default: 10.
	ClaimRate rate.Limit

	// HeartbeatInterval is the minimum gap between heartbeats while a
	// run executes. Default: 15s.
	HeartbeatInterval time.Duration

	// MaxRetries caps how many times a failed run may be re-queued
	// before the worker refuses it outright. Default: 5.
	MaxRetries int

	// Resolver resolves call targets for node execution.
	Resolver functions.Resolver

	// Metrics is optional.
	Metrics Metrics

	// Logger for worker events. Default: slog.Default.
	Logger *slog.Logger
}

// Pool runs a fixed set of workers against the queue.
type Pool struct {
	store     Store
	templates *templates.Registry
	resolver  functions.Resolver
	metrics   Metrics
	logger    *slog.Logger

	baseID       string
	count        int
	staleTimeout time.Duration
	pollInterval time.Duration
	heartbeatGap time.Duration
	maxRetries   int
	limiter      *rate.Limiter

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New creates a worker pool. baseID distinguishes this process in
// claimed_by values; each worker appends its index.
func New(store Store, registry *templates.Registry, baseID string, cfg Config) *Pool {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	count := cfg.Count
	if count <= 0 {
		count = 4
	}
	staleTimeout := cfg.StaleTimeout
	if staleTimeout <= 0 {
		staleTimeout = 5 * time.Minute
	}
	pollInterval := cfg.PollInterval
	if pollInterval <= 0 {
		pollInterval = time.Second
	}
	claimRate := cfg.ClaimRate
	if claimRate <= 0 {
		claimRate = 10
	}
	heartbeatGap := cfg.HeartbeatInterval
	if heartbeatGap <= 0 {
		heartbeatGap = 15 * time.Second
	}
	maxRetries := cfg.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 5
	}
	metrics := cfg.Metrics
	if metrics == nil {
		metrics = nopMetrics{}
	}

	return &Pool{
		store:        store,
		templates:    registry,
		resolver:     cfg.Resolver,
		metrics:      metrics,
		logger:       log.WithComponent(logger, "worker"),
		baseID:       baseID,
		count:        count,
		staleTimeout: staleTimeout,
		pollInterval: pollInterval,
		heartbeatGap: heartbeatGap,
		maxRetries:   maxRetries,
		limiter:      rate.NewLimiter(claimRate, 1),
	}
}

// Start launches the workers. It returns immediately.
func (p *Pool) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return
	}
	p.running = true

	ctx, p.cancel = context.WithCancel(ctx)
	for i := 0; i < p.count; i++ {
		workerID := fmt.Sprintf("%s-%d", p.baseID, i)
		p.wg.Add(1)
		go p.loop(ctx, workerID)
	}
	p.logger.Info("worker pool started", "workers", p.count)
}

// Stop cancels the workers and waits for in-flight runs to checkpoint
// and release.
func (p *Pool) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	cancel := p.cancel
	p.mu.Unlock()

	cancel()
	p.wg.Wait()
	p.logger.Info("worker pool stopped")
}

func (p *Pool) loop(ctx context.Context, workerID string) {
	defer p.wg.Done()

	for {
		if err := p.limiter.Wait(ctx); err != nil {
			return
		}

		run, err := p.store.ClaimRun(ctx, workerID, p.staleTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			p.logger.Error("claim failed", log.WorkerKey, workerID, log.Error(err))
			metrics.RecordStoreError("ClaimRun", err)
			if !sleep(ctx, p.pollInterval) {
				return
			}
			continue
		}
		if run == nil {
			if !sleep(ctx, p.pollInterval) {
				return
			}
			continue
		}

		p.execute(ctx, workerID, run)
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}

// execute drives one claimed run to its next resting state.
func (p *Pool) execute(ctx context.Context, workerID string, run *backend.Run) {
	logger := log.WithRunContext(p.logger, run.ID, run.TemplateName).With(log.WorkerKey, workerID)
	logger.Info("run claimed", "retry_count", run.RetryCount)
	p.metrics.RunStarted(run.TemplateName)
	started := time.Now()

	ctx, span := tracing.StartRunSpan(ctx, run.ID, run.TemplateName)

	if run.RetryCount > p.maxRetries {
		err := fmt.Errorf("retry limit exceeded (%d attempts)", run.RetryCount)
		logger.Error("refusing run", log.Error(err))
		p.finish(ctx, workerID, run, backend.StatusFailed, nil, err.Error(), logger)
		p.metrics.RunFinished(run.TemplateName, backend.StatusFailed, time.Since(started))
		tracing.EndRunSpan(span, backend.StatusFailed, err)
		return
	}

	tmpl, err := p.lookupTemplate(run)
	if err != nil {
		logger.Error("template unavailable", log.Error(err))
		p.finish(ctx, workerID, run, backend.StatusFailed, nil, err.Error(), logger)
		p.metrics.RunFinished(run.TemplateName, backend.StatusFailed, time.Since(started))
		tracing.EndRunSpan(span, backend.StatusFailed, err)
		return
	}

	keeper := &claimKeeper{
		store:    p.store,
		runID:    run.ID,
		workerID: workerID,
		interval: p.heartbeatGap,
		logger:   logger,
	}

	eng, err := engine.New(engine.Config{
		Graph:           tmpl.Graph,
		Resolver:        p.resolver,
		Checkpoints:     p.store,
		RunID:           run.ID,
		Logger:          logger,
		CancelRequested: func() bool { return keeper.shouldStop(ctx) },
	})
	if err != nil {
		logger.Error("engine setup failed", log.Error(err))
		p.finish(ctx, workerID, run, backend.StatusFailed, nil, err.Error(), logger)
		p.metrics.RunFinished(run.TemplateName, backend.StatusFailed, time.Since(started))
		tracing.EndRunSpan(span, backend.StatusFailed, err)
		return
	}

	outcome, runErr := p.drive(ctx, eng, run, logger)

	if keeper.lost() {
		logger.Warn("claim lost mid-run, abandoning")
		tracing.EndRunSpan(span, backend.StatusRunning, errors.New("claim lost"))
		return
	}

	// A dying pool context is shutdown, not a user cancel: the engine has
	// already checkpointed, so release the run back to the queue for the
	// next claim instead of recording a terminal status it never earned.
	if runErr != nil && ctx.Err() != nil && !errors.Is(runErr, engine.ErrCancelRequested) {
		logger.Info("shutdown interrupted run, requeueing")
		p.finish(context.WithoutCancel(ctx), workerID, run, backend.StatusQueued, nil, "", logger)
		tracing.EndRunSpan(span, backend.StatusQueued, nil)
		return
	}

	// Terminal writes must land even when shutdown races the last
	// superstep, so they run on a detached context.
	finishCtx := context.WithoutCancel(ctx)

	var status string
	switch {
	case runErr != nil && errors.Is(runErr, engine.ErrCancelRequested):
		status = backend.StatusCanceled
		p.finish(finishCtx, workerID, run, status, nil, "", logger)
	case runErr != nil:
		status = backend.StatusFailed
		p.finish(finishCtx, workerID, run, status, nil, runErr.Error(), logger)
	case outcome.Status == engine.StatusSuspended:
		status = backend.StatusNeedsInput
		run.SuspendedNode = outcome.Suspend.Node
		p.finish(finishCtx, workerID, run, status, nil, "", logger)
	case outcome.Status == engine.StatusCanceled:
		status = backend.StatusCanceled
		p.finish(finishCtx, workerID, run, status, nil, "", logger)
	default:
		status = backend.StatusSucceeded
		p.finish(finishCtx, workerID, run, status, outcome.Result, "", logger)
	}

	duration := time.Since(started)
	logger.Info("run finished", "status", status, "duration", duration.String())
	p.metrics.RunFinished(run.TemplateName, status, duration)
	if status == backend.StatusFailed {
		tracing.EndRunSpan(span, status, runErr)
	} else {
		tracing.EndRunSpan(span, status, nil)
	}
}

// drive starts or resumes the engine depending on the run's history.
func (p *Pool) drive(ctx context.Context, eng *engine.Engine, run *backend.Run, logger *slog.Logger) (*engine.Outcome, error) {
	snap, err := p.store.LatestCheckpoint(ctx, run.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to load checkpoint: %w", err)
	}
	if snap == nil {
		return eng.Run(ctx, run.Inputs)
	}

	payload := run.ResumePayload
	run.ResumePayload = nil
	run.SuspendedNode = ""
	if snap.Suspended != "" {
		logger.Info("resuming suspended run", log.NodeKey, snap.Suspended)
	} else {
		logger.Info("resuming from checkpoint", "superstep", snap.Superstep)
	}
	return eng.Resume(ctx, snap, payload)
}

func (p *Pool) lookupTemplate(run *backend.Run) (*templates.Template, error) {
	if run.WorkflowHash != "" {
		if tmpl, ok := p.templates.GetByHash(run.WorkflowHash); ok {
			return tmpl, nil
		}
	}
	if tmpl, ok := p.templates.Get(run.TemplateName); ok {
		return tmpl, nil
	}
	return nil, fmt.Errorf("workflow %q not found", run.TemplateName)
}

func (p *Pool) finish(ctx context.Context, workerID string, run *backend.Run, status string, result map[string]any, errMsg string, logger *slog.Logger) {
	run.Status = status
	run.Result = result
	run.Error = errMsg
	if status != backend.StatusNeedsInput {
		run.SuspendedNode = ""
	}
	if backend.TerminalStatus(status) || status == backend.StatusNeedsInput {
		run.CancelRequested = false
	}

	if err := p.store.FinishRun(ctx, run, workerID); err != nil {
		var lost *backend.ClaimLostError
		if errors.As(err, &lost) {
			logger.Warn("claim lost at finish, result discarded")
			return
		}
		logger.Error("failed to persist run state", log.Error(err))
		metrics.RecordStoreError("FinishRun", err)
	}
}

// claimKeeper throttles heartbeat and cancel-flag polling to one store
// round trip per interval. The engine calls shouldStop at superstep
// boundaries, between frontier nodes, and before cycle iterations.
type claimKeeper struct {
	store    Store
	runID    string
	workerID string
	interval time.Duration
	logger   *slog.Logger

	mu        sync.Mutex
	lastCheck time.Time
	stop      bool
	claimLost bool
}

func (k *claimKeeper) shouldStop(ctx context.Context) bool {
	k.mu.Lock()
	defer k.mu.Unlock()

	if k.stop {
		return true
	}
	if time.Since(k.lastCheck) < k.interval {
		return false
	}
	k.lastCheck = time.Now()

	if err := k.store.Heartbeat(ctx, k.runID, k.workerID); err != nil {
		var lost *backend.ClaimLostError
		if errors.As(err, &lost) {
			k.claimLost = true
			k.stop = true
			return true
		}
		k.logger.Warn("heartbeat failed", log.Error(err))
		metrics.RecordStoreError("Heartbeat", err)
	}

	run, err := k.store.GetRun(ctx, k.runID)
	if err != nil {
		k.logger.Warn("cancel poll failed", log.Error(err))
		return false
	}
	if run.CancelRequested {
		k.stop = true
		return true
	}
	return false
}

func (k *claimKeeper) lost() bool {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.claimLost
}
