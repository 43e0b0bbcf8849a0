// Vigil - Signal-Driven Detection and Response
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/vigil

package services

import (
	"context"
	"fmt"
)

// Runner is a component with a context-bound background loop.
//
// Satisfied by:
//   - *store.Store (value log GC)
//   - *playbook.Executor (approval timeout sweeper)
//   - *eventbridge.Router (watermill ingestion)
type Runner interface {
	// RunWithContext blocks until ctx is canceled or the loop fails.
	RunWithContext(ctx context.Context) error
}

// RunnerService supervises a Runner.
//
// Example usage:
//
//	svc := services.NewRunnerService("approval-sweeper", executor)
//	tree.AddPipelineService(svc)
type RunnerService struct {
	runner Runner
	name   string
}

// NewRunnerService wraps runner under name.
func NewRunnerService(name string, runner Runner) *RunnerService {
	return &RunnerService{runner: runner, name: name}
}

// Serve implements suture.Service. A loop that returns before the context
// ends is reported as a failure so suture restarts it.
func (s *RunnerService) Serve(ctx context.Context) error {
	err := s.runner.RunWithContext(ctx)
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if err != nil {
		return fmt.Errorf("%s failed: %w", s.name, err)
	}
	return fmt.Errorf("%s exited unexpectedly", s.name)
}

// String implements fmt.Stringer for logging.
func (s *RunnerService) String() string {
	return s.name
}
