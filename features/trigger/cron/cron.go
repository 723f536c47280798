// Package cron starts workflow executions on fixed schedules. Each entry
// pairs a cron spec with a workflow ID and input; the trigger fires the
// start through the engine and logs the outcome, so a failed start never
// stops the schedule.
package cron

import (
	"context"
	"errors"
	"fmt"
	"time"

	cronv3 "github.com/robfig/cron/v3"

	"agentflow.dev/agentflow/runtime/workflow/telemetry"
)

// DefaultStartTimeout bounds each scheduled StartExecution call when
// Options.StartTimeout is zero.
const DefaultStartTimeout = 30 * time.Second

type (
	// Starter launches workflow executions. *engine.Engine satisfies it.
	Starter interface {
		StartExecution(ctx context.Context, workflowID, input string) (string, error)
	}

	// Entry is one scheduled start. Spec accepts the standard five-field
	// cron syntax plus descriptors such as "@hourly" and "@every 10m".
	Entry struct {
		WorkflowID string `json:"workflowId" yaml:"workflowId"`
		Spec       string `json:"spec" yaml:"spec"`
		Input      string `json:"input,omitempty" yaml:"input,omitempty"`
	}

	// Options configures a Trigger.
	Options struct {
		// Starter receives the scheduled starts. Required.
		Starter Starter
		// Entries are validated and registered at construction.
		Entries []Entry
		// StartTimeout bounds each scheduled start. Zero means
		// DefaultStartTimeout.
		StartTimeout time.Duration
		// Location sets the scheduler's time zone. Nil means local time.
		Location *time.Location

		Logger telemetry.Logger
	}

	// Trigger owns a cron scheduler whose jobs start workflow executions.
	Trigger struct {
		cron    *cronv3.Cron
		starter Starter
		timeout time.Duration
		log     telemetry.Logger
	}
)

// New validates the entries, registers them, and returns a stopped Trigger.
// Call Start to begin scheduling.
func New(opts Options) (*Trigger, error) {
	if opts.Starter == nil {
		return nil, errors.New("starter is required")
	}
	timeout := opts.StartTimeout
	if timeout <= 0 {
		timeout = DefaultStartTimeout
	}
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}

	var cronOpts []cronv3.Option
	if opts.Location != nil {
		cronOpts = append(cronOpts, cronv3.WithLocation(opts.Location))
	}
	t := &Trigger{
		cron:    cronv3.New(cronOpts...),
		starter: opts.Starter,
		timeout: timeout,
		log:     logger,
	}
	for i, entry := range opts.Entries {
		if entry.WorkflowID == "" {
			return nil, fmt.Errorf("cron entry %d: workflow id is required", i)
		}
		if _, err := t.cron.AddFunc(entry.Spec, t.job(entry)); err != nil {
			return nil, fmt.Errorf("cron entry %d (workflow %s): %w", i, entry.WorkflowID, err)
		}
	}
	return t, nil
}

// Start launches the scheduler. Jobs run on their own goroutines.
func (t *Trigger) Start() {
	t.cron.Start()
}

// Stop halts scheduling and waits for in-flight jobs, bounded by ctx.
func (t *Trigger) Stop(ctx context.Context) error {
	done := t.cron.Stop()
	select {
	case <-done.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Entries reports how many schedules are registered.
func (t *Trigger) Entries() int {
	return len(t.cron.Entries())
}

func (t *Trigger) job(entry Entry) func() {
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), t.timeout)
		defer cancel()
		executionID, err := t.starter.StartExecution(ctx, entry.WorkflowID, entry.Input)
		if err != nil {
			t.log.Error(ctx, "scheduled start failed",
				"workflowId", entry.WorkflowID, "spec", entry.Spec, "err", err)
			return
		}
		t.log.Info(ctx, "scheduled execution started",
			"workflowId", entry.WorkflowID, "executionId", executionID)
	}
}
