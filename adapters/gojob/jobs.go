package gojob

import (
	"context"
	"fmt"
	"time"

	"github.com/goliatone/go-dispatch/core"
)

type CyclePool interface {
	RunOnce(ctx context.Context) (int, error)
	ReapOnce(ctx context.Context) (core.ReapResult, error)
}

type StuckLister interface {
	ListStuck(ctx context.Context, olderThan time.Duration, limit int) ([]core.WebhookReceipt, error)
}

// PumpJob runs one lease and deliver cycle and records how many rows it
// leased in the job state.
func PumpJob(pool CyclePool) JobHandler {
	return func(ctx context.Context, run *core.JobRun, _ map[string]any) error {
		if pool == nil {
			return core.NonRetryable(fmt.Errorf("gojob: worker pool is required"))
		}
		leased, err := pool.RunOnce(ctx)
		if err != nil {
			return err
		}
		state := run.State()
		state["last_leased"] = leased
		state["total_leased"] = intValue(state["total_leased"]) + leased
		return run.Commit(ctx, state)
	}
}

func ReapJob(pool CyclePool) JobHandler {
	return func(ctx context.Context, run *core.JobRun, _ map[string]any) error {
		if pool == nil {
			return core.NonRetryable(fmt.Errorf("gojob: worker pool is required"))
		}
		result, err := pool.ReapOnce(ctx)
		if err != nil {
			return err
		}
		state := run.State()
		state["last_requeued"] = len(result.Requeued)
		state["last_failed"] = len(result.Failed)
		return run.Commit(ctx, state)
	}
}

// StuckReceiptsJob records the ids of receipts still in received status.
// Params "older_than" (duration string) and "limit" override the defaults.
func StuckReceiptsJob(intake StuckLister) JobHandler {
	return func(ctx context.Context, run *core.JobRun, params map[string]any) error {
		if intake == nil {
			return core.NonRetryable(fmt.Errorf("gojob: intake guard is required"))
		}
		var olderThan time.Duration
		if raw, ok := params["older_than"].(string); ok && raw != "" {
			parsed, err := time.ParseDuration(raw)
			if err != nil {
				return core.NonRetryable(fmt.Errorf("gojob: invalid older_than %q: %w", raw, err))
			}
			olderThan = parsed
		}
		receipts, err := intake.ListStuck(ctx, olderThan, intValue(params["limit"]))
		if err != nil {
			return err
		}
		ids := make([]any, 0, len(receipts))
		for _, receipt := range receipts {
			ids = append(ids, receipt.ID)
		}
		state := run.State()
		state["stuck_receipts"] = ids
		return run.Commit(ctx, state)
	}
}

// RegisterDefaults wires the pump, reap and stuck-scan jobs.
func RegisterDefaults(runner *Runner, pool CyclePool, intake StuckLister) error {
	if err := runner.Register(JobIDDispatchPump, PumpJob(pool)); err != nil {
		return err
	}
	if err := runner.Register(JobIDReapLeases, ReapJob(pool)); err != nil {
		return err
	}
	if intake != nil {
		return runner.Register(JobIDStuckReceipts, StuckReceiptsJob(intake))
	}
	return nil
}

// intValue reads counters back from stored state, where integers decode as
// int64 and fractions as float64.
func intValue(value any) int {
	switch typed := value.(type) {
	case int:
		return typed
	case int64:
		return int(typed)
	case float64:
		return int(typed)
	default:
		return 0
	}
}

var (
	_ CyclePool   = (*core.WorkerPool)(nil)
	_ StuckLister = (*core.IntakeGuard)(nil)
)
