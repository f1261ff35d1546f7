// Package reaper kills native endpoint processes that were left behind by failed or hung connection attempts.
package reaper

import (
	"context"
	"errors"

	"github.com/guseggert/nativebridge/census"
	"github.com/shirou/gopsutil/v3/process"
	"go.uber.org/zap"
)

// Reaper forcibly terminates a set of processes.
// Kill is best-effort and never fails: it runs on paths that are already failing.
type Reaper interface {
	Kill(ctx context.Context, pids census.PIDSet)
}

// ProcessKiller is a Reaper that sends a kill to each process, independently.
type ProcessKiller struct {
	Log *zap.SugaredLogger
}

func NewProcessKiller(log *zap.SugaredLogger) *ProcessKiller {
	return &ProcessKiller{Log: log.Named("reaper")}
}

func (k *ProcessKiller) Kill(ctx context.Context, pids census.PIDSet) {
	for _, pid := range pids.Slice() {
		err := kill(ctx, pid)
		if errors.Is(err, process.ErrorProcessNotRunning) {
			k.Log.Debugw("orphan already gone", "PID", pid)
			continue
		}
		if err != nil {
			k.Log.Warnw("unable to kill orphan process", "PID", pid, "Error", err)
			continue
		}
		k.Log.Infow("killed orphan process", "PID", pid)
	}
}

func kill(ctx context.Context, pid census.PID) error {
	p, err := process.NewProcessWithContext(ctx, pid)
	if err != nil {
		return err
	}
	return p.KillWithContext(ctx)
}

// Func adapts a function to the Reaper interface.
type Func func(ctx context.Context, pids census.PIDSet)

func (f Func) Kill(ctx context.Context, pids census.PIDSet) { f(ctx, pids) }
