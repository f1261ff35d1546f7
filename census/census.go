// Package census enumerates the OS processes that belong to the automation endpoint.
//
// A connection attempt takes one snapshot before it starts and one after it finishes.
// The difference between the two is the set of native processes the attempt spawned
// as a side effect, which is what gets killed if the attempt fails.
package census

import (
	"context"
	"sort"
	"strings"

	"github.com/shirou/gopsutil/v3/process"
	"go.uber.org/zap"
)

type PID = int32

// PIDSet is a set of process IDs.
type PIDSet map[PID]struct{}

func NewPIDSet(pids ...PID) PIDSet {
	s := PIDSet{}
	for _, p := range pids {
		s[p] = struct{}{}
	}
	return s
}

func (s PIDSet) Contains(pid PID) bool {
	_, ok := s[pid]
	return ok
}

func (s PIDSet) Len() int { return len(s) }

// Slice returns the PIDs in ascending order.
func (s PIDSet) Slice() []PID {
	pids := make([]PID, 0, len(s))
	for p := range s {
		pids = append(pids, p)
	}
	sort.Slice(pids, func(i, j int) bool { return pids[i] < pids[j] })
	return pids
}

// Diff returns the PIDs in after that are not in before.
// A process that was running before the attempt started is never attributed to it.
func Diff(before, after PIDSet) PIDSet {
	spawned := PIDSet{}
	for p := range after {
		if !before.Contains(p) {
			spawned[p] = struct{}{}
		}
	}
	return spawned
}

// Census takes snapshots of the running endpoint processes.
// Snapshot never fails: if the process table can't be read, it returns an empty set.
type Census interface {
	Snapshot(ctx context.Context) PIDSet
}

// ProcessTable is a Census backed by the host's process table.
type ProcessTable struct {
	// ImageName is the executable name of the endpoint, e.g. "1cv7.exe". Matching is case-insensitive.
	ImageName string
	Log       *zap.SugaredLogger

	// list defaults to process.ProcessesWithContext.
	list func(ctx context.Context) ([]*process.Process, error)
}

func NewProcessTable(imageName string, log *zap.SugaredLogger) *ProcessTable {
	return &ProcessTable{ImageName: imageName, Log: log.Named("census")}
}

func (t *ProcessTable) Snapshot(ctx context.Context) PIDSet {
	pids := PIDSet{}
	list := t.list
	if list == nil {
		list = process.ProcessesWithContext
	}
	procs, err := list(ctx)
	if err != nil {
		t.Log.Warnw("unable to list processes, returning empty snapshot", "ImageName", t.ImageName, "Error", err)
		return pids
	}
	for _, p := range procs {
		name, err := p.NameWithContext(ctx)
		if err != nil {
			// the process probably exited while we were walking the table
			continue
		}
		if strings.EqualFold(name, t.ImageName) {
			pids[p.Pid] = struct{}{}
		}
	}
	t.Log.Debugw("took snapshot", "ImageName", t.ImageName, "PIDs", pids.Slice())
	return pids
}

// Func adapts a function to the Census interface.
type Func func(ctx context.Context) PIDSet

func (f Func) Snapshot(ctx context.Context) PIDSet { return f(ctx) }
