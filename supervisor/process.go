package supervisor

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapio"
)

// workerProc is a running worker process.
type workerProc struct {
	log    *zap.SugaredLogger
	cmd    *exec.Cmd
	output *zapio.Writer

	exited chan struct{}
	err    error
}

func startWorkerProc(log *zap.SugaredLogger, command []string, env []string) (*workerProc, error) {
	if len(command) == 0 {
		return nil, fmt.Errorf("no worker command configured")
	}
	cmd := exec.Command(command[0], command[1:]...)
	cmd.Env = append(os.Environ(), env...)

	// the worker logs to stderr, forward it into our log
	output := &zapio.Writer{Log: log.Desugar(), Level: zap.DebugLevel}
	cmd.Stdout = output
	cmd.Stderr = output
	// don't wait forever on output pipes held open by processes the worker left behind
	cmd.WaitDelay = time.Second
	setProcAttr(cmd)

	err := cmd.Start()
	if err != nil {
		return nil, fmt.Errorf("starting worker: %w", err)
	}

	p := &workerProc{
		log:    log.With("WorkerPID", cmd.Process.Pid),
		cmd:    cmd,
		output: output,
		exited: make(chan struct{}),
	}
	go func() {
		p.err = p.cmd.Wait()
		p.output.Close()
		p.log.Debugw("worker exited", "ExitCode", p.cmd.ProcessState.ExitCode(), "Error", p.err)
		close(p.exited)
	}()
	return p, nil
}

func (p *workerProc) pid() int { return p.cmd.Process.Pid }

func (p *workerProc) running() bool {
	select {
	case <-p.exited:
		return false
	default:
		return true
	}
}

// waitExit waits for the worker to exit, returning false if ctx is done first.
func (p *workerProc) waitExit(ctx context.Context) bool {
	select {
	case <-p.exited:
		return true
	case <-ctx.Done():
		return false
	}
}

// kill force-kills the worker and everything in its process group, then waits for it to be reaped.
func (p *workerProc) kill() {
	if !p.running() {
		return
	}
	p.log.Debug("killing worker")
	err := killProcessTree(p.cmd)
	if err != nil {
		p.log.Debugf("error killing worker: %s", err)
	}
	<-p.exited
}
