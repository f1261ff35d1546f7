package supervisor

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"

	"github.com/guseggert/nativebridge/census"
	"github.com/guseggert/nativebridge/rpc"
	"go.uber.org/zap"
	"nhooyr.io/websocket"
)

// Handle is a live connection to the endpoint, owned by the caller that got it from Connect.
// It is released only through Supervisor.Disconnect.
type Handle struct {
	s       *Supervisor
	log     *zap.SugaredLogger
	proc    *workerProc
	sess    *session
	client  *rpc.Client
	spawned census.PIDSet

	mut      sync.Mutex
	state    State
	degraded bool
	reason   string

	disconnecting  atomic.Bool
	disconnectOnce sync.Once
}

func newHandle(s *Supervisor, log *zap.SugaredLogger, proc *workerProc, sess *session, conn *websocket.Conn, spawned census.PIDSet) *Handle {
	h := &Handle{
		s:       s,
		log:     log.Named("handle"),
		proc:    proc,
		sess:    sess,
		spawned: spawned,
		state:   StateConnected,
	}
	h.client = rpc.NewClient(conn, log,
		rpc.WithOnLost(h.onLost),
		rpc.WithOnAbandon(func(id uint64, op string) {
			h.log.Debugw("caller stopped waiting for call", "ID", id, "Operation", op)
		}),
	)
	return h
}

// SpawnedPIDs returns the endpoint processes that appeared while this connection was being made.
func (h *Handle) SpawnedPIDs() census.PIDSet {
	return census.NewPIDSet(h.spawned.Slice()...)
}

func (h *Handle) WorkerPID() int { return h.proc.pid() }

func (h *Handle) State() State {
	h.mut.Lock()
	defer h.mut.Unlock()
	return h.state
}

// Degraded reports whether the connection is no longer trusted to shut down cleanly.
// A degraded handle has its spawned processes reaped on disconnect.
func (h *Handle) Degraded() bool {
	h.mut.Lock()
	defer h.mut.Unlock()
	return h.degraded
}

// MarkDegraded flags the connection as degraded, e.g. when the caller saw the endpoint misbehave.
func (h *Handle) MarkDegraded(reason string) {
	h.mut.Lock()
	defer h.mut.Unlock()
	if h.degraded {
		return
	}
	h.degraded = true
	h.reason = reason
	h.log.Infow("connection degraded", "Reason", reason)
}

// Go sends a call to the endpoint without waiting for its result.
func (h *Handle) Go(ctx context.Context, op string, args ...any) (*rpc.Future, error) {
	return h.client.Go(ctx, op, args...)
}

// Invoke calls an operation on the endpoint and waits for its result.
// A failed call returns an error wrapping rpc.ErrCallFailed and leaves the handle usable.
func (h *Handle) Invoke(ctx context.Context, op string, args ...any) (json.RawMessage, error) {
	return h.client.Invoke(ctx, op, args...)
}

// Pending returns the number of calls still waiting for a result.
func (h *Handle) Pending() int { return h.client.Pending() }

func (h *Handle) onLost(err error) {
	if h.disconnecting.Load() {
		return
	}
	h.MarkDegraded("channel lost: " + err.Error())
}

// Disconnect shuts the worker down and discards the handle. It is safe to call more than once.
//
// The worker gets a shutdown request and the shutdown grace period to exit on its own. If it doesn't, it is
// killed and the handle is degraded. Pending calls are rejected with rpc.ErrChannelClosed. A degraded handle has its
// spawned processes reaped and sets the failure marker; otherwise the marker is cleared.
func (s *Supervisor) Disconnect(ctx context.Context, h *Handle) {
	h.disconnectOnce.Do(func() {
		s.disconnect(ctx, h)
	})
}

func (s *Supervisor) disconnect(ctx context.Context, h *Handle) {
	log := h.log
	h.disconnecting.Store(true)
	cleanupCtx := context.WithoutCancel(ctx)

	graceCtx, cancel := context.WithTimeout(ctx, s.shutdownGrace)
	defer cancel()

	err := h.client.SendShutdown(graceCtx)
	if err != nil {
		log.Debugf("unable to send shutdown: %s", err)
	}
	if !h.proc.waitExit(graceCtx) {
		log.Infow("worker did not exit after shutdown, killing it", "Grace", s.shutdownGrace)
		h.proc.kill()
		h.MarkDegraded("worker killed at disconnect")
	}

	err = h.client.Close()
	if err != nil {
		log.Debugf("error closing channel: %s", err)
	}
	h.sess.end()

	h.mut.Lock()
	h.state = StateDisconnected
	degraded, reason := h.degraded, h.reason
	h.mut.Unlock()

	if degraded {
		log.Infow("reaping processes of degraded connection", "SpawnedPIDs", h.spawned.Slice())
		s.reaper.Kill(cleanupCtx, h.spawned)
		err = s.marker.Mark(reason)
		if err != nil {
			log.Warnw("unable to set failure marker", "Error", err)
		}
	} else {
		s.clearDegraded(log)
	}
	log.Debug("disconnected")
}
