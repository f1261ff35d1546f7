// Package supervisor runs connection attempts against the automation endpoint, one disposable worker process per attempt.
//
// Connect races the worker's init response against a timeout through a single select, so an attempt
// resolves exactly once: Connected, Rejected, TimedOut or WorkerCrashed. Every failed attempt kills the
// endpoint processes it spawned and sets the failure marker; a successful one clears it.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/guseggert/nativebridge/census"
	"github.com/guseggert/nativebridge/reaper"
	"github.com/guseggert/nativebridge/rpc"
	"github.com/guseggert/nativebridge/status"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"nhooyr.io/websocket"
)

// Environment variables through which a worker receives its channel URL and mTLS material.
const (
	EnvWorkerURL       = "NATIVEBRIDGE_WORKER_URL"
	EnvWorkerCACertPEM = "NATIVEBRIDGE_WORKER_CA_CERT_PEM"
	EnvWorkerCertPEM   = "NATIVEBRIDGE_WORKER_CERT_PEM"
	EnvWorkerKeyPEM    = "NATIVEBRIDGE_WORKER_KEY_PEM"
)

var (
	// ErrInitializationRejected means the endpoint refused the credentials or resource. Retrying won't help.
	ErrInitializationRejected = errors.New("initialization rejected")
	// ErrInitializationTimedOut means the worker did not report within the init timeout. The endpoint may just be busy.
	ErrInitializationTimedOut = errors.New("initialization timed out")
	// ErrWorkerCrashed means the worker went away before reporting.
	ErrWorkerCrashed = errors.New("worker exited before initialization")
)

type State int

const (
	StateIdle State = iota
	StateConnecting
	StateConnected
	StateRejected
	StateTimedOut
	StateWorkerCrashed
	StateDisconnected
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateRejected:
		return "rejected"
	case StateTimedOut:
		return "timed out"
	case StateWorkerCrashed:
		return "worker crashed"
	case StateDisconnected:
		return "disconnected"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

type Credentials struct {
	Principal string
	Secret    string
}

type ConnectionRequest struct {
	Credentials Credentials
	// Resource locates the endpoint's database, e.g. a directory path.
	Resource string
}

// Outcome is the result of one connection attempt.
type Outcome struct {
	State State
	// Handle is set only when State is StateConnected.
	Handle *Handle
	// SpawnedPIDs are the endpoint processes that appeared during the attempt. Always set, even on failure.
	SpawnedPIDs census.PIDSet
	WorkerPID   int
}

// Err returns the sentinel error for a failed outcome, or nil if connected.
func (o *Outcome) Err() error {
	switch o.State {
	case StateConnected:
		return nil
	case StateRejected:
		return ErrInitializationRejected
	case StateTimedOut:
		return ErrInitializationTimedOut
	case StateWorkerCrashed:
		return ErrWorkerCrashed
	}
	return fmt.Errorf("unexpected outcome state %s", o.State)
}

type Supervisor struct {
	log *zap.SugaredLogger

	imageName     string
	binding       rpc.BindingOptions
	census        census.Census
	reaper        reaper.Reaper
	marker        status.Marker
	initTimeout   time.Duration
	shutdownGrace time.Duration
	workerCommand []string
	workerEnv     []string

	certs    *Certs
	listener *listener

	// attemptMut serializes attempts, so concurrent attempts never attribute each other's processes.
	attemptMut sync.Mutex
}

type Option func(s *Supervisor)

func WithLogger(l *zap.Logger) Option {
	return func(s *Supervisor) {
		s.log = l.Named("supervisor").Sugar()
	}
}

func WithLogLevel(l zapcore.Level) Option {
	return func(s *Supervisor) {
		s.log = s.log.WithOptions(zap.IncreaseLevel(l))
	}
}

func WithCensus(c census.Census) Option {
	return func(s *Supervisor) {
		s.census = c
	}
}

func WithReaper(r reaper.Reaper) Option {
	return func(s *Supervisor) {
		s.reaper = r
	}
}

// WithMarker sets the failure marker store. Defaults to a file at status.DefaultPath().
func WithMarker(m status.Marker) Option {
	return func(s *Supervisor) {
		s.marker = m
	}
}

// WithBinding sets how the worker creates and initializes the native object.
func WithBinding(b rpc.BindingOptions) Option {
	return func(s *Supervisor) {
		s.binding = b
	}
}

func WithInitTimeout(d time.Duration) Option {
	return func(s *Supervisor) {
		s.initTimeout = d
	}
}

// WithShutdownGrace sets how long Disconnect waits for the worker to exit on its own before killing it.
func WithShutdownGrace(d time.Duration) Option {
	return func(s *Supervisor) {
		s.shutdownGrace = d
	}
}

// WithWorkerCommand sets the command that starts a worker. Defaults to this executable with the "worker" subcommand.
func WithWorkerCommand(cmd ...string) Option {
	return func(s *Supervisor) {
		s.workerCommand = cmd
	}
}

// WithWorkerEnv adds environment variables ("KEY=value") to every worker.
func WithWorkerEnv(env ...string) Option {
	return func(s *Supervisor) {
		s.workerEnv = append(s.workerEnv, env...)
	}
}

// New builds a supervisor for the endpoint whose processes run as imageName, and starts its channel listener.
func New(imageName string, opts ...Option) (*Supervisor, error) {
	logger, err := zap.NewProduction()
	if err != nil {
		return nil, fmt.Errorf("building logger: %w", err)
	}
	s := &Supervisor{
		log:           logger.Named("supervisor").Sugar(),
		imageName:     imageName,
		binding: rpc.BindingOptions{
			ProgID:          "V77.Application",
			Mode:            "RMTrade",
			Flags:           "NO_SPLASH_SHOW",
			TerminateMethod: "ЗавершитьРаботуСистемы",
			TerminateArgs:   []any{1},
		},
		initTimeout:   30 * time.Second,
		shutdownGrace: 5 * time.Second,
	}
	for _, o := range opts {
		o(s)
	}

	if s.census == nil {
		s.census = census.NewProcessTable(imageName, s.log)
	}
	if s.reaper == nil {
		s.reaper = reaper.NewProcessKiller(s.log)
	}
	if s.marker == nil {
		s.marker = status.NewFileMarker(status.DefaultPath())
	}
	if s.workerCommand == nil {
		exe, err := os.Executable()
		if err != nil {
			return nil, fmt.Errorf("finding own executable: %w", err)
		}
		s.workerCommand = []string{exe, "worker"}
	}

	certs, err := GenerateCerts()
	if err != nil {
		return nil, fmt.Errorf("generating channel certs: %w", err)
	}
	s.certs = certs
	tlsConfig, err := certs.ListenerTLSConfig()
	if err != nil {
		return nil, fmt.Errorf("building channel TLS config: %w", err)
	}
	s.listener, err = startListener(s.log, tlsConfig)
	if err != nil {
		return nil, fmt.Errorf("starting channel listener: %w", err)
	}
	return s, nil
}

// Marker returns the failure marker store the supervisor writes to.
func (s *Supervisor) Marker() status.Marker { return s.marker }

// Close stops the channel listener. Handles must be disconnected first.
func (s *Supervisor) Close() error {
	return s.listener.close()
}

type handshakeResult struct {
	conn *websocket.Conn
	init *rpc.InitResult
	err  error
}

// Connect runs one connection attempt.
// Failed attempts are reported as an Outcome, not an error; the error is only for attempts that could not be made at all,
// or that were abandoned because ctx was done.
func (s *Supervisor) Connect(ctx context.Context, req ConnectionRequest) (*Outcome, error) {
	s.attemptMut.Lock()
	defer s.attemptMut.Unlock()

	log := s.log.With("Resource", req.Resource)
	// cleanup must still run if ctx is what ended the attempt
	cleanupCtx := context.WithoutCancel(ctx)

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	// snapshots ignore ctx: a truncated before snapshot would attribute pre-existing processes to this attempt
	before := s.census.Snapshot(cleanupCtx)

	token := uuid.NewString()
	sess := s.listener.expect(token)
	proc, err := startWorkerProc(log.Named("worker"), s.workerCommand, s.workerEnvFor(token))
	if err != nil {
		s.listener.forget(token)
		return nil, err
	}
	log = log.With("WorkerPID", proc.pid())
	log.Debug("started worker")

	hsCtx, hsCancel := context.WithCancel(context.Background())
	defer hsCancel()
	hsCh := make(chan handshakeResult, 1)
	go func() {
		hsCh <- s.handshake(hsCtx, sess, req)
	}()

	// abandonHandshake stops the handshake goroutine and releases whatever it got hold of.
	abandonHandshake := func() {
		hsCancel()
		res := <-hsCh
		if res.conn != nil {
			res.conn.Close(websocket.StatusGoingAway, "")
		}
		sess.end()
		s.listener.forget(token)
		// the worker may have dialed in after the handshake gave up waiting
		if conn := sess.pendingConn(); conn != nil {
			conn.Close(websocket.StatusGoingAway, "")
		}
	}

	timer := time.NewTimer(s.initTimeout)
	defer timer.Stop()

	// This select is the only place an attempt is resolved.
	select {
	case res := <-hsCh:
		if res.err != nil {
			log.Debugf("handshake failed: %s", res.err)
			proc.kill()
			if res.conn != nil {
				res.conn.Close(websocket.StatusGoingAway, "")
			}
			sess.end()
			s.listener.forget(token)
			return s.failFromCensus(cleanupCtx, log, StateWorkerCrashed, before, proc), nil
		}
		spawned := census.NewPIDSet(res.init.SpawnedPIDs...)
		if !res.init.Connected {
			log.Infow("endpoint rejected initialization", "SpawnedPIDs", spawned.Slice())
			s.reaper.Kill(cleanupCtx, spawned)
			s.markDegraded(log, ErrInitializationRejected)
			s.stopRejectedWorker(cleanupCtx, log, proc, res.conn)
			sess.end()
			return &Outcome{State: StateRejected, SpawnedPIDs: spawned, WorkerPID: proc.pid()}, nil
		}
		h := newHandle(s, log, proc, sess, res.conn, spawned)
		s.clearDegraded(log)
		log.Infow("connected", "SpawnedPIDs", spawned.Slice())
		return &Outcome{State: StateConnected, Handle: h, SpawnedPIDs: spawned, WorkerPID: proc.pid()}, nil

	case <-proc.exited:
		log.Infow("worker exited before initialization", "Error", proc.err)
		abandonHandshake()
		return s.failFromCensus(cleanupCtx, log, StateWorkerCrashed, before, proc), nil

	case <-timer.C:
		log.Infow("initialization timed out", "Timeout", s.initTimeout)
		proc.kill()
		abandonHandshake()
		return s.failFromCensus(cleanupCtx, log, StateTimedOut, before, proc), nil

	case <-ctx.Done():
		log.Infow("connection attempt cancelled", "Error", ctx.Err())
		proc.kill()
		abandonHandshake()
		spawned := census.Diff(before, s.census.Snapshot(cleanupCtx))
		s.reaper.Kill(cleanupCtx, spawned)
		return nil, ctx.Err()
	}
}

// handshake waits for the worker to dial in and exchanges the init messages.
func (s *Supervisor) handshake(ctx context.Context, sess *session, req ConnectionRequest) handshakeResult {
	conn := sess.acceptedConn(ctx.Done())
	if conn == nil {
		return handshakeResult{err: errors.New("worker never connected")}
	}
	init, err := rpc.Handshake(ctx, conn, rpc.InitRequest{
		Principal: req.Credentials.Principal,
		Secret:    req.Credentials.Secret,
		Resource:  req.Resource,
		ImageName: s.imageName,
		Binding:   s.binding,
	})
	return handshakeResult{conn: conn, init: init, err: err}
}

// failFromCensus resolves an attempt the worker never reported on. The worker must already be dead.
// The spawned set is computed from the supervisor's own snapshots.
func (s *Supervisor) failFromCensus(ctx context.Context, log *zap.SugaredLogger, state State, before census.PIDSet, proc *workerProc) *Outcome {
	spawned := census.Diff(before, s.census.Snapshot(ctx))
	o := &Outcome{State: state, SpawnedPIDs: spawned, WorkerPID: proc.pid()}
	log.Infow("cleaning up failed attempt", "State", state, "SpawnedPIDs", spawned.Slice())
	s.reaper.Kill(ctx, spawned)
	s.markDegraded(log, o.Err())
	return o
}

// stopRejectedWorker asks a worker that reported a rejection to exit, and kills it if it doesn't.
func (s *Supervisor) stopRejectedWorker(ctx context.Context, log *zap.SugaredLogger, proc *workerProc, conn *websocket.Conn) {
	ctx, cancel := context.WithTimeout(ctx, s.shutdownGrace)
	defer cancel()
	err := rpc.SendShutdown(ctx, conn)
	if err != nil {
		log.Debugf("error sending shutdown to rejected worker: %s", err)
	} else {
		// reading the worker's close frame completes its close handshake
		conn.Read(ctx)
	}
	if !proc.waitExit(ctx) {
		log.Debug("rejected worker did not exit in time")
		proc.kill()
	}
	conn.Close(websocket.StatusNormalClosure, "")
}

func (s *Supervisor) markDegraded(log *zap.SugaredLogger, reason error) {
	err := s.marker.Mark(reason.Error())
	if err != nil {
		log.Warnw("unable to set failure marker", "Error", err)
	}
}

func (s *Supervisor) clearDegraded(log *zap.SugaredLogger) {
	err := s.marker.Clear()
	if err != nil {
		log.Warnw("unable to clear failure marker", "Error", err)
	}
}

func (s *Supervisor) workerEnvFor(token string) []string {
	env := append([]string{EnvWorkerURL + "=" + s.listener.url(token)}, s.certs.WorkerEnv()...)
	return append(env, s.workerEnv...)
}
