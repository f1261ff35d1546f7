package supervisor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/guseggert/nativebridge/census"
	"github.com/guseggert/nativebridge/rpc"
	"github.com/guseggert/nativebridge/status"
	"github.com/guseggert/nativebridge/worker"
	"github.com/shirou/gopsutil/v3/process"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// The test binary doubles as the worker: when these are set, TestMain runs a worker backed by a fake endpoint.
const (
	envFakeMode    = "NATIVEBRIDGE_TEST_FAKE_MODE"
	envFakeSpawned = "NATIVEBRIDGE_TEST_FAKE_SPAWNED"
)

func TestMain(m *testing.M) {
	if mode := os.Getenv(envFakeMode); mode != "" {
		os.Exit(runFakeWorker(mode))
	}
	os.Exit(m.Run())
}

func runFakeWorker(mode string) int {
	if mode == "crash" {
		return 3
	}
	tlsConfig, err := WorkerTLSConfig(os.Getenv(EnvWorkerCACertPEM), os.Getenv(EnvWorkerCertPEM), os.Getenv(EnvWorkerKeyPEM))
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}

	var spawned []census.PID
	if s := os.Getenv(envFakeSpawned); s != "" {
		pid, err := strconv.Atoi(s)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			return 1
		}
		spawned = append(spawned, census.PID(pid))
	}

	err = worker.Run(context.Background(), worker.Options{
		URL:       os.Getenv(EnvWorkerURL),
		TLSConfig: tlsConfig,
		Factory: func(rpc.BindingOptions) (worker.Object, error) {
			return &fakeEndpoint{mode: mode}, nil
		},
		Census: func(string) census.Census {
			return sequenceCensus(census.NewPIDSet(), census.NewPIDSet(spawned...))
		},
		Log: zap.NewNop().Sugar(),
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	return 0
}

type fakeEndpoint struct {
	mode string
}

func (e *fakeEndpoint) Initialize(principal, secret, resource string) (bool, error) {
	switch e.mode {
	case "hang":
		time.Sleep(time.Hour)
	case "reject":
		return false, nil
	}
	return principal == "user" && secret == "pass", nil
}

func (e *fakeEndpoint) Call(op string, args []any) (any, error) {
	switch op {
	case "Echo":
		return args, nil
	case "Fail":
		return nil, errors.New("no such report")
	case "Block":
		time.Sleep(time.Hour)
	}
	return nil, fmt.Errorf("unknown operation %q", op)
}

func (e *fakeEndpoint) Terminate() error { return nil }
func (e *fakeEndpoint) Release()         {}

// sequenceCensus returns each snapshot in turn, then repeats the last one.
func sequenceCensus(snapshots ...census.PIDSet) census.Census {
	var mut sync.Mutex
	i := 0
	return census.Func(func(ctx context.Context) census.PIDSet {
		mut.Lock()
		defer mut.Unlock()
		s := snapshots[i]
		if i < len(snapshots)-1 {
			i++
		}
		return s
	})
}

type reaperRecorder struct {
	mut   sync.Mutex
	calls []census.PIDSet
}

func (r *reaperRecorder) Kill(ctx context.Context, pids census.PIDSet) {
	r.mut.Lock()
	defer r.mut.Unlock()
	r.calls = append(r.calls, pids)
}

func (r *reaperRecorder) killed() []census.PIDSet {
	r.mut.Lock()
	defer r.mut.Unlock()
	return append([]census.PIDSet(nil), r.calls...)
}

type testSupervisor struct {
	*Supervisor
	reaper *reaperRecorder
	marker *status.MemoryMarker
}

func newTestSupervisor(t *testing.T, mode string, opts ...Option) *testSupervisor {
	ts := &testSupervisor{reaper: &reaperRecorder{}, marker: &status.MemoryMarker{}}
	opts = append([]Option{
		WithLogger(zap.NewNop()),
		WithCensus(sequenceCensus(census.NewPIDSet())),
		WithReaper(ts.reaper),
		WithMarker(ts.marker),
		WithInitTimeout(10 * time.Second),
		WithShutdownGrace(2 * time.Second),
		WithWorkerCommand(os.Args[0]),
		WithWorkerEnv(envFakeMode+"="+mode, envFakeSpawned+"=4321"),
	}, opts...)
	s, err := New("1cv7.exe", opts...)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	ts.Supervisor = s
	return ts
}

func creds() ConnectionRequest {
	return ConnectionRequest{Credentials: Credentials{Principal: "user", Secret: "pass"}, Resource: `C:\base`}
}

func assertGone(t *testing.T, pid int) {
	exists, err := process.PidExists(int32(pid))
	require.NoError(t, err)
	assert.False(t, exists, "worker %d still running", pid)
}

func TestConnectAndDisconnect(t *testing.T) {
	ctx := context.Background()
	s := newTestSupervisor(t, "connect")
	require.NoError(t, s.marker.Mark("previous attempt timed out"))

	out, err := s.Connect(ctx, creds())
	require.NoError(t, err)
	require.Equal(t, StateConnected, out.State)
	require.NoError(t, out.Err())
	require.NotNil(t, out.Handle)
	h := out.Handle

	assert.Equal(t, census.NewPIDSet(4321), out.SpawnedPIDs)
	assert.Equal(t, census.NewPIDSet(4321), h.SpawnedPIDs())
	assert.Equal(t, out.WorkerPID, h.WorkerPID())
	assert.False(t, status.Degraded(s.marker), "marker is cleared by a successful connect")

	res, err := h.Invoke(ctx, "Echo", "hello", 42)
	require.NoError(t, err)
	assert.JSONEq(t, `["hello", 42]`, string(res))

	_, err = h.Invoke(ctx, "Fail")
	assert.ErrorIs(t, err, rpc.ErrCallFailed)

	// a failed call leaves the handle usable
	res, err = h.Invoke(ctx, "Echo", "again")
	require.NoError(t, err)
	assert.JSONEq(t, `["again"]`, string(res))

	s.Disconnect(ctx, h)
	assert.Equal(t, StateDisconnected, h.State())
	assert.False(t, h.Degraded())
	assert.Empty(t, s.reaper.killed(), "clean disconnect reaps nothing")
	assert.False(t, status.Degraded(s.marker))
	assertGone(t, h.WorkerPID())

	_, err = h.Invoke(ctx, "Echo")
	assert.ErrorIs(t, err, rpc.ErrChannelClosed)

	// idempotent
	s.Disconnect(ctx, h)
}

func TestConnectRejected(t *testing.T) {
	s := newTestSupervisor(t, "reject", WithWorkerEnv(envFakeSpawned+"=1111"))

	out, err := s.Connect(context.Background(), creds())
	require.NoError(t, err)
	assert.Equal(t, StateRejected, out.State)
	assert.ErrorIs(t, out.Err(), ErrInitializationRejected)
	assert.Nil(t, out.Handle)
	assert.Equal(t, census.NewPIDSet(1111), out.SpawnedPIDs)
	assert.Equal(t, []census.PIDSet{census.NewPIDSet(1111)}, s.reaper.killed())

	d, err := s.marker.Get()
	require.NoError(t, err)
	require.NotNil(t, d)
	assert.Equal(t, ErrInitializationRejected.Error(), d.Reason)
	assertGone(t, out.WorkerPID)
}

func TestConnectWrongCredentials(t *testing.T) {
	s := newTestSupervisor(t, "connect")

	req := creds()
	req.Credentials.Secret = "wrong"
	out, err := s.Connect(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, StateRejected, out.State)
	assert.True(t, status.Degraded(s.marker))
}

func TestConnectTimedOut(t *testing.T) {
	s := newTestSupervisor(t, "hang",
		WithInitTimeout(500*time.Millisecond),
		WithCensus(sequenceCensus(census.NewPIDSet(1, 2), census.NewPIDSet(1, 2, 9999))),
	)

	start := time.Now()
	out, err := s.Connect(context.Background(), creds())
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 5*time.Second)

	assert.Equal(t, StateTimedOut, out.State)
	assert.ErrorIs(t, out.Err(), ErrInitializationTimedOut)
	assert.Nil(t, out.Handle)
	assert.Equal(t, census.NewPIDSet(9999), out.SpawnedPIDs)
	assert.Equal(t, []census.PIDSet{census.NewPIDSet(9999)}, s.reaper.killed())

	d, err := s.marker.Get()
	require.NoError(t, err)
	require.NotNil(t, d)
	assert.Equal(t, ErrInitializationTimedOut.Error(), d.Reason)
	assertGone(t, out.WorkerPID)
}

func TestConnectWorkerCrashed(t *testing.T) {
	s := newTestSupervisor(t, "crash")

	out, err := s.Connect(context.Background(), creds())
	require.NoError(t, err)
	assert.Equal(t, StateWorkerCrashed, out.State)
	assert.ErrorIs(t, out.Err(), ErrWorkerCrashed)
	assert.Nil(t, out.Handle)
	assert.Empty(t, out.SpawnedPIDs)
	assert.True(t, status.Degraded(s.marker))
}

func TestConnectCancelled(t *testing.T) {
	s := newTestSupervisor(t, "hang",
		WithCensus(sequenceCensus(census.NewPIDSet(), census.NewPIDSet(7777))),
	)

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	out, err := s.Connect(ctx, creds())
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Nil(t, out)
	assert.Equal(t, []census.PIDSet{census.NewPIDSet(7777)}, s.reaper.killed())
	assert.False(t, status.Degraded(s.marker), "a cancelled attempt says nothing about the endpoint")

	// already cancelled, nothing is started
	out, err = s.Connect(ctx, creds())
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Nil(t, out)
}

func TestDisconnectRejectsPendingCalls(t *testing.T) {
	ctx := context.Background()
	s := newTestSupervisor(t, "connect", WithShutdownGrace(500*time.Millisecond))

	out, err := s.Connect(ctx, creds())
	require.NoError(t, err)
	require.Equal(t, StateConnected, out.State)
	h := out.Handle

	blocked, err := h.Go(ctx, "Block")
	require.NoError(t, err)
	queued, err := h.Go(ctx, "Echo", "never answered")
	require.NoError(t, err)
	assert.Equal(t, 2, h.Pending())

	s.Disconnect(ctx, h)

	for _, f := range []*rpc.Future{blocked, queued} {
		select {
		case <-f.Done():
		case <-time.After(5 * time.Second):
			t.Fatalf("call %d left hanging", f.ID())
		}
		_, err := f.Wait(ctx)
		assert.ErrorIs(t, err, rpc.ErrChannelClosed)
	}

	// the worker ignored shutdown, so it was killed and its processes reaped
	assert.True(t, h.Degraded())
	assert.Equal(t, []census.PIDSet{census.NewPIDSet(4321)}, s.reaper.killed())
	assert.True(t, status.Degraded(s.marker))
	assertGone(t, h.WorkerPID())
}

func TestLostChannelDegradesHandle(t *testing.T) {
	ctx := context.Background()
	s := newTestSupervisor(t, "connect")

	out, err := s.Connect(ctx, creds())
	require.NoError(t, err)
	require.Equal(t, StateConnected, out.State)
	h := out.Handle

	h.proc.kill()
	require.Eventually(t, h.Degraded, 5*time.Second, 10*time.Millisecond)

	_, err = h.Invoke(ctx, "Echo")
	assert.ErrorIs(t, err, rpc.ErrChannelClosed)

	s.Disconnect(ctx, h)
	assert.Equal(t, []census.PIDSet{census.NewPIDSet(4321)}, s.reaper.killed())
	assert.True(t, status.Degraded(s.marker))
}

func TestConcurrentCalls(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()
	s := newTestSupervisor(t, "connect")

	out, err := s.Connect(ctx, creds())
	require.NoError(t, err)
	require.Equal(t, StateConnected, out.State)
	h := out.Handle
	defer s.Disconnect(ctx, h)

	group, groupCtx := errgroup.WithContext(ctx)
	for i := 0; i < 20; i++ {
		i := i
		group.Go(func() error {
			f, err := h.Go(groupCtx, "Echo", i)
			if err != nil {
				return err
			}
			var echoed []int
			err = f.Decode(groupCtx, &echoed)
			if err != nil {
				return err
			}
			if len(echoed) != 1 || echoed[0] != i {
				return fmt.Errorf("call %d got %v", i, echoed)
			}
			return nil
		})
	}
	require.NoError(t, group.Wait())
	assert.Equal(t, 0, h.Pending())
}

func TestSequentialAttemptsAfterFailure(t *testing.T) {
	ctx := context.Background()
	s := newTestSupervisor(t, "connect")

	req := creds()
	req.Credentials.Secret = "wrong"
	out, err := s.Connect(ctx, req)
	require.NoError(t, err)
	require.Equal(t, StateRejected, out.State)
	require.True(t, status.Degraded(s.marker))

	out, err = s.Connect(ctx, creds())
	require.NoError(t, err)
	require.Equal(t, StateConnected, out.State)
	assert.False(t, status.Degraded(s.marker))
	s.Disconnect(ctx, out.Handle)
}

func TestRun(t *testing.T) {
	ctx := context.Background()
	s := newTestSupervisor(t, "connect")

	var workerPID int
	err := s.Run(ctx, creds(), func(ctx context.Context, h *Handle) error {
		workerPID = h.WorkerPID()
		_, err := h.Invoke(ctx, "Fail")
		return err
	})
	assert.ErrorIs(t, err, rpc.ErrCallFailed)
	assertGone(t, workerPID)
	assert.False(t, status.Degraded(s.marker))

	req := creds()
	req.Credentials.Secret = "wrong"
	called := false
	err = s.Run(ctx, req, func(ctx context.Context, h *Handle) error {
		called = true
		return nil
	})
	assert.ErrorIs(t, err, ErrInitializationRejected)
	assert.EqualError(t, err, `connecting to "1cv7.exe": `+ErrInitializationRejected.Error())
	assert.False(t, called)
}

func TestStateString(t *testing.T) {
	cases := []struct {
		state State
		str   string
	}{
		{StateIdle, "idle"},
		{StateConnected, "connected"},
		{StateTimedOut, "timed out"},
		{StateDisconnected, "disconnected"},
		{State(42), "State(42)"},
	}
	for _, c := range cases {
		t.Run(c.str, func(t *testing.T) {
			assert.Equal(t, c.str, c.state.String())
		})
	}
}
