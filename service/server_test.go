package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	internalnet "github.com/guseggert/nativebridge/internal/net"
	"github.com/guseggert/nativebridge/rpc"
	"github.com/guseggert/nativebridge/status"
	"github.com/guseggert/nativebridge/supervisor"
	"github.com/hashicorp/go-retryablehttp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeCaller struct {
	mut     sync.Mutex
	batches []string
	batchOK any
}

func (c *fakeCaller) Invoke(ctx context.Context, op string, args ...any) (json.RawMessage, error) {
	switch op {
	case "Echo":
		return json.Marshal(args)
	case "Fail":
		return nil, &rpc.CallError{ID: 1, Operation: op, Message: "no such report"}
	case "ExecuteBatch":
		c.mut.Lock()
		c.batches = append(c.batches, args[0].(string))
		c.mut.Unlock()
		return json.Marshal(c.batchOK)
	}
	return nil, fmt.Errorf("unknown operation %q", op)
}

type fakeBridge struct {
	caller *fakeCaller
	err    error

	mut  sync.Mutex
	reqs []supervisor.ConnectionRequest
}

func (b *fakeBridge) Run(ctx context.Context, req supervisor.ConnectionRequest, f func(ctx context.Context, c Caller) error) error {
	b.mut.Lock()
	b.reqs = append(b.reqs, req)
	b.mut.Unlock()
	if b.err != nil {
		return b.err
	}
	return f(ctx, b.caller)
}

func (b *fakeBridge) runs() int {
	b.mut.Lock()
	defer b.mut.Unlock()
	return len(b.reqs)
}

type testService struct {
	bridge *fakeBridge
	marker *status.MemoryMarker
	client *Client
}

func newTestService(t *testing.T) *testService {
	ts := &testService{
		bridge: &fakeBridge{caller: &fakeCaller{batchOK: true}},
		marker: &status.MemoryMarker{},
	}
	req := supervisor.ConnectionRequest{
		Credentials: supervisor.Credentials{Principal: "user", Secret: "pass"},
		Resource:    `C:\base`,
	}
	srv, err := NewServer(ts.bridge, ts.marker, req,
		WithLogger(zap.NewNop()),
		WithReport(`C:\out`, `C:\forms\report.ert`),
	)
	require.NoError(t, err)
	httpServer := httptest.NewServer(srv.Handler())
	t.Cleanup(httpServer.Close)
	ts.client = NewClient(zap.NewNop().Sugar(), httpServer.URL)
	return ts
}

func requireStatus(t *testing.T, err error, code int) {
	t.Helper()
	var statusErr *StatusError
	require.True(t, errors.As(err, &statusErr), "expected a status error, got %v", err)
	assert.Equal(t, code, statusErr.Code)
}

func TestInvoke(t *testing.T) {
	ctx := context.Background()
	ts := newTestService(t)

	res, err := ts.client.Invoke(ctx, "Echo", false, "report", 7)
	require.NoError(t, err)
	assert.JSONEq(t, `["report", 7]`, string(res))
	require.Len(t, ts.bridge.reqs, 1)
	assert.Equal(t, `C:\base`, ts.bridge.reqs[0].Resource)
	assert.Equal(t, "user", ts.bridge.reqs[0].Credentials.Principal)

	_, err = ts.client.Invoke(ctx, "Fail", false)
	requireStatus(t, err, http.StatusUnprocessableEntity)
	assert.Contains(t, err.Error(), "no such report")

	_, err = ts.client.Invoke(ctx, "", false)
	requireStatus(t, err, http.StatusBadRequest)
	assert.Equal(t, 2, ts.bridge.runs())
}

func TestInvokeFailedAttempts(t *testing.T) {
	cases := []struct {
		name string
		err  error
		code int
	}{
		{name: "rejected", err: fmt.Errorf("connecting: %w", supervisor.ErrInitializationRejected), code: http.StatusBadGateway},
		{name: "timed out", err: fmt.Errorf("connecting: %w", supervisor.ErrInitializationTimedOut), code: http.StatusGatewayTimeout},
		{name: "worker crashed", err: fmt.Errorf("connecting: %w", supervisor.ErrWorkerCrashed), code: http.StatusBadGateway},
		{name: "channel closed", err: rpc.ErrChannelClosed, code: http.StatusBadGateway},
		{name: "other", err: errors.New("no worker command configured"), code: http.StatusInternalServerError},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			ts := newTestService(t)
			ts.bridge.err = c.err
			_, err := ts.client.Invoke(context.Background(), "Echo", false)
			requireStatus(t, err, c.code)
			assert.Equal(t, 1, ts.bridge.runs(), "error statuses are not retried")
		})
	}
}

func TestDegradedShortCircuit(t *testing.T) {
	ctx := context.Background()
	ts := newTestService(t)

	st, err := ts.client.Status(ctx)
	require.NoError(t, err)
	assert.False(t, st.Degraded)

	require.NoError(t, ts.marker.Mark("initialization timed out"))
	st, err = ts.client.Status(ctx)
	require.NoError(t, err)
	assert.True(t, st.Degraded)
	assert.Equal(t, "initialization timed out", st.Reason)
	require.NotNil(t, st.Since)
	assert.WithinDuration(t, time.Now(), *st.Since, time.Minute)

	_, err = ts.client.Invoke(ctx, "Echo", false)
	requireStatus(t, err, http.StatusServiceUnavailable)
	assert.Contains(t, err.Error(), "service degraded: initialization timed out")
	err = ts.client.RetrieveXML(ctx, false)
	requireStatus(t, err, http.StatusServiceUnavailable)
	assert.Equal(t, 0, ts.bridge.runs())

	_, err = ts.client.Invoke(ctx, "Echo", true)
	require.NoError(t, err)
	assert.Equal(t, 1, ts.bridge.runs())

	require.NoError(t, ts.client.ClearStatus(ctx))
	assert.False(t, status.Degraded(ts.marker))
	_, err = ts.client.Invoke(ctx, "Echo", false)
	require.NoError(t, err)
}

func TestRetrieveXML(t *testing.T) {
	ctx := context.Background()
	ts := newTestService(t)

	require.NoError(t, ts.client.RetrieveXML(ctx, false))
	assert.Equal(t, []string{`ОткрытьФорму("Отчет", "C:\out", "C:\forms\report.ert")`}, ts.bridge.caller.batches)

	ts.bridge.caller.batchOK = 1
	require.NoError(t, ts.client.RetrieveXML(ctx, false))

	ts.bridge.caller.batchOK = false
	err := ts.client.RetrieveXML(ctx, false)
	requireStatus(t, err, http.StatusUnprocessableEntity)
	assert.Contains(t, err.Error(), ErrReportFailed.Error())
}

func TestOpenReportFormQuoting(t *testing.T) {
	c := &fakeCaller{batchOK: true}
	require.NoError(t, OpenReportForm(context.Background(), c, `C:\"odd" dir`, "m.ert"))
	assert.Equal(t, []string{`ОткрытьФорму("Отчет", "C:\""odd"" dir", "m.ert")`}, c.batches)

	assert.ErrorContains(t, OpenReportForm(context.Background(), c, "", "m.ert"), "no report save path")
	assert.ErrorContains(t, OpenReportForm(context.Background(), c, "out", ""), "no report module")
}

func TestRunAndStop(t *testing.T) {
	port, err := internalnet.GetEphemeralTCPPort()
	require.NoError(t, err)
	addr := fmt.Sprintf("127.0.0.1:%d", port)

	srv, err := NewServer(&fakeBridge{caller: &fakeCaller{}}, &status.MemoryMarker{}, supervisor.ConnectionRequest{},
		WithLogger(zap.NewNop()),
		WithListenAddr(addr),
	)
	require.NoError(t, err)
	runErr := make(chan error, 1)
	go func() { runErr <- srv.Run() }()

	client := NewClient(zap.NewNop().Sugar(), "http://"+addr)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, client.WaitForServer(ctx))

	require.NoError(t, srv.Stop(ctx))
	select {
	case err := <-runErr:
		require.NoError(t, err)
	case <-ctx.Done():
		t.Fatal("server did not stop")
	}
}

func TestWaitForServer(t *testing.T) {
	ts := newTestService(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, ts.client.WaitForServer(ctx))

	down := NewClient(zap.NewNop().Sugar(), "http://127.0.0.1:1",
		WithClientWaitInterval(10*time.Millisecond),
		WithCustomizeRetryableClient(func(r *retryablehttp.Client) { r.RetryMax = 0 }),
	)
	ctx, cancel = context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, down.WaitForServer(ctx), context.DeadlineExceeded)
}
