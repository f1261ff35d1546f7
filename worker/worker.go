package worker

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"runtime"

	"github.com/guseggert/nativebridge/census"
	"github.com/guseggert/nativebridge/rpc"
	"go.uber.org/zap"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

type Options struct {
	// URL is the supervisor's channel endpoint for this attempt.
	URL string
	// TLSConfig authenticates the worker to the supervisor. If nil, the channel is not encrypted.
	TLSConfig *tls.Config

	Factory Factory
	// Census builds the census used for the before/after snapshots, given the image name from the init request.
	Census func(imageName string) census.Census
	Log    *zap.SugaredLogger
}

// Run connects to the supervisor and serves it until shutdown.
// It returns nil only after a shutdown request, in which case the process should exit with status 0.
func Run(ctx context.Context, opts Options) error {
	// the native object must be created and called from one OS thread
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	if opts.Factory == nil {
		opts.Factory = DefaultFactory
	}
	if opts.Census == nil {
		opts.Census = func(imageName string) census.Census {
			return census.NewProcessTable(imageName, opts.Log)
		}
	}

	var dialOpts *websocket.DialOptions
	if opts.TLSConfig != nil {
		dialOpts = &websocket.DialOptions{
			HTTPClient: &http.Client{Transport: &http.Transport{TLSClientConfig: opts.TLSConfig}},
		}
	}
	opts.Log.Debugw("dialing supervisor", "URL", opts.URL)
	conn, _, err := websocket.Dial(ctx, opts.URL, dialOpts)
	if err != nil {
		return fmt.Errorf("dialing supervisor: %w", err)
	}
	conn.SetReadLimit(rpc.ReadLimit)

	w := &worker{
		log:  opts.Log.Named("worker"),
		conn: conn,
		opts: opts,
	}
	defer w.release()

	var req rpc.Request
	err = wsjson.Read(ctx, conn, &req)
	if err != nil {
		return fmt.Errorf("reading init request: %w", err)
	}
	if req.Type != rpc.TypeInit || req.Init == nil {
		conn.Close(websocket.StatusProtocolError, "expected init request")
		return fmt.Errorf("expected init request, got %q", req.Type)
	}

	res := w.initialize(ctx, *req.Init)
	err = wsjson.Write(ctx, conn, rpc.Response{Type: rpc.TypeInit, Init: &res})
	if err != nil {
		return fmt.Errorf("writing init response: %w", err)
	}

	return w.serve(ctx)
}

type worker struct {
	log  *zap.SugaredLogger
	conn *websocket.Conn
	opts Options
	obj  Object
}

func (w *worker) initialize(ctx context.Context, req rpc.InitRequest) rpc.InitResult {
	c := w.opts.Census(req.ImageName)
	before := c.Snapshot(ctx)

	var obj Object
	err := protect(func() error {
		var err error
		obj, err = w.opts.Factory(req.Binding)
		return err
	})
	if err != nil {
		w.log.Warnw("unable to instantiate native object", "ProgID", req.Binding.ProgID, "Error", err)
		return rpc.InitResult{Connected: false, SpawnedPIDs: []int32{}}
	}
	w.obj = obj

	var connected bool
	err = protect(func() error {
		var err error
		connected, err = obj.Initialize(req.Principal, req.Secret, req.Resource)
		return err
	})
	if err != nil {
		w.log.Warnw("initialization failed", "Resource", req.Resource, "Error", err)
		connected = false
	}

	spawned := census.Diff(before, c.Snapshot(ctx)).Slice()
	w.log.Infow("initialization finished", "Connected", connected, "SpawnedPIDs", spawned)
	return rpc.InitResult{Connected: connected, SpawnedPIDs: spawned}
}

func (w *worker) serve(ctx context.Context) error {
	for {
		var req rpc.Request
		err := wsjson.Read(ctx, w.conn, &req)
		if err != nil {
			return fmt.Errorf("reading request: %w", err)
		}
		switch req.Type {
		case rpc.TypeCall:
			err = wsjson.Write(ctx, w.conn, w.call(req))
			if err != nil {
				return fmt.Errorf("writing response to call %d: %w", req.ID, err)
			}
		case rpc.TypeShutdown:
			w.shutdown()
			return nil
		default:
			w.log.Debugw("ignoring unexpected request", "Type", req.Type)
		}
	}
}

func (w *worker) call(req rpc.Request) rpc.Response {
	errResp := func(err error) rpc.Response {
		w.log.Debugw("call failed", "ID", req.ID, "Operation", req.Operation, "Error", err)
		return rpc.Response{Type: rpc.TypeError, ID: req.ID, Error: err.Error()}
	}
	if w.obj == nil {
		return errResp(errors.New("not connected"))
	}
	args, err := decodeArgs(req.Args)
	if err != nil {
		return errResp(err)
	}

	var result any
	err = protect(func() error {
		var err error
		result, err = w.obj.Call(req.Operation, args)
		return err
	})
	if err != nil {
		return errResp(err)
	}
	b, err := json.Marshal(result)
	if err != nil {
		return errResp(fmt.Errorf("encoding result: %w", err))
	}
	w.log.Debugw("call succeeded", "ID", req.ID, "Operation", req.Operation)
	return rpc.Response{Type: rpc.TypeResult, ID: req.ID, Result: b}
}

func (w *worker) shutdown() {
	w.log.Debug("got shutdown")
	if w.obj != nil {
		err := protect(w.obj.Terminate)
		if err != nil {
			w.log.Debugf("terminate failed, releasing anyway: %s", err)
		}
	}
	w.release()
	err := w.conn.Close(websocket.StatusNormalClosure, "")
	if err != nil {
		w.log.Debugf("error closing conn: %s", err)
	}
}

func (w *worker) release() {
	if w.obj == nil {
		return
	}
	err := protect(func() error {
		w.obj.Release()
		return nil
	})
	if err != nil {
		w.log.Debugf("release failed: %s", err)
	}
	w.obj = nil
}

// protect runs f, converting a panic into an error. A failing native call must never take the worker down.
func protect(f func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return f()
}

// decodeArgs decodes call arguments, keeping integers as int64 so that they reach the native binding as integers.
func decodeArgs(raw []json.RawMessage) ([]any, error) {
	args := make([]any, len(raw))
	for i, r := range raw {
		dec := json.NewDecoder(bytes.NewReader(r))
		dec.UseNumber()
		var v any
		err := dec.Decode(&v)
		if err != nil {
			return nil, fmt.Errorf("decoding argument %d: %w", i, err)
		}
		if n, ok := v.(json.Number); ok {
			if i, err := n.Int64(); err == nil {
				v = i
			} else if f, err := n.Float64(); err == nil {
				v = f
			}
		}
		args[i] = v
	}
	return args, nil
}
