// Package service exposes the bridge over HTTP.
//
// Each request that reaches the endpoint gets its own connection: connect, run, disconnect. While the failure
// marker is set, such requests are answered with 503 without touching the endpoint, unless they ask to force.
package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/guseggert/nativebridge/rpc"
	"github.com/guseggert/nativebridge/status"
	"github.com/guseggert/nativebridge/supervisor"
	"github.com/julienschmidt/httprouter"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type Server struct {
	log *zap.SugaredLogger

	bridge     Bridge
	marker     status.Marker
	request    supervisor.ConnectionRequest
	savePath   string
	modulePath string
	listenAddr string

	httpServer *http.Server

	heartbeatMut  sync.Mutex
	lastHeartbeat time.Time
}

type Option func(s *Server)

func WithListenAddr(addr string) Option {
	return func(s *Server) {
		s.listenAddr = addr
	}
}

func WithLogger(l *zap.Logger) Option {
	return func(s *Server) {
		s.log = l.Named("service").Sugar()
	}
}

func WithLogLevel(l zapcore.Level) Option {
	return func(s *Server) {
		s.log = s.log.WithOptions(zap.IncreaseLevel(l))
	}
}

// WithReport sets the report form opened by GET /retrieve-xml.
func WithReport(savePath, modulePath string) Option {
	return func(s *Server) {
		s.savePath = savePath
		s.modulePath = modulePath
	}
}

// NewServer builds a server that connects to the endpoint through bridge with the given credentials and resource.
func NewServer(bridge Bridge, marker status.Marker, req supervisor.ConnectionRequest, opts ...Option) (*Server, error) {
	logger, err := zap.NewProduction()
	if err != nil {
		return nil, fmt.Errorf("building logger: %w", err)
	}
	s := &Server{
		log:        logger.Named("service").Sugar(),
		bridge:     bridge,
		marker:     marker,
		request:    req,
		listenAddr: "127.0.0.1:8787",
	}
	for _, o := range opts {
		o(s)
	}
	s.httpServer = &http.Server{Handler: s.Handler()}
	return s, nil
}

func (s *Server) Handler() http.Handler {
	router := httprouter.New()
	router.GET("/heartbeat", s.heartbeat)
	router.GET("/status", s.status)
	router.POST("/status/clear", s.clearStatus)
	router.POST("/invoke", s.invoke)
	router.GET("/retrieve-xml", s.retrieveXML)
	return router
}

// Run serves until Stop is called.
func (s *Server) Run() error {
	l, err := net.Listen("tcp", s.listenAddr)
	if err != nil {
		return fmt.Errorf("listening TCP: %w", err)
	}
	s.log.Infow("serving", "Addr", l.Addr().String())
	err = s.httpServer.Serve(l)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (s *Server) Stop(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

type HeartbeatResponse struct {
	LastHeartbeat string
}

type StatusResponse struct {
	Degraded bool
	Reason   string     `json:",omitempty"`
	Since    *time.Time `json:",omitempty"`
}

type InvokeRequest struct {
	Operation string
	Args      []json.RawMessage
	// Force reaches the endpoint even while the failure marker is set.
	Force bool
}

type InvokeResponse struct {
	Result json.RawMessage
}

type RetrieveXMLResponse struct {
	Success bool
}

type ErrorResponse struct {
	Error string
}

func (s *Server) heartbeat(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	s.heartbeatMut.Lock()
	lastHeartbeat := s.lastHeartbeat
	s.lastHeartbeat = time.Now()
	s.heartbeatMut.Unlock()
	s.writeJSON(w, http.StatusOK, HeartbeatResponse{LastHeartbeat: lastHeartbeat.UTC().Format(time.RFC3339)})
}

func (s *Server) status(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	resp, err := s.currentStatus()
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) clearStatus(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	err := s.marker.Clear()
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, fmt.Errorf("clearing marker: %w", err))
		return
	}
	s.log.Info("failure marker cleared by request")
	s.writeJSON(w, http.StatusOK, StatusResponse{})
}

func (s *Server) currentStatus() (StatusResponse, error) {
	d, err := s.marker.Get()
	if err != nil {
		return StatusResponse{}, fmt.Errorf("reading marker: %w", err)
	}
	if d == nil {
		return StatusResponse{}, nil
	}
	since := d.Since
	return StatusResponse{Degraded: true, Reason: d.Reason, Since: &since}, nil
}

// shortCircuit answers 503 and returns true if the endpoint is known to be failing.
func (s *Server) shortCircuit(w http.ResponseWriter, force bool) bool {
	if force {
		return false
	}
	st, err := s.currentStatus()
	if err != nil {
		s.log.Warnw("unable to read failure marker, trying the endpoint anyway", "Error", err)
		return false
	}
	if !st.Degraded {
		return false
	}
	s.writeError(w, http.StatusServiceUnavailable, fmt.Errorf("service degraded: %s", st.Reason))
	return true
}

func (s *Server) invoke(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	var req InvokeRequest
	err := json.NewDecoder(r.Body).Decode(&req)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	if req.Operation == "" {
		s.writeError(w, http.StatusBadRequest, errors.New("request contained no operation"))
		return
	}
	if s.shortCircuit(w, req.Force) {
		return
	}

	args := make([]any, len(req.Args))
	for i, a := range req.Args {
		args[i] = a
	}
	var result json.RawMessage
	err = s.bridge.Run(r.Context(), s.request, func(ctx context.Context, c Caller) error {
		var err error
		result, err = c.Invoke(ctx, req.Operation, args...)
		return err
	})
	if err != nil {
		s.writeError(w, statusCode(err), err)
		return
	}
	s.writeJSON(w, http.StatusOK, InvokeResponse{Result: result})
}

func (s *Server) retrieveXML(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	if s.shortCircuit(w, r.URL.Query().Get("force") == "true") {
		return
	}
	err := s.bridge.Run(r.Context(), s.request, func(ctx context.Context, c Caller) error {
		return OpenReportForm(ctx, c, s.savePath, s.modulePath)
	})
	if err != nil {
		s.writeError(w, statusCode(err), err)
		return
	}
	s.writeJSON(w, http.StatusOK, RetrieveXMLResponse{Success: true})
}

// statusCode maps bridge errors to HTTP status codes.
func statusCode(err error) int {
	switch {
	case errors.Is(err, supervisor.ErrInitializationTimedOut), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.Is(err, supervisor.ErrInitializationRejected), errors.Is(err, supervisor.ErrWorkerCrashed),
		errors.Is(err, rpc.ErrChannelClosed):
		return http.StatusBadGateway
	case errors.Is(err, rpc.ErrCallFailed), errors.Is(err, ErrReportFailed):
		return http.StatusUnprocessableEntity
	}
	return http.StatusInternalServerError
}

func (s *Server) writeError(w http.ResponseWriter, code int, err error) {
	s.log.Debugw("request failed", "Code", code, "Error", err)
	s.writeJSON(w, code, ErrorResponse{Error: err.Error()})
}

func (s *Server) writeJSON(w http.ResponseWriter, code int, v any) {
	b, err := json.Marshal(v)
	if err != nil {
		s.log.Debugf("error marshaling response: %s", err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Add("Content-Type", "application/json")
	w.WriteHeader(code)
	w.Write(b)
}
