package supervisor

import (
	"crypto/tls"
	"errors"
	"fmt"
	"net/http"
	"sync"

	internalnet "github.com/guseggert/nativebridge/internal/net"
	"github.com/julienschmidt/httprouter"
	"go.uber.org/zap"
	"nhooyr.io/websocket"
)

// listener accepts channel connections from workers.
// Each connection attempt registers a one-time token; a worker must present it in the URL path to be accepted.
type listener struct {
	log    *zap.SugaredLogger
	server *http.Server
	addr   string

	mut      sync.Mutex
	expected map[string]*session
	active   map[*session]struct{}
	closed   bool

	serveErr chan error
}

// session hands one accepted connection over to the attempt that expects it.
// The HTTP handler stays in ServeHTTP until end is called.
type session struct {
	conns   chan *websocket.Conn
	done    chan struct{}
	endOnce sync.Once
}

func (s *session) end() {
	s.endOnce.Do(func() { close(s.done) })
}

func startListener(log *zap.SugaredLogger, tlsConfig *tls.Config) (*listener, error) {
	tcpListener, err := internalnet.ListenLoopback()
	if err != nil {
		return nil, err
	}

	l := &listener{
		log:      log.Named("channel_listener"),
		addr:     tcpListener.Addr().String(),
		expected: map[string]*session{},
		active:   map[*session]struct{}{},
		serveErr: make(chan error, 1),
	}

	router := httprouter.New()
	router.GET("/worker/:token", l.acceptWorker)
	l.server = &http.Server{Handler: router}

	go func() {
		err := l.server.Serve(tls.NewListener(tcpListener, tlsConfig))
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		l.serveErr <- err
	}()
	return l, nil
}

func (l *listener) url(token string) string {
	return fmt.Sprintf("wss://%s/worker/%s", l.addr, token)
}

func (l *listener) expect(token string) *session {
	s := &session{
		conns: make(chan *websocket.Conn, 1),
		done:  make(chan struct{}),
	}
	l.mut.Lock()
	defer l.mut.Unlock()
	l.expected[token] = s
	return s
}

func (l *listener) forget(token string) {
	l.mut.Lock()
	defer l.mut.Unlock()
	delete(l.expected, token)
}

func (l *listener) acceptWorker(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	token := params.ByName("token")

	l.mut.Lock()
	s, ok := l.expected[token]
	delete(l.expected, token)
	if ok && !l.closed {
		l.active[s] = struct{}{}
	}
	closed := l.closed
	l.mut.Unlock()

	if !ok || closed {
		l.log.Debugw("rejecting worker with unknown token", "RemoteAddr", r.RemoteAddr)
		http.Error(w, "unknown token", http.StatusNotFound)
		return
	}
	defer func() {
		l.mut.Lock()
		delete(l.active, s)
		l.mut.Unlock()
	}()

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		l.log.Debugf("error accepting WebSocket conn: %s", err)
		s.end()
		return
	}
	l.log.Debugw("accepted worker conn", "RemoteAddr", r.RemoteAddr)
	s.conns <- conn
	<-s.done
}

func (l *listener) close() error {
	l.mut.Lock()
	l.closed = true
	for s := range l.active {
		s.end()
	}
	l.mut.Unlock()

	err := l.server.Close()
	if serveErr := <-l.serveErr; err == nil {
		err = serveErr
	}
	return err
}

// acceptedConn waits for the worker to connect. It returns nil if the session ended first.
func (s *session) acceptedConn(done <-chan struct{}) *websocket.Conn {
	select {
	case c := <-s.conns:
		return c
	case <-s.done:
		return nil
	case <-done:
		return nil
	}
}

// pendingConn returns a connection that was accepted but never picked up, if any.
func (s *session) pendingConn() *websocket.Conn {
	select {
	case c := <-s.conns:
		return c
	default:
		return nil
	}
}
