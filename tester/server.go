package tester

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"
)

// Graceful shutdown HttpServer from: https://github.com/corneldamian/httpway/blob/master/server.go

// NewServer creates a new server instance over the given handler.
func NewServer(addr string, handler http.Handler) *Server {
	srv := &Server{}
	srv.Server = &http.Server{Addr: addr, Handler: handler}

	return srv
}

// Server wraps http.Server with request tracking so a stop can wait for
// in-flight requests to finish.
type Server struct {
	*http.Server

	listener     net.Listener
	lastError    error
	serverGroup  *sync.WaitGroup
	clientsGroup chan bool
}

// ListenAddr returns the listen address, resolved after Start.
func (s *Server) ListenAddr() string {
	if s.listener == nil {
		return s.Server.Addr
	}
	return s.listener.Addr().String()
}

// Start starts the server.
// note: command isn't blocking, will exit after run
func (s *Server) Start() error {
	if s.Handler == nil {
		return errors.New("no server handler set")
	}

	if s.listener != nil {
		return errors.New("server already started")
	}

	addr := s.Server.Addr
	if addr == "" {
		addr = ":http"
	}

	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}

	s.listener = listener
	s.serverGroup = &sync.WaitGroup{}
	s.clientsGroup = make(chan bool, 50000)
	s.Handler = &trackingHandler{s.Handler, s.clientsGroup}

	s.serverGroup.Add(1)
	go func() {
		defer s.serverGroup.Done()

		err := s.Serve(listener)
		if err != nil {
			if strings.Contains(err.Error(), "use of closed network connection") {
				return
			}

			s.lastError = err
		}
	}()

	return nil
}

// Stop sends stop command to the server.
func (s *Server) Stop() error {
	if s.listener == nil {
		return errors.New("server not started")
	}

	if err := s.listener.Close(); err != nil {
		return err
	}

	return s.lastError
}

// WaitStop waits until server is stopped and all requests are finished.
// timeout - is the time to wait for the requests to finish after the
// server is stopped
func (s *Server) WaitStop(timeout time.Duration) error {
	if s.listener == nil {
		return errors.New("server not started")
	}

	s.serverGroup.Wait()

	checkClients := time.NewTicker(100 * time.Millisecond)
	defer checkClients.Stop()
	timeoutTime := time.NewTimer(timeout)
	defer timeoutTime.Stop()

	for {
		select {
		case <-checkClients.C:
			if len(s.clientsGroup) == 0 {
				return s.lastError
			}
		case <-timeoutTime.C:
			return fmt.Errorf("WaitStop error, timeout after %s waiting for %d client(s) to finish", timeout, len(s.clientsGroup))
		}
	}
}

type trackingHandler struct {
	handler      http.Handler
	clientsGroup chan bool
}

func (th *trackingHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	th.clientsGroup <- true
	defer func() {
		<-th.clientsGroup
	}()

	th.handler.ServeHTTP(w, r)
}
