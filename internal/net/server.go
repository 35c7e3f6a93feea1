package net

import (
	"errors"
	"fmt"
	"net"
	"sync/atomic"

	"go.uber.org/zap"
)

// Server accepts TCP connections and hands each one to the session
// handler as a Transport. One goroutine per accepted connection.
type Server struct {
	listener net.Listener
	nextID   atomic.Int64
	set      *ConnSet
	handler  func(*Transport)
	log      *zap.Logger
	closeCh  chan struct{}
}

func NewServer(bindAddr string, set *ConnSet, handler func(*Transport), log *zap.Logger) (*Server, error) {
	ln, err := net.Listen("tcp", bindAddr)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", bindAddr, err)
	}
	return &Server{
		listener: ln,
		set:      set,
		handler:  handler,
		log:      log,
		closeCh:  make(chan struct{}),
	}, nil
}

// AcceptLoop blocks until Shutdown or a non-recoverable listener error.
// On listener failure (bind address disappeared) it broadcasts
// C45DOWN NETWORK_LOST and returns the error so main can exit non-zero.
func (s *Server) AcceptLoop() error {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.closeCh:
				return nil // server shutting down
			default:
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			s.log.Error("連線接受失敗", zap.Error(err))
			s.set.Broadcast("C45DOWN NETWORK_LOST")
			s.set.CloseAll()
			return err
		}

		id := s.nextID.Add(1)
		tr := NewTransport(conn, id, s.log)
		s.set.Add(tr)

		s.log.Info("玩家連線", zap.Int64("conn", id), zap.String("ip", tr.RemoteAddr()))
		go s.handler(tr)
	}
}

// Shutdown stops accepting new connections.
func (s *Server) Shutdown() {
	close(s.closeCh)
	s.listener.Close()
}

// Addr returns the listener's address.
func (s *Server) Addr() net.Addr {
	return s.listener.Addr()
}
