package arbiter

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/banshee-data/autointersection/internal/protocol"
)

// ErrNoSession is returned by Notify when the vehicle has no open
// connection.
var ErrNoSession = errors.New("no session for vehicle")

// MessageHandler consumes messages read from vehicle connections.
type MessageHandler interface {
	HandleMessage(m protocol.Message) error
}

// Server accepts vehicle connections. Each connection is served by its own
// goroutine; grants are written to the connection the vehicle last used.
type Server struct {
	Handler      MessageHandler
	WriteTimeout time.Duration

	mu        sync.Mutex
	sessions  map[string]*session
	byVehicle map[string]*session
	wg        sync.WaitGroup
}

type session struct {
	id   string
	conn net.Conn

	writeMu sync.Mutex
}

// NewServer returns a server that passes messages to h. h may be set later
// through the Handler field, before Serve is called.
func NewServer(h MessageHandler) *Server {
	return &Server{
		Handler:      h,
		WriteTimeout: 2 * time.Second,
		sessions:     make(map[string]*session),
		byVehicle:    make(map[string]*session),
	}
}

// ListenAndServe listens on addr and serves until ctx is done.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve accepts connections on ln until ctx is done, then closes every
// session and waits for their goroutines.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	logf("serving vehicles on %s", ln.Addr())
	go func() {
		<-ctx.Done()
		ln.Close()
	}()
	defer func() {
		s.closeAll()
		s.wg.Wait()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			return fmt.Errorf("accept: %w", err)
		}
		sess := &session{id: uuid.New().String(), conn: conn}
		s.mu.Lock()
		s.sessions[sess.id] = sess
		s.mu.Unlock()

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.serveConn(sess)
		}()
	}
}

func (s *Server) serveConn(sess *session) {
	logf("session %s opened from %s", sess.id, sess.conn.RemoteAddr())
	defer s.drop(sess)
	for {
		m, err := protocol.ReadMessage(sess.conn)
		if err != nil {
			switch {
			case errors.Is(err, io.EOF), errors.Is(err, net.ErrClosed):
			case errors.Is(err, protocol.ErrUnknownMessage):
				logf("session %s: dropping message: %v", sess.id, err)
				continue
			default:
				logf("session %s: closing after read error: %v", sess.id, err)
			}
			return
		}
		s.bind(m.From(), sess)
		if s.Handler == nil {
			continue
		}
		if err := s.Handler.HandleMessage(m); err != nil {
			logf("session %s: %v", sess.id, err)
		}
	}
}

// bind makes sess the delivery path for v.
func (s *Server) bind(v protocol.Vehicle, sess *session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byVehicle[v.Key()] = sess
}

func (s *Server) drop(sess *session) {
	sess.conn.Close()
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, sess.id)
	for k, other := range s.byVehicle {
		if other == sess {
			delete(s.byVehicle, k)
		}
	}
	logf("session %s closed", sess.id)
}

func (s *Server) closeAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sess := range s.sessions {
		sess.conn.Close()
	}
}

// Notify writes m on the session v last used.
func (s *Server) Notify(v protocol.Vehicle, m protocol.Message) error {
	s.mu.Lock()
	sess, ok := s.byVehicle[v.Key()]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w %s", ErrNoSession, v)
	}
	sess.writeMu.Lock()
	defer sess.writeMu.Unlock()
	if s.WriteTimeout > 0 {
		sess.conn.SetWriteDeadline(time.Now().Add(s.WriteTimeout))
	}
	if err := protocol.WriteMessage(sess.conn, m); err != nil {
		return fmt.Errorf("notify %s: %w", v, err)
	}
	return nil
}

// SessionCount returns the number of open connections.
func (s *Server) SessionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}
