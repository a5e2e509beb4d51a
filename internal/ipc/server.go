package ipc

import (
	"context"
	"errors"
	"fmt"
	"net"
	"runtime/debug"
	"sync"
	"time"

	"github.com/ashleyhindle/fuel/internal/logging"
)

// HandlerFunc answers a command. A non-nil return is sent to the caller
// tagged with the command's request id. Handlers that answer later return
// nil and use Session.Reply.
type HandlerFunc func(ctx context.Context, s *Session, cmd Command) *Event

const sessionQueueSize = 256

// Session is one client connection. Outbound events are queued and written
// by a dedicated goroutine; a full queue drops events rather than blocking
// the caller.
type Session struct {
	id       uint64
	conn     net.Conn
	out      chan Event
	done     chan struct{}
	once     sync.Once
	mu       sync.Mutex
	instance string
	attached bool
	logger   *logging.Logger
}

func (s *Session) InstanceID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.instance
}

func (s *Session) Attached() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attached
}

// Send queues ev. It reports false when the session is closed or its queue
// is full.
func (s *Session) Send(ev Event) bool {
	select {
	case <-s.done:
		return false
	default:
	}
	select {
	case s.out <- ev:
		return true
	case <-s.done:
		return false
	default:
		s.logger.Warn("session %d queue full, dropped %s event", s.id, ev.Type)
		return false
	}
}

// Reply sends ev as the answer to cmd.
func (s *Session) Reply(cmd Command, ev Event) bool {
	return s.Send(ev.ReplyTo(cmd))
}

// Closed is closed when the connection ends.
func (s *Session) Closed() <-chan struct{} {
	return s.done
}

func (s *Session) close() {
	s.once.Do(func() {
		close(s.done)
		_ = s.conn.Close()
	})
}

type Server struct {
	addr     string
	listener net.Listener
	handlers map[CommandType]HandlerFunc
	mu       sync.RWMutex
	sessions map[uint64]*Session
	nextID   uint64
	wg       sync.WaitGroup
	ctx      context.Context
	cancel   context.CancelFunc
	logger   *logging.Logger
	// OnCommand, if set, is called for every decoded command before dispatch.
	OnCommand func(CommandType)
}

// NewServer listens on 127.0.0.1:port once Start is called; port 0 picks a
// free port.
func NewServer(port int, logger *logging.Logger) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		addr:     fmt.Sprintf("127.0.0.1:%d", port),
		handlers: make(map[CommandType]HandlerFunc),
		sessions: make(map[uint64]*Session),
		ctx:      ctx,
		cancel:   cancel,
		logger:   logger.With("ipc"),
	}
}

func (s *Server) Handle(t CommandType, h HandlerFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[t] = h
}

func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.addr, err)
	}
	s.listener = ln
	s.logger.Info("listening on %s", ln.Addr())

	s.wg.Add(1)
	go s.acceptLoop()
	return nil
}

// Port returns the bound port, or 0 before Start.
func (s *Server) Port() int {
	if s.listener == nil {
		return 0
	}
	if a, ok := s.listener.Addr().(*net.TCPAddr); ok {
		return a.Port
	}
	return 0
}

func (s *Server) Stop() error {
	s.cancel()
	if s.listener != nil {
		_ = s.listener.Close()
	}
	s.mu.Lock()
	for _, sess := range s.sessions {
		sess.close()
	}
	s.mu.Unlock()
	s.wg.Wait()
	return nil
}

// Broadcast queues ev on every attached session and returns how many
// accepted it.
func (s *Server) Broadcast(ev Event) int {
	s.mu.RLock()
	sessions := make([]*Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		sessions = append(sessions, sess)
	}
	s.mu.RUnlock()

	n := 0
	for _, sess := range sessions {
		if sess.Attached() && sess.Send(ev) {
			n++
		}
	}
	return n
}

// Attached returns the instance ids of attached sessions.
func (s *Server) Attached() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []string
	for _, sess := range s.sessions {
		if sess.Attached() {
			out = append(out, sess.InstanceID())
		}
	}
	return out
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.ctx.Done():
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			s.logger.Warn("accept error: %v", err)
			time.Sleep(50 * time.Millisecond)
			continue
		}

		s.mu.Lock()
		s.nextID++
		sess := &Session{
			id:     s.nextID,
			conn:   conn,
			out:    make(chan Event, sessionQueueSize),
			done:   make(chan struct{}),
			logger: s.logger,
		}
		s.sessions[sess.id] = sess
		s.mu.Unlock()

		s.wg.Add(2)
		go s.writeLoop(sess)
		go s.readLoop(sess)
	}
}

func (s *Server) writeLoop(sess *Session) {
	defer s.wg.Done()
	for {
		select {
		case ev := <-sess.out:
			_ = sess.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := WriteFrame(sess.conn, ev); err != nil {
				s.logger.Debug("session %d write error: %v", sess.id, err)
				sess.close()
				return
			}
		case <-sess.done:
			return
		}
	}
}

func (s *Server) readLoop(sess *Session) {
	defer s.wg.Done()
	defer func() {
		sess.close()
		s.mu.Lock()
		delete(s.sessions, sess.id)
		s.mu.Unlock()
	}()

	for {
		var cmd Command
		if err := ReadFrame(sess.conn, &cmd); err != nil {
			select {
			case <-sess.done:
			default:
				s.logger.Debug("session %d closed: %v", sess.id, err)
			}
			return
		}
		if ev := s.dispatch(sess, cmd); ev != nil {
			sess.Reply(cmd, *ev)
		}
	}
}

func (s *Server) dispatch(sess *Session, cmd Command) (resp *Event) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("panic handling %s: %v\n%s", cmd.Type, r, debug.Stack())
			ev := ErrorEvent(ErrCodeInternal, fmt.Sprintf("internal error handling %s", cmd.Type))
			resp = &ev
		}
	}()

	if cmd.ProtocolVersion != ProtocolVersion {
		ev := ErrorEvent(ErrCodeProtocolMismatch,
			fmt.Sprintf("protocol version mismatch: got %d, expected %d", cmd.ProtocolVersion, ProtocolVersion))
		return &ev
	}
	if s.OnCommand != nil {
		s.OnCommand(cmd.Type)
	}

	switch cmd.Type {
	case CmdAttach:
		sess.mu.Lock()
		sess.instance = cmd.InstanceID
		sess.attached = true
		sess.mu.Unlock()
		s.logger.Info("attached instance=%s", cmd.InstanceID)
		ev := AckEvent("attached", nil)
		return &ev
	case CmdDetach:
		sess.mu.Lock()
		sess.attached = false
		sess.mu.Unlock()
		s.logger.Info("detached instance=%s", cmd.InstanceID)
		ev := AckEvent("detached", nil)
		return &ev
	}

	s.mu.RLock()
	h, ok := s.handlers[cmd.Type]
	s.mu.RUnlock()
	if !ok {
		ev := ErrorEvent(ErrCodeUnknownCommand, fmt.Sprintf("unknown command: %q", cmd.Type))
		return &ev
	}
	return h(s.ctx, sess, cmd)
}
