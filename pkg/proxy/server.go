package proxy

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"time"

	"github.com/pixiv/neoagent/pkg/config"
	"github.com/pixiv/neoagent/pkg/logger"
	"github.com/pixiv/neoagent/pkg/memproto"
)

// acceptTick bounds how long the accept loop waits before re-checking the
// admission gates (graceful phase, quiescing, connection cap).
const acceptTick = 500 * time.Millisecond

// Server owns the front listener and the accept loop of one proxy
// environment.
type Server struct {
	env      *Env
	cfg      config.Environment
	listener net.Listener
}

// NewServer creates the front server for env.
func NewServer(env *Env, cfg config.Environment) *Server {
	return &Server{env: env, cfg: cfg}
}

// Listen opens the front listener: a unix domain socket when sockpath is
// configured, a TCP port otherwise.
func (s *Server) Listen() error {
	var err error
	if s.cfg.SockPath != "" {
		s.listener, err = listenUnix(s.cfg.SockPath, s.cfg.AccessMask)
	} else {
		s.listener, err = net.Listen("tcp", fmt.Sprintf(":%d", s.cfg.Port))
	}
	if err != nil {
		return fmt.Errorf("%w: front server: %v", ErrInvalidFd, err)
	}
	return nil
}

func listenUnix(path, accessMask string) (net.Listener, error) {
	// A stale socket file from a previous run blocks bind.
	if _, err := os.Stat(path); err == nil {
		os.Remove(path)
	}
	l, err := net.Listen("unix", path)
	if err != nil {
		return nil, err
	}
	if accessMask != "" {
		mask, err := strconv.ParseUint(accessMask, 8, 32)
		if err != nil {
			l.Close()
			return nil, fmt.Errorf("access_mask %q: %w", accessMask, err)
		}
		if err := os.Chmod(path, os.FileMode(mask)); err != nil {
			l.Close()
			return nil, err
		}
	}
	return l, nil
}

// Addr returns the listener address, for tests and logging.
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Serve runs the accept loop until the listener is closed or graceful
// shutdown stops admissions. Workers are started here.
func (s *Server) Serve() error {
	if s.listener == nil {
		if err := s.Listen(); err != nil {
			return err
		}
	}
	defer s.listener.Close()

	s.env.workers.Start()

	for {
		switch s.env.Graceful() {
		case GracefulStopAccept, GracefulCompleted:
			return nil
		}

		if _, quiescing := s.env.roleSnapshot(); quiescing {
			time.Sleep(time.Millisecond)
			s.gracefulTick()
			continue
		}

		// Refuse by not accepting: the client stays in the backlog until a
		// running session closes.
		if s.env.CurrentConn() >= s.env.ConnMax {
			time.Sleep(5 * time.Millisecond)
			s.gracefulTick()
			continue
		}

		conn, err := s.acceptOne()
		if err != nil {
			if isTimeout(err) {
				s.gracefulTick()
				continue
			}
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			logger.Error("accept failed", "env", s.env.Name, "err", err)
			s.gracefulTick()
			continue
		}
		if conn != nil {
			s.admit(conn)
		}
		s.gracefulTick()
	}
}

// acceptOne waits at most acceptTick for a client so the loop keeps
// re-checking its admission gates.
func (s *Server) acceptOne() (net.Conn, error) {
	type deadliner interface {
		SetDeadline(time.Time) error
	}
	if d, ok := s.listener.(deadliner); ok {
		d.SetDeadline(time.Now().Add(acceptTick))
	}
	return s.listener.Accept()
}

// admit reserves an upstream for the accepted client, binds a session and
// hands it off to a worker. Any reservation is rolled back on failure.
func (s *Server) admit(conn net.Conn) {
	pool := s.env.selectConnpool()
	server := s.env.currentServer()

	slot, upstream, usingPool := pool.Assign(server)
	if !usingPool {
		var err error
		upstream, err = net.DialTimeout("tcp", server.Addr, connectTimeout)
		if err != nil {
			conn.Close()
			logger.Error("upstream connect failed", "env", s.env.Name, "server", server.Addr,
				"err", fmt.Errorf("%w: %v", ErrConnectionFailed, err))
			return
		}
	}

	sess := &Session{
		env:                s.env,
		client:             conn,
		upstream:           upstream,
		pool:               pool,
		poolSlot:           slot,
		usingPool:          usingPool,
		state:              stateClientRead,
		cmd:                memproto.CmdNotDetected,
		observedRoleBackup: s.env.RoleIsBackup(),
	}

	if ci := s.env.clientPool.Assign(); ci >= 0 {
		cs := s.env.clientPool.Slot(ci)
		sess.usingClientSlot = true
		sess.clientSlot = ci
		sess.reqBuf = cs.reqBuf
		sess.respBuf = cs.respBuf
	} else {
		sess.reqBuf = make([]byte, s.env.RequestBufsize)
		sess.respBuf = make([]byte, s.env.ResponseBufsize)
	}

	s.env.incCurrentConn()

	// Queue for a worker when one may be free; when all are busy, or the
	// queue is full, overflow onto a goroutine owned by the accept side.
	if !s.env.workers.AllBusy() {
		if !s.env.queue.Push(sess) {
			logger.Error("too many connections", "env", s.env.Name)
			go sess.Run()
		}
	} else {
		go sess.Run()
	}
}

// gracefulTick disarms admission once shutdown was requested.
func (s *Server) gracefulTick() {
	s.env.stopAccept()
}

// Close shuts the listener; Serve returns once its current tick finishes.
func (s *Server) Close() error {
	if s.listener == nil {
		return nil
	}
	return s.listener.Close()
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
