package proxy

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net"
	"syscall"
	"time"

	"github.com/pixiv/neoagent/pkg/logger"
	"github.com/pixiv/neoagent/pkg/memproto"
)

type sessionState int

const (
	stateClientRead sessionState = iota
	stateUpstreamWrite
	stateUpstreamRead
	stateClientWrite
)

var crlf = []byte("\r\n")

// Session bridges one client connection and one upstream connection through
// two growable buffers, driving full request/response round-trips until the
// client closes or an error occurs.
type Session struct {
	env      *Env
	client   net.Conn
	upstream net.Conn

	pool      *ConnPool
	poolSlot  int
	usingPool bool

	clientSlot      int
	usingClientSlot bool

	reqBuf     []byte
	reqSize    int
	reqWritten int

	respBuf     []byte
	respSize    int
	respWritten int

	reqCount  int
	respCount int
	cmd       memproto.Command

	loopCount int

	// observedRoleBackup is the failover epoch the session was born under;
	// a role flip invalidates the session on its next iteration.
	observedRoleBackup bool

	state sessionState

	toUpstreamBegin   time.Time
	toUpstreamEnd     time.Time
	fromUpstreamBegin time.Time
	fromUpstreamEnd   time.Time
	toClientBegin     time.Time
	toClientEnd       time.Time
}

// Run drives the session to completion and releases every held resource.
func (s *Session) Run() {
	err := s.drive()
	if err != nil {
		logger.Warn("session terminated", "env", s.env.Name, "client", s.client.RemoteAddr(), "err", err)
	}
	s.close()
}

func (s *Session) drive() error {
	for {
		roleBackup, quiescing := s.env.roleSnapshot()
		if roleBackup != s.observedRoleBackup || quiescing {
			return ErrInvalidPool
		}
		if s.env.LoopMax > 0 {
			s.loopCount++
			if s.loopCount > s.env.LoopMax {
				return ErrOutOfLoop
			}
		}

		var (
			done bool
			err  error
		)
		switch s.state {
		case stateClientRead:
			done, err = s.clientRead()
		case stateUpstreamWrite:
			err = s.upstreamWrite()
		case stateUpstreamRead:
			err = s.upstreamRead()
		case stateClientWrite:
			err = s.clientWrite()
		}
		if err != nil {
			return err
		}
		if done {
			return nil
		}
	}
}

// clientRead accumulates request bytes until a complete, recognized command
// is buffered. done reports a clean close (client EOF, quit, or an
// unrecognized command at the terminator).
func (s *Session) clientRead() (done bool, err error) {
	if s.reqSize == len(s.reqBuf) {
		s.reqBuf = grow(s.reqBuf, s.reqSize)
	}

	n, rerr := s.client.Read(s.reqBuf[s.reqSize:])
	if n == 0 {
		if rerr == nil || errors.Is(rerr, io.EOF) {
			return true, nil
		}
		return false, fmt.Errorf("%w: client: %v", ErrFailedRead, rerr)
	}
	s.reqSize += n

	s.cmd = memproto.DetectCommand(s.reqBuf[:s.reqSize])
	if s.cmd == memproto.CmdQuit {
		return true, nil
	}
	if s.cmd == memproto.CmdGet || s.cmd == memproto.CmdSet {
		s.reqCount = memproto.CountRequestGet(s.reqBuf, s.reqSize)
	}

	if s.reqSize < 2 || !bytes.HasSuffix(s.reqBuf[:s.reqSize], crlf) {
		return false, nil
	}
	if s.cmd == memproto.CmdUnknown {
		return true, nil
	}
	if s.cmd == memproto.CmdSet && s.reqCount < 2 {
		// command line complete but the payload line has not arrived yet
		return false, nil
	}

	s.state = stateUpstreamWrite
	return false, nil
}

func (s *Session) upstreamWrite() error {
	if s.toUpstreamBegin.IsZero() {
		s.toUpstreamBegin = time.Now()
	}

	n, werr := s.upstream.Write(s.reqBuf[s.reqWritten:s.reqSize])
	s.reqWritten += n
	if werr != nil {
		if s.usingPool {
			// Replace the slot's connection so the pool hands a healthy one
			// to the next session; this session still fails.
			server := s.env.currentServer()
			if _, rerr := s.pool.Replace(s.poolSlot, server); rerr != nil {
				logger.Error("upstream reconnect failed", "env", s.env.Name, "server", server.Addr, "err", rerr)
			}
		}
		if errors.Is(werr, syscall.EPIPE) {
			return fmt.Errorf("%w: upstream: %v", ErrBrokenPipe, werr)
		}
		return fmt.Errorf("%w: upstream: %v", ErrFailedWrite, werr)
	}

	if s.reqWritten < s.reqSize {
		return nil
	}
	s.state = stateUpstreamRead
	s.toUpstreamEnd = time.Now()
	return nil
}

func (s *Session) upstreamRead() error {
	if s.fromUpstreamBegin.IsZero() {
		s.fromUpstreamBegin = time.Now()
	}

	if s.respSize == len(s.respBuf) {
		s.respBuf = grow(s.respBuf, s.respSize)
	}

	n, rerr := s.upstream.Read(s.respBuf[s.respSize:])
	if n <= 0 {
		return fmt.Errorf("%w: upstream: %v", ErrFailedRead, rerr)
	}
	s.respSize += n

	if s.cmd == memproto.CmdGet {
		s.respCount = memproto.CountResponseGet(s.respBuf, s.respSize)
		if s.respCount >= s.reqCount {
			s.state = stateClientWrite
			s.fromUpstreamEnd = time.Now()
		}
	} else if s.respSize > 2 && bytes.HasSuffix(s.respBuf[:s.respSize], crlf) {
		s.state = stateClientWrite
		s.fromUpstreamEnd = time.Now()
	}
	return nil
}

func (s *Session) clientWrite() error {
	if s.toClientBegin.IsZero() {
		s.toClientBegin = time.Now()
	}

	n, werr := s.client.Write(s.respBuf[s.respWritten:s.respSize])
	s.respWritten += n
	if werr != nil {
		if errors.Is(werr, syscall.EPIPE) {
			return fmt.Errorf("%w: client: %v", ErrBrokenPipe, werr)
		}
		return fmt.Errorf("%w: client: %v", ErrFailedWrite, werr)
	}
	if s.respWritten < s.respSize {
		return nil
	}

	s.toClientEnd = time.Now()
	s.checkSlowQuery()

	s.reqSize = 0
	s.reqWritten = 0
	s.respSize = 0
	s.respWritten = 0
	s.reqCount = 0
	s.respCount = 0
	s.cmd = memproto.CmdNotDetected
	s.state = stateClientRead
	return nil
}

func (s *Session) checkSlowQuery() {
	if !s.env.slowLog.Enabled() || s.toUpstreamBegin.IsZero() {
		return
	}
	total := s.toClientEnd.Sub(s.toUpstreamBegin)
	if total.Seconds() < s.env.slowLog.ThresholdSec() {
		return
	}

	rec := SlowQueryRecord{
		Time:            s.toClientEnd,
		Env:             s.env.Name,
		ClientAddr:      s.client.RemoteAddr().String(),
		UpstreamAddr:    s.upstream.RemoteAddr().String(),
		Command:         s.cmd.String(),
		Requests:        s.reqCount,
		ToUpstreamSec:   s.toUpstreamEnd.Sub(s.toUpstreamBegin).Seconds(),
		FromUpstreamSec: s.fromUpstreamEnd.Sub(s.fromUpstreamBegin).Seconds(),
		ToClientSec:     s.toClientEnd.Sub(s.toClientBegin).Seconds(),
		TotalSec:        total.Seconds(),
	}
	if err := s.env.slowLog.Emit(rec); err != nil {
		logger.Warn("slow query log write failed", "env", s.env.Name, "err", err)
	}
}

// close is the termination routine: close the client, return or close the
// upstream, free the client slot, and settle the connection counter.
func (s *Session) close() {
	s.client.Close()

	if s.usingPool {
		s.pool.releaseOnClose(s.poolSlot)
	} else if s.upstream != nil {
		s.upstream.Close()
	}

	if s.usingClientSlot {
		// Hand the buffers back grown so the slot keeps its capacity.
		slot := s.env.clientPool.Slot(s.clientSlot)
		slot.reqBuf = s.reqBuf
		slot.respBuf = s.respBuf
		s.env.clientPool.Release(s.clientSlot)
	}

	s.env.decCurrentConn()
}

// grow doubles a session buffer, preserving the filled prefix. Capacity
// only ever increases for the life of a session.
func grow(buf []byte, size int) []byte {
	newCap := (len(buf) - 1) * 2
	if newCap <= len(buf) {
		newCap = len(buf)*2 + 1
	}
	nb := make([]byte, newCap)
	copy(nb, buf[:size])
	return nb
}
