package proxy

import (
	"fmt"
	"net"
	"sync"

	"github.com/spf13/afero"

	"github.com/pixiv/neoagent/pkg/config"
)

// GracefulPhase is the shutdown state machine.
type GracefulPhase int

const (
	GracefulNormal GracefulPhase = iota
	GracefulEnabled
	GracefulStopAccept
	GracefulCompleted
)

func (p GracefulPhase) String() string {
	switch p {
	case GracefulNormal:
		return "normal"
	case GracefulEnabled:
		return "enabled"
	case GracefulStopAccept:
		return "stop_accept"
	case GracefulCompleted:
		return "completed"
	default:
		return "invalid"
	}
}

// Endpoint is a resolved upstream server address.
type Endpoint struct {
	Addr string
}

// Env is the shared state of one proxy instance: capacity knobs, live
// counters, failover state and the pooled resources.
type Env struct {
	Name string

	WorkerMax       int
	ConnMax         int
	ConnpoolMax     int
	ConnpoolUseMax  int
	ClientPoolMax   int
	LoopMax         int
	TryMax          int
	RequestBufsize  int
	ResponseBufsize int

	Target    Endpoint
	Backup    Endpoint
	UseBackup bool

	// lockCurrentConn guards currentConn, currentConnMax and gracefulPhase.
	lockCurrentConn sync.Mutex
	currentConn     int
	currentConnMax  int
	gracefulPhase   GracefulPhase
	gracefulDone    chan struct{}

	// lockRefused guards the failover role flags. Readers are session
	// callbacks and the accept loop; the only writer is the health checker
	// during a switch.
	lockRefused  sync.RWMutex
	roleIsBackup bool
	quiescing    bool

	connpoolActive *ConnPool
	connpoolBackup *ConnPool
	clientPool     *ClientSlotPool
	queue          *EventQueue
	workers        *WorkerPool
	slowLog        *SlowQueryLog
}

// NewEnv builds the shared state for one configured environment. All pools
// are allocated here; upstream connections are dialed lazily on first
// assignment.
func NewEnv(cfg config.Environment, fs afero.Fs) (*Env, error) {
	if _, err := net.ResolveTCPAddr("tcp", cfg.TargetServer); err != nil {
		return nil, fmt.Errorf("%w: target server %s: %v", ErrConnectionFailed, cfg.TargetServer, err)
	}
	if cfg.BackupServer != "" {
		if _, err := net.ResolveTCPAddr("tcp", cfg.BackupServer); err != nil {
			return nil, fmt.Errorf("%w: backup server %s: %v", ErrConnectionFailed, cfg.BackupServer, err)
		}
	}

	env := &Env{
		Name:            cfg.Name,
		WorkerMax:       cfg.WorkerMax,
		ConnMax:         cfg.ConnMax,
		ConnpoolMax:     cfg.ConnpoolMax,
		ConnpoolUseMax:  cfg.ConnpoolUseMax,
		ClientPoolMax:   cfg.ClientPoolMax,
		LoopMax:         cfg.LoopMax,
		TryMax:          cfg.TryMax,
		RequestBufsize:  cfg.RequestBufsize,
		ResponseBufsize: cfg.ResponseBufsize,
		Target:          Endpoint{Addr: cfg.TargetServer},
		Backup:          Endpoint{Addr: cfg.BackupServer},
		UseBackup:       cfg.BackupServer != "",
		gracefulDone:    make(chan struct{}),
	}

	env.connpoolActive = NewConnPool(cfg.ConnpoolMax, cfg.ConnpoolUseMax)
	env.connpoolBackup = NewConnPool(cfg.ConnpoolMax, cfg.ConnpoolUseMax)
	env.clientPool = NewClientSlotPool(cfg.ClientPoolMax, cfg.RequestBufsize, cfg.ResponseBufsize)
	env.queue = NewEventQueue(cfg.ConnMax)
	env.workers = NewWorkerPool(env)

	slowLog, err := NewSlowQueryLog(fs, cfg)
	if err != nil {
		return nil, err
	}
	env.slowLog = slowLog

	return env, nil
}

// RoleIsBackup reports whether the proxy currently serves from the backup
// server.
func (e *Env) RoleIsBackup() bool {
	e.lockRefused.RLock()
	defer e.lockRefused.RUnlock()
	return e.roleIsBackup
}

// roleSnapshot returns the role and quiescing flags in one consistent read.
func (e *Env) roleSnapshot() (roleIsBackup, quiescing bool) {
	e.lockRefused.RLock()
	defer e.lockRefused.RUnlock()
	return e.roleIsBackup, e.quiescing
}

// selectConnpool returns the live pool for the current role.
func (e *Env) selectConnpool() *ConnPool {
	e.lockRefused.RLock()
	defer e.lockRefused.RUnlock()
	if e.roleIsBackup {
		return e.connpoolBackup
	}
	return e.connpoolActive
}

// currentServer returns the endpoint matching the current role.
func (e *Env) currentServer() Endpoint {
	e.lockRefused.RLock()
	defer e.lockRefused.RUnlock()
	if e.UseBackup && e.roleIsBackup {
		return e.Backup
	}
	return e.Target
}

// CurrentConn returns the live connection count.
func (e *Env) CurrentConn() int {
	e.lockCurrentConn.Lock()
	defer e.lockCurrentConn.Unlock()
	return e.currentConn
}

// CurrentConnMax returns the connection high-water mark.
func (e *Env) CurrentConnMax() int {
	e.lockCurrentConn.Lock()
	defer e.lockCurrentConn.Unlock()
	return e.currentConnMax
}

func (e *Env) incCurrentConn() {
	e.lockCurrentConn.Lock()
	e.currentConn++
	if e.currentConn > e.currentConnMax {
		e.currentConnMax = e.currentConn
	}
	e.lockCurrentConn.Unlock()
}

// decCurrentConn is the close-path decrement. The > 0 guard absorbs the
// counter reset a failover switch performs while sessions are in flight.
func (e *Env) decCurrentConn() {
	e.lockCurrentConn.Lock()
	if e.currentConn > 0 {
		e.currentConn--
		if e.gracefulPhase == GracefulStopAccept && e.currentConn == 0 {
			e.completeGracefulLocked()
		}
	}
	e.lockCurrentConn.Unlock()
}

// resetCurrentConn is called by the failover switch; in-flight sessions
// exit via role mismatch and the close path's > 0 guard prevents
// double-decrement.
func (e *Env) resetCurrentConn() {
	e.lockCurrentConn.Lock()
	e.currentConn = 0
	e.lockCurrentConn.Unlock()
}

// EnableGraceful moves the shutdown phase from normal to enabled. The
// accept loop advances it to stop_accept on its next tick.
func (e *Env) EnableGraceful() {
	e.lockCurrentConn.Lock()
	if e.gracefulPhase == GracefulNormal {
		e.gracefulPhase = GracefulEnabled
	}
	e.lockCurrentConn.Unlock()
}

// Graceful returns the current shutdown phase.
func (e *Env) Graceful() GracefulPhase {
	e.lockCurrentConn.Lock()
	defer e.lockCurrentConn.Unlock()
	return e.gracefulPhase
}

// GracefulDone is closed once the shutdown phase reaches completed.
func (e *Env) GracefulDone() <-chan struct{} {
	return e.gracefulDone
}

// stopAccept advances enabled -> stop_accept, called from the accept loop.
// With no connections in flight there is no close event left to finish the
// shutdown, so completion is checked here as well.
func (e *Env) stopAccept() {
	e.lockCurrentConn.Lock()
	if e.gracefulPhase == GracefulEnabled {
		e.gracefulPhase = GracefulStopAccept
		if e.currentConn == 0 {
			e.completeGracefulLocked()
		}
	}
	e.lockCurrentConn.Unlock()
}

func (e *Env) completeGracefulLocked() {
	e.gracefulPhase = GracefulCompleted
	close(e.gracefulDone)
}

// SlowLog exposes the slow-query log, mainly for the stats surface.
func (e *Env) SlowLog() *SlowQueryLog {
	return e.slowLog
}

// Workers exposes the worker pool, mainly for the stats surface.
func (e *Env) Workers() *WorkerPool {
	return e.workers
}

// ConnpoolInUse returns the reserved slot count of the live pool.
func (e *Env) ConnpoolInUse() int {
	return e.selectConnpool().InUse()
}
