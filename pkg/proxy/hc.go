package proxy

import (
	"fmt"
	"math/rand"
	"net"
	"os"
	"time"

	"github.com/pixiv/neoagent/pkg/logger"
)

const (
	hcTestKey = "neoagent_test_key"
	hcTestVal = "neoagent_test_val"
)

// HealthChecker probes the active endpoint on a timer and flips the proxy
// between active and backup roles. It runs on its own goroutine and is the
// only writer of the role flags.
type HealthChecker struct {
	env *Env

	// Cadence knobs; tests shorten them.
	InitialDelay time.Duration
	Interval     time.Duration
	SleepBase    time.Duration
	SleepStep    time.Duration
	CmdTimeout   time.Duration

	conn net.Conn
	stop chan struct{}
}

// NewHealthChecker creates a checker with the production cadence: first
// probe after 3s, then every 5s, 200-290ms between probe iterations.
func NewHealthChecker(env *Env) *HealthChecker {
	return &HealthChecker{
		env:          env,
		InitialDelay: 3 * time.Second,
		Interval:     5 * time.Second,
		SleepBase:    200 * time.Millisecond,
		SleepStep:    10 * time.Millisecond,
		CmdTimeout:   2 * time.Second,
	}
}

// Run blocks, probing on the configured cadence until Stop is called.
// It is a no-op for environments without a backup server.
func (h *HealthChecker) Run() {
	if !h.env.UseBackup {
		return
	}
	h.stop = make(chan struct{})

	timer := time.NewTimer(h.InitialDelay)
	defer timer.Stop()
	for {
		select {
		case <-h.stop:
			if h.conn != nil {
				h.conn.Close()
			}
			return
		case <-timer.C:
			h.tick()
			timer.Reset(h.Interval)
		}
	}
}

// Stop ends Run.
func (h *HealthChecker) Stop() {
	if h.stop != nil {
		close(h.stop)
	}
}

// tick performs one health-check round against the active endpoint and
// applies the failover decision.
func (h *HealthChecker) tick() {
	if h.env.RoleIsBackup() {
		// Serving from backup: probe whether the active server recovered.
		if h.conn != nil {
			h.conn.Close()
		}
		conn, err := net.DialTimeout("tcp", h.env.Target.Addr, connectTimeout)
		if err != nil {
			h.conn = nil
			return
		}
		h.conn = conn
		if h.probe() {
			h.switchRole(false)
			logger.Warn("switch target server", "env", h.env.Name, "server", h.env.Target.Addr)
		}
		return
	}

	if h.conn == nil {
		conn, err := net.DialTimeout("tcp", h.env.Target.Addr, connectTimeout)
		if err != nil {
			h.failActive()
			return
		}
		h.conn = conn
	}

	if !h.probe() {
		h.failActive()
	}
}

func (h *HealthChecker) failActive() {
	h.switchRole(true)
	logger.Warn("switch backup server", "env", h.env.Name, "server", h.env.Backup.Addr)
	if h.conn != nil {
		h.conn.Close()
		h.conn = nil
	}
}

// probe runs the set/get/delete transaction TryMax times and declares the
// upstream healthy unless every command of every iteration failed.
func (h *HealthChecker) probe() bool {
	hostname, _ := os.Hostname()
	key := fmt.Sprintf("%s_%s", hcTestKey, hostname)
	val := fmt.Sprintf("%s_%s", hcTestVal, hostname)

	setCmd := fmt.Sprintf("set %s 0 0 %d\r\n%s\r\n", key, len(val), val)
	getCmd := fmt.Sprintf("get %s\r\n", key)
	delCmd := fmt.Sprintf("delete %s\r\n", key)
	getRes := fmt.Sprintf("VALUE %s 0 %d\r\n%s\r\nEND\r\n", key, len(val), val)

	tryMax := h.env.TryMax
	failed := 0
	for i := 0; i < tryMax; i++ {
		if !h.command(setCmd, "STORED\r\n") {
			failed++
		}
		if !h.command(getCmd, getRes) {
			failed++
		}
		if !h.command(delCmd, "DELETED\r\n") {
			failed++
		}
		time.Sleep(h.SleepBase + time.Duration(rand.Intn(10))*h.SleepStep)
	}

	return failed != tryMax*3
}

// command writes one probe command and compares the first read against the
// exact expected response.
func (h *HealthChecker) command(cmd, expected string) bool {
	if h.conn == nil {
		return false
	}
	h.conn.SetDeadline(time.Now().Add(h.CmdTimeout))
	if _, err := h.conn.Write([]byte(cmd)); err != nil {
		return false
	}
	buf := make([]byte, 4096)
	n, err := h.conn.Read(buf)
	if err != nil {
		return false
	}
	return string(buf[:n]) == expected
}

// switchRole is the failover switch: block admissions, flip the role, swap
// the live connection pool, and reset the connection counter. In-flight
// sessions observe the flipped role on their next iteration and exit.
func (h *HealthChecker) switchRole(toBackup bool) {
	e := h.env

	e.lockRefused.Lock()
	e.quiescing = true
	e.roleIsBackup = toBackup

	// The pool being rotated out keeps its connections but loses its
	// reservations; dying sessions then close rather than return them.
	if toBackup {
		e.connpoolActive.resetMarks()
	} else {
		e.connpoolBackup.resetMarks()
	}

	e.resetCurrentConn()
	e.quiescing = false
	e.lockRefused.Unlock()
}
