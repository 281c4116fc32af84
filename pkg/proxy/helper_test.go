package proxy

import (
	"bufio"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"

	"github.com/pixiv/neoagent/pkg/config"
	"github.com/pixiv/neoagent/pkg/logger"
)

func init() {
	logger.Init("ERROR")
}

// fakeMemcached is an in-process memcached-compatible upstream speaking the
// text protocol: get (multi-key), set, delete, quit.
type fakeMemcached struct {
	listener net.Listener

	mu    sync.Mutex
	store map[string]string

	// delay is applied before each response, to exercise slow queries.
	delay time.Duration
}

func newFakeMemcached(t *testing.T) *fakeMemcached {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	f := &fakeMemcached{
		listener: l,
		store:    make(map[string]string),
	}
	go f.serve()
	t.Cleanup(func() { l.Close() })
	return f
}

func (f *fakeMemcached) addr() string {
	return f.listener.Addr().String()
}

func (f *fakeMemcached) set(key, val string) {
	f.mu.Lock()
	f.store[key] = val
	f.mu.Unlock()
}

func (f *fakeMemcached) serve() {
	for {
		conn, err := f.listener.Accept()
		if err != nil {
			return
		}
		go f.handle(conn)
	}
}

func (f *fakeMemcached) handle(conn net.Conn) {
	defer conn.Close()
	r := bufio.NewReader(conn)
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return
		}
		line = strings.TrimRight(line, "\r\n")
		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}

		if f.delay > 0 {
			time.Sleep(f.delay)
		}

		switch fields[0] {
		case "get", "gets":
			var b strings.Builder
			f.mu.Lock()
			for _, key := range fields[1:] {
				if val, ok := f.store[key]; ok {
					fmt.Fprintf(&b, "VALUE %s 0 %d\r\n%s\r\n", key, len(val), val)
				}
			}
			f.mu.Unlock()
			b.WriteString("END\r\n")
			conn.Write([]byte(b.String()))
		case "set":
			if len(fields) < 5 {
				conn.Write([]byte("CLIENT_ERROR bad command line format\r\n"))
				continue
			}
			n, _ := strconv.Atoi(fields[4])
			payload := make([]byte, n+2)
			if _, err := io.ReadFull(r, payload); err != nil {
				return
			}
			f.set(fields[1], string(payload[:n]))
			conn.Write([]byte("STORED\r\n"))
		case "delete":
			f.mu.Lock()
			_, ok := f.store[fields[1]]
			delete(f.store, fields[1])
			f.mu.Unlock()
			if ok {
				conn.Write([]byte("DELETED\r\n"))
			} else {
				conn.Write([]byte("NOT_FOUND\r\n"))
			}
		case "quit":
			return
		default:
			conn.Write([]byte("ERROR\r\n"))
		}
	}
}

// testEnvConfig returns a small environment pointing at target.
func testEnvConfig(target string) config.Environment {
	return config.Environment{
		Name:            "test",
		TargetServer:    target,
		WorkerMax:       2,
		ConnMax:         16,
		ConnpoolMax:     4,
		ClientPoolMax:   4,
		TryMax:          1,
		RequestBufsize:  64,
		ResponseBufsize: 64,
	}
}

func newTestEnv(t *testing.T, cfg config.Environment) *Env {
	t.Helper()
	env, err := NewEnv(cfg, afero.NewMemMapFs())
	require.NoError(t, err)
	return env
}

// startProxy runs a server for env and returns its dial address.
func startProxy(t *testing.T, env *Env, cfg config.Environment) (*Server, string) {
	t.Helper()
	srv := NewServer(env, cfg)
	require.NoError(t, srv.Listen())
	go srv.Serve()
	t.Cleanup(func() { srv.Close() })
	return srv, srv.Addr().String()
}

// roundTrip writes a request on conn and reads until the response matches
// the expectation or the deadline expires.
func roundTrip(t *testing.T, conn net.Conn, req, want string) {
	t.Helper()
	_, err := conn.Write([]byte(req))
	require.NoError(t, err)

	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	buf := make([]byte, 4096)
	got := ""
	for got != want {
		n, err := conn.Read(buf)
		require.NoError(t, err, "waiting for %q, got %q so far", want, got)
		got += string(buf[:n])
	}
	require.Equal(t, want, got)
}

// waitFor polls cond until it holds or the timeout expires.
func waitFor(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	require.Fail(t, "condition not met", msg)
}
