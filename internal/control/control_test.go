package control

import (
	"bufio"
	"context"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/fenilsonani/mta-relay/internal/relay"
)

type fakeResolver struct{}

func (fakeResolver) QueryMX(ctx context.Context, reqID uint64, domain string)                 {}
func (fakeResolver) QueryHost(ctx context.Context, reqID uint64, name string)                 {}
func (fakeResolver) QueryMXPreference(ctx context.Context, reqID uint64, domain, backup string) {}

type fakeLookup struct{}

func (fakeLookup) QuerySecret(ctx context.Context, reqID uint64, table, label string) {}
func (fakeLookup) QuerySource(ctx context.Context, reqID uint64, table string)         {}

type fakeSession struct{}

func (fakeSession) StartSession(ctx context.Context, relayID relay.RelayID, target relay.SessionTarget, nextTask func() *relay.Task) {
}

type fakeQueue struct{}

func (fakeQueue) OK(string)                       {}
func (fakeQueue) Tempfail(string, int, string)    {}
func (fakeQueue) Permfail(string, string)         {}
func (fakeQueue) Loop(string)                     {}
func (fakeQueue) Schedule(string)                 {}

func newTestServer(t *testing.T) (*Server, *relay.Scheduler, string) {
	t.Helper()
	sched := relay.NewScheduler(relay.NewLimitsTable(relay.DefaultLimits()), relay.Collaborators{
		Resolver: fakeResolver{},
		Lookup:   fakeLookup{},
		Session:  fakeSession{},
		Queue:    fakeQueue{},
	}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go sched.Run(ctx)

	sockPath := filepath.Join(t.TempDir(), "control.sock")
	srv := New(Config{SocketPath: sockPath, ShutdownTimeout: time.Second}, sched, nil)

	srvCtx, srvCancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe(srvCtx) }()
	t.Cleanup(func() {
		srvCancel()
		<-errCh
	})

	waitForSocket(t, sockPath)
	return srv, sched, sockPath
}

func waitForSocket(t *testing.T, path string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if conn, err := net.Dial("unix", path); err == nil {
			conn.Close()
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("control socket %s never became available", path)
}

func dial(t *testing.T, path string) (net.Conn, *bufio.Reader) {
	t.Helper()
	conn, err := net.Dial("unix", path)
	if err != nil {
		t.Fatalf("dial control socket: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn, bufio.NewReader(conn)
}

func sendLine(t *testing.T, conn net.Conn, line string) {
	t.Helper()
	if _, err := conn.Write([]byte(line + "\n")); err != nil {
		t.Fatalf("write command: %v", err)
	}
}

func readLine(t *testing.T, r *bufio.Reader) string {
	t.Helper()
	line, err := r.ReadString('\n')
	if err != nil {
		t.Fatalf("read response: %v", err)
	}
	return line[:len(line)-1]
}

func TestShowRoutesSentinel(t *testing.T) {
	_, _, sockPath := newTestServer(t)
	conn, r := dial(t, sockPath)

	sendLine(t, conn, "SHOW_ROUTES")
	line := readLine(t, r)
	if line != "" {
		t.Fatalf("expected sentinel empty line for an empty route table, got %q", line)
	}
}

func TestShowHostStatsSentinel(t *testing.T) {
	_, _, sockPath := newTestServer(t)
	conn, r := dial(t, sockPath)

	sendLine(t, conn, "SHOW_HOSTSTATS")
	line := readLine(t, r)
	if line != "" {
		t.Fatalf("expected sentinel empty line for an empty hoststat table, got %q", line)
	}
}

func TestResumeRouteAck(t *testing.T) {
	_, _, sockPath := newTestServer(t)
	conn, r := dial(t, sockPath)

	sendLine(t, conn, "RESUME_ROUTE 0")
	if line := readLine(t, r); line != "OK" {
		t.Fatalf("expected OK, got %q", line)
	}
}

func TestVerboseAndProfile(t *testing.T) {
	_, sched, sockPath := newTestServer(t)
	conn, r := dial(t, sockPath)

	sendLine(t, conn, "VERBOSE 2")
	if line := readLine(t, r); line != "OK" {
		t.Fatalf("expected OK, got %q", line)
	}
	if sched.Verbose() != 2 {
		t.Fatalf("Verbose() = %d, want 2", sched.Verbose())
	}

	sendLine(t, conn, "PROFILE 1")
	if line := readLine(t, r); line != "OK" {
		t.Fatalf("expected OK, got %q", line)
	}
	if sched.Profile() != 1 {
		t.Fatalf("Profile() = %d, want 1", sched.Profile())
	}
}

func TestUnknownCommand(t *testing.T) {
	_, _, sockPath := newTestServer(t)
	conn, r := dial(t, sockPath)

	sendLine(t, conn, "BOGUS")
	line := readLine(t, r)
	if line == "" || line[:3] != "ERR" {
		t.Fatalf("expected ERR response, got %q", line)
	}
}

func TestResumeRouteBadID(t *testing.T) {
	_, _, sockPath := newTestServer(t)
	conn, r := dial(t, sockPath)

	sendLine(t, conn, "RESUME_ROUTE not-a-number")
	line := readLine(t, r)
	if line == "" || line[:3] != "ERR" {
		t.Fatalf("expected ERR response for a malformed route id, got %q", line)
	}
}
