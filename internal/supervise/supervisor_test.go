package supervise

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"pkt.systems/mcpgate/internal/protocol"
	"pkt.systems/pslog"
)

// responderScript turns each request line into a response line with the same
// id by rewriting the method member into an empty result.
const responderScript = `while read line; do printf '%s\n' "$line" | sed 's/"method"/"result":{},"_m"/'; done`

func requireSh(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
}

func shSpec(id, script string) Spec {
	return Spec{
		DeploymentID: id,
		Command:      "sh",
		Args:         []string{"-c", script},
	}
}

func request(id any, method string) *protocol.Message {
	raw, _ := json.Marshal(id)
	return &protocol.Message{
		JSONRPC: protocol.JSONRPCVersion,
		ID:      raw,
		Method:  method,
	}
}

func TestCallCorrelatesConcurrentRequests(t *testing.T) {
	t.Parallel()
	requireSh(t)

	sup := NewSupervisor(pslog.NoopLogger(), WithStatsInterval(0))
	t.Cleanup(func() { sup.Shutdown(context.Background()) })

	h, err := sup.Ensure(context.Background(), shSpec("dep-echo", responderScript))
	if err != nil {
		t.Fatalf("Ensure: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	const n = 16
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			req := request(i, "tools/call")
			resp, err := h.Call(ctx, req)
			if err != nil {
				errs <- fmt.Errorf("call %d: %w", i, err)
				return
			}
			if resp.IDKey() != req.IDKey() {
				errs <- fmt.Errorf("call %d: response id %s", i, resp.IDKey())
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}

	if got := h.State(); got != StateRunning {
		t.Fatalf("state = %v, want running", got)
	}
}

func TestCallHandlesOutOfOrderResponses(t *testing.T) {
	t.Parallel()
	requireSh(t)

	// Read two requests, answer the second first.
	script := `read a; read b; printf '%s\n' "$b" "$a" | sed 's/"method"/"result":{},"_m"/'; cat >/dev/null`
	sup := NewSupervisor(pslog.NoopLogger(), WithStatsInterval(0))
	t.Cleanup(func() { sup.Shutdown(context.Background()) })

	h, err := sup.Ensure(context.Background(), shSpec("dep-ooo", script))
	if err != nil {
		t.Fatalf("Ensure: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	type result struct {
		key string
		err error
	}
	resA := make(chan result, 1)
	go func() {
		resp, err := h.Call(ctx, request("a", "ping"))
		if err != nil {
			resA <- result{err: err}
			return
		}
		resA <- result{key: resp.IDKey()}
	}()
	// The child only answers after seeing both lines; give the first write a
	// moment so the read order is deterministic.
	time.Sleep(100 * time.Millisecond)

	respB, err := h.Call(ctx, request("b", "ping"))
	if err != nil {
		t.Fatalf("call b: %v", err)
	}
	if respB.IDKey() != `"b"` {
		t.Fatalf("call b got response id %s", respB.IDKey())
	}
	ra := <-resA
	if ra.err != nil {
		t.Fatalf("call a: %v", ra.err)
	}
	if ra.key != `"a"` {
		t.Fatalf("call a got response id %s", ra.key)
	}
}

func TestCallFailsPendingOnExit(t *testing.T) {
	t.Parallel()
	requireSh(t)

	sup := NewSupervisor(pslog.NoopLogger(), WithStatsInterval(0))
	t.Cleanup(func() { sup.Shutdown(context.Background()) })

	h, err := sup.Ensure(context.Background(), shSpec("dep-crash", `read line; exit 3`))
	if err != nil {
		t.Fatalf("Ensure: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_, err = h.Call(ctx, request(1, "ping"))
	if !errors.Is(err, ErrTerminated) {
		t.Fatalf("err = %v, want ErrTerminated", err)
	}
	if !strings.Contains(err.Error(), "exit code 3") {
		t.Fatalf("err = %v, want exit code 3", err)
	}
	if got := h.LastExitCode(); got != 3 {
		t.Fatalf("LastExitCode = %d, want 3", got)
	}
}

func TestEnsureReusesLiveHandle(t *testing.T) {
	t.Parallel()
	requireSh(t)

	sup := NewSupervisor(pslog.NoopLogger(), WithStatsInterval(0))
	t.Cleanup(func() { sup.Shutdown(context.Background()) })

	spec := shSpec("dep-reuse", `cat >/dev/null`)
	h1, err := sup.Ensure(context.Background(), spec)
	if err != nil {
		t.Fatalf("Ensure: %v", err)
	}
	h2, err := sup.Ensure(context.Background(), spec)
	if err != nil {
		t.Fatalf("Ensure again: %v", err)
	}
	if h1 != h2 {
		t.Fatal("Ensure spawned a second process for a live deployment")
	}

	h1.Kill()
	select {
	case <-h1.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("process did not exit after Kill")
	}

	h3, err := sup.Ensure(context.Background(), spec)
	if err != nil {
		t.Fatalf("Ensure after exit: %v", err)
	}
	if h3 == h1 {
		t.Fatal("Ensure returned an exited handle")
	}
	if h3.State() == StateExited {
		t.Fatal("fresh handle already exited")
	}
}

func TestEnsureSerializesPerDeployment(t *testing.T) {
	t.Parallel()
	requireSh(t)

	sup := NewSupervisor(pslog.NoopLogger(), WithStatsInterval(0))
	t.Cleanup(func() { sup.Shutdown(context.Background()) })

	spec := shSpec("dep-race", `cat >/dev/null`)
	const n = 8
	handles := make([]*Handle, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			h, err := sup.Ensure(context.Background(), spec)
			if err != nil {
				t.Errorf("Ensure %d: %v", i, err)
				return
			}
			handles[i] = h
		}(i)
	}
	wg.Wait()
	for i := 1; i < n; i++ {
		if handles[i] != handles[0] {
			t.Fatalf("concurrent Ensure produced distinct handles (%d)", i)
		}
	}
}

func TestNotifyWritesWithoutWaiting(t *testing.T) {
	t.Parallel()
	requireSh(t)

	dir := t.TempDir()
	out := filepath.Join(dir, "sink")
	sup := NewSupervisor(pslog.NoopLogger(), WithStatsInterval(0), WithStopGrace(time.Second))
	t.Cleanup(func() { sup.Shutdown(context.Background()) })

	h, err := sup.Ensure(context.Background(), shSpec("dep-notify", `cat > `+out))
	if err != nil {
		t.Fatalf("Ensure: %v", err)
	}

	note := &protocol.Message{JSONRPC: protocol.JSONRPCVersion, Method: "notifications/progress"}
	if err := h.Notify(context.Background(), note); err != nil {
		t.Fatalf("Notify: %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for {
		data, err := os.ReadFile(out)
		if err == nil && strings.Contains(string(data), "notifications/progress") {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("notification never reached the child (read %q, err %v)", data, err)
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func TestWriteToClosedStdinIsTerminated(t *testing.T) {
	t.Parallel()
	requireSh(t)

	sup := NewSupervisor(pslog.NoopLogger(), WithStatsInterval(0), WithStopGrace(time.Second))
	t.Cleanup(func() { sup.Shutdown(context.Background()) })

	// The child drops its end of the stdin pipe and lingers, so a write can
	// fail while the process is still alive.
	h, err := sup.Ensure(context.Background(), shSpec("dep-deaf", `exec 0<&- >/dev/null 2>&1; exec sleep 30`))
	if err != nil {
		t.Fatalf("Ensure: %v", err)
	}

	note := &protocol.Message{JSONRPC: protocol.JSONRPCVersion, Method: "notifications/progress"}
	deadline := time.Now().Add(5 * time.Second)
	for {
		err := h.Notify(context.Background(), note)
		if err != nil {
			if !errors.Is(err, ErrTerminated) {
				t.Fatalf("err = %v, want ErrTerminated", err)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("writes kept succeeding after the child closed stdin")
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func TestCallContextCancellation(t *testing.T) {
	t.Parallel()
	requireSh(t)

	sup := NewSupervisor(pslog.NoopLogger(), WithStatsInterval(0))
	t.Cleanup(func() { sup.Shutdown(context.Background()) })

	h, err := sup.Ensure(context.Background(), shSpec("dep-slow", `cat >/dev/null`))
	if err != nil {
		t.Fatalf("Ensure: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_, err = h.Call(ctx, request(1, "ping"))
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want deadline exceeded", err)
	}
	// The slot is discarded; the handle stays usable.
	if h.State() == StateExited {
		t.Fatal("handle exited after a cancelled call")
	}
}
