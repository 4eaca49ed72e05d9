package listener

import (
	"context"
	"errors"
	"net"
	"os"
	"strconv"
	"syscall"
	"testing"
	"time"
)

// TestHelperReplacement is not a real test. Handoff tests re-run the test
// binary with RELAY_TEST_CHILD set so it acts as the replacement process.
func TestHelperReplacement(t *testing.T) {
	mode := os.Getenv("RELAY_TEST_CHILD")
	if mode == "" {
		return
	}
	ln, inherited, err := Open("127.0.0.1:0")
	if err != nil || !inherited {
		os.Exit(2)
	}
	defer ln.Close()
	if mode == "ready" {
		if err := Ready(); err != nil {
			os.Exit(3)
		}
	}
	os.Exit(0)
}

func helperHandoff(t *testing.T, ln net.Listener, mode string) *Handoff {
	t.Helper()
	return &Handoff{
		Listener: ln,
		Args:     []string{os.Args[0], "-test.run=^TestHelperReplacement$"},
		Env:      append(os.Environ(), "RELAY_TEST_CHILD="+mode),
	}
}

func TestHandoffWaitsForReady(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	proc, err := helperHandoff(t, ln, "ready").Start(ctx)
	if err != nil {
		t.Fatalf("handoff: %v", err)
	}
	if proc == nil || proc.Pid == 0 {
		t.Fatalf("expected a started process")
	}
}

func TestHandoffReplacementExitsWithoutReady(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	_, err = helperHandoff(t, ln, "silent").Start(ctx)
	if !errors.Is(err, ErrNotReady) {
		t.Fatalf("expected ErrNotReady, got %v", err)
	}

	// The old listener still accepts after a failed handoff.
	conn, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatalf("dial after failed handoff: %v", err)
	}
	conn.Close()
}

func TestOpenInheritsListener(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	file, err := ln.(*net.TCPListener).File()
	if err != nil {
		t.Fatalf("listener file: %v", err)
	}
	defer file.Close()
	// Open closes the fd it is given.
	fd, err := syscall.Dup(int(file.Fd()))
	if err != nil {
		t.Fatalf("dup: %v", err)
	}
	t.Setenv(envListenFD, strconv.Itoa(fd))

	got, inherited, err := Open("127.0.0.1:0")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer got.Close()
	if !inherited {
		t.Fatalf("expected inherited listener")
	}
	if got.Addr().String() != ln.Addr().String() {
		t.Fatalf("inherited %s, want %s", got.Addr(), ln.Addr())
	}
}

func TestOpenWithoutInheritance(t *testing.T) {
	t.Setenv(envListenFD, "")
	ln, inherited, err := Open("127.0.0.1:0")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer ln.Close()
	if inherited {
		t.Fatalf("did not expect inherited listener")
	}
}

func TestOpenRejectsBadDescriptor(t *testing.T) {
	t.Setenv(envListenFD, "three")
	if _, _, err := Open("127.0.0.1:0"); err == nil {
		t.Fatalf("expected error for invalid descriptor")
	}
}

func TestReadyWithoutParentIsNoop(t *testing.T) {
	t.Setenv(envReadyFD, "")
	if err := Ready(); err != nil {
		t.Fatalf("ready: %v", err)
	}
}

func TestHandoffRequiresListener(t *testing.T) {
	if _, err := (&Handoff{Args: []string{"true"}}).Start(context.Background()); err == nil {
		t.Fatalf("expected error without listener")
	}
}

func TestWithoutHandoffVars(t *testing.T) {
	got := withoutHandoffVars([]string{"A=1", envListenFD + "=3", envReadyFD + "=4", envListenFD + "X=5"})
	if len(got) != 2 || got[0] != "A=1" || got[1] != envListenFD+"X=5" {
		t.Fatalf("unexpected env %v", got)
	}
}
