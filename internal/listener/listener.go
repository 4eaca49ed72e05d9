// Package listener hands the HTTP listening socket to a freshly started copy
// of the daemon so it can be replaced without refusing connections.
//
// The replacement receives the socket as fd 3 and a pipe as fd 4. It calls
// Ready once it is serving; until then the old process keeps serving.
package listener

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"os/exec"
	"strconv"
	"strings"
)

const (
	envListenFD = "RELAY_LISTEN_FD"
	envReadyFD  = "RELAY_READY_FD"

	listenFD = 3
	readyFD  = 4
)

// ErrNotReady means the replacement exited or timed out before calling Ready.
var ErrNotReady = errors.New("replacement process did not become ready")

// Open returns the inherited listener when the process was started by
// Handoff, otherwise a new TCP listener on addr.
func Open(addr string) (net.Listener, bool, error) {
	if fd, ok, err := fdFromEnv(envListenFD); err != nil {
		return nil, false, err
	} else if ok {
		f := os.NewFile(fd, "relay-listener")
		defer f.Close()
		ln, err := net.FileListener(f)
		if err != nil {
			return nil, false, fmt.Errorf("inherited listener: %w", err)
		}
		return ln, true, nil
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, false, fmt.Errorf("listen %s: %w", addr, err)
	}
	return ln, false, nil
}

// Ready tells the process that started this one that it may stop. It is a
// no-op when the process was not started by Handoff.
func Ready() error {
	fd, ok, err := fdFromEnv(envReadyFD)
	if err != nil || !ok {
		return err
	}
	_ = os.Unsetenv(envReadyFD)
	f := os.NewFile(fd, "relay-ready")
	defer f.Close()
	_, err = f.Write([]byte{1})
	return err
}

// Handoff starts a replacement process with Args and Env that inherits
// Listener.
type Handoff struct {
	Listener net.Listener
	Args     []string
	Env      []string
}

// Start launches the replacement and waits until it calls Ready, exits, or
// ctx is done. On failure the replacement is killed and the caller keeps its
// listener.
func (h *Handoff) Start(ctx context.Context) (*os.Process, error) {
	if h.Listener == nil {
		return nil, errors.New("listener not set")
	}
	if len(h.Args) == 0 {
		return nil, errors.New("args not set")
	}
	filer, ok := h.Listener.(interface{ File() (*os.File, error) })
	if !ok {
		return nil, fmt.Errorf("listener %T cannot be inherited", h.Listener)
	}
	lnFile, err := filer.File()
	if err != nil {
		return nil, fmt.Errorf("listener file: %w", err)
	}
	defer lnFile.Close()

	readyR, readyW, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("ready pipe: %w", err)
	}
	defer readyR.Close()

	cmd := exec.Command(h.Args[0], h.Args[1:]...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.Env = append(withoutHandoffVars(h.Env),
		envListenFD+"="+strconv.Itoa(listenFD),
		envReadyFD+"="+strconv.Itoa(readyFD),
	)
	cmd.ExtraFiles = []*os.File{lnFile, readyW}
	err = cmd.Start()
	readyW.Close()
	if err != nil {
		return nil, fmt.Errorf("start replacement: %w", err)
	}

	ready := make(chan error, 1)
	go func() {
		var b [1]byte
		n, err := readyR.Read(b[:])
		if n == 1 {
			ready <- nil
			return
		}
		if err == nil || errors.Is(err, io.EOF) {
			err = ErrNotReady
		}
		ready <- err
	}()

	select {
	case err := <-ready:
		if err == nil {
			go func() { _ = cmd.Wait() }()
			return cmd.Process, nil
		}
		_ = cmd.Process.Kill()
		_ = cmd.Wait()
		if errors.Is(err, ErrNotReady) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", ErrNotReady, err)
	case <-ctx.Done():
		_ = cmd.Process.Kill()
		_ = cmd.Wait()
		return nil, fmt.Errorf("%w: %v", ErrNotReady, ctx.Err())
	}
}

func fdFromEnv(key string) (uintptr, bool, error) {
	v := os.Getenv(key)
	if v == "" {
		return 0, false, nil
	}
	fd, err := strconv.Atoi(v)
	if err != nil || fd < 0 {
		return 0, false, fmt.Errorf("invalid %s %q", key, v)
	}
	return uintptr(fd), true, nil
}

// withoutHandoffVars drops descriptors inherited from an earlier handoff so
// they are not passed on a second time.
func withoutHandoffVars(env []string) []string {
	out := make([]string, 0, len(env)+2)
	for _, kv := range env {
		if strings.HasPrefix(kv, envListenFD+"=") || strings.HasPrefix(kv, envReadyFD+"=") {
			continue
		}
		out = append(out, kv)
	}
	return out
}
