// Package isolate runs one fetch per OS process. The parent re-executes its
// own binary in worker mode, writes a Request to the child's stdin and reads
// a Response from its stdout. The child runs in its own process group so a
// kill also takes down anything it spawned.
package isolate

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"

	"tgload/internal/fetch"
	logx "tgload/pkg/logx"
)

// Request is the child's input.
type Request struct {
	Adapter string        `json:"adapter"`
	Fetch   fetch.Request `json:"fetch"`
}

// Response is the child's output. Exactly one field is set.
type Response struct {
	Artifact *fetch.Artifact `json:"artifact,omitempty"`
	Error    *ErrorPayload   `json:"error,omitempty"`
}

type ErrorPayload struct {
	Kind    fetch.ErrorKind `json:"kind"`
	Message string          `json:"message"`
}

// Launcher starts worker processes.
type Launcher struct {
	// Exe is the binary to run; empty means the current executable.
	Exe string
	// Args select worker mode, e.g. ["fetch"].
	Args []string
	// Env is appended to the parent's environment.
	Env []string
	Log logx.Logger
}

// Start spawns a worker for req. The returned Process is already running.
// Cancelling ctx kills it.
func (l *Launcher) Start(ctx context.Context, req Request) (*Process, error) {
	exe := l.Exe
	if exe == "" {
		var err error
		if exe, err = os.Executable(); err != nil {
			return nil, fmt.Errorf("resolve executable: %w", err)
		}
	}
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	log := l.Log
	if log.IsZero() {
		log = logx.Nop()
	}

	cmd := exec.Command(exe, l.Args...)
	cmd.Env = append(os.Environ(), l.Env...)
	cmd.Stdin = bytes.NewReader(payload)
	p := &Process{cmd: cmd, done: make(chan struct{}), log: log}
	cmd.Stdout = &p.stdout
	cmd.Stderr = &p.stderr
	setProcessGroup(cmd)

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start worker: %w", err)
	}
	log.Debug("worker started", logx.Int("pid", cmd.Process.Pid), logx.String("adapter", req.Adapter), logx.String("job", req.Fetch.JobID))

	go func() {
		p.waitErr = cmd.Wait()
		close(p.done)
	}()
	go func() {
		select {
		case <-ctx.Done():
			_ = p.Kill()
		case <-p.done:
		}
	}()
	return p, nil
}

// Process is a running worker.
type Process struct {
	cmd    *exec.Cmd
	stdout bytes.Buffer
	stderr tailBuffer
	log    logx.Logger

	done    chan struct{}
	waitErr error

	once sync.Once
	art  fetch.Artifact
	err  error
}

func (p *Process) PID() int { return p.cmd.Process.Pid }

// Wait blocks until the worker exits and decodes its response. It may be
// called more than once.
func (p *Process) Wait() (fetch.Artifact, error) {
	<-p.done
	p.once.Do(func() { p.art, p.err = p.decode() })
	return p.art, p.err
}

// Done is closed when the worker has exited.
func (p *Process) Done() <-chan struct{} { return p.done }

// Kill sends SIGKILL to the worker's process group.
func (p *Process) Kill() error {
	select {
	case <-p.done:
		return nil
	default:
	}
	return killProcessGroup(p.cmd)
}

func (p *Process) decode() (fetch.Artifact, error) {
	var resp Response
	decErr := decodeLastLine(p.stdout.Bytes(), &resp)
	if decErr == nil {
		switch {
		case resp.Error != nil:
			return fetch.Artifact{}, &fetch.Error{Kind: resp.Error.Kind, Err: errors.New(resp.Error.Message)}
		case resp.Artifact != nil:
			return *resp.Artifact, nil
		}
	}

	stderr := p.stderr.String()
	if stderr != "" {
		p.log.Warn("worker stderr", logx.Int("pid", p.PID()), logx.String("tail", stderr))
	}
	if p.waitErr != nil {
		return fetch.Artifact{}, &fetch.Error{Kind: fetch.Transient, Err: fmt.Errorf("worker exited: %w", p.waitErr)}
	}
	if decErr == nil || errors.Is(decErr, io.EOF) {
		decErr = errors.New("empty response")
	}
	return fetch.Artifact{}, &fetch.Error{Kind: fetch.Transient, Err: fmt.Errorf("worker response: %w", decErr)}
}

// decodeLastLine decodes the last JSON object line of out. Anything a
// library printed before it is ignored.
func decodeLastLine(out []byte, v any) error {
	lines := bytes.Split(bytes.TrimSpace(out), []byte("\n"))
	for i := len(lines) - 1; i >= 0; i-- {
		line := bytes.TrimSpace(lines[i])
		if len(line) > 0 && line[0] == '{' {
			return json.Unmarshal(line, v)
		}
	}
	return io.EOF
}

// tailBuffer keeps the last tailSize bytes written to it.
type tailBuffer struct {
	mu  sync.Mutex
	buf []byte
}

const tailSize = 4096

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf = append(t.buf, p...)
	if len(t.buf) > tailSize {
		t.buf = append(t.buf[:0], t.buf[len(t.buf)-tailSize:]...)
	}
	return len(p), nil
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return string(bytes.TrimSpace(t.buf))
}
