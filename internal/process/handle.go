package process

import (
	"bufio"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/tuleaj/plugin-aggregator/internal/shared/faults"
)

// NotificationKind distinguishes the lifecycle signals a handle emits
type NotificationKind int

const (
	// NotifyStarted fires once the OS confirms the process launched
	NotifyStarted NotificationKind = iota
	// NotifyFinished fires on process exit, carrying code and abnormality
	NotifyFinished
	// NotifyErrored fires on OS-level failures that are not exits
	NotifyErrored
	// NotifyOutput carries one line of stdout or stderr
	NotifyOutput
)

// Notification is one asynchronous lifecycle signal from a live process
type Notification struct {
	Kind     NotificationKind
	ExitCode int
	// Abnormal is set when the process was killed by a signal rather
	// than exiting on its own; the exit code is unreliable in that case.
	Abnormal bool
	Stream   string
	Chunk    string
	Err      error
}

// SpawnSpec describes one process launch
type SpawnSpec struct {
	Executable string
	Args       []string
	WorkingDir string
	// Extra environment entries appended to the parent environment
	Env []string
}

// Handle wraps one live OS process. Lifecycle signals are delivered on the
// Notifications channel, which is closed after the terminal notification.
type Handle interface {
	Pid() int
	Alive() bool
	Terminate() error
	Kill() error
	// WaitExit blocks up to d for process exit; false on timeout
	WaitExit(d time.Duration) bool
	Notifications() <-chan Notification
}

// Spawner launches processes; swapped for a fake in supervisor tests
type Spawner func(spec SpawnSpec) (Handle, error)

// notifyBuffer absorbs output bursts so a slow consumer does not stall
// the pipe-draining goroutines.
const notifyBuffer = 128

type osHandle struct {
	cmd    *exec.Cmd
	notify chan Notification
	// closed on exit; the liveness signal behind Alive and WaitExit
	done chan struct{}
}

// Spawn launches the process described by spec. A start rejection is
// returned as ProcessSpawnFailed; after a successful start all further
// signals arrive via Notifications.
func Spawn(spec SpawnSpec) (Handle, error) {
	cmd := exec.Command(spec.Executable, spec.Args...)
	cmd.Dir = spec.WorkingDir
	if len(spec.Env) > 0 {
		cmd.Env = append(os.Environ(), spec.Env...)
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, faults.Wrap(faults.ProcessSpawnFailed, err, "stdout pipe for %s", spec.Executable)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		stdout.Close()
		return nil, faults.Wrap(faults.ProcessSpawnFailed, err, "stderr pipe for %s", spec.Executable)
	}

	if err := cmd.Start(); err != nil {
		stdout.Close()
		stderr.Close()
		return nil, faults.Wrap(faults.ProcessSpawnFailed, err, "cannot start %s", spec.Executable)
	}

	h := &osHandle{
		cmd:    cmd,
		notify: make(chan Notification, notifyBuffer),
		done:   make(chan struct{}),
	}

	h.send(Notification{Kind: NotifyStarted})

	var drained sync.WaitGroup
	drained.Add(2)
	go h.drain("stdout", stdout, &drained)
	go h.drain("stderr", stderr, &drained)
	go h.monitor(&drained)

	return h, nil
}

func (h *osHandle) Pid() int {
	if h.cmd.Process == nil {
		return -1
	}
	return h.cmd.Process.Pid
}

func (h *osHandle) Alive() bool {
	select {
	case <-h.done:
		return false
	default:
		return true
	}
}

func (h *osHandle) Terminate() error {
	if !h.Alive() {
		return nil
	}
	return h.cmd.Process.Signal(syscall.SIGTERM)
}

func (h *osHandle) Kill() error {
	if !h.Alive() {
		return nil
	}
	return h.cmd.Process.Kill()
}

func (h *osHandle) WaitExit(d time.Duration) bool {
	select {
	case <-h.done:
		return true
	case <-time.After(d):
		return false
	}
}

func (h *osHandle) Notifications() <-chan Notification {
	return h.notify
}

// send delivers a notification without ever blocking a pipe drainer or
// the monitor; an unread handle drops output rather than deadlocking.
func (h *osHandle) send(n Notification) {
	select {
	case h.notify <- n:
	default:
	}
}

func (h *osHandle) drain(stream string, r io.Reader, drained *sync.WaitGroup) {
	defer drained.Done()
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		h.send(Notification{Kind: NotifyOutput, Stream: stream, Chunk: scanner.Text()})
	}
}

func (h *osHandle) monitor(drained *sync.WaitGroup) {
	// Pipes must be fully read before Wait per the os/exec contract
	drained.Wait()
	err := h.cmd.Wait()

	code, abnormal := 0, false
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			code = exitErr.ExitCode()
			// A signal-killed process reports -1 with Exited()==false
			abnormal = !exitErr.ProcessState.Exited()
		} else {
			close(h.done)
			h.notify <- Notification{Kind: NotifyErrored, Err: err}
			close(h.notify)
			return
		}
	}

	close(h.done)
	h.notify <- Notification{Kind: NotifyFinished, ExitCode: code, Abnormal: abnormal}
	close(h.notify)
}
