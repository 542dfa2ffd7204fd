// Package worker implements the polling runtimes that execute create,
// download, and write tasks against the scheduler API.
package worker

import (
	"context"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/pkg/errors"
)

// ErrCanceled reports that a job was stopped on request rather than
// failing on its own.
var ErrCanceled = errors.New("job canceled")

// maxOutput bounds the retained tail of a job's combined output.
const maxOutput = 1 << 20

// outputBuffer retains a bounded tail of subprocess output and tracks
// what has already been shipped to the scheduler.
type outputBuffer struct {
	mu      sync.Mutex
	data    []byte
	shipped int
}

func (b *outputBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.data = append(b.data, p...)
	if len(b.data) > maxOutput {
		drop := len(b.data) - maxOutput
		b.data = b.data[drop:]
		if b.shipped > drop {
			b.shipped -= drop
		} else {
			b.shipped = 0
		}
	}
	return len(p), nil
}

// Drain returns output accumulated since the previous drain.
func (b *outputBuffer) Drain() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := string(b.data[b.shipped:])
	b.shipped = len(b.data)
	return out
}

// Tail returns the retained output.
func (b *outputBuffer) Tail() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return string(b.data)
}

// Job supervises one external command: combined stdout and stderr are
// captured live, and cancellation sends SIGTERM, waits out a grace
// period, then SIGKILLs.
type Job struct {
	cmd *exec.Cmd
	buf *outputBuffer

	done chan struct{}

	mu       sync.Mutex
	waitErr  error
	canceled bool
}

// StartJob launches the command in dir.
func StartJob(dir, name string, args ...string) (*Job, error) {
	j := &Job{
		buf:  &outputBuffer{},
		done: make(chan struct{}),
	}
	cmd := exec.Command(name, args...)
	cmd.Dir = dir
	cmd.Stdout = j.buf
	cmd.Stderr = j.buf
	// A separate process group so the TERM/KILL signals reach the whole
	// tree, not just the direct child.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := cmd.Start(); err != nil {
		return nil, errors.Wrapf(err, "start %s", name)
	}
	j.cmd = cmd

	go func() {
		err := cmd.Wait()
		j.mu.Lock()
		j.waitErr = err
		j.mu.Unlock()
		close(j.done)
	}()
	return j, nil
}

// Cancel asks the job to stop. After the grace period the process group
// is killed outright.
func (j *Job) Cancel(grace time.Duration) {
	j.mu.Lock()
	if j.canceled {
		j.mu.Unlock()
		return
	}
	j.canceled = true
	j.mu.Unlock()

	pgid := -j.cmd.Process.Pid
	syscall.Kill(pgid, syscall.SIGTERM)

	select {
	case <-j.done:
	case <-time.After(grace):
		syscall.Kill(pgid, syscall.SIGKILL)
	}
}

// Wait blocks until the job exits or the context ends. A canceled job
// always reports ErrCanceled, even when the process also failed.
func (j *Job) Wait(ctx context.Context) error {
	select {
	case <-ctx.Done():
		j.Cancel(10 * time.Second)
		<-j.done
		return ErrCanceled
	case <-j.done:
	}

	j.mu.Lock()
	defer j.mu.Unlock()
	if j.canceled {
		return ErrCanceled
	}
	return errors.Wrap(j.waitErr, "job failed")
}

// Drain returns output produced since the previous drain.
func (j *Job) Drain() string { return j.buf.Drain() }

// Tail returns the retained output tail.
func (j *Job) Tail() string { return j.buf.Tail() }
