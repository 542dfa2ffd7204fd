package worker

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/pkg/errors"
)

func TestJobCapturesCombinedOutput(t *testing.T) {
	job, err := StartJob(t.TempDir(), "/bin/sh", "-c", "echo out; echo err 1>&2")
	if err != nil {
		t.Fatalf("StartJob failed: %v", err)
	}
	if err := job.Wait(context.Background()); err != nil {
		t.Fatalf("Wait failed: %v", err)
	}
	out := job.Tail()
	if !strings.Contains(out, "out") || !strings.Contains(out, "err") {
		t.Errorf("expected combined stdout and stderr, got %q", out)
	}
}

func TestJobDrainIsIncremental(t *testing.T) {
	job, err := StartJob(t.TempDir(), "/bin/sh", "-c", "echo one")
	if err != nil {
		t.Fatalf("StartJob failed: %v", err)
	}
	job.Wait(context.Background())

	first := job.Drain()
	if !strings.Contains(first, "one") {
		t.Errorf("first drain should carry output, got %q", first)
	}
	if second := job.Drain(); second != "" {
		t.Errorf("second drain should be empty, got %q", second)
	}
	if !strings.Contains(job.Tail(), "one") {
		t.Error("tail should still hold the full output after draining")
	}
}

func TestJobFailureReportsError(t *testing.T) {
	job, err := StartJob(t.TempDir(), "/bin/sh", "-c", "exit 3")
	if err != nil {
		t.Fatalf("StartJob failed: %v", err)
	}
	if err := job.Wait(context.Background()); err == nil {
		t.Fatal("expected a non-zero exit to fail Wait")
	}
}

func TestCancelWinsOverFailure(t *testing.T) {
	// The child traps TERM and exits non-zero; the job must still be
	// reported as canceled, not failed.
	job, err := StartJob(t.TempDir(), "/bin/sh", "-c", "trap 'exit 7' TERM; sleep 30")
	if err != nil {
		t.Fatalf("StartJob failed: %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- job.Wait(context.Background()) }()

	time.Sleep(100 * time.Millisecond)
	job.Cancel(5 * time.Second)

	select {
	case err := <-done:
		if !errors.Is(err, ErrCanceled) {
			t.Errorf("expected ErrCanceled, got %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("job did not stop after cancel")
	}
}

func TestContextCancelStopsJob(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	job, err := StartJob(t.TempDir(), "/bin/sh", "-c", "sleep 30")
	if err != nil {
		t.Fatalf("StartJob failed: %v", err)
	}

	go func() {
		time.Sleep(100 * time.Millisecond)
		cancel()
	}()
	if err := job.Wait(ctx); !errors.Is(err, ErrCanceled) {
		t.Errorf("expected ErrCanceled on context cancel, got %v", err)
	}
}

func TestOutputBufferBounded(t *testing.T) {
	b := &outputBuffer{}
	chunk := make([]byte, 64*1024)
	for i := range chunk {
		chunk[i] = 'x'
	}
	for i := 0; i < 32; i++ {
		b.Write(chunk)
	}
	if got := len(b.Tail()); got > maxOutput {
		t.Errorf("buffer exceeded bound: %d bytes", got)
	}
}

func TestOutputBufferDrainSurvivesRepeatedTrims(t *testing.T) {
	fill := func(c byte, n int) []byte {
		p := make([]byte, n)
		for i := range p {
			p[i] = c
		}
		return p
	}

	// Drain after each write: every drain must return exactly that
	// write, even once earlier trims have shifted the retained window.
	b := &outputBuffer{}
	writes := [][]byte{
		fill('a', 900*1024),
		fill('b', 200*1024),
		fill('c', 150*1024),
		fill('d', 900*1024),
	}
	for _, w := range writes {
		b.Write(w)
		got := b.Drain()
		if len(got) != len(w) {
			t.Fatalf("drain after a %d-byte write returned %d bytes", len(w), len(got))
		}
		if got[0] != w[0] || got[len(got)-1] != w[len(w)-1] {
			t.Fatalf("drain returned stale bytes: %q..%q, want %q", got[0], got[len(got)-1], w[0])
		}
	}
	if b.Drain() != "" {
		t.Error("drain right after a full drain should be empty")
	}
}
