package lifecycle

import (
	"context"
	"os"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestWaitForShutdown_RunsDrainOnSignal(t *testing.T) {
	drained := make(chan struct{})
	done := make(chan struct{})

	go func() {
		WaitForShutdown(time.Second, func(ctx context.Context) {
			close(drained)
		})
		close(done)
	}()

	time.Sleep(20 * time.Millisecond)
	proc, err := os.FindProcess(os.Getpid())
	assert.NoError(t, err)
	assert.NoError(t, proc.Signal(syscall.SIGTERM))

	select {
	case <-drained:
	case <-time.After(time.Second):
		t.Fatal("drain was not invoked after signal")
	}

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("WaitForShutdown did not return after drain completed")
	}
}

func TestWaitForShutdown_TimesOutIfDrainHangs(t *testing.T) {
	done := make(chan struct{})

	go func() {
		WaitForShutdown(50*time.Millisecond, func(ctx context.Context) {
			<-ctx.Done() // simulate a drain step that never finishes on its own
		})
		close(done)
	}()

	time.Sleep(10 * time.Millisecond)
	proc, err := os.FindProcess(os.Getpid())
	assert.NoError(t, err)
	assert.NoError(t, proc.Signal(syscall.SIGTERM))

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("WaitForShutdown should return once the drain deadline passes")
	}
}
