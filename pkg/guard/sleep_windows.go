//go:build windows

package guard

import (
	"context"
	"fmt"
	"runtime"

	"golang.org/x/sys/windows"
)

const (
	esContinuous     = 0x80000000
	esSystemRequired = 0x00000001
)

var setThreadExecutionState = windows.NewLazySystemDLL("kernel32.dll").NewProc("SetThreadExecutionState")

// executionStateInhibitor calls SetThreadExecutionState. The state is bound
// to the calling thread, so set and reset happen on one locked goroutine.
type executionStateInhibitor struct{}

func platformInhibitor() Inhibitor {
	return executionStateInhibitor{}
}

func (executionStateInhibitor) Inhibit(ctx context.Context) (func() error, error) {
	if err := setThreadExecutionState.Find(); err != nil {
		return nil, err
	}

	started := make(chan error, 1)
	release := make(chan struct{})
	done := make(chan error, 1)

	go func() {
		runtime.LockOSThread()
		defer runtime.UnlockOSThread()

		if r, _, err := setThreadExecutionState.Call(esContinuous | esSystemRequired); r == 0 {
			started <- fmt.Errorf("SetThreadExecutionState: %w", err)
			return
		}
		started <- nil

		<-release
		if r, _, err := setThreadExecutionState.Call(esContinuous); r == 0 {
			done <- fmt.Errorf("SetThreadExecutionState reset: %w", err)
			return
		}
		done <- nil
	}()

	if err := <-started; err != nil {
		return nil, err
	}
	return func() error {
		close(release)
		return <-done
	}, nil
}
