package signal

import (
	"testing"
	"time"
)

func TestInterruptListenerShutdownRequest(t *testing.T) {
	interrupt := InterruptListener()
	if InterruptRequested(interrupt) {
		t.Fatalf("InterruptRequested returned true before any request")
	}

	ShutdownRequestChannel <- struct{}{}

	select {
	case <-interrupt:
	case <-time.After(5 * time.Second):
		t.Fatalf("The interrupt channel wasn't closed after a shutdown request")
	}
	if !InterruptRequested(interrupt) {
		t.Fatalf("InterruptRequested returned false after a shutdown request")
	}
}
