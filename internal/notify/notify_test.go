package notify

import (
	"runtime"
	"testing"

	"github.com/apc-daemon/apcd/internal/events"
)

func TestNotifier_IsSupportedReflectsPlatform(t *testing.T) {
	n := New("", "")
	if n.appID != "apcd" {
		t.Fatalf("expected default appID, got %q", n.appID)
	}
	if got, want := n.IsSupported(), runtime.GOOS == "windows"; got != want {
		t.Fatalf("IsSupported() = %v on %s, want %v", got, runtime.GOOS, want)
	}
}

func TestNotifier_StopBeforeStartDoesNotPanic(t *testing.T) {
	n := New("test", "")
	n.Stop()
	n.Stop()
}

func TestNotifier_StartStopUnsubscribes(t *testing.T) {
	bus := events.NewBus(nil)
	n := New("test", "")
	n.Start(bus)
	n.Stop()
}
