// Package notify turns a handful of Event Bus events into desktop toast
// notifications, adapted from the teacher's internal/notifications
// package (a Windows-only toast wrapper around a supervisor-needs-input
// alert) generalized from one hardcoded alert to a small, named set of
// daemon lifecycle events worth surfacing outside the daemon's own
// clients: a session finishing review-ready, and an unrecoverable daemon
// error.
package notify

import (
	"fmt"
	"runtime"
	"sync"

	"github.com/apc-daemon/apcd/internal/events"
	"github.com/go-toast/toast"
)

// Notifier subscribes to the Event Bus and raises a toast for each
// session.completed and daemon.error envelope it sees.
type Notifier struct {
	appID        string
	dashboardURL string

	bus       *events.Bus
	subHandle events.Handle
	started   bool
	stopOnce  sync.Once
	done      chan struct{}
}

// New creates a Notifier. dashboardURL is used as the toast's click
// target; pass "" to fall back to the daemon's documented default
// loopback address.
func New(appID, dashboardURL string) *Notifier {
	if appID == "" {
		appID = "apcd"
	}
	if dashboardURL == "" {
		dashboardURL = "http://localhost:19840"
	}
	return &Notifier{appID: appID, dashboardURL: dashboardURL, done: make(chan struct{})}
}

// Start subscribes to the bus and begins raising toasts in the
// background. Call Stop to unsubscribe.
func (n *Notifier) Start(bus *events.Bus) {
	n.bus = bus
	ch, handle := bus.Subscribe([]events.Type{events.SessionCompleted, events.DaemonError})
	n.subHandle = handle
	n.started = true
	go n.loop(ch)
}

func (n *Notifier) loop(ch <-chan events.Envelope) {
	for {
		select {
		case env, ok := <-ch:
			if !ok {
				return
			}
			n.handleEnvelope(env)
		case <-n.done:
			return
		}
	}
}

func (n *Notifier) handleEnvelope(env events.Envelope) {
	switch env.Type {
	case events.SessionCompleted:
		n.show("Session completed", fmt.Sprintf("%s is ready for review", env.SessionID))
	case events.DaemonError:
		msg := "the daemon reported an error"
		if payload, ok := env.Payload.(map[string]any); ok {
			if reason, ok := payload["reason"].(string); ok && reason != "" {
				msg = reason
			}
		}
		n.showUrgent("apcd error", msg)
	}
}

// Stop unsubscribes. Safe to call more than once, and safe to call even
// if Start was never called.
func (n *Notifier) Stop() {
	n.stopOnce.Do(func() {
		close(n.done)
		if n.started {
			n.subHandle.Close()
		}
	})
}

// IsSupported reports whether toast notifications can actually be
// displayed on this platform (Windows only, per go-toast/toast).
func (n *Notifier) IsSupported() bool {
	return runtime.GOOS == "windows"
}

func (n *Notifier) show(title, message string) error {
	if runtime.GOOS != "windows" {
		return fmt.Errorf("toast notifications only supported on windows")
	}
	notification := toast.Notification{
		AppID:   n.appID,
		Title:   title,
		Message: message,
		Audio:   toast.Default,
		Actions: []toast.Action{{Type: "protocol", Label: "Open Dashboard", Arguments: n.dashboardURL}},
	}
	return notification.Push()
}

func (n *Notifier) showUrgent(title, message string) error {
	if runtime.GOOS != "windows" {
		return fmt.Errorf("toast notifications only supported on windows")
	}
	notification := toast.Notification{
		AppID:   n.appID,
		Title:   title,
		Message: message,
		Audio:   toast.IM,
		Actions: []toast.Action{{Type: "protocol", Label: "View Now", Arguments: n.dashboardURL}},
	}
	return notification.Push()
}
