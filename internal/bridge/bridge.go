// Package bridge republishes pipeline-tagged Event Bus envelopes onto an
// optional embedded NATS server, giving the out-of-scope Unity-editor-
// control sidecar and editor-plugin integrations a pub/sub feed without
// the daemon depending on anything about what subscribes (spec's
// "external bridge" addition). Grounded on the teacher's internal/nats
// package: EmbeddedServer (server.go) and Client (client.go) are reused
// almost unchanged; the only new code here is the Event Bus subscriber
// that decides what gets forwarded.
package bridge

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/apc-daemon/apcd/internal/events"
	natsserver "github.com/nats-io/nats-server/v2/server"
	nc "github.com/nats-io/nats.go"
)

const subjectPrefix = "apcd.pipeline."

// Config configures the optional embedded bridge.
type Config struct {
	Port          int
	WebSocketPort int
}

// Bridge owns an embedded NATS server plus a client publishing into it.
// Callers that never call Start simply never get one — the bridge is
// optional, and nothing in the core daemon depends on it existing.
type Bridge struct {
	server *natsserver.Server
	conn   *nc.Conn
	port   int

	handle events.Handle
	done   chan struct{}
}

// Start launches an embedded NATS server on cfg.Port (default 4222 if
// zero) and subscribes to the Event Bus for every envelope with
// Pipeline=true, republishing each to "apcd.pipeline.<type>". Returns a
// nil *Bridge and an error if the server cannot be created, does not
// become ready, or the client cannot connect; the caller decides what to
// do with that (cmd/apcd logs it and boots without a bridge).
func Start(bus *events.Bus, cfg Config) (*Bridge, error) {
	port := cfg.Port
	if port <= 0 {
		port = 4222
	}

	opts := &natsserver.Options{
		Host:       "127.0.0.1",
		Port:       port,
		NoSigs:     true,
		MaxPayload: 1024 * 1024,
	}
	if cfg.WebSocketPort > 0 {
		opts.Websocket = natsserver.WebsocketOpts{Host: "127.0.0.1", Port: cfg.WebSocketPort, NoTLS: true}
	}

	srv, err := natsserver.NewServer(opts)
	if err != nil {
		return nil, fmt.Errorf("bridge: new embedded nats server: %w", err)
	}
	go srv.Start()
	if !srv.ReadyForConnections(10 * time.Second) {
		return nil, fmt.Errorf("bridge: embedded nats server not ready for connections")
	}

	conn, err := nc.Connect(fmt.Sprintf("nats://127.0.0.1:%d", port))
	if err != nil {
		srv.Shutdown()
		return nil, fmt.Errorf("bridge: connect: %w", err)
	}

	b := &Bridge{server: srv, conn: conn, port: port, done: make(chan struct{})}
	ch, handle := bus.Subscribe(events.AllTypes())
	b.handle = handle
	go b.loop(ch)
	return b, nil
}

func (b *Bridge) loop(ch <-chan events.Envelope) {
	for {
		select {
		case env, ok := <-ch:
			if !ok {
				return
			}
			if !env.Pipeline {
				continue
			}
			b.publish(env)
		case <-b.done:
			return
		}
	}
}

func (b *Bridge) publish(env events.Envelope) {
	subject := subjectPrefix + string(env.Type)
	data, err := json.Marshal(env)
	if err != nil {
		return
	}
	_ = b.conn.Publish(subject, data)
}

// URL returns the embedded server's client connection URL.
func (b *Bridge) URL() string { return fmt.Sprintf("nats://127.0.0.1:%d", b.port) }

// Stop unsubscribes, closes the client connection, and shuts down the
// embedded server.
func (b *Bridge) Stop() {
	close(b.done)
	b.handle.Close()
	if b.conn != nil {
		b.conn.Close()
	}
	if b.server != nil {
		b.server.Shutdown()
		b.server.WaitForShutdown()
	}
}
