package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/gorilla/websocket"
	"github.com/mithem/compolvo/internal/bus"
	"github.com/mithem/compolvo/pkg/console"
	"github.com/mithem/compolvo/pkg/debug"
)

// InfiniteRetries disables the reconnect budget.
const InfiniteRetries = -1

const (
	reconnectInterval     = time.Second
	handshakeTimeout      = 10 * time.Second
	maxConcurrentCommands = 4
)

// Client maintains the agent's connection to the server: it logs in,
// subscribes to its command topics and executes inbound commands without
// blocking the network loop. Status reports go through the outbound queue so
// a send failure never drops one.
type Client struct {
	cfg    *Config
	runner PlaybookRunner
	dialer *websocket.Dialer

	outbound chan []byte
	workers  chan struct{}
}

// NewClient creates a client for the given config and playbook runner.
func NewClient(cfg *Config, runner PlaybookRunner) *Client {
	return &Client{
		cfg:      cfg,
		runner:   runner,
		dialer:   &websocket.Dialer{HandshakeTimeout: handshakeTimeout},
		outbound: make(chan []byte, 256),
		workers:  make(chan struct{}, maxConcurrentCommands),
	}
}

// Run connects and reconnects until the context is cancelled or the retry
// budget is exhausted. Pass InfiniteRetries to reconnect forever.
func (c *Client) Run(ctx context.Context, retries int) error {
	for retries == InfiniteRetries || retries > 0 {
		err := c.runSession(ctx)
		if err == nil || ctx.Err() != nil {
			return ctx.Err()
		}
		console.Warning("Connection lost: %v", err)
		debug.Error("Session ended: %v", err)

		if retries != InfiniteRetries {
			retries--
			if retries == 0 {
				break
			}
		}
		select {
		case <-time.After(reconnectInterval):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return fmt.Errorf("retry budget exhausted")
}

// runSession runs one connection from dial to disconnect.
func (c *Client) runSession(ctx context.Context) error {
	url := c.cfg.Compolvo.WebsocketURL()
	debug.Info("Connecting to %s", url)

	conn, _, err := c.dialer.DialContext(ctx, url, nil)
	if err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}
	defer conn.Close()

	if err := c.login(conn); err != nil {
		return err
	}
	for _, eventType := range []bus.EventType{bus.EventInstallSoftware, bus.EventUninstallSoftware} {
		if err := c.subscribe(conn, eventType); err != nil {
			return err
		}
	}
	console.Success("Connected and subscribed to command topics")

	// The reader goroutine feeds inbound frames to the session loop so the
	// loop can service outbound work while the connection is idle. done lets
	// the reader exit when the loop returns first with the buffer full.
	inbound := make(chan []byte, 16)
	readErr := make(chan error, 1)
	done := make(chan struct{})
	defer close(done)
	go func() {
		defer close(inbound)
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				readErr <- err
				return
			}
			select {
			case inbound <- data:
			case <-done:
				return
			}
		}
	}()

	for {
		select {
		case data, ok := <-inbound:
			if !ok {
				return <-readErr
			}
			c.dispatch(ctx, data)

		case frame := <-c.outbound:
			conn.SetWriteDeadline(time.Now().Add(handshakeTimeout))
			if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				// Keep the report for the next session.
				c.enqueue(frame)
				return fmt.Errorf("failed to send status report: %w", err)
			}
			debug.Debug("Sent status report")

		case <-ctx.Done():
			conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second))
			return ctx.Err()
		}
	}
}

// login sends the agent-login event and waits for the acknowledgment.
func (c *Client) login(conn *websocket.Conn) error {
	message, err := json.Marshal(bus.AgentLoginMessage{AgentID: c.cfg.Agent.ID})
	if err != nil {
		return err
	}
	event, err := json.Marshal(bus.Event{
		Type:      bus.EventAgentLogin,
		Recipient: &bus.Recipient{SubscriberType: bus.SubscriberServer},
		Message:   message,
		Ephemeral: true,
	})
	if err != nil {
		return err
	}
	frame, err := json.Marshal(map[string]json.RawMessage{"event": event})
	if err != nil {
		return err
	}

	if err := c.writeAndAwaitAck(conn, frame); err != nil {
		return fmt.Errorf("login failed: %w", err)
	}
	debug.Info("Logged in as agent %s", c.cfg.Agent.ID)
	return nil
}

// subscribe registers for one command topic scoped to this agent's id.
func (c *Client) subscribe(conn *websocket.Conn, eventType bus.EventType) error {
	frame, err := json.Marshal(map[string]any{
		"intent":          "subscribe",
		"subscriber_type": string(bus.SubscriberAgent),
		"event_type":      string(eventType),
		"id":              c.cfg.Agent.ID,
	})
	if err != nil {
		return err
	}
	if err := c.writeAndAwaitAck(conn, frame); err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", eventType, err)
	}
	debug.Info("Subscribed to %s", eventType)
	return nil
}

func (c *Client) writeAndAwaitAck(conn *websocket.Conn, frame []byte) error {
	conn.SetWriteDeadline(time.Now().Add(handshakeTimeout))
	if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		return err
	}

	conn.SetReadDeadline(time.Now().Add(handshakeTimeout))
	defer conn.SetReadDeadline(time.Time{})

	_, data, err := conn.ReadMessage()
	if err != nil {
		return err
	}
	var reply struct {
		Success bool   `json:"success"`
		Error   string `json:"error"`
	}
	if err := json.Unmarshal(data, &reply); err != nil {
		return fmt.Errorf("malformed reply: %w", err)
	}
	if !reply.Success {
		return fmt.Errorf("server rejected request: %s", reply.Error)
	}
	return nil
}

// dispatch hands one inbound frame to a worker slot. Slow commands occupy a
// slot for their duration; the session loop itself never blocks on command
// execution.
func (c *Client) dispatch(ctx context.Context, data []byte) {
	select {
	case c.workers <- struct{}{}:
	case <-ctx.Done():
		return
	}
	go func() {
		defer func() { <-c.workers }()
		if frame := c.handleInbound(ctx, data); frame != nil {
			c.enqueue(frame)
		}
	}()
}

// handleInbound interprets one server frame and returns the status report to
// queue, if any.
func (c *Client) handleInbound(ctx context.Context, data []byte) []byte {
	var probe struct {
		Success *bool           `json:"success"`
		Error   string          `json:"error"`
		Event   json.RawMessage `json:"event"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		debug.Warning("Received frame that can't be interpreted: %v", err)
		return nil
	}
	if probe.Success != nil {
		if *probe.Success {
			debug.Debug("Received positive confirmation")
		} else {
			debug.Warning("Server reported error: %s", probe.Error)
		}
		return nil
	}
	if len(probe.Event) == 0 {
		debug.Warning("Received frame with neither reply nor event: %s", string(data))
		return nil
	}

	event, err := bus.ParseEvent(probe.Event)
	if err != nil {
		debug.Warning("Received malformed event: %v", err)
		return nil
	}
	if event.Type == bus.EventSoftwareStatusUpdate {
		// Our own report echoed back through a broad subscription.
		return nil
	}
	if err := checkAddressing(event, c.cfg.Agent.ID); err != nil {
		debug.Warning("Protocol violation: %v", err)
		return nil
	}

	switch event.Type {
	case bus.EventInstallSoftware, bus.EventUninstallSoftware:
		frame, err := executeCommand(ctx, c.runner, event)
		if err != nil {
			debug.Error("Failed to execute %s command: %v", event.Type, err)
			return nil
		}
		return frame
	default:
		debug.Error("Received unsupported event of type %s", event.Type)
		return nil
	}
}

func (c *Client) enqueue(frame []byte) {
	select {
	case c.outbound <- frame:
	default:
		debug.Error("Outbound queue full, dropping status report")
	}
}
