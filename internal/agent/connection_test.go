package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/mithem/compolvo/internal/bus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testUpgrader = websocket.Upgrader{}

// commandServer speaks the server side of the protocol: it acknowledges the
// login and both subscriptions, forwards inbound frames to received and
// writes frames from pushed to the client.
func commandServer(t *testing.T, pushed <-chan []byte, received chan<- []byte) *httptest.Server {
	t.Helper()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		// Login plus two subscribe intents.
		for i := 0; i < 3; i++ {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
			if err := conn.WriteJSON(map[string]bool{"success": true}); err != nil {
				return
			}
		}

		done := make(chan struct{})
		go func() {
			defer close(done)
			for {
				_, data, err := conn.ReadMessage()
				if err != nil {
					return
				}
				received <- data
			}
		}()

		for {
			select {
			case frame := <-pushed:
				if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
					return
				}
			case <-done:
				return
			}
		}
	}))
	t.Cleanup(server.Close)
	return server
}

func testClientConfig(serverURL, agentID string) *Config {
	return &Config{
		Agent:    AgentConfig{ID: agentID},
		Compolvo: ServerConfig{Host: strings.TrimPrefix(serverURL, "http://")},
	}
}

func installFrame(t *testing.T, recipientID string) []byte {
	t.Helper()
	message, err := json.Marshal(bus.InstallCommandMessage{
		Service: "nginx", Software: "sw-1", Version: "1.25",
	})
	require.NoError(t, err)
	recipient := &bus.Recipient{SubscriberType: bus.SubscriberAgent, ID: recipientID}
	event, err := json.Marshal(bus.Event{
		Type:      bus.EventInstallSoftware,
		Recipient: recipient,
		Message:   message,
	})
	require.NoError(t, err)
	frame, err := json.Marshal(map[string]json.RawMessage{"event": event})
	require.NoError(t, err)
	return frame
}

func TestClientExecutesCommandAndReportsStatus(t *testing.T) {
	pushed := make(chan []byte, 4)
	received := make(chan []byte, 4)
	server := commandServer(t, pushed, received)

	runner := NewMockRunner()
	client := NewClient(testClientConfig(server.URL, "agent-1"), runner)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go client.Run(ctx, 1)

	pushed <- installFrame(t, "agent-1")

	select {
	case frame := <-received:
		softwareID, status := decodeStatusFrame(t, frame)
		assert.Equal(t, "sw-1", softwareID)
		assert.False(t, rawBool(t, status, "corrupt"))
	case <-time.After(3 * time.Second):
		t.Fatal("no status report received")
	}

	require.Len(t, runner.Runs(), 1)
}

func TestClientIgnoresCommandForOtherAgent(t *testing.T) {
	pushed := make(chan []byte, 4)
	received := make(chan []byte, 4)
	server := commandServer(t, pushed, received)

	runner := NewMockRunner()
	client := NewClient(testClientConfig(server.URL, "agent-1"), runner)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go client.Run(ctx, 1)

	pushed <- installFrame(t, "agent-2")
	pushed <- installFrame(t, "agent-1")

	select {
	case frame := <-received:
		softwareID, _ := decodeStatusFrame(t, frame)
		assert.Equal(t, "sw-1", softwareID)
	case <-time.After(3 * time.Second):
		t.Fatal("no status report received")
	}

	// Only the correctly addressed command ran.
	assert.Len(t, runner.Runs(), 1)
}

func TestClientSlowCommandDoesNotBlockLoop(t *testing.T) {
	pushed := make(chan []byte, 4)
	received := make(chan []byte, 4)
	server := commandServer(t, pushed, received)

	runner := NewMockRunner()
	runner.SetDelay(500 * time.Millisecond)
	client := NewClient(testClientConfig(server.URL, "agent-1"), runner)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go client.Run(ctx, 1)

	pushed <- installFrame(t, "agent-1")
	pushed <- installFrame(t, "agent-1")

	for i := 0; i < 2; i++ {
		select {
		case <-received:
		case <-time.After(3 * time.Second):
			t.Fatalf("status report %d not received", i+1)
		}
	}
	assert.Len(t, runner.Runs(), 2)
}

// The reader goroutine must exit with the session even when it is parked on
// a full inbound buffer, where closing the connection alone cannot wake it.
func TestSessionTeardownReleasesReader(t *testing.T) {
	pushed := make(chan []byte, 32)
	received := make(chan []byte, 4)
	server := commandServer(t, pushed, received)

	runner := NewMockRunner()
	runner.SetDelay(10 * time.Second)
	client := NewClient(testClientConfig(server.URL, "agent-1"), runner)

	base := runtime.NumGoroutine()

	ctx, cancel := context.WithCancel(context.Background())
	runErr := make(chan error, 1)
	go func() { runErr <- client.Run(ctx, 1) }()

	// Occupy every worker slot, block dispatch on the next command and pile
	// enough frames behind it to fill the reader's buffer.
	for i := 0; i < maxConcurrentCommands+24; i++ {
		pushed <- installFrame(t, "agent-1")
	}
	require.Eventually(t, func() bool {
		return len(runner.Runs()) == maxConcurrentCommands
	}, 3*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-runErr:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(3 * time.Second):
		t.Fatal("client did not stop after cancel")
	}

	deadline := time.Now().Add(3 * time.Second)
	for runtime.NumGoroutine() > base && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	assert.LessOrEqual(t, runtime.NumGoroutine(), base)
}

func TestRunExhaustsRetryBudget(t *testing.T) {
	cfg := testClientConfig("http://127.0.0.1:1", "agent-1")
	client := NewClient(cfg, NewMockRunner())

	start := time.Now()
	err := client.Run(context.Background(), 2)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "retry budget exhausted")
	assert.Less(t, time.Since(start), 10*time.Second)
}

func TestAnsibleRunnerFetchFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	t.Cleanup(server.Close)

	runner := NewAnsibleRunner(server.URL, t.TempDir())
	err := runner.Run(context.Background(), "nginx", "1.25")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "404")
}

func TestAnsibleRunnerFetchURL(t *testing.T) {
	var requested string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requested = r.URL.Path
		http.NotFound(w, r)
	}))
	t.Cleanup(server.Close)

	runner := NewAnsibleRunner(server.URL, t.TempDir())
	runner.Run(context.Background(), "nginx", "uninstall")
	assert.Equal(t, fmt.Sprintf("/ansible/playbooks/%s/%s.yml", "nginx", "uninstall"), requested)
}
