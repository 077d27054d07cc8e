package websocket

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/mithem/compolvo/internal/bus"
	"github.com/mithem/compolvo/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeAgentStore struct {
	mu      sync.Mutex
	records map[uuid.UUID]*models.Agent
}

func newFakeAgentStore() *fakeAgentStore {
	return &fakeAgentStore{records: make(map[uuid.UUID]*models.Agent)}
}

func (s *fakeAgentStore) GetByID(_ context.Context, id uuid.UUID) (*models.Agent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	agent, ok := s.records[id]
	if !ok {
		return nil, sql.ErrNoRows
	}
	copied := *agent
	return &copied, nil
}

func (s *fakeAgentStore) Update(_ context.Context, agent *models.Agent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := *agent
	s.records[agent.ID] = &copied
	return nil
}

func (s *fakeAgentStore) get(id uuid.UUID) models.Agent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.records[id]
}

type fakeReconciler struct {
	mu      sync.Mutex
	applied []bus.SoftwareStatusMessage
	err     error
}

func (r *fakeReconciler) Apply(_ context.Context, _ uuid.UUID, msg *bus.SoftwareStatusMessage) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.applied = append(r.applied, *msg)
	return nil
}

func (r *fakeReconciler) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.applied)
}

type testServer struct {
	bus        *bus.EventBus
	agents     *fakeAgentStore
	reconciler *fakeReconciler
	server     *httptest.Server
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()

	ts := &testServer{
		bus:        bus.New(nil),
		agents:     newFakeAgentStore(),
		reconciler: &fakeReconciler{},
	}
	handler := NewHandler(ts.bus, ts.agents, ts.reconciler)
	ts.server = httptest.NewServer(http.HandlerFunc(handler.ServeWS))
	t.Cleanup(ts.server.Close)
	return ts
}

func (ts *testServer) seedAgent() *models.Agent {
	agent := &models.Agent{ID: uuid.New(), CustomerID: uuid.New()}
	ts.agents.records[agent.ID] = agent
	return agent
}

func (ts *testServer) dial(t *testing.T) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.server.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	return conn
}

func loginFrame(agentID uuid.UUID) string {
	return fmt.Sprintf(
		`{"event":{"type":"agent-login","recipient":{"subscriber_type":"server","id":null},"message":{"agent_id":%q}}}`,
		agentID)
}

// loginAs dials, sends the login frame and consumes the success reply.
func (ts *testServer) loginAs(t *testing.T, agent *models.Agent) *websocket.Conn {
	t.Helper()
	conn := ts.dial(t)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(loginFrame(agent.ID))))

	var reply successReply
	require.NoError(t, conn.ReadJSON(&reply))
	require.True(t, reply.Success)
	return conn
}

func closeCodeOf(t *testing.T, conn *websocket.Conn) int {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := conn.ReadMessage()
	closeErr, ok := err.(*websocket.CloseError)
	require.True(t, ok, "expected a close error, got %v", err)
	return closeErr.Code
}

func TestLoginSuccess(t *testing.T) {
	ts := newTestServer(t)
	agent := ts.seedAgent()

	conn := ts.loginAs(t, agent)
	defer conn.Close()

	stored := ts.agents.get(agent.ID)
	assert.True(t, stored.Connected)
	assert.False(t, stored.ConnectionInterrupted)
	assert.True(t, stored.LastConnectionStart.Valid)
	assert.True(t, stored.ConnectionFromIPAddress.Valid)
}

func TestLoginUnknownAgent(t *testing.T) {
	ts := newTestServer(t)

	conn := ts.dial(t)
	defer conn.Close()
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(loginFrame(uuid.New()))))

	assert.Equal(t, CloseAgentNotFound, closeCodeOf(t, conn))
}

func TestLoginMalformedPayload(t *testing.T) {
	ts := newTestServer(t)

	conn := ts.dial(t)
	defer conn.Close()
	require.NoError(t, conn.WriteMessage(websocket.TextMessage,
		[]byte(`{"event":{"type":"reload","message":{}}}`)))

	assert.Equal(t, CloseInvalidLogin, closeCodeOf(t, conn))
}

func TestSecondLoginRejected(t *testing.T) {
	ts := newTestServer(t)
	agent := ts.seedAgent()

	first := ts.loginAs(t, agent)
	defer first.Close()

	second := ts.dial(t)
	defer second.Close()
	require.NoError(t, second.WriteMessage(websocket.TextMessage, []byte(loginFrame(agent.ID))))
	assert.Equal(t, CloseAlreadyConnected, closeCodeOf(t, second))

	assert.True(t, ts.agents.get(agent.ID).Connected, "original session must be unaffected")
}

func TestSubscribeDeliversEvents(t *testing.T) {
	ts := newTestServer(t)
	agent := ts.seedAgent()

	conn := ts.loginAs(t, agent)
	defer conn.Close()

	subscribe := fmt.Sprintf(
		`{"intent":"subscribe","subscriber_type":"agent","event_type":"install-software","id":%q}`,
		agent.ID)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(subscribe)))

	var reply subscribeReply
	require.NoError(t, conn.ReadJSON(&reply))
	require.True(t, reply.Success)
	assert.NotEqual(t, uuid.Nil, reply.Subscription.ID)

	message, _ := json.Marshal(bus.InstallCommandMessage{Software: "nginx", Version: "1.25"})
	delivered := ts.bus.Notify(context.Background(), &bus.Event{
		Type:      bus.EventInstallSoftware,
		Recipient: &bus.Recipient{SubscriberType: bus.SubscriberAgent, ID: agent.ID.String()},
		Message:   message,
	})
	require.True(t, delivered)

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var envelope eventEnvelope
	require.NoError(t, conn.ReadJSON(&envelope))

	event, err := bus.ParseEvent(envelope.Event)
	require.NoError(t, err)
	assert.Equal(t, bus.EventInstallSoftware, event.Type)
}

func TestUnsubscribe(t *testing.T) {
	ts := newTestServer(t)
	agent := ts.seedAgent()

	conn := ts.loginAs(t, agent)
	defer conn.Close()

	subscribe := `{"intent":"subscribe","subscriber_type":"agent","event_type":"reload"}`
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(subscribe)))

	var reply subscribeReply
	require.NoError(t, conn.ReadJSON(&reply))
	require.True(t, reply.Success)

	unsubscribe := fmt.Sprintf(`{"intent":"unsubscribe","sub_id":%q}`, reply.Subscription.ID)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(unsubscribe)))

	var ack successReply
	require.NoError(t, conn.ReadJSON(&ack))
	assert.True(t, ack.Success)

	require.Eventually(t, func() bool {
		return ts.bus.Registry().Len() == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestProtocolErrorKeepsConnectionOpen(t *testing.T) {
	ts := newTestServer(t)
	agent := ts.seedAgent()

	conn := ts.loginAs(t, agent)
	defer conn.Close()

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"intent":"dance"}`)))

	var reply errorReply
	require.NoError(t, conn.ReadJSON(&reply))
	assert.False(t, reply.Success)
	assert.NotEmpty(t, reply.Error)

	// The connection still works.
	subscribe := `{"intent":"subscribe","subscriber_type":"agent","event_type":"reload"}`
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(subscribe)))
	var ok subscribeReply
	require.NoError(t, conn.ReadJSON(&ok))
	assert.True(t, ok.Success)
}

func TestStatusUpdateRoutedToReconciler(t *testing.T) {
	ts := newTestServer(t)
	agent := ts.seedAgent()

	conn := ts.loginAs(t, agent)
	defer conn.Close()

	frame := fmt.Sprintf(
		`{"event":{"type":"software-status-update","recipient":{"subscriber_type":"server","id":null},"message":{"software_id":%q,"status":{"installing":true}}}}`,
		uuid.New())
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(frame)))

	var reply successReply
	require.NoError(t, conn.ReadJSON(&reply))
	assert.True(t, reply.Success)
	assert.Equal(t, 1, ts.reconciler.count())
}

func TestStatusUpdateRejectionReportedInline(t *testing.T) {
	ts := newTestServer(t)
	ts.reconciler.err = fmt.Errorf("status field %q is not permitted", "agent_id")
	agent := ts.seedAgent()

	conn := ts.loginAs(t, agent)
	defer conn.Close()

	queued := ts.bus.QueueLen(context.Background())

	frame := fmt.Sprintf(
		`{"event":{"type":"software-status-update","recipient":{"subscriber_type":"server","id":null},"message":{"software_id":%q,"status":{"agent_id":"x"}}}}`,
		uuid.New())
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(frame)))

	var reply errorReply
	require.NoError(t, conn.ReadJSON(&reply))
	assert.False(t, reply.Success)
	assert.Equal(t, queued, ts.bus.QueueLen(context.Background()), "rejected update must not be enqueued")
}

func TestNormalCloseCleansUp(t *testing.T) {
	ts := newTestServer(t)
	agent := ts.seedAgent()

	var disconnects int
	var mu sync.Mutex
	ts.bus.Registry().Subscribe(bus.SubscriberServer, bus.EventWSDisconnect, func(context.Context, *bus.Event) error {
		mu.Lock()
		disconnects++
		mu.Unlock()
		return nil
	}, "")

	conn := ts.loginAs(t, agent)
	conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	conn.Close()

	require.Eventually(t, func() bool {
		stored := ts.agents.get(agent.ID)
		return !stored.Connected && stored.LastConnectionEnd.Valid
	}, 2*time.Second, 10*time.Millisecond)

	stored := ts.agents.get(agent.ID)
	assert.False(t, stored.ConnectionInterrupted)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, disconnects)
}

func TestAbnormalCloseSetsInterrupted(t *testing.T) {
	ts := newTestServer(t)
	agent := ts.seedAgent()

	var disconnects int
	var mu sync.Mutex
	ts.bus.Registry().Subscribe(bus.SubscriberServer, bus.EventWSDisconnect, func(context.Context, *bus.Event) error {
		mu.Lock()
		disconnects++
		mu.Unlock()
		return nil
	}, "")

	conn := ts.loginAs(t, agent)
	// Drop the TCP connection without a close handshake.
	conn.UnderlyingConn().Close()

	require.Eventually(t, func() bool {
		stored := ts.agents.get(agent.ID)
		return !stored.Connected && stored.ConnectionInterrupted
	}, 2*time.Second, 10*time.Millisecond)

	stored := ts.agents.get(agent.ID)
	assert.True(t, stored.LastConnectionEnd.Valid)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, disconnects)
}

func TestUnresponsiveConnectionSetsInterrupted(t *testing.T) {
	t.Setenv("COMPOLVO_PONG_WAIT", "300ms")
	ts := newTestServer(t)
	agent := ts.seedAgent()

	var disconnects int
	var mu sync.Mutex
	ts.bus.Registry().Subscribe(bus.SubscriberServer, bus.EventWSDisconnect, func(context.Context, *bus.Event) error {
		mu.Lock()
		disconnects++
		mu.Unlock()
		return nil
	}, "")

	conn := ts.loginAs(t, agent)
	defer conn.Close()

	// Stall without reading: pings go unanswered and no close handshake
	// happens, so the server's read deadline expires with a plain timeout.
	require.Eventually(t, func() bool {
		stored := ts.agents.get(agent.ID)
		return !stored.Connected && stored.ConnectionInterrupted
	}, 2*time.Second, 10*time.Millisecond)

	assert.True(t, ts.agents.get(agent.ID).LastConnectionEnd.Valid)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, disconnects)
}

func TestSessionSubscriptionsReleasedOnClose(t *testing.T) {
	ts := newTestServer(t)
	agent := ts.seedAgent()

	conn := ts.loginAs(t, agent)

	subscribe := `{"intent":"subscribe","subscriber_type":"agent","event_type":"install-software"}`
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(subscribe)))
	var reply subscribeReply
	require.NoError(t, conn.ReadJSON(&reply))
	require.True(t, reply.Success)
	require.Equal(t, 1, ts.bus.Registry().Len())

	conn.UnderlyingConn().Close()

	require.Eventually(t, func() bool {
		return ts.bus.Registry().Len() == 0
	}, 2*time.Second, 10*time.Millisecond)
}
