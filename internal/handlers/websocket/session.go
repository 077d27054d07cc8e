package websocket

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/mithem/compolvo/internal/bus"
	"github.com/mithem/compolvo/internal/models"
	"github.com/mithem/compolvo/pkg/debug"
)

// session is one authenticated connection. Inbound frames are handled on the
// read pump; every write goes through the send channel so the write pump is
// the only writer on the socket.
type session struct {
	handler *Handler
	conn    *websocket.Conn
	agent   *models.Agent
	send    chan []byte
	ctx     context.Context
	cancel  context.CancelFunc

	subscriptions []bus.Subscription
	subMu         sync.Mutex
}

func (s *session) readPump() {
	abnormal := false
	defer func() {
		s.cleanup(abnormal)
		s.conn.Close()
		s.cancel()
	}()

	s.conn.SetReadLimit(maxMessageSize)
	s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			// Anything short of a clean close frame counts as an
			// interruption, read timeouts and resets included.
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				debug.Info("Agent %s: connection closed: %v", s.agent.ID, err)
			} else {
				debug.Warning("Agent %s: connection interrupted: %v", s.agent.ID, err)
				abnormal = true
			}
			return
		}
		s.handleFrame(data)
	}
}

func (s *session) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		s.conn.Close()
	}()

	for {
		select {
		case data, ok := <-s.send:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				s.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				debug.Error("Agent %s: failed to write message: %v", s.agent.ID, err)
				return
			}

		case <-ticker.C:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				debug.Error("Agent %s: failed to send ping: %v", s.agent.ID, err)
				return
			}

		case <-s.ctx.Done():
			return
		}
	}
}

// handleFrame dispatches one inbound text frame. Protocol errors produce an
// inline {"success":false} reply; they never close the connection.
func (s *session) handleFrame(data []byte) {
	var frame inboundFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		s.replyError(fmt.Sprintf("malformed frame: %v", err))
		return
	}

	switch {
	case frame.Intent == "subscribe":
		s.handleSubscribe(&frame)
	case frame.Intent == "unsubscribe":
		s.handleUnsubscribe(&frame)
	case len(frame.Event) > 0:
		s.handleEvent(frame.Event)
	default:
		s.replyError("frame carries neither an intent nor an event")
	}
}

func (s *session) handleSubscribe(frame *inboundFrame) {
	subType, err := bus.ParseSubscriberType(frame.SubscriberType)
	if err != nil {
		s.replyError(err.Error())
		return
	}
	eventType, err := bus.ParseEventType(frame.EventType)
	if err != nil {
		s.replyError(err.Error())
		return
	}
	id := ""
	if frame.ID != nil {
		id = *frame.ID
	}

	sub := s.handler.bus.Registry().Subscribe(subType, eventType, s.pushEvent, id)
	s.subMu.Lock()
	s.subscriptions = append(s.subscriptions, sub)
	s.subMu.Unlock()

	debug.Debug("Agent %s subscribed %s/%s id=%q as %s", s.agent.ID, subType, eventType, id, sub.ID)
	s.reply(subscribeReply{Success: true, Subscription: sub})
}

func (s *session) handleUnsubscribe(frame *inboundFrame) {
	subID, err := uuid.Parse(frame.SubID)
	if err != nil {
		s.replyError(fmt.Sprintf("invalid subscription id %q", frame.SubID))
		return
	}

	s.handler.bus.Registry().Unsubscribe(subID)
	s.subMu.Lock()
	for i, sub := range s.subscriptions {
		if sub.ID == subID {
			s.subscriptions = append(s.subscriptions[:i], s.subscriptions[i+1:]...)
			break
		}
	}
	s.subMu.Unlock()

	s.reply(successReply{Success: true})
}

// handleEvent validates an inbound event envelope, applies server-side
// handling and puts the event on the queue so other subscribers see it.
func (s *session) handleEvent(raw json.RawMessage) {
	event, err := bus.ParseEvent(raw)
	if err != nil {
		s.replyError(err.Error())
		return
	}

	if event.Type == bus.EventSoftwareStatusUpdate {
		var msg bus.SoftwareStatusMessage
		if err := json.Unmarshal(event.Message, &msg); err != nil {
			s.replyError(fmt.Sprintf("malformed software-status-update message: %v", err))
			return
		}
		if err := s.handler.reconciler.Apply(s.ctx, s.agent.ID, &msg); err != nil {
			s.replyError(err.Error())
			return
		}
	}

	s.handler.bus.Enqueue(s.ctx, event)
	s.reply(successReply{Success: true})
}

// pushEvent is the bus handler registered for this connection's
// subscriptions. A full send buffer counts as a failed delivery.
func (s *session) pushEvent(_ context.Context, event *bus.Event) error {
	data, err := marshalEnvelope(event)
	if err != nil {
		return err
	}
	select {
	case s.send <- data:
		return nil
	case <-s.ctx.Done():
		return fmt.Errorf("session for agent %s closed", s.agent.ID)
	default:
		return fmt.Errorf("send buffer full for agent %s", s.agent.ID)
	}
}

func (s *session) reply(v any) {
	data, err := json.Marshal(v)
	if err != nil {
		debug.Error("Agent %s: failed to marshal reply: %v", s.agent.ID, err)
		return
	}
	select {
	case s.send <- data:
	case <-s.ctx.Done():
	}
}

func (s *session) replyError(message string) {
	debug.Warning("Agent %s: protocol error: %s", s.agent.ID, message)
	s.reply(errorReply{Success: false, Error: message})
}

// cleanup runs once when the read pump exits. It releases every subscription
// this connection registered, updates the agent's connection bookkeeping and
// emits a disconnect event for server-side subscribers.
func (s *session) cleanup(abnormal bool) {
	s.handler.unregister(s)

	s.subMu.Lock()
	subs := s.subscriptions
	s.subscriptions = nil
	s.subMu.Unlock()
	for _, sub := range subs {
		s.handler.bus.Registry().Unsubscribe(sub.ID)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	s.agent.Connected = false
	s.agent.LastConnectionEnd = nullTimeNow()
	if abnormal {
		s.agent.ConnectionInterrupted = true
	}
	if err := s.handler.agents.Update(ctx, s.agent); err != nil {
		debug.Error("Failed to persist disconnect for agent %s: %v", s.agent.ID, err)
	}

	event, err := disconnectEvent(s.agent.ID)
	if err != nil {
		debug.Error("Failed to build disconnect event for agent %s: %v", s.agent.ID, err)
		return
	}
	s.handler.bus.Notify(ctx, event)
	debug.Info("Agent %s disconnected (interrupted=%v)", s.agent.ID, abnormal)
}
