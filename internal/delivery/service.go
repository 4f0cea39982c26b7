package delivery

import (
	"context"
	"encoding/json"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/lumenprima/echofabric/internal/conversation"
	"github.com/lumenprima/echofabric/internal/mqttclient"
)

// Service is the delivery fabric: it implements conversation.Publisher by
// bridging persisted events onto MQTT, and bridges MQTT back down to
// locally-registered WebSocket sessions.
type Service struct {
	pool     *pgxpool.Pool
	mqtt     *mqttclient.Client
	registry *Registry
	log      zerolog.Logger
}

func NewService(pool *pgxpool.Pool, mqtt *mqttclient.Client, log zerolog.Logger) *Service {
	s := &Service{
		pool:     pool,
		mqtt:     mqtt,
		registry: NewRegistry(),
		log:      log.With().Str("component", "delivery").Logger(),
	}
	mqtt.SetMessageHandler(s.onMQTTMessage)
	return s
}

// ActiveWSConnectionCount satisfies metrics.LiveStats.
func (s *Service) ActiveWSConnectionCount() int {
	return s.registry.Count()
}

// PublishMessage satisfies conversation.Publisher: it forwards a newly
// persisted message onto the recipient's message channel. Local delivery
// is not special-cased; the instance also subscribes to its own topics and
// fans the same event back down to any locally-registered session.
func (s *Service) PublishMessage(ctx context.Context, recipientUserID string, msg conversation.Message) error {
	payload := newMessagePayload{
		MessageID:      msg.ID,
		ConversationID: msg.ConversationID,
		SenderUserID:   msg.SenderUserID,
		SenderDeviceID: msg.SenderDeviceID,
		Ciphertext:     msg.Ciphertext,
		EphemeralKey:   msg.EphemeralKey,
		SequenceNumber: msg.SequenceNumber,
		MessageType:    msg.MessageType,
		GroupEpoch:     msg.GroupEpoch,
	}
	return s.publishEnvelope(userMessagesTopic(recipientUserID), classMessages, EventNewMessage, payload)
}

// PublishReceipt satisfies conversation.Publisher: it resolves the
// conversation's participants and forwards a delivery/read receipt to each
// of their receipt channels.
func (s *Service) PublishReceipt(ctx context.Context, conversationID string, msg conversation.Message) error {
	participants, err := s.conversationParticipants(ctx, conversationID)
	if err != nil {
		return err
	}
	payload := receiptPayload{
		MessageID:      msg.ID,
		ConversationID: conversationID,
		Status:         msg.DeliveryStatus,
	}
	var firstErr error
	for _, userID := range participants {
		if err := s.publishEnvelope(userReceiptsTopic(userID), classReceipts, EventReceipt, payload); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// PublishTyping publishes a typing indicator to a conversation's channel.
func (s *Service) PublishTyping(ctx context.Context, conversationID, userID string, isTyping bool) error {
	payload := map[string]any{"user_id": userID, "conversation_id": conversationID, "is_typing": isTyping}
	return s.publishEnvelope(typingTopic(conversationID), classTyping, EventTyping, payload)
}

// PublishPresence publishes a presence update on the shared presence channel.
func (s *Service) PublishPresence(ctx context.Context, payload any) error {
	return s.publishEnvelope(presenceTopic(), classPresence, EventPresence, payload)
}

// PublishCallEvent publishes a call signaling event to a conversation's call channel.
func (s *Service) PublishCallEvent(ctx context.Context, conversationID string, payload any) error {
	return s.publishEnvelope(callTopic(conversationID), classCalls, EventCall, payload)
}

// PublishICE publishes an ICE candidate to a call's signaling channel.
func (s *Service) PublishICE(ctx context.Context, callID string, payload any) error {
	return s.publishEnvelope(iceTopic(callID), classICE, EventCall, payload)
}

func (s *Service) publishEnvelope(topic, topicClass, eventType string, payload any) error {
	env := Envelope{Type: eventType, Payload: payload}
	body, err := json.Marshal(env)
	if err != nil {
		return err
	}
	if err := s.mqtt.Publish(topic, topicClass, body); err != nil {
		s.log.Warn().Err(err).Str("topic", topic).Msg("mqtt publish failed")
		return err
	}
	return nil
}

// onMQTTMessage fans a broker event down to any locally-registered
// WebSocket session it's addressed to; messages for users not connected to
// this instance are dropped.
func (s *Service) onMQTTMessage(topic string, payload []byte) {
	var env Envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		s.log.Warn().Err(err).Str("topic", topic).Msg("dropping malformed mqtt payload")
		return
	}

	if userID, ok := userFromTopicSuffix(topic, "messages/user/"); ok {
		s.deliverTo(userID, env)
		return
	}
	if userID, ok := userFromTopicSuffix(topic, "receipts/user/"); ok {
		s.deliverTo(userID, env)
		return
	}
	if convID, ok := userFromTopicSuffix(topic, "typing/"); ok {
		s.broadcastConversation(convID, env)
		return
	}
	if topic == "presence/updates" {
		s.broadcastAll(env)
		return
	}
	if convID, ok := userFromTopicSuffix(topic, "calls/"); ok {
		s.broadcastConversation(convID, env)
		return
	}
	if callID, ok := userFromTopicSuffix(topic, "ice/"); ok {
		s.broadcastCall(callID, env)
		return
	}
}

func (s *Service) deliverTo(userID string, env Envelope) {
	if !s.registry.hasLocalSessions(userID) {
		return
	}
	body, err := json.Marshal(env)
	if err != nil {
		return
	}
	for _, sess := range s.registry.sessionsFor(userID) {
		select {
		case sess.send <- body:
		default:
			s.log.Warn().Str("user_id", userID).Str("device_id", sess.deviceID).Msg("dropping frame, session send buffer full")
		}
	}
}

// broadcastConversation fans to every locally-registered session for every
// participant in the given conversation. Typing/call/ICE channels key on a
// conversation or call ID, not a single user, so we resolve participants
// the same way PublishReceipt does.
func (s *Service) broadcastConversation(conversationID string, env Envelope) {
	participants, err := s.conversationParticipants(context.Background(), conversationID)
	if err != nil {
		return
	}
	for _, userID := range participants {
		s.deliverTo(userID, env)
	}
}

// broadcastAll fans a presence update to every locally-registered session.
// A production deployment would scope this to contacts; the conversation
// log has no notion of a contacts graph, so presence fans out broker-wide.
func (s *Service) broadcastAll(env Envelope) {
	body, err := json.Marshal(env)
	if err != nil {
		return
	}
	for _, sh := range s.registry.shards {
		sh.mu.RLock()
		for _, devices := range sh.conns {
			for _, sess := range devices {
				select {
				case sess.send <- body:
				default:
				}
			}
		}
		sh.mu.RUnlock()
	}
}

// broadcastCall resolves the call's conversation before fanning out: the
// ice/{call_id} topic keys on the call, not the conversation, and calls.id
// is a distinct id space from conversations.id, so broadcastConversation's
// conversation_participants lookup would match nothing if given the call
// ID directly.
func (s *Service) broadcastCall(callID string, env Envelope) {
	conversationID, err := s.callConversation(context.Background(), callID)
	if err != nil {
		s.log.Warn().Err(err).Str("call_id", callID).Msg("dropping ice candidate, call not found")
		return
	}
	s.broadcastConversation(conversationID, env)
}

func (s *Service) callConversation(ctx context.Context, callID string) (string, error) {
	var conversationID string
	err := s.pool.QueryRow(ctx,
		`SELECT conversation_id FROM calls WHERE id=$1`, callID).Scan(&conversationID)
	return conversationID, err
}

func (s *Service) conversationParticipants(ctx context.Context, conversationID string) ([]string, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT user_id FROM conversation_participants WHERE conversation_id=$1`, conversationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}
