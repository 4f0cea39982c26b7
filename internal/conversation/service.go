package conversation

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/lumenprima/echofabric/internal/keys"
	"github.com/lumenprima/echofabric/internal/metrics"
	"github.com/lumenprima/echofabric/internal/svcerr"
)

// OfflineQueue is the subset of the C3 offline queue the conversation log
// needs: enqueueing a message id for a recipient device that isn't
// currently connected to pick up later. Satisfied by *queue.Service.
type OfflineQueue interface {
	Enqueue(ctx context.Context, userID, deviceID, messageID string) error
}

// Publisher is the subset of the C5 delivery fabric the conversation log
// needs: announcing a new message or a receipt to live listeners.
// Satisfied by *delivery.Service.
type Publisher interface {
	PublishMessage(ctx context.Context, recipientUserID string, msg Message) error
	PublishReceipt(ctx context.Context, conversationID string, msg Message) error
}

// DeviceDirectory resolves a user's active devices, satisfied by
// *keys.Service.
type DeviceDirectory interface {
	ListDevices(ctx context.Context, userID string) ([]keys.Device, error)
}

type Service struct {
	store     *store
	devices   DeviceDirectory
	queue     OfflineQueue
	publisher Publisher
	log       zerolog.Logger
}

func NewService(pool *pgxpool.Pool, devices DeviceDirectory, queue OfflineQueue, publisher Publisher, log zerolog.Logger) *Service {
	return &Service{
		store:     newStore(pool),
		devices:   devices,
		queue:     queue,
		publisher: publisher,
		log:       log.With().Str("component", "conversation").Logger(),
	}
}

func validateSend(req *SendMessageRequest) error {
	if req.ConversationID == nil && req.RecipientID == nil {
		return svcerr.Validation("either conversation_id or recipient_id is required")
	}
	if req.DeviceID == "" {
		return svcerr.Validation("device_id is required")
	}
	if len(req.Ciphertext) == 0 {
		return svcerr.Validation("ciphertext is required")
	}
	if req.MessageType == "" {
		req.MessageType = "text"
	}
	if !validMessageTypes[req.MessageType] {
		return svcerr.Validation("unsupported message_type")
	}
	if req.IsSelfDestructing {
		if req.ExpiresInSeconds == nil || *req.ExpiresInSeconds <= 0 {
			return svcerr.Validation("expires_in_seconds must be positive for self-destructing messages")
		}
	}
	return nil
}

// SendOneToOne resolves or creates the one-to-one conversation, allocates
// the next sequence number, persists the message, enqueues it for the
// recipient's active devices, and publishes it to live listeners.
func (s *Service) SendOneToOne(ctx context.Context, senderID string, req SendMessageRequest) (MessageResponse, error) {
	if err := validateSend(&req); err != nil {
		return MessageResponse{}, err
	}

	convID := ""
	if req.ConversationID != nil {
		convID = *req.ConversationID
		ok, err := s.store.isParticipant(ctx, convID, senderID)
		if err != nil {
			return MessageResponse{}, svcerr.Resource("checking membership", err)
		}
		if !ok {
			return MessageResponse{}, svcerr.Authorization("not a participant in this conversation")
		}
	} else {
		var err error
		convID, err = s.store.resolveOrCreateOneToOne(ctx, senderID, *req.RecipientID)
		if err != nil {
			return MessageResponse{}, svcerr.Resource("resolving conversation", err)
		}
	}

	m := Message{
		SenderUserID:   senderID,
		SenderDeviceID: req.DeviceID,
		Ciphertext:     req.Ciphertext,
		EphemeralKey:   req.EphemeralKey,
		MessageType:    req.MessageType,
		GroupEpoch:     req.GroupEpoch,
		SelfDestruct:   req.IsSelfDestructing,
	}
	if req.IsSelfDestructing {
		exp := time.Now().Add(time.Duration(*req.ExpiresInSeconds) * time.Second)
		m.ExpiresAt = &exp
	}

	m, err := s.store.insertMessage(ctx, convID, m)
	if err != nil {
		return MessageResponse{}, svcerr.Resource("persisting message", err)
	}
	metrics.MessagesPersistedTotal.WithLabelValues(m.MessageType).Inc()

	s.fanOut(ctx, convID, senderID, m)

	return MessageResponse{
		MessageID:      m.ID,
		ConversationID: convID,
		SequenceNumber: m.SequenceNumber,
		Timestamp:      m.CreatedAt,
		Status:         m.DeliveryStatus,
	}, nil
}

// SendGroupMessage persists a message into an already-resolved group
// conversation with the given epoch attached. Membership and epoch
// resolution are the caller's (groups.Service's) responsibility.
func (s *Service) SendGroupMessage(ctx context.Context, conversationID, senderID, senderDeviceID string, ciphertext, ephemeralKey []byte, epoch int64) (MessageResponse, error) {
	m := Message{
		SenderUserID:   senderID,
		SenderDeviceID: senderDeviceID,
		Ciphertext:     ciphertext,
		EphemeralKey:   ephemeralKey,
		MessageType:    "text",
		GroupEpoch:     &epoch,
	}
	m, err := s.store.insertMessage(ctx, conversationID, m)
	if err != nil {
		return MessageResponse{}, svcerr.Resource("persisting group message", err)
	}
	metrics.MessagesPersistedTotal.WithLabelValues(m.MessageType).Inc()

	s.fanOut(ctx, conversationID, senderID, m)

	return MessageResponse{
		MessageID:      m.ID,
		ConversationID: conversationID,
		SequenceNumber: m.SequenceNumber,
		Timestamp:      m.CreatedAt,
		Status:         m.DeliveryStatus,
	}, nil
}

// fanOut enqueues the message for every other participant's active devices
// and publishes it for anyone currently connected. Failures are logged,
// not surfaced: the message is already durably persisted.
func (s *Service) fanOut(ctx context.Context, convID, senderID string, m Message) {
	participants, err := s.store.participants(ctx, convID)
	if err != nil {
		s.log.Error().Err(err).Str("conversation_id", convID).Msg("failed to list participants for fan-out")
		return
	}
	for _, uid := range participants {
		if uid == senderID {
			continue
		}
		if s.queue != nil {
			devs, err := s.devices.ListDevices(ctx, uid)
			if err != nil {
				s.log.Error().Err(err).Str("user_id", uid).Msg("failed to list devices for queueing")
			} else {
				for _, d := range devs {
					if err := s.queue.Enqueue(ctx, uid, d.DeviceID, m.ID); err != nil {
						s.log.Error().Err(err).Str("user_id", uid).Str("device_id", d.DeviceID).Msg("failed to enqueue message")
					}
				}
			}
		}
		if s.publisher != nil {
			if err := s.publisher.PublishMessage(ctx, uid, m); err != nil {
				s.log.Warn().Err(err).Str("user_id", uid).Msg("failed to publish message")
			}
		}
	}
}

func (s *Service) GetMessages(ctx context.Context, userID, conversationID string, beforeSequence *int64, limit int) ([]Message, error) {
	ok, err := s.store.isParticipant(ctx, conversationID, userID)
	if err != nil {
		return nil, svcerr.Resource("checking membership", err)
	}
	if !ok {
		return nil, svcerr.Authorization("not a participant in this conversation")
	}
	if limit <= 0 || limit > MaxMessagePageSize {
		limit = MaxMessagePageSize
	}
	msgs, err := s.store.getMessages(ctx, conversationID, beforeSequence, limit)
	if err != nil {
		return nil, svcerr.Resource("loading messages", err)
	}
	return msgs, nil
}

func (s *Service) MarkDelivered(ctx context.Context, userID, messageID string) error {
	convID, err := s.authorizedConversation(ctx, userID, messageID)
	if err != nil {
		return err
	}
	if err := s.store.markDelivered(ctx, messageID); err != nil {
		return svcerr.Resource("marking message delivered", err)
	}
	if s.publisher != nil {
		m := Message{ID: messageID, ConversationID: convID, DeliveryStatus: StatusDelivered}
		if err := s.publisher.PublishReceipt(ctx, convID, m); err != nil {
			s.log.Warn().Err(err).Str("message_id", messageID).Msg("failed to publish delivery receipt")
		}
	}
	return nil
}

func (s *Service) MarkRead(ctx context.Context, userID, messageID string) error {
	convID, err := s.authorizedConversation(ctx, userID, messageID)
	if err != nil {
		return err
	}
	if err := s.store.markRead(ctx, messageID); err != nil {
		return svcerr.Resource("marking message read", err)
	}
	if s.publisher != nil {
		m := Message{ID: messageID, ConversationID: convID, DeliveryStatus: StatusRead}
		if err := s.publisher.PublishReceipt(ctx, convID, m); err != nil {
			s.log.Warn().Err(err).Str("message_id", messageID).Msg("failed to publish read receipt")
		}
	}
	return nil
}

func (s *Service) DeleteForSelf(ctx context.Context, userID, messageID string) error {
	if _, err := s.authorizedConversation(ctx, userID, messageID); err != nil {
		return err
	}
	if err := s.store.deleteForSelf(ctx, messageID, userID); err != nil {
		return svcerr.Resource("recording deletion", err)
	}
	return nil
}

func (s *Service) authorizedConversation(ctx context.Context, userID, messageID string) (string, error) {
	convID, err := s.store.messageConversation(ctx, messageID)
	if err != nil {
		if errors.Is(err, errNotFound) {
			return "", svcerr.NotFound("message not found")
		}
		return "", svcerr.Resource("loading message", err)
	}
	ok, err := s.store.isParticipant(ctx, convID, userID)
	if err != nil {
		return "", svcerr.Resource("checking membership", err)
	}
	if !ok {
		return "", svcerr.Authorization("not a participant in this conversation")
	}
	return convID, nil
}
