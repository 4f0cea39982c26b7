package presence

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/lumenprima/echofabric/internal/cache"
	"github.com/lumenprima/echofabric/internal/svcerr"
)

// Publisher is the subset of delivery.Service presence/typing drives.
type Publisher interface {
	PublishPresence(ctx context.Context, payload any) error
	PublishTyping(ctx context.Context, conversationID, userID string, isTyping bool) error
}

type Service struct {
	pool        *pgxpool.Pool
	cache       *cache.Store
	publisher   Publisher
	presenceTTL time.Duration
	typingTTL   time.Duration
	log         zerolog.Logger
}

func NewService(pool *pgxpool.Pool, c *cache.Store, publisher Publisher, presenceTTL, typingTTL time.Duration, log zerolog.Logger) *Service {
	return &Service{
		pool:        pool,
		cache:       c,
		publisher:   publisher,
		presenceTTL: presenceTTL,
		typingTTL:   typingTTL,
		log:         log.With().Str("component", "presence").Logger(),
	}
}

func presenceKey(userID string) string { return "presence:" + userID }
func typingPrefix(conversationID string) string { return "typing:" + conversationID + ":" }
func typingKey(conversationID, userID string) string {
	return typingPrefix(conversationID) + userID
}

func (s *Service) setStatus(ctx context.Context, userID, deviceID, status, customStatus string) error {
	rec := presenceRecord{Status: status, CustomStatus: customStatus, LastSeen: time.Now().UTC(), DeviceID: deviceID}
	body, err := json.Marshal(rec)
	if err != nil {
		return svcerr.Internal("encoding presence record", err)
	}

	if status == StatusOffline {
		if err := s.cache.Delete(presenceKey(userID)); err != nil {
			return svcerr.Resource("clearing presence cache", err)
		}
	} else if err := s.cache.SetWithTTL(presenceKey(userID), body, s.presenceTTL); err != nil {
		return svcerr.Resource("writing presence cache", err)
	}

	if _, err := s.pool.Exec(ctx, `
		INSERT INTO user_presence (user_id, status, custom_status, last_seen, updated_at)
		VALUES ($1,$2,NULLIF($3,''),now(),now())
		ON CONFLICT (user_id) DO UPDATE SET status=$2, custom_status=NULLIF($3,''), last_seen=now(), updated_at=now()`,
		userID, status, customStatus); err != nil {
		return svcerr.Resource("persisting presence", err)
	}

	if s.publisher != nil {
		payload := Presence{UserID: userID, Status: status, CustomStatus: customStatus, LastSeen: rec.LastSeen}
		if err := s.publisher.PublishPresence(ctx, payload); err != nil {
			s.log.Warn().Err(err).Str("user_id", userID).Msg("failed to publish presence update")
		}
	}
	return nil
}

func (s *Service) SetOnline(ctx context.Context, userID, deviceID string) error {
	return s.setStatus(ctx, userID, deviceID, StatusOnline, "")
}

func (s *Service) SetOffline(ctx context.Context, userID, deviceID string) error {
	return s.setStatus(ctx, userID, deviceID, StatusOffline, "")
}

func (s *Service) SetAway(ctx context.Context, userID, deviceID string) error {
	return s.setStatus(ctx, userID, deviceID, StatusAway, "")
}

func (s *Service) SetBusy(ctx context.Context, userID, deviceID string) error {
	return s.setStatus(ctx, userID, deviceID, StatusBusy, "")
}

func (s *Service) SetCustomStatus(ctx context.Context, userID, deviceID, customStatus string) error {
	current, err := s.Get(ctx, userID)
	if err != nil {
		return err
	}
	return s.setStatus(ctx, userID, deviceID, current.Status, customStatus)
}

// Heartbeat extends the presence TTL without changing status, matching
// the client's periodic keep-alive while a session remains connected.
func (s *Service) Heartbeat(ctx context.Context, userID, deviceID string) error {
	raw, err := s.cache.Get(presenceKey(userID))
	if errors.Is(err, cache.ErrNotFound) {
		return s.SetOnline(ctx, userID, deviceID)
	}
	if err != nil {
		return svcerr.Resource("reading presence cache", err)
	}
	var rec presenceRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return s.SetOnline(ctx, userID, deviceID)
	}
	rec.LastSeen = time.Now().UTC()
	body, err := json.Marshal(rec)
	if err != nil {
		return svcerr.Internal("encoding presence record", err)
	}
	if err := s.cache.SetWithTTL(presenceKey(userID), body, s.presenceTTL); err != nil {
		return svcerr.Resource("refreshing presence cache", err)
	}
	if _, err := s.pool.Exec(ctx, `UPDATE user_presence SET last_seen=now() WHERE user_id=$1`, userID); err != nil {
		return svcerr.Resource("persisting heartbeat", err)
	}
	return nil
}

// Get reads a single user's presence: the fast tier first, falling back to
// the durable row (mapped to Offline if neither has a record).
func (s *Service) Get(ctx context.Context, userID string) (Presence, error) {
	raw, err := s.cache.Get(presenceKey(userID))
	if err == nil {
		var rec presenceRecord
		if jsonErr := json.Unmarshal(raw, &rec); jsonErr == nil {
			return Presence{UserID: userID, Status: rec.Status, CustomStatus: rec.CustomStatus, LastSeen: rec.LastSeen}, nil
		}
	}

	var p Presence
	var customStatus *string
	p.UserID = userID
	err = s.pool.QueryRow(ctx,
		`SELECT status, custom_status, last_seen FROM user_presence WHERE user_id=$1`, userID,
	).Scan(&p.Status, &customStatus, &p.LastSeen)
	if errors.Is(err, pgx.ErrNoRows) {
		return Presence{UserID: userID, Status: StatusOffline}, nil
	}
	if err != nil {
		return Presence{}, svcerr.Resource("loading presence", err)
	}
	if customStatus != nil {
		p.CustomStatus = *customStatus
	}
	return p, nil
}

// GetBulk resolves presence for every requested user, short-circuiting on
// the fast tier and falling back per-miss to the durable row.
func (s *Service) GetBulk(ctx context.Context, userIDs []string) (map[string]Presence, error) {
	out := make(map[string]Presence, len(userIDs))
	var misses []string
	for _, uid := range userIDs {
		raw, err := s.cache.Get(presenceKey(uid))
		if err != nil {
			misses = append(misses, uid)
			continue
		}
		var rec presenceRecord
		if err := json.Unmarshal(raw, &rec); err != nil {
			misses = append(misses, uid)
			continue
		}
		out[uid] = Presence{UserID: uid, Status: rec.Status, CustomStatus: rec.CustomStatus, LastSeen: rec.LastSeen}
	}
	for _, uid := range misses {
		p, err := s.Get(ctx, uid)
		if err != nil {
			return nil, err
		}
		out[uid] = p
	}
	return out, nil
}

// SetTyping records a typing indicator with a short TTL; clearing is just
// setting isTyping=false, which deletes the key immediately instead of
// waiting out the TTL.
func (s *Service) SetTyping(ctx context.Context, conversationID, userID string, isTyping bool) error {
	key := typingKey(conversationID, userID)
	if !isTyping {
		if err := s.cache.Delete(key); err != nil {
			return svcerr.Resource("clearing typing indicator", err)
		}
	} else if err := s.cache.SetWithTTL(key, []byte("1"), s.typingTTL); err != nil {
		return svcerr.Resource("writing typing indicator", err)
	}

	if s.publisher != nil {
		if err := s.publisher.PublishTyping(ctx, conversationID, userID, isTyping); err != nil {
			s.log.Warn().Err(err).Str("conversation_id", conversationID).Msg("failed to publish typing indicator")
		}
	}
	return nil
}

// GetTypingUsers lists every user currently typing in a conversation.
func (s *Service) GetTypingUsers(ctx context.Context, conversationID string) ([]string, error) {
	entries, err := s.cache.ScanPrefix(typingPrefix(conversationID))
	if err != nil {
		return nil, svcerr.Resource("scanning typing indicators", err)
	}
	prefix := typingPrefix(conversationID)
	out := make([]string, 0, len(entries))
	for k := range entries {
		out = append(out, k[len(prefix):])
	}
	return out, nil
}

// OnlineCount counts locally-cached presence keys, a cheap approximation
// of the global online count (entries that have already expired past
// their durable row are not recounted here).
func (s *Service) OnlineCount(ctx context.Context) (int, error) {
	entries, err := s.cache.ScanPrefix("presence:")
	if err != nil {
		return 0, svcerr.Resource("scanning presence cache", err)
	}
	return len(entries), nil
}
