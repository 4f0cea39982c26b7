package conversation

import (
	"context"
	"errors"
	"hash/fnv"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type store struct {
	pool *pgxpool.Pool
}

func newStore(pool *pgxpool.Pool) *store {
	return &store{pool: pool}
}

var errNotFound = errors.New("not found")
var errNotMember = errors.New("not a member of conversation")

// advisoryLockKey hashes a sorted pair of user IDs into a single int64 for
// pg_advisory_xact_lock, closing the check-then-insert race on one-to-one
// conversation resolution.
func advisoryLockKey(a, b string) int64 {
	if a > b {
		a, b = b, a
	}
	h := fnv.New64a()
	h.Write([]byte(a))
	h.Write([]byte(":"))
	h.Write([]byte(b))
	return int64(h.Sum64())
}

// resolveOrCreateOneToOne returns the id of the existing one-to-one
// conversation between a and b, creating one if none exists. The advisory
// lock ensures concurrent calls for the same pair never create duplicates.
func (s *store) resolveOrCreateOneToOne(ctx context.Context, a, b string) (string, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return "", err
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock($1)`, advisoryLockKey(a, b)); err != nil {
		return "", err
	}

	var convID string
	err = tx.QueryRow(ctx, `
		SELECT c.id FROM conversations c
		WHERE NOT c.is_group
		  AND EXISTS (SELECT 1 FROM conversation_participants WHERE conversation_id = c.id AND user_id = $1)
		  AND EXISTS (SELECT 1 FROM conversation_participants WHERE conversation_id = c.id AND user_id = $2)
		  AND (SELECT count(*) FROM conversation_participants WHERE conversation_id = c.id) = 2
		LIMIT 1`, a, b).Scan(&convID)
	if err == nil {
		return convID, tx.Commit(ctx)
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return "", err
	}

	if err := tx.QueryRow(ctx,
		`INSERT INTO conversations (is_group, created_by) VALUES (false, $1) RETURNING id`,
		a).Scan(&convID); err != nil {
		return "", err
	}
	for _, uid := range []string{a, b} {
		if _, err := tx.Exec(ctx,
			`INSERT INTO conversation_participants (conversation_id, user_id) VALUES ($1,$2)`,
			convID, uid); err != nil {
			return "", err
		}
	}

	return convID, tx.Commit(ctx)
}

func (s *store) isParticipant(ctx context.Context, convID, userID string) (bool, error) {
	var ok bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM conversation_participants WHERE conversation_id=$1 AND user_id=$2)`,
		convID, userID).Scan(&ok)
	return ok, err
}

func (s *store) participants(ctx context.Context, convID string) ([]string, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT user_id FROM conversation_participants WHERE conversation_id=$1`, convID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var u string
		if err := rows.Scan(&u); err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

// insertMessage allocates the next sequence number and persists the message
// within one transaction, then updates the conversation's last-message
// pointer. This is the single serialization point for monotonicity.
func (s *store) insertMessage(ctx context.Context, convID string, m Message) (Message, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Message{}, err
	}
	defer tx.Rollback(ctx)

	var seq int64
	if err := tx.QueryRow(ctx,
		`UPDATE conversations SET next_sequence = next_sequence + 1, updated_at = now()
		 WHERE id = $1 RETURNING next_sequence - 1`, convID).Scan(&seq); err != nil {
		return Message{}, err
	}
	m.SequenceNumber = seq
	m.ConversationID = convID

	err = tx.QueryRow(ctx, `
		INSERT INTO messages (conversation_id, sender_user_id, sender_device_id, ciphertext,
			ephemeral_key, sequence_number, message_type, group_epoch, delivery_status,
			self_destruct, expires_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
		RETURNING id, created_at`,
		convID, m.SenderUserID, m.SenderDeviceID, m.Ciphertext, m.EphemeralKey, m.SequenceNumber,
		m.MessageType, m.GroupEpoch, StatusSent, m.SelfDestruct, m.ExpiresAt,
	).Scan(&m.ID, &m.CreatedAt)
	if err != nil {
		return Message{}, err
	}
	m.DeliveryStatus = StatusSent

	if _, err := tx.Exec(ctx,
		`UPDATE conversations SET last_message_id = $1 WHERE id = $2`, m.ID, convID); err != nil {
		return Message{}, err
	}

	return m, tx.Commit(ctx)
}

func (s *store) getMessages(ctx context.Context, convID string, beforeSequence *int64, limit int) ([]Message, error) {
	var rows pgx.Rows
	var err error
	if beforeSequence != nil {
		rows, err = s.pool.Query(ctx, `
			SELECT id, conversation_id, sender_user_id, sender_device_id, ciphertext, ephemeral_key,
				sequence_number, message_type, group_epoch, delivery_status, delivered_at, read_at,
				self_destruct, expires_at, edited, created_at
			FROM messages WHERE conversation_id=$1 AND sequence_number < $2
			ORDER BY sequence_number DESC LIMIT $3`, convID, *beforeSequence, limit)
	} else {
		rows, err = s.pool.Query(ctx, `
			SELECT id, conversation_id, sender_user_id, sender_device_id, ciphertext, ephemeral_key,
				sequence_number, message_type, group_epoch, delivery_status, delivered_at, read_at,
				self_destruct, expires_at, edited, created_at
			FROM messages WHERE conversation_id=$1
			ORDER BY sequence_number DESC LIMIT $2`, convID, limit)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.SenderUserID, &m.SenderDeviceID, &m.Ciphertext,
			&m.EphemeralKey, &m.SequenceNumber, &m.MessageType, &m.GroupEpoch, &m.DeliveryStatus,
			&m.DeliveredAt, &m.ReadAt, &m.SelfDestruct, &m.ExpiresAt, &m.Edited, &m.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *store) messageConversation(ctx context.Context, messageID string) (string, error) {
	var convID string
	err := s.pool.QueryRow(ctx, `SELECT conversation_id FROM messages WHERE id=$1`, messageID).Scan(&convID)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", errNotFound
	}
	return convID, err
}

// markDelivered is monotonic: it never regresses a Read message back to Delivered.
func (s *store) markDelivered(ctx context.Context, messageID string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE messages SET delivery_status = $2, delivered_at = now()
		WHERE id = $1 AND delivery_status = $3`,
		messageID, StatusDelivered, StatusSent)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		// Already delivered or read — idempotent no-op.
		return nil
	}
	return nil
}

func (s *store) markRead(ctx context.Context, messageID string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE messages SET delivery_status = $2, read_at = now(),
			delivered_at = COALESCE(delivered_at, now())
		WHERE id = $1 AND delivery_status <> $2`, messageID, StatusRead)
	return err
}

func (s *store) deleteForSelf(ctx context.Context, messageID, userID string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO deleted_messages (message_id, user_id) VALUES ($1,$2)
		ON CONFLICT (message_id, user_id) DO NOTHING`, messageID, userID)
	return err
}

// sweepExpired clears ciphertext on self-destructing messages past expiry,
// returning how many rows it cleared. The row (and its sequence number)
// stays intact.
func (s *store) sweepExpired(ctx context.Context, batchSize int) (int, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE messages SET ciphertext = NULL, ephemeral_key = NULL
		WHERE id IN (
			SELECT id FROM messages
			WHERE self_destruct AND expires_at IS NOT NULL AND expires_at < now() AND ciphertext IS NOT NULL
			LIMIT $1
		)`, batchSize)
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}
