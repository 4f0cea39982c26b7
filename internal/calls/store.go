package calls

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var errNotFound = errors.New("call not found")

type store struct {
	pool *pgxpool.Pool
}

func newStore(pool *pgxpool.Pool) *store {
	return &store{pool: pool}
}

func (s *store) activeCallExists(ctx context.Context, conversationID string) (bool, error) {
	var ok bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM calls WHERE conversation_id=$1 AND status IN ('ringing','answered'))`,
		conversationID).Scan(&ok)
	return ok, err
}

func (s *store) insert(ctx context.Context, id, conversationID, callerID, callType, sdpOffer string) (Call, error) {
	var c Call
	err := s.pool.QueryRow(ctx, `
		INSERT INTO calls (id, conversation_id, caller_id, call_type, status, sdp_offer)
		VALUES ($1,$2,$3,$4,$5,$6)
		RETURNING id, conversation_id, caller_id, call_type, status, sdp_offer, sdp_answer, started_at, ended_at, duration_seconds, created_at`,
		id, conversationID, callerID, callType, StatusRinging, sdpOffer,
	).Scan(&c.ID, &c.ConversationID, &c.CallerID, &c.CallType, &c.Status, &c.SDPOffer, &c.SDPAnswer, &c.StartedAt, &c.EndedAt, &c.DurationSeconds, &c.CreatedAt)
	return c, err
}

func (s *store) get(ctx context.Context, callID string) (Call, error) {
	var c Call
	err := s.pool.QueryRow(ctx, `
		SELECT id, conversation_id, caller_id, call_type, status, sdp_offer, sdp_answer, started_at, ended_at, duration_seconds, created_at
		FROM calls WHERE id=$1`, callID,
	).Scan(&c.ID, &c.ConversationID, &c.CallerID, &c.CallType, &c.Status, &c.SDPOffer, &c.SDPAnswer, &c.StartedAt, &c.EndedAt, &c.DurationSeconds, &c.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Call{}, errNotFound
	}
	return c, err
}

// transition performs a status-guarded update: it only applies when the
// row's current status matches expectFrom, making concurrent transitions
// (e.g. answer racing a ring-timeout) mutually exclusive without a
// separate lock.
func (s *store) transition(ctx context.Context, callID, expectFrom, to string, apply func(*pgx.Batch)) (bool, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return false, err
	}
	defer tx.Rollback(ctx)

	var current string
	if err := tx.QueryRow(ctx, `SELECT status FROM calls WHERE id=$1 FOR UPDATE`, callID).Scan(&current); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, errNotFound
		}
		return false, err
	}
	if current != expectFrom {
		return false, nil
	}

	batch := &pgx.Batch{}
	batch.Queue(`UPDATE calls SET status=$1 WHERE id=$2`, to, callID)
	if apply != nil {
		apply(batch)
	}
	br := tx.SendBatch(ctx, batch)
	for i := 0; i < batch.Len(); i++ {
		if _, err := br.Exec(); err != nil {
			br.Close()
			return false, err
		}
	}
	if err := br.Close(); err != nil {
		return false, err
	}
	if err := tx.Commit(ctx); err != nil {
		return false, err
	}
	return true, nil
}

func (s *store) addICECandidate(ctx context.Context, callID, userID, candidate string) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO call_ice_candidates (call_id, user_id, candidate) VALUES ($1,$2,$3)`,
		callID, userID, candidate)
	return err
}

func (s *store) isParticipant(ctx context.Context, conversationID, userID string) (bool, error) {
	var ok bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM conversation_participants WHERE conversation_id=$1 AND user_id=$2)`,
		conversationID, userID).Scan(&ok)
	return ok, err
}

func (s *store) activeCount(ctx context.Context) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx,
		`SELECT count(*) FROM calls WHERE status IN ('ringing','answered')`).Scan(&n)
	return n, err
}

// findTimedOutRinging returns the id/conversation_id of up to limit calls
// still ringing past cutoff, oldest first — the durable-store counterpart
// to the in-process ring timer, so a call left ringing across a restart
// still gets swept to missed instead of stuck forever.
func (s *store) findTimedOutRinging(ctx context.Context, cutoff time.Time, limit int) ([]Call, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, conversation_id FROM calls
		WHERE status=$1 AND created_at < $2
		ORDER BY created_at ASC
		LIMIT $3`, StatusRinging, cutoff, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Call
	for rows.Next() {
		var c Call
		if err := rows.Scan(&c.ID, &c.ConversationID); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}
