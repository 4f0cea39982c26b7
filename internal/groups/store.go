package groups

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/lumenprima/echofabric/internal/cache"
)

var (
	errNotFound     = errors.New("group not found")
	errNotMember    = errors.New("not a member of this group")
	errEpochCAS     = errors.New("epoch CAS lost the race")
	errAlreadyMember = errors.New("already a member")
	errGroupFull    = errors.New("group is full")
)

// cacheTTL is the write-through group-state cache's TTL; readers accept at
// most one epoch of staleness and re-read on epoch mismatch.
const cacheTTL = time.Hour

func stateCacheKey(groupID string) string { return "groupstate:" + groupID }

type store struct {
	pool  *pgxpool.Pool
	cache *cache.Store
}

func newStore(pool *pgxpool.Pool, c *cache.Store) *store {
	return &store{pool: pool, cache: c}
}

// createGroup persists the group row, owner membership, and initial tree
// state inside one transaction. The conversation must already exist.
func (s *store) createGroup(ctx context.Context, groupID, name, description, creatorID, conversationID string, tree *Tree) (GroupChat, error) {
	blob, err := tree.Encode()
	if err != nil {
		return GroupChat{}, err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return GroupChat{}, err
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx,
		`INSERT INTO conversations (id, is_group, group_chat_id, created_by) VALUES ($1,true,$2,$3)`,
		conversationID, groupID, creatorID); err != nil {
		return GroupChat{}, err
	}
	if _, err := tx.Exec(ctx,
		`INSERT INTO conversation_participants (conversation_id, user_id) VALUES ($1,$2)`,
		conversationID, creatorID); err != nil {
		return GroupChat{}, err
	}

	var g GroupChat
	err = tx.QueryRow(ctx, `
		INSERT INTO group_chats (id, name, description, creator_id, conversation_id, member_count, current_epoch)
		VALUES ($1,$2,$3,$4,$5,1,$6)
		RETURNING id, name, description, creator_id, conversation_id, member_count, current_epoch, created_at, updated_at`,
		groupID, name, description, creatorID, conversationID, tree.Epoch,
	).Scan(&g.ID, &g.Name, &g.Description, &g.CreatorID, &g.ConversationID, &g.MemberCount, &g.CurrentEpoch, &g.CreatedAt, &g.UpdatedAt)
	if err != nil {
		return GroupChat{}, err
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO group_members (group_id, user_id, role, leaf_index, added_by) VALUES ($1,$2,$3,$4,$2)`,
		groupID, creatorID, RoleOwner, 0); err != nil {
		return GroupChat{}, err
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO mls_group_states (group_id, epoch, state_blob) VALUES ($1,$2,$3)`,
		groupID, tree.Epoch, blob); err != nil {
		return GroupChat{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return GroupChat{}, err
	}

	if s.cache != nil {
		_ = s.cache.SetWithTTL(stateCacheKey(groupID), blob, cacheTTL)
	}
	return g, nil
}

// loadTree reads the authoritative tree state: cache first, falling back to
// (and repairing from) the durable row on miss.
func (s *store) loadTree(ctx context.Context, groupID string) (*Tree, error) {
	if s.cache != nil {
		if blob, err := s.cache.Get(stateCacheKey(groupID)); err == nil {
			return DecodeTree(blob)
		}
	}
	var blob []byte
	err := s.pool.QueryRow(ctx,
		`SELECT state_blob FROM mls_group_states WHERE group_id=$1`, groupID).Scan(&blob)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, errNotFound
	}
	if err != nil {
		return nil, err
	}
	if s.cache != nil {
		_ = s.cache.SetWithTTL(stateCacheKey(groupID), blob, cacheTTL)
	}
	return DecodeTree(blob)
}

// casTransition writes tree as the new state guarded by an epoch CAS:
// UPDATE ... WHERE group_id = $g AND epoch = $old. If no row matches, the
// epoch moved under us: the cached tree is evicted so that the caller's
// retry re-reads the durable row. It never writes the new blob to the
// cache: the caller's transaction may still abort after this returns, and
// caching the blob before commit would leave the cache ahead of the
// durable row if it did. Call cacheTreeState with the same blob once
// the surrounding transaction has actually committed.
func (s *store) casTransition(ctx context.Context, tx pgx.Tx, groupID string, oldEpoch int64, tree *Tree) ([]byte, error) {
	blob, err := tree.Encode()
	if err != nil {
		return nil, err
	}
	tag, err := tx.Exec(ctx,
		`UPDATE mls_group_states SET epoch=$1, state_blob=$2, updated_at=now() WHERE group_id=$3 AND epoch=$4`,
		tree.Epoch, blob, groupID, oldEpoch)
	if err != nil {
		return nil, err
	}
	if tag.RowsAffected() == 0 {
		if s.cache != nil {
			_ = s.cache.Delete(stateCacheKey(groupID))
		}
		return nil, errEpochCAS
	}
	if _, err := tx.Exec(ctx,
		`UPDATE group_chats SET current_epoch=$1, updated_at=now() WHERE id=$2`,
		tree.Epoch, groupID); err != nil {
		return nil, err
	}
	return blob, nil
}

// cacheTreeState writes blob to the fast-tier cache. Callers must only
// invoke this after the transaction that produced blob has committed.
func (s *store) cacheTreeState(groupID string, blob []byte) {
	if s.cache != nil {
		_ = s.cache.SetWithTTL(stateCacheKey(groupID), blob, cacheTTL)
	}
}

func (s *store) role(ctx context.Context, groupID, userID string) (string, error) {
	var role string
	err := s.pool.QueryRow(ctx,
		`SELECT role FROM group_members WHERE group_id=$1 AND user_id=$2 AND removed_at IS NULL`,
		groupID, userID).Scan(&role)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", errNotMember
	}
	return role, err
}

func (s *store) activeMemberCount(ctx context.Context, groupID string) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx,
		`SELECT count(*) FROM group_members WHERE group_id=$1 AND removed_at IS NULL`, groupID).Scan(&n)
	return n, err
}

func (s *store) isMember(ctx context.Context, groupID, userID string) (bool, error) {
	var ok bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM group_members WHERE group_id=$1 AND user_id=$2 AND removed_at IS NULL)`,
		groupID, userID).Scan(&ok)
	return ok, err
}

// addMemberRow inserts the member row, links the conversation participant,
// bumps member_count, and writes the Welcome — all in the transition's
// transaction, alongside the CAS write.
func (s *store) addMemberRow(ctx context.Context, tx pgx.Tx, groupID, userID, addedBy, conversationID string, leafIndex int, epoch int64, welcome []byte) error {
	if _, err := tx.Exec(ctx,
		`INSERT INTO group_members (group_id, user_id, role, leaf_index, added_by) VALUES ($1,$2,$3,$4,$5)
		 ON CONFLICT (group_id, user_id) DO UPDATE SET
		   removed_at = NULL, role = $3, leaf_index = $4, added_by = $5, joined_at = now()`,
		groupID, userID, RoleMember, leafIndex, addedBy); err != nil {
		return err
	}
	if _, err := tx.Exec(ctx,
		`INSERT INTO conversation_participants (conversation_id, user_id) VALUES ($1,$2)
		 ON CONFLICT DO NOTHING`, conversationID, userID); err != nil {
		return err
	}
	if _, err := tx.Exec(ctx,
		`UPDATE group_chats SET member_count = member_count + 1, updated_at = now() WHERE id=$1`, groupID); err != nil {
		return err
	}
	if _, err := tx.Exec(ctx,
		`INSERT INTO mls_welcome_messages (group_id, user_id, epoch, welcome) VALUES ($1,$2,$3,$4)
		 ON CONFLICT (group_id, user_id) DO UPDATE SET epoch=$3, welcome=$4, created_at=now()`,
		groupID, userID, epoch, welcome); err != nil {
		return err
	}
	return nil
}

func (s *store) removeMemberRow(ctx context.Context, tx pgx.Tx, groupID, userID string) error {
	tag, err := tx.Exec(ctx,
		`UPDATE group_members SET removed_at = now() WHERE group_id=$1 AND user_id=$2 AND removed_at IS NULL`,
		groupID, userID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return errNotMember
	}
	if _, err := tx.Exec(ctx,
		`UPDATE group_chats SET member_count = member_count - 1, updated_at = now() WHERE id=$1`, groupID); err != nil {
		return err
	}
	return nil
}

func (s *store) beginTx(ctx context.Context) (pgx.Tx, error) {
	return s.pool.Begin(ctx)
}

func (s *store) getGroup(ctx context.Context, groupID string) (GroupChat, error) {
	var g GroupChat
	err := s.pool.QueryRow(ctx, `
		SELECT id, name, description, creator_id, conversation_id, member_count, current_epoch, created_at, updated_at
		FROM group_chats WHERE id=$1`, groupID,
	).Scan(&g.ID, &g.Name, &g.Description, &g.CreatorID, &g.ConversationID, &g.MemberCount, &g.CurrentEpoch, &g.CreatedAt, &g.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return GroupChat{}, errNotFound
	}
	return g, err
}

func (s *store) listMembers(ctx context.Context, groupID string) ([]Member, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT group_id, user_id, role, leaf_index, added_by, joined_at, removed_at
		FROM group_members WHERE group_id=$1 AND removed_at IS NULL ORDER BY joined_at`, groupID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Member
	for rows.Next() {
		var m Member
		var addedBy *string
		if err := rows.Scan(&m.GroupID, &m.UserID, &m.Role, &m.LeafIndex, &addedBy, &m.JoinedAt, &m.RemovedAt); err != nil {
			return nil, err
		}
		if addedBy != nil {
			m.AddedBy = *addedBy
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *store) identityKey(ctx context.Context, userID string) ([]byte, error) {
	var key []byte
	err := s.pool.QueryRow(ctx,
		`SELECT identity_key FROM devices WHERE user_id=$1 AND is_active ORDER BY last_seen DESC LIMIT 1`,
		userID).Scan(&key)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("no active device for user %s: %w", userID, errNotFound)
	}
	return key, err
}

// fetchWelcome consumes the pending Welcome for (groupID, userID): the row is
// deleted in the same statement that reads it, so a second fetch after
// delivery returns errNotFound rather than replaying the same payload.
func (s *store) fetchWelcome(ctx context.Context, groupID, userID string) (Welcome, error) {
	var w Welcome
	w.GroupID, w.UserID = groupID, userID
	err := s.pool.QueryRow(ctx,
		`DELETE FROM mls_welcome_messages WHERE group_id=$1 AND user_id=$2
		 RETURNING epoch, welcome, created_at`,
		groupID, userID).Scan(&w.Epoch, &w.Payload, &w.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Welcome{}, errNotFound
	}
	return w, err
}
