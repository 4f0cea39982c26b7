package groups

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/lumenprima/echofabric/internal/cache"
	"github.com/lumenprima/echofabric/internal/conversation"
	"github.com/lumenprima/echofabric/internal/metrics"
	"github.com/lumenprima/echofabric/internal/svcerr"
)

// GroupMessenger is the subset of conversation.Service the group engine
// drives once a message's epoch is attached.
type GroupMessenger interface {
	SendGroupMessage(ctx context.Context, conversationID, senderID, senderDeviceID string, ciphertext, ephemeralKey []byte, epoch int64) (conversation.MessageResponse, error)
}

// Service implements the group state engine (C4): MLS-style ratchet tree
// mutation guarded by an epoch compare-and-swap, Welcome issuance for newly
// added members, and a write-through cache in front of durable state.
type Service struct {
	store      *store
	messenger  GroupMessenger
	casRetries int
	log        zerolog.Logger
}

func NewService(pool *pgxpool.Pool, c *cache.Store, messenger GroupMessenger, casRetries int, log zerolog.Logger) *Service {
	if casRetries <= 0 {
		casRetries = 5
	}
	return &Service{
		store:      newStore(pool, c),
		messenger:  messenger,
		casRetries: casRetries,
		log:        log.With().Str("component", "groups").Logger(),
	}
}

func validateGroupName(name string) error {
	if len(name) < MinNameLength || len(name) > MaxNameLength {
		return svcerr.Validation("name must be between 1 and 100 characters")
	}
	return nil
}

// CreateGroup builds the initial single-leaf tree for the creator, persists
// the group and its backing conversation, then best-effort adds every
// initial member through the normal AddMember path — matching the original
// service's per-member loop rather than a single multi-leaf transaction.
func (s *Service) CreateGroup(ctx context.Context, creatorID string, req CreateGroupRequest) (GroupChat, []string, error) {
	if err := validateGroupName(req.Name); err != nil {
		return GroupChat{}, nil, err
	}
	if len(req.MemberIDs) > MaxMembers-1 {
		return GroupChat{}, nil, svcerr.Validation("too many initial members")
	}

	creatorKey, err := s.store.identityKey(ctx, creatorID)
	if err != nil {
		return GroupChat{}, nil, svcerr.Resource("fetching creator identity key", err)
	}

	groupID := uuid.NewString()
	conversationID := uuid.NewString()
	tree := NewTree(creatorID, creatorKey)

	g, err := s.store.createGroup(ctx, groupID, req.Name, req.Description, creatorID, conversationID, tree)
	if err != nil {
		return GroupChat{}, nil, svcerr.Resource("creating group", err)
	}

	var failed []string
	for _, memberID := range req.MemberIDs {
		if memberID == creatorID {
			continue
		}
		if _, err := s.AddMember(ctx, groupID, creatorID, memberID); err != nil {
			s.log.Warn().Err(err).Str("group_id", groupID).Str("user_id", memberID).
				Msg("failed to add initial member")
			failed = append(failed, memberID)
		}
	}
	return g, failed, nil
}

func (s *Service) requireAdmin(ctx context.Context, groupID, userID string) error {
	role, err := s.store.role(ctx, groupID, userID)
	if errors.Is(err, errNotMember) {
		return svcerr.Authorization("not a member of this group")
	}
	if err != nil {
		return svcerr.Resource("checking membership", err)
	}
	if role != RoleOwner && role != RoleAdmin {
		return svcerr.Authorization("only owners and admins can manage membership")
	}
	return nil
}

// AddMember retries the tree mutation and its epoch-guarded write up to
// casRetries times: the tree is re-read from the authoritative store on
// every attempt, so a concurrent mutation that wins the race is simply
// replayed on top of instead of silently lost.
func (s *Service) AddMember(ctx context.Context, groupID, actorID, newUserID string) (Welcome, error) {
	if err := s.requireAdmin(ctx, groupID, actorID); err != nil {
		return Welcome{}, err
	}
	if already, err := s.store.isMember(ctx, groupID, newUserID); err != nil {
		return Welcome{}, svcerr.Resource("checking membership", err)
	} else if already {
		return Welcome{}, svcerr.Conflict("user is already a member")
	}

	newKey, err := s.store.identityKey(ctx, newUserID)
	if err != nil {
		return Welcome{}, svcerr.Resource("fetching new member identity key", err)
	}

	g, err := s.store.getGroup(ctx, groupID)
	if err != nil {
		return Welcome{}, svcerr.Resource("loading group", err)
	}

	var leafIndex uint32
	var epoch int64
	var welcomePayload []byte

	for attempt := 0; attempt < s.casRetries; attempt++ {
		tree, err := s.store.loadTree(ctx, groupID)
		if err != nil {
			return Welcome{}, svcerr.Resource("loading group state", err)
		}
		// Re-check the cap against the freshly-loaded tree on every
		// attempt: a concurrent add that won the previous CAS round may
		// have pushed the group to capacity since this attempt's reload.
		if tree.MemberCount() >= MaxMembers {
			return Welcome{}, svcerr.Conflict("group is at capacity")
		}
		oldEpoch := tree.Epoch
		leafIndex = tree.AddLeaf(newUserID, newKey)
		epoch = tree.Epoch
		welcomePayload = buildWelcome(tree)

		tx, err := s.store.beginTx(ctx)
		if err != nil {
			return Welcome{}, svcerr.Resource("starting transaction", err)
		}
		blob, casErr := s.store.casTransition(ctx, tx, groupID, oldEpoch, tree)
		if casErr != nil {
			tx.Rollback(ctx)
			if errors.Is(casErr, errEpochCAS) {
				metrics.EpochCASRetriesTotal.Inc()
				continue
			}
			return Welcome{}, svcerr.Resource("persisting group state", casErr)
		}
		if err := s.store.addMemberRow(ctx, tx, groupID, newUserID, actorID, g.ConversationID, int(leafIndex), epoch, welcomePayload); err != nil {
			tx.Rollback(ctx)
			return Welcome{}, svcerr.Resource("persisting membership", err)
		}
		if err := tx.Commit(ctx); err != nil {
			return Welcome{}, svcerr.Resource("committing membership change", err)
		}
		s.store.cacheTreeState(groupID, blob)
		return Welcome{GroupID: groupID, UserID: newUserID, Epoch: epoch, Payload: welcomePayload}, nil
	}

	metrics.EpochCASFailuresTotal.Inc()
	return Welcome{}, svcerr.Conflict("group state changed too many times concurrently, retry")
}

// RemoveMember blanks the member's leaf and advances the epoch under the
// same CAS-retry discipline as AddMember. The owner cannot be removed.
func (s *Service) RemoveMember(ctx context.Context, groupID, actorID, targetID string) error {
	if err := s.requireAdmin(ctx, groupID, actorID); err != nil {
		return err
	}
	g, err := s.store.getGroup(ctx, groupID)
	if err != nil {
		return svcerr.Resource("loading group", err)
	}
	if targetID == g.CreatorID {
		return svcerr.Validation("cannot remove the group owner")
	}

	for attempt := 0; attempt < s.casRetries; attempt++ {
		tree, err := s.store.loadTree(ctx, groupID)
		if err != nil {
			return svcerr.Resource("loading group state", err)
		}
		oldEpoch := tree.Epoch
		if !tree.BlankLeaf(targetID) {
			return svcerr.NotFound("user is not a member of this group")
		}

		tx, err := s.store.beginTx(ctx)
		if err != nil {
			return svcerr.Resource("starting transaction", err)
		}
		blob, err := s.store.casTransition(ctx, tx, groupID, oldEpoch, tree)
		if err != nil {
			tx.Rollback(ctx)
			if errors.Is(err, errEpochCAS) {
				metrics.EpochCASRetriesTotal.Inc()
				continue
			}
			return svcerr.Resource("persisting group state", err)
		}
		if err := s.store.removeMemberRow(ctx, tx, groupID, targetID); err != nil {
			tx.Rollback(ctx)
			return svcerr.Resource("removing member", err)
		}
		if err := tx.Commit(ctx); err != nil {
			return svcerr.Resource("committing removal", err)
		}
		s.store.cacheTreeState(groupID, blob)
		return nil
	}

	metrics.EpochCASFailuresTotal.Inc()
	return svcerr.Conflict("group state changed too many times concurrently, retry")
}

// UpdateMemberKey rotates a member's own leaf key, used after a local
// identity-key rotation so other members can re-derive shared secrets.
func (s *Service) UpdateMemberKey(ctx context.Context, groupID, userID string, newKey []byte) error {
	if member, err := s.store.isMember(ctx, groupID, userID); err != nil {
		return svcerr.Resource("checking membership", err)
	} else if !member {
		return svcerr.Authorization("not a member of this group")
	}

	for attempt := 0; attempt < s.casRetries; attempt++ {
		tree, err := s.store.loadTree(ctx, groupID)
		if err != nil {
			return svcerr.Resource("loading group state", err)
		}
		oldEpoch := tree.Epoch
		if !tree.UpdateLeafKey(userID, newKey) {
			return svcerr.NotFound("user is not a member of this group")
		}

		tx, err := s.store.beginTx(ctx)
		if err != nil {
			return svcerr.Resource("starting transaction", err)
		}
		blob, err := s.store.casTransition(ctx, tx, groupID, oldEpoch, tree)
		if err != nil {
			tx.Rollback(ctx)
			if errors.Is(err, errEpochCAS) {
				metrics.EpochCASRetriesTotal.Inc()
				continue
			}
			return svcerr.Resource("persisting group state", err)
		}
		if err := tx.Commit(ctx); err != nil {
			return svcerr.Resource("committing key rotation", err)
		}
		s.store.cacheTreeState(groupID, blob)
		return nil
	}

	metrics.EpochCASFailuresTotal.Inc()
	return svcerr.Conflict("group state changed too many times concurrently, retry")
}

// SendMessage verifies membership then attaches the group's current epoch
// before handing the ciphertext to the conversation log.
func (s *Service) SendMessage(ctx context.Context, groupID, senderID, senderDeviceID string, ciphertext, ephemeralKey []byte) (conversation.MessageResponse, error) {
	member, err := s.store.isMember(ctx, groupID, senderID)
	if err != nil {
		return conversation.MessageResponse{}, svcerr.Resource("checking membership", err)
	}
	if !member {
		return conversation.MessageResponse{}, svcerr.Authorization("not a member of this group")
	}
	g, err := s.store.getGroup(ctx, groupID)
	if err != nil {
		return conversation.MessageResponse{}, svcerr.Resource("loading group", err)
	}
	return s.messenger.SendGroupMessage(ctx, g.ConversationID, senderID, senderDeviceID, ciphertext, ephemeralKey, g.CurrentEpoch)
}

func (s *Service) GetGroup(ctx context.Context, groupID string) (GroupChat, error) {
	g, err := s.store.getGroup(ctx, groupID)
	if err != nil {
		return GroupChat{}, svcerr.NotFound("group not found")
	}
	return g, nil
}

func (s *Service) ListMembers(ctx context.Context, groupID string) ([]Member, error) {
	members, err := s.store.listMembers(ctx, groupID)
	if err != nil {
		return nil, svcerr.Resource("listing members", err)
	}
	return members, nil
}

// FetchWelcome returns and clears the pending Welcome for a member, used
// when a client bootstraps its local group state after being added.
func (s *Service) FetchWelcome(ctx context.Context, groupID, userID string) (Welcome, error) {
	w, err := s.store.fetchWelcome(ctx, groupID, userID)
	if errors.Is(err, errNotFound) {
		return Welcome{}, svcerr.NotFound("no pending welcome for this user")
	}
	if err != nil {
		return Welcome{}, svcerr.Resource("fetching welcome", err)
	}
	return w, nil
}

// buildWelcome packages the epoch's derived keys for the newly added leaf.
// A real client would wrap this under the new member's identity key; the
// server's role here is only to transport the opaque payload.
func buildWelcome(tree *Tree) []byte {
	payload := make([]byte, 0, 8+len(tree.EncryptionKey)+len(tree.SenderDataKey))
	payload = append(payload, tree.EncryptionKey...)
	payload = append(payload, tree.SenderDataKey...)
	return payload
}
