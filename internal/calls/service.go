package calls

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pion/webrtc/v3"
	"github.com/rs/zerolog"

	"github.com/lumenprima/echofabric/internal/metrics"
	"github.com/lumenprima/echofabric/internal/svcerr"
)

// Publisher is the subset of delivery.Service the call engine signals
// through: call lifecycle events on a per-conversation channel, ICE
// candidates on a per-call channel.
type Publisher interface {
	PublishCallEvent(ctx context.Context, conversationID string, payload any) error
	PublishICE(ctx context.Context, callID string, payload any) error
}

// Service implements the call signaling state machine (C6).
type Service struct {
	store       *store
	publisher   Publisher
	ringTimeout time.Duration
	log         zerolog.Logger

	mu     sync.Mutex
	timers map[string]*time.Timer
}

func NewService(pool *pgxpool.Pool, publisher Publisher, ringTimeout time.Duration, log zerolog.Logger) *Service {
	if ringTimeout <= 0 {
		ringTimeout = 45 * time.Second
	}
	return &Service{
		store:       newStore(pool),
		publisher:   publisher,
		ringTimeout: ringTimeout,
		log:         log.With().Str("component", "calls").Logger(),
		timers:      make(map[string]*time.Timer),
	}
}

// ActiveCallCount satisfies metrics.LiveStats.
func (s *Service) ActiveCallCount() int {
	n, err := s.store.activeCount(context.Background())
	if err != nil {
		return 0
	}
	return n
}

func validateSDP(sdp, expectType string) error {
	if sdp == "" {
		return svcerr.Validation("sdp is required")
	}
	var desc webrtc.SessionDescription
	if err := json.Unmarshal([]byte(sdp), &desc); err != nil {
		// Tolerate a bare SDP string (no JSON envelope) — many clients send
		// the raw SDP body rather than a {type, sdp} object.
		return nil
	}
	if desc.SDP == "" {
		return svcerr.Validation("sdp payload is empty")
	}
	if expectType != "" && desc.Type.String() != expectType {
		return svcerr.Validation("sdp type does not match the expected offer/answer role")
	}
	return nil
}

func validateICECandidate(candidate string) error {
	if candidate == "" {
		return svcerr.Validation("candidate is required")
	}
	var init webrtc.ICECandidateInit
	if err := json.Unmarshal([]byte(candidate), &init); err != nil {
		// Bare candidate strings (non-JSON) are accepted as-is; the server
		// never interprets ICE content, only rejects structurally invalid
		// JSON envelopes when one is present.
		return nil
	}
	if init.Candidate == "" {
		return svcerr.Validation("candidate payload is empty")
	}
	return nil
}

// Initiate starts a new call: validates the offer, checks for an existing
// non-terminal call on the conversation, persists the ringing row, and
// arms the ring-timeout.
func (s *Service) Initiate(ctx context.Context, callerID string, req InitiateCallRequest) (Call, error) {
	if req.CallType != TypeAudio && req.CallType != TypeVideo {
		return Call{}, svcerr.Validation("call_type must be audio or video")
	}
	if err := validateSDP(req.SDPOffer, "offer"); err != nil {
		return Call{}, err
	}
	member, err := s.store.isParticipant(ctx, req.ConversationID, callerID)
	if err != nil {
		return Call{}, svcerr.Resource("checking membership", err)
	}
	if !member {
		return Call{}, svcerr.Authorization("not a participant in this conversation")
	}
	busy, err := s.store.activeCallExists(ctx, req.ConversationID)
	if err != nil {
		return Call{}, svcerr.Resource("checking for an active call", err)
	}
	if busy {
		return Call{}, svcerr.Conflict("call-busy")
	}

	c, err := s.store.insert(ctx, uuid.NewString(), req.ConversationID, callerID, req.CallType, req.SDPOffer)
	if err != nil {
		return Call{}, svcerr.Resource("creating call", err)
	}
	metrics.CallsInitiatedTotal.Inc()
	s.armRingTimeout(c.ID, c.ConversationID)
	s.publish(ctx, c.ConversationID, "call_initiated", c)
	return c, nil
}

func (s *Service) armRingTimeout(callID, conversationID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.timers[callID] = time.AfterFunc(s.ringTimeout, func() {
		s.onRingTimeout(callID, conversationID)
	})
}

func (s *Service) clearTimer(callID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.timers[callID]; ok {
		t.Stop()
		delete(s.timers, callID)
	}
}

func (s *Service) onRingTimeout(callID, conversationID string) {
	ctx := context.Background()
	s.missCall(ctx, callID, conversationID)
	s.clearTimer(callID)
}

// missCall applies the ringing->missed transition shared by the in-process
// timer fast path and the durable sweeper below. The status-guarded UPDATE
// in store.transition makes the two mutually exclusive: whichever gets
// there first wins, the other's transition is a no-op.
func (s *Service) missCall(ctx context.Context, callID, conversationID string) bool {
	ok, err := s.store.transition(ctx, callID, StatusRinging, StatusMissed, func(b *pgx.Batch) {
		b.Queue(`UPDATE calls SET ended_at=now() WHERE id=$1`, callID)
	})
	if err != nil {
		s.log.Error().Err(err).Str("call_id", callID).Msg("ring-timeout transition failed")
		return false
	}
	if ok {
		s.publish(ctx, conversationID, "call_missed", map[string]string{"call_id": callID})
	}
	return ok
}

// SweepRingTimeouts transitions calls left ringing past the configured
// ring timeout to missed. This is the durable fallback for the in-process
// timer: a server restart loses every armed time.AfterFunc, so a call
// stuck ringing from before a restart would otherwise never resolve on its
// own. Returns how many calls it actually transitioned.
func (s *Service) SweepRingTimeouts(ctx context.Context, batchSize int) (int, error) {
	cutoff := time.Now().Add(-s.ringTimeout)
	timedOut, err := s.store.findTimedOutRinging(ctx, cutoff, batchSize)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, c := range timedOut {
		if s.missCall(ctx, c.ID, c.ConversationID) {
			n++
		}
		s.clearTimer(c.ID)
	}
	return n, nil
}

// Answer transitions ringing -> answered.
func (s *Service) Answer(ctx context.Context, callID, userID string, req AnswerCallRequest) (Call, error) {
	if err := validateSDP(req.SDPAnswer, "answer"); err != nil {
		return Call{}, err
	}
	c, err := s.store.get(ctx, callID)
	if err != nil {
		return Call{}, svcerr.NotFound("call not found")
	}
	if member, err := s.store.isParticipant(ctx, c.ConversationID, userID); err != nil {
		return Call{}, svcerr.Resource("checking membership", err)
	} else if !member {
		return Call{}, svcerr.Authorization("not a participant in this conversation")
	}

	ok, err := s.store.transition(ctx, callID, StatusRinging, StatusAnswered, func(b *pgx.Batch) {
		b.Queue(`UPDATE calls SET sdp_answer=$1, started_at=now() WHERE id=$2`, req.SDPAnswer, callID)
	})
	if err != nil {
		return Call{}, svcerr.Resource("answering call", err)
	}
	if !ok {
		return Call{}, svcerr.Validation("call is not ringing")
	}
	s.clearTimer(callID)
	c, err = s.store.get(ctx, callID)
	if err != nil {
		return Call{}, svcerr.Resource("loading call", err)
	}
	s.publish(ctx, c.ConversationID, "call_answered", c)
	return c, nil
}

// Decline transitions ringing -> declined.
func (s *Service) Decline(ctx context.Context, callID, userID string) error {
	c, err := s.store.get(ctx, callID)
	if err != nil {
		return svcerr.NotFound("call not found")
	}
	ok, err := s.store.transition(ctx, callID, StatusRinging, StatusDeclined, func(b *pgx.Batch) {
		b.Queue(`UPDATE calls SET ended_at=now() WHERE id=$1`, callID)
	})
	if err != nil {
		return svcerr.Resource("declining call", err)
	}
	if !ok {
		return svcerr.Validation("call is not ringing")
	}
	s.clearTimer(callID)
	s.publish(ctx, c.ConversationID, "call_declined", map[string]string{"call_id": callID})
	return nil
}

// End transitions any non-terminal status to ended, computing duration
// from started_at when the call was answered.
func (s *Service) End(ctx context.Context, callID, userID string) (Call, error) {
	c, err := s.store.get(ctx, callID)
	if err != nil {
		return Call{}, svcerr.NotFound("call not found")
	}
	if isTerminal(c.Status) {
		return Call{}, svcerr.Validation("call has already ended")
	}
	if member, err := s.store.isParticipant(ctx, c.ConversationID, userID); err != nil {
		return Call{}, svcerr.Resource("checking membership", err)
	} else if !member {
		return Call{}, svcerr.Authorization("not a participant in this conversation")
	}

	ok, err := s.store.transition(ctx, callID, c.Status, StatusEnded, func(b *pgx.Batch) {
		if c.Status == StatusAnswered {
			b.Queue(`UPDATE calls SET ended_at=now(), duration_seconds=EXTRACT(EPOCH FROM (now() - started_at))::int WHERE id=$1`, callID)
		} else {
			b.Queue(`UPDATE calls SET ended_at=now() WHERE id=$1`, callID)
		}
	})
	if err != nil {
		return Call{}, svcerr.Resource("ending call", err)
	}
	if !ok {
		return Call{}, svcerr.Conflict("call state changed concurrently, retry")
	}
	s.clearTimer(callID)
	c, err = s.store.get(ctx, callID)
	if err != nil {
		return Call{}, svcerr.Resource("loading call", err)
	}
	s.publish(ctx, c.ConversationID, "call_ended", c)
	return c, nil
}

// AddICECandidate relays an ICE candidate to the peer; candidates are
// accepted in any non-terminal state.
func (s *Service) AddICECandidate(ctx context.Context, callID, userID string, req ICECandidateRequest) error {
	if err := validateICECandidate(req.Candidate); err != nil {
		return err
	}
	c, err := s.store.get(ctx, callID)
	if err != nil {
		return svcerr.NotFound("call not found")
	}
	if isTerminal(c.Status) {
		return svcerr.Validation("call has already ended")
	}
	if member, err := s.store.isParticipant(ctx, c.ConversationID, userID); err != nil {
		return svcerr.Resource("checking membership", err)
	} else if !member {
		return svcerr.Authorization("not a participant in this conversation")
	}
	if err := s.store.addICECandidate(ctx, callID, userID, req.Candidate); err != nil {
		return svcerr.Resource("storing ice candidate", err)
	}
	s.publishICE(ctx, callID, ICECandidate{CallID: callID, UserID: userID, Candidate: req.Candidate})
	return nil
}

func (s *Service) Get(ctx context.Context, callID string) (Call, error) {
	c, err := s.store.get(ctx, callID)
	if err != nil {
		return Call{}, svcerr.NotFound("call not found")
	}
	return c, nil
}

func (s *Service) publish(ctx context.Context, conversationID, eventType string, payload any) {
	if s.publisher == nil {
		return
	}
	env := map[string]any{"event": eventType, "call": payload}
	if err := s.publisher.PublishCallEvent(ctx, conversationID, env); err != nil {
		s.log.Warn().Err(err).Str("conversation_id", conversationID).Msg("failed to publish call event")
	}
}

func (s *Service) publishICE(ctx context.Context, callID string, payload any) {
	if s.publisher == nil {
		return
	}
	if err := s.publisher.PublishICE(ctx, callID, payload); err != nil {
		s.log.Warn().Err(err).Str("call_id", callID).Msg("failed to publish ice candidate")
	}
}
