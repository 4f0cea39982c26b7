// Package queue implements the offline queue (C3): a per-device inbox of
// message IDs awaiting delivery, backed by the Badger cache tier with a
// native TTL so abandoned devices age out without a separate reaper.
package queue

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/lumenprima/echofabric/internal/cache"
	"github.com/lumenprima/echofabric/internal/metrics"
	"github.com/lumenprima/echofabric/internal/svcerr"
)

// MaxDrainBatch caps how many queued message IDs a single drain returns.
const MaxDrainBatch = 100

// seqWidth zero-pads the sequence component of a queue key so Badger's
// lexicographic prefix scan also yields enqueue order.
const seqWidth = 20

type Service struct {
	cache *cache.Store
	ttl   time.Duration
	log   zerolog.Logger

	mu      sync.Mutex
	nextSeq map[string]uint64
}

func NewService(c *cache.Store, ttl time.Duration, log zerolog.Logger) *Service {
	return &Service{
		cache:   c,
		ttl:     ttl,
		log:     log.With().Str("component", "queue").Logger(),
		nextSeq: make(map[string]uint64),
	}
}

func deviceKey(userID, deviceID string) string {
	return userID + ":" + deviceID
}

func queueKeyPrefix(userID, deviceID string) string {
	return fmt.Sprintf("queue:%s:%s:", userID, deviceID)
}

func queueKey(userID, deviceID string, seq uint64) string {
	return fmt.Sprintf("%s%0*d", queueKeyPrefix(userID, deviceID), seqWidth, seq)
}

// allocSeq returns the next sequence number for a device, seeding the
// in-memory counter from the highest surviving key on first touch so a
// process restart never reissues a sequence that still has an unacked
// entry on disk.
func (s *Service) allocSeq(userID, deviceID string) (uint64, error) {
	dk := deviceKey(userID, deviceID)

	s.mu.Lock()
	defer s.mu.Unlock()
	if seq, ok := s.nextSeq[dk]; ok {
		s.nextSeq[dk] = seq + 1
		return seq, nil
	}

	entries, err := s.cache.ScanPrefix(queueKeyPrefix(userID, deviceID))
	if err != nil {
		return 0, err
	}
	var next uint64
	if len(entries) > 0 {
		var maxKey string
		for k := range entries {
			if k > maxKey {
				maxKey = k
			}
		}
		suffix := maxKey[len(maxKey)-seqWidth:]
		var parsed uint64
		for _, c := range suffix {
			parsed = parsed*10 + uint64(c-'0')
		}
		next = parsed + 1
	}

	s.nextSeq[dk] = next + 1
	return next, nil
}

// Enqueue appends a message ID to the device's queue. Satisfies
// conversation.OfflineQueue.
func (s *Service) Enqueue(ctx context.Context, userID, deviceID, messageID string) error {
	seq, err := s.allocSeq(userID, deviceID)
	if err != nil {
		return svcerr.Resource("allocating queue sequence", err)
	}

	key := queueKey(userID, deviceID, seq)
	if err := s.cache.SetWithTTL(key, []byte(messageID), s.ttl); err != nil {
		return svcerr.Resource("enqueuing offline message", err)
	}

	depth, err := s.Depth(ctx, userID, deviceID)
	if err == nil {
		metrics.QueueDepth.WithLabelValues(deviceID).Set(float64(depth))
	}
	return nil
}

// Drain returns up to MaxDrainBatch queued message IDs in enqueue order,
// without removing them; the caller acknowledges delivery via Ack.
func (s *Service) Drain(ctx context.Context, userID, deviceID string) ([]string, error) {
	entries, err := s.cache.ScanPrefix(queueKeyPrefix(userID, deviceID))
	if err != nil {
		return nil, svcerr.Resource("reading offline queue", err)
	}
	keys := make([]string, 0, len(entries))
	for k := range entries {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	if len(keys) > MaxDrainBatch {
		keys = keys[:MaxDrainBatch]
	}
	out := make([]string, len(keys))
	for i, k := range keys {
		out[i] = string(entries[k])
	}
	return out, nil
}

// Ack removes the given queued message IDs for a device once the client
// has confirmed local persistence.
func (s *Service) Ack(ctx context.Context, userID, deviceID string, messageIDs []string) error {
	if len(messageIDs) == 0 {
		return nil
	}
	want := make(map[string]bool, len(messageIDs))
	for _, id := range messageIDs {
		want[id] = true
	}

	entries, err := s.cache.ScanPrefix(queueKeyPrefix(userID, deviceID))
	if err != nil {
		return svcerr.Resource("reading offline queue", err)
	}
	for k, v := range entries {
		if want[string(v)] {
			if err := s.cache.Delete(k); err != nil {
				return svcerr.Resource("acking offline message", err)
			}
		}
	}
	return nil
}

// Depth reports how many messages are currently queued for a device.
func (s *Service) Depth(ctx context.Context, userID, deviceID string) (int, error) {
	entries, err := s.cache.ScanPrefix(queueKeyPrefix(userID, deviceID))
	if err != nil {
		return 0, svcerr.Resource("reading offline queue", err)
	}
	return len(entries), nil
}
