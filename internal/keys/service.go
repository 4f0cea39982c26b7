package keys

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/ed25519"

	"github.com/lumenprima/echofabric/internal/metrics"
	"github.com/lumenprima/echofabric/internal/svcerr"
)

type Service struct {
	store *store
	log   zerolog.Logger
}

func NewService(pool *pgxpool.Pool, log zerolog.Logger) *Service {
	return &Service{
		store: newStore(pool),
		log:   log.With().Str("component", "keys").Logger(),
	}
}

// RegisterDevice verifies the registration request and, on success,
// atomically persists the device, its signed prekey, and its one-time
// prekey batch.
func (s *Service) RegisterDevice(ctx context.Context, userID string, req RegisterDeviceRequest) (Device, error) {
	if req.RegistrationID < 0 || req.RegistrationID >= MaxRegistrationID {
		return Device{}, svcerr.Validation("registration_id out of range")
	}
	if len(req.IdentityKey) != IdentityKeySize {
		return Device{}, svcerr.Validation("identity_key must be 32 bytes")
	}
	if len(req.SignedPreKey.PublicKey) != SignedPreKeySize {
		return Device{}, svcerr.Validation("signed prekey must be 32 bytes")
	}
	if len(req.OneTimePreKeys) < MinOneTimePreKeys {
		return Device{}, svcerr.Validation("at least 50 one-time prekeys are required")
	}
	if !ed25519.Verify(req.IdentityKey, req.SignedPreKey.PublicKey, req.SignedPreKey.Signature) {
		return Device{}, svcerr.Validation("invalid-signature")
	}

	exists, err := s.store.deviceExists(ctx, userID, req.DeviceID)
	if err != nil {
		return Device{}, svcerr.Resource("checking device existence", err)
	}
	if exists {
		return Device{}, svcerr.Conflict("already-registered")
	}

	dev, err := s.store.registerDevice(ctx, userID, req)
	if err != nil {
		return Device{}, svcerr.Resource("registering device", err)
	}
	s.log.Info().Str("user_id", userID).Str("device_id", req.DeviceID).Msg("device registered")
	return dev, nil
}

// GetPreKeyBundle claims one one-time prekey (if any remain) and returns a
// bundle for the given device, or the most-recently-seen active device if
// deviceID is empty.
func (s *Service) GetPreKeyBundle(ctx context.Context, userID, deviceID string) (PreKeyBundle, error) {
	var err error
	if deviceID == "" {
		deviceID, err = s.store.mostRecentlySeenDevice(ctx, userID)
		if err != nil {
			if errors.Is(err, errDeviceNotFound) {
				return PreKeyBundle{}, svcerr.NotFound("no active device for user")
			}
			return PreKeyBundle{}, svcerr.Resource("resolving active device", err)
		}
	}

	bundle, remaining, err := s.store.claimBundle(ctx, userID, deviceID)
	if err != nil {
		if errors.Is(err, errDeviceNotFound) {
			return PreKeyBundle{}, svcerr.NotFound("device not found")
		}
		return PreKeyBundle{}, svcerr.Resource("claiming prekey bundle", err)
	}

	metrics.PrekeyBundlesIssued.Inc()
	if bundle.OneTimePreKey == nil {
		metrics.OneTimePrekeysExhaustedTotal.Inc()
	}
	if remaining < LowPreKeyWatermark {
		s.log.Warn().
			Str("user_id", userID).
			Str("device_id", deviceID).
			Int("remaining", remaining).
			Msg("one-time prekey inventory low, client should replenish")
	}
	return bundle, nil
}

// RotateSignedPreKey verifies the new key's signature, inserts it, and
// prunes history beyond SignedPreKeyHistoryDepth.
func (s *Service) RotateSignedPreKey(ctx context.Context, userID, deviceID string, upload SignedPreKeyUpload) error {
	if len(upload.PublicKey) != SignedPreKeySize {
		return svcerr.Validation("signed prekey must be 32 bytes")
	}
	identity, err := s.store.identityKey(ctx, userID, deviceID)
	if err != nil {
		if errors.Is(err, errDeviceNotFound) {
			return svcerr.NotFound("device not found")
		}
		return svcerr.Resource("loading identity key", err)
	}
	if !ed25519.Verify(identity, upload.PublicKey, upload.Signature) {
		return svcerr.Validation("invalid-signature")
	}
	if err := s.store.rotateSignedPreKey(ctx, userID, deviceID, upload); err != nil {
		return svcerr.Resource("rotating signed prekey", err)
	}
	return nil
}

// UploadOneTimePreKeys is idempotent: re-posting the same prekey_id is a no-op.
func (s *Service) UploadOneTimePreKeys(ctx context.Context, userID, deviceID string, batch []OneTimePreKeyUpload) error {
	if len(batch) == 0 {
		return svcerr.Validation("batch must not be empty")
	}
	if err := s.store.uploadOneTimePreKeys(ctx, userID, deviceID, batch); err != nil {
		return svcerr.Resource("uploading one-time prekeys", err)
	}
	return nil
}

func (s *Service) DeactivateDevice(ctx context.Context, userID, deviceID string) error {
	if err := s.store.deactivateDevice(ctx, userID, deviceID); err != nil {
		if errors.Is(err, errDeviceNotFound) {
			return svcerr.NotFound("device not found")
		}
		return svcerr.Resource("deactivating device", err)
	}
	return nil
}

func (s *Service) ListDevices(ctx context.Context, userID string) ([]Device, error) {
	devices, err := s.store.listDevices(ctx, userID)
	if err != nil {
		return nil, svcerr.Resource("listing devices", err)
	}
	return devices, nil
}

func (s *Service) DeviceStats(ctx context.Context, userID, deviceID string) (DeviceStats, error) {
	stats, err := s.store.deviceStats(ctx, userID, deviceID)
	if err != nil {
		return DeviceStats{}, svcerr.Resource("loading device stats", err)
	}
	return stats, nil
}

// AuthenticateToken resolves a bearer token to its owning (user_id,
// device_id) pair. The API's DeviceAuth middleware calls it for every
// request on the device-authenticated routes.
func (s *Service) AuthenticateToken(ctx context.Context, token string) (userID, deviceID string, err error) {
	userID, deviceID, err = s.store.lookupByToken(ctx, token)
	if err != nil {
		if errors.Is(err, errDeviceNotFound) {
			return "", "", svcerr.Authorization("invalid device token")
		}
		return "", "", svcerr.Resource("resolving device token", err)
	}
	return userID, deviceID, nil
}
