package keys

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// hashToken stores bearer tokens as their SHA-256 digest so a database
// leak does not directly expose usable credentials.
func hashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

type store struct {
	pool *pgxpool.Pool
}

func newStore(pool *pgxpool.Pool) *store {
	return &store{pool: pool}
}

// generateAuthToken returns a random 32-byte bearer token, hex-encoded.
func generateAuthToken() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

func (s *store) deviceExists(ctx context.Context, userID, deviceID string) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM devices WHERE user_id=$1 AND device_id=$2)`,
		userID, deviceID).Scan(&exists)
	return exists, err
}

// registerDevice performs the whole registration in one transaction:
// insert device, signed prekey, and the one-time prekey batch.
func (s *store) registerDevice(ctx context.Context, userID string, req RegisterDeviceRequest) (Device, error) {
	token, err := generateAuthToken()
	if err != nil {
		return Device{}, err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Device{}, err
	}
	defer tx.Rollback(ctx)

	now := time.Now().UTC()
	_, err = tx.Exec(ctx,
		`INSERT INTO devices (user_id, device_id, device_name, registration_id, identity_key, auth_token_hash, is_active, last_seen, created_at)
		 VALUES ($1,$2,$3,$4,$5,$6,true,$7,$7)`,
		userID, req.DeviceID, req.DeviceName, req.RegistrationID, req.IdentityKey, hashToken(token), now)
	if err != nil {
		return Device{}, err
	}

	_, err = tx.Exec(ctx,
		`INSERT INTO signed_prekeys (user_id, device_id, prekey_id, public_key, signature, created_at)
		 VALUES ($1,$2,$3,$4,$5,$6)`,
		userID, req.DeviceID, req.SignedPreKey.ID, req.SignedPreKey.PublicKey, req.SignedPreKey.Signature, now)
	if err != nil {
		return Device{}, err
	}

	batch := &pgx.Batch{}
	for _, opk := range req.OneTimePreKeys {
		batch.Queue(
			`INSERT INTO onetime_prekeys (user_id, device_id, prekey_id, public_key, is_used)
			 VALUES ($1,$2,$3,$4,false)
			 ON CONFLICT (user_id, device_id, prekey_id) DO NOTHING`,
			userID, req.DeviceID, opk.PreKeyID, opk.PublicKey)
	}
	br := tx.SendBatch(ctx, batch)
	for range req.OneTimePreKeys {
		if _, err := br.Exec(); err != nil {
			br.Close()
			return Device{}, err
		}
	}
	if err := br.Close(); err != nil {
		return Device{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Device{}, err
	}

	return Device{
		UserID:            userID,
		DeviceID:          req.DeviceID,
		DeviceName:        req.DeviceName,
		RegistrationID:    req.RegistrationID,
		IdentityPublicKey: req.IdentityKey,
		AuthToken:         token,
		Active:            true,
		LastSeen:          now,
		CreatedAt:         now,
	}, nil
}

// claimBundle selects and locks one unused one-time prekey (oldest first,
// FOR UPDATE SKIP LOCKED), marks it used, and reads the signed prekey and
// device row, all within a single transaction. Returns (bundle,
// remainingUnused, error).
func (s *store) claimBundle(ctx context.Context, userID, deviceID string) (PreKeyBundle, int, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return PreKeyBundle{}, 0, err
	}
	defer tx.Rollback(ctx)

	var identityKey []byte
	err = tx.QueryRow(ctx,
		`SELECT identity_key FROM devices WHERE user_id=$1 AND device_id=$2 AND is_active`,
		userID, deviceID).Scan(&identityKey)
	if errors.Is(err, pgx.ErrNoRows) {
		return PreKeyBundle{}, 0, errDeviceNotFound
	}
	if err != nil {
		return PreKeyBundle{}, 0, err
	}

	var spk SignedPreKey
	spk.UserID, spk.DeviceID = userID, deviceID
	err = tx.QueryRow(ctx,
		`SELECT prekey_id, public_key, signature, created_at FROM signed_prekeys
		 WHERE user_id=$1 AND device_id=$2 ORDER BY created_at DESC LIMIT 1`,
		userID, deviceID).Scan(&spk.PreKeyID, &spk.PublicKey, &spk.Signature, &spk.CreatedAt)
	if err != nil {
		return PreKeyBundle{}, 0, err
	}

	var rowID string
	var otpID int
	var otpKey []byte
	var otp *OneTimePreKeyUpload
	err = tx.QueryRow(ctx,
		`SELECT id, prekey_id, public_key FROM onetime_prekeys
		 WHERE user_id=$1 AND device_id=$2 AND NOT is_used
		 ORDER BY created_at ASC, prekey_id ASC LIMIT 1 FOR UPDATE SKIP LOCKED`,
		userID, deviceID).Scan(&rowID, &otpID, &otpKey)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		// Degrade to X3DH without an OPK.
	case err != nil:
		return PreKeyBundle{}, 0, err
	default:
		if _, err := tx.Exec(ctx,
			`UPDATE onetime_prekeys SET is_used=true WHERE user_id=$1 AND device_id=$2 AND prekey_id=$3`,
			userID, deviceID, otpID); err != nil {
			return PreKeyBundle{}, 0, err
		}
		otp = &OneTimePreKeyUpload{PreKeyID: otpID, PublicKey: otpKey}
	}

	var remaining int
	if err := tx.QueryRow(ctx,
		`SELECT count(*) FROM onetime_prekeys WHERE user_id=$1 AND device_id=$2 AND NOT is_used`,
		userID, deviceID).Scan(&remaining); err != nil {
		return PreKeyBundle{}, 0, err
	}

	if err := tx.Commit(ctx); err != nil {
		return PreKeyBundle{}, 0, err
	}

	return PreKeyBundle{
		UserID:            userID,
		DeviceID:          deviceID,
		IdentityPublicKey: identityKey,
		SignedPreKey:      spk,
		OneTimePreKey:     otp,
	}, remaining, nil
}

func (s *store) mostRecentlySeenDevice(ctx context.Context, userID string) (string, error) {
	var deviceID string
	err := s.pool.QueryRow(ctx,
		`SELECT device_id FROM devices WHERE user_id=$1 AND is_active ORDER BY last_seen DESC LIMIT 1`,
		userID).Scan(&deviceID)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", errDeviceNotFound
	}
	return deviceID, err
}

func (s *store) identityKey(ctx context.Context, userID, deviceID string) ([]byte, error) {
	var key []byte
	err := s.pool.QueryRow(ctx,
		`SELECT identity_key FROM devices WHERE user_id=$1 AND device_id=$2`,
		userID, deviceID).Scan(&key)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, errDeviceNotFound
	}
	return key, err
}

func (s *store) rotateSignedPreKey(ctx context.Context, userID, deviceID string, upload SignedPreKeyUpload) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx,
		`INSERT INTO signed_prekeys (user_id, device_id, prekey_id, public_key, signature, created_at)
		 VALUES ($1,$2,$3,$4,$5,now())`,
		userID, deviceID, upload.ID, upload.PublicKey, upload.Signature); err != nil {
		return err
	}

	// Retain only the SignedPreKeyHistoryDepth most recent entries.
	if _, err := tx.Exec(ctx,
		`DELETE FROM signed_prekeys WHERE user_id=$1 AND device_id=$2 AND prekey_id NOT IN (
			SELECT prekey_id FROM signed_prekeys WHERE user_id=$1 AND device_id=$2
			ORDER BY created_at DESC LIMIT $3
		 )`, userID, deviceID, SignedPreKeyHistoryDepth); err != nil {
		return err
	}

	return tx.Commit(ctx)
}

func (s *store) uploadOneTimePreKeys(ctx context.Context, userID, deviceID string, batch []OneTimePreKeyUpload) error {
	b := &pgx.Batch{}
	for _, opk := range batch {
		b.Queue(
			`INSERT INTO onetime_prekeys (user_id, device_id, prekey_id, public_key, is_used)
			 VALUES ($1,$2,$3,$4,false)
			 ON CONFLICT (user_id, device_id, prekey_id) DO NOTHING`,
			userID, deviceID, opk.PreKeyID, opk.PublicKey)
	}
	br := s.pool.SendBatch(ctx, b)
	defer br.Close()
	for range batch {
		if _, err := br.Exec(); err != nil {
			return err
		}
	}
	return nil
}

func (s *store) deactivateDevice(ctx context.Context, userID, deviceID string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE devices SET is_active=false WHERE user_id=$1 AND device_id=$2`, userID, deviceID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return errDeviceNotFound
	}
	return nil
}

func (s *store) listDevices(ctx context.Context, userID string) ([]Device, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT user_id, device_id, device_name, registration_id, identity_key, is_active, last_seen, created_at
		 FROM devices WHERE user_id=$1 ORDER BY created_at`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Device
	for rows.Next() {
		var d Device
		if err := rows.Scan(&d.UserID, &d.DeviceID, &d.DeviceName, &d.RegistrationID, &d.IdentityPublicKey, &d.Active, &d.LastSeen, &d.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (s *store) deviceStats(ctx context.Context, userID, deviceID string) (DeviceStats, error) {
	stats := DeviceStats{UserID: userID, DeviceID: deviceID}
	err := s.pool.QueryRow(ctx,
		`SELECT count(*), count(*) FILTER (WHERE is_used), count(*) FILTER (WHERE NOT is_used)
		 FROM onetime_prekeys WHERE user_id=$1 AND device_id=$2`,
		userID, deviceID).Scan(&stats.TotalPreKeys, &stats.UsedPreKeys, &stats.UnusedPreKeys)
	return stats, err
}

// lookupByToken resolves a bearer token to the device that owns it, for
// per-device authorization.
func (s *store) lookupByToken(ctx context.Context, token string) (userID, deviceID string, err error) {
	err = s.pool.QueryRow(ctx,
		`SELECT user_id, device_id FROM devices WHERE auth_token_hash=$1 AND is_active`,
		hashToken(token)).Scan(&userID, &deviceID)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", "", errDeviceNotFound
	}
	return userID, deviceID, err
}

var errDeviceNotFound = errors.New("device not found")
