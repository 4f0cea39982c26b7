package keys

import (
	"context"
	"testing"

	"github.com/rs/zerolog"
	"golang.org/x/crypto/ed25519"
)

func newTestService() *Service {
	return &Service{store: newStore(nil), log: zerolog.Nop()}
}

func validRegistration(t *testing.T) (RegisterDeviceRequest, ed25519.PublicKey) {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("GenerateKey() error = %v", err)
	}
	spkPub := make([]byte, 32)
	sig := ed25519.Sign(priv, spkPub)

	otps := make([]OneTimePreKeyUpload, MinOneTimePreKeys)
	for i := range otps {
		otps[i] = OneTimePreKeyUpload{PreKeyID: i, PublicKey: make([]byte, 32)}
	}

	return RegisterDeviceRequest{
		DeviceID:       "device-1",
		DeviceName:     "phone",
		RegistrationID: 1234,
		IdentityKey:    pub,
		SignedPreKey:   SignedPreKeyUpload{ID: 1, PublicKey: spkPub, Signature: sig},
		OneTimePreKeys: otps,
	}, pub
}

func TestRegisterDeviceValidation(t *testing.T) {
	t.Run("registration_id_out_of_range", func(t *testing.T) {
		svc := newTestService()
		req, _ := validRegistration(t)
		req.RegistrationID = 16384
		_, err := svc.RegisterDevice(context.Background(), "user-1", req)
		if err == nil {
			t.Fatal("expected error for out-of-range registration_id")
		}
	})

	t.Run("short_identity_key", func(t *testing.T) {
		svc := newTestService()
		req, _ := validRegistration(t)
		req.IdentityKey = req.IdentityKey[:16]
		_, err := svc.RegisterDevice(context.Background(), "user-1", req)
		if err == nil {
			t.Fatal("expected error for short identity key")
		}
	})

	t.Run("short_signed_prekey", func(t *testing.T) {
		svc := newTestService()
		req, _ := validRegistration(t)
		req.SignedPreKey.PublicKey = req.SignedPreKey.PublicKey[:16]
		_, err := svc.RegisterDevice(context.Background(), "user-1", req)
		if err == nil {
			t.Fatal("expected error for short signed prekey")
		}
	})

	t.Run("too_few_onetime_prekeys", func(t *testing.T) {
		svc := newTestService()
		req, _ := validRegistration(t)
		req.OneTimePreKeys = req.OneTimePreKeys[:49]
		_, err := svc.RegisterDevice(context.Background(), "user-1", req)
		if err == nil {
			t.Fatal("expected error for 49 one-time prekeys")
		}
	})

	t.Run("invalid_signature", func(t *testing.T) {
		svc := newTestService()
		req, _ := validRegistration(t)
		req.SignedPreKey.Signature[0] ^= 0xFF
		_, err := svc.RegisterDevice(context.Background(), "user-1", req)
		if err == nil {
			t.Fatal("expected error for invalid signature")
		}
	})
}

func TestRotateSignedPreKeyValidation(t *testing.T) {
	svc := newTestService()
	err := svc.RotateSignedPreKey(context.Background(), "u", "d", SignedPreKeyUpload{
		PublicKey: make([]byte, 16),
	})
	if err == nil {
		t.Fatal("expected error for short public key")
	}
}

func TestUploadOneTimePreKeysValidation(t *testing.T) {
	svc := newTestService()
	err := svc.UploadOneTimePreKeys(context.Background(), "u", "d", nil)
	if err == nil {
		t.Fatal("expected error for empty batch")
	}
}
