package conversation

import "testing"

func intPtr(i int) *int { return &i }
func strPtr(s string) *string { return &s }

func TestValidateSend(t *testing.T) {
	base := func() SendMessageRequest {
		return SendMessageRequest{
			RecipientID: strPtr("user-2"),
			DeviceID:    "device-1",
			Ciphertext:  []byte("ct"),
			MessageType: "text",
		}
	}

	tests := []struct {
		name    string
		mutate  func(SendMessageRequest) SendMessageRequest
		wantErr bool
	}{
		{"valid", func(r SendMessageRequest) SendMessageRequest { return r }, false},
		{"missing_recipient_and_conversation", func(r SendMessageRequest) SendMessageRequest {
			r.RecipientID = nil
			return r
		}, true},
		{"missing_device_id", func(r SendMessageRequest) SendMessageRequest {
			r.DeviceID = ""
			return r
		}, true},
		{"empty_ciphertext", func(r SendMessageRequest) SendMessageRequest {
			r.Ciphertext = nil
			return r
		}, true},
		{"invalid_message_type", func(r SendMessageRequest) SendMessageRequest {
			r.MessageType = "bogus"
			return r
		}, true},
		{"self_destruct_without_ttl", func(r SendMessageRequest) SendMessageRequest {
			r.IsSelfDestructing = true
			return r
		}, true},
		{"self_destruct_with_zero_ttl", func(r SendMessageRequest) SendMessageRequest {
			r.IsSelfDestructing = true
			r.ExpiresInSeconds = intPtr(0)
			return r
		}, true},
		{"self_destruct_with_valid_ttl", func(r SendMessageRequest) SendMessageRequest {
			r.IsSelfDestructing = true
			r.ExpiresInSeconds = intPtr(60)
			return r
		}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := tt.mutate(base())
			err := validateSend(&req)
			if (err != nil) != tt.wantErr {
				t.Fatalf("validateSend() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestValidateSendDefaultsMessageTypeOnCaller(t *testing.T) {
	req := SendMessageRequest{
		RecipientID: strPtr("user-2"),
		DeviceID:    "device-1",
		Ciphertext:  []byte("ct"),
	}
	if err := validateSend(&req); err != nil {
		t.Fatalf("validateSend() error = %v", err)
	}
	if req.MessageType != "text" {
		t.Fatalf("MessageType = %q, want the default to propagate back to the caller's request", req.MessageType)
	}
}

func TestAdvisoryLockKeyIsOrderIndependent(t *testing.T) {
	if advisoryLockKey("a", "b") != advisoryLockKey("b", "a") {
		t.Fatal("advisoryLockKey should be symmetric in its two arguments")
	}
}
