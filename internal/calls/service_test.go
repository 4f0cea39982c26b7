package calls

import "testing"

func TestIsTerminal(t *testing.T) {
	tests := []struct {
		status string
		want   bool
	}{
		{StatusRinging, false},
		{StatusAnswered, false},
		{StatusDeclined, true},
		{StatusMissed, true},
		{StatusEnded, true},
		{StatusFailed, true},
	}
	for _, tt := range tests {
		if got := isTerminal(tt.status); got != tt.want {
			t.Errorf("isTerminal(%q) = %v, want %v", tt.status, got, tt.want)
		}
	}
}

func TestValidateSDP(t *testing.T) {
	tests := []struct {
		name       string
		sdp        string
		expectType string
		wantErr    bool
	}{
		{"empty", "", "offer", true},
		{"bare_string", "v=0\r\no=- 123 2 IN IP4 127.0.0.1\r\n", "offer", false},
		{"valid_offer_json", `{"type":"offer","sdp":"v=0..."}`, "offer", false},
		{"wrong_type_json", `{"type":"answer","sdp":"v=0..."}`, "offer", true},
		{"empty_sdp_field", `{"type":"offer","sdp":""}`, "offer", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := validateSDP(tt.sdp, tt.expectType)
			if (err != nil) != tt.wantErr {
				t.Errorf("validateSDP(%q) error = %v, wantErr %v", tt.sdp, err, tt.wantErr)
			}
		})
	}
}

func TestValidateICECandidate(t *testing.T) {
	tests := []struct {
		name      string
		candidate string
		wantErr   bool
	}{
		{"empty", "", true},
		{"bare_string", "candidate:1 1 UDP 2122260223 192.168.1.1 5000 typ host", false},
		{"valid_json", `{"candidate":"candidate:1 1 UDP ..."}`, false},
		{"empty_candidate_field", `{"candidate":""}`, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := validateICECandidate(tt.candidate)
			if (err != nil) != tt.wantErr {
				t.Errorf("validateICECandidate(%q) error = %v, wantErr %v", tt.candidate, err, tt.wantErr)
			}
		})
	}
}
