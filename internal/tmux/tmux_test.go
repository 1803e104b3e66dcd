package tmux

import "testing"

func TestSessionSocketName(t *testing.T) {
	if got := SessionSocketName("ab12cd34"); got != "agora-ab12cd34" {
		t.Errorf("SessionSocketName = %q, want %q", got, "agora-ab12cd34")
	}
}

func TestSessionName(t *testing.T) {
	tests := []struct {
		sessionID  string
		instanceID int
		want       string
	}{
		{"ab12cd34", 0, "agora-ab12cd34-0"},
		{"ab12cd34", 9, "agora-ab12cd34-9"},
		{"ffff0000", 3, "agora-ffff0000-3"},
	}

	for _, tt := range tests {
		if got := SessionName(tt.sessionID, tt.instanceID); got != tt.want {
			t.Errorf("SessionName(%q, %d) = %q, want %q", tt.sessionID, tt.instanceID, got, tt.want)
		}
	}
}

func TestExtractSessionID(t *testing.T) {
	tests := []struct {
		socket string
		want   string
	}{
		{"agora-ab12cd34", "ab12cd34"},
		{"agora-x", "x"},
		{"agora", ""},
		{"other-socket", ""},
		{"", ""},
	}

	for _, tt := range tests {
		if got := ExtractSessionID(tt.socket); got != tt.want {
			t.Errorf("ExtractSessionID(%q) = %q, want %q", tt.socket, got, tt.want)
		}
	}
}

func TestHasSessionMissing(t *testing.T) {
	if !Available() {
		t.Skip("tmux not installed")
	}
	if HasSession("agora-test-nonexistent", "no-such-session") {
		t.Error("HasSession should be false for a session that was never created")
	}
}
