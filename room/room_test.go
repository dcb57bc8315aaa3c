package room

import "testing"

func TestIsID(t *testing.T) {
	tests := []struct {
		in   string
		want bool
	}{
		{"64b7f0c2a1b2c3d4e5f60001", true},
		{"64B7F0C2A1B2C3D4E5F60001", true},
		{"64b7f0c2a1b2c3d4e5f6000", false},
		{"64b7f0c2a1b2c3d4e5f600011", false},
		{"64b7f0c2a1b2c3d4e5f6000z", false},
		{"", false},
		{"backend:64b7f0c2a1b2c3d4e5f60001", false},
	}
	for _, tt := range tests {
		if got := IsID(tt.in); got != tt.want {
			t.Errorf("IsID(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestSessionID(t *testing.T) {
	const id = "64b7f0c2a1b2c3d4e5f60001"
	tests := []struct {
		name       string
		in         string
		privileged bool
		want       string
		ok         bool
	}{
		{"plain browser", id, false, id, true},
		{"plain backend", id, true, id, true},
		{"shadow backend", Shadow(id), true, id, true},
		{"shadow browser", Shadow(id), false, "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := SessionID(tt.in, tt.privileged)
			if got != tt.want || ok != tt.ok {
				t.Fatalf("SessionID(%q, %v) = (%q, %v), want (%q, %v)", tt.in, tt.privileged, got, ok, tt.want, tt.ok)
			}
		})
	}
}
