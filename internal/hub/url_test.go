package hub

import "testing"

func TestDeriveWSURL(t *testing.T) {
	tests := []struct {
		name    string
		base    string
		want    string
		wantErr bool
	}{
		{
			name: "plain http",
			base: "http://homeassistant.local:8123",
			want: "ws://homeassistant.local:8123/api/websocket",
		},
		{
			name: "https",
			base: "https://ha.example.com",
			want: "wss://ha.example.com/api/websocket",
		},
		{
			name: "trailing slash normalized",
			base: "http://homeassistant.local:8123/",
			want: "ws://homeassistant.local:8123/api/websocket",
		},
		{
			name: "supervisor embedded endpoint",
			base: "http://supervisor/core",
			want: "ws://supervisor/core/websocket",
		},
		{
			name: "supervisor with trailing slash",
			base: "http://supervisor/core/",
			want: "ws://supervisor/core/websocket",
		},
		{
			name: "already ws scheme",
			base: "ws://homeassistant.local:8123",
			want: "ws://homeassistant.local:8123/api/websocket",
		},
		{
			name:    "unsupported scheme",
			base:    "ftp://hub",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := DeriveWSURL(tt.base)
			if (err != nil) != tt.wantErr {
				t.Fatalf("DeriveWSURL(%q) error = %v, wantErr %v", tt.base, err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("DeriveWSURL(%q) = %q, want %q", tt.base, got, tt.want)
			}
		})
	}
}

func TestDeriveRESTURL(t *testing.T) {
	tests := []struct {
		base string
		want string
	}{
		{"http://homeassistant.local:8123", "http://homeassistant.local:8123/api"},
		{"http://homeassistant.local:8123/", "http://homeassistant.local:8123/api"},
		{"http://supervisor/core", "http://supervisor/core/api"},
	}

	for _, tt := range tests {
		if got := DeriveRESTURL(tt.base); got != tt.want {
			t.Errorf("DeriveRESTURL(%q) = %q, want %q", tt.base, got, tt.want)
		}
	}
}
