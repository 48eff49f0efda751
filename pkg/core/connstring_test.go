package core

import (
	"testing"
)

func TestParseConnString(t *testing.T) {
	tests := []struct {
		name       string
		input      string
		wantErr    bool
		wantHost   string
		wantPass   string
		wantPrefix string
		wantTLS    bool
	}{
		{
			name:     "simple host",
			input:    "vertexrelay://localhost:8050",
			wantHost: "localhost:8050",
		},
		{
			name:     "host without port gets default",
			input:    "vertexrelay://localhost",
			wantHost: "localhost:8050",
		},
		{
			name:     "password only userinfo",
			input:    "vertexrelay://:secret@localhost:9000",
			wantHost: "localhost:9000",
			wantPass: "secret",
		},
		{
			name:     "bare token is the password",
			input:    "vertexrelay://secret@localhost",
			wantHost: "localhost:8050",
			wantPass: "secret",
		},
		{
			name:       "with prefix",
			input:      "vertexrelay://:pw@relay:8050/api/",
			wantHost:   "relay:8050",
			wantPass:   "pw",
			wantPrefix: "/api",
		},
		{
			name:     "TLS scheme",
			input:    "vertexrelay+tls://:pw@relay.internal",
			wantHost: "relay.internal:8050",
			wantPass: "pw",
			wantTLS:  true,
		},
		{
			name:    "empty string",
			input:   "",
			wantErr: true,
		},
		{
			name:    "wrong scheme",
			input:   "http://localhost:8050",
			wantErr: true,
		},
		{
			name:    "multiple hosts",
			input:   "vertexrelay://a:8050,b:8050",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			info, err := ParseConnString(tt.input)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error, got nil")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if info.Host != tt.wantHost {
				t.Errorf("host: got %q, want %q", info.Host, tt.wantHost)
			}
			if info.Password != tt.wantPass {
				t.Errorf("password: got %q, want %q", info.Password, tt.wantPass)
			}
			if info.Prefix != tt.wantPrefix {
				t.Errorf("prefix: got %q, want %q", info.Prefix, tt.wantPrefix)
			}
			if info.TLS != tt.wantTLS {
				t.Errorf("tls: got %v, want %v", info.TLS, tt.wantTLS)
			}
		})
	}
}

func TestConnInfoString(t *testing.T) {
	info := &ConnInfo{
		Scheme:   "vertexrelay",
		Password: "secret",
		Host:     "localhost:8050",
		Prefix:   "/api",
	}

	expected := "vertexrelay://:***@localhost:8050/api"
	if s := info.String(); s != expected {
		t.Errorf("String(): got %q, want %q", s, expected)
	}
}

func TestConnInfoBaseURL(t *testing.T) {
	info := &ConnInfo{Scheme: "vertexrelay", Host: "localhost:8050"}
	if info.BaseURL() != "http://localhost:8050" {
		t.Errorf("BaseURL: got %q", info.BaseURL())
	}

	info.TLS = true
	info.Prefix = "/api"
	if info.BaseURL() != "https://localhost:8050/api" {
		t.Errorf("BaseURL TLS: got %q", info.BaseURL())
	}
}
