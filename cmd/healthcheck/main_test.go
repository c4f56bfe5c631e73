package main

import "testing"

func TestProbeURL(t *testing.T) {
	tests := []struct {
		name     string
		override string
		addr     string
		args     []string
		want     string
	}{
		{"defaults", "", "", nil, "http://localhost:8080/healthz"},
		{"custom port", "", ":9000", nil, "http://localhost:9000/healthz"},
		{"host and port", "", "127.0.0.1:9000", []string{"ready"}, "http://127.0.0.1:9000/readyz"},
		{"override", "http://bot:1/healthz", ":9000", []string{"ready"}, "http://bot:1/healthz"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("HEALTHCHECK_URL", tt.override)
			t.Setenv("HTTP_ADDR", tt.addr)
			if got := probeURL(tt.args); got != tt.want {
				t.Errorf("probeURL() = %q, want %q", got, tt.want)
			}
		})
	}
}
