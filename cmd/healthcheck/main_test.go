package main

import "testing"

func TestTargetURL(t *testing.T) {
	tests := []struct {
		override, addr, want string
	}{
		{"", "", "http://localhost:8080/healthz"},
		{"", ":9090", "http://localhost:9090/healthz"},
		{"", "0.0.0.0:8081", "http://0.0.0.0:8081/healthz"},
		{"http://warden:8080/healthz", ":9090", "http://warden:8080/healthz"},
	}
	for _, tt := range tests {
		t.Setenv("HEALTHCHECK_URL", tt.override)
		t.Setenv("HTTP_ADDR", tt.addr)
		if got := targetURL(); got != tt.want {
			t.Errorf("targetURL(%q, %q) = %q, want %q", tt.override, tt.addr, got, tt.want)
		}
	}
}
