package server

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
)

func TestOriginPolicy(t *testing.T) {
	policy := NewOriginPolicy([]string{"http://localhost:8001", " https://Chat.Example.com ", "not a url", ""}, zerolog.Nop())

	tests := []struct {
		name   string
		origin string
		want   bool
	}{
		{"exact match", "http://localhost:8001", true},
		{"case insensitive", "HTTP://LOCALHOST:8001", true},
		{"trimmed config entry", "https://chat.example.com", true},
		{"other port", "http://localhost:8002", false},
		{"other scheme", "https://localhost:8001", false},
		{"missing header", "", false},
		{"garbage header", "::::", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/ws", nil)
			if tt.origin != "" {
				r.Header.Set("Origin", tt.origin)
			}
			assert.Equal(t, tt.want, policy.Allowed(r))
			assert.Equal(t, tt.want, policy.CheckOrigin(r))
		})
	}
}

func TestOriginPolicyWildcard(t *testing.T) {
	policy := NewOriginPolicy([]string{"*"}, zerolog.Nop())

	r := httptest.NewRequest(http.MethodGet, "/ws", nil)
	r.Header.Set("Origin", "http://anywhere.example:1234")
	assert.True(t, policy.Allowed(r))

	r.Header.Del("Origin")
	assert.False(t, policy.Allowed(r), "a browser always sends an origin")
}
