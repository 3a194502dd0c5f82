package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCorrelationID(t *testing.T) {
	tests := []struct {
		name     string
		incoming string
		keep     bool
	}{
		{"generated when missing", "", false},
		{"kept when valid", "req-42", true},
		{"replaced when too long", strings.Repeat("a", maxCorrelationIDLength+1), false},
		{"replaced when it has spaces", "two words", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var seen string
			handler := CorrelationID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				seen = GetCorrelationID(r.Context())
				w.WriteHeader(http.StatusAccepted)
			}))

			req := httptest.NewRequest(http.MethodGet, "/", nil)
			if tt.incoming != "" {
				req.Header.Set(HeaderCorrelationID, tt.incoming)
			}
			w := httptest.NewRecorder()
			handler.ServeHTTP(w, req)

			assert.Equal(t, http.StatusAccepted, w.Code)
			assert.Equal(t, seen, w.Header().Get(HeaderCorrelationID))
			if tt.keep {
				assert.Equal(t, tt.incoming, seen)
			} else {
				assert.NotEqual(t, tt.incoming, seen)
				assert.Len(t, seen, 36)
			}
		})
	}
}

func TestGetCorrelationID(t *testing.T) {
	assert.Equal(t, "unknown", GetCorrelationID(context.Background()))
	assert.Equal(t, "unknown", GetCorrelationID(WithCorrelationID(context.Background(), "")))
	assert.Equal(t, "abc", GetCorrelationID(WithCorrelationID(context.Background(), "abc")))
}
