package handlers

import (
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsJSONRequest(t *testing.T) {
	cases := []struct {
		name        string
		contentType string
		want        bool
	}{
		{"bare media type", "application/json", true},
		{"charset parameter", "application/json; charset=utf-8", true},
		{"no space before parameter", "application/json;charset=utf-8", true},
		{"uppercase type", "Application/JSON", true},
		{"multipart upload", "multipart/form-data; boundary=xyz", false},
		{"plain text", "text/plain", false},
		{"empty header", "", false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			r := httptest.NewRequest("POST", "/api/documents", nil)
			if tc.contentType != "" {
				r.Header.Set("Content-Type", tc.contentType)
			}
			assert.Equal(t, tc.want, isJSONRequest(r))
		})
	}
}
