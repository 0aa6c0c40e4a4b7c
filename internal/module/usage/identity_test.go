package usage

import (
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestScopeID(t *testing.T) {
	a := ScopeID("203.0.113.7", "pepper")

	assert.Len(t, a, 64)
	assert.Equal(t, a, ScopeID("203.0.113.7", "pepper"))
	assert.NotEqual(t, a, ScopeID("198.51.100.2", "pepper"))
	assert.NotEqual(t, a, ScopeID("203.0.113.7", "salt"))
	assert.NotEqual(t, a, ScopeID("203.0.113.7", ""))
	assert.NotContains(t, a, "203.0.113.7")

	long := string(make([]byte, 100))
	assert.Len(t, ScopeID("203.0.113.7", long), 64)
}

func TestClientIdentity(t *testing.T) {
	tests := []struct {
		name    string
		headers map[string]string
		header  string
		want    string
	}{
		{
			name:    "platform header wins",
			headers: map[string]string{"X-Real-IP": "203.0.113.7", "X-Forwarded-For": "198.51.100.2"},
			want:    "203.0.113.7",
		},
		{
			name:    "first forwarded entry",
			headers: map[string]string{"X-Forwarded-For": " 198.51.100.2 , 10.0.0.1"},
			want:    "198.51.100.2",
		},
		{
			name: "loopback default",
			want: "127.0.0.1",
		},
		{
			name:    "custom platform header",
			headers: map[string]string{"CF-Connecting-IP": "192.0.2.1", "X-Real-IP": "203.0.113.7"},
			header:  "CF-Connecting-IP",
			want:    "192.0.2.1",
		},
		{
			name:    "empty forwarded entry",
			headers: map[string]string{"X-Forwarded-For": ", 10.0.0.1"},
			want:    "127.0.0.1",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest("GET", "/", nil)
			for k, v := range tt.headers {
				r.Header.Set(k, v)
			}
			assert.Equal(t, tt.want, ClientIdentity(r, tt.header))
		})
	}
}
