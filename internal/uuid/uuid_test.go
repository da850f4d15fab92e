package uuid

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		id := New()
		require.True(t, IsValid(id), id)
		require.False(t, seen[id], "duplicate key %s", id)
		seen[id] = true
	}
}

func TestParse(t *testing.T) {
	tests := []struct {
		name  string
		input string
		ok    bool
	}{
		{"v4", "0b5a6c1e-8f3d-4c2a-9b7e-1d2f3a4b5c6d", true},
		{"upper case", "0B5A6C1E-8F3D-4C2A-9B7E-1D2F3A4B5C6D", true},
		{"v1", "6ba7b810-9dad-11d1-80b4-00c04fd430c8", false},
		{"bad variant", "0b5a6c1e-8f3d-4c2a-7b7e-1d2f3a4b5c6d", false},
		{"no dashes", "0b5a6c1e8f3d4c2a9b7e1d2f3a4b5c6d", false},
		{"urn form", "urn:uuid:0b5a6c1e-8f3d-4c2a-9b7e-1d2f3a4b5c6d", false},
		{"empty", "", false},
		{"garbage", "not-a-uuid", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse(tt.input)
			assert.Equal(t, tt.ok, err == nil, "err: %v", err)
			assert.Equal(t, tt.ok, IsValid(tt.input))
		})
	}
}
