package roomcode

import (
	"regexp"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateShape(t *testing.T) {
	pattern := regexp.MustCompile(`^[a-z]+-[a-z]+-\d{2}$`)
	for i := 0; i < 50; i++ {
		code := Generate()
		require.Regexp(t, pattern, code)
		assert.True(t, Validate(code), "generated code %q must validate", code)
	}
}

func TestNormalize(t *testing.T) {
	assert.Equal(t, "warm-harbor-07", Normalize("  Warm-Harbor-07 "))
	assert.Equal(t, "bold-reef-42", Normalize("BOLD-REEF-42"))
	assert.Equal(t, "", Normalize("   "))
}

func TestValidate(t *testing.T) {
	tests := []struct {
		code string
		ok   bool
	}{
		{"warm-harbor-07", true},
		{"a-b-c", true},
		{"warm-harbor", false},
		{"warm-harbor-07-extra", false},
		{"warm--07", false},
		{"-harbor-07", false},
		{"", false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.ok, Validate(tt.code), "code %q", tt.code)
	}
}
