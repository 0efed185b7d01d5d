package device

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeUUID(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{"16-bit", "2902", "2902"},
		{"16-bit uppercase", "180F", "180f"},
		{"16-bit with 0x prefix", "0x2902", "2902"},
		{"surrounding spaces", "  180f ", "180f"},
		{"SIG base is shortened", "0000180f-0000-1000-8000-00805f9b34fb", "180f"},
		{"SIG base without dashes", "0000180F00001000800000805F9B34FB", "180f"},
		{"vendor 128-bit", "19B10000-E8F2-537E-4F6C-D104768A1214", "19b10000e8f2537e4f6cd104768a1214"},
		{"vendor with zero prefix is kept", "0000ffe0-1234-1000-8000-00805f9b34fb", "0000ffe012341000800000805f9b34fb"},
		{"invalid characters", "19b1zzzz", ""},
		{"empty", "", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, NormalizeUUID(tt.input))
		})
	}
}

func TestNormalizeUUIDs(t *testing.T) {
	got := NormalizeUUIDs([]string{"180F", "0x2A19", "00002a37-0000-1000-8000-00805f9b34fb"})
	assert.Equal(t, []string{"180f", "2a19", "2a37"}, got)
	assert.Empty(t, NormalizeUUIDs(nil))
}

func TestEqualUUID(t *testing.T) {
	assert.True(t, EqualUUID("19b10001-e8f2-537e-4f6c-d104768a1214", "19B10001E8F2537E4F6CD104768A1214"))
	assert.True(t, EqualUUID("180f", "0000180F-0000-1000-8000-00805F9B34FB"))
	assert.False(t, EqualUUID("180f", "180a"))
	assert.False(t, EqualUUID("xyz", "xyz"))
}

func TestShortenUUID(t *testing.T) {
	assert.Equal(t, "19b10001", ShortenUUID("19b10001e8f2537e4f6cd104768a1214"))
	assert.Equal(t, "180f", ShortenUUID("180f"))
}

func TestValidateUUID(t *testing.T) {
	got, err := ValidateUUID("180F", "19b10001-e8f2-537e-4f6c-d104768a1214")
	require.NoError(t, err)
	assert.Equal(t, []string{"180f", "19b10001e8f2537e4f6cd104768a1214"}, got)

	_, err = ValidateUUID()
	assert.Error(t, err)

	_, err = ValidateUUID("180f", "")
	assert.ErrorContains(t, err, "index 1 cannot be empty")

	_, err = ValidateUUID("not-a-uuid")
	assert.ErrorContains(t, err, "invalid UUID format")
}
