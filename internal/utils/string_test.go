package utils

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalizeEmailSubject(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{
			name:     "plain subject is lowercased",
			input:    "Quarterly Report",
			expected: "quarterly report",
		},
		{
			name:     "single reply prefix",
			input:    "Re: Quarterly Report",
			expected: "quarterly report",
		},
		{
			name:     "stacked reply and forward prefixes",
			input:    "Re: Fwd: Re: Quarterly Report",
			expected: "quarterly report",
		},
		{
			name:     "numbered reply prefix",
			input:    "Re[2]: Quarterly Report",
			expected: "quarterly report",
		},
		{
			name:     "fw variant",
			input:    "FW: budget",
			expected: "budget",
		},
		{
			name:     "surrounding whitespace",
			input:    "  Re:   hello  ",
			expected: "hello",
		},
		{
			name:     "prefix-like word mid-subject stays",
			input:    "Update re: the meeting",
			expected: "update re: the meeting",
		},
		{
			name:     "empty subject",
			input:    "",
			expected: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, NormalizeEmailSubject(tt.input))
		})
	}
}

func TestNormalizeMessageID(t *testing.T) {
	assert.Equal(t, "abc@example.com", NormalizeMessageID("<abc@example.com>"))
	assert.Equal(t, "abc@example.com", NormalizeMessageID("  <abc@example.com>  "))
	assert.Equal(t, "abc@example.com", NormalizeMessageID("abc@example.com"))
	assert.Equal(t, "", NormalizeMessageID("<>"))
}

func TestUniqueStrings(t *testing.T) {
	assert.Equal(t, []string{"a", "b", "c"}, UniqueStrings([]string{"a", "b", "a", "c", "b"}))
	assert.Equal(t, []string{}, UniqueStrings(nil))
}

func TestIsStringInSlice(t *testing.T) {
	assert.True(t, IsStringInSlice("b", []string{"a", "b"}))
	assert.False(t, IsStringInSlice("z", []string{"a", "b"}))
	assert.False(t, IsStringInSlice("a", nil))
}

func TestChecksum(t *testing.T) {
	// Stable digest for stable input.
	assert.Equal(t, Checksum([]byte("hello")), Checksum([]byte("hello")))
	assert.NotEqual(t, Checksum([]byte("hello")), Checksum([]byte("world")))
	assert.Len(t, Checksum([]byte("hello")), 64)
}

func TestGenerateNanoIDWithPrefix(t *testing.T) {
	id := GenerateNanoIDWithPrefix("email", 21)
	assert.Regexp(t, `^email_[a-z0-9]{21}$`, id)
	assert.NotEqual(t, id, GenerateNanoIDWithPrefix("email", 21))
}
