package rabbitmq

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidateRoutingKey(t *testing.T) {
	valid := []string{"post.created", "media.uploaded", "user", "a.b.c.d"}
	for _, key := range valid {
		assert.NoError(t, ValidateRoutingKey(key), key)
	}

	invalid := []string{"", "post.", ".post", "post..created", "post.*", "media.#", strings.Repeat("a", 256)}
	for _, key := range invalid {
		assert.ErrorIs(t, ValidateRoutingKey(key), ErrInvalidRoutingKey, key)
	}
}

func TestValidatePattern(t *testing.T) {
	valid := []string{"post.*", "media.#", "#", "*", "*.created", "post.created"}
	for _, pattern := range valid {
		assert.NoError(t, ValidatePattern(pattern), pattern)
	}

	invalid := []string{"", "post.", "post..*", "post*", "media.#x", "a.*b"}
	for _, pattern := range invalid {
		assert.ErrorIs(t, ValidatePattern(pattern), ErrInvalidPattern, pattern)
	}
}

func TestMatchPattern(t *testing.T) {
	tests := []struct {
		pattern string
		key     string
		want    bool
	}{
		{"media.*", "media.uploaded", true},
		{"post.*", "media.uploaded", false},
		{"post.*", "post.created.v2", false},
		{"post.#", "post", true},
		{"post.#", "post.created.v2", true},
		{"#", "anything.at.all", true},
		{"*.created", "post.created", true},
		{"*.created", "created", false},
		{"#.created", "post.comment.created", true},
		{"a.#.z", "a.z", true},
		{"a.#.z", "a.b.c.z", true},
		{"a.#.z", "a.b.c", false},
		{"post.created", "post.created", true},
		{"post.created", "post.deleted", false},
	}

	for _, tt := range tests {
		t.Run(tt.pattern+" "+tt.key, func(t *testing.T) {
			assert.Equal(t, tt.want, MatchPattern(tt.pattern, tt.key))
		})
	}
}
