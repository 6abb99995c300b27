package helpers

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseKV(t *testing.T) {
	m := ParseKV("model: gpt-4\n\nbroken\nurl:http://x:8080")
	assert.Equal(t, map[string]string{
		"model": "gpt-4",
		"url":   "http://x:8080",
	}, m)
}

func TestParsePairs(t *testing.T) {
	m, err := ParsePairs([]string{"model:gpt-4", "temperature:0.5", "stream:true", "empty:"})
	require.NoError(t, err)
	assert.Equal(t, map[string]interface{}{
		"model":       "gpt-4",
		"temperature": 0.5,
		"stream":      true,
		"empty":       "",
	}, m)

	_, err = ParsePairs([]string{"novalue"})
	assert.Error(t, err)
	_, err = ParsePairs([]string{":x"})
	assert.Error(t, err)
}
