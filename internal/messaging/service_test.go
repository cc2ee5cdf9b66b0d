package messaging

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSplitMessage_Short(t *testing.T) {
	assert.Equal(t, []string{"hello"}, SplitMessage("  hello ", 10))
	assert.Equal(t, []string{"anything"}, SplitMessage("anything", 0))
}

func TestSplitMessage_AtWhitespace(t *testing.T) {
	parts := SplitMessage("one two three four", 9)
	assert.Equal(t, []string{"one two", "three", "four"}, parts)
}

func TestSplitMessage_HardCut(t *testing.T) {
	parts := SplitMessage(strings.Repeat("x", 25), 10)
	assert.Equal(t, []string{strings.Repeat("x", 10), strings.Repeat("x", 10), strings.Repeat("x", 5)}, parts)
}

func TestSplitMessage_Runes(t *testing.T) {
	text := strings.Repeat("é", 15)
	parts := SplitMessage(text, 10)
	assert.Len(t, parts, 2)
	assert.Equal(t, 10, len([]rune(parts[0])))
	assert.Equal(t, text, parts[0]+parts[1])
}
