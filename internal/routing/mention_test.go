package routing

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseMentionsExtractsInOrderDeduplicated(t *testing.T) {
	mentions := ParseMentions("hey @alice can you loop in @bob? thanks @alice")
	assert.Equal(t, []string{"alice", "bob"}, mentions)
}

func TestParseMentionsIgnoresEmailLikeTokens(t *testing.T) {
	mentions := ParseMentions("contact me at foo@bar.com please")
	assert.Empty(t, mentions, "a preceding word character must not count as a mention boundary")
}

func TestParseMentionsHandlesDottedNames(t *testing.T) {
	mentions := ParseMentions("ping @research.bot now")
	assert.Equal(t, []string{"research.bot"}, mentions)
}

func TestParseMentionsAtStringStart(t *testing.T) {
	mentions := ParseMentions("@alice are you there")
	assert.Equal(t, []string{"alice"}, mentions)
}
