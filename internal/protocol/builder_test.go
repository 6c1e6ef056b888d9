package protocol

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBuilders(t *testing.T) {
	assert.Equal(t, "|/trn USERNAME,0,zzz", LoginAssertion("USERNAME", "zzz"))
	assert.Equal(t, "|/utm null", UseTeam("null"))
	assert.Equal(t, "|/search gen8randombattle", Search("gen8randombattle"))
	assert.Equal(t, "battle-1|/timer on", TimerOn("battle-1"))
	assert.Equal(t, "battle-1|/choose move 1", Choose("battle-1", Move(1)))
	assert.Equal(t, "battle-1|/choose switch 3", Choose("battle-1", Switch(3)))
	assert.Equal(t, "battle-1|/choose default", Choose("battle-1", Default()))
}

func TestChosenAction_StringInvalid(t *testing.T) {
	assert.Equal(t, "invalid", ChosenAction{}.String())
}
