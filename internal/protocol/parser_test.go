package protocol

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse_GlobalChallenge(t *testing.T) {
	msgs := Parse("|challstr|4|abc123")
	require.Len(t, msgs, 1)

	msg := msgs[0]
	assert.Equal(t, KindChallenge, msg.Kind)
	assert.Equal(t, "", msg.Room)
	assert.Equal(t, "4|abc123", msg.Payload())
}

func TestParse_RoomHeaderAppliesToFollowingLines(t *testing.T) {
	msgs := Parse(">battle-1\n|init|battle\n|title|USERNAME vs. rival\n|j|☆USERNAME")
	require.Len(t, msgs, 3)

	for _, msg := range msgs {
		assert.Equal(t, "battle-1", msg.Room)
	}
	assert.Equal(t, KindInit, msgs[0].Kind)
	assert.Equal(t, KindGeneric, msgs[1].Kind)
	assert.Equal(t, "title", msgs[1].Command)
}

func TestParse_RoomPrefixedLine(t *testing.T) {
	payload := `{"active":[{"moves":[{"move":"Tackle"},{"move":"Growl"}]}]}`
	msgs := Parse("battle-1|request|" + payload)
	require.Len(t, msgs, 1)

	assert.Equal(t, KindRequest, msgs[0].Kind)
	assert.Equal(t, "battle-1", msgs[0].Room)
	assert.Equal(t, payload, msgs[0].Payload())
}

func TestParse_PayloadKeepsPipes(t *testing.T) {
	msgs := Parse(`|updatesearch|{"searching":[],"note":"a|b"}`)
	require.Len(t, msgs, 1)
	assert.Equal(t, `{"searching":[],"note":"a|b"}`, msgs[0].Payload())
}

func TestParse_Classification(t *testing.T) {
	cases := []struct {
		line string
		want Kind
	}{
		{"|updateuser|USERNAME|1|1|{}", KindUpdateUser},
		{"|nametaken|USERNAME|Your assertion is stale", KindNameTaken},
		{"|init|chat", KindGeneric},
		{"|deinit", KindDeinit},
		{"|win|USERNAME", KindWin},
		{"|tie", KindTie},
		{"|popup|Your team was rejected for the following reasons:||- too many", KindTeamRejected},
		{"|popup|Some announcement", KindPopup},
		{"|queryresponse|rooms|{}", KindGeneric},
		{"|", KindGeneric},
		{"plain chat text", KindRaw},
		{"hello there | friend", KindRaw},
	}

	for _, tc := range cases {
		t.Run(tc.line, func(t *testing.T) {
			msgs := Parse(tc.line)
			require.Len(t, msgs, 1)
			assert.Equal(t, tc.want, msgs[0].Kind)
		})
	}
}

func TestParse_SkipsBlankLinesAndCRLF(t *testing.T) {
	msgs := Parse(">battle-2\r\n\r\n|turn|1\r\n")
	require.Len(t, msgs, 1)
	assert.Equal(t, "battle-2", msgs[0].Room)
	assert.Equal(t, "turn", msgs[0].Command)
	assert.Equal(t, "1", msgs[0].Field(0))
}

func TestParse_EmptyInput(t *testing.T) {
	assert.Empty(t, Parse(""))
	assert.Empty(t, Parse(">lobby"))
}

func TestMessage_FieldOutOfRange(t *testing.T) {
	msg := Message{Fields: []string{"a"}}
	assert.Equal(t, "a", msg.Field(0))
	assert.Equal(t, "", msg.Field(1))
	assert.Equal(t, "", msg.Field(-1))
}

func TestToID(t *testing.T) {
	assert.Equal(t, "username", ToID(" USERNAME"))
	assert.Equal(t, "ashketchum99", ToID("@Ash Ketchum 99@!"))
	assert.Equal(t, "", ToID("☆"))
}
