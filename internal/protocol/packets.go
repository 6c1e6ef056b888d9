// Package protocol implements the line-oriented Showdown protocol used by
// the ladder bot: splitting inbound socket frames into tagged messages,
// decoding the JSON payloads some of them carry, and building the outbound
// commands the bot sends back.
//
// A frame may hold several newline-separated lines. When the first line is
// ">ROOMID" every following line belongs to that room. Each line is
// "|command|field|field..." or, for single room-scoped lines,
// "ROOMID|command|field...". Anything else is plain room text.
package protocol

// Kind classifies an inbound protocol line by its command keyword.
type Kind string

const (
	KindChallenge    Kind = "challenge"     // |challstr|ID|TOKEN
	KindUpdateUser   Kind = "update_user"   // |updateuser|NAME|NAMED|AVATAR|SETTINGS
	KindNameTaken    Kind = "name_taken"    // |nametaken|NAME|MESSAGE
	KindInit         Kind = "init"          // |init|battle
	KindDeinit       Kind = "deinit"        // |deinit
	KindRequest      Kind = "request"       // |request|JSON
	KindUpdateSearch Kind = "update_search" // |updatesearch|JSON
	KindWin          Kind = "win"           // |win|NAME
	KindTie          Kind = "tie"           // |tie
	KindTeamRejected Kind = "team_rejected" // |popup|Your team was rejected...
	KindPopup        Kind = "popup"         // |popup|MESSAGE
	KindRaw          Kind = "raw"           // text without a command
	KindGeneric      Kind = "generic"       // any other command
)

// Inbound command keywords.
const (
	cmdChallenge    = "challstr"
	cmdUpdateUser   = "updateuser"
	cmdNameTaken    = "nametaken"
	cmdInit         = "init"
	cmdDeinit       = "deinit"
	cmdRequest      = "request"
	cmdUpdateSearch = "updatesearch"
	cmdWin          = "win"
	cmdTie          = "tie"
	cmdPopup        = "popup"
)

// teamRejectedPrefix starts the popup the server shows when it refuses the
// current team for the requested format.
const teamRejectedPrefix = "Your team was rejected"

// roomBattle is the init field that marks a battle room.
const roomBattle = "battle"
