// Package session implements the ladder session: a single-threaded state
// machine that consumes parsed protocol lines and decides which commands to
// send, plus the client loop that feeds it from the socket, runs the login
// call and retry timer off-loop, and executes the resulting effects.
package session

import (
	"errors"
	"time"

	"github.com/energizer-project/ladderbot/internal/events"
	"github.com/energizer-project/ladderbot/internal/protocol"
)

var (
	// ErrTeamRejected ends the session: the server refused the team and no
	// progress is possible without changing it.
	ErrTeamRejected = errors.New("team rejected by server")
	// ErrTransportClosed is returned when the socket stream ends.
	ErrTransportClosed = errors.New("transport closed")
)

// AuthState is the login progress of the session. It only moves forward.
type AuthState int

const (
	Unauthenticated AuthState = iota
	ChallengeReceived
	Authenticated
)

var authStateStrings = map[AuthState]string{
	Unauthenticated:   "unauthenticated",
	ChallengeReceived: "challenge_received",
	Authenticated:     "authenticated",
}

// String returns the string representation of AuthState.
func (s AuthState) String() string {
	if str, ok := authStateStrings[s]; ok {
		return str
	}
	return "unknown"
}

// MarshalJSON serializes AuthState as a JSON string.
func (s AuthState) MarshalJSON() ([]byte, error) {
	return []byte(`"` + s.String() + `"`), nil
}

// MatchmakingState tracks whether a search is outstanding.
type MatchmakingState int

const (
	Idle MatchmakingState = iota
	Searching
)

// String returns the string representation of MatchmakingState.
func (s MatchmakingState) String() string {
	if s == Searching {
		return "searching"
	}
	return "idle"
}

// MarshalJSON serializes MatchmakingState as a JSON string.
func (s MatchmakingState) MarshalJSON() ([]byte, error) {
	return []byte(`"` + s.String() + `"`), nil
}

// Session is the identity and progress of the one connection.
type Session struct {
	Identity    string
	Challenge   string
	Auth        AuthState
	Matchmaking MatchmakingState
}

// BattleRoom is the battle the bot is currently playing.
type BattleRoom struct {
	ID      string
	Active  bool
	Turns   int
	Pending *protocol.TurnRequest
}

// Stats counts finished battles.
type Stats struct {
	Battles int `json:"battles"`
	Wins    int `json:"wins"`
	Losses  int `json:"losses"`
	Ties    int `json:"ties"`
}

// Snapshot is a read-only view of the machine for status reporting.
type Snapshot struct {
	Identity    string           `json:"identity"`
	Auth        AuthState        `json:"auth"`
	Matchmaking MatchmakingState `json:"matchmaking"`
	Room        string           `json:"room,omitempty"`
	Turns       int              `json:"turns"`
	RetryArmed  bool             `json:"retry_armed"`
	Stats       Stats            `json:"stats"`
}

// ---- Inputs ----

// Input is anything the machine reduces.
type Input interface{ isInput() }

// Inbound carries one parsed protocol line.
type Inbound struct {
	Message protocol.Message
}

func (Inbound) isInput() {}

// LoginResult carries the outcome of an Authenticate effect.
type LoginResult struct {
	Assertion string
	Err       error
}

func (LoginResult) isInput() {}

// RetryElapsed fires when a ScheduleRetry delay has passed.
type RetryElapsed struct {
	Token uint64
}

func (RetryElapsed) isInput() {}

// ---- Effects ----

// Effect is an instruction produced by the machine for the client loop.
type Effect interface{ isEffect() }

// Send writes one protocol line to the transport.
type Send struct {
	Line string
}

func (Send) isEffect() {}

// Authenticate exchanges the challenge for an assertion off-loop and
// reports back with a LoginResult.
type Authenticate struct {
	Challenge string
}

func (Authenticate) isEffect() {}

// ScheduleRetry asks for a RetryElapsed carrying Token after Delay.
type ScheduleRetry struct {
	Delay time.Duration
	Token uint64
}

func (ScheduleRetry) isEffect() {}

// Notify publishes an event on the bus.
type Notify struct {
	Event events.Event
}

func (Notify) isEffect() {}

// Stop ends the session with Err.
type Stop struct {
	Err error
}

func (Stop) isEffect() {}
