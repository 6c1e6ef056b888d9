// Package events defines the notifications the session publishes and the
// bus that fans them out to telemetry, history and the CLI.
package events

import "time"

// EventType represents the type of event emitted through the EventBus.
type EventType string

const (
	// Session events
	EventLoggedIn     EventType = "logged_in"
	EventAuthFailed   EventType = "auth_failed"
	EventSearchStart  EventType = "search_started"
	EventSearchRetry  EventType = "search_retry"
	EventTeamRejected EventType = "team_rejected"

	// Battle events
	EventBattleStarted EventType = "battle_started"
	EventBattleEnded   EventType = "battle_ended"
	EventTurnChosen    EventType = "turn_chosen"
	EventNoLegalAction EventType = "no_legal_action"

	// System events
	EventShutdown EventType = "shutdown"
)

// Outcome is the result of a finished battle from the bot's point of view.
type Outcome string

const (
	OutcomeWin    Outcome = "win"
	OutcomeLoss   Outcome = "loss"
	OutcomeTie    Outcome = "tie"
	OutcomeClosed Outcome = "closed" // room closed without a result line
)

// Event represents a single event in the system.
type Event struct {
	Type    EventType
	Source  string
	Time    time.Time
	Payload interface{}
}

// SessionPayload accompanies login and search events.
type SessionPayload struct {
	Identity string `json:"identity"`
	Format   string `json:"format,omitempty"`
	Reason   string `json:"reason,omitempty"`
}

// BattlePayload accompanies battle start events.
type BattlePayload struct {
	Room   string `json:"room"`
	Format string `json:"format"`
}

// BattleEndedPayload accompanies battle end events.
type BattleEndedPayload struct {
	Room    string  `json:"room"`
	Winner  string  `json:"winner,omitempty"`
	Outcome Outcome `json:"outcome"`
	Turns   int     `json:"turns"`
}

// TurnPayload accompanies turn decisions and skipped turns.
type TurnPayload struct {
	Room      string `json:"room"`
	RequestID int    `json:"rqid"`
	Action    string `json:"action,omitempty"`
}
