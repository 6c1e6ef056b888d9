package protocol

import (
	"fmt"
)

// ActionKind tags a ChosenAction.
type ActionKind int

const (
	ActionMove ActionKind = iota + 1
	ActionSwitch
	// ActionDefault lets the server pick, used for team preview.
	ActionDefault
)

// ChosenAction is the decision for one turn request. Index is the 1-based
// menu slot for moves and switches and unused otherwise.
// Move indexes count every slot the server lists, disabled ones included,
// not the position among legal moves.
type ChosenAction struct {
	Kind  ActionKind
	Index int
}

// Move chooses the move in the given 1-based slot.
func Move(slot int) ChosenAction { return ChosenAction{Kind: ActionMove, Index: slot} }

// Switch chooses the team member in the given 1-based slot.
func Switch(slot int) ChosenAction { return ChosenAction{Kind: ActionSwitch, Index: slot} }

// Default defers the choice to the server.
func Default() ChosenAction { return ChosenAction{Kind: ActionDefault} }

// String renders the action as /choose arguments.
func (a ChosenAction) String() string {
	switch a.Kind {
	case ActionMove:
		return fmt.Sprintf("move %d", a.Index)
	case ActionSwitch:
		return fmt.Sprintf("switch %d", a.Index)
	case ActionDefault:
		return "default"
	}
	return "invalid"
}

// ---- Outbound command constructors ----

// Command addresses text to a room; an empty room makes it global.
func Command(room, text string) string {
	return room + "|" + text
}

// LoginAssertion renames the connection to user with a signed assertion.
// Format: |/trn USER,0,ASSERTION
func LoginAssertion(user, assertion string) string {
	return Command("", fmt.Sprintf("/trn %s,0,%s", user, assertion))
}

// UseTeam selects the team for the next search; "null" means the format
// generates one.
// Format: |/utm TEAM
func UseTeam(team string) string {
	return Command("", "/utm "+team)
}

// Search queues for a battle in the given format.
// Format: |/search FORMAT
func Search(format string) string {
	return Command("", "/search "+format)
}

// TimerOn enables the battle timer in a room.
// Format: ROOM|/timer on
func TimerOn(room string) string {
	return Command(room, "/timer on")
}

// Choose submits a turn decision to a room.
// Format: ROOM|/choose ACTION
func Choose(room string, a ChosenAction) string {
	return Command(room, "/choose "+a.String())
}
