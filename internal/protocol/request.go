package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// MoveOption is one entry of the active participant's move menu.
type MoveOption struct {
	Name  string
	ID    string
	Legal bool
}

// SwitchOption is one side member the participant could switch to.
type SwitchOption struct {
	Name  string
	Legal bool
}

// TurnRequest is the decoded action menu of a "request" line. Slots are the
// 1-based positions the server expects in /choose commands.
type TurnRequest struct {
	RequestID   int
	Moves       []MoveOption
	Switches    []SwitchOption
	ForceSwitch bool
	TeamPreview bool
	Wait        bool
}

// LegalMoves returns the 1-based slots of legal moves. A forced switch
// makes every move unavailable.
func (r TurnRequest) LegalMoves() []int {
	if r.ForceSwitch || r.TeamPreview {
		return nil
	}
	var slots []int
	for i, m := range r.Moves {
		if m.Legal {
			slots = append(slots, i+1)
		}
	}
	return slots
}

// LegalSwitches returns the 1-based team slots that can be switched in.
func (r TurnRequest) LegalSwitches() []int {
	if r.TeamPreview {
		return nil
	}
	var slots []int
	for i, s := range r.Switches {
		if s.Legal {
			slots = append(slots, i+1)
		}
	}
	return slots
}

// HasLegalOption reports whether any command would be accepted.
func (r TurnRequest) HasLegalOption() bool {
	if r.Wait {
		return false
	}
	if r.TeamPreview {
		return true
	}
	if r.ForceSwitch {
		return len(r.LegalSwitches()) > 0
	}
	return len(r.LegalMoves()) > 0 || len(r.LegalSwitches()) > 0
}

// Allows reports whether the action references a currently legal option.
func (r TurnRequest) Allows(a ChosenAction) bool {
	switch a.Kind {
	case ActionMove:
		return containsSlot(r.LegalMoves(), a.Index)
	case ActionSwitch:
		return containsSlot(r.LegalSwitches(), a.Index)
	case ActionDefault:
		return r.TeamPreview
	}
	return false
}

func containsSlot(slots []int, slot int) bool {
	for _, s := range slots {
		if s == slot {
			return true
		}
	}
	return false
}

type wireMove struct {
	Move     string          `json:"move"`
	ID       string          `json:"id"`
	PP       *int            `json:"pp"`
	MaxPP    *int            `json:"maxpp"`
	Disabled json.RawMessage `json:"disabled"`
}

type wireActive struct {
	Moves        []wireMove `json:"moves"`
	Trapped      bool       `json:"trapped"`
	MaybeTrapped bool       `json:"maybeTrapped"`
}

type wirePokemon struct {
	Ident     string `json:"ident"`
	Details   string `json:"details"`
	Condition string `json:"condition"`
	Active    bool   `json:"active"`
}

type wireRequest struct {
	Active []wireActive `json:"active"`
	Side   struct {
		Name    string        `json:"name"`
		ID      string        `json:"id"`
		Pokemon []wirePokemon `json:"pokemon"`
	} `json:"side"`
	ForceSwitch []bool `json:"forceSwitch"`
	TeamPreview bool   `json:"teamPreview"`
	Wait        bool   `json:"wait"`
	RequestID   int    `json:"rqid"`
}

// DecodeRequest decodes the JSON payload of a "request" line.
func DecodeRequest(payload string) (TurnRequest, error) {
	payload = strings.TrimSpace(payload)
	if payload == "" {
		return TurnRequest{}, fmt.Errorf("empty request payload")
	}

	var wr wireRequest
	if err := json.Unmarshal([]byte(payload), &wr); err != nil {
		return TurnRequest{}, fmt.Errorf("failed to decode request: %w", err)
	}

	req := TurnRequest{
		RequestID:   wr.RequestID,
		TeamPreview: wr.TeamPreview,
		Wait:        wr.Wait,
	}
	for _, fs := range wr.ForceSwitch {
		if fs {
			req.ForceSwitch = true
			break
		}
	}

	trapped := false
	if len(wr.Active) > 0 {
		active := wr.Active[0]
		trapped = active.Trapped
		for _, m := range active.Moves {
			req.Moves = append(req.Moves, MoveOption{
				Name:  m.Move,
				ID:    m.ID,
				Legal: moveLegal(m),
			})
		}
	}

	for _, p := range wr.Side.Pokemon {
		req.Switches = append(req.Switches, SwitchOption{
			Name:  pokemonName(p.Ident),
			Legal: !p.Active && !fainted(p.Condition) && (req.ForceSwitch || !trapped),
		})
	}

	return req, nil
}

func moveLegal(m wireMove) bool {
	if truthy(m.Disabled) {
		return false
	}
	if m.PP != nil && m.MaxPP != nil && *m.PP <= 0 {
		return false
	}
	return true
}

// truthy treats the "disabled" field the way the server emits it: a bool,
// or a string naming the disabling source.
func truthy(raw json.RawMessage) bool {
	raw = bytes.TrimSpace(raw)
	switch string(raw) {
	case "", "null", "false", `""`, "0":
		return false
	}
	return true
}

func fainted(condition string) bool {
	return strings.HasSuffix(strings.TrimSpace(condition), " fnt")
}

// pokemonName strips the "p1: " side prefix from an ident.
func pokemonName(ident string) string {
	if idx := strings.Index(ident, ": "); idx >= 0 {
		return ident[idx+2:]
	}
	return ident
}

// SearchState is the decoded payload of an "updatesearch" line.
type SearchState struct {
	Searching []string          `json:"searching"`
	Games     map[string]string `json:"games"`
}

// Empty reports that no search is queued and no game is being started, the
// condition that triggers a search retry.
func (s SearchState) Empty() bool {
	return len(s.Searching) == 0 && len(s.Games) == 0
}

// DecodeSearch decodes the JSON payload of an "updatesearch" line.
func DecodeSearch(payload string) (SearchState, error) {
	var s SearchState
	if err := json.Unmarshal([]byte(strings.TrimSpace(payload)), &s); err != nil {
		return SearchState{}, fmt.Errorf("failed to decode search update: %w", err)
	}
	return s, nil
}
