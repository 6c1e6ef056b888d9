package session

import (
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/energizer-project/ladderbot/internal/events"
	"github.com/energizer-project/ladderbot/internal/policy"
	"github.com/energizer-project/ladderbot/internal/protocol"
	"github.com/energizer-project/ladderbot/internal/util"
)

const (
	DefaultFormat     = "gen8randombattle"
	DefaultTeam       = "null"
	DefaultRetryDelay = 5 * time.Second

	eventSource = "session"
)

// Options configures a Machine.
type Options struct {
	// Identity is the account name used in the login assertion and matched
	// against login confirmations and battle winners.
	Identity string
	Format   string
	Team     string
	// RetryDelay is how long to wait after an empty search update before
	// searching again.
	RetryDelay time.Duration
	// AuthMaxRetries bounds re-running the login call after a failure. Zero
	// leaves the session stalled on the first failure.
	AuthMaxRetries int
}

func (o *Options) applyDefaults() {
	if o.Format == "" {
		o.Format = DefaultFormat
	}
	if o.Team == "" {
		o.Team = DefaultTeam
	}
	if o.RetryDelay <= 0 {
		o.RetryDelay = DefaultRetryDelay
	}
	if o.AuthMaxRetries < 0 {
		o.AuthMaxRetries = 0
	}
}

// Machine is the session state machine. It is a pure reducer: Handle never
// blocks or performs I/O, it only updates state and returns the effects the
// caller must carry out in order. Machine is not safe for concurrent use.
type Machine struct {
	opts   Options
	policy policy.Policy
	logger zerolog.Logger

	session       Session
	room          *BattleRoom
	assertionSent bool
	authFailures  int

	// retryToken identifies the one retry that may still fire. Bumping it
	// invalidates every ScheduleRetry issued before.
	retryToken uint64
	retryArmed bool

	stats   Stats
	stopped bool
}

// NewMachine creates a session machine in the Unauthenticated state.
func NewMachine(opts Options, p policy.Policy) *Machine {
	opts.applyDefaults()
	return &Machine{
		opts:    opts,
		policy:  p,
		logger:  util.ComponentLogger("session"),
		session: Session{Identity: opts.Identity},
	}
}

// Identity returns the configured account name.
func (m *Machine) Identity() string {
	return m.opts.Identity
}

// Snapshot returns a copy of the current state.
func (m *Machine) Snapshot() Snapshot {
	s := Snapshot{
		Identity:    m.session.Identity,
		Auth:        m.session.Auth,
		Matchmaking: m.session.Matchmaking,
		RetryArmed:  m.retryArmed,
		Stats:       m.stats,
	}
	if m.room != nil {
		s.Room = m.room.ID
		s.Turns = m.room.Turns
	}
	return s
}

// Handle reduces one input and returns the resulting effects. Once a Stop
// effect has been returned every further input is ignored.
func (m *Machine) Handle(in Input) []Effect {
	if m.stopped {
		return nil
	}

	switch in := in.(type) {
	case Inbound:
		return m.handleMessage(in.Message)
	case LoginResult:
		return m.handleLoginResult(in)
	case RetryElapsed:
		return m.handleRetry(in.Token)
	}
	return nil
}

func (m *Machine) handleMessage(msg protocol.Message) []Effect {
	switch msg.Kind {
	case protocol.KindChallenge:
		return m.onChallenge(msg)
	case protocol.KindUpdateUser:
		return m.onUpdateUser(msg)
	case protocol.KindNameTaken:
		return m.onNameTaken(msg)
	case protocol.KindUpdateSearch:
		return m.onUpdateSearch(msg)
	case protocol.KindInit:
		return m.onInit(msg)
	case protocol.KindRequest:
		return m.onRequest(msg)
	case protocol.KindWin:
		return m.onResult(msg, msg.Field(0), false)
	case protocol.KindTie:
		return m.onResult(msg, "", true)
	case protocol.KindDeinit:
		return m.onDeinit(msg)
	case protocol.KindTeamRejected:
		return m.onTeamRejected(msg)
	case protocol.KindPopup:
		m.logger.Info().Str("text", msg.Payload()).Msg("server popup")
	case protocol.KindGeneric:
		if msg.Command == "turn" && m.inActiveRoom(msg) {
			m.room.Turns++
		}
	}
	return nil
}

// ---- Authentication ----

func (m *Machine) onChallenge(msg protocol.Message) []Effect {
	if m.session.Auth != Unauthenticated {
		m.logger.Debug().Str("auth", m.session.Auth.String()).Msg("ignoring repeated challenge")
		return nil
	}

	challenge := msg.Payload()
	if challenge == "" {
		m.logger.Debug().Msg("ignoring empty challenge")
		return nil
	}

	m.session.Challenge = challenge
	m.session.Auth = ChallengeReceived
	m.logger.Info().Str("user", m.opts.Identity).Msg("challenge received, logging in")
	return []Effect{Authenticate{Challenge: challenge}}
}

func (m *Machine) handleLoginResult(res LoginResult) []Effect {
	if m.session.Auth != ChallengeReceived || m.assertionSent {
		m.logger.Debug().Msg("ignoring stale login result")
		return nil
	}

	err := res.Err
	if err == nil && res.Assertion == "" {
		err = errors.New("empty assertion")
	}
	if err != nil {
		m.authFailures++
		m.logger.Error().
			Err(err).
			Str("user", m.opts.Identity).
			Str("challenge", m.session.Challenge).
			Int("attempt", m.authFailures).
			Msg("authentication failed")

		effects := []Effect{m.notify(events.EventAuthFailed, events.SessionPayload{
			Identity: m.opts.Identity,
			Reason:   err.Error(),
		})}
		if m.authFailures <= m.opts.AuthMaxRetries {
			effects = append(effects, Authenticate{Challenge: m.session.Challenge})
		}
		return effects
	}

	m.assertionSent = true
	m.logger.Info().Str("user", m.opts.Identity).Msg("sending login assertion")
	return []Effect{Send{Line: protocol.LoginAssertion(m.opts.Identity, res.Assertion)}}
}

func (m *Machine) onUpdateUser(msg protocol.Message) []Effect {
	if m.session.Auth != ChallengeReceived || !m.assertionSent {
		return nil
	}
	if protocol.ToID(msg.Field(0)) != protocol.ToID(m.opts.Identity) || msg.Field(1) != "1" {
		m.logger.Debug().Str("name", msg.Field(0)).Msg("user update does not confirm login")
		return nil
	}

	m.session.Auth = Authenticated
	m.logger.Info().Str("user", m.opts.Identity).Msg("login confirmed")

	effects := []Effect{m.notify(events.EventLoggedIn, events.SessionPayload{Identity: m.opts.Identity})}
	if m.room == nil {
		effects = append(effects, m.startSearch()...)
	}
	return effects
}

func (m *Machine) onNameTaken(msg protocol.Message) []Effect {
	reason := msg.Field(1)
	if reason == "" {
		reason = "name taken"
	}
	m.logger.Error().
		Str("user", msg.Field(0)).
		Str("reason", reason).
		Msg("server rejected login")
	return []Effect{m.notify(events.EventAuthFailed, events.SessionPayload{
		Identity: m.opts.Identity,
		Reason:   reason,
	})}
}

// ---- Matchmaking ----

// startSearch selects the team and queues for the format.
func (m *Machine) startSearch() []Effect {
	m.cancelRetry()
	m.session.Matchmaking = Searching
	m.logger.Info().Str("format", m.opts.Format).Msg("searching for battle")
	return []Effect{
		Send{Line: protocol.UseTeam(m.opts.Team)},
		Send{Line: protocol.Search(m.opts.Format)},
		m.notify(events.EventSearchStart, events.SessionPayload{
			Identity: m.opts.Identity,
			Format:   m.opts.Format,
		}),
	}
}

func (m *Machine) onUpdateSearch(msg protocol.Message) []Effect {
	state, err := protocol.DecodeSearch(msg.Payload())
	if err != nil {
		m.logger.Debug().Err(err).Msg("ignoring malformed search update")
		return nil
	}

	if !state.Empty() {
		// Queued or a game is starting; a pending retry is no longer wanted.
		m.cancelRetry()
		return nil
	}
	if m.session.Auth != Authenticated || m.session.Matchmaking != Searching || m.room != nil {
		return nil
	}

	m.retryToken++
	m.retryArmed = true
	m.logger.Info().Dur("delay", m.opts.RetryDelay).Msg("search queue empty, retrying after delay")
	return []Effect{ScheduleRetry{Delay: m.opts.RetryDelay, Token: m.retryToken}}
}

func (m *Machine) handleRetry(token uint64) []Effect {
	if !m.retryArmed || token != m.retryToken {
		return nil
	}
	m.cancelRetry()

	// A room or a finished search may have superseded the retry while the
	// timer was running.
	if m.room != nil || m.session.Matchmaking != Searching {
		return nil
	}

	m.logger.Info().Str("format", m.opts.Format).Msg("retrying search")
	return []Effect{
		Send{Line: protocol.Search(m.opts.Format)},
		m.notify(events.EventSearchRetry, events.SessionPayload{
			Identity: m.opts.Identity,
			Format:   m.opts.Format,
		}),
	}
}

func (m *Machine) cancelRetry() {
	if m.retryArmed {
		m.retryToken++
		m.retryArmed = false
	}
}

// ---- Battle ----

func (m *Machine) inActiveRoom(msg protocol.Message) bool {
	return m.room != nil && m.room.Active && msg.Room == m.room.ID
}

func (m *Machine) onInit(msg protocol.Message) []Effect {
	if msg.Room == "" {
		m.logger.Debug().Msg("ignoring battle init without room")
		return nil
	}
	if m.room != nil {
		if m.room.ID == msg.Room {
			return nil
		}
		m.logger.Warn().
			Str("room", m.room.ID).
			Str("new_room", msg.Room).
			Msg("entering new battle while another is active, abandoning old room")
	}

	m.room = &BattleRoom{ID: msg.Room, Active: true}
	m.session.Matchmaking = Idle
	m.cancelRetry()

	m.logger.Info().Str("room", msg.Room).Msg("entered battle")
	return []Effect{
		Send{Line: protocol.TimerOn(msg.Room)},
		m.notify(events.EventBattleStarted, events.BattlePayload{Room: msg.Room, Format: m.opts.Format}),
	}
}

func (m *Machine) onRequest(msg protocol.Message) []Effect {
	if !m.inActiveRoom(msg) {
		m.logger.Debug().Str("room", msg.Room).Msg("ignoring request for inactive room")
		return nil
	}

	req, err := protocol.DecodeRequest(msg.Payload())
	if err != nil {
		m.logger.Debug().Err(err).Str("room", msg.Room).Msg("ignoring malformed request")
		return nil
	}
	if req.Wait {
		return nil
	}

	m.room.Pending = &req
	defer func() { m.room.Pending = nil }()

	action, err := m.policy.Choose(req)
	if err == nil && !req.Allows(action) {
		err = fmt.Errorf("%w: policy chose %s", policy.ErrNoLegalAction, action)
	}
	if err != nil {
		m.logger.Warn().
			Err(err).
			Str("room", m.room.ID).
			Int("rqid", req.RequestID).
			Msg("no legal action, skipping turn")
		return []Effect{m.notify(events.EventNoLegalAction, events.TurnPayload{
			Room:      m.room.ID,
			RequestID: req.RequestID,
		})}
	}

	m.logger.Debug().
		Str("room", m.room.ID).
		Int("rqid", req.RequestID).
		Str("action", action.String()).
		Msg("turn chosen")
	return []Effect{
		Send{Line: protocol.Choose(m.room.ID, action)},
		m.notify(events.EventTurnChosen, events.TurnPayload{
			Room:      m.room.ID,
			RequestID: req.RequestID,
			Action:    action.String(),
		}),
	}
}

// onResult handles win and tie lines. A line without a room prefix applies
// to the active room.
func (m *Machine) onResult(msg protocol.Message, winner string, tie bool) []Effect {
	if m.room == nil {
		return nil
	}
	if msg.Room != "" && msg.Room != m.room.ID {
		m.logger.Debug().Str("room", msg.Room).Msg("ignoring result for foreign room")
		return nil
	}

	outcome := events.OutcomeLoss
	switch {
	case tie:
		outcome = events.OutcomeTie
	case protocol.ToID(winner) == protocol.ToID(m.opts.Identity):
		outcome = events.OutcomeWin
	}
	return m.endBattle(winner, outcome)
}

func (m *Machine) onDeinit(msg protocol.Message) []Effect {
	if m.room == nil || msg.Room != m.room.ID {
		return nil
	}
	return m.endBattle("", events.OutcomeClosed)
}

// endBattle destroys the room and requeues regardless of outcome.
func (m *Machine) endBattle(winner string, outcome events.Outcome) []Effect {
	room := m.room
	m.room = nil
	m.session.Matchmaking = Idle

	m.stats.Battles++
	switch outcome {
	case events.OutcomeWin:
		m.stats.Wins++
	case events.OutcomeLoss:
		m.stats.Losses++
	case events.OutcomeTie:
		m.stats.Ties++
	}

	m.logger.Info().
		Str("room", room.ID).
		Str("winner", winner).
		Str("outcome", string(outcome)).
		Int("turns", room.Turns).
		Msg("battle ended")

	effects := []Effect{m.notify(events.EventBattleEnded, events.BattleEndedPayload{
		Room:    room.ID,
		Winner:  winner,
		Outcome: outcome,
		Turns:   room.Turns,
	})}
	if m.session.Auth == Authenticated {
		effects = append(effects, m.startSearch()...)
	}
	return effects
}

func (m *Machine) onTeamRejected(msg protocol.Message) []Effect {
	m.stopped = true
	m.cancelRetry()
	m.logger.Error().
		Str("format", m.opts.Format).
		Str("text", msg.Payload()).
		Msg("team rejected, stopping session")
	return []Effect{
		m.notify(events.EventTeamRejected, events.SessionPayload{
			Identity: m.opts.Identity,
			Format:   m.opts.Format,
			Reason:   msg.Payload(),
		}),
		Stop{Err: ErrTeamRejected},
	}
}

func (m *Machine) notify(t events.EventType, payload interface{}) Effect {
	return Notify{Event: events.Event{Type: t, Source: eventSource, Payload: payload}}
}
