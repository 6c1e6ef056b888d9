package session

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/energizer-project/ladderbot/internal/events"
	"github.com/energizer-project/ladderbot/internal/policy"
	"github.com/energizer-project/ladderbot/internal/protocol"
)

// zeroSource makes the random policy always pick the first legal slot.
type zeroSource struct{}

func (zeroSource) Int63() int64 { return 0 }
func (zeroSource) Seed(int64)   {}

const testUser = "USERNAME"

func newTestMachine(opts Options) *Machine {
	if opts.Identity == "" {
		opts.Identity = testUser
	}
	return NewMachine(opts, policy.NewRandomWithSource(zeroSource{}))
}

func feed(m *Machine, raw string) []Effect {
	var out []Effect
	for _, msg := range protocol.Parse(raw) {
		out = append(out, m.Handle(Inbound{Message: msg})...)
	}
	return out
}

func sends(effects []Effect) []string {
	var lines []string
	for _, e := range effects {
		if s, ok := e.(Send); ok {
			lines = append(lines, s.Line)
		}
	}
	return lines
}

func notified(effects []Effect) []events.EventType {
	var types []events.EventType
	for _, e := range effects {
		if n, ok := e.(Notify); ok {
			types = append(types, n.Event.Type)
		}
	}
	return types
}

func retries(effects []Effect) []ScheduleRetry {
	var out []ScheduleRetry
	for _, e := range effects {
		if r, ok := e.(ScheduleRetry); ok {
			out = append(out, r)
		}
	}
	return out
}

// loggedIn drives a machine through challenge, assertion and confirmation.
func loggedIn(t *testing.T, opts Options) *Machine {
	t.Helper()
	m := newTestMachine(opts)
	feed(m, "|challstr|4|abc123")
	m.Handle(LoginResult{Assertion: "zzz"})
	feed(m, "|updateuser| "+testUser+"|1|1|{}")
	require.Equal(t, Authenticated, m.Snapshot().Auth)
	require.Equal(t, Searching, m.Snapshot().Matchmaking)
	return m
}

func TestMachine_LoginSequencing(t *testing.T) {
	m := newTestMachine(Options{})
	assert.Equal(t, Unauthenticated, m.Snapshot().Auth)

	effects := feed(m, "|challstr|4|abc123")
	require.Equal(t, []Effect{Authenticate{Challenge: "4|abc123"}}, effects)
	assert.Equal(t, ChallengeReceived, m.Snapshot().Auth)

	effects = m.Handle(LoginResult{Assertion: "zzz"})
	assert.Equal(t, []string{"|/trn USERNAME,0,zzz"}, sends(effects))
	assert.Equal(t, ChallengeReceived, m.Snapshot().Auth, "assertion alone does not confirm")

	effects = feed(m, "|updateuser| USERNAME|1|1|{}")
	assert.Equal(t, Authenticated, m.Snapshot().Auth)
	assert.Equal(t, Searching, m.Snapshot().Matchmaking)
	assert.Equal(t, []string{"|/utm null", "|/search gen8randombattle"}, sends(effects))
	assert.Equal(t, []events.EventType{events.EventLoggedIn, events.EventSearchStart}, notified(effects))
}

func TestMachine_UpdateUserRequiresMatchingNamedIdentity(t *testing.T) {
	m := newTestMachine(Options{})
	feed(m, "|challstr|4|abc123")

	// Guest update before the assertion is sent.
	assert.Empty(t, feed(m, "|updateuser| Guest 123|0|1|{}"))

	m.Handle(LoginResult{Assertion: "zzz"})
	assert.Empty(t, sends(feed(m, "|updateuser| someoneelse|1|1|{}")))
	assert.Empty(t, sends(feed(m, "|updateuser| USERNAME|0|1|{}")))
	assert.Equal(t, ChallengeReceived, m.Snapshot().Auth)

	assert.Len(t, sends(feed(m, "|updateuser|+UserName|1|1|{}")), 2)
	assert.Equal(t, Authenticated, m.Snapshot().Auth)
}

func TestMachine_AuthStateNeverRegresses(t *testing.T) {
	m := loggedIn(t, Options{})
	assert.Empty(t, feed(m, "|challstr|4|other"))
	assert.Empty(t, m.Handle(LoginResult{Assertion: "late"}))
	assert.Equal(t, Authenticated, m.Snapshot().Auth)
}

func TestMachine_AuthFailureStalls(t *testing.T) {
	m := newTestMachine(Options{})
	feed(m, "|challstr|4|abc123")

	effects := m.Handle(LoginResult{Err: errors.New("unreachable")})
	assert.Empty(t, sends(effects))
	assert.Equal(t, []events.EventType{events.EventAuthFailed}, notified(effects))
	for _, e := range effects {
		_, isAuth := e.(Authenticate)
		assert.False(t, isAuth, "no automatic retry by default")
	}
	assert.Equal(t, ChallengeReceived, m.Snapshot().Auth)

	// An empty assertion is a failure too.
	effects = m.Handle(LoginResult{})
	assert.Equal(t, []events.EventType{events.EventAuthFailed}, notified(effects))
}

func TestMachine_BoundedAuthRetry(t *testing.T) {
	m := newTestMachine(Options{AuthMaxRetries: 2})
	feed(m, "|challstr|4|abc123")

	fail := LoginResult{Err: errors.New("boom")}
	assert.Contains(t, m.Handle(fail), Effect(Authenticate{Challenge: "4|abc123"}))
	assert.Contains(t, m.Handle(fail), Effect(Authenticate{Challenge: "4|abc123"}))
	assert.NotContains(t, m.Handle(fail), Effect(Authenticate{Challenge: "4|abc123"}))

	// A later success still completes the login.
	assert.Equal(t, []string{"|/trn USERNAME,0,ok"}, sends(m.Handle(LoginResult{Assertion: "ok"})))
}

func TestMachine_NameTakenReported(t *testing.T) {
	m := newTestMachine(Options{})
	feed(m, "|challstr|4|abc123")
	effects := feed(m, "|nametaken|USERNAME|Your assertion is invalid")
	assert.Equal(t, []events.EventType{events.EventAuthFailed}, notified(effects))
	assert.Equal(t, ChallengeReceived, m.Snapshot().Auth)
}

func TestMachine_RetryAfterEmptySearch(t *testing.T) {
	m := loggedIn(t, Options{RetryDelay: 3 * time.Second})

	effects := feed(m, `|updatesearch|{"searching":[],"games":null}`)
	rs := retries(effects)
	require.Len(t, rs, 1)
	assert.Equal(t, 3*time.Second, rs[0].Delay)
	assert.True(t, m.Snapshot().RetryArmed)

	effects = m.Handle(RetryElapsed{Token: rs[0].Token})
	assert.Equal(t, []string{"|/search gen8randombattle"}, sends(effects))
	assert.Equal(t, []events.EventType{events.EventSearchRetry}, notified(effects))

	// The same retry never fires twice.
	assert.Empty(t, m.Handle(RetryElapsed{Token: rs[0].Token}))
}

func TestMachine_RoomCancelsPendingRetry(t *testing.T) {
	m := loggedIn(t, Options{})

	rs := retries(feed(m, `|updatesearch|{"searching":[],"games":null}`))
	require.Len(t, rs, 1)

	effects := feed(m, ">battle-gen8randombattle-1\n|init|battle\n|title|A vs. B")
	assert.Equal(t, []string{"battle-gen8randombattle-1|/timer on"}, sends(effects))
	assert.Equal(t, Idle, m.Snapshot().Matchmaking)

	assert.Empty(t, m.Handle(RetryElapsed{Token: rs[0].Token}))
}

func TestMachine_NonEmptySearchCancelsRetry(t *testing.T) {
	m := loggedIn(t, Options{})

	rs := retries(feed(m, `|updatesearch|{"searching":[],"games":null}`))
	require.Len(t, rs, 1)
	assert.Empty(t, feed(m, `|updatesearch|{"searching":["gen8randombattle"],"games":null}`))
	assert.False(t, m.Snapshot().RetryArmed)
	assert.Empty(t, m.Handle(RetryElapsed{Token: rs[0].Token}))
}

func TestMachine_RepeatedEmptySearchRearms(t *testing.T) {
	m := loggedIn(t, Options{})

	first := retries(feed(m, `|updatesearch|{"searching":[]}`))
	second := retries(feed(m, `|updatesearch|{"searching":[]}`))
	require.Len(t, first, 1)
	require.Len(t, second, 1)

	assert.Empty(t, m.Handle(RetryElapsed{Token: first[0].Token}), "superseded timer")
	assert.Len(t, sends(m.Handle(RetryElapsed{Token: second[0].Token})), 1)
}

func TestMachine_EmptySearchIgnoredBeforeLogin(t *testing.T) {
	m := newTestMachine(Options{})
	assert.Empty(t, feed(m, `|updatesearch|{"searching":[],"games":null}`))
	assert.Empty(t, feed(m, `|updatesearch|not json`))
}

func TestMachine_ZeroLegalOptionsSendsNothing(t *testing.T) {
	m := loggedIn(t, Options{})
	feed(m, ">battle-1\n|init|battle")

	payloads := []string{
		`{"active":[{"moves":[{"move":"Tackle","disabled":true},{"move":"Growl","pp":0,"maxpp":40}]}],"side":{"pokemon":[{"ident":"p1: A","active":true,"condition":"100/100"}]},"rqid":4}`,
		`{"forceSwitch":[true],"side":{"pokemon":[{"ident":"p1: A","active":true,"condition":"0 fnt"},{"ident":"p1: B","condition":"0 fnt"}]},"rqid":5}`,
		`{"active":[{"moves":[]}]}`,
	}
	for _, p := range payloads {
		effects := feed(m, "battle-1|request|"+p)
		assert.Empty(t, sends(effects), p)
		assert.Equal(t, []events.EventType{events.EventNoLegalAction}, notified(effects), p)
	}

	// Wait requests are skipped silently.
	assert.Empty(t, feed(m, `battle-1|request|{"wait":true,"side":{}}`))
}

func TestMachine_MoveIndexIsServerSlot(t *testing.T) {
	m := loggedIn(t, Options{})
	feed(m, ">battle-1\n|init|battle")

	// Growl is the only legal move but keeps its second slot.
	effects := feed(m, `battle-1|request|{"active":[{"moves":[{"move":"Tackle","disabled":true},{"move":"Growl"}]}],"rqid":2}`)
	assert.Equal(t, []string{"battle-1|/choose move 2"}, sends(effects))
}

func TestMachine_ForcedSwitchAndTeamPreview(t *testing.T) {
	m := loggedIn(t, Options{})
	feed(m, ">battle-1\n|init|battle")

	effects := feed(m, `battle-1|request|{"forceSwitch":[true],"side":{"pokemon":[{"ident":"p1: A","active":true,"condition":"0 fnt"},{"ident":"p1: B","condition":"50/100"}]}}`)
	assert.Equal(t, []string{"battle-1|/choose switch 2"}, sends(effects))

	effects = feed(m, `battle-1|request|{"teamPreview":true,"side":{}}`)
	assert.Equal(t, []string{"battle-1|/choose default"}, sends(effects))
}

func TestMachine_ForeignRoomIgnored(t *testing.T) {
	m := loggedIn(t, Options{})
	feed(m, ">battle-1\n|init|battle")

	req := `{"active":[{"moves":[{"move":"Tackle"}]}]}`
	assert.Empty(t, feed(m, "battle-2|request|"+req))
	assert.Empty(t, feed(m, ">battle-2\n|win|USERNAME"))
	assert.Empty(t, feed(m, ">battle-2\n|deinit"))
	assert.Equal(t, "battle-1", m.Snapshot().Room)

	// Global login and search lines are still handled.
	assert.Empty(t, feed(m, `|updatesearch|{"searching":[],"games":null}`), "no retry while in a room")
}

func TestMachine_RequestWithoutRoomIgnored(t *testing.T) {
	m := loggedIn(t, Options{})
	assert.Empty(t, feed(m, `|request|{"active":[{"moves":[{"move":"Tackle"}]}]}`))
}

func TestMachine_BattleLifecycle(t *testing.T) {
	m := loggedIn(t, Options{})

	effects := feed(m, ">battle-gen8-123\n|init|battle")
	assert.Equal(t, []events.EventType{events.EventBattleStarted}, notified(effects))
	assert.Equal(t, "battle-gen8-123", m.Snapshot().Room)

	// Duplicate init is a no-op.
	assert.Empty(t, feed(m, ">battle-gen8-123\n|init|battle"))

	feed(m, ">battle-gen8-123\n|turn|1\n|turn|2")
	assert.Equal(t, 2, m.Snapshot().Turns)

	effects = feed(m, ">battle-gen8-123\n|win|Opponent")
	snap := m.Snapshot()
	assert.Empty(t, snap.Room)
	assert.Equal(t, Searching, snap.Matchmaking, "requeued")
	assert.Equal(t, []string{"|/utm null", "|/search gen8randombattle"}, sends(effects))
	assert.Equal(t, Stats{Battles: 1, Losses: 1}, snap.Stats)

	require.NotEmpty(t, effects)
	ended, ok := effects[0].(Notify)
	require.True(t, ok)
	assert.Equal(t, events.BattleEndedPayload{
		Room:    "battle-gen8-123",
		Winner:  "Opponent",
		Outcome: events.OutcomeLoss,
		Turns:   2,
	}, ended.Event.Payload)
}

func TestMachine_TieAndDeinitEndBattle(t *testing.T) {
	m := loggedIn(t, Options{})

	feed(m, ">battle-1\n|init|battle")
	effects := feed(m, ">battle-1\n|tie")
	assert.Equal(t, []string{"|/utm null", "|/search gen8randombattle"}, sends(effects))

	feed(m, ">battle-2\n|init|battle")
	effects = feed(m, ">battle-2\n|deinit")
	assert.Equal(t, []string{"|/utm null", "|/search gen8randombattle"}, sends(effects))

	assert.Equal(t, Stats{Battles: 2, Ties: 1}, m.Snapshot().Stats)
}

func TestMachine_NewRoomReplacesActive(t *testing.T) {
	m := loggedIn(t, Options{})
	feed(m, ">battle-1\n|init|battle")
	effects := feed(m, ">battle-2\n|init|battle")
	assert.Equal(t, []string{"battle-2|/timer on"}, sends(effects))
	assert.Equal(t, "battle-2", m.Snapshot().Room)
}

func TestMachine_TeamRejectedStops(t *testing.T) {
	m := loggedIn(t, Options{})

	effects := feed(m, "|popup|Your team was rejected for the following reasons:||- bad")
	require.NotEmpty(t, effects)
	assert.Equal(t, Stop{Err: ErrTeamRejected}, effects[len(effects)-1])
	assert.Equal(t, []events.EventType{events.EventTeamRejected}, notified(effects))

	assert.Empty(t, feed(m, ">battle-1\n|init|battle"), "stopped machine ignores input")
}

func TestMachine_EndToEndScenario(t *testing.T) {
	m := newTestMachine(Options{})
	var out []string

	effects := feed(m, "|challstr|4|abc123")
	require.Equal(t, []Effect{Authenticate{Challenge: "4|abc123"}}, effects)
	out = append(out, sends(m.Handle(LoginResult{Assertion: "zzz"}))...)
	out = append(out, sends(feed(m, "|updateuser|USERNAME|1|1|{}"))...)
	out = append(out, sends(feed(m, ">battle-1\n|init|battle"))...)
	out = append(out, sends(feed(m, `battle-1|request|{"active":[{"moves":[{"move":"Tackle"},{"move":"Growl"}]}]}`))...)
	out = append(out, sends(feed(m, "|win|USERNAME"))...)

	assert.Equal(t, []string{
		"|/trn USERNAME,0,zzz",
		"|/utm null",
		"|/search gen8randombattle",
		"battle-1|/timer on",
		"battle-1|/choose move 1",
		"|/utm null",
		"|/search gen8randombattle",
	}, out)
	assert.Equal(t, Stats{Battles: 1, Wins: 1}, m.Snapshot().Stats)
}
