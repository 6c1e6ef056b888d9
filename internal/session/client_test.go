package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/energizer-project/ladderbot/internal/events"
)

type fakeTransport struct {
	lines chan string
	sent  chan string

	mu      sync.Mutex
	err     error
	sendErr error
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		lines: make(chan string, 16),
		sent:  make(chan string, 64),
	}
}

func (f *fakeTransport) Lines() <-chan string { return f.lines }

func (f *fakeTransport) Send(line string) error {
	f.mu.Lock()
	err := f.sendErr
	f.mu.Unlock()
	if err != nil {
		return err
	}
	f.sent <- line
	return nil
}

func (f *fakeTransport) Err() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.err
}

func (f *fakeTransport) closeWith(err error) {
	f.mu.Lock()
	f.err = err
	f.mu.Unlock()
	close(f.lines)
}

// expect reads the next sent line or fails after a timeout.
func (f *fakeTransport) expect(t *testing.T, want string) {
	t.Helper()
	select {
	case got := <-f.sent:
		assert.Equal(t, want, got)
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for %q", want)
	}
}

func (f *fakeTransport) expectNothing(t *testing.T, wait time.Duration) {
	t.Helper()
	select {
	case got := <-f.sent:
		t.Fatalf("unexpected send %q", got)
	case <-time.After(wait):
	}
}

type fakeAuth struct {
	assertion string
	err       error
	release   chan struct{}

	mu    sync.Mutex
	calls []string
}

func (a *fakeAuth) Login(ctx context.Context, challenge, identity, secret string) (string, error) {
	a.mu.Lock()
	a.calls = append(a.calls, challenge+"/"+identity+"/"+secret)
	a.mu.Unlock()

	if a.release != nil {
		select {
		case <-a.release:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	return a.assertion, a.err
}

func startClient(t *testing.T, c *Client) (cancel func(), result <-chan error) {
	t.Helper()
	ctx, cancelFn := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()
	t.Cleanup(cancelFn)
	return cancelFn, done
}

func waitResult(t *testing.T, done <-chan error) error {
	t.Helper()
	select {
	case err := <-done:
		return err
	case <-time.After(2 * time.Second):
		t.Fatal("client did not return")
		return nil
	}
}

func TestClient_EndToEnd(t *testing.T) {
	tr := newFakeTransport()
	auth := &fakeAuth{assertion: "zzz"}
	bus := events.NewEventBus()

	var mu sync.Mutex
	var seen []events.EventType
	bus.Subscribe("test", func(ctx context.Context, e events.Event) error {
		mu.Lock()
		seen = append(seen, e.Type)
		mu.Unlock()
		return nil
	}, events.EventLoggedIn, events.EventBattleEnded)

	m := newTestMachine(Options{RetryDelay: 20 * time.Millisecond})
	c := NewClient(m, tr, auth, ClientOptions{Secret: "hunter2", Bus: bus})
	_, done := startClient(t, c)

	tr.lines <- "|challstr|4|abc123"
	tr.expect(t, "|/trn USERNAME,0,zzz")

	tr.lines <- "|updateuser|USERNAME|1|1|{}"
	tr.expect(t, "|/utm null")
	tr.expect(t, "|/search gen8randombattle")

	tr.lines <- `|updatesearch|{"searching":[],"games":null}`
	tr.expect(t, "|/search gen8randombattle")

	tr.lines <- ">battle-1\n|init|battle"
	tr.expect(t, "battle-1|/timer on")

	tr.lines <- `battle-1|request|{"active":[{"moves":[{"move":"Tackle"},{"move":"Growl"}]}]}`
	tr.expect(t, "battle-1|/choose move 1")
	assert.Equal(t, "battle-1", c.Status().Room)

	tr.lines <- "|win|USERNAME"
	tr.expect(t, "|/utm null")
	tr.expect(t, "|/search gen8randombattle")

	tr.closeWith(nil)
	err := waitResult(t, done)
	assert.ErrorIs(t, err, ErrTransportClosed)

	bus.Wait()
	mu.Lock()
	assert.ElementsMatch(t, []events.EventType{events.EventLoggedIn, events.EventBattleEnded}, seen)
	mu.Unlock()

	auth.mu.Lock()
	assert.Equal(t, []string{"4|abc123/USERNAME/hunter2"}, auth.calls)
	auth.mu.Unlock()
	assert.Equal(t, Stats{Battles: 1, Wins: 1}, c.Status().Stats)
}

func TestClient_HandlesLinesWhileLoginPending(t *testing.T) {
	tr := newFakeTransport()
	auth := &fakeAuth{assertion: "zzz", release: make(chan struct{})}
	c := NewClient(newTestMachine(Options{}), tr, auth, ClientOptions{})
	_, _ = startClient(t, c)

	tr.lines <- "|challstr|4|abc123"
	tr.lines <- "|popup|Welcome"

	require.Eventually(t, func() bool {
		return c.Status().Auth == ChallengeReceived
	}, time.Second, 5*time.Millisecond)

	close(auth.release)
	tr.expect(t, "|/trn USERNAME,0,zzz")
}

func TestClient_RetryCanceledByRoom(t *testing.T) {
	tr := newFakeTransport()
	c := NewClient(newTestMachine(Options{RetryDelay: 100 * time.Millisecond}), tr, &fakeAuth{assertion: "zzz"}, ClientOptions{})
	_, _ = startClient(t, c)

	tr.lines <- "|challstr|4|abc123"
	tr.expect(t, "|/trn USERNAME,0,zzz")
	tr.lines <- "|updateuser|USERNAME|1|1|{}"
	tr.expect(t, "|/utm null")
	tr.expect(t, "|/search gen8randombattle")

	tr.lines <- `|updatesearch|{"searching":[],"games":null}`
	tr.lines <- ">battle-1\n|init|battle"
	tr.expect(t, "battle-1|/timer on")
	tr.expectNothing(t, 250*time.Millisecond)
}

func TestClient_TeamRejectedEndsRun(t *testing.T) {
	tr := newFakeTransport()
	c := NewClient(newTestMachine(Options{}), tr, &fakeAuth{}, ClientOptions{})
	_, done := startClient(t, c)

	tr.lines <- "|popup|Your team was rejected for the following reasons:"
	assert.ErrorIs(t, waitResult(t, done), ErrTeamRejected)
}

func TestClient_TransportErrorWrapped(t *testing.T) {
	tr := newFakeTransport()
	c := NewClient(newTestMachine(Options{}), tr, &fakeAuth{}, ClientOptions{})
	_, done := startClient(t, c)

	cause := errors.New("connection reset")
	tr.closeWith(cause)
	err := waitResult(t, done)
	assert.ErrorIs(t, err, ErrTransportClosed)
	assert.ErrorIs(t, err, cause)
}

func TestClient_SendFailureEndsRun(t *testing.T) {
	tr := newFakeTransport()
	cause := errors.New("broken pipe")
	tr.sendErr = cause
	c := NewClient(newTestMachine(Options{}), tr, &fakeAuth{assertion: "zzz"}, ClientOptions{})
	_, done := startClient(t, c)

	tr.lines <- "|challstr|4|abc123"
	assert.ErrorIs(t, waitResult(t, done), cause)
}

func TestClient_ContextCancel(t *testing.T) {
	tr := newFakeTransport()
	c := NewClient(newTestMachine(Options{}), tr, &fakeAuth{}, ClientOptions{})
	cancel, done := startClient(t, c)

	cancel()
	assert.ErrorIs(t, waitResult(t, done), context.Canceled)
}
