package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/energizer-project/ladderbot/internal/events"
	"github.com/energizer-project/ladderbot/internal/protocol"
	"github.com/energizer-project/ladderbot/internal/util"
)

// Transport is the connection to the game server. Lines delivers raw
// inbound frames and is closed when the connection ends, after which Err
// reports why.
type Transport interface {
	Lines() <-chan string
	Send(line string) error
	Err() error
}

// Authenticator exchanges a login challenge for a signed assertion.
type Authenticator interface {
	Login(ctx context.Context, challenge, identity, secret string) (string, error)
}

// ClientOptions configures a Client.
type ClientOptions struct {
	Secret       string
	LoginTimeout time.Duration
	// Bus receives Notify effects. Optional.
	Bus *events.EventBus
}

const defaultLoginTimeout = 30 * time.Second

// Client runs a Machine against a live transport. All inputs are reduced on
// the goroutine calling Run; the login call and retry timers run elsewhere
// and post their results back through the inbox.
type Client struct {
	machine   *Machine
	transport Transport
	auth      Authenticator
	opts      ClientOptions
	logger    zerolog.Logger

	inbox chan Input

	mu     sync.RWMutex
	status Snapshot

	timerMu sync.Mutex
	timer   *time.Timer
}

// NewClient creates a client for the given machine and collaborators.
func NewClient(m *Machine, t Transport, a Authenticator, opts ClientOptions) *Client {
	if opts.LoginTimeout <= 0 {
		opts.LoginTimeout = defaultLoginTimeout
	}
	return &Client{
		machine:   m,
		transport: t,
		auth:      a,
		opts:      opts,
		logger:    util.ComponentLogger("session"),
		inbox:     make(chan Input, 16),
		status:    m.Snapshot(),
	}
}

// Status returns the latest state snapshot. Safe for concurrent use.
func (c *Client) Status() Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.status
}

// Run processes inbound frames until the context is canceled, the transport
// closes, or the machine stops. It returns ErrTeamRejected on a team
// rejection and an error wrapping ErrTransportClosed when the stream ends.
func (c *Client) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer c.stopTimer()

	lines := c.transport.Lines()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case raw, ok := <-lines:
			if !ok {
				if err := c.transport.Err(); err != nil {
					return fmt.Errorf("%w: %w", ErrTransportClosed, err)
				}
				return ErrTransportClosed
			}
			for _, msg := range protocol.Parse(raw) {
				if err := c.apply(ctx, Inbound{Message: msg}); err != nil {
					return err
				}
			}

		case in := <-c.inbox:
			if err := c.apply(ctx, in); err != nil {
				return err
			}
		}
	}
}

// apply reduces one input and executes its effects in order before the
// next input is taken.
func (c *Client) apply(ctx context.Context, in Input) error {
	effects := c.machine.Handle(in)

	c.mu.Lock()
	c.status = c.machine.Snapshot()
	c.mu.Unlock()

	for _, effect := range effects {
		switch e := effect.(type) {
		case Send:
			if err := c.transport.Send(e.Line); err != nil {
				c.logger.Error().Err(err).Str("line", e.Line).Msg("send failed")
				return fmt.Errorf("failed to send %q: %w", e.Line, err)
			}
			c.logger.Trace().Str("line", e.Line).Msg("sent")

		case Authenticate:
			go c.login(ctx, e.Challenge)

		case ScheduleRetry:
			c.schedule(ctx, e)

		case Notify:
			if c.opts.Bus != nil {
				c.opts.Bus.Emit(ctx, e.Event)
			}

		case Stop:
			return e.Err
		}
	}
	return nil
}

func (c *Client) login(ctx context.Context, challenge string) {
	loginCtx, cancel := context.WithTimeout(ctx, c.opts.LoginTimeout)
	defer cancel()

	assertion, err := c.auth.Login(loginCtx, challenge, c.machine.Identity(), c.opts.Secret)
	c.post(ctx, LoginResult{Assertion: assertion, Err: err})
}

// schedule replaces any pending retry timer. A superseded timer that already
// fired is harmless: its token no longer matches.
func (c *Client) schedule(ctx context.Context, r ScheduleRetry) {
	c.timerMu.Lock()
	defer c.timerMu.Unlock()

	if c.timer != nil {
		c.timer.Stop()
	}
	c.timer = time.AfterFunc(r.Delay, func() {
		c.post(ctx, RetryElapsed{Token: r.Token})
	})
}

func (c *Client) stopTimer() {
	c.timerMu.Lock()
	defer c.timerMu.Unlock()
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
}

func (c *Client) post(ctx context.Context, in Input) {
	select {
	case c.inbox <- in:
	case <-ctx.Done():
	}
}
