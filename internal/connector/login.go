package connector

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/energizer-project/ladderbot/internal/util"
)

const (
	DefaultLoginURL = "https://play.pokemonshowdown.com/action.php"

	userAgent           = "ladderbot/%s"
	defaultLoginTimeout = 30 * time.Second
	maxResponseBytes    = 64 * 1024
)

// Authenticator failure classes.
var (
	ErrUnreachable       = errors.New("login service unreachable")
	ErrRejected          = errors.New("login rejected")
	ErrMalformedResponse = errors.New("malformed login response")
)

// LoginClient exchanges a challenge for an assertion with the HTTP login
// service.
type LoginClient struct {
	url     string
	version string
	client  *http.Client
	logger  zerolog.Logger
}

type loginResponse struct {
	ActionSuccess bool   `json:"actionsuccess"`
	Assertion     string `json:"assertion"`
	CurUser       struct {
		LoggedIn bool   `json:"loggedin"`
		Username string `json:"username"`
		UserID   string `json:"userid"`
	} `json:"curuser"`
}

// NewLoginClient creates a login client posting to loginURL.
func NewLoginClient(loginURL, version string, timeout time.Duration) *LoginClient {
	if loginURL == "" {
		loginURL = DefaultLoginURL
	}
	if timeout <= 0 {
		timeout = defaultLoginTimeout
	}
	return &LoginClient{
		url:     loginURL,
		version: version,
		client: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				MaxIdleConns:    4,
				IdleConnTimeout: 90 * time.Second,
			},
		},
		logger: util.ComponentLogger("login"),
	}
}

// Login posts the credentials with the challenge and returns the assertion.
// Errors wrap ErrUnreachable, ErrRejected or ErrMalformedResponse.
func (c *LoginClient) Login(ctx context.Context, challenge, identity, secret string) (string, error) {
	form := url.Values{
		"act":      {"login"},
		"name":     {identity},
		"pass":     {secret},
		"challstr": {challenge},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, strings.NewReader(form.Encode()))
	if err != nil {
		return "", fmt.Errorf("failed to create login request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("User-Agent", fmt.Sprintf(userAgent, c.version))

	c.logger.Debug().Str("user", identity).Str("url", c.url).Msg("requesting login assertion")

	resp, err := c.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrUnreachable, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return "", fmt.Errorf("%w: failed to read response: %w", ErrUnreachable, err)
	}

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("%w: login returned status %d", ErrUnreachable, resp.StatusCode)
	}

	return parseLoginResponse(body)
}

// parseLoginResponse decodes the service reply. The JSON is prefixed with
// "]" to defeat script inclusion, and a rejected login carries an
// assertion starting with ";;" followed by the reason.
func parseLoginResponse(body []byte) (string, error) {
	text := strings.TrimSpace(string(body))
	text = strings.TrimPrefix(text, "]")

	var lr loginResponse
	if err := json.Unmarshal([]byte(text), &lr); err != nil {
		return "", fmt.Errorf("%w: %w", ErrMalformedResponse, err)
	}

	assertion := strings.TrimSpace(lr.Assertion)
	switch {
	case assertion == "":
		return "", fmt.Errorf("%w: no assertion in response", ErrRejected)
	case strings.HasPrefix(assertion, ";;"):
		return "", fmt.Errorf("%w: %s", ErrRejected, strings.TrimPrefix(assertion, ";;"))
	}
	return assertion, nil
}
