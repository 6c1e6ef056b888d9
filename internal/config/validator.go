package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("config validation error [%s]: %s", e.Field, e.Message)
}

// ValidationResult holds the results of configuration validation.
type ValidationResult struct {
	Errors   []ValidationError
	Warnings []ValidationError
}

// IsValid returns true if there are no validation errors.
func (r *ValidationResult) IsValid() bool {
	return len(r.Errors) == 0
}

// AddError adds a validation error.
func (r *ValidationResult) AddError(field, message string) {
	r.Errors = append(r.Errors, ValidationError{Field: field, Message: message})
}

// AddWarning adds a validation warning.
func (r *ValidationResult) AddWarning(field, message string) {
	r.Warnings = append(r.Warnings, ValidationError{Field: field, Message: message})
}

// Validate performs comprehensive validation of the configuration.
func Validate(cfg *Config) *ValidationResult {
	result := &ValidationResult{}

	validateShowdownData(&cfg.Showdown, result)
	validateApplicationData(&cfg.ApplicationData, result)

	return result
}

func validateShowdownData(data *ShowdownData, result *ValidationResult) {
	if strings.TrimSpace(data.Username) == "" {
		result.AddError("showdown.username", "account username is required")
	}
	if strings.TrimSpace(data.Password) == "" {
		result.AddError("showdown.password", "account password is required")
	}
	if strings.ContainsAny(data.Username, ",|") {
		result.AddError("showdown.username", "username must not contain ',' or '|'")
	}

	validateURL(data.ServerURL, "showdown.server_url", []string{"ws", "wss"}, result)
	validateURL(data.LoginURL, "showdown.login_url", []string{"http", "https"}, result)

	if strings.TrimSpace(data.Format) == "" {
		result.AddError("showdown.format", "battle format is required")
	} else if strings.ContainsAny(data.Format, " |") {
		result.AddError("showdown.format", fmt.Sprintf("invalid format id: %q", data.Format))
	}
	if strings.TrimSpace(data.Team) == "" {
		result.AddWarning("showdown.team", "team is empty, \"null\" will be used")
	}

	if data.SearchRetryDelaySec < 1 {
		result.AddError("showdown.search_retry_delay_sec", "retry delay must be at least 1 second")
	} else if data.SearchRetryDelaySec < 3 {
		result.AddWarning("showdown.search_retry_delay_sec",
			"retry delay under 3 seconds may trip the server's rate limit")
	}
	if data.ConnectTimeoutSec < 1 {
		result.AddError("showdown.connect_timeout_sec", "connect timeout must be at least 1 second")
	}
	if data.LoginTimeoutSec < 1 {
		result.AddError("showdown.login_timeout_sec", "login timeout must be at least 1 second")
	}
	if data.AuthMaxRetries < 0 {
		result.AddError("showdown.auth_max_retries", "must not be negative")
	} else if data.AuthMaxRetries > 5 {
		result.AddWarning("showdown.auth_max_retries",
			fmt.Sprintf("%d login retries may lock the account", data.AuthMaxRetries))
	}
}

func validateApplicationData(data *ApplicationData, result *ValidationResult) {
	switch strings.ToLower(data.Logging.Level) {
	case "trace", "debug", "info", "warn", "error", "":
	default:
		result.AddWarning("application_data.logging.level",
			fmt.Sprintf("unknown log level %q, info will be used", data.Logging.Level))
	}

	if data.MQTT.Enabled {
		if strings.TrimSpace(data.MQTT.BrokerURL) == "" {
			result.AddError("application_data.mqtt.broker_url", "MQTT broker URL is required when enabled")
		}
		if data.MQTT.Port < 1 || data.MQTT.Port > 65535 {
			result.AddError("application_data.mqtt.port", "invalid MQTT port")
		}
		if strings.ContainsAny(data.MQTT.TopicPrefix, "#+") {
			result.AddError("application_data.mqtt.topic_prefix", "topic prefix must not contain wildcards")
		}
	}

	if data.API.Enabled {
		validatePort(data.API.Port, "application_data.api.port", result)
		if data.API.RateLimitRPS < 1 {
			result.AddWarning("application_data.api.rate_limit_rps",
				"rate limit is disabled (0 RPS), this may expose the API to abuse")
		}
	}

	if data.History.Enabled {
		if strings.TrimSpace(data.History.Path) == "" {
			result.AddError("application_data.history.path", "history path is required when enabled")
		}
		if data.History.RetentionDays < 1 {
			result.AddError("application_data.history.retention_days", "retention days must be at least 1")
		}
		if _, err := time.Parse("15:04", data.History.CleanupTime); err != nil {
			result.AddError("application_data.history.cleanup_time",
				fmt.Sprintf("invalid time %q, expected HH:MM", data.History.CleanupTime))
		}
	}
}

func validateURL(raw, field string, schemes []string, result *ValidationResult) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || u.Host == "" {
		result.AddError(field, fmt.Sprintf("invalid URL: %q", raw))
		return
	}
	for _, s := range schemes {
		if u.Scheme == s {
			return
		}
	}
	result.AddError(field, fmt.Sprintf("unsupported scheme %q (want %s)", u.Scheme, strings.Join(schemes, " or ")))
}

func validatePort(port int, field string, result *ValidationResult) {
	if port < 1 || port > 65535 {
		result.AddError(field, fmt.Sprintf("invalid port number: %d (must be 1-65535)", port))
		return
	}
	if port < 1024 {
		result.AddWarning(field,
			fmt.Sprintf("port %d is a privileged port, may require elevated permissions", port))
	}
}
