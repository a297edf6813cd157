package config

import (
	"fmt"
	"net"
	"strings"
	"time"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidationErrors is a collection of validation errors.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	var msgs []string
	for _, err := range e {
		msgs = append(msgs, err.Error())
	}
	return strings.Join(msgs, "; ")
}

// HasErrors returns true if there are any validation errors.
func (e ValidationErrors) HasErrors() bool {
	return len(e) > 0
}

// Validate checks a config with defaults applied. It returns nil or ValidationErrors.
func (c *Config) Validate() error {
	var errs ValidationErrors
	add := func(field, format string, args ...any) {
		errs = append(errs, ValidationError{Field: field, Message: fmt.Sprintf(format, args...)})
	}

	if c.Printer == nil || c.Connection == nil || c.Queue == nil || c.Logging == nil || c.Metrics == nil {
		add("config", "defaults not applied")
		return errs
	}

	if strings.TrimSpace(c.Printer.Host) == "" {
		add("printer.host", "must not be empty")
	}
	if c.Printer.Port < 1 || c.Printer.Port > 65535 {
		add("printer.port", "%d out of range 1-65535", c.Printer.Port)
	}
	if d, err := time.ParseDuration(c.Printer.Timeout); err != nil || d <= 0 {
		add("printer.timeout", "invalid duration %q", c.Printer.Timeout)
	}

	if c.Connection.MaxRetries != nil && *c.Connection.MaxRetries < 1 {
		add("connection.max_retries", "must be >= 1, got %d", *c.Connection.MaxRetries)
	}
	if d, err := time.ParseDuration(c.Connection.RetryInterval); err != nil || d <= 0 {
		add("connection.retry_interval", "invalid duration %q", c.Connection.RetryInterval)
	}

	switch strings.ToLower(c.Queue.Discipline) {
	case "lifo", "fifo":
	default:
		add("queue.discipline", "must be \"lifo\" or \"fifo\", got %q", c.Queue.Discipline)
	}
	if c.Queue.Capacity < 0 {
		add("queue.capacity", "must be >= 0")
	}

	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "warning", "error":
	default:
		add("logging.level", "unknown level %q", c.Logging.Level)
	}

	if c.Metrics.Listen != "" {
		if _, _, err := net.SplitHostPort(c.Metrics.Listen); err != nil {
			add("metrics.listen", "invalid address %q: %v", c.Metrics.Listen, err)
		}
	}

	if errs.HasErrors() {
		return errs
	}
	return nil
}
