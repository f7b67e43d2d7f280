package config

import (
	"fmt"
	"net"
	"regexp"
	"slices"
	"strings"
)

// ValidationError represents a single validation failure
type ValidationError struct {
	Field   string // The config field path (e.g., "engine.residency_cap")
	Value   any    // The invalid value
	Message string // Human-readable error description
}

// Error implements the error interface for ValidationError
func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s (got: %v)", e.Field, e.Message, e.Value)
}

// ValidationErrors is a collection of validation errors
type ValidationErrors []ValidationError

// Error implements the error interface for ValidationErrors
func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	if len(e) == 1 {
		return e[0].Error()
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("%d validation errors:\n", len(e)))
	for i, err := range e {
		sb.WriteString(fmt.Sprintf("  %d. %s\n", i+1, err.Error()))
	}
	return sb.String()
}

// workspaceIDRegex validates workspace id characters.
// IDs should start with alphanumeric and can contain alphanumeric, hyphen, underscore.
var workspaceIDRegex = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9_-]*$`)

// ValidLogLevels returns the list of valid log levels
func ValidLogLevels() []string {
	return []string{"debug", "info", "warn", "error"}
}

// Validate checks the Config for invalid values and returns all validation errors found
func (c *Config) Validate() []ValidationError {
	var errors []ValidationError

	errors = append(errors, c.validateEngine()...)
	errors = append(errors, c.validateAPI()...)
	errors = append(errors, c.validateLogging()...)

	return errors
}

// validateEngine validates the EngineConfig
func (c *Config) validateEngine() []ValidationError {
	var errors []ValidationError

	if c.Engine.ResidencyCap < 1 {
		errors = append(errors, ValidationError{
			Field:   "engine.residency_cap",
			Value:   c.Engine.ResidencyCap,
			Message: "must be at least 1",
		})
	}

	// Reasonable upper bound: every resident workspace holds its full
	// component set in memory.
	const maxResidencyCap = 64
	if c.Engine.ResidencyCap > maxResidencyCap {
		errors = append(errors, ValidationError{
			Field:   "engine.residency_cap",
			Value:   c.Engine.ResidencyCap,
			Message: fmt.Sprintf("exceeds maximum of %d", maxResidencyCap),
		})
	}

	if c.Engine.DegradedThreshold < 1 {
		errors = append(errors, ValidationError{
			Field:   "engine.degraded_threshold",
			Value:   c.Engine.DegradedThreshold,
			Message: "must be at least 1",
		})
	}

	if c.Engine.SharedWorkspaceID != "" && !workspaceIDRegex.MatchString(c.Engine.SharedWorkspaceID) {
		errors = append(errors, ValidationError{
			Field:   "engine.shared_workspace_id",
			Value:   c.Engine.SharedWorkspaceID,
			Message: "must start with an alphanumeric and contain only alphanumerics, hyphens, underscores",
		})
	}

	for _, id := range c.Engine.PinnedWorkspaces {
		if !workspaceIDRegex.MatchString(id) {
			errors = append(errors, ValidationError{
				Field:   "engine.pinned_workspaces",
				Value:   id,
				Message: "must start with an alphanumeric and contain only alphanumerics, hyphens, underscores",
			})
		}
	}

	return errors
}

// validateAPI validates the APIConfig
func (c *Config) validateAPI() []ValidationError {
	var errors []ValidationError

	if c.API.Enabled {
		if _, _, err := net.SplitHostPort(c.API.Addr); err != nil {
			errors = append(errors, ValidationError{
				Field:   "api.addr",
				Value:   c.API.Addr,
				Message: "must be a host:port address",
			})
		}
	}

	return errors
}

// validateLogging validates the LoggingConfig
func (c *Config) validateLogging() []ValidationError {
	var errors []ValidationError

	if c.Logging.Level != "" && !slices.Contains(ValidLogLevels(), c.Logging.Level) {
		errors = append(errors, ValidationError{
			Field:   "logging.level",
			Value:   c.Logging.Level,
			Message: fmt.Sprintf("must be one of: %s", strings.Join(ValidLogLevels(), ", ")),
		})
	}

	return errors
}
