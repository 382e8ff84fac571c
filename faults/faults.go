// Package faults defines the typed error categories propagated between
// components. Categories travel as values, not strings, so callers branch
// with errors.As instead of matching message text.
package faults

import (
	"errors"
	"fmt"
)

// ModelCategory classifies gateway and provider failures.
type ModelCategory int

const (
	ModelUnknown ModelCategory = iota
	ModelAuth
	ModelRateLimit
	ModelUnavailable
	ModelTimeout
	ModelNetwork
)

// String returns the uppercase wire name of the category.
func (c ModelCategory) String() string {
	switch c {
	case ModelAuth:
		return "AUTH"
	case ModelRateLimit:
		return "RATE_LIMIT"
	case ModelUnavailable:
		return "UNAVAILABLE"
	case ModelTimeout:
		return "TIMEOUT"
	case ModelNetwork:
		return "NETWORK"
	default:
		return "UNKNOWN"
	}
}

// Retryable reports whether the gateway should retry calls failing with
// this category.
func (c ModelCategory) Retryable() bool {
	switch c {
	case ModelRateLimit, ModelUnavailable, ModelTimeout, ModelNetwork:
		return true
	default:
		return false
	}
}

// ModelError is a classified failure from a model call.
type ModelError struct {
	Category ModelCategory
	Alias    string
	Msg      string
	Err      error
}

// NewModelError builds a classified model error wrapping its cause.
func NewModelError(category ModelCategory, alias, msg string, err error) *ModelError {
	return &ModelError{Category: category, Alias: alias, Msg: msg, Err: err}
}

func (e *ModelError) Error() string {
	base := fmt.Sprintf("model error [%s]", e.Category)
	if e.Alias != "" {
		base += " alias=" + e.Alias
	}
	if e.Msg != "" {
		base += ": " + e.Msg
	}
	if e.Err != nil {
		base += ": " + e.Err.Error()
	}
	return base
}

func (e *ModelError) Unwrap() error { return e.Err }

// AsModelError extracts a ModelError from an error chain.
func AsModelError(err error) (*ModelError, bool) {
	var me *ModelError
	if errors.As(err, &me) {
		return me, true
	}
	return nil, false
}

// ActuatorCategory classifies system actuator failures.
type ActuatorCategory int

const (
	ActuatorOSFailure ActuatorCategory = iota
	ActuatorPermission
	ActuatorCoordinateOutOfRange
	ActuatorTimeout
)

// String returns the uppercase wire name of the category.
func (c ActuatorCategory) String() string {
	switch c {
	case ActuatorPermission:
		return "PERMISSION"
	case ActuatorCoordinateOutOfRange:
		return "COORDINATE_OUT_OF_RANGE"
	case ActuatorTimeout:
		return "TIMEOUT"
	default:
		return "OS_FAILURE"
	}
}

// ActuatorError is a hard actuator failure. Pointer misses are not errors;
// they surface as unsuccessful execution reports instead.
type ActuatorError struct {
	Category ActuatorCategory
	Msg      string
	Err      error
}

// NewActuatorError builds a classified actuator error wrapping its cause.
func NewActuatorError(category ActuatorCategory, msg string, err error) *ActuatorError {
	return &ActuatorError{Category: category, Msg: msg, Err: err}
}

func (e *ActuatorError) Error() string {
	base := fmt.Sprintf("actuator error [%s]: %s", e.Category, e.Msg)
	if e.Err != nil {
		base += ": " + e.Err.Error()
	}
	return base
}

func (e *ActuatorError) Unwrap() error { return e.Err }

// AsActuatorError extracts an ActuatorError from an error chain.
func AsActuatorError(err error) (*ActuatorError, bool) {
	var ae *ActuatorError
	if errors.As(err, &ae) {
		return ae, true
	}
	return nil, false
}

// SkillCategory classifies skill registry and execution failures.
type SkillCategory int

const (
	SkillExecutionFailed SkillCategory = iota
	SkillNotFound
	SkillDisabled
	SkillInvalidParams
)

// String returns the uppercase wire name of the category.
func (c SkillCategory) String() string {
	switch c {
	case SkillNotFound:
		return "NOT_FOUND"
	case SkillDisabled:
		return "DISABLED"
	case SkillInvalidParams:
		return "INVALID_PARAMS"
	default:
		return "EXECUTION_FAILED"
	}
}

// SkillError is a classified skill failure.
type SkillError struct {
	Category SkillCategory
	Skill    string
	Msg      string
	Err      error
}

// NewSkillError builds a classified skill error wrapping its cause.
func NewSkillError(category SkillCategory, skill, msg string, err error) *SkillError {
	return &SkillError{Category: category, Skill: skill, Msg: msg, Err: err}
}

func (e *SkillError) Error() string {
	base := fmt.Sprintf("skill error [%s]", e.Category)
	if e.Skill != "" {
		base += " skill=" + e.Skill
	}
	if e.Msg != "" {
		base += ": " + e.Msg
	}
	if e.Err != nil {
		base += ": " + e.Err.Error()
	}
	return base
}

func (e *SkillError) Unwrap() error { return e.Err }

// AsSkillError extracts a SkillError from an error chain.
func AsSkillError(err error) (*SkillError, bool) {
	var se *SkillError
	if errors.As(err, &se) {
		return se, true
	}
	return nil, false
}

// SchedulerCategory classifies scheduled-task management failures.
type SchedulerCategory int

const (
	SchedulerInvalidCron SchedulerCategory = iota
	SchedulerNotFound
	SchedulerAlreadyEnabled
	SchedulerAlreadyDisabled
)

// String returns the uppercase wire name of the category.
func (c SchedulerCategory) String() string {
	switch c {
	case SchedulerNotFound:
		return "NOT_FOUND"
	case SchedulerAlreadyEnabled:
		return "ALREADY_ENABLED"
	case SchedulerAlreadyDisabled:
		return "ALREADY_DISABLED"
	default:
		return "INVALID_CRON"
	}
}

// SchedulerError is a classified scheduler failure. All categories surface
// to HTTP callers as 4xx responses.
type SchedulerError struct {
	Category SchedulerCategory
	Msg      string
	Err      error
}

// NewSchedulerError builds a classified scheduler error wrapping its cause.
func NewSchedulerError(category SchedulerCategory, msg string, err error) *SchedulerError {
	return &SchedulerError{Category: category, Msg: msg, Err: err}
}

func (e *SchedulerError) Error() string {
	base := fmt.Sprintf("scheduler error [%s]: %s", e.Category, e.Msg)
	if e.Err != nil {
		base += ": " + e.Err.Error()
	}
	return base
}

func (e *SchedulerError) Unwrap() error { return e.Err }

// AsSchedulerError extracts a SchedulerError from an error chain.
func AsSchedulerError(err error) (*SchedulerError, bool) {
	var se *SchedulerError
	if errors.As(err, &se) {
		return se, true
	}
	return nil, false
}

// PushCategory classifies push channel failures.
type PushCategory int

const (
	PushSessionNotFound PushCategory = iota
	PushSessionClosed
	PushQueueFull
)

// String returns the uppercase wire name of the category.
func (c PushCategory) String() string {
	switch c {
	case PushSessionClosed:
		return "SESSION_CLOSED"
	case PushQueueFull:
		return "QUEUE_FULL"
	default:
		return "SESSION_NOT_FOUND"
	}
}

// PushError is a classified push delivery failure. These are logged and
// handled with graceful fallback, never surfaced to HTTP callers.
type PushError struct {
	Category  PushCategory
	SessionID string
}

// NewPushError builds a classified push error.
func NewPushError(category PushCategory, sessionID string) *PushError {
	return &PushError{Category: category, SessionID: sessionID}
}

func (e *PushError) Error() string {
	return fmt.Sprintf("push error [%s] session=%s", e.Category, e.SessionID)
}

// AsPushError extracts a PushError from an error chain.
func AsPushError(err error) (*PushError, bool) {
	var pe *PushError
	if errors.As(err, &pe) {
		return pe, true
	}
	return nil, false
}

// ParseCategory classifies structured-content parse failures.
type ParseCategory int

const (
	ParseDecisionBundleMalformed ParseCategory = iota
	ParseSkillFrontmatterInvalid
)

// String returns the uppercase wire name of the category.
func (c ParseCategory) String() string {
	switch c {
	case ParseSkillFrontmatterInvalid:
		return "SKILL_FRONTMATTER_INVALID"
	default:
		return "DECISION_BUNDLE_MALFORMED"
	}
}

// ParseError is a classified parse failure.
type ParseError struct {
	Category ParseCategory
	Msg      string
	Err      error
}

// NewParseError builds a classified parse error wrapping its cause.
func NewParseError(category ParseCategory, msg string, err error) *ParseError {
	return &ParseError{Category: category, Msg: msg, Err: err}
}

func (e *ParseError) Error() string {
	base := fmt.Sprintf("parse error [%s]: %s", e.Category, e.Msg)
	if e.Err != nil {
		base += ": " + e.Err.Error()
	}
	return base
}

func (e *ParseError) Unwrap() error { return e.Err }

// AsParseError extracts a ParseError from an error chain.
func AsParseError(err error) (*ParseError, bool) {
	var pe *ParseError
	if errors.As(err, &pe) {
		return pe, true
	}
	return nil, false
}
