package storage

import "errors"

var (
	// ErrRuleNotFound is returned when a rule is not found
	ErrRuleNotFound = errors.New("rule not found")

	// ErrConditionNotFound is returned when a named condition is not found
	ErrConditionNotFound = errors.New("condition not found")

	// ErrEventNotFound is returned when an event is not found
	ErrEventNotFound = errors.New("event not found")

	// ErrHitNotFound is returned when an alert hit is not found
	ErrHitNotFound = errors.New("hit not found")

	// ErrReplayJobNotFound is returned when a replay job is not found
	ErrReplayJobNotFound = errors.New("replay job not found")

	// ErrDuplicateHit is returned when a hit already exists for the
	// (event, rule) pair
	ErrDuplicateHit = errors.New("hit already exists for event and rule")
)
