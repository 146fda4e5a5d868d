package domain

import "errors"

// Sentinel errors returned (wrapped) by store implementations.
var (
	ErrSessionNotFound      = errors.New("session not found")
	ErrScenarioNotFound     = errors.New("scenario not found")
	ErrActiveSessionExists  = errors.New("learner already has an active session")
	ErrSessionNotActive     = errors.New("session is not active")
	ErrDebriefAlreadyExists = errors.New("debrief already exists")
	ErrDebriefNotFound      = errors.New("debrief not found")
)
