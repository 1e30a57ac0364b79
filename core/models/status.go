package models

// EventStatus represents the lifecycle status of an event
type EventStatus string

const (
	EventStatusNew          EventStatus = "NEW"
	EventStatusInitializing EventStatus = "INITIALIZING"
	EventStatusInitialized  EventStatus = "INITIALIZED"
	EventStatusResolved     EventStatus = "RESOLVED"
	EventStatusFailed       EventStatus = "FAILED"
)

var eventTransitions = map[EventStatus][]EventStatus{
	EventStatusNew:          {EventStatusInitializing, EventStatusFailed},
	EventStatusInitializing: {EventStatusInitialized, EventStatusFailed},
	EventStatusInitialized:  {EventStatusResolved, EventStatusFailed},
}

// IsFinal reports whether no further transition is allowed
func (s EventStatus) IsFinal() bool {
	return s == EventStatusResolved || s == EventStatusFailed
}

// CanTransitionTo reports whether next is causally next for s. Re-observing a
// non-final status is allowed.
func (s EventStatus) CanTransitionTo(next EventStatus) bool {
	if s.IsFinal() {
		return false
	}
	if s == next {
		return true
	}
	for _, allowed := range eventTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// GenerationStatus represents the lifecycle status of a generation
type GenerationStatus string

const (
	GenerationStatusNew        GenerationStatus = "NEW"
	GenerationStatusScheduled  GenerationStatus = "SCHEDULED"
	GenerationStatusGenerating GenerationStatus = "GENERATING"
	GenerationStatusFinished   GenerationStatus = "FINISHED"
	GenerationStatusFailed     GenerationStatus = "FAILED"
	GenerationStatusCancelled  GenerationStatus = "CANCELLED"
)

var generationTransitions = map[GenerationStatus][]GenerationStatus{
	GenerationStatusNew:        {GenerationStatusScheduled, GenerationStatusFailed, GenerationStatusCancelled},
	GenerationStatusScheduled:  {GenerationStatusGenerating, GenerationStatusFailed, GenerationStatusCancelled},
	GenerationStatusGenerating: {GenerationStatusFinished, GenerationStatusFailed, GenerationStatusCancelled},
}

// IsFinal reports whether no further transition is allowed
func (s GenerationStatus) IsFinal() bool {
	switch s {
	case GenerationStatusFinished, GenerationStatusFailed, GenerationStatusCancelled:
		return true
	}
	return false
}

// CanTransitionTo reports whether next is causally next for s. Re-observing a
// non-final status is allowed.
func (s GenerationStatus) CanTransitionTo(next GenerationStatus) bool {
	if s.IsFinal() {
		return false
	}
	if s == next {
		return true
	}
	for _, allowed := range generationTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// GenerationResult classifies the outcome of a finished or failed generation
type GenerationResult string

const (
	ResultNone       GenerationResult = ""
	ResultSuccess    GenerationResult = "SUCCESS"
	ResultErrGeneral GenerationResult = "ERR_GENERAL"
	ResultErrSystem  GenerationResult = "ERR_SYSTEM"
	ResultErrPost    GenerationResult = "ERR_POST"
)

// validResult checks the result against the status it is set with
func validResult(status GenerationStatus, result GenerationResult) bool {
	switch status {
	case GenerationStatusFinished:
		return result == ResultSuccess
	case GenerationStatusFailed:
		return result == ResultErrGeneral || result == ResultErrSystem || result == ResultErrPost
	default:
		return result == ResultNone
	}
}
