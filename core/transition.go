package core

import "fmt"

// TransitionType names one directed edge of the state machine. The wire form
// is "<from>_to_<to>" and every evidence payload declares the transition type
// it was produced for.
type TransitionType string

const (
	TransitionNewToAssigned           TransitionType = "new_to_assigned"
	TransitionAssignedToDevelopment   TransitionType = "assigned_to_development"
	TransitionAssignedToFailed        TransitionType = "assigned_to_failed"
	TransitionDevelopmentToValidation TransitionType = "development_to_validation"
	TransitionDevelopmentToFailed     TransitionType = "development_to_failed"
	TransitionDevelopmentToRejected   TransitionType = "development_to_rejected"
	TransitionValidationToIntegration TransitionType = "validation_to_integration"
	TransitionValidationToRejected    TransitionType = "validation_to_rejected"
	TransitionValidationToFailed      TransitionType = "validation_to_failed"
	TransitionIntegrationToComplete   TransitionType = "integration_to_complete"
	TransitionIntegrationToFailed     TransitionType = "integration_to_failed"
	TransitionFailedToNew             TransitionType = "failed_to_new"
	TransitionRejectedToDevelopment   TransitionType = "rejected_to_development"
	TransitionOrphanedToNew           TransitionType = "orphaned_to_new"
)

// transitionTable defines every legal edge. Any (from, to) pair absent here
// is rejected, including every transition out of StateComplete.
var transitionTable = map[TaskState][]TaskState{
	StateNew:         {StateAssigned},
	StateAssigned:    {StateDevelopment, StateFailed},
	StateDevelopment: {StateValidation, StateFailed, StateRejected},
	StateValidation:  {StateIntegration, StateRejected, StateFailed},
	StateIntegration: {StateComplete, StateFailed},
	StateFailed:      {StateNew},
	StateRejected:    {StateDevelopment},
	StateOrphaned:    {StateNew},
	StateComplete:    {},
}

// ValidateTransition reports whether requested is directly reachable from
// current. It is a pure function of the two states and fails closed: unknown
// states and undefined edges are both rejected.
func ValidateTransition(current, requested TaskState) bool {
	targets, ok := transitionTable[current]
	if !ok {
		return false
	}
	for _, t := range targets {
		if t == requested {
			return true
		}
	}
	return false
}

// AllowedTransitions returns the states directly reachable from the given
// state. The returned slice is a copy; callers may modify it.
func AllowedTransitions(from TaskState) []TaskState {
	targets := transitionTable[from]
	out := make([]TaskState, len(targets))
	copy(out, targets)
	return out
}

// TransitionBetween maps a legal (from, to) edge to its transition type.
func TransitionBetween(from, to TaskState) (TransitionType, bool) {
	if !ValidateTransition(from, to) {
		return "", false
	}
	tt := TransitionType(fmt.Sprintf("%s_to_%s", from, to))
	if _, ok := routes[tt]; !ok {
		return "", false
	}
	return tt, true
}

// ParseTransitionType converts a wire string into a TransitionType
func ParseTransitionType(s string) (TransitionType, error) {
	tt := TransitionType(s)
	if _, ok := routes[tt]; !ok {
		return "", fmt.Errorf("unknown transition type %q: %w", s, ErrInvalidTransition)
	}
	return tt, nil
}

// ═══════════════════════════════════════════════════════════════════════════
// Routes
// ═══════════════════════════════════════════════════════════════════════════

// LocationKind classifies where a task ID may live in the queue store.
type LocationKind int

const (
	// LocationNone means the task is in no list (new, terminal, and
	// failed/rejected/orphaned states).
	LocationNone LocationKind = iota

	// LocationQueue means the stage's main FIFO queue.
	LocationQueue

	// LocationInflight means the stage's inflight list for claimed work.
	LocationInflight
)

// Location is one concrete queue-store list (or none).
type Location struct {
	Kind  LocationKind
	Stage Stage
}

// Queue returns the main-queue location for a stage.
func Queue(s Stage) Location { return Location{Kind: LocationQueue, Stage: s} }

// Inflight returns the inflight-list location for a stage.
func Inflight(s Stage) Location { return Location{Kind: LocationInflight, Stage: s} }

// None is the membership-free location.
var None = Location{Kind: LocationNone}

// Route describes the queue move and record effects of one transition type.
// Sources lists where the task may legally be found before the move; Dest is
// where it ends up. When SourcesOptional is false an empty Sources means the
// task must be in no list, and a non-empty Sources means it must be found in
// one of them. The engine's promote script executes exactly this, atomically.
//
// A task found at Dest stays where it is, preserving queue position. A task
// found in an optional source with StayIfFound set also stays put: a
// recovered task keeps its claim or its FIFO slot across the re-assignment.
type Route struct {
	Type TransitionType
	From TaskState
	To   TaskState

	Sources         []Location
	SourcesOptional bool
	StayIfFound     bool
	Dest            Location

	SetsOwner       bool // owner comes from the evidence payload
	ClearsOwner     bool
	SetsInflight    bool // stamps inflight_since with the transition timestamp
	ClearsInflight  bool
	IncrementsRetry bool // failed_to_new, orphaned_to_new; rework does not count
}

var routes = map[TransitionType]Route{
	TransitionNewToAssigned: {
		Type: TransitionNewToAssigned, From: StateNew, To: StateAssigned,
		Sources:         []Location{Queue(StageDev), Inflight(StageDev)},
		SourcesOptional: true,
		StayIfFound:     true,
		Dest:            Queue(StageDev),
	},
	TransitionAssignedToDevelopment: {
		Type: TransitionAssignedToDevelopment, From: StateAssigned, To: StateDevelopment,
		Sources: []Location{Queue(StageDev), Inflight(StageDev)},
		Dest:    Inflight(StageDev),
		SetsOwner: true, SetsInflight: true,
	},
	TransitionAssignedToFailed: {
		Type: TransitionAssignedToFailed, From: StateAssigned, To: StateFailed,
		Sources: []Location{Queue(StageDev), Inflight(StageDev)},
		Dest:    None,
		ClearsOwner: true, ClearsInflight: true,
	},
	TransitionDevelopmentToValidation: {
		Type: TransitionDevelopmentToValidation, From: StateDevelopment, To: StateValidation,
		Sources: []Location{Inflight(StageDev), Queue(StageDev)},
		Dest:    Queue(StageValidation),
		ClearsOwner: true, ClearsInflight: true,
	},
	TransitionDevelopmentToFailed: {
		Type: TransitionDevelopmentToFailed, From: StateDevelopment, To: StateFailed,
		Sources: []Location{Inflight(StageDev), Queue(StageDev)},
		Dest:    None,
		ClearsOwner: true, ClearsInflight: true,
	},
	TransitionDevelopmentToRejected: {
		Type: TransitionDevelopmentToRejected, From: StateDevelopment, To: StateRejected,
		Sources: []Location{Inflight(StageDev), Queue(StageDev)},
		Dest:    None,
		ClearsOwner: true, ClearsInflight: true,
	},
	TransitionValidationToIntegration: {
		Type: TransitionValidationToIntegration, From: StateValidation, To: StateIntegration,
		Sources: []Location{Queue(StageValidation), Inflight(StageValidation)},
		Dest:    Queue(StageIntegration),
		ClearsOwner: true, ClearsInflight: true,
	},
	TransitionValidationToRejected: {
		Type: TransitionValidationToRejected, From: StateValidation, To: StateRejected,
		Sources: []Location{Queue(StageValidation), Inflight(StageValidation)},
		Dest:    None,
		ClearsOwner: true, ClearsInflight: true,
	},
	TransitionValidationToFailed: {
		Type: TransitionValidationToFailed, From: StateValidation, To: StateFailed,
		Sources: []Location{Queue(StageValidation), Inflight(StageValidation)},
		Dest:    None,
		ClearsOwner: true, ClearsInflight: true,
	},
	TransitionIntegrationToComplete: {
		Type: TransitionIntegrationToComplete, From: StateIntegration, To: StateComplete,
		Sources: []Location{Queue(StageIntegration), Inflight(StageIntegration)},
		Dest:    None,
		ClearsOwner: true, ClearsInflight: true,
	},
	TransitionIntegrationToFailed: {
		Type: TransitionIntegrationToFailed, From: StateIntegration, To: StateFailed,
		Sources: []Location{Queue(StageIntegration), Inflight(StageIntegration)},
		Dest:    None,
		ClearsOwner: true, ClearsInflight: true,
	},
	TransitionFailedToNew: {
		Type: TransitionFailedToNew, From: StateFailed, To: StateNew,
		Dest:            Queue(StageDev),
		IncrementsRetry: true,
	},
	TransitionRejectedToDevelopment: {
		Type: TransitionRejectedToDevelopment, From: StateRejected, To: StateDevelopment,
		Dest: Queue(StageDev),
	},
	TransitionOrphanedToNew: {
		Type: TransitionOrphanedToNew, From: StateOrphaned, To: StateNew,
		Dest:            Queue(StageDev),
		IncrementsRetry: true,
	},
}

// RouteFor returns the route metadata for a transition type.
func RouteFor(tt TransitionType) (Route, bool) {
	r, ok := routes[tt]
	return r, ok
}

// AllTransitionTypes returns every defined transition type. Order is not
// specified.
func AllTransitionTypes() []TransitionType {
	out := make([]TransitionType, 0, len(routes))
	for tt := range routes {
		out = append(out, tt)
	}
	return out
}
