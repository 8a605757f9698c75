// Evidence types and the per-transition requirement policy.
//
// Every promotion carries an evidence payload declaring the transition type
// it authorizes. Payloads are JSON-compatible key-value documents on the
// wire; in Go they are typed variants so required fields are visible at
// construction time. The promote script re-checks the declared type and the
// required fields server-side, in the same atomic step as the queue move,
// so a payload that passed construction but was mutated in transit still
// cannot cause a partial write.

package core

import (
	"encoding/json"
	"fmt"
	"strings"
)

// PayloadFieldTransitionType is the one field every payload must carry.
const PayloadFieldTransitionType = "transition_type"

// Evidence is the interface all transition evidence implements.
type Evidence interface {
	// TransitionType declares which transition this evidence authorizes.
	TransitionType() TransitionType

	// Validate checks the variant's own schema (required fields present
	// and non-empty). It does not consult the deployment policy.
	Validate() error

	// Payload returns the JSON-compatible wire form, including the
	// transition_type field.
	Payload() map[string]interface{}
}

// ═══════════════════════════════════════════════════════════════════════════
// Variants
// ═══════════════════════════════════════════════════════════════════════════

// AssignmentEvidence authorizes new_to_assigned. No fields are required;
// AssignedBy records who triggered the assignment when known.
type AssignmentEvidence struct {
	AssignedBy string `json:"assigned_by,omitempty"`
}

func (e AssignmentEvidence) TransitionType() TransitionType { return TransitionNewToAssigned }
func (e AssignmentEvidence) Validate() error                { return nil }
func (e AssignmentEvidence) Payload() map[string]interface{} {
	p := map[string]interface{}{PayloadFieldTransitionType: string(e.TransitionType())}
	if e.AssignedBy != "" {
		p["assigned_by"] = e.AssignedBy
	}
	return p
}

// StartEvidence authorizes assigned_to_development. Owner becomes the task's
// owner; GatesPassed carries the result of the external content validator for
// deployments whose policy requires validated-before-started.
type StartEvidence struct {
	Owner       string `json:"owner"`
	GatesPassed bool   `json:"gates_passed,omitempty"`
}

func (e StartEvidence) TransitionType() TransitionType { return TransitionAssignedToDevelopment }

func (e StartEvidence) Validate() error {
	if e.Owner == "" {
		return &PipelineError{
			Op: "StartEvidence.Validate", Kind: "evidence",
			Missing: []string{"owner"},
			Err:     ErrEvidenceIncomplete,
		}
	}
	return nil
}

func (e StartEvidence) Payload() map[string]interface{} {
	p := map[string]interface{}{
		PayloadFieldTransitionType: string(e.TransitionType()),
		"owner":                    e.Owner,
	}
	if e.GatesPassed {
		p["gates_passed"] = true
	}
	return p
}

// ValidationEvidence authorizes development_to_validation. Both fields are
// required by the baseline policy.
type ValidationEvidence struct {
	RequirementsAnalysis string   `json:"requirements_analysis"`
	AcceptanceCriteria   []string `json:"acceptance_criteria"`
}

func (e ValidationEvidence) TransitionType() TransitionType {
	return TransitionDevelopmentToValidation
}

func (e ValidationEvidence) Validate() error {
	var missing []string
	if strings.TrimSpace(e.RequirementsAnalysis) == "" {
		missing = append(missing, "requirements_analysis")
	}
	if len(e.AcceptanceCriteria) == 0 {
		missing = append(missing, "acceptance_criteria")
	}
	if len(missing) > 0 {
		return &PipelineError{
			Op: "ValidationEvidence.Validate", Kind: "evidence",
			Missing: missing,
			Err:     ErrEvidenceIncomplete,
		}
	}
	return nil
}

func (e ValidationEvidence) Payload() map[string]interface{} {
	criteria := make([]interface{}, len(e.AcceptanceCriteria))
	for i, c := range e.AcceptanceCriteria {
		criteria[i] = c
	}
	return map[string]interface{}{
		PayloadFieldTransitionType: string(e.TransitionType()),
		"requirements_analysis":    e.RequirementsAnalysis,
		"acceptance_criteria":      criteria,
	}
}

// CompletionEvidence authorizes integration_to_complete. CIPassed comes from
// the external CI status provider; WorkingTreeClean asserts no uncommitted
// work remains. Both must be true.
type CompletionEvidence struct {
	CIPassed         bool   `json:"ci_passed"`
	CIRunURL         string `json:"ci_run_url,omitempty"`
	WorkingTreeClean bool   `json:"working_tree_clean"`
}

func (e CompletionEvidence) TransitionType() TransitionType {
	return TransitionIntegrationToComplete
}

func (e CompletionEvidence) Validate() error {
	var missing []string
	if !e.CIPassed {
		missing = append(missing, "ci_passed")
	}
	if !e.WorkingTreeClean {
		missing = append(missing, "working_tree_clean")
	}
	if len(missing) > 0 {
		return &PipelineError{
			Op: "CompletionEvidence.Validate", Kind: "evidence",
			Missing: missing,
			Err:     ErrEvidenceIncomplete,
		}
	}
	return nil
}

func (e CompletionEvidence) Payload() map[string]interface{} {
	p := map[string]interface{}{
		PayloadFieldTransitionType: string(e.TransitionType()),
		"ci_passed":                e.CIPassed,
		"working_tree_clean":       e.WorkingTreeClean,
	}
	if e.CIRunURL != "" {
		p["ci_run_url"] = e.CIRunURL
	}
	return p
}

// FailureEvidence authorizes the *_to_failed transitions. The variant is
// shared; Transition selects which failed edge it applies to.
type FailureEvidence struct {
	Transition TransitionType `json:"-"`
	Reason     string         `json:"reason"`
	FailedBy   string         `json:"failed_by,omitempty"`
}

func (e FailureEvidence) TransitionType() TransitionType { return e.Transition }

func (e FailureEvidence) Validate() error {
	r, ok := RouteFor(e.Transition)
	if !ok || r.To != StateFailed {
		return &PipelineError{
			Op: "FailureEvidence.Validate", Kind: "evidence",
			Message: fmt.Sprintf("transition %q does not end in failed", e.Transition),
			Err:     ErrEvidenceMismatch,
		}
	}
	if e.Reason == "" {
		return &PipelineError{
			Op: "FailureEvidence.Validate", Kind: "evidence",
			Missing: []string{"reason"},
			Err:     ErrEvidenceIncomplete,
		}
	}
	return nil
}

func (e FailureEvidence) Payload() map[string]interface{} {
	p := map[string]interface{}{
		PayloadFieldTransitionType: string(e.Transition),
		"reason":                   e.Reason,
	}
	if e.FailedBy != "" {
		p["failed_by"] = e.FailedBy
	}
	return p
}

// RejectionEvidence authorizes development_to_rejected and
// validation_to_rejected.
type RejectionEvidence struct {
	Transition TransitionType `json:"-"`
	Reasons    []string       `json:"reasons"`
}

func (e RejectionEvidence) TransitionType() TransitionType { return e.Transition }

func (e RejectionEvidence) Validate() error {
	r, ok := RouteFor(e.Transition)
	if !ok || r.To != StateRejected {
		return &PipelineError{
			Op: "RejectionEvidence.Validate", Kind: "evidence",
			Message: fmt.Sprintf("transition %q does not end in rejected", e.Transition),
			Err:     ErrEvidenceMismatch,
		}
	}
	if len(e.Reasons) == 0 {
		return &PipelineError{
			Op: "RejectionEvidence.Validate", Kind: "evidence",
			Missing: []string{"reasons"},
			Err:     ErrEvidenceIncomplete,
		}
	}
	return nil
}

func (e RejectionEvidence) Payload() map[string]interface{} {
	reasons := make([]interface{}, len(e.Reasons))
	for i, r := range e.Reasons {
		reasons[i] = r
	}
	return map[string]interface{}{
		PayloadFieldTransitionType: string(e.Transition),
		"reasons":                  reasons,
	}
}

// RecoveryEvidence authorizes failed_to_new, rejected_to_development, and
// orphaned_to_new. Cause records why the task is re-entering the pipeline.
type RecoveryEvidence struct {
	Transition TransitionType `json:"-"`
	Cause      string         `json:"cause,omitempty"`
}

func (e RecoveryEvidence) TransitionType() TransitionType { return e.Transition }

func (e RecoveryEvidence) Validate() error {
	switch e.Transition {
	case TransitionFailedToNew, TransitionRejectedToDevelopment, TransitionOrphanedToNew:
		return nil
	}
	return &PipelineError{
		Op: "RecoveryEvidence.Validate", Kind: "evidence",
		Message: fmt.Sprintf("transition %q is not a recovery edge", e.Transition),
		Err:     ErrEvidenceMismatch,
	}
}

func (e RecoveryEvidence) Payload() map[string]interface{} {
	p := map[string]interface{}{PayloadFieldTransitionType: string(e.Transition)}
	if e.Cause != "" {
		p["cause"] = e.Cause
	}
	return p
}

// RawEvidence is the untyped escape hatch for wire payloads and
// deployment-specific extensions. The policy check still applies to it.
type RawEvidence struct {
	Type   TransitionType
	Fields map[string]interface{}
}

func (e RawEvidence) TransitionType() TransitionType { return e.Type }

func (e RawEvidence) Validate() error {
	if _, ok := RouteFor(e.Type); !ok {
		return &PipelineError{
			Op: "RawEvidence.Validate", Kind: "evidence",
			Message: fmt.Sprintf("unknown transition type %q", e.Type),
			Err:     ErrEvidenceMalformed,
		}
	}
	return nil
}

func (e RawEvidence) Payload() map[string]interface{} {
	p := make(map[string]interface{}, len(e.Fields)+1)
	for k, v := range e.Fields {
		p[k] = v
	}
	p[PayloadFieldTransitionType] = string(e.Type)
	return p
}

// ═══════════════════════════════════════════════════════════════════════════
// Wire codec
// ═══════════════════════════════════════════════════════════════════════════

// EncodeEvidence marshals the evidence payload for the store.
func EncodeEvidence(ev Evidence) ([]byte, error) {
	b, err := json.Marshal(ev.Payload())
	if err != nil {
		return nil, fmt.Errorf("encode evidence: %w", ErrEvidenceMalformed)
	}
	return b, nil
}

// DecodeEvidence re-types a wire payload into the matching variant, falling
// back to RawEvidence for transitions without a dedicated type or payloads
// carrying extension fields.
func DecodeEvidence(payload map[string]interface{}) (Evidence, error) {
	raw, ok := payload[PayloadFieldTransitionType].(string)
	if !ok || raw == "" {
		return nil, &PipelineError{
			Op: "DecodeEvidence", Kind: "evidence",
			Message: "payload missing transition_type",
			Err:     ErrEvidenceMalformed,
		}
	}
	tt, err := ParseTransitionType(raw)
	if err != nil {
		return nil, &PipelineError{
			Op: "DecodeEvidence", Kind: "evidence",
			Message: fmt.Sprintf("unknown transition type %q", raw),
			Err:     ErrEvidenceMalformed,
		}
	}

	switch tt {
	case TransitionNewToAssigned:
		return AssignmentEvidence{AssignedBy: stringField(payload, "assigned_by")}, nil
	case TransitionAssignedToDevelopment:
		return StartEvidence{
			Owner:       stringField(payload, "owner"),
			GatesPassed: boolField(payload, "gates_passed"),
		}, nil
	case TransitionDevelopmentToValidation:
		return ValidationEvidence{
			RequirementsAnalysis: stringField(payload, "requirements_analysis"),
			AcceptanceCriteria:   stringListField(payload, "acceptance_criteria"),
		}, nil
	case TransitionIntegrationToComplete:
		return CompletionEvidence{
			CIPassed:         boolField(payload, "ci_passed"),
			CIRunURL:         stringField(payload, "ci_run_url"),
			WorkingTreeClean: boolField(payload, "working_tree_clean"),
		}, nil
	case TransitionAssignedToFailed, TransitionDevelopmentToFailed,
		TransitionValidationToFailed, TransitionIntegrationToFailed:
		return FailureEvidence{
			Transition: tt,
			Reason:     stringField(payload, "reason"),
			FailedBy:   stringField(payload, "failed_by"),
		}, nil
	case TransitionDevelopmentToRejected, TransitionValidationToRejected:
		return RejectionEvidence{Transition: tt, Reasons: stringListField(payload, "reasons")}, nil
	case TransitionFailedToNew, TransitionRejectedToDevelopment, TransitionOrphanedToNew:
		return RecoveryEvidence{Transition: tt, Cause: stringField(payload, "cause")}, nil
	}

	fields := make(map[string]interface{}, len(payload))
	for k, v := range payload {
		if k == PayloadFieldTransitionType {
			continue
		}
		fields[k] = v
	}
	return RawEvidence{Type: tt, Fields: fields}, nil
}

func stringField(m map[string]interface{}, key string) string {
	s, _ := m[key].(string)
	return s
}

func boolField(m map[string]interface{}, key string) bool {
	b, _ := m[key].(bool)
	return b
}

func stringListField(m map[string]interface{}, key string) []string {
	switch v := m[key].(type) {
	case []string:
		return v
	case []interface{}:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

// ═══════════════════════════════════════════════════════════════════════════
// Requirement policy
// ═══════════════════════════════════════════════════════════════════════════

// FieldRule names one evidence field a transition requires. The default
// semantics are "present and non-empty" (non-empty string, non-empty list);
// MustBeTrue tightens that to "boolean true" for fields like ci_passed.
type FieldRule struct {
	Name       string
	MustBeTrue bool
}

// Spec returns the compact wire form used in config files and script
// arguments: "name" or "name=true".
func (r FieldRule) Spec() string {
	if r.MustBeTrue {
		return r.Name + "=true"
	}
	return r.Name
}

// ParseFieldRule parses the compact wire form.
func ParseFieldRule(s string) (FieldRule, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return FieldRule{}, fmt.Errorf("empty field rule: %w", ErrInvalidConfiguration)
	}
	if name, ok := strings.CutSuffix(s, "=true"); ok {
		if name == "" {
			return FieldRule{}, fmt.Errorf("field rule %q has no field name: %w", s, ErrInvalidConfiguration)
		}
		return FieldRule{Name: name, MustBeTrue: true}, nil
	}
	if strings.Contains(s, "=") {
		return FieldRule{}, fmt.Errorf("field rule %q: only \"=true\" is supported: %w", s, ErrInvalidConfiguration)
	}
	return FieldRule{Name: s}, nil
}

// EvidencePolicy maps transition types to their required evidence fields.
// Transitions absent from the map require only a matching transition_type.
type EvidencePolicy map[TransitionType][]FieldRule

// DefaultEvidencePolicy returns the baseline requirement sets. Deployments
// extend it via configuration, e.g. requiring gates_passed=true on
// assigned_to_development once a content validator is wired in.
func DefaultEvidencePolicy() EvidencePolicy {
	return EvidencePolicy{
		TransitionDevelopmentToValidation: {
			{Name: "requirements_analysis"},
			{Name: "acceptance_criteria"},
		},
		TransitionIntegrationToComplete: {
			{Name: "ci_passed", MustBeTrue: true},
			{Name: "working_tree_clean", MustBeTrue: true},
		},
	}
}

// ParsePolicySpec converts the config-file representation (transition type
// to compact field rules) into an EvidencePolicy.
func ParsePolicySpec(spec map[string][]string) (EvidencePolicy, error) {
	policy := make(EvidencePolicy, len(spec))
	for rawTT, rawRules := range spec {
		tt, err := ParseTransitionType(rawTT)
		if err != nil {
			return nil, fmt.Errorf("evidence policy: %w", err)
		}
		rules := make([]FieldRule, 0, len(rawRules))
		for _, rr := range rawRules {
			rule, err := ParseFieldRule(rr)
			if err != nil {
				return nil, fmt.Errorf("evidence policy for %s: %w", tt, err)
			}
			rules = append(rules, rule)
		}
		policy[tt] = rules
	}
	return policy, nil
}

// RequiredFields returns the rules for a transition type. The returned slice
// is shared; callers must not modify it.
func (p EvidencePolicy) RequiredFields(tt TransitionType) []FieldRule {
	return p[tt]
}

// RuleSpecs returns the compact forms for a transition, ready to ship to the
// promote script as a single argument.
func (p EvidencePolicy) RuleSpecs(tt TransitionType) []string {
	rules := p[tt]
	specs := make([]string, len(rules))
	for i, r := range rules {
		specs[i] = r.Spec()
	}
	return specs
}

// Check validates an evidence payload against the policy for the requested
// transition. The same rules run server-side inside the promote script; this
// client-side mirror exists so callers can fail fast without a round trip.
func (p EvidencePolicy) Check(ev Evidence, requested TransitionType) error {
	if ev.TransitionType() != requested {
		return &PipelineError{
			Op: "EvidencePolicy.Check", Kind: "evidence",
			Message: fmt.Sprintf("evidence declares %q, request is %q", ev.TransitionType(), requested),
			Err:     ErrEvidenceMismatch,
		}
	}
	payload := ev.Payload()
	var missing []string
	for _, rule := range p.RequiredFields(requested) {
		if !fieldSatisfied(payload, rule) {
			missing = append(missing, rule.Name)
		}
	}
	if len(missing) > 0 {
		return &PipelineError{
			Op: "EvidencePolicy.Check", Kind: "evidence",
			Missing: missing,
			Err:     ErrEvidenceIncomplete,
		}
	}
	return nil
}

func fieldSatisfied(payload map[string]interface{}, rule FieldRule) bool {
	v, ok := payload[rule.Name]
	if !ok || v == nil {
		return false
	}
	if rule.MustBeTrue {
		b, ok := v.(bool)
		return ok && b
	}
	switch val := v.(type) {
	case string:
		return strings.TrimSpace(val) != ""
	case []interface{}:
		return len(val) > 0
	case []string:
		return len(val) > 0
	case bool:
		return val
	default:
		return true
	}
}
