package core

import (
	"encoding/json"
	"errors"
	"reflect"
	"testing"
)

func TestEvidenceVariantsDeclareTheirTransition(t *testing.T) {
	cases := []struct {
		ev   Evidence
		want TransitionType
	}{
		{AssignmentEvidence{}, TransitionNewToAssigned},
		{StartEvidence{Owner: "agent-1"}, TransitionAssignedToDevelopment},
		{ValidationEvidence{}, TransitionDevelopmentToValidation},
		{CompletionEvidence{}, TransitionIntegrationToComplete},
		{FailureEvidence{Transition: TransitionDevelopmentToFailed}, TransitionDevelopmentToFailed},
		{RejectionEvidence{Transition: TransitionValidationToRejected}, TransitionValidationToRejected},
		{RecoveryEvidence{Transition: TransitionOrphanedToNew}, TransitionOrphanedToNew},
		{RawEvidence{Type: TransitionValidationToIntegration}, TransitionValidationToIntegration},
	}
	for _, tc := range cases {
		if got := tc.ev.TransitionType(); got != tc.want {
			t.Errorf("%T declares %s, want %s", tc.ev, got, tc.want)
		}
		if got := tc.ev.Payload()[PayloadFieldTransitionType]; got != string(tc.want) {
			t.Errorf("%T payload carries transition_type %v, want %s", tc.ev, got, tc.want)
		}
	}
}

func TestEvidenceVariantValidation(t *testing.T) {
	valid := []Evidence{
		AssignmentEvidence{},
		AssignmentEvidence{AssignedBy: "coordinator"},
		StartEvidence{Owner: "agent-1"},
		ValidationEvidence{RequirementsAnalysis: "mapped", AcceptanceCriteria: []string{"tests"}},
		CompletionEvidence{CIPassed: true, WorkingTreeClean: true},
		FailureEvidence{Transition: TransitionIntegrationToFailed, Reason: "merge conflict"},
		RejectionEvidence{Transition: TransitionDevelopmentToRejected, Reasons: []string{"no tests"}},
		RecoveryEvidence{Transition: TransitionFailedToNew},
		RawEvidence{Type: TransitionNewToAssigned},
	}
	for _, ev := range valid {
		if err := ev.Validate(); err != nil {
			t.Errorf("%T: unexpected validation error: %v", ev, err)
		}
	}

	incomplete := []struct {
		ev      Evidence
		missing []string
	}{
		{StartEvidence{}, []string{"owner"}},
		{ValidationEvidence{}, []string{"requirements_analysis", "acceptance_criteria"}},
		{ValidationEvidence{RequirementsAnalysis: "   "}, []string{"requirements_analysis", "acceptance_criteria"}},
		{CompletionEvidence{CIPassed: true}, []string{"working_tree_clean"}},
		{CompletionEvidence{}, []string{"ci_passed", "working_tree_clean"}},
		{FailureEvidence{Transition: TransitionDevelopmentToFailed}, []string{"reason"}},
		{RejectionEvidence{Transition: TransitionValidationToRejected}, []string{"reasons"}},
	}
	for _, tc := range incomplete {
		err := tc.ev.Validate()
		if !errors.Is(err, ErrEvidenceIncomplete) {
			t.Errorf("%T: expected ErrEvidenceIncomplete, got %v", tc.ev, err)
			continue
		}
		if got := MissingFields(err); !reflect.DeepEqual(got, tc.missing) {
			t.Errorf("%T: expected missing %v, got %v", tc.ev, tc.missing, got)
		}
	}

	// Shared variants refuse transitions outside their family.
	mismatched := []Evidence{
		FailureEvidence{Transition: TransitionNewToAssigned, Reason: "x"},
		RejectionEvidence{Transition: TransitionFailedToNew, Reasons: []string{"x"}},
		RecoveryEvidence{Transition: TransitionDevelopmentToValidation},
	}
	for _, ev := range mismatched {
		if err := ev.Validate(); !errors.Is(err, ErrEvidenceMismatch) {
			t.Errorf("%T: expected ErrEvidenceMismatch, got %v", ev, err)
		}
	}

	if err := (RawEvidence{Type: "sideways"}).Validate(); !errors.Is(err, ErrEvidenceMalformed) {
		t.Errorf("Expected ErrEvidenceMalformed for unknown raw type, got %v", err)
	}
}

func TestEvidenceOptionalFieldsOmitted(t *testing.T) {
	p := AssignmentEvidence{}.Payload()
	if _, ok := p["assigned_by"]; ok {
		t.Error("Expected empty assigned_by to be omitted")
	}
	p = StartEvidence{Owner: "agent-1"}.Payload()
	if _, ok := p["gates_passed"]; ok {
		t.Error("Expected false gates_passed to be omitted")
	}
	p = RecoveryEvidence{Transition: TransitionFailedToNew, Cause: "operator retry"}.Payload()
	if p["cause"] != "operator retry" {
		t.Errorf("Expected cause in payload, got %v", p["cause"])
	}
}

func TestDecodeEvidenceRoundTrip(t *testing.T) {
	variants := []Evidence{
		AssignmentEvidence{AssignedBy: "coordinator"},
		StartEvidence{Owner: "agent-1", GatesPassed: true},
		ValidationEvidence{RequirementsAnalysis: "mapped", AcceptanceCriteria: []string{"a", "b"}},
		CompletionEvidence{CIPassed: true, CIRunURL: "https://ci/run/1", WorkingTreeClean: true},
		FailureEvidence{Transition: TransitionValidationToFailed, Reason: "flaky", FailedBy: "agent-2"},
		RejectionEvidence{Transition: TransitionValidationToRejected, Reasons: []string{"criteria unmet"}},
		RecoveryEvidence{Transition: TransitionOrphanedToNew, Cause: "structural orphan"},
	}
	for _, ev := range variants {
		// Through the JSON codec, the way the store round-trips payloads.
		enc, err := EncodeEvidence(ev)
		if err != nil {
			t.Fatalf("%T: EncodeEvidence failed: %v", ev, err)
		}
		var payload map[string]interface{}
		if err := json.Unmarshal(enc, &payload); err != nil {
			t.Fatalf("%T: unmarshal failed: %v", ev, err)
		}
		decoded, err := DecodeEvidence(payload)
		if err != nil {
			t.Fatalf("%T: DecodeEvidence failed: %v", ev, err)
		}
		if !reflect.DeepEqual(decoded, ev) {
			t.Errorf("Round trip changed %#v to %#v", ev, decoded)
		}
	}
}

func TestDecodeEvidencePreservesExtensionFields(t *testing.T) {
	decoded, err := DecodeEvidence(map[string]interface{}{
		PayloadFieldTransitionType: string(TransitionValidationToIntegration),
		"reviewer":                 "agent-9",
	})
	if err != nil {
		t.Fatalf("DecodeEvidence failed: %v", err)
	}
	raw, ok := decoded.(RawEvidence)
	if !ok {
		t.Fatalf("Expected RawEvidence, got %T", decoded)
	}
	if raw.Type != TransitionValidationToIntegration {
		t.Errorf("Expected type validation_to_integration, got %s", raw.Type)
	}
	if raw.Fields["reviewer"] != "agent-9" {
		t.Errorf("Expected extension field to survive, got %v", raw.Fields)
	}
	if _, ok := raw.Fields[PayloadFieldTransitionType]; ok {
		t.Error("Expected transition_type to be stripped from the field map")
	}
}

func TestDecodeEvidenceErrors(t *testing.T) {
	cases := []map[string]interface{}{
		nil,
		{},
		{PayloadFieldTransitionType: ""},
		{PayloadFieldTransitionType: 42},
		{PayloadFieldTransitionType: "sideways"},
	}
	for i, payload := range cases {
		if _, err := DecodeEvidence(payload); !errors.Is(err, ErrEvidenceMalformed) {
			t.Errorf("Case %d: expected ErrEvidenceMalformed, got %v", i, err)
		}
	}
}

func TestParseFieldRule(t *testing.T) {
	rule, err := ParseFieldRule("ci_passed=true")
	if err != nil {
		t.Fatalf("ParseFieldRule failed: %v", err)
	}
	if rule.Name != "ci_passed" || !rule.MustBeTrue {
		t.Errorf("Unexpected rule %+v", rule)
	}
	if rule.Spec() != "ci_passed=true" {
		t.Errorf("Expected spec round trip, got %q", rule.Spec())
	}

	rule, err = ParseFieldRule("  reason  ")
	if err != nil {
		t.Fatalf("ParseFieldRule failed: %v", err)
	}
	if rule.Name != "reason" || rule.MustBeTrue {
		t.Errorf("Unexpected rule %+v", rule)
	}
	if rule.Spec() != "reason" {
		t.Errorf("Expected spec reason, got %q", rule.Spec())
	}

	for _, bad := range []string{"", "   ", "=true", "field=false", "field=1"} {
		if _, err := ParseFieldRule(bad); !errors.Is(err, ErrInvalidConfiguration) {
			t.Errorf("ParseFieldRule(%q): expected ErrInvalidConfiguration, got %v", bad, err)
		}
	}
}

func TestParsePolicySpec(t *testing.T) {
	policy, err := ParsePolicySpec(map[string][]string{
		"development_to_validation": {"requirements_analysis", "acceptance_criteria", "review_notes"},
		"assigned_to_development":   {"owner", "gates_passed=true"},
	})
	if err != nil {
		t.Fatalf("ParsePolicySpec failed: %v", err)
	}
	rules := policy.RequiredFields(TransitionAssignedToDevelopment)
	if len(rules) != 2 || rules[1].Name != "gates_passed" || !rules[1].MustBeTrue {
		t.Errorf("Unexpected rules %+v", rules)
	}
	specs := policy.RuleSpecs(TransitionDevelopmentToValidation)
	want := []string{"requirements_analysis", "acceptance_criteria", "review_notes"}
	if !reflect.DeepEqual(specs, want) {
		t.Errorf("Expected specs %v, got %v", want, specs)
	}
	if got := policy.RuleSpecs(TransitionNewToAssigned); len(got) != 0 {
		t.Errorf("Expected no specs for unlisted transition, got %v", got)
	}

	if _, err := ParsePolicySpec(map[string][]string{"sideways": {"x"}}); err == nil {
		t.Error("Expected error for unknown transition type")
	}
	if _, err := ParsePolicySpec(map[string][]string{"new_to_assigned": {"field=false"}}); err == nil {
		t.Error("Expected error for malformed rule")
	}
}

func TestPolicyCheck(t *testing.T) {
	policy := DefaultEvidencePolicy()

	ok := ValidationEvidence{RequirementsAnalysis: "mapped", AcceptanceCriteria: []string{"done"}}
	if err := policy.Check(ok, TransitionDevelopmentToValidation); err != nil {
		t.Errorf("Expected complete evidence to pass, got %v", err)
	}

	err := policy.Check(ok, TransitionValidationToIntegration)
	if !errors.Is(err, ErrEvidenceMismatch) {
		t.Errorf("Expected ErrEvidenceMismatch for wrong request, got %v", err)
	}

	err = policy.Check(RawEvidence{Type: TransitionDevelopmentToValidation}, TransitionDevelopmentToValidation)
	if !errors.Is(err, ErrEvidenceIncomplete) {
		t.Fatalf("Expected ErrEvidenceIncomplete, got %v", err)
	}
	want := []string{"requirements_analysis", "acceptance_criteria"}
	if got := MissingFields(err); !reflect.DeepEqual(got, want) {
		t.Errorf("Expected missing %v, got %v", want, got)
	}

	// MustBeTrue rules refuse false and non-boolean values alike.
	err = policy.Check(RawEvidence{
		Type: TransitionIntegrationToComplete,
		Fields: map[string]interface{}{
			"ci_passed":          "yes",
			"working_tree_clean": false,
		},
	}, TransitionIntegrationToComplete)
	if !errors.Is(err, ErrEvidenceIncomplete) {
		t.Fatalf("Expected ErrEvidenceIncomplete, got %v", err)
	}
	if got := MissingFields(err); !reflect.DeepEqual(got, []string{"ci_passed", "working_tree_clean"}) {
		t.Errorf("Unexpected missing fields %v", got)
	}

	// Transitions outside the policy require only the type match.
	if err := policy.Check(AssignmentEvidence{}, TransitionNewToAssigned); err != nil {
		t.Errorf("Expected unlisted transition to pass, got %v", err)
	}
}

func TestPolicyCheckFieldForms(t *testing.T) {
	policy := EvidencePolicy{
		TransitionNewToAssigned: {{Name: "note"}},
	}
	cases := []struct {
		value interface{}
		pass  bool
	}{
		{"text", true},
		{"   ", false},
		{nil, false},
		{[]interface{}{"x"}, true},
		{[]interface{}{}, false},
		{true, true},
		{false, false},
		{float64(0), true},
	}
	for _, tc := range cases {
		ev := RawEvidence{Type: TransitionNewToAssigned, Fields: map[string]interface{}{"note": tc.value}}
		err := policy.Check(ev, TransitionNewToAssigned)
		if tc.pass && err != nil {
			t.Errorf("Value %#v: expected pass, got %v", tc.value, err)
		}
		if !tc.pass && !errors.Is(err, ErrEvidenceIncomplete) {
			t.Errorf("Value %#v: expected ErrEvidenceIncomplete, got %v", tc.value, err)
		}
	}
}

func TestDefaultEvidencePolicy(t *testing.T) {
	policy := DefaultEvidencePolicy()
	if !reflect.DeepEqual(policy.RuleSpecs(TransitionDevelopmentToValidation),
		[]string{"requirements_analysis", "acceptance_criteria"}) {
		t.Errorf("Unexpected handoff rules %v", policy.RuleSpecs(TransitionDevelopmentToValidation))
	}
	if !reflect.DeepEqual(policy.RuleSpecs(TransitionIntegrationToComplete),
		[]string{"ci_passed=true", "working_tree_clean=true"}) {
		t.Errorf("Unexpected completion rules %v", policy.RuleSpecs(TransitionIntegrationToComplete))
	}
}
