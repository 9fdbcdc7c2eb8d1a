package fhirpath

import "testing"

func samplePatient() map[string]interface{} {
	return map[string]interface{}{
		"resourceType": "Patient",
		"id":           "pt-123",
		"active":       true,
		"birthDate":    "1990-03-15",
		"gender":       "male",
		"name": []interface{}{
			map[string]interface{}{
				"use":    "official",
				"family": "Smith",
				"given":  []interface{}{"John", "Michael"},
			},
			map[string]interface{}{
				"use":    "nickname",
				"family": "Smith",
				"given":  []interface{}{"Johnny"},
			},
		},
		"telecom": []interface{}{
			map[string]interface{}{"system": "phone", "value": "555-1234", "use": "home"},
			map[string]interface{}{"system": "email", "value": "john@example.com"},
		},
	}
}

func sampleObservation() map[string]interface{} {
	return map[string]interface{}{
		"resourceType": "Observation",
		"id":           "obs-1",
		"status":       "final",
		"valueQuantity": map[string]interface{}{
			"value": 98.6,
			"unit":  "F",
		},
	}
}

func mustEval(t *testing.T, expr string, resource map[string]interface{}) Collection {
	t.Helper()
	eng := NewEngine("4.0")
	c, err := eng.Eval(expr, EvalOptions{Resource: resource})
	if err != nil {
		t.Fatalf("Eval(%q) unexpected error: %v", expr, err)
	}
	return c
}

func TestRootTypeNavigation(t *testing.T) {
	c := mustEval(t, "Patient.name.family", samplePatient())
	if len(c) != 2 {
		t.Fatalf("expected 2 family names, got %d", len(c))
	}
	for _, v := range c {
		s, _ := v.AsString()
		if s != "Smith" {
			t.Errorf("expected Smith, got %q", s)
		}
	}
}

func TestRootTypeMismatchReturnsEmpty(t *testing.T) {
	c := mustEval(t, "Observation.name", samplePatient())
	if len(c) != 0 {
		t.Fatalf("expected empty collection for mismatched root type, got %d items", len(c))
	}
}

func TestWhereClause(t *testing.T) {
	c := mustEval(t, "name.where(use = 'nickname').given", samplePatient())
	if len(c) != 1 {
		t.Fatalf("expected 1 nickname given name, got %d", len(c))
	}
	if s, _ := c[0].AsString(); s != "Johnny" {
		t.Errorf("expected Johnny, got %q", s)
	}
}

func TestExistsAndAll(t *testing.T) {
	if !mustEval(t, "telecom.exists(system = 'email')", samplePatient()).ToBool() {
		t.Error("expected exists(system = 'email') to be true")
	}
	if mustEval(t, "telecom.all(system = 'phone')", samplePatient()).ToBool() {
		t.Error("expected all(system = 'phone') to be false")
	}
}

func TestSelectFlattens(t *testing.T) {
	c := mustEval(t, "name.select(given)", samplePatient())
	if len(c) != 3 {
		t.Fatalf("expected 3 given names across both name entries, got %d", len(c))
	}
}

func TestChoiceTypeExpansion(t *testing.T) {
	c := mustEval(t, "Observation.value", sampleObservation())
	if len(c) != 1 {
		t.Fatalf("expected choice-type 'value' to resolve via valueQuantity, got %d items", len(c))
	}
}

func TestCountAndIndexer(t *testing.T) {
	if n := mustEval(t, "name.count()", samplePatient()); len(n) != 1 || n[0].Int != 2 {
		t.Fatalf("expected count() == 2, got %+v", n)
	}
	c := mustEval(t, "name[0].family", samplePatient())
	s, ok, err := singleton(c)
	if err != nil {
		t.Fatal(err)
	}
	if !ok || s.Str != "Smith" {
		t.Errorf("expected indexer to select first name entry, got %+v", s)
	}
}

func TestArithmeticAndComparison(t *testing.T) {
	c := mustEval(t, "1 + 2 * 3", nil)
	if len(c) != 1 || c[0].Int != 7 {
		t.Fatalf("expected 7, got %+v", c)
	}
	if !mustEval(t, "5 > 3", nil).ToBool() {
		t.Error("expected 5 > 3 to be true")
	}
}

func TestNotAndEmpty(t *testing.T) {
	if !mustEval(t, "gender.empty().not()", samplePatient()).ToBool() {
		t.Error("expected gender.empty().not() to be true since gender is present")
	}
}

func TestPlanCacheReturnsSamePlan(t *testing.T) {
	ResetPlanCache()
	p1, err := CompileCached("Patient.name", "4.0")
	if err != nil {
		t.Fatal(err)
	}
	p2, err := CompileCached("Patient.name", "4.0")
	if err != nil {
		t.Fatal(err)
	}
	if p1 != p2 {
		t.Error("expected CompileCached to return the same *Plan instance for repeated calls")
	}
}
