package main

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"gopkg.in/yaml.v3"

	"github.com/drfirst/go-claims/internal/cob"
)

func run(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetIn(strings.NewReader(stdin))
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestCOBOrderCommand(t *testing.T) {
	in := `{
		"insurance1": {"payerId": "SPOUSE-PLAN", "patientRelationship": "spouse"},
		"insurance2": {"payerId": "OWN-PLAN", "patientRelationship": "self"}
	}`
	out, err := run(t, in, "cob-order")
	if err != nil {
		t.Fatal(err)
	}
	var order cob.Order
	if err := json.Unmarshal([]byte(out), &order); err != nil {
		t.Fatalf("decode %q: %v", out, err)
	}
	if order.Primary.PayerID != "OWN-PLAN" || order.Rule != cob.RuleSubscriberOverDependent {
		t.Errorf("order = %+v", order)
	}
}

func TestCodesCommandYAML(t *testing.T) {
	out, err := run(t, "", "codes", "-o", "yaml")
	if err != nil {
		t.Fatal(err)
	}
	var codes []map[string]any
	if err := yaml.Unmarshal([]byte(out), &codes); err != nil {
		t.Fatalf("decode yaml: %v", err)
	}
	if len(codes) != 27 {
		t.Fatalf("codes = %d, want 27", len(codes))
	}
	if codes[0]["status"] != "acknowledged" {
		t.Errorf("first code = %v", codes[0])
	}
}

func TestRejectsUnknownOutput(t *testing.T) {
	if _, err := run(t, "", "codes", "-o", "xml"); err == nil {
		t.Error("expected error for xml output")
	}
}
