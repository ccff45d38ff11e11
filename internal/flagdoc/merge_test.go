package flagdoc

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"gopkg.in/yaml.v3"
)

var structuredB = Struct(Structured{
	Variants:       map[string]any{"on": true, "off": false},
	DefaultVariant: "on",
	State:          StateEnabled,
})

func mustMerge(t *testing.T, original string, updates map[string]Definition, schema Schema) string {
	t.Helper()
	out, err := Merge(original, updates, schema)
	if err != nil {
		t.Fatalf("Merge failed: %v", err)
	}
	return out
}

func mustExtract(t *testing.T, text string, schema Schema) map[string]Definition {
	t.Helper()
	flags, err := Extract(text, schema)
	if err != nil {
		t.Fatalf("Extract failed: %v", err)
	}
	return flags
}

func TestMerge_AddsStructuredNextToBoolean(t *testing.T) {
	original := "spec:\n  flagSpec:\n    flags:\n      A: true\n"

	out := mustMerge(t, original, map[string]Definition{"B": structuredB}, SchemaFlagSpec)

	want := map[string]Definition{"A": Bool(true), "B": structuredB}
	if diff := cmp.Diff(want, mustExtract(t, out, SchemaFlagSpec)); diff != "" {
		t.Errorf("merged flags mismatch (-want +got):\n%s", diff)
	}
}

func TestMerge_CreatesPathFromEmptyOrGarbage(t *testing.T) {
	for name, original := range map[string]string{
		"empty":       "",
		"unparseable": "key: [unclosed\n",
		"scalar":      "just a string\n",
		"list":        "- a\n- b\n",
	} {
		t.Run(name, func(t *testing.T) {
			out := mustMerge(t, original, map[string]Definition{"X": Bool(true)}, SchemaFlagSpec)
			if out != "spec:\n  flagSpec:\n    flags:\n      X: true\n" {
				t.Errorf("unexpected document:\n%s", out)
			}
		})
	}
}

func TestMerge_ReplacesNonMappingSections(t *testing.T) {
	out := mustMerge(t, "flags: [1, 2]\nother: 1\n", map[string]Definition{"X": Bool(false)}, SchemaRoot)
	if out != "flags:\n  X: false\nother: 1\n" {
		t.Errorf("unexpected document:\n%s", out)
	}

	out = mustMerge(t, "spec:\n  flagSpec: null\n", map[string]Definition{"X": Bool(true)}, SchemaFlagSpec)
	if diff := cmp.Diff(map[string]Definition{"X": Bool(true)}, mustExtract(t, out, SchemaFlagSpec)); diff != "" {
		t.Errorf("(-want +got):\n%s", diff)
	}
}

func TestMerge_Idempotent(t *testing.T) {
	original := `apiVersion: core.openfeature.dev/v1beta1
kind: FeatureFlag
metadata:
  name: billing-prod
spec:
  flagSpec:
    flags:
      old: false
`
	updates := map[string]Definition{"old": Bool(true), "new": structuredB, "zzz": Bool(false)}

	once := mustMerge(t, original, updates, SchemaFlagSpec)
	twice := mustMerge(t, once, updates, SchemaFlagSpec)
	if once != twice {
		t.Errorf("merge is not idempotent:\n--- once\n%s\n--- twice\n%s", once, twice)
	}
}

func TestMerge_LeavesUnrelatedContentAlone(t *testing.T) {
	original := `# managed by flaggate
metadata:
  name: billing-prod # inline
  labels:
    team: payments
spec:
  flagSpec:
    flags:
      keep: true
      touch: false
  extra: [a, b]
`
	out := mustMerge(t, original, map[string]Definition{"touch": Bool(true)}, SchemaFlagSpec)

	for _, fragment := range []string{"# managed by flaggate", "name: billing-prod # inline", "extra: [a, b]"} {
		if !strings.Contains(out, fragment) {
			t.Errorf("expected %q to survive, got:\n%s", fragment, out)
		}
	}
	if strings.Index(out, "metadata:") > strings.Index(out, "spec:") {
		t.Error("top-level key order changed")
	}

	var before, after map[string]any
	if err := yaml.Unmarshal([]byte(original), &before); err != nil {
		t.Fatal(err)
	}
	if err := yaml.Unmarshal([]byte(out), &after); err != nil {
		t.Fatal(err)
	}
	before["spec"].(map[string]any)["flagSpec"].(map[string]any)["flags"].(map[string]any)["touch"] = true
	if diff := cmp.Diff(before, after); diff != "" {
		t.Errorf("only the updated key may change (-want +got):\n%s", diff)
	}
}

func TestMerge_EmptyFlowMappingBecomesBlock(t *testing.T) {
	out := mustMerge(t, "flags: {}\n", map[string]Definition{"b": Bool(true), "a": Bool(false)}, SchemaRoot)
	if out != "flags:\n  a: false\n  b: true\n" {
		t.Errorf("unexpected document:\n%s", out)
	}
}

func TestMerge_EmptySchema(t *testing.T) {
	if _, err := Merge("", nil, nil); err == nil {
		t.Error("expected error for empty schema")
	}
}

func TestExtract(t *testing.T) {
	flags := mustExtract(t, "metadata:\n  name: x\n", SchemaFlagSpec)
	if len(flags) != 0 {
		t.Errorf("expected no flags, got %v", flags)
	}

	if _, err := Extract("spec: [", SchemaFlagSpec); err == nil {
		t.Error("expected parse error")
	}

	if _, err := Extract("flags:\n  bad: [1]\n", SchemaRoot); err == nil {
		t.Error("expected decode error for a sequence definition")
	}
}

func TestDocumentName(t *testing.T) {
	if got := DocumentName("metadata:\n  name: billing-prod-flags\n"); got != "billing-prod-flags" {
		t.Errorf("got %q", got)
	}
	if got := DocumentName("flags: {}\n"); got != "" {
		t.Errorf("got %q", got)
	}
}

func TestMerge_KeepsTargetingAndOtherKeys(t *testing.T) {
	var update map[string]Definition
	body := `{"color": {"variants": {"red": "#f00", "blue": "#00f"}, "defaultVariant": "red", "state": "ENABLED",
		"targeting": {"if": [{"==": [{"var": "tier"}, "gold"]}, "blue", null]}}}`
	if err := json.Unmarshal([]byte(body), &update); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}

	out := mustMerge(t, "spec:\n  flagSpec:\n    flags:\n      A: true\n", update, SchemaFlagSpec)
	if !strings.Contains(out, "targeting:") {
		t.Fatalf("targeting missing from merged document:\n%s", out)
	}

	got := mustExtract(t, out, SchemaFlagSpec)["color"]
	targeting, ok := got.Structured.Extra["targeting"].(map[string]any)
	if !ok {
		t.Fatalf("targeting not extracted: %+v", got.Structured)
	}
	if _, ok := targeting["if"].([]any); !ok {
		t.Errorf("unexpected targeting %#v", targeting)
	}

	again := mustMerge(t, out, map[string]Definition{"A": Bool(false)}, SchemaFlagSpec)
	if !strings.Contains(again, "targeting:") {
		t.Errorf("targeting lost by an unrelated update:\n%s", again)
	}
}

func TestExtract_KeepsExtraKeys(t *testing.T) {
	doc := `flags:
  color:
    variants:
      red: '#f00'
    defaultVariant: red
    state: ENABLED
    targeting:
      if: [true, red, null]
    metadata:
      owner: payments
`
	got := mustExtract(t, doc, SchemaRoot)["color"]
	want := map[string]any{
		"targeting": map[string]any{"if": []any{true, "red", nil}},
		"metadata":  map[string]any{"owner": "payments"},
	}
	if diff := cmp.Diff(want, got.Structured.Extra); diff != "" {
		t.Errorf("extra keys mismatch (-want +got):\n%s", diff)
	}

	b, err := json.Marshal(got)
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	var back Definition
	if err := json.Unmarshal(b, &back); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}
	if diff := cmp.Diff(got, back); diff != "" {
		t.Errorf("JSON round trip mismatch (-want +got):\n%s", diff)
	}
}
