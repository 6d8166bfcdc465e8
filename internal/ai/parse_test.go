package ai

import (
	"testing"

	"github.com/formscout/formscout/internal/domain"
)

func TestExtractJSON_CodeFence(t *testing.T) {
	text := "Here are the steps:\n```json\n{\"steps\": []}\n```\nDone."
	got := ExtractJSON(text)
	if got != `{"steps": []}` {
		t.Errorf("ExtractJSON = %q", got)
	}
}

func TestExtractJSON_BareObject(t *testing.T) {
	text := `Sure! The answer is {"answer": true, "reasoning": "it says \"New\""} hope that helps`
	got := ExtractJSON(text)
	if got != `{"answer": true, "reasoning": "it says \"New\""}` {
		t.Errorf("ExtractJSON = %q", got)
	}
}

func TestExtractJSON_NestedBrackets(t *testing.T) {
	text := `{"a": {"b": [1, 2, {"c": "}"}]}} trailing`
	got := ExtractJSON(text)
	if got != `{"a": {"b": [1, 2, {"c": "}"}]}}` {
		t.Errorf("ExtractJSON = %q", got)
	}
}

func TestExtractJSON_ArrayBeforeObject(t *testing.T) {
	text := `[{"action": "click"}] and then {"x": 1}`
	got := ExtractJSON(text)
	if got != `[{"action": "click"}]` {
		t.Errorf("ExtractJSON = %q", got)
	}
}

func TestExtractJSON_NoJSON(t *testing.T) {
	if got := ExtractJSON("no structured output here"); got != "" {
		t.Errorf("ExtractJSON = %q, want empty", got)
	}
}

func TestSanitizeJSON_InvalidEscape(t *testing.T) {
	raw := `{"selector": "\E9 > div"}`
	got := SanitizeJSON(raw)
	want := `{"selector": "\\E9 > div"}`
	if got != want {
		t.Errorf("SanitizeJSON = %q, want %q", got, want)
	}
}

func TestSanitizeJSON_KeepsValidEscapes(t *testing.T) {
	raw := `{"text": "line\nbreak \"quoted\" \u00e9"}`
	if got := SanitizeJSON(raw); got != raw {
		t.Errorf("SanitizeJSON changed valid input: %q", got)
	}
}

func TestDecodeSteps_ObjectShape(t *testing.T) {
	raw := `{"steps": [{"action": "click", "selector": "#save", "force_regenerate": true}], "no_more_paths": false}`
	result, err := DecodeSteps(raw)
	if err != nil {
		t.Fatalf("DecodeSteps: %v", err)
	}
	if len(result.Steps) != 1 || result.Steps[0].Action != domain.ActionClick {
		t.Errorf("Steps = %+v", result.Steps)
	}
	if !result.Steps[0].ForceRegen {
		t.Error("force_regenerate not decoded")
	}
}

func TestDecodeSteps_BareArray(t *testing.T) {
	raw := `[{"action": "fill", "selector": "#name", "value": "x"}]`
	result, err := DecodeSteps(raw)
	if err != nil {
		t.Fatalf("DecodeSteps: %v", err)
	}
	if len(result.Steps) != 1 || result.Steps[0].Action != domain.ActionFill {
		t.Errorf("Steps = %+v", result.Steps)
	}
}

func TestDecodeSteps_NoMorePathsOnly(t *testing.T) {
	result, err := DecodeSteps(`{"no_more_paths": true}`)
	if err != nil {
		t.Fatalf("DecodeSteps: %v", err)
	}
	if !result.NoMorePaths {
		t.Error("NoMorePaths not decoded")
	}
	if len(result.Steps) != 0 {
		t.Errorf("Steps = %+v, want empty", result.Steps)
	}
}

func TestDecodeSteps_InvalidEscapeInSelector(t *testing.T) {
	raw := "```json\n{\"steps\": [{\"action\": \"click\", \"selector\": \"#a \\E\"}]}\n```"
	result, err := DecodeSteps(raw)
	if err != nil {
		t.Fatalf("DecodeSteps: %v", err)
	}
	if len(result.Steps) != 1 {
		t.Fatalf("Steps = %+v", result.Steps)
	}
}

func TestDecodeSteps_Garbage(t *testing.T) {
	if _, err := DecodeSteps("I could not generate steps, sorry."); err == nil {
		t.Error("DecodeSteps accepted garbage")
	}
}
