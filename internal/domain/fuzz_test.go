package domain

import (
	"encoding/json"
	"errors"
	"testing"
)

// FuzzDecodeStage checks that arbitrary stage parameters never panic, that
// every rejection is a validation error and that accepted parameters survive
// an encode/decode round trip.
func FuzzDecodeStage(f *testing.F) {
	seeds := []struct {
		kind string
		raw  string
	}{
		{"discover", `{"max_results": 50}`},
		{"discover", `{"max_results": -1}`},
		{"discover", `{"max_results": 1e309}`},
		{"analyze", `{"max_papers": "20"}`},
		{"ideas", `{"num_ideas": 5, "extra": true}`},
		{"method", `null`},
		{"draft", `[]`},
		{"landscape", `{"a":`},
		{"review", `{}`},
		{"discover", "{\"max_results\": 10}\x00"},
		{"ideas", `'; DROP TABLE tasks; --`},
		{"ideas", `{"num_ideas": 3} trailing`},
	}
	for _, s := range seeds {
		f.Add(s.kind, []byte(s.raw))
	}

	f.Fuzz(func(t *testing.T, kind string, raw []byte) {
		stage, err := DecodeStage(StageKind(kind), json.RawMessage(raw))
		if err != nil {
			if !errors.Is(err, ErrInvalidInput) {
				t.Fatalf("DecodeStage(%q) returned a non-validation error: %v", kind, err)
			}
			return
		}
		if stage.Kind() != StageKind(kind) {
			t.Fatalf("decoded kind %q, want %q", stage.Kind(), kind)
		}

		encoded, err := EncodeStage(stage)
		if err != nil {
			t.Fatalf("EncodeStage: %v", err)
		}
		again, err := DecodeStage(stage.Kind(), encoded)
		if err != nil {
			t.Fatalf("re-decoding %s: %v", encoded, err)
		}
		if again != stage {
			t.Fatalf("round trip changed the stage: %#v != %#v", again, stage)
		}
	})
}

func FuzzParseStep(f *testing.F) {
	for _, s := range []string{"init", "discovery", "completed", "", "INIT", "draft ", "review"} {
		f.Add(s)
	}
	f.Fuzz(func(t *testing.T, s string) {
		step, err := ParseStep(s)
		if err != nil {
			if !errors.Is(err, ErrDataIntegrity) {
				t.Fatalf("ParseStep(%q) returned %v, want an integrity error", s, err)
			}
			return
		}
		if !step.IsValid() || string(step) != s {
			t.Fatalf("ParseStep(%q) = %q", s, step)
		}
	})
}
