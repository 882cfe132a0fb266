package domain

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
)

// StageKind names one stage of the research pipeline. It doubles as the
// task_type of the Task executing that stage.
type StageKind string

// Stage kinds in pipeline order.
const (
	StageDiscover  StageKind = "discover"
	StageAnalyze   StageKind = "analyze"
	StageLandscape StageKind = "landscape"
	StageIdeas     StageKind = "ideas"
	StageMethod    StageKind = "method"
	StageDraft     StageKind = "draft"
)

var stageKinds = []StageKind{
	StageDiscover,
	StageAnalyze,
	StageLandscape,
	StageIdeas,
	StageMethod,
	StageDraft,
}

// StageKinds returns all stage kinds in pipeline order.
func StageKinds() []StageKind {
	out := make([]StageKind, len(stageKinds))
	copy(out, stageKinds)
	return out
}

// ParseStageKind converts a stage name into a StageKind.
func ParseStageKind(s string) (StageKind, error) {
	for _, k := range stageKinds {
		if string(k) == s {
			return k, nil
		}
	}
	return "", NewValidationError("stage", fmt.Sprintf("unknown stage %q", s))
}

// IsValid reports whether k is a known stage kind.
func (k StageKind) IsValid() bool {
	_, err := ParseStageKind(string(k))
	return err == nil
}

// Queue returns the work queue the stage is routed to. Literature search,
// paper analysis and generation have very different cost profiles and are
// scaled independently.
func (k StageKind) Queue() string {
	switch k {
	case StageDiscover:
		return "literature"
	case StageAnalyze, StageLandscape:
		return "analysis"
	default:
		return "generation"
	}
}

// StageQueues returns the distinct work queues in pipeline order.
func StageQueues() []string {
	var out []string
	seen := make(map[string]bool)
	for _, k := range stageKinds {
		if q := k.Queue(); !seen[q] {
			seen[q] = true
			out = append(out, q)
		}
	}
	return out
}

// Stage is the closed set of stage requests. Each variant carries its own
// parameters; code interpreting a Stage switches over the concrete types.
type Stage interface {
	Kind() StageKind
	isStage()
}

// DiscoverStage searches literature sources for the project's keywords.
type DiscoverStage struct {
	MaxResults int `json:"max_results" validate:"gte=1,lte=500"`
}

// AnalyzeStage analyzes the most relevant discovered papers.
type AnalyzeStage struct {
	MaxPapers int `json:"max_papers" validate:"gte=1,lte=200"`
}

// LandscapeStage synthesizes the research landscape from paper analyses.
type LandscapeStage struct{}

// IdeasStage generates research ideas from the landscape.
type IdeasStage struct {
	NumIdeas int `json:"num_ideas" validate:"gte=1,lte=20"`
}

// MethodStage designs a method for one generated idea.
type MethodStage struct {
	IdeaID string `json:"idea_id" validate:"required,max=128"`
}

// DraftStage writes a paper draft for an idea with a method design.
type DraftStage struct {
	IdeaID string `json:"idea_id" validate:"required,max=128"`
}

func (DiscoverStage) Kind() StageKind  { return StageDiscover }
func (AnalyzeStage) Kind() StageKind   { return StageAnalyze }
func (LandscapeStage) Kind() StageKind { return StageLandscape }
func (IdeasStage) Kind() StageKind     { return StageIdeas }
func (MethodStage) Kind() StageKind    { return StageMethod }
func (DraftStage) Kind() StageKind     { return StageDraft }

func (DiscoverStage) isStage()  {}
func (AnalyzeStage) isStage()   {}
func (LandscapeStage) isStage() {}
func (IdeasStage) isStage()     {}
func (MethodStage) isStage()    {}
func (DraftStage) isStage()     {}

// Default stage parameters.
const (
	DefaultMaxResults = 50
	DefaultMaxPapers  = 20
	DefaultNumIdeas   = 5
)

// DefaultStage returns the variant for kind with default parameters.
func DefaultStage(kind StageKind) (Stage, error) {
	switch kind {
	case StageDiscover:
		return DiscoverStage{MaxResults: DefaultMaxResults}, nil
	case StageAnalyze:
		return AnalyzeStage{MaxPapers: DefaultMaxPapers}, nil
	case StageLandscape:
		return LandscapeStage{}, nil
	case StageIdeas:
		return IdeasStage{NumIdeas: DefaultNumIdeas}, nil
	case StageMethod:
		return MethodStage{}, nil
	case StageDraft:
		return DraftStage{}, nil
	default:
		return nil, NewValidationError("stage", fmt.Sprintf("unknown stage %q", kind))
	}
}

// DecodeStage builds the Stage variant for kind from its JSON parameters.
// Missing parameters take their defaults, unknown fields are rejected and
// the result is validated.
func DecodeStage(kind StageKind, raw json.RawMessage) (Stage, error) {
	stage, err := DefaultStage(kind)
	if err != nil {
		return nil, err
	}

	if len(bytes.TrimSpace(raw)) > 0 && !bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
		switch s := stage.(type) {
		case DiscoverStage:
			err = decodeStrict(raw, &s)
			stage = s
		case AnalyzeStage:
			err = decodeStrict(raw, &s)
			stage = s
		case LandscapeStage:
			err = decodeStrict(raw, &s)
			stage = s
		case IdeasStage:
			err = decodeStrict(raw, &s)
			stage = s
		case MethodStage:
			err = decodeStrict(raw, &s)
			stage = s
		case DraftStage:
			err = decodeStrict(raw, &s)
			stage = s
		}
		if err != nil {
			return nil, NewValidationError("params", err.Error())
		}
	}

	if err := ValidateStage(stage); err != nil {
		return nil, err
	}
	return stage, nil
}

// EncodeStage serializes a stage's parameters for storage on the task record.
func EncodeStage(stage Stage) (json.RawMessage, error) {
	data, err := json.Marshal(stage)
	if err != nil {
		return nil, fmt.Errorf("marshal %s params: %w", stage.Kind(), err)
	}
	return data, nil
}

func decodeStrict(raw json.RawMessage, dst any) error {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return err
	}
	if _, err := dec.Token(); err != io.EOF {
		return errors.New("unexpected data after the params object")
	}
	return nil
}

var stageValidator = newStageValidator()

func newStageValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name, _, _ := strings.Cut(fld.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// ValidateStage checks a stage's parameters against their declared bounds.
func ValidateStage(stage Stage) error {
	if stage == nil {
		return NewValidationError("stage", "is required")
	}
	err := stageValidator.Struct(stage)
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		fe := verrs[0]
		return NewValidationError(fe.Field(), describeTag(fe))
	}
	return NewValidationError("params", err.Error())
}

func describeTag(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "gte":
		return "must be at least " + fe.Param()
	case "lte":
		return "must be at most " + fe.Param()
	case "max":
		return "must be at most " + fe.Param() + " characters"
	default:
		return "failed " + fe.Tag() + " check"
	}
}
