package domain

// Step is a project's position in the research pipeline.
type Step string

// Pipeline steps in order.
const (
	StepInit      Step = "init"
	StepDiscovery Step = "discovery"
	StepAnalysis  Step = "analysis"
	StepLandscape Step = "landscape"
	StepIdeas     Step = "ideas"
	StepMethod    Step = "method"
	StepDraft     Step = "draft"
	StepCompleted Step = "completed"
)

var steps = []Step{
	StepInit,
	StepDiscovery,
	StepAnalysis,
	StepLandscape,
	StepIdeas,
	StepMethod,
	StepDraft,
	StepCompleted,
}

// Steps returns all steps in pipeline order.
func Steps() []Step {
	out := make([]Step, len(steps))
	copy(out, steps)
	return out
}

// ParseStep converts a stored current_step value into a Step. Unrecognized
// values are reported as an IntegrityError instead of being mapped to a
// default position.
func ParseStep(s string) (Step, error) {
	for _, st := range steps {
		if string(st) == s {
			return st, nil
		}
	}
	return "", &IntegrityError{Entity: "project", Field: "current_step", Value: s}
}

// Index returns the zero-based position of the step, or -1 if unknown.
func (s Step) Index() int {
	for i, st := range steps {
		if st == s {
			return i
		}
	}
	return -1
}

// IsValid reports whether s is a known step.
func (s Step) IsValid() bool {
	return s.Index() >= 0
}

// IsTerminal reports whether the pipeline is finished.
func (s Step) IsTerminal() bool {
	return s == StepCompleted
}
