// Package gate implements the per-project step gate: the linear state machine
// that decides which pipeline stage a project may start next and which step
// a successful stage moves it to.
//
// The gate is pure. Serializing concurrent dispatches against the same
// project is the responsibility of the task store.
package gate

import (
	"fmt"

	"github.com/helixir/research-orchestrator/internal/domain"
)

// transition is one edge of the gate: at step From the stage Stage may run,
// and its successful completion moves the project to To.
type transition struct {
	From  domain.Step
	Stage domain.StageKind
	To    domain.Step
}

var transitions = []transition{
	{From: domain.StepInit, Stage: domain.StageDiscover, To: domain.StepDiscovery},
	{From: domain.StepDiscovery, Stage: domain.StageAnalyze, To: domain.StepAnalysis},
	{From: domain.StepAnalysis, Stage: domain.StageLandscape, To: domain.StepLandscape},
	{From: domain.StepLandscape, Stage: domain.StageIdeas, To: domain.StepIdeas},
	{From: domain.StepIdeas, Stage: domain.StageMethod, To: domain.StepMethod},
	{From: domain.StepMethod, Stage: domain.StageDraft, To: domain.StepDraft},
	{From: domain.StepDraft, Stage: "", To: domain.StepCompleted},
}

func lookup(step domain.Step) (transition, error) {
	if !step.IsValid() {
		return transition{}, &domain.IntegrityError{Entity: "project", Field: "current_step", Value: string(step)}
	}
	for _, t := range transitions {
		if t.From == step {
			return t, nil
		}
	}
	return transition{From: step}, nil
}

// Permitted returns the stage the project may start at step. It returns an
// empty kind with a nil error when no further stage is accepted, and an
// IntegrityError for an unknown step.
func Permitted(step domain.Step) (domain.StageKind, error) {
	t, err := lookup(step)
	if err != nil {
		return "", err
	}
	return t.Stage, nil
}

// Check validates a stage-start request against the project's step.
func Check(projectStep domain.Step, requested domain.StageKind) error {
	permitted, err := Permitted(projectStep)
	if err != nil {
		return err
	}
	if permitted == "" || permitted != requested {
		return &domain.GateViolationError{
			Current:   projectStep,
			Requested: requested,
			Permitted: permitted,
		}
	}
	return nil
}

// Next returns the step a project at step moves to when a task of kind
// completed successfully. The draft stage advances through draft straight
// to completed.
func Next(step domain.Step, completed domain.StageKind) (domain.Step, error) {
	if err := Check(step, completed); err != nil {
		return "", err
	}
	to, err := StepAfter(completed)
	if err != nil {
		return "", err
	}
	if to == domain.StepDraft {
		return domain.StepCompleted, nil
	}
	return to, nil
}

// StepAfter returns the step named after a stage.
func StepAfter(kind domain.StageKind) (domain.Step, error) {
	for _, t := range transitions {
		if t.Stage == kind && kind != "" {
			return t.To, nil
		}
	}
	return "", domain.NewValidationError("stage", fmt.Sprintf("unknown stage %q", kind))
}

// Sequence returns the stages in the order the gate admits them.
func Sequence() []domain.StageKind {
	out := make([]domain.StageKind, 0, len(transitions))
	for _, t := range transitions {
		if t.Stage != "" {
			out = append(out, t.Stage)
		}
	}
	return out
}

// Reconcile returns the step a project should be at when its most recently
// completed task is of kind lastCompleted. ok is false when the step already
// reflects that completion. It repairs a gate advance lost between a task's
// completion and the step write; a project left at draft by a draft
// completion is settled to completed.
func Reconcile(step domain.Step, lastCompleted domain.StageKind) (domain.Step, bool, error) {
	if step == domain.StepDraft && lastCompleted == domain.StageDraft {
		return domain.StepCompleted, true, nil
	}
	permitted, err := Permitted(step)
	if err != nil {
		return "", false, err
	}
	if permitted == "" || permitted != lastCompleted {
		return step, false, nil
	}
	next, err := Next(step, lastCompleted)
	if err != nil {
		return "", false, err
	}
	return next, true, nil
}
