package gate

import (
	"errors"
	"fmt"
	"time"

	"github.com/onboardhq/gatekeeper/internal/types"
)

var (
	// ErrUnknownGate is returned when a gate id is not in the plan.
	ErrUnknownGate = errors.New("unknown gate")

	// ErrGateBlocked is returned when a blocked gate's questionnaire is opened.
	ErrGateBlocked = errors.New("gate is blocked")

	// ErrPriorGateNotPassed is returned when a gate is started before the
	// immediately preceding gate has passed.
	ErrPriorGateNotPassed = errors.New("prior gate not passed")

	// ErrInvalidTransition is returned for a progression update the state
	// machine does not permit.
	ErrInvalidTransition = errors.New("invalid gate transition")
)

// Questionnaire binds a questionnaire id to the template that defines it.
type Questionnaire struct {
	ID         string
	TemplateID string
}

// PlanGate is one stage of the onboarding plan.
type PlanGate struct {
	ID             string
	Name           string
	Questionnaires []Questionnaire
	Criteria       types.GateCriteria
}

// Plan is the strict linear order of gates. A gate's questionnaire may only
// be opened once the immediately preceding gate has passed; no skipping.
type Plan struct {
	Gates []PlanGate
}

// Gate returns the plan gate with the given id.
func (p Plan) Gate(id string) (PlanGate, error) {
	for _, g := range p.Gates {
		if g.ID == id {
			return g, nil
		}
	}
	return PlanGate{}, fmt.Errorf("%w: %q", ErrUnknownGate, id)
}

// GateForQuestionnaire returns the gate owning the given questionnaire.
func (p Plan) GateForQuestionnaire(questionnaireID string) (PlanGate, error) {
	for _, g := range p.Gates {
		for _, q := range g.Questionnaires {
			if q.ID == questionnaireID {
				return g, nil
			}
		}
	}
	return PlanGate{}, fmt.Errorf("%w: no gate owns questionnaire %q", ErrUnknownGate, questionnaireID)
}

// prior returns the gate immediately preceding id, or "" for the first gate.
func (p Plan) prior(id string) (string, error) {
	for i, g := range p.Gates {
		if g.ID == id {
			if i == 0 {
				return "", nil
			}
			return p.Gates[i-1].ID, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownGate, id)
}

// Start opens a gate's questionnaire for the partner, transitioning
// not-started to in-progress. It enforces the linear order: the prior
// gate must be passed, and a blocked gate rejects the attempt.
func (p Plan) Start(partner *types.Partner, gateID string, now time.Time) (*types.GateProgress, error) {
	gp := ensureProgress(partner, gateID)

	switch gp.Status {
	case types.GateBlocked:
		return nil, fmt.Errorf("%w: gate %q", ErrGateBlocked, gateID)
	case types.GateInProgress, types.GateFailed:
		// Already open; resubmission re-evaluates from in-progress.
		gp.Status = types.GateInProgress
		return gp, nil
	case types.GatePassed:
		return nil, fmt.Errorf("%w: gate %q already passed", ErrInvalidTransition, gateID)
	}

	priorID, err := p.prior(gateID)
	if err != nil {
		return nil, err
	}
	if priorID != "" {
		prior := partner.Gate(priorID)
		if prior == nil || prior.Status != types.GatePassed {
			return nil, fmt.Errorf("%w: gate %q requires gate %q to be passed", ErrPriorGateNotPassed, gateID, priorID)
		}
	}

	gp.Status = types.GateInProgress
	started := now.UTC()
	gp.StartedDate = &started
	return gp, nil
}

// Advance applies a qualification outcome to an open gate. A qualifying
// submission moves the gate to passed (unlocking the next gate); a
// non-qualifying one moves it to failed with the qualification reason as a
// blocker. Failed is not terminal: a resubmission advances again from the
// same gate. Passed and blocked gates reject further advancement.
func Advance(gp *types.GateProgress, qual types.Qualification, now time.Time) error {
	switch gp.Status {
	case types.GateInProgress, types.GateFailed:
		// Permitted.
	case types.GateBlocked:
		return fmt.Errorf("%w: gate %q", ErrGateBlocked, gp.GateID)
	default:
		return fmt.Errorf("%w: cannot advance gate %q from %q", ErrInvalidTransition, gp.GateID, gp.Status)
	}

	if qual.Qualifies {
		gp.Status = types.GatePassed
		completed := now.UTC()
		gp.CompletedDate = &completed
		gp.Blockers = nil
		return nil
	}

	gp.Status = types.GateFailed
	gp.CompletedDate = nil
	gp.Blockers = []string{qual.Reason}
	return nil
}

// Block imposes the blocked state externally, recording the reason.
// Any state may be blocked.
func Block(gp *types.GateProgress, reason string) {
	gp.Status = types.GateBlocked
	if reason != "" {
		gp.Blockers = append(gp.Blockers, reason)
	}
}

// ensureProgress returns the partner's progress record for the gate,
// creating a not-started one if absent.
func ensureProgress(partner *types.Partner, gateID string) *types.GateProgress {
	if partner.Gates == nil {
		partner.Gates = map[string]*types.GateProgress{}
	}
	gp, ok := partner.Gates[gateID]
	if !ok {
		gp = &types.GateProgress{
			GateID:      gateID,
			Status:      types.GateNotStarted,
			Submissions: map[string]string{},
		}
		partner.Gates[gateID] = gp
	}
	return gp
}

// EnsureProgress exposes progress creation for callers that record
// submission links before scoring.
func EnsureProgress(partner *types.Partner, gateID string) *types.GateProgress {
	return ensureProgress(partner, gateID)
}
