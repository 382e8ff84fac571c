package orchestrator

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/lavisapp/lavis/internal/jsonx"
	"github.com/lavisapp/lavis/llm"
	"github.com/lavisapp/lavis/model"
)

// planningPrompt asks for an ordered milestone list as a JSON array.
const planningPrompt = `You are a desktop-automation planner. Break the user's goal into an
ordered list of high-level milestones a screen-driven agent will execute
one by one.

Reply with exactly one JSON array, nothing else:

[
  {"description": "Open the Notes application", "type": "navigate"},
  {"description": "Create a note titled 'Groceries'", "type": "workflow"},
  {"description": "Confirm the note appears in the list", "type": "verify"}
]

Rules:
- type is one of: navigate, workflow, verify, primitive.
- Descriptions state intent, never screen coordinates.
- Keep the plan as short as the goal allows; merge trivial steps.
- End with a verify milestone when the outcome is visually checkable.`

// planStep is the wire shape of one planned milestone.
type planStep struct {
	Description string `json:"description"`
	Type        string `json:"type"`
	Budget      int    `json:"budget,omitempty"`
}

// buildPlan turns a goal into a capped plan via one chat call.
func (o *Orchestrator) buildPlan(ctx context.Context, goal string) (*model.Plan, error) {
	reply, err := o.planner.ChatDefault(ctx, []llm.ChatMessage{
		llm.SystemMessage(planningPrompt),
		llm.UserMessage("Goal: " + goal),
	})
	if err != nil {
		return nil, err
	}

	steps, err := jsonx.Decode[[]planStep](reply.Content)
	if err != nil {
		return nil, fmt.Errorf("parse plan: %w", err)
	}

	milestones := make([]*model.Milestone, 0, len(steps))
	for _, step := range steps {
		if strings.TrimSpace(step.Description) == "" {
			continue
		}
		milestones = append(milestones, &model.Milestone{
			ID:           len(milestones) + 1,
			Description:  strings.TrimSpace(step.Description),
			Kind:         model.ParseMilestoneKind(step.Type),
			ActionBudget: step.Budget,
			Timeout:      o.execCfg.MilestoneTimeout,
			MaxRetries:   o.execCfg.MilestoneRetries,
		})
	}
	if len(milestones) == 0 {
		return nil, fmt.Errorf("the planner produced no milestones")
	}

	plan := &model.Plan{
		ID:        uuid.NewString(),
		Goal:      goal,
		CreatedAt: time.Now(),
	}
	if limit := o.execCfg.MaxPlanMilestones; len(milestones) > limit {
		milestones = milestones[:limit]
		plan.Truncated = true
		milestones[0].ContextHint = fmt.Sprintf(
			"The plan was truncated to %d milestones; later steps were dropped and may need replanning.", limit)
	}
	plan.Milestones = milestones
	return plan, nil
}
