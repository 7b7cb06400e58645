package flow

import (
	"context"
	"fmt"

	"github.com/ravenloper/score-de-riqueza-bot/internal/genai"
	"github.com/ravenloper/score-de-riqueza-bot/internal/models"
	"github.com/ravenloper/score-de-riqueza-bot/internal/scoring"
)

// TextGenerator produces one completion. genai.Client and genai.GeminiClient implement it.
type TextGenerator interface {
	Generate(ctx context.Context, req genai.GenerationRequest) (string, error)
}

const (
	interpretationTemperature = 0.7
	invitationTemperature     = 0.6

	interpretationSystem = "You are Fernando Tessaro, maximized by AI, specialist in Solutionism and integral wealth."
	invitationSystem     = "You are Fernando Tessaro, specialist in Solutionism, speaking to a high-income entrepreneur."

	interpretationTemplate = `You are a specialist in human performance, leadership, applied psychology and strategic reading.
Combine these elements into a precise, deep and elegant interpretation:

Profile: %s
Strong pillar: %s
Toxic pillar: %s

Write a text that is:
- direct
- emotionally intelligent
- psychologically precise
- showing strength, risk and direction
- free of clichés
- dense and authoritative

The text must be between 6 and 10 lines.

Start with the profile.
Then connect the strong pillar.
Finish with a critical reading of the toxic pillar.`

	invitationTemplate = `Write a short and powerful invitation to a Solutionist Session™ based on the toxic pillar.

Profile: %s
Toxic pillar: %s

The invitation must:
- be direct
- be strong
- carry authority and precision
- show there is an objective solution
- keep premium language
- be at most 4 lines`
)

// Narrator writes the AI authored parts of the report.
type Narrator struct {
	gen TextGenerator
}

// NewNarrator creates a Narrator backed by gen.
func NewNarrator(gen TextGenerator) *Narrator {
	return &Narrator{gen: gen}
}

// Interpretation reads the profile together with the strongest and weakest pillars.
func (n *Narrator) Interpretation(ctx context.Context, profile string, strongest, weakest models.PillarCode) (string, error) {
	text, err := n.gen.Generate(ctx, genai.GenerationRequest{
		System:      interpretationSystem,
		Prompt:      fmt.Sprintf(interpretationTemplate, profile, scoring.PillarLabel(strongest), scoring.PillarLabel(weakest)),
		Temperature: interpretationTemperature,
	})
	if err != nil {
		return "", fmt.Errorf("interpretation: %w", err)
	}
	return text, nil
}

// Invitation writes the session invitation aimed at the weakest pillar.
func (n *Narrator) Invitation(ctx context.Context, profile string, weakest models.PillarCode) (string, error) {
	text, err := n.gen.Generate(ctx, genai.GenerationRequest{
		System:      invitationSystem,
		Prompt:      fmt.Sprintf(invitationTemplate, profile, scoring.PillarLabel(weakest)),
		Temperature: invitationTemperature,
	})
	if err != nil {
		return "", fmt.Errorf("invitation: %w", err)
	}
	return text, nil
}
