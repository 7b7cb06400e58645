// Package scoring holds the fixed pillar catalog and the wealth score computation.
package scoring

import (
	"github.com/ravenloper/score-de-riqueza-bot/internal/models"
)

const (
	// QuestionCount is the number of Likert questions in the survey.
	QuestionCount = 30
	// QuestionsPerPillar is how many consecutive questions feed one pillar.
	QuestionsPerPillar = 3
	// MinAnswer and MaxAnswer bound every answer value.
	MinAnswer = 1
	MaxAnswer = 5
)

var questionTexts = [QuestionCount]string{
	"My calendar clearly reflects what will matter to me over the next 10 years.",
	"I can say \"no\" to opportunities that do not change my future.",
	"I have consistent blocks of time to think and decide.",
	"I have weekly rituals of real presence with my family.",
	"My children (or future children) learn values and decision making from me.",
	"My spouse is integrated into my world and my decisions.",
	"I focus on at most 3 major fronts for the coming years.",
	"I have the courage to shut down projects that drain energy.",
	"My decisions follow simple, non-negotiable criteria.",
	"I invest profits in people and projects that multiply without me.",
	"Money never sits idle; it circulates strategically.",
	"I have systems that multiply money even when I am not working.",
	"My decisions reflect my principles, even when they cost money.",
	"I have a clear purpose that guides my routine.",
	"I am the same person at work, with my family and with myself.",
	"I openly discuss money and principles with my family.",
	"I pass on wisdom, not only resources.",
	"I prepare successors to multiply, not just to maintain.",
	"I sleep enough to have clarity and presence.",
	"I keep a minimum routine of physical movement.",
	"I make food choices with intention.",
	"I have a small but deep network of trust.",
	"I invest time in strategic alliances.",
	"I create value before asking for anything.",
	"I immediately apply what I learn.",
	"I do not start something new before implementing what I already learned.",
	"I consume information strategically.",
	"I decide even when I feel afraid.",
	"I think long term even in a crisis.",
	"I assess risk with method, not with paralysis.",
}

var pillarLabels = map[models.PillarCode]string{
	models.PillarTime:            "Time",
	models.PillarFamily:          "Family",
	models.PillarDecision:        "Decision",
	models.PillarMoney:           "Money",
	models.PillarFaithPrinciples: "Faith & principles",
	models.PillarLegacy:          "Legacy",
	models.PillarEnergyHealth:    "Energy & health",
	models.PillarNetworking:      "Networking",
	models.PillarLearning:        "Learning",
	models.PillarRiskFear:        "Risk & fear",
}

// Pillars returns the pillar codes in catalog order.
func Pillars() []models.PillarCode {
	out := make([]models.PillarCode, len(models.PillarOrder))
	copy(out, models.PillarOrder)
	return out
}

// PillarFor maps question n (1..30) to its pillar. Questions are grouped in
// consecutive triples following the catalog order.
func PillarFor(n int) (models.PillarCode, bool) {
	if n < 1 || n > QuestionCount {
		return "", false
	}
	return models.PillarOrder[(n-1)/QuestionsPerPillar], true
}

// QuestionText returns the statement shown for question n, or "" if n is out of range.
func QuestionText(n int) string {
	if n < 1 || n > QuestionCount {
		return ""
	}
	return questionTexts[n-1]
}

// PillarLabel returns the human readable name of a pillar code.
func PillarLabel(code models.PillarCode) string {
	if label, ok := pillarLabels[code]; ok {
		return label
	}
	return string(code)
}
