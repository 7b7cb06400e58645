package models

import "time"

// PillarCode identifies one of the ten pillars of the wealth score.
type PillarCode string

const (
	PillarTime            PillarCode = "time"
	PillarFamily          PillarCode = "family"
	PillarDecision        PillarCode = "decision"
	PillarMoney           PillarCode = "money"
	PillarFaithPrinciples PillarCode = "faith_principles"
	PillarLegacy          PillarCode = "legacy"
	PillarEnergyHealth    PillarCode = "energy_health"
	PillarNetworking      PillarCode = "networking"
	PillarLearning        PillarCode = "learning"
	PillarRiskFear        PillarCode = "risk_fear"
)

// PillarOrder is the fixed declaration order of the pillars. Iteration over
// pillar totals, tie-breaking and report layout all follow it.
var PillarOrder = []PillarCode{
	PillarTime,
	PillarFamily,
	PillarDecision,
	PillarMoney,
	PillarFaithPrinciples,
	PillarLegacy,
	PillarEnergyHealth,
	PillarNetworking,
	PillarLearning,
	PillarRiskFear,
}

// PillarTotals holds the per-pillar answer sums of one session.
type PillarTotals map[PillarCode]int

// SessionStatus is the lifecycle status of a survey session.
type SessionStatus string

const (
	SessionStatusInProgress SessionStatus = "in_progress"
	SessionStatusCompleted  SessionStatus = "completed"
	// SessionStatusAbandoned is accepted by the schema but no code path sets it.
	SessionStatusAbandoned SessionStatus = "abandoned"
)

// FinalizationStep records the last finalization step that completed for a session.
type FinalizationStep string

const (
	FinalizationNone         FinalizationStep = ""
	FinalizationPending      FinalizationStep = "pending"
	FinalizationScored       FinalizationStep = "scored"
	FinalizationNarrated     FinalizationStep = "narrated"
	FinalizationRendered     FinalizationStep = "rendered"
	FinalizationNotified     FinalizationStep = "notified"
	FinalizationDocumentSent FinalizationStep = "document_sent"
	FinalizationDone         FinalizationStep = "done"
)

var finalizationOrder = map[FinalizationStep]int{
	FinalizationNone:         0,
	FinalizationPending:      1,
	FinalizationScored:       2,
	FinalizationNarrated:     3,
	FinalizationRendered:     4,
	FinalizationNotified:     5,
	FinalizationDocumentSent: 6,
	FinalizationDone:         7,
}

// Reached reports whether step has already been completed.
func (f FinalizationStep) Reached(step FinalizationStep) bool {
	return finalizationOrder[f] >= finalizationOrder[step]
}

// User is one WhatsApp identity. WhatsAppID is unique and never changes.
type User struct {
	ID            string    `json:"id"`
	WhatsAppID    string    `json:"whatsapp_id"`
	Name          string    `json:"name"`
	Instagram     string    `json:"instagram"`
	IncomeBracket string    `json:"income_bracket"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// Session is one attempt at the 30 question interview.
type Session struct {
	ID               string           `json:"id"`
	UserID           string           `json:"user_id"`
	Status           SessionStatus    `json:"status"`
	State            State            `json:"state"`
	Qualified        bool             `json:"qualified"`
	ScoreTotal       int              `json:"score_total"`
	Profile          string           `json:"profile,omitempty"`
	DominantPillar   PillarCode       `json:"dominant_pillar,omitempty"`
	WeakestPillar    PillarCode       `json:"weakest_pillar,omitempty"`
	Interpretation   string           `json:"interpretation,omitempty"`
	Invitation       string           `json:"invitation,omitempty"`
	ReportPath       string           `json:"report_path,omitempty"`
	FinalizationStep FinalizationStep `json:"finalization_step,omitempty"`
	CreatedAt        time.Time        `json:"created_at"`
	UpdatedAt        time.Time        `json:"updated_at"`
	CompletedAt      *time.Time       `json:"completed_at,omitempty"`
}

// Answer is the value given to one question of a session. Answers are append-only.
type Answer struct {
	SessionID      string     `json:"session_id"`
	QuestionNumber int        `json:"question_number"`
	PillarCode     PillarCode `json:"pillar_code"`
	Value          int        `json:"value"`
	CreatedAt      time.Time  `json:"created_at"`
}
