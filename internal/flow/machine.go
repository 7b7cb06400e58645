// Package flow implements the wealth score conversation: the state machine
// that walks a user through the survey, the per-message turn handler, and
// the resumable finalization that scores, narrates, renders and delivers
// the report.
package flow

import (
	"strconv"

	"github.com/ravenloper/score-de-riqueza-bot/internal/models"
	"github.com/ravenloper/score-de-riqueza-bot/internal/scoring"
)

// Outcome is the result of applying one inbound text to a state. Pointer
// fields are nil when the turn leaves that value untouched.
type Outcome struct {
	Next models.State
	// Advanced is false for re-prompts and the fallback; such turns must not
	// write anything.
	Advanced  bool
	Name      *string
	Instagram *string
	Income    *string
	Qualified *bool
	Answer    *AnswerValue
	// Finalize is set on the turn that answers the last question.
	Finalize bool
	// Reply is the message to send after the turn commits; empty for the final answer.
	Reply string
}

// AnswerValue is the answer recorded by a question turn.
type AnswerValue struct {
	Question int
	Pillar   models.PillarCode
	Value    int
}

type transitionFunc func(state models.State, text string) Outcome

var transitions = map[models.Stage]transitionFunc{
	models.StageCollectName:      collectName,
	models.StageAwaitName:        awaitName,
	models.StageCollectInstagram: collectInstagram,
	models.StageCollectIncome:    collectIncome,
	models.StageQuestion:         answerQuestion,
}

// Advance applies text to state. It depends only on its arguments.
func Advance(state models.State, text string) Outcome {
	t, ok := transitions[state.Stage]
	if !ok {
		return stay(state, MsgFallback)
	}
	return t(state, text)
}

func stay(state models.State, reply string) Outcome {
	return Outcome{Next: state, Reply: reply}
}

// collectName ignores the text that opened the session and asks for the name.
func collectName(_ models.State, _ string) Outcome {
	return Outcome{Next: models.State{Stage: models.StageAwaitName}, Advanced: true, Reply: MsgAskName}
}

func awaitName(_ models.State, text string) Outcome {
	return Outcome{
		Next:     models.State{Stage: models.StageCollectInstagram},
		Advanced: true,
		Name:     &text,
		Reply:    AskInstagram(text),
	}
}

func collectInstagram(_ models.State, text string) Outcome {
	return Outcome{
		Next:      models.State{Stage: models.StageCollectIncome},
		Advanced:  true,
		Instagram: &text,
		Reply:     MsgIncomeMenu,
	}
}

func collectIncome(state models.State, text string) Outcome {
	label, ok := incomeBrackets[text]
	if !ok {
		return stay(state, MsgInvalidIncome)
	}
	qualified := text != unqualifiedIncome
	return Outcome{
		Next:      models.QuestionState(1),
		Advanced:  true,
		Income:    &label,
		Qualified: &qualified,
		Reply:     msgQuestionsIntro + QuestionPrompt(1),
	}
}

func answerQuestion(state models.State, text string) Outcome {
	n := state.Question
	pillar, ok := scoring.PillarFor(n)
	if !ok {
		return stay(state, MsgFallback)
	}
	value, err := parseAnswer(text)
	if err != nil {
		return stay(state, MsgInvalidAnswer)
	}

	out := Outcome{
		Advanced: true,
		Answer:   &AnswerValue{Question: n, Pillar: pillar, Value: value},
	}
	if n == scoring.QuestionCount {
		out.Next = models.State{Stage: models.StageFinalized}
		out.Finalize = true
		return out
	}
	out.Next = models.QuestionState(n + 1)
	out.Reply = QuestionPrompt(n + 1)
	return out
}

// parseAnswer accepts exactly one of "1".."5".
func parseAnswer(text string) (int, error) {
	if len(text) != 1 {
		return 0, models.ErrInvalidAnswer
	}
	v, err := strconv.Atoi(text)
	if err != nil || v < scoring.MinAnswer || v > scoring.MaxAnswer {
		return 0, models.ErrInvalidAnswer
	}
	return v, nil
}
