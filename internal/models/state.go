package models

import (
	"fmt"
	"strconv"
)

// Stage is the closed set of conversation stages a survey session moves through.
type Stage int

const (
	// StageUnknown is the zero value and never a valid persisted stage.
	StageUnknown Stage = iota
	StageCollectName
	StageAwaitName
	StageCollectInstagram
	StageCollectIncome
	// StageQuestion carries the question number in State.Question.
	StageQuestion
	StageFinalized
)

var stageNames = map[Stage]string{
	StageCollectName:      "COLLECT_NAME",
	StageAwaitName:        "AWAIT_NAME",
	StageCollectInstagram: "COLLECT_INSTAGRAM",
	StageCollectIncome:    "COLLECT_INCOME",
	StageQuestion:         "QUESTION",
	StageFinalized:        "FINALIZED",
}

// String returns the persisted name of the stage.
func (s Stage) String() string {
	if name, ok := stageNames[s]; ok {
		return name
	}
	return "UNKNOWN"
}

// ParseStage maps a persisted stage name back to its Stage.
func ParseStage(name string) (Stage, error) {
	for stage, n := range stageNames {
		if n == name {
			return stage, nil
		}
	}
	return StageUnknown, fmt.Errorf("%w: %q", ErrUnknownStage, name)
}

// State is the position of a session in the conversation.
// Question is only meaningful when Stage is StageQuestion.
type State struct {
	Stage    Stage `json:"stage"`
	Question int   `json:"question,omitempty"`
}

// InitialState is the state of a freshly created session.
var InitialState = State{Stage: StageCollectName}

// QuestionState returns the state for question n.
func QuestionState(n int) State {
	return State{Stage: StageQuestion, Question: n}
}

// String renders the state as a tag such as "COLLECT_INCOME" or "QUESTION_7".
func (s State) String() string {
	if s.Stage == StageQuestion {
		return s.Stage.String() + "_" + strconv.Itoa(s.Question)
	}
	return s.Stage.String()
}

// Ordinal places the state on the total order of the conversation.
// Every legal transition strictly increases it.
func (s State) Ordinal() int {
	switch s.Stage {
	case StageQuestion:
		return int(StageQuestion) + s.Question - 1
	case StageFinalized:
		return int(StageQuestion) + 30
	default:
		return int(s.Stage)
	}
}
