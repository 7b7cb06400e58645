package flow

import (
	"fmt"

	"github.com/ravenloper/score-de-riqueza-bot/internal/scoring"
)

// Outbound texts of the conversation.
const (
	MsgAskName        = "Let's begin. What is your full name?"
	MsgInvalidIncome  = "Reply with a number from 1 to 6."
	MsgInvalidAnswer  = "Reply with a number from 1 to 5."
	MsgFallback       = "Let's go step by step."
	MsgReportStatus   = "Your Wealth Score is ready. Sending your report…"
	MsgClosingGeneric = "Your report is ready! Apply the recommendations to strengthen your next steps."

	MsgQualifiedUpsell = "📌 *Final Recommendation*\n\n" +
		"There is a sensitive point draining strength and clarity from your current cycle. " +
		"We can fix it objectively in a Solutionist Session™.\n\n" +
		"Would you like to see available times?"

	MsgIncomeMenu = "Now tell me your monthly income:\n\n" +
		"1. Up to R$ 5,000\n" +
		"2. R$ 5,001–10,000\n" +
		"3. R$ 10,001–20,000\n" +
		"4. R$ 20,001–50,000\n" +
		"5. R$ 50,001–100,000\n" +
		"6. Above R$ 100,000\n\n" +
		"Reply with the number only."

	msgQuestionsIntro = "Let's start the 30 questions of the Wealth Score.\n" +
		"Always answer with numbers from 1 to 5.\n\n"
)

// unqualifiedIncome is the only income option that does not qualify for the upsell.
const unqualifiedIncome = "1"

// incomeBrackets maps the menu option to the stored income label.
var incomeBrackets = map[string]string{
	"1": "Up to R$ 5,000",
	"2": "R$ 5,001–10,000",
	"3": "R$ 10,001–20,000",
	"4": "R$ 20,001–50,000",
	"5": "R$ 50,001–100,000",
	"6": "Above R$ 100,000",
}

// AskInstagram greets the user by the name they just gave.
func AskInstagram(name string) string {
	return fmt.Sprintf("Got it, %s. What is your Instagram @?", name)
}

// QuestionPrompt renders question n with the answer scale.
func QuestionPrompt(n int) string {
	return fmt.Sprintf("Question %d/%d:\n\nAnswer from 1 to 5:\n1 = Never\n5 = Always\n\n%s",
		n, scoring.QuestionCount, scoring.QuestionText(n))
}

// ClosingMessage is the single message that ends a finalized conversation.
func ClosingMessage(qualified bool) string {
	if qualified {
		return MsgQualifiedUpsell
	}
	return MsgClosingGeneric
}
