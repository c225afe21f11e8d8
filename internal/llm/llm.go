// Package llm asks a hosted model questions about honeypot logs.
package llm

import (
	"context"
	"fmt"
)

// NoOutput is answered when the model returns nothing usable.
const NoOutput = "[No output from model]"

// Request is a question about a block of log text.
type Request struct {
	Logs     string
	Question string
}

// Text is the request as a single user turn.
func (r Request) Text() string {
	return fmt.Sprintf("Given the following logs:\n%s\n\n%s", r.Logs, r.Question)
}

// LegacyPrompt is the Human/Assistant framing text-completion models expect.
func (r Request) LegacyPrompt() string {
	return "\n\nHuman: " + r.Text() + "\n\nAssistant:"
}

type Answerer interface {
	Answer(ctx context.Context, r Request) (string, error)
}
