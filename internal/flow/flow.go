// Package flow implements the dialogue state machine that turns one inbound
// event and the sender's Session into one outbound reply.
package flow

import (
	"context"

	"github.com/BTreeMap/PromptRelay/internal/genai"
)

// Model is the model collaborator consulted by question and image turns.
type Model interface {
	Ask(ctx context.Context, req genai.QuestionRequest) (string, error)
	DescribeImage(ctx context.Context, imageURL, instruction string) (string, error)
}

// Turn outcomes reported in logs and metrics.
const (
	OutcomeControl  = "control"
	OutcomeOK       = "ok"
	OutcomeEmpty    = "empty"
	OutcomeRepeated = "repeated"
	OutcomeError    = "error"
)

// Input keywords, compared after trimming and case-folding.
const (
	keywordGetStarted     = "get started"
	keywordMenu           = "menu"
	keywordAskQuestion    = "ask a question"
	keywordAskForQuestion = "ask for a question"
	keywordDescribeImage  = "describe an image"
)

// Postback and quick-reply payloads understood by the processor.
const (
	PayloadGetStarted    = "GET_STARTED"
	PayloadAskQuestion   = "ASK_QUESTION"
	PayloadDescribeImage = "DESCRIBE_IMAGE"
)

// DefaultImageInstruction is sent with every image to the vision model.
const DefaultImageInstruction = "Describe this image in one sentence."
