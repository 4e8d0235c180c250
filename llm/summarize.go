package llm

import (
	"context"
	"fmt"

	"parley.chat/transcript"
)

const summaryPrompt = "You are reviewing a voice conversation between a person and an AI agent. " +
	"Write a tight narrative recap: short single-sentence paragraphs, one beat each, " +
	"prefixed with a fitting emoji, different ones. " +
	"Call out decisions made, open questions, and anything the person asked the agent to do. " +
	"Plain language, keep it short."

// Summarize streams a narrative recap of a conversation. Only
// finalized utterances reach the model; interim fragments would just
// repeat them.
func Summarize(
	ctx context.Context,
	model LanguageModel,
	entries []transcript.Entry,
) (chan *ChatCompletionResponse, error) {
	conversation := transcript.Render(entries)
	if conversation == "" {
		return nil, fmt.Errorf("no finalized utterances to summarize")
	}

	req := &ChatCompletionRequest{
		SystemPrompt: summaryPrompt,
		MaxTokens:    500,
		Temperature:  0.7,
	}
	req.WithUserMessage(conversation)

	return model.ChatCompletion(ctx, req)
}
