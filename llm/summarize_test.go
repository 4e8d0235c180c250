package llm

import (
	"context"
	"strings"
	"testing"
	"time"

	"parley.chat/transcript"
)

type fakeModel struct {
	req *ChatCompletionRequest
}

func (m *fakeModel) ChatCompletion(ctx context.Context, req *ChatCompletionRequest) (chan *ChatCompletionResponse, error) {
	m.req = req
	out := make(chan *ChatCompletionResponse, 1)
	out <- &ChatCompletionResponse{Content: "a recap"}
	close(out)
	return out, nil
}

func TestSummarizeSendsOnlyFinalUtterances(t *testing.T) {
	at := time.Date(2024, 7, 15, 10, 0, 0, 0, time.UTC)
	entries := []transcript.Entry{
		{ID: 1, Text: "hi", Speaker: transcript.SpeakerUser, Timestamp: at, Final: true},
		{ID: 2, Text: "hel", Speaker: transcript.SpeakerAgent, Timestamp: at, Final: false},
		{ID: 3, Text: "hello there", Speaker: transcript.SpeakerAgent, Timestamp: at.Add(time.Second), Final: true},
	}

	model := &fakeModel{}
	stream, err := Summarize(context.Background(), model, entries)
	if err != nil {
		t.Fatalf("Failed to summarize: %v", err)
	}
	for range stream {
	}

	if model.req == nil || len(model.req.UserMessages) != 1 {
		t.Fatal("Expected a single user message")
	}
	conversation := model.req.UserMessages[0]
	lines := strings.Split(conversation, "\n")
	if len(lines) != 2 {
		t.Fatalf("Expected 2 finalized lines, got %d: %q", len(lines), conversation)
	}
	if lines[0] != "[10:00:00] user: hi" {
		t.Errorf("Unexpected first line %q", lines[0])
	}
	if lines[1] != "[10:00:01] agent: hello there" {
		t.Errorf("Unexpected second line %q", lines[1])
	}
	if model.req.SystemPrompt == "" {
		t.Error("Expected a system prompt")
	}
}

func TestSummarizeRejectsEmptyConversation(t *testing.T) {
	entries := []transcript.Entry{
		{ID: 1, Text: "hel", Speaker: transcript.SpeakerUser, Final: false},
	}

	if _, err := Summarize(context.Background(), &fakeModel{}, entries); err == nil {
		t.Error("Expected an error with no finalized utterances")
	}
}
