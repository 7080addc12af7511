// Package summary condenses a finished voice-call transcript into a short
// memory snippet via a one-shot generation call.
package summary

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"google.golang.org/genai"

	"github.com/daoch4n/anima/pkg/core"
	"github.com/daoch4n/anima/pkg/core/session"
)

const (
	// DefaultModel is the model used for summarization calls. Summaries are
	// cheap one-shot generations, so the lite tier is enough.
	DefaultModel = "gemini-2.5-flash-lite"

	systemInstruction = "You condense conversation transcripts. Write a short first-person memory " +
		"of the call from the assistant's perspective: what was discussed, decided, " +
		"or promised. A few sentences, no preamble, no markdown."

	maxOutputTokens = 256
)

// Summarizer condenses a transcript into a single string. Failures surface
// as errors and are never retried here.
type Summarizer interface {
	Summarize(ctx context.Context, transcript []session.TranscriptEntry) (string, error)
}

// GenAI is the production Summarizer backed by the Gemini API.
type GenAI struct {
	client *genai.Client
	model  string
	logger *slog.Logger
}

// NewGenAI wires a summarizer onto an existing client. An empty model picks
// the default.
func NewGenAI(client *genai.Client, model string, logger *slog.Logger) *GenAI {
	if model == "" {
		model = DefaultModel
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &GenAI{client: client, model: model, logger: logger}
}

// Summarize runs the generation call. An empty transcript short-circuits to
// an empty summary without touching the network.
func (g *GenAI) Summarize(ctx context.Context, transcript []session.TranscriptEntry) (string, error) {
	if len(transcript) == 0 {
		return "", nil
	}

	config := &genai.GenerateContentConfig{
		SystemInstruction: genai.NewContentFromText(systemInstruction, genai.RoleUser),
		MaxOutputTokens:   maxOutputTokens,
	}

	resp, err := g.client.Models.GenerateContent(ctx, g.model, genai.Text(transcriptPrompt(transcript)), config)
	if err != nil {
		return "", core.NewSummarizationError(fmt.Errorf("generate summary: %w", err))
	}

	text := extractText(resp)
	if text == "" {
		return "", core.NewSummarizationError(fmt.Errorf("summary response had no text"))
	}

	g.logger.Debug("call summarized", "model", g.model, "turns", len(transcript))
	return text, nil
}

// transcriptPrompt renders the transcript as a speaker-labelled block the
// model is asked to condense.
func transcriptPrompt(transcript []session.TranscriptEntry) string {
	var b strings.Builder
	b.WriteString("Summarize this call transcript:\n\n")
	for _, entry := range transcript {
		b.WriteString(entry.Speaker)
		b.WriteString(": ")
		b.WriteString(entry.Text)
		b.WriteByte('\n')
	}
	return b.String()
}

func extractText(resp *genai.GenerateContentResponse) string {
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return ""
	}
	var b strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		b.WriteString(part.Text)
	}
	return strings.TrimSpace(b.String())
}
