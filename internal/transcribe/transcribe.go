package transcribe

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/sashabaranov/go-openai"
	"go.uber.org/zap"
)

// Transcriber turns an audio stream into text.
type Transcriber interface {
	Transcribe(ctx context.Context, name string, audio io.Reader) (string, error)
}

type OpenAITranscriber struct {
	client *openai.Client
	model  string
	logger *zap.Logger
}

func NewOpenAITranscriber(apiKey, model string, logger *zap.Logger) *OpenAITranscriber {
	return NewOpenAITranscriberWithConfig(openai.DefaultConfig(apiKey), model, logger)
}

func NewOpenAITranscriberWithConfig(config openai.ClientConfig, model string, logger *zap.Logger) *OpenAITranscriber {
	if model == "" {
		model = openai.Whisper1
	}
	return &OpenAITranscriber{
		client: openai.NewClientWithConfig(config),
		model:  model,
		logger: logger,
	}
}

func (t *OpenAITranscriber) Transcribe(ctx context.Context, name string, audio io.Reader) (string, error) {
	resp, err := t.client.CreateTranscription(ctx, openai.AudioRequest{
		Model:    t.model,
		FilePath: name,
		Reader:   audio,
		Format:   openai.AudioResponseFormatText,
	})
	if err != nil {
		t.logger.Error("Failed to transcribe audio",
			zap.Error(err),
			zap.String("file", name))
		return "", fmt.Errorf("transcription failed: %w", err)
	}
	return strings.TrimSpace(resp.Text), nil
}
