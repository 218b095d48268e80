package whisper

import (
	"context"
	"fmt"
	"github.com/sashabaranov/go-openai"
	"strings"
	"worker-transcribe/dto"
)

// OpenAI sends the normalized audio to the OpenAI transcription endpoint,
// or any server speaking the same API when baseURL is set.
type OpenAI struct {
	client   *openai.Client
	model    string
	language string
}

func NewOpenAI(apiKey, baseURL, model, language string) *OpenAI {
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	if model == "" {
		model = openai.Whisper1
	}
	if language == "auto" {
		language = ""
	}
	return &OpenAI{
		client:   openai.NewClientWithConfig(cfg),
		model:    model,
		language: language,
	}
}

func (o *OpenAI) Recognize(ctx context.Context, wavPath string) ([]dto.Segment, error) {
	resp, err := o.client.CreateTranscription(ctx, openai.AudioRequest{
		Model:    o.model,
		FilePath: wavPath,
		Language: o.language,
		Format:   openai.AudioResponseFormatVerboseJSON,
	})
	if err != nil {
		return nil, fmt.Errorf("openai transcription: %w", err)
	}

	if len(resp.Segments) == 0 {
		text := strings.TrimSpace(resp.Text)
		if text == "" {
			return []dto.Segment{}, nil
		}
		return []dto.Segment{{Id: 0, Start: 0, End: resp.Duration, Text: text}}, nil
	}

	segments := make([]dto.Segment, 0, len(resp.Segments))
	for _, s := range resp.Segments {
		segments = append(segments, dto.Segment{
			Id:    s.ID,
			Start: s.Start,
			End:   s.End,
			Text:  strings.TrimSpace(s.Text),
		})
	}
	return segments, nil
}
