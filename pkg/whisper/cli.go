package whisper

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"github.com/rs/zerolog"
	"os"
	"strings"
	"worker-transcribe/dto"
	"worker-transcribe/pkg/command"
)

// CLI runs whisper.cpp and reads back its JSON output file.
type CLI struct {
	binary   string
	model    string
	language string
	runner   command.Runner
}

type cliOutput struct {
	Transcription []struct {
		Offsets struct {
			From int64 `json:"from"`
			To   int64 `json:"to"`
		} `json:"offsets"`
		Text string `json:"text"`
	} `json:"transcription"`
}

func NewCLI(binary, model, language string, runner command.Runner) *CLI {
	if language == "" {
		language = "auto"
	}
	if runner == nil {
		runner = command.ExecRunner{}
	}
	return &CLI{
		binary:   binary,
		model:    model,
		language: language,
		runner:   runner,
	}
}

func (c *CLI) Recognize(ctx context.Context, wavPath string) ([]dto.Segment, error) {
	outputPrefix := strings.TrimSuffix(wavPath, ".wav")
	args := []string{
		"-m", c.model,
		"-f", wavPath,
		"-l", c.language,
		"-np",
		"-oj",
		"-of", outputPrefix,
	}
	zerolog.Ctx(ctx).Debug().Str("cmd", c.binary+" "+strings.Join(args, " ")).Msg("executing whisper")

	result, err := c.runner.Run(ctx, c.binary, args...)
	if err != nil {
		stderr := strings.TrimSpace(result.Stderr)
		if result.Signal != "" {
			return nil, fmt.Errorf("whisper killed by signal %s: %s: %w", result.Signal, stderr, err)
		}
		return nil, fmt.Errorf("whisper failed with exit code %d: %s: %w", result.ExitCode, stderr, err)
	}

	raw, err := os.ReadFile(outputPrefix + ".json")
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNoResult
	}
	if err != nil {
		return nil, fmt.Errorf("read whisper output: %w", err)
	}
	if len(strings.TrimSpace(string(raw))) == 0 {
		return nil, ErrNoResult
	}

	var out cliOutput
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("decode whisper output: %w", err)
	}
	if out.Transcription == nil {
		return nil, ErrNoResult
	}

	segments := make([]dto.Segment, 0, len(out.Transcription))
	for i, t := range out.Transcription {
		segments = append(segments, dto.Segment{
			Id:    i,
			Start: float64(t.Offsets.From) / 1000,
			End:   float64(t.Offsets.To) / 1000,
			Text:  strings.TrimSpace(t.Text),
		})
	}
	return segments, nil
}
