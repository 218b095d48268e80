package service

import (
	"context"
	"github.com/rs/zerolog"
	"strings"
	"worker-transcribe/pkg/command"
)

const maxStderrLength = 2000

// FFmpegNormalizer converts any input ffmpeg can decode into mono 16 kHz
// signed 16-bit PCM WAV.
type FFmpegNormalizer struct {
	binary string
	runner command.Runner
}

func NewFFmpegNormalizer(binary string, runner command.Runner) *FFmpegNormalizer {
	if binary == "" {
		binary = "ffmpeg"
	}
	if runner == nil {
		runner = command.ExecRunner{}
	}
	return &FFmpegNormalizer{binary: binary, runner: runner}
}

func (n *FFmpegNormalizer) Normalize(ctx context.Context, inputPath, outputPath string) error {
	args := normalizeArgs(inputPath, outputPath)
	zerolog.Ctx(ctx).Debug().Str("cmd", n.binary+" "+strings.Join(args, " ")).Msg("executing ffmpeg")

	result, err := n.runner.Run(ctx, n.binary, args...)
	if err != nil {
		return &NormalizeError{
			ExitCode: result.ExitCode,
			Signal:   result.Signal,
			Stderr:   tail(strings.TrimSpace(result.Stderr), maxStderrLength),
			Err:      err,
		}
	}
	return nil
}

func normalizeArgs(inputPath, outputPath string) []string {
	return []string{
		"-hide_banner",
		"-nostdin",
		"-y",
		"-i", inputPath,
		"-vn",
		"-ac", "1",
		"-ar", "16000",
		"-c:a", "pcm_s16le",
		outputPath,
	}
}

// tail keeps the last n bytes, where ffmpeg puts the actual error.
func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}
