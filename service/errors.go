package service

import (
	"context"
	"errors"
	"fmt"
	"time"
	"worker-transcribe/constant"
)

var (
	ErrEmptyDownload = errors.New("downloaded file is empty")
	ErrTimeout       = errors.New("job timeout")
)

const (
	StageAudioContext = "audio_context"
	StageFetch        = "fetch"
	StageNormalize    = "normalize"
	StageUpload       = "upload"
	StageRecognize    = "recognize"
	StagePersist      = "persist"
)

// StageError tags a collaborator failure with the pipeline stage it came
// from and the kind recorded in the attempt-error ledger.
type StageError struct {
	Stage string
	Kind  constant.ErrorKind
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}

func stageErr(stage string, kind constant.ErrorKind, err error) error {
	if err == nil {
		return nil
	}
	return &StageError{Stage: stage, Kind: kind, Err: err}
}

// NormalizeError is returned when the conversion process exits unsuccessfully.
// Signal is empty unless the process was killed.
type NormalizeError struct {
	ExitCode int
	Signal   string
	Stderr   string
	Err      error
}

func (e *NormalizeError) Error() string {
	msg := fmt.Sprintf("ffmpeg failed with exit code %d", e.ExitCode)
	if e.Signal != "" {
		msg = fmt.Sprintf("ffmpeg killed by signal %s", e.Signal)
	}
	if e.Stderr != "" {
		msg += ": " + e.Stderr
	}
	return msg
}

func (e *NormalizeError) Unwrap() error {
	return e.Err
}

// ClassifyError maps an error onto the closed set of error kinds.
func ClassifyError(err error) constant.ErrorKind {
	var stageError *StageError
	var normalizeError *NormalizeError
	switch {
	case err == nil:
		return constant.ErrorKindUnknown
	case errors.Is(err, ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return constant.ErrorKindTimeout
	case errors.Is(err, ErrEmptyDownload):
		return constant.ErrorKindValidation
	case errors.As(err, &normalizeError):
		return constant.ErrorKindNormalize
	case errors.As(err, &stageError):
		return stageError.Kind
	default:
		return constant.ErrorKindUnknown
	}
}

// runWithTimeout runs fn with a deadline. When the deadline passes first it
// returns ErrTimeout at once and leaves fn running against a cancelled ctx;
// its result is discarded.
func runWithTimeout(ctx context.Context, timeout time.Duration, fn func(ctx context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("panic: %v", r)
			}
		}()
		done <- fn(ctx)
	}()

	return awaitResult(ctx, timeout, done)
}

// awaitResult prefers a result that is already available over the
// deadline, so work that finished as the timer fired is not reported as
// timed out.
func awaitResult(ctx context.Context, timeout time.Duration, done <-chan error) error {
	select {
	case err := <-done:
		return resultAt(ctx, timeout, err)
	case <-ctx.Done():
		select {
		case err := <-done:
			return resultAt(ctx, timeout, err)
		default:
		}
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return fmt.Errorf("%w after %s", ErrTimeout, timeout)
		}
		return ctx.Err()
	}
}

func resultAt(ctx context.Context, timeout time.Duration, err error) error {
	if err != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w after %s", ErrTimeout, timeout)
	}
	return err
}
