package whisper

import "errors"

// ErrNoResult is returned when the recognizer finished without producing
// any output at all. An empty transcript of silent audio is not an error.
var ErrNoResult = errors.New("speech recognizer produced no result")
