package tts

import (
	"errors"
	"fmt"
)

var (
	// ErrVoiceNotFound matches every VoiceNotFoundError via errors.Is.
	ErrVoiceNotFound = errors.New("voice not found")
	ErrEmptyText     = errors.New("nothing to synthesize")
)

type VoiceNotFoundError struct {
	Voice string
	Paths []string
}

func (e *VoiceNotFoundError) Error() string {
	return fmt.Sprintf("voice %q not found in %v", e.Voice, e.Paths)
}

func (e *VoiceNotFoundError) Is(target error) bool { return target == ErrVoiceNotFound }

// InferenceError wraps a failure raised inside the engine.
type InferenceError struct {
	Err error
}

func (e *InferenceError) Error() string { return "inference failed: " + e.Err.Error() }

func (e *InferenceError) Unwrap() error { return e.Err }
