package model

import (
	"bytes"
	"encoding/json"
)

// ProcessError reports that an optional sub-computation failed.
type ProcessError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *ProcessError) Error() string {
	return e.Code + ": " + e.Message
}

// NewProcessError wraps err under code.
func NewProcessError(code string, err error) *ProcessError {
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	return &ProcessError{Code: code, Message: msg}
}

// Field is an optional response member that independently holds a value or
// the error that prevented computing it. A nil *Field means not requested.
type Field[T any] struct {
	Value T
	Err   *ProcessError
}

func Ok[T any](v T) *Field[T] {
	return &Field[T]{Value: v}
}

func Fail[T any](err *ProcessError) *Field[T] {
	return &Field[T]{Err: err}
}

func (f *Field[T]) Failed() bool {
	return f != nil && f.Err != nil
}

type fieldError struct {
	Error *ProcessError `json:"error"`
}

func (f *Field[T]) MarshalJSON() ([]byte, error) {
	if f.Err != nil {
		return json.Marshal(fieldError{Error: f.Err})
	}
	return json.Marshal(f.Value)
}

func (f *Field[T]) UnmarshalJSON(data []byte) error {
	if trimmed := bytes.TrimSpace(data); len(trimmed) > 0 && trimmed[0] == '{' {
		var fe fieldError
		if err := json.Unmarshal(trimmed, &fe); err == nil && fe.Error != nil {
			f.Err = fe.Error
			return nil
		}
	}
	return json.Unmarshal(data, &f.Value)
}
