package errors

import (
	stderrors "errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNew(t *testing.T) {
	err := New(ErrConfig, "bad config", "fix the yaml")

	assert.Equal(t, ErrConfig, err.Code)
	assert.Contains(t, err.Error(), "bad config")
	assert.Contains(t, err.Error(), "fix the yaml")
}

func TestWrapWithCode(t *testing.T) {
	cause := stderrors.New("connection reset")
	err := WrapWithCode(cause, ErrConnection, "host unreachable", "check the network")

	assert.Equal(t, ErrConnection, err.Code)
	assert.Equal(t, cause, err.Unwrap())
	assert.Contains(t, err.Error(), "connection reset")
}

func TestIsCode(t *testing.T) {
	tests := []struct {
		name string
		err  error
		code string
		want bool
	}{
		{"matching code", New(ErrParse, "bad output", ""), ErrParse, true},
		{"different code", New(ErrParse, "bad output", ""), ErrExecution, false},
		{"plain error", stderrors.New("plain"), ErrParse, false},
		{"nil error", nil, ErrParse, false},
		{"wrapped structured error", WrapWithCode(New(ErrValidation, "bad input", ""), ErrExecution, "outer", ""), ErrExecution, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsCode(tt.err, tt.code))
		})
	}
}

func TestCode(t *testing.T) {
	assert.Equal(t, ErrExecution, Code(New(ErrExecution, "exit 1", "")))
	assert.Equal(t, "", Code(stderrors.New("plain")))
	assert.Equal(t, "", Code(nil))
}
