package main

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/stepwise-dev/stepwise/pkg/llm"
)

func TestClassifyError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"cancelled", context.Canceled, exitCancelled},
		{"deadline", context.DeadlineExceeded, exitCancelled},
		{"provider error", &llm.ProviderError{Code: "http_504"}, exitLLM},
		{"wrapped provider error", fmt.Errorf("decomposition LLM call: %w", &llm.ProviderError{Code: "http_502"}), exitLLM},
		{"entry script", errors.New(`skill "calendar-assistant": start entry script: no such file`), exitSubprocess},
		{"other", errors.New("bad input"), exitValidation},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, classifyError(tt.err))
		})
	}
}
