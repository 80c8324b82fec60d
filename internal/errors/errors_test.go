package errors

import (
	stdErrors "errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWrapCarriesSubjectAndPhase(t *testing.T) {
	cause := stdErrors.New("connection reset")
	err := Wrap(CodeProviderUnavailable, cause, "policy 调用失败",
		WithSubject("biz-42"), WithPhase("deciding"), WithReason("provider_unavailable"))

	wrapped := fmt.Errorf("run: %w", err)

	assert.Equal(t, CodeProviderUnavailable, CodeOf(wrapped))
	assert.Equal(t, "biz-42", SubjectOf(wrapped))
	assert.Equal(t, "deciding", PhaseOf(wrapped))
	assert.Equal(t, "provider_unavailable", ReasonOf(wrapped))
	assert.True(t, RetryableError(wrapped))
	assert.ErrorIs(t, wrapped, cause)
	assert.Contains(t, err.Error(), "[PROVIDER_UNAVAILABLE@deciding]")
}

func TestIsComparesCodes(t *testing.T) {
	a := New(CodeAgentOutputInvalid, "first")
	b := New(CodeAgentOutputInvalid, "second")
	c := New(CodeFatalStartup, "")

	require.ErrorIs(t, a, b)
	require.NotErrorIs(t, a, c)
	assert.Equal(t, "fatal startup error", c.Message())
}

func TestRetryableOverride(t *testing.T) {
	err := New(CodeProviderUnavailable, "quota", WithRetryable(false))
	assert.False(t, RetryableError(err))
	assert.False(t, RetryableError(stdErrors.New("plain")))
	assert.Equal(t, SeverityCritical, SeverityOf(stdErrors.New("plain")))
}
