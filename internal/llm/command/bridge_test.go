package command

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"OpenAudit/internal/audit"
	xerrors "OpenAudit/internal/errors"
	"OpenAudit/internal/llm"
)

func writeScript(t *testing.T, body string) string {
	t.Helper()
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh 不可用")
	}
	path := filepath.Join(t.TempDir(), "policy.sh")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\ncat >/dev/null\n"+body), 0o755))
	return path
}

func TestDecideReadsEnvelope(t *testing.T) {
	script := writeScript(t, `echo '{"content":{"type":"search","query":"acme complaints"},"usage":{"prompt_tokens":10,"completion_tokens":5},"cost":0.02}'`)
	client, err := NewClient("sh", script, "")
	require.NoError(t, err)

	resp, err := client.Decide(context.Background(), llm.Request{Subject: audit.Subject{ID: "biz-1"}})
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"search","query":"acme complaints"}`, resp.Content)
	assert.Equal(t, 10, resp.Usage.PromptTokens)
	assert.InDelta(t, 0.02, resp.Cost, 1e-9)
}

func TestDecidePassesBareOutputThrough(t *testing.T) {
	script := writeScript(t, `echo '{"type":"request_evidence","source":"bbb"}'`)
	client, err := NewClient("sh", script, "")
	require.NoError(t, err)

	resp, err := client.Decide(context.Background(), llm.Request{})
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"request_evidence","source":"bbb"}`, resp.Content)
	assert.Zero(t, resp.Cost)
}

func TestDecideStringContent(t *testing.T) {
	script := writeScript(t, `echo '{"content":"{\"type\":\"search\",\"query\":\"x\"}"}'`)
	client, err := NewClient("sh", script, "")
	require.NoError(t, err)

	resp, err := client.Decide(context.Background(), llm.Request{})
	require.NoError(t, err)
	assert.Equal(t, `{"type":"search","query":"x"}`, resp.Content)
}

func TestDecideProcessFailureIsRetryable(t *testing.T) {
	script := writeScript(t, "echo 'quota exceeded' >&2\nexit 1\n")
	client, err := NewClient("sh", script, "")
	require.NoError(t, err)

	_, err = client.Decide(context.Background(), llm.Request{})
	require.Error(t, err)
	assert.Equal(t, xerrors.CodeProviderUnavailable, xerrors.CodeOf(err))
	assert.True(t, xerrors.RetryableError(err))
	assert.Contains(t, err.Error(), "quota exceeded")
}

func TestNewClientRequiresScript(t *testing.T) {
	_, err := NewClient("sh", "", "")
	require.Error(t, err)
}
