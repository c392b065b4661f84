package main

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jbohnslav/kingdom/internal/common/errs"
	"github.com/jbohnslav/kingdom/internal/member"
)

// An inline ask with any failed member must exit with the agent-failure
// code; a clean turn exits zero.
func TestAskErrorExitCode(t *testing.T) {
	ok := &member.Response{Name: "a", Text: "fine"}
	bad := &member.Response{Name: "b", Err: errors.New("boom")}
	timedOut := &member.Response{Name: "c", TimedOut: true}

	assert.NoError(t, askError(nil))
	assert.NoError(t, askError([]*member.Response{ok}))

	err := askError([]*member.Response{ok, bad})
	require.Error(t, err)
	assert.Equal(t, errs.ExitAgentFailure, errs.ExitCode(err))
	assert.Contains(t, err.Error(), "1 of 2 members failed")

	err = askError([]*member.Response{bad, timedOut})
	require.Error(t, err)
	assert.Equal(t, errs.ExitAgentFailure, errs.ExitCode(err))
}
