package cli

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rasheedb1/cadence/internal/engine"
	"github.com/rasheedb1/cadence/internal/model"
)

func scoped(cfg string, args ...string) []string {
	return append([]string{"--config", cfg, "--org", "org-1", "--owner", "owner-1"}, args...)
}

func TestActivateEnrollTick(t *testing.T) {
	cfg := writeConfig(t)

	out, err := execute(t, scoped(cfg, "activate", "testdata/cadences", "outbound")...)
	require.NoError(t, err)
	assert.Equal(t, "✓ outbound active (graph version 1, 5 steps)\n", out)

	out, err = execute(t, scoped(cfg, "--format", "json", "enroll", "outbound", "lead-1",
		"--email", "ada@example.com", "--tz", "Europe/Berlin", "--attr", "replied=false")...)
	require.NoError(t, err)
	var res engine.AdvanceResult
	decodeData(t, out, &res)
	assert.Equal(t, model.EnrollmentActive, res.Enrollment.Status)
	assert.Equal(t, "intro", res.Enrollment.CurrentStepID)
	require.NotNil(t, res.Entry)
	assert.Equal(t, model.ChannelEmail, res.Entry.Channel)

	out, err = execute(t, scoped(cfg, "enroll", "outbound", "lead-1")...)
	require.NoError(t, err)
	assert.Contains(t, out, "already enrolled")

	out, err = execute(t, scoped(cfg, "tick")...)
	require.NoError(t, err)
	assert.Equal(t, "resolved 0 delay(s), advanced 0 lead(s)\n", out)
}

func TestActivateInvalidGraph(t *testing.T) {
	cfg := writeConfig(t)

	out, err := execute(t, scoped(cfg, "activate", "testdata/invalid", "broken")...)
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, out, "cadence graph is invalid")
	assert.Contains(t, out, "E210")
}

func TestEnrollInactiveCadence(t *testing.T) {
	cfg := writeConfig(t)

	out, err := execute(t, scoped(cfg, "enroll", "outbound", "lead-1")...)
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, out, "Error [E005]")
}

func TestLinkRequiresProvider(t *testing.T) {
	cfg := writeConfig(t)

	_, err := execute(t, scoped(cfg, "link", "start", "gmail")...)
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, err.Error(), "provider.base_url is not configured")
}

func TestLinkConfirmRejectsBadCallback(t *testing.T) {
	cfg := writeConfig(t)

	_, err := execute(t, scoped(cfg, "link", "confirm", "gmail", "--account", "acct-1", "--attempt", "0")...)
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, err.Error(), "invalid attempt")
}
