package ldap

import (
	"bytes"
	"errors"
	"testing"

	"github.com/hashicorp/terraform-plugin-log/tflogtest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSanitizeFields(t *testing.T) {
	fields := map[string]any{
		"bind_dn":  "cn=admin,dc=example,dc=com",
		"Password": "hunter2",
		"filter":   "(&(uid=x)(password=y))",
		"url":      "ldap://host?token=abc",
		"count":    3,
	}

	sanitized := SanitizeFields(fields)

	assert.Equal(t, "cn=admin,dc=example,dc=com", sanitized["bind_dn"])
	assert.Equal(t, "[REDACTED]", sanitized["Password"])
	assert.Equal(t, "[REDACTED]", sanitized["filter"])
	assert.Equal(t, "[REDACTED]", sanitized["url"])
	assert.Equal(t, 3, sanitized["count"])

	// The input is not modified.
	assert.Equal(t, "hunter2", fields["Password"])
}

func TestLogOperation_ReturnsResult(t *testing.T) {
	ctx := InitializeLogging(t.Context())

	assert.NoError(t, LogOperation(ctx, SubsystemSync, "noop", nil, func() error { return nil }))

	want := errors.New("failed")
	assert.ErrorIs(t, LogOperation(ctx, SubsystemSync, "fail", map[string]any{"dn": "cn=a"}, func() error { return want }), want)

	done := LogTaskOperation(ctx, "task-1", "delete", nil)
	done(nil)
	done(want)
}

func TestLogTaskOperation_WritesSchedulerEntries(t *testing.T) {
	var output bytes.Buffer
	ctx := tflogtest.RootLogger(t.Context(), &output)
	ctx = InitializeLogging(ctx)

	LogTaskOperation(ctx, "task-7", "delete", map[string]any{"count": 2})(errors.New("entry is locked"))

	entries, err := tflogtest.MultilineJSONDecode(&output)
	require.NoError(t, err)

	var failed map[string]any
	for _, entry := range entries {
		if entry["@message"] == "Task failed" {
			failed = entry
		}
	}
	require.NotNil(t, failed, "task failure is logged")
	assert.Contains(t, failed["@module"], SubsystemScheduler)
	assert.Equal(t, "task-7", failed["task"])
	assert.Equal(t, "delete", failed["operation"])
	assert.Equal(t, "entry is locked", failed["error"])
	assert.Equal(t, true, failed["has_error"])
}
