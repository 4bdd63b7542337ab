package migrations

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNamesSorted(t *testing.T) {
	names, err := Names()
	require.NoError(t, err)
	require.NotEmpty(t, names)
	assert.Equal(t, "001_core.sql", names[0])
	for i := 1; i < len(names); i++ {
		assert.Less(t, names[i-1], names[i])
	}
}

func TestAllCarriesConstraints(t *testing.T) {
	sql, err := All()
	require.NoError(t, err)
	for _, want := range []string{
		"CREATE TABLE IF NOT EXISTS contacts",
		"outreach_logs_step_sent_key",
		"outreach_logs_open_call_key",
		"dedupe_key          text NOT NULL UNIQUE",
		"CREATE TABLE IF NOT EXISTS idempotency",
	} {
		assert.True(t, strings.Contains(sql, want), "missing %q", want)
	}
}
