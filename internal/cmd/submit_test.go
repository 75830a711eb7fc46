package cmd

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harrison/taskflow/internal/models"
)

func TestSubmitRequiresOwner(t *testing.T) {
	dir := t.TempDir()
	plan := writeFile(t, dir, "quick.md", quickPlan)

	_, err := runCLI(t, dir, "submit", plan)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no owner")
}

func TestSubmitRunCompletes(t *testing.T) {
	dir := t.TempDir()
	plan := writeFile(t, dir, "quick.md", quickPlan)

	out, err := runCLI(t, dir, "--user", "bob", "submit", "--run", plan)
	require.NoError(t, err, out)
	assert.Contains(t, out, "Submitted task 1: Quick")
	assert.Contains(t, out, "completed")

	out, err = runCLI(t, dir, "show", "1")
	require.NoError(t, err)
	assert.Contains(t, out, "echo: hi")
	assert.Contains(t, out, "owner:    bob")
}

func TestSubmitExecuteFlag(t *testing.T) {
	tests := []struct {
		name      string
		args      []string
		requested bool
		hint      bool
	}{
		{name: "create only", args: nil, requested: false, hint: true},
		{name: "with execute", args: []string{"--execute"}, requested: true, hint: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			plan := writeFile(t, dir, "quick.md", quickPlan)

			args := append([]string{"--user", "bob", "submit"}, tt.args...)
			out, err := runCLI(t, dir, append(args, plan)...)
			require.NoError(t, err, out)
			if tt.hint {
				assert.Contains(t, out, "taskflow execute 1")
			} else {
				assert.NotContains(t, out, "taskflow execute")
			}

			out, err = runCLI(t, dir, "list", "--json")
			require.NoError(t, err)
			var tasks []models.Task
			require.NoError(t, json.Unmarshal([]byte(out), &tasks))
			require.Len(t, tasks, 1)
			assert.Equal(t, models.StatusPending, tasks[0].Status)
			assert.Equal(t, tt.requested, tasks[0].ExecuteRequested)
		})
	}
}
