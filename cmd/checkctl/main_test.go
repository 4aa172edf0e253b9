package main

import (
	"bytes"
	"encoding/json"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/fyrsmithlabs/checklistd/internal/broadcast"
	"github.com/fyrsmithlabs/checklistd/internal/checklist"
	"github.com/fyrsmithlabs/checklistd/internal/config"
	"github.com/fyrsmithlabs/checklistd/internal/engine"
	httpserver "github.com/fyrsmithlabs/checklistd/internal/http"
	"github.com/fyrsmithlabs/checklistd/internal/oracle"
	"github.com/fyrsmithlabs/checklistd/internal/oracle/oracletest"
)

const structureYAML = `stages:
  - id: stage_profiling
    name: Profiling
    duration_seconds: 300
    items:
      - id: profile_age
        kind: ask
        description: ask child's age
        keywords:
          required: [umur, tahun]
      - id: profile_school
        kind: ask
        description: ask child's school
`

func startServer(t *testing.T) string {
	t.Helper()
	structure, err := checklist.Parse([]byte(structureYAML))
	require.NoError(t, err)

	static := &oracletest.Static{
		Verdict: oracle.Verdict{
			Completed:  true,
			Confidence: 0.95,
			Evidence:   "Budi sekarang umurnya berapa tahun ya?",
		},
		PerItem: map[string]oracle.Verdict{
			"profile_school": {Completed: false, Confidence: 0.9},
		},
		Validation: oracle.ValidationVerdict{Valid: true},
	}
	cfg := config.Default().Engine
	cfg.TickInterval = time.Hour
	hub := broadcast.NewHub(nil)
	manager := engine.NewManager(cfg, structure, static, zaptest.NewLogger(t), engine.WithBroadcaster(hub))
	t.Cleanup(func() { _ = manager.Close() })

	srv, err := httpserver.NewServer(manager, hub, zap.NewNop(), nil)
	require.NoError(t, err)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts.URL
}

// execute runs rootCmd with args and returns its output. Flag values
// persist between runs, so the ones tests touch are reset first.
func execute(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	jsonOutput = false
	require.NoError(t, stageCmd.Flags().Set("clear", "false"))
	require.NoError(t, transcriptCmd.Flags().Set("lines", "false"))
	require.NoError(t, cardCmd.Flags().Set("clear", "false"))

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetIn(strings.NewReader(stdin))
	rootCmd.SetArgs(args)
	err := rootCmd.Execute()
	return out.String(), err
}

func writeStructure(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "checklist.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestCommands_Registered(t *testing.T) {
	names := map[string]bool{}
	for _, cmd := range rootCmd.Commands() {
		names[cmd.Name()] = true
		assert.NotEmpty(t, cmd.Short, cmd.Name())
	}
	for _, want := range []string{"health", "start", "end", "state", "watch", "transcript", "stage", "evaluation", "toggle", "card", "cycle", "decisions", "configure", "validate"} {
		assert.True(t, names[want], "missing command %q", want)
	}
}

func TestSessionWorkflow(t *testing.T) {
	url := startServer(t)
	srv := "--server=" + url

	out, err := execute(t, "", "health", srv)
	require.NoError(t, err)
	assert.Contains(t, out, "Server Status: ok")

	out, err = execute(t, "", "start", srv)
	require.NoError(t, err)
	assert.Contains(t, out, "started (2 items, stage stage_profiling)")

	out, err = execute(t, "Budi sekarang umurnya berapa tahun ya?\n\nBudi 10 tahun.\n", "transcript", "--lines", srv, "-")
	require.NoError(t, err)
	assert.Contains(t, out, "Sent 2 lines, window: 9 words")

	out, err = execute(t, "", "cycle", srv)
	require.NoError(t, err)
	assert.Contains(t, out, "Evaluated 2 items")
	assert.Contains(t, out, "completed: profile_age")

	out, err = execute(t, "", "decisions", srv)
	require.NoError(t, err)
	assert.Contains(t, out, "profile_school")
	assert.Contains(t, out, "oracle_said_incomplete")

	out, err = execute(t, "", "state", srv)
	require.NoError(t, err)
	assert.Contains(t, out, "Profiling (1/2)")

	out, err = execute(t, "", "state", "--json", srv)
	require.NoError(t, err)
	var snap engine.Snapshot
	require.NoError(t, json.Unmarshal([]byte(out), &snap))
	assert.Equal(t, 1, snap.Completed)

	out, err = execute(t, "", "toggle", "profile_school", srv)
	require.NoError(t, err)
	assert.Contains(t, out, "profile_school: complete")

	out, err = execute(t, "", "evaluation", "off", srv)
	require.NoError(t, err)
	assert.Contains(t, out, "Evaluation enabled: false")

	out, err = execute(t, "", "cycle", srv)
	require.NoError(t, err)
	assert.Contains(t, out, "Cycle skipped")

	out, err = execute(t, "", "stage", "--clear", srv)
	require.NoError(t, err)
	assert.Contains(t, out, "Active stage cleared")

	_, err = execute(t, "", "stage", "stage_nope", srv)
	require.Error(t, err)

	out, err = execute(t, "", "end", srv)
	require.NoError(t, err)
	assert.Contains(t, out, "Session ended")

	_, err = execute(t, "", "state", srv)
	require.Error(t, err)
}

func TestCard(t *testing.T) {
	url := startServer(t)
	srv := "--server=" + url
	_, err := execute(t, "", "start", srv)
	require.NoError(t, err)

	out, err := execute(t, "", "card", srv, "child_name", "Andi")
	require.NoError(t, err)
	assert.Contains(t, out, "child_name: Andi")

	out, err = execute(t, "", "card", srv)
	require.NoError(t, err)
	assert.Contains(t, out, "Andi (manual)")
	assert.Contains(t, out, "Parent's Name")

	_, err = execute(t, "", "card", srv, "child_name")
	require.Error(t, err)

	out, err = execute(t, "", "card", "--clear", srv, "child_name")
	require.NoError(t, err)
	assert.Contains(t, out, "child_name cleared")

	_, err = execute(t, "", "card", srv, "shoe_size", "42")
	require.Error(t, err)
}

func TestTranscript_Args(t *testing.T) {
	url := startServer(t)
	_, err := execute(t, "", "start", "--server="+url)
	require.NoError(t, err)

	out, err := execute(t, "", "transcript", "--server="+url, "halo", "Bunda")
	require.NoError(t, err)
	assert.Contains(t, out, "Window: 2 words")
}

func TestEvaluation_RejectsInvalidArg(t *testing.T) {
	_, err := execute(t, "", "evaluation", "maybe")
	require.Error(t, err)
}

func TestConfigure(t *testing.T) {
	url := startServer(t)
	path := writeStructure(t, structureYAML+`  - id: stage_summary
    name: Summary
    items:
      - id: recommend_course
        kind: explain
        description: recommend a course
`)

	out, err := execute(t, "", "configure", "--server="+url, path)
	require.NoError(t, err)
	assert.Contains(t, out, "Configuration replaced: 2 stages, 3 items")
}

func TestValidate(t *testing.T) {
	out, err := execute(t, "", "validate", writeStructure(t, structureYAML))
	require.NoError(t, err)
	assert.Contains(t, out, "1 stages, 2 items")

	bad := writeStructure(t, `stages:
  - id: intro
    items:
      - id: greet
        kind: wave
        description: greet
`)
	_, err = execute(t, "", "validate", bad)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "is invalid")
	assert.Contains(t, err.Error(), "wave")
}
