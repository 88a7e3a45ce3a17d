package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRunStats_AllSections(t *testing.T) {
	client := &fakeCaller{responses: map[string]json.RawMessage{
		"daemon_stats": json.RawMessage(`{
			"tasks": {"total": 40, "processing": 1, "completed": 35, "failed": 4},
			"library": {"works": 120, "total_bytes": 1073741824},
			"pool": {"archives": 80, "total_bytes": 536870912},
			"vault": {"entries": 9},
			"conflicts": {"pending": 2},
			"scan_cache": {"folders": 118},
			"companion": {"success": true, "message": "connected (42ms)", "latency_ms": 42}
		}`),
	}}

	var buf bytes.Buffer
	err := runStats(context.Background(), client, &buf, false)

	assert.NoError(t, err)
	out := buf.String()
	assert.Contains(t, out, "Tasks: 40 total, 1 processing, 35 completed, 4 failed")
	assert.Contains(t, out, "Library: 120 works, 1.0 GiB")
	assert.Contains(t, out, "Archive pool: 80 archives, 512 MiB")
	assert.Contains(t, out, "Password vault: 9 entries")
	assert.Contains(t, out, "Conflicts pending: 2")
	assert.Contains(t, out, "Scan cache: 118 folders")
	assert.Contains(t, out, "Companion: connected (42ms)")
}

func TestRunStats_CompanionOmitted(t *testing.T) {
	// The daemon leaves the companion section out when it is disabled.
	client := &fakeCaller{responses: map[string]json.RawMessage{
		"daemon_stats": json.RawMessage(`{
			"tasks": {"total": 0, "processing": 0, "completed": 0, "failed": 0},
			"vault": {"entries": 0}
		}`),
	}}

	var buf bytes.Buffer
	err := runStats(context.Background(), client, &buf, false)

	assert.NoError(t, err)
	assert.NotContains(t, buf.String(), "Companion:")
	assert.NotContains(t, buf.String(), "Library:")
}
