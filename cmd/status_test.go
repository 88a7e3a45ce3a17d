package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRunStatus_Human(t *testing.T) {
	client := &fakeCaller{responses: map[string]json.RawMessage{
		"daemon_status": json.RawMessage(`{
			"version": "0.1.0",
			"started_at": "2026-08-25T08:00:00Z",
			"uptime_sec": 3600,
			"tasks": {"total": 12, "pending": 2, "processing": 1, "paused": 0,
				"waiting_manual": 1, "completed": 7, "failed": 1,
				"queue_depth": 2, "max_concurrent": 2},
			"conflicts_pending": 3,
			"watcher": {"enabled": true, "pending": 4},
			"sweepers": {
				"password": {"running": true, "next_run": "2026-08-30T00:00:00Z"},
				"archive": {"running": false}
			}
		}`),
	}}

	var buf bytes.Buffer
	err := runStatus(context.Background(), client, &buf, false)

	assert.NoError(t, err)
	assert.Equal(t, "daemon_status", client.lastMethod)
	out := buf.String()
	assert.Contains(t, out, "otokura 0.1.0")
	assert.Contains(t, out, "1 processing / 2 pending / 0 paused / 1 waiting manual")
	assert.Contains(t, out, "(12 total, 1 failed, slots 2)")
	assert.Contains(t, out, "Conflicts pending: 3")
	assert.Contains(t, out, "Watcher: watching (4 in flight)")
	assert.Contains(t, out, "Password sweep: next run")
	assert.Contains(t, out, "Archive sweep: not scheduled")
}

func TestRunStatus_WatcherDisabled(t *testing.T) {
	client := &fakeCaller{responses: map[string]json.RawMessage{
		"daemon_status": json.RawMessage(`{
			"version": "0.1.0",
			"started_at": "2026-08-25T08:00:00Z",
			"tasks": {},
			"watcher": {"enabled": false},
			"sweepers": {}
		}`),
	}}

	var buf bytes.Buffer
	err := runStatus(context.Background(), client, &buf, false)

	assert.NoError(t, err)
	assert.Contains(t, buf.String(), "Watcher: disabled")
}

func TestRunStatus_DaemonDown(t *testing.T) {
	client := &fakeCaller{err: errors.New("connect /var/run/otokura.sock: no such file")}

	var buf bytes.Buffer
	err := runStatus(context.Background(), client, &buf, false)

	assert.Error(t, err)
	assert.Empty(t, buf.String())
}

func TestDescribeSweeper(t *testing.T) {
	future := time.Now().Add(2 * time.Hour)

	tests := []struct {
		name  string
		state sweeperState
		want  string
	}{
		{"not running", sweeperState{Running: false}, "not scheduled"},
		{"running without next run", sweeperState{Running: true}, "scheduled"},
		{"running with next run", sweeperState{Running: true, NextRun: &future}, "next run"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Contains(t, describeSweeper(tt.state), tt.want)
		})
	}
}
