package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hibiki.cc/otokura/internal/command"
)

func TestRunConflictList(t *testing.T) {
	client := &fakeCaller{responses: map[string]json.RawMessage{
		"conflict_list": json.RawMessage(`{
			"conflicts": [
				{"id": "c-001", "work_code": "RJ123456", "kind": "duplicate",
					"status": "pending", "new_path": "/srv/temp/RJ123456",
					"created_at": "2026-08-24T12:00:00Z"},
				{"id": "c-002", "work_code": "RJ222222", "kind": "language_variant",
					"status": "resolved", "new_path": "/srv/temp/RJ222222",
					"created_at": "2026-08-20T09:00:00Z"}
			],
			"count": 2
		}`),
	}}

	var buf bytes.Buffer
	err := runConflictList(context.Background(), client, &buf, "")

	require.NoError(t, err)
	out := buf.String()
	assert.Contains(t, out, "c-001")
	assert.Contains(t, out, "RJ123456")
	assert.Contains(t, out, "duplicate")
	assert.Contains(t, out, "language_variant")
}

func TestRunConflictList_StatusForwarded(t *testing.T) {
	client := &fakeCaller{responses: map[string]json.RawMessage{
		"conflict_list": json.RawMessage(`{"conflicts": [], "count": 0}`),
	}}

	var buf bytes.Buffer
	err := runConflictList(context.Background(), client, &buf, "pending")

	require.NoError(t, err)
	params, ok := client.lastParams.(command.ConflictListParams)
	require.True(t, ok)
	assert.Equal(t, "pending", params.Status)
	assert.Equal(t, "No conflicts.\n", buf.String())
}
