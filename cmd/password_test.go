package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hibiki.cc/otokura/internal/command"
)

func TestRunPasswordList_MasksPasswords(t *testing.T) {
	client := &fakeCaller{responses: map[string]json.RawMessage{
		"password_list": json.RawMessage(`{
			"entries": [
				{"id": "p-001", "password": "supersecret", "work_code": "RJ123456",
					"source": "manual", "use_count": 3,
					"created_at": "2026-08-01T00:00:00Z", "updated_at": "2026-08-01T00:00:00Z"}
			],
			"count": 1
		}`),
	}}

	var buf bytes.Buffer
	err := runPasswordList(context.Background(), client, &buf)

	require.NoError(t, err)
	out := buf.String()
	assert.Contains(t, out, "sup***")
	assert.NotContains(t, out, "supersecret")
	assert.Contains(t, out, "RJ123456")
	assert.Contains(t, out, "manual")
}

func TestRunPasswordList_Empty(t *testing.T) {
	client := &fakeCaller{responses: map[string]json.RawMessage{
		"password_list": json.RawMessage(`{"entries": [], "count": 0}`),
	}}

	var buf bytes.Buffer
	err := runPasswordList(context.Background(), client, &buf)

	require.NoError(t, err)
	assert.Equal(t, "Vault is empty.\n", buf.String())
}

func TestRunPasswordImport(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "passwords.json")
	body := `[
		{"password": "alpha", "work_code": "RJ111111"},
		{"password": "beta"},
		{"password": "alpha", "work_code": "RJ111111"}
	]`
	require.NoError(t, os.WriteFile(file, []byte(body), 0o644))

	client := &fakeCaller{responses: map[string]json.RawMessage{
		"password_import": json.RawMessage(`{"imported": 2, "skipped": 1}`),
	}}

	var buf bytes.Buffer
	err := runPasswordImport(context.Background(), client, &buf, file)

	require.NoError(t, err)
	params, ok := client.lastParams.(command.PasswordImportParams)
	require.True(t, ok)
	assert.Len(t, params.Entries, 3)
	assert.Equal(t, "alpha", params.Entries[0].Password)
	assert.Contains(t, buf.String(), "Imported 2 entries, skipped 1 duplicates.")
}

func TestRunPasswordImport_BadFile(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "broken.json")
	require.NoError(t, os.WriteFile(file, []byte(`{"not": "an array"`), 0o644))

	client := &fakeCaller{}

	var buf bytes.Buffer
	err := runPasswordImport(context.Background(), client, &buf, file)

	assert.Error(t, err)
	assert.Empty(t, client.lastMethod, "daemon should not be called for an unparseable file")
}

func TestRunPasswordImport_MissingFile(t *testing.T) {
	client := &fakeCaller{}

	var buf bytes.Buffer
	err := runPasswordImport(context.Background(), client, &buf, "/does/not/exist.json")

	assert.Error(t, err)
}
