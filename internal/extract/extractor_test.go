package extract

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"hibiki.cc/otokura/internal/archive"
	"hibiki.cc/otokura/internal/config"
	"hibiki.cc/otokura/internal/vault"
)

func testEngine(t *testing.T, v *vault.Vault) *Engine {
	t.Helper()
	cfg := &config.Config{}
	cfg.Storage.TempDir = t.TempDir()
	cfg.Extract = config.ExtractConfig{
		SevenZipPath:        "7z",
		AutoRepairExtension: true,
		VerifyAfterExtract:  true,
		Passwords:           []string{"default1", "default2"},
		ExtractNested:       true,
		MaxNestedDepth:      5,
	}
	cfg.Processing = config.ProcessingConfig{
		StableChecks:   2,
		StableInterval: "10ms",
		MaxStableWait:  "500ms",
	}
	return NewEngine(cfg, archive.NewDriver("7z"), v)
}

func openVault(t *testing.T) *vault.Vault {
	t.Helper()
	v, err := vault.Open(filepath.Join(t.TempDir(), "vault.json"))
	if err != nil {
		t.Fatal(err)
	}
	return v
}

// ---

func TestOutputStem(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"RJ123456.zip", "RJ123456"},
		{"my work v2.rar", "myworkv2"},
		{`a<b>:c"d|e?f*.7z`, "abcdef"},
		{"foo.part1.rar", "foo.part1"},
		{".zip", "extracted"},
	}
	for _, tt := range tests {
		if got := outputStem(tt.in); got != tt.want {
			t.Errorf("outputStem(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestPickOutputDirAvoidsLeftovers(t *testing.T) {
	e := testEngine(t, nil)

	want := filepath.Join(e.tempDir, "RJ123456")
	if got := e.pickOutputDir("RJ123456.zip"); got != want {
		t.Fatalf("first pick = %q, want %q", got, want)
	}

	if err := os.MkdirAll(want, 0o750); err != nil {
		t.Fatal(err)
	}
	if got := e.pickOutputDir("RJ123456.zip"); got != want+"_1" {
		t.Errorf("second pick = %q, want %q", got, want+"_1")
	}
}

func TestPasswordCandidatesOrder(t *testing.T) {
	v := openVault(t)
	mustAdd := func(e vault.Entry) {
		t.Helper()
		if _, err := v.Add(e); err != nil {
			t.Fatal(err)
		}
	}
	mustAdd(vault.Entry{Password: "generic1"})
	mustAdd(vault.Entry{WorkCode: "RJ123456", Password: "bycode"})
	mustAdd(vault.Entry{Filename: "RJ123456.zip", Password: "byfile"})
	mustAdd(vault.Entry{Password: "default1"}) // also a config default

	e := testEngine(t, v)
	got := e.passwordCandidates("RJ123456.zip")

	var passwords, sources []string
	for _, c := range got {
		passwords = append(passwords, c.password)
		sources = append(sources, c.source)
	}

	want := []string{"bycode", "byfile", "", "default1", "default2", "generic1"}
	if strings.Join(passwords, ",") != strings.Join(want, ",") {
		t.Errorf("candidates = %v, want %v", passwords, want)
	}
	// default1 lives in the vault too but keeps its config slot; the
	// vault copy is deduplicated away.
	if sources[3] != sourceConfig {
		t.Errorf("default1 source = %q, want %q", sources[3], sourceConfig)
	}
	if sources[0] != sourceVaultCode || sources[1] != sourceVaultFilename {
		t.Errorf("scoped sources = %v", sources[:2])
	}
}

func TestPasswordCandidatesWithoutVault(t *testing.T) {
	e := testEngine(t, nil)
	got := e.passwordCandidates("anything.zip")
	if len(got) != 3 || got[0].password != "" || got[1].password != "default1" {
		t.Errorf("candidates = %+v", got)
	}
}

// ---

func TestWaitStable(t *testing.T) {
	e := testEngine(t, nil)
	dir := t.TempDir()

	path := filepath.Join(dir, "big.zip")
	if err := os.WriteFile(path, bytes.Repeat([]byte("x"), 2048), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := e.waitStable(context.Background(), path); err != nil {
		t.Errorf("stable file: %v", err)
	}
}

func TestWaitStableRejectsTinyFile(t *testing.T) {
	e := testEngine(t, nil)
	path := filepath.Join(t.TempDir(), "tiny.zip")
	if err := os.WriteFile(path, []byte("too small"), 0o644); err != nil {
		t.Fatal(err)
	}

	err := e.waitStable(context.Background(), path)
	if err == nil {
		t.Fatal("a sub-1KiB file must not be treated as stable")
	}
}

func TestWaitStableMissingFileTimesOut(t *testing.T) {
	e := testEngine(t, nil)
	err := e.waitStable(context.Background(), filepath.Join(t.TempDir(), "never.zip"))
	if err == nil {
		t.Fatal("expected a timeout for a missing file")
	}
}

func TestWaitStableHonorsCancel(t *testing.T) {
	e := testEngine(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := e.waitStable(ctx, filepath.Join(t.TempDir(), "never.zip"))
	if err != context.Canceled {
		t.Errorf("err = %v, want context.Canceled", err)
	}
}

// ---

func TestRepairExtensionBySniffing(t *testing.T) {
	e := testEngine(t, nil)
	dir := t.TempDir()

	// ZIP magic wearing a .rar name.
	path := filepath.Join(dir, "mislabeled.rar")
	content := append([]byte("PK\x03\x04"), bytes.Repeat([]byte("x"), 64)...)
	if err := os.WriteFile(path, content, 0o644); err != nil {
		t.Fatal(err)
	}

	fixed, err := e.repairExtension(context.Background(), path)
	if err != nil {
		t.Fatal(err)
	}
	if filepath.Base(fixed) != "mislabeled.zip" {
		t.Errorf("repaired to %q", fixed)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Error("original name still present")
	}
}

func TestRepairExtensionCollision(t *testing.T) {
	e := testEngine(t, nil)
	dir := t.TempDir()

	path := filepath.Join(dir, "work.rar")
	if err := os.WriteFile(path, append([]byte("PK\x03\x04"), 0, 0), 0o644); err != nil {
		t.Fatal(err)
	}
	// The corrected name is taken already.
	if err := os.WriteFile(filepath.Join(dir, "work.zip"), []byte("other"), 0o644); err != nil {
		t.Fatal(err)
	}

	fixed, err := e.repairExtension(context.Background(), path)
	if err != nil {
		t.Fatal(err)
	}
	if filepath.Base(fixed) != "work(1).zip" {
		t.Errorf("repaired to %q, want work(1).zip", fixed)
	}
}

func TestRepairExtensionSkipsVolumesAndExe(t *testing.T) {
	e := testEngine(t, nil)
	dir := t.TempDir()

	for _, name := range []string{"self.exe", "multi.part2.rar", "split.z01", "split.001"} {
		path := filepath.Join(dir, name)
		if err := os.WriteFile(path, []byte("PK\x03\x04xx"), 0o644); err != nil {
			t.Fatal(err)
		}
		fixed, err := e.repairExtension(context.Background(), path)
		if err != nil {
			t.Fatal(err)
		}
		if fixed != path {
			t.Errorf("%s: repaired to %q, want untouched", name, fixed)
		}
	}
}

func TestRepairExtensionMatchingIsNoop(t *testing.T) {
	e := testEngine(t, nil)
	path := filepath.Join(t.TempDir(), "fine.zip")
	if err := os.WriteFile(path, []byte("PK\x03\x04xx"), 0o644); err != nil {
		t.Fatal(err)
	}
	fixed, err := e.repairExtension(context.Background(), path)
	if err != nil || fixed != path {
		t.Errorf("fixed = %q, err = %v", fixed, err)
	}
}

// ---

func TestCleanupOutputs(t *testing.T) {
	e := testEngine(t, nil)

	stem := filepath.Join(e.tempDir, "RJ123456")
	for _, dir := range []string{stem, stem + "_1", stem + "_3", stem + "_temp"} {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			t.Fatal(err)
		}
	}
	keeper := filepath.Join(e.tempDir, "RJ999999")
	if err := os.MkdirAll(keeper, 0o750); err != nil {
		t.Fatal(err)
	}

	e.CleanupOutputs("/input/RJ123456.zip")

	for _, dir := range []string{stem, stem + "_1", stem + "_3", stem + "_temp"} {
		if _, err := os.Stat(dir); !os.IsNotExist(err) {
			t.Errorf("%s survived cleanup", dir)
		}
	}
	if _, err := os.Stat(keeper); err != nil {
		t.Error("unrelated directory was removed")
	}
}

func TestIsVolumePart(t *testing.T) {
	for name, want := range map[string]bool{
		"a.part1.rar":  true,
		"a.part12.zip": true,
		"a.z01":        true,
		"a.001":        true,
		"a.01":         true,
		"a.zip":        false,
		"RJ123456.rar": false,
	} {
		if got := isVolumePart(name); got != want {
			t.Errorf("isVolumePart(%q) = %v, want %v", name, got, want)
		}
	}
}
