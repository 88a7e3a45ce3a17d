package archive

import (
	"os"
	"path/filepath"
	"testing"
)

func touchAll(t *testing.T, dir string, names ...string) {
	t.Helper()
	for _, name := range names {
		if err := os.WriteFile(filepath.Join(dir, name), []byte("x"), 0644); err != nil {
			t.Fatalf("touch %s: %v", name, err)
		}
	}
}

func TestDetectVolumeSetPart(t *testing.T) {
	dir := t.TempDir()
	touchAll(t, dir, "RJ123456.part1.rar", "RJ123456.part2.rar", "RJ123456.part3.rar", "unrelated.zip")

	vs, err := DetectVolumeSet(filepath.Join(dir, "RJ123456.part1.rar"))
	if err != nil {
		t.Fatalf("DetectVolumeSet: %v", err)
	}
	if vs == nil {
		t.Fatal("expected a volume set")
	}
	if vs.Kind != "part" {
		t.Errorf("kind: got %q, want part", vs.Kind)
	}
	if len(vs.Volumes) != 3 {
		t.Fatalf("volumes: got %d, want 3", len(vs.Volumes))
	}
	if filepath.Base(vs.First()) != "RJ123456.part1.rar" {
		t.Errorf("first volume: got %s", vs.First())
	}
}

func TestDetectVolumeSetZipVolumes(t *testing.T) {
	dir := t.TempDir()
	touchAll(t, dir, "album.z01", "album.z02")

	vs, err := DetectVolumeSet(filepath.Join(dir, "album.z01"))
	if err != nil {
		t.Fatalf("DetectVolumeSet: %v", err)
	}
	if vs == nil {
		t.Fatal("expected a volume set")
	}
	if vs.Kind != "zip_volume" {
		t.Errorf("kind: got %q, want zip_volume", vs.Kind)
	}
}

func TestDetectVolumeSetNumbered(t *testing.T) {
	dir := t.TempDir()
	touchAll(t, dir, "work.7z.001", "work.7z.002", "work.7z.003")

	vs, err := DetectVolumeSet(filepath.Join(dir, "work.7z.001"))
	if err != nil {
		t.Fatalf("DetectVolumeSet: %v", err)
	}
	if vs == nil {
		t.Fatal("expected a volume set")
	}
	if vs.Kind != "7z_volume" {
		t.Errorf("kind: got %q, want 7z_volume", vs.Kind)
	}
	if len(vs.Volumes) != 3 {
		t.Errorf("volumes: got %d, want 3", len(vs.Volumes))
	}
}

func TestDetectVolumeSetSingleton(t *testing.T) {
	dir := t.TempDir()
	touchAll(t, dir, "lonely.part1.rar")

	vs, err := DetectVolumeSet(filepath.Join(dir, "lonely.part1.rar"))
	if err != nil {
		t.Fatalf("DetectVolumeSet: %v", err)
	}
	if vs != nil {
		t.Error("a lone .part1 file is not a volume set")
	}
}

func TestDetectVolumeSetPlainArchive(t *testing.T) {
	dir := t.TempDir()
	touchAll(t, dir, "RJ123456.zip")

	vs, err := DetectVolumeSet(filepath.Join(dir, "RJ123456.zip"))
	if err != nil {
		t.Fatalf("DetectVolumeSet: %v", err)
	}
	if vs != nil {
		t.Error("plain archive should not form a volume set")
	}
}

func TestIsNonFirstVolume(t *testing.T) {
	reject := []string{"a.part2.rar", "a.part10.zip", "b.z01", "b.z05"}
	for _, name := range reject {
		if !IsNonFirstVolume(name) {
			t.Errorf("IsNonFirstVolume(%q) = false, want true", name)
		}
	}
	accept := []string{"a.part1.rar", "a.part1.zip", "a.zip", "a.7z", "a.rar"}
	for _, name := range accept {
		if IsNonFirstVolume(name) {
			t.Errorf("IsNonFirstVolume(%q) = true, want false", name)
		}
	}
}

func TestSplitFirstPart(t *testing.T) {
	base, ok := SplitFirstPart("RJ123456.part1.rar")
	if !ok || base != "RJ123456" {
		t.Errorf("SplitFirstPart: got %q, %v", base, ok)
	}
	base, ok = SplitFirstPart("setup.part3.exe")
	if !ok || base != "setup" {
		t.Errorf("SplitFirstPart exe: got %q, %v", base, ok)
	}
	if _, ok := SplitFirstPart("RJ123456.zip"); ok {
		t.Error("plain zip should not split")
	}
}
