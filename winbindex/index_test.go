package winbindex

import (
	"encoding/json"
	"testing"

	"github.com/ergrelet/windiff/internal/config"
)

func TestGenerateFileDownloadURL(t *testing.T) {
	info := &FileInfo{Timestamp: 0x5f3a2b10, VirtualSize: 0xabc}
	got := generateFileDownloadURL("ntoskrnl.exe", info)
	want := "https://msdl.microsoft.com/download/symbols/ntoskrnl.exe/5F3A2B10abc/ntoskrnl.exe"
	if got != want {
		t.Fatalf("generateFileDownloadURL() = %q, want %q", got, want)
	}
}

func TestDeepMergeIntoRecursesObjectsAndReplacesLeaves(t *testing.T) {
	dst := jsonTree{
		"file1": json.RawMessage(`{"fileInfo":{"machineType":34404},"windowsVersions":{"10-21H2":{"19044.1":{}}}}`),
	}
	src := jsonTree{
		"file1": json.RawMessage(`{"fileInfo":{"machineType":34404},"windowsVersions":{"10-21H2":{"19044.2":{}}}}`),
		"file2": json.RawMessage(`{"fileInfo":{"machineType":332}}`),
	}

	deepMergeInto(dst, src)

	if _, ok := dst["file2"]; !ok {
		t.Fatalf("expected file2 to be added by merge")
	}

	var merged fileObject
	if err := json.Unmarshal(dst["file1"], &merged); err != nil {
		t.Fatalf("unmarshal merged file1: %v", err)
	}
	_, ok19044v1 := matchWindowsVersion(merged.WindowsVersions, "10-21H2", "19044.1")
	_, ok19044v2 := matchWindowsVersion(merged.WindowsVersions, "10-21H2", "19044.2")
	if !ok19044v1 {
		t.Error("expected merge to keep 19044.1 from dst")
	}
	if !ok19044v2 {
		t.Error("expected merge to add 19044.2 from src")
	}
}

func TestMatchWindowsVersionInsiderSpecialCase(t *testing.T) {
	raw := json.RawMessage(`{"builds":{"25905.1000":{"updateInfo":{"build":"25905"}}}}`)
	build, ok := matchWindowsVersion(raw, "11-Insider", "25905.1000")
	if !ok || build != "25905" {
		t.Fatalf("matchWindowsVersion(insider) = (%q, %v), want (\"25905\", true)", build, ok)
	}

	if _, ok := matchWindowsVersion(raw, "11-Insider", "missing"); ok {
		t.Fatal("expected no match for unknown insider build")
	}
}

func TestMatchWindowsVersionRegular(t *testing.T) {
	raw := json.RawMessage(`{"10-21H2":{"19044.1":{"updateInfo":{"releaseVersion":"21H2"}}}}`)
	build, ok := matchWindowsVersion(raw, "10-21H2", "19044.1")
	if !ok || build != "21H2" {
		t.Fatalf("matchWindowsVersion() = (%q, %v), want (\"21H2\", true)", build, ok)
	}

	if _, ok := matchWindowsVersion(raw, "10-21H2", "19044.999"); ok {
		t.Fatal("expected no match for unknown update")
	}
}

func TestIndexLookupSelectsMatchingArchitectureAndVersion(t *testing.T) {
	tree := jsonTree{
		"abc123": json.RawMessage(`{
			"fileInfo": {"machineType": 332, "virtualSize": 100, "timestamp": 1},
			"windowsVersions": {"10-21H2": {"19044.1": {}}}
		}`),
		"def456": json.RawMessage(`{
			"fileInfo": {"machineType": 34404, "virtualSize": 200, "timestamp": 2, "version": "10.0.22621.1"},
			"windowsVersions": {"10-21H2": {"19044.1": {"updateInfo": {"releaseVersion": "21H2"}}}}
		}`),
	}
	idx := &Index{tree: tree}

	info, err := idx.Lookup("10-21H2", "19044.1", config.ArchAMD64)
	if err != nil {
		t.Fatalf("Lookup failed: %v", err)
	}
	if info.Timestamp != 2 || info.VirtualSize != 200 || info.Version != "10.0.22621.1" || info.BuildNumber != "21H2" {
		t.Fatalf("unexpected FileInfo: %+v", info)
	}

	if _, err := idx.Lookup("10-21H2", "nonexistent", config.ArchAMD64); err == nil {
		t.Fatal("expected ErrNotFoundInIndex")
	}
}
