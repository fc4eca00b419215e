package pipeline

import (
	"reflect"
	"testing"

	"github.com/ergrelet/windiff/internal/config"
	"github.com/ergrelet/windiff/winbindex"
)

func TestBinaryNamesSortsKeys(t *testing.T) {
	cfg := &config.Configuration{Binaries: map[string]config.BinaryDescription{
		"ntoskrnl.exe": {},
		"ntdll.dll":    {},
		"win32k.sys":   {},
	}}
	got := binaryNames(cfg)
	want := []string{"ntdll.dll", "ntoskrnl.exe", "win32k.sys"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("binaryNames() = %v, want %v", got, want)
	}
}

func TestBuildDownloadRequestsCrossProductSkipsMissingIndex(t *testing.T) {
	cfg := &config.Configuration{
		Binaries: map[string]config.BinaryDescription{
			"ntdll.dll":    {},
			"ntoskrnl.exe": {},
		},
	}
	oses := []config.OSDescriptor{
		{Version: "11-22H2", Update: "22621.1", Architecture: config.ArchAMD64},
		{Version: "10-21H2", Update: "19044.1", Architecture: config.ArchI386},
	}
	// Only ntdll.dll has a resolved index; ntoskrnl.exe's index couldn't
	// be resolved and must not appear in the requests.
	ntdllIndex := &winbindex.Index{}
	indices := map[string]*winbindex.Index{"ntdll.dll": ntdllIndex}

	reqs := buildDownloadRequests(cfg, oses, indices)
	if len(reqs) != 2 {
		t.Fatalf("expected 2 requests (1 binary x 2 OSes), got %d: %+v", len(reqs), reqs)
	}
	for _, r := range reqs {
		if r.PEName != "ntdll.dll" {
			t.Fatalf("unexpected request for %s, want only ntdll.dll", r.PEName)
		}
		if r.Index != ntdllIndex {
			t.Fatalf("request doesn't carry the resolved index")
		}
	}
}

func TestOptionsSetDefaults(t *testing.T) {
	var opts Options
	opts.setDefaults()
	if opts.HTTPClient == nil {
		t.Fatal("expected a default HTTPClient")
	}
	if opts.ConcurrentDownloads != winbindex.DefaultConcurrentDownloads {
		t.Fatalf("ConcurrentDownloads = %d, want %d", opts.ConcurrentDownloads, winbindex.DefaultConcurrentDownloads)
	}
	if opts.Logger == nil {
		t.Fatal("expected a default Logger")
	}
}

func TestOptionsSetDefaultsPreservesExplicitValues(t *testing.T) {
	opts := Options{ConcurrentDownloads: 4}
	opts.setDefaults()
	if opts.ConcurrentDownloads != 4 {
		t.Fatalf("ConcurrentDownloads = %d, want 4 (explicit value preserved)", opts.ConcurrentDownloads)
	}
}
