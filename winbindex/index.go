// Package winbindex resolves binary names to downloadable PE artifacts
// through the public winbindex index, and streams the matching files to
// disk. It fetches the amd64, arm64 and insider index bases concurrently,
// deep-merges them into one lookup tree, and constructs Microsoft
// symbol-server URLs bit-exactly.
package winbindex

import (
	"compress/gzip"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"golang.org/x/sync/errgroup"

	"github.com/ergrelet/windiff/internal/config"
)

// Index bases the index resolver merges, in the order they're merged.
// Any individual base's fetch failure is non-fatal: it simply
// contributes nothing to the merge.
const (
	baseURLAMD64   = "https://winbindex.m417z.com/data/by_filename_compressed/"
	baseURLARM64   = "https://winbindex.m417z.com/data/by_filename_compressed_arm64/"
	baseURLInsider = "https://winbindex.m417z.com/data/by_filename_compressed_insider/"
)

// msdlDownloadURL is a var (not a const) so tests can point it at a local
// httptest server instead of the real symbol server.
var msdlDownloadURL = "https://msdl.microsoft.com/download/symbols/"

// ErrNotFoundInIndex is reported by Lookup when no record in the merged
// index matches the requested (version, update, architecture) triple.
var ErrNotFoundInIndex = errors.New("binary not found in index")

// jsonTree is a free-form parsed index document.
type jsonTree = map[string]json.RawMessage

// Index is the deep-merged index document for one binary name.
type Index struct {
	tree jsonTree
}

// httpDoer is the subset of *http.Client that ResolveIndex needs; tests
// substitute a fake to avoid real network access.
type httpDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// ResolveIndex fetches and deep-merges the three upstream index bases for
// peName. A per-base failure (request, status, gunzip or JSON parse) is
// not logged; that base is treated as an empty contribution. The call
// only fails if all three bases fail.
func ResolveIndex(ctx context.Context, client httpDoer, peName string) (*Index, error) {
	bases := []string{baseURLAMD64, baseURLARM64, baseURLInsider}
	trees := make([]jsonTree, len(bases))

	g, gctx := errgroup.WithContext(ctx)
	for i, base := range bases {
		i, base := i, base
		g.Go(func() error {
			tree, err := fetchIndexBase(gctx, client, base, peName)
			if err != nil {
				// Non-fatal: this base simply contributes nothing.
				return nil
			}
			trees[i] = tree
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	merged := jsonTree{}
	anyPresent := false
	for _, tree := range trees {
		if tree == nil {
			continue
		}
		anyPresent = true
		deepMergeInto(merged, tree)
	}
	if !anyPresent {
		return nil, fmt.Errorf("resolving index for %q: all index bases failed", peName)
	}

	return &Index{tree: merged}, nil
}

func fetchIndexBase(ctx context.Context, client httpDoer, base, peName string) (jsonTree, error) {
	url := base + peName + ".json.gz"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetching %s: unexpected status %s", url, resp.Status)
	}

	gz, err := gzip.NewReader(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("gunzipping %s: %w", url, err)
	}
	defer gz.Close()

	var tree jsonTree
	if err := json.NewDecoder(gz).Decode(&tree); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", url, err)
	}
	return tree, nil
}

// deepMergeInto merges src into dst in place: object-typed keys recurse,
// leaves and arrays/scalars are replaced wholesale, last writer wins.
func deepMergeInto(dst, src jsonTree) {
	for key, srcVal := range src {
		dstVal, ok := dst[key]
		if !ok {
			dst[key] = srcVal
			continue
		}

		dstObj, dstIsObj := asObject(dstVal)
		srcObj, srcIsObj := asObject(srcVal)
		if dstIsObj && srcIsObj {
			deepMergeInto(dstObj, srcObj)
			if merged, err := json.Marshal(dstObj); err == nil {
				dst[key] = merged
			}
			continue
		}

		// Arrays and scalars (or a type mismatch): wholesale replace.
		dst[key] = srcVal
	}
}

func asObject(raw json.RawMessage) (jsonTree, bool) {
	var obj jsonTree
	if err := json.Unmarshal(raw, &obj); err != nil {
		return nil, false
	}
	// A JSON "null" or array also unmarshals into a nil map without
	// error in some edge cases; guard against that here.
	trimmed := bytesTrimSpace(raw)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return nil, false
	}
	return obj, true
}

func bytesTrimSpace(b []byte) []byte {
	start, end := 0, len(b)
	for start < end && isJSONSpace(b[start]) {
		start++
	}
	for end > start && isJSONSpace(b[end-1]) {
		end--
	}
	return b[start:end]
}

func isJSONSpace(b byte) bool {
	return b == ' ' || b == '\t' || b == '\n' || b == '\r'
}

// FileInfo is the information Lookup extracts for a matched artifact.
type FileInfo struct {
	MachineType uint16
	VirtualSize uint64
	Timestamp   uint32
	Version     string
	BuildNumber string
}

type fileObject struct {
	FileInfo        fileInformation `json:"fileInfo"`
	WindowsVersions json.RawMessage `json:"windowsVersions"`
}

type fileInformation struct {
	MachineType json.Number `json:"machineType"`
	VirtualSize json.Number `json:"virtualSize"`
	Timestamp   json.Number `json:"timestamp"`
	Version     *string     `json:"version"`
}

// Lookup walks the merged index for a record matching the given OS
// version/update/architecture. Returns ErrNotFoundInIndex if none match.
func (idx *Index) Lookup(osVersion, osUpdate string, arch config.Architecture) (*FileInfo, error) {
	machineType, err := arch.MachineType()
	if err != nil {
		return nil, err
	}

	for _, raw := range idx.tree {
		var fo fileObject
		if err := json.Unmarshal(raw, &fo); err != nil {
			continue
		}

		mt, err := fo.FileInfo.MachineType.Int64()
		if err != nil || uint16(mt) != machineType {
			continue
		}

		build, ok := matchWindowsVersion(fo.WindowsVersions, osVersion, osUpdate)
		if !ok {
			continue
		}

		info := &FileInfo{
			MachineType: machineType,
			Timestamp:   parseUint32(fo.FileInfo.Timestamp),
			VirtualSize: parseUint64(fo.FileInfo.VirtualSize),
			BuildNumber: build,
		}
		if fo.FileInfo.Version != nil {
			info.Version = *fo.FileInfo.Version
		}
		return info, nil
	}

	return nil, fmt.Errorf("%w: %s-%s (%s)", ErrNotFoundInIndex, osVersion, osUpdate, arch)
}

// matchWindowsVersion reports whether the windowsVersions tree contains
// the (osVersion, osUpdate) pair, honoring the "11-Insider" special case
// where the pair is looked up under builds.<osUpdate> instead of
// <osVersion>.<osUpdate>. It also returns the release/build number when
// available.
func matchWindowsVersion(raw json.RawMessage, osVersion, osUpdate string) (build string, ok bool) {
	var versions jsonTree
	if err := json.Unmarshal(raw, &versions); err != nil {
		return "", false
	}

	if osVersion == "11-Insider" {
		buildsRaw, present := versions["builds"]
		if !present {
			return "", false
		}
		var builds jsonTree
		if err := json.Unmarshal(buildsRaw, &builds); err != nil {
			return "", false
		}
		updateRaw, present := builds[osUpdate]
		if !present {
			return "", false
		}
		return extractNestedField(updateRaw, "updateInfo", "build"), true
	}

	versionRaw, present := versions[osVersion]
	if !present {
		return "", false
	}
	var versionTree jsonTree
	if err := json.Unmarshal(versionRaw, &versionTree); err != nil {
		return "", false
	}
	updateRaw, present := versionTree[osUpdate]
	if !present {
		return "", false
	}

	build = extractNestedField(updateRaw, "updateInfo", "releaseVersion")
	return build, true
}

func extractField(raw json.RawMessage, field string) string {
	var obj jsonTree
	if err := json.Unmarshal(raw, &obj); err != nil {
		return ""
	}
	fieldRaw, ok := obj[field]
	if !ok {
		return ""
	}
	var s string
	_ = json.Unmarshal(fieldRaw, &s)
	return s
}

func extractNestedField(raw json.RawMessage, outer, inner string) string {
	var obj jsonTree
	if err := json.Unmarshal(raw, &obj); err != nil {
		return ""
	}
	outerRaw, ok := obj[outer]
	if !ok {
		return ""
	}
	return extractField(outerRaw, inner)
}

func parseUint32(n json.Number) uint32 {
	v, _ := n.Int64()
	return uint32(v)
}

func parseUint64(n json.Number) uint64 {
	v, _ := n.Int64()
	return uint64(v)
}

// generateFileDownloadURL builds the symbol-server PE download URL,
// bit-exact: "<base>/<peName>/<TIMESTAMP:%08X><VIRTUALSIZE:%x>/<peName>".
func generateFileDownloadURL(peName string, info *FileInfo) string {
	return fmt.Sprintf("%s%s/%08X%x/%s", msdlDownloadURL, peName, info.Timestamp, info.VirtualSize, peName)
}
