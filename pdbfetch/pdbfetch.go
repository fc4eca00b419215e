// Package pdbfetch locates the PDB companion of a downloaded PE (via its
// CodeView debug directory entry) and downloads it from the Microsoft
// symbol server.
package pdbfetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	pe "github.com/ergrelet/windiff"
)

// ErrMissingDebugInfo is reported when a PE has no debug directory, or no
// CodeView PDB70 entry within it.
var ErrMissingDebugInfo = errors.New("missing debug info")

// msdlDownloadURLBase is a var (not a const) so tests can point it at a
// local httptest server instead of the real symbol server.
var msdlDownloadURLBase = "https://msdl.microsoft.com/download/symbols/"

// Reference identifies a PDB to download: its canonical symbol-server
// name, GUID string and age.
type Reference struct {
	PDBName string
	GUID    string
	Age     uint32
}

// Resolve extracts the CodeView PDB70 reference from f's debug directory.
func Resolve(f *pe.File) (*Reference, error) {
	for _, entry := range f.Debugs {
		pdb70, ok := entry.Info.(pe.CVInfoPDB70)
		if !ok {
			continue
		}
		name := pdb70.PDBFileName
		if name == "" {
			continue
		}
		return &Reference{
			PDBName: filepath.Base(name),
			GUID:    FormatGUID(pdb70.Signature),
			Age:     pdb70.Age,
		}, nil
	}
	return nil, ErrMissingDebugInfo
}

// FormatGUID formats a CodeView signature GUID the way the symbol server
// expects: Data1 (a little-endian-read u32) printed as 8 uppercase hex
// digits, Data2 and Data3 (little-endian-read u16 each) printed as 4
// uppercase hex digits each, then Data4's first two bytes read
// big-endian and printed as 4 uppercase hex digits, followed by the
// remaining 6 bytes as raw lowercase hex.
func FormatGUID(g pe.GUID) string {
	d4hi := uint16(g.Data4[0])<<8 | uint16(g.Data4[1])
	return fmt.Sprintf("%08X%04X%04X%04X%s",
		g.Data1, g.Data2, g.Data3, d4hi, strings.ToLower(fmt.Sprintf("%x", g.Data4[2:])))
}

// downloadURL builds the symbol-server PDB URL:
// "<base>/<pdbName>/<GUIDSTR><age:%x>/<pdbName>".
func downloadURL(ref *Reference) string {
	return fmt.Sprintf("%s%s/%s%x/%s", msdlDownloadURLBase, ref.PDBName, ref.GUID, ref.Age, ref.PDBName)
}

// OutputPath returns the local filename a downloaded PDB is saved under:
// the PE's filename stem with ".pdb" appended.
func OutputPath(outputDir, peFileName string) string {
	stem := strings.TrimSuffix(peFileName, filepath.Ext(peFileName))
	return filepath.Join(outputDir, stem+".pdb")
}

// Download resolves f's PDB reference and streams it to
// OutputPath(outputDir, peFileName), without buffering the full response
// in memory.
func Download(ctx context.Context, client *http.Client, f *pe.File, peFileName, outputDir string) (string, error) {
	ref, err := Resolve(f)
	if err != nil {
		return "", err
	}

	url := downloadURL(ref)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", err
	}
	resp, err := client.Do(req)
	if err != nil {
		return "", fmt.Errorf("downloading %s: %w", ref.PDBName, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("downloading %s: unexpected status %s", ref.PDBName, resp.Status)
	}

	outputPath := OutputPath(outputDir, peFileName)
	out, err := os.Create(outputPath)
	if err != nil {
		return "", err
	}
	defer out.Close()

	if _, err := io.Copy(out, resp.Body); err != nil {
		return "", fmt.Errorf("writing %s: %w", outputPath, err)
	}
	return outputPath, nil
}
