package winbindex

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"

	"golang.org/x/sync/errgroup"

	"github.com/ergrelet/windiff/internal/config"
	"github.com/ergrelet/windiff/internal/log"
)

// DefaultConcurrentDownloads is the default width of the bounded PE
// download pool, matching the symbol-server's tolerance for parallel
// clients without needing a separate rate limiter.
const DefaultConcurrentDownloads = 64

// DownloadedPE is the outcome of a successful PE download.
type DownloadedPE struct {
	Path         string
	OriginalName string
	OSVersion    string
	OSUpdate     string
	Architecture config.Architecture
	BuildNumber  string
	PEVersion    string
}

// DownloadRequest identifies one (binary, OS triple) artifact to resolve
// and download.
type DownloadRequest struct {
	PEName       string
	Index        *Index
	OSVersion    string
	OSUpdate     string
	Architecture config.Architecture
}

// DownloadPE resolves req against its index and streams the matching PE
// to outputDir, never buffering the full response in memory. The output
// filename is "<os_version>_<os_update>_<arch>_<pe_name>".
func DownloadPE(ctx context.Context, client *http.Client, req DownloadRequest, outputDir string) (*DownloadedPE, error) {
	info, err := req.Index.Lookup(req.OSVersion, req.OSUpdate, req.Architecture)
	if err != nil {
		return nil, err
	}

	url := generateFileDownloadURL(req.PEName, info)
	outputPath := filepath.Join(outputDir, fmt.Sprintf("%s_%s_%s_%s",
		req.OSVersion, req.OSUpdate, req.Architecture, req.PEName))

	if err := streamDownload(ctx, client, url, outputPath); err != nil {
		return nil, fmt.Errorf("downloading %s: %w", req.PEName, err)
	}

	return &DownloadedPE{
		Path:         outputPath,
		OriginalName: req.PEName,
		OSVersion:    req.OSVersion,
		OSUpdate:     req.OSUpdate,
		Architecture: req.Architecture,
		BuildNumber:  info.BuildNumber,
		PEVersion:    info.Version,
	}, nil
}

// streamDownload copies url's response body straight to a file, in
// default-sized io.Copy chunks, without ever holding the whole payload
// in memory.
func streamDownload(ctx context.Context, client *http.Client, url, outputPath string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %s fetching %s", resp.Status, url)
	}

	out, err := os.Create(outputPath)
	if err != nil {
		return err
	}
	defer out.Close()

	if _, err := io.Copy(out, resp.Body); err != nil {
		return fmt.Errorf("writing %s: %w", outputPath, err)
	}
	return nil
}

// DownloadAll resolves and downloads every request in reqs, bounded by
// concurrency concurrent in-flight downloads. Per-item failures are
// logged and dropped; callers receive only the subset that succeeded.
func DownloadAll(ctx context.Context, client *http.Client, reqs []DownloadRequest, outputDir string, concurrency int, logger *log.Helper) []*DownloadedPE {
	if concurrency <= 0 {
		concurrency = DefaultConcurrentDownloads
	}

	results := make([]*DownloadedPE, len(reqs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(concurrency)

	for i, req := range reqs {
		i, req := i, req
		g.Go(func() error {
			pe, err := DownloadPE(gctx, client, req, outputDir)
			if err != nil {
				logger.Warnf("skipping %s (%s-%s-%s): %v", req.PEName, req.OSVersion, req.OSUpdate, req.Architecture, err)
				return nil
			}
			results[i] = pe
			return nil
		})
	}
	// Errors are swallowed per item above; g.Wait() only reports
	// context cancellation.
	_ = g.Wait()

	out := make([]*DownloadedPE, 0, len(reqs))
	for _, r := range results {
		if r != nil {
			out = append(out, r)
		}
	}
	return out
}
