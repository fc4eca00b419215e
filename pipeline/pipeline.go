// Package pipeline orchestrates the full collection run: resolving and
// downloading PE artifacts, fetching their matching PDBs, assembling
// per-binary databases, and writing the global index, in either of the
// two run modes the collector supports.
package pipeline

import (
	"context"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"

	pe "github.com/ergrelet/windiff"
	"github.com/ergrelet/windiff/database"
	"github.com/ergrelet/windiff/internal/config"
	"github.com/ergrelet/windiff/internal/log"
	"github.com/ergrelet/windiff/pdbfetch"
	"github.com/ergrelet/windiff/typeextract"
	"github.com/ergrelet/windiff/winbindex"
)

// Fixed pool widths for the phases that don't expose a CLI flag.
const (
	pdbDownloadConcurrency = 16
	assembleConcurrency    = 16
)

// Options configures a single collection run.
type Options struct {
	// OutputDir is where per-binary records and the index are written.
	// Must already exist.
	OutputDir string

	// LowStorageMode processes one binary name at a time, each under
	// its own scoped temp directory, destroyed before moving to the
	// next, instead of holding every artifact on disk at once.
	LowStorageMode bool

	// ConcurrentDownloads bounds the PE download pool width. Defaults
	// to winbindex.DefaultConcurrentDownloads.
	ConcurrentDownloads int

	HTTPClient *http.Client
	Extractor  *typeextract.Extractor
	Logger     *log.Helper
}

func (o *Options) setDefaults() {
	if o.HTTPClient == nil {
		o.HTTPClient = &http.Client{}
	}
	if o.ConcurrentDownloads <= 0 {
		o.ConcurrentDownloads = winbindex.DefaultConcurrentDownloads
	}
	if o.Logger == nil {
		o.Logger = log.Default()
	}
}

// Run executes the collection pipeline for every binary/OS combination
// named by cfg, in the mode opts selects.
func Run(ctx context.Context, cfg *config.Configuration, opts Options) error {
	opts.setDefaults()

	if opts.LowStorageMode {
		return runLowStorage(ctx, cfg, opts)
	}
	return runNormal(ctx, cfg, opts)
}

// assembledRecord is what a successfully written per-binary record
// contributes to the global index.
type assembledRecord struct {
	PEName       string
	OSVersion    string
	OSUpdate     string
	Architecture config.Architecture
}

func runNormal(ctx context.Context, cfg *config.Configuration, opts Options) error {
	tempDir, err := os.MkdirTemp("", "windiff-collector-*")
	if err != nil {
		return err
	}
	defer os.RemoveAll(tempDir)

	records := collect(ctx, cfg, opts, tempDir)

	builder := database.NewIndexBuilder()
	for _, r := range records {
		builder.Add(r.PEName, r.OSVersion, r.OSUpdate, r.Architecture)
	}
	_, err = database.WriteIndex(builder.Build(), opts.OutputDir)
	return err
}

func runLowStorage(ctx context.Context, cfg *config.Configuration, opts Options) error {
	builder := database.NewIndexBuilder()

	for _, name := range binaryNames(cfg) {
		scopedCfg := &config.Configuration{
			OSes:     cfg.OSes,
			Binaries: map[string]config.BinaryDescription{name: cfg.Binaries[name]},
		}

		tempDir, err := os.MkdirTemp("", "windiff-collector-*")
		if err != nil {
			return err
		}

		records := collect(ctx, scopedCfg, opts, tempDir)
		for _, r := range records {
			builder.Add(r.PEName, r.OSVersion, r.OSUpdate, r.Architecture)
		}

		os.RemoveAll(tempDir)
	}

	_, err := database.WriteIndex(builder.Build(), opts.OutputDir)
	return err
}

// collect runs phases 1-3 (resolve+download PEs, fetch PDBs, assemble
// databases) for every binary named in cfg across cfg.OSes, staging
// downloaded artifacts under tempDir and writing finished records
// directly to opts.OutputDir. It never writes the index.
func collect(ctx context.Context, cfg *config.Configuration, opts Options, tempDir string) []assembledRecord {
	indices := resolveIndices(ctx, opts, binaryNames(cfg))
	requests := buildDownloadRequests(cfg, cfg.OSes, indices)

	downloaded := winbindex.DownloadAll(ctx, opts.HTTPClient, requests, tempDir, opts.ConcurrentDownloads, opts.Logger)
	pairs := downloadPDBs(ctx, opts, downloaded, tempDir)
	return assembleAll(ctx, opts, cfg, pairs)
}

func binaryNames(cfg *config.Configuration) []string {
	names := make([]string, 0, len(cfg.Binaries))
	for name := range cfg.Binaries {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// resolveIndices fetches the merged remote index for every binary name,
// bounded by the same pool width as PE downloads. A name whose index
// can't be resolved is dropped (logged) rather than failing the run.
func resolveIndices(ctx context.Context, opts Options, names []string) map[string]*winbindex.Index {
	indices := make(map[string]*winbindex.Index, len(names))
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(opts.ConcurrentDownloads)

	for _, name := range names {
		name := name
		g.Go(func() error {
			idx, err := winbindex.ResolveIndex(gctx, opts.HTTPClient, name)
			if err != nil {
				opts.Logger.Warnf("skipping %s: resolving index: %v", name, err)
				return nil
			}
			mu.Lock()
			indices[name] = idx
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return indices
}

func buildDownloadRequests(cfg *config.Configuration, oses []config.OSDescriptor, indices map[string]*winbindex.Index) []winbindex.DownloadRequest {
	var reqs []winbindex.DownloadRequest
	for _, name := range binaryNames(cfg) {
		idx, ok := indices[name]
		if !ok {
			continue
		}
		for _, desc := range oses {
			reqs = append(reqs, winbindex.DownloadRequest{
				PEName:       name,
				Index:        idx,
				OSVersion:    desc.Version,
				OSUpdate:     desc.Update,
				Architecture: desc.Architecture,
			})
		}
	}
	return reqs
}

// pdbPair is a downloaded PE together with its matching PDB's local
// path, empty when no debug info was found or the PDB couldn't be
// fetched.
type pdbPair struct {
	pe      *winbindex.DownloadedPE
	pdbPath string
}

func downloadPDBs(ctx context.Context, opts Options, downloaded []*winbindex.DownloadedPE, tempDir string) []pdbPair {
	pairs := make([]pdbPair, len(downloaded))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(pdbDownloadConcurrency)

	for i, d := range downloaded {
		i, d := i, d
		g.Go(func() error {
			pairs[i] = pdbPair{pe: d}

			f, err := pe.New(d.Path, nil)
			if err != nil {
				opts.Logger.Warnf("skipping PDB fetch for %s: %v", d.OriginalName, err)
				return nil
			}
			defer f.Close()
			if err := f.Parse(); err != nil {
				opts.Logger.Warnf("skipping PDB fetch for %s: %v", d.OriginalName, err)
				return nil
			}

			path, err := pdbfetch.Download(gctx, opts.HTTPClient, f, filepath.Base(d.Path), tempDir)
			if err != nil {
				opts.Logger.Warnf("no PDB for %s: %v", d.OriginalName, err)
				return nil
			}
			pairs[i].pdbPath = path
			return nil
		})
	}
	_ = g.Wait()
	return pairs
}

func assembleAll(ctx context.Context, opts Options, cfg *config.Configuration, pairs []pdbPair) []assembledRecord {
	results := make([]*assembledRecord, len(pairs))
	g, _ := errgroup.WithContext(ctx)
	g.SetLimit(assembleConcurrency)

	for i, pair := range pairs {
		i, pair := i, pair
		g.Go(func() error {
			data, err := os.ReadFile(pair.pe.Path)
			if err != nil {
				opts.Logger.Warnf("skipping %s: reading downloaded file: %v", pair.pe.OriginalName, err)
				return nil
			}

			features := cfg.Binaries[pair.pe.OriginalName].Features()
			record, err := database.AssembleBinary(database.Inputs{
				PEName:       pair.pe.OriginalName,
				PEData:       data,
				OSVersion:    pair.pe.OSVersion,
				OSUpdate:     pair.pe.OSUpdate,
				Architecture: pair.pe.Architecture,
				PEVersion:    pair.pe.PEVersion,
				PDBPath:      pair.pdbPath,
				Extractor:    opts.Extractor,
			}, features)
			if err != nil {
				opts.Logger.Warnf("skipping %s: %v", pair.pe.OriginalName, err)
				return nil
			}

			if _, err := database.WriteBinaryRecord(record, pair.pe.OSVersion, pair.pe.OSUpdate, opts.OutputDir); err != nil {
				opts.Logger.Warnf("skipping %s: writing record: %v", pair.pe.OriginalName, err)
				return nil
			}

			results[i] = &assembledRecord{
				PEName:       pair.pe.OriginalName,
				OSVersion:    pair.pe.OSVersion,
				OSUpdate:     pair.pe.OSUpdate,
				Architecture: pair.pe.Architecture,
			}
			return nil
		})
	}
	_ = g.Wait()

	out := make([]assembledRecord, 0, len(results))
	for _, r := range results {
		if r != nil {
			out = append(out, *r)
		}
	}
	return out
}
