// Package typeextract drives an external type-reconstruction backend
// through a request/response command channel, exposing the reconstructed
// type definitions of a loaded PDB. The backend's internal IR and
// formatting are opaque; this package only knows its command protocol.
package typeextract

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// Slot identifies one of the backend's PDB-loading slots. At most one
// PDB may be loaded in a given slot at a time.
type Slot int

// ReconstructFlavor selects the output dialect a reconstructed type is
// rendered in.
type ReconstructFlavor int

// Supported flavors.
const (
	FlavorMicrosoft ReconstructFlavor = iota
)

// CommandKind tags the variant of a Command/Response sum type.
type CommandKind int

// Supported command/response kinds.
const (
	CommandLoadPDB CommandKind = iota
	CommandListTypes
	CommandReconstructTypeByIndex
	CommandUnloadPDB
)

func (k CommandKind) String() string {
	switch k {
	case CommandLoadPDB:
		return "LoadPDB"
	case CommandListTypes:
		return "ListTypes"
	case CommandReconstructTypeByIndex:
		return "ReconstructTypeByIndex"
	case CommandUnloadPDB:
		return "UnloadPDB"
	default:
		return "Unknown"
	}
}

// Command is a request sent to the type-reconstruction backend. Exactly
// one of the per-kind fields is meaningful, selected by Kind.
type Command struct {
	Kind CommandKind

	// LoadPDB / UnloadPDB / ListTypes / ReconstructTypeByIndex.
	Slot Slot

	// LoadPDB.
	Path string

	// ListTypes.
	NamePrefix       string
	IncludeAnonymous bool
	IncludeNested    bool
	ReverseOrder     bool

	// ReconstructTypeByIndex.
	TypeIndex        uint32
	Flavor           ReconstructFlavor
	IncludeHeader    bool
	IncludeComments  bool
	MultipleInherit  bool
	IncludeTypeNames bool
}

// LoadPDBCommand builds a LoadPDB request.
func LoadPDBCommand(slot Slot, path string) Command {
	return Command{Kind: CommandLoadPDB, Slot: slot, Path: path}
}

// ListTypesCommand builds a ListTypes request.
func ListTypesCommand(slot Slot) Command {
	return Command{Kind: CommandListTypes, Slot: slot}
}

// ReconstructTypeByIndexCommand builds a ReconstructTypeByIndex request,
// rendered in the Microsoft flavor with no extra decoration, matching
// the database assembler's needs.
func ReconstructTypeByIndexCommand(slot Slot, index uint32) Command {
	return Command{
		Kind:      CommandReconstructTypeByIndex,
		Slot:      slot,
		TypeIndex: index,
		Flavor:    FlavorMicrosoft,
	}
}

// UnloadPDBCommand builds an UnloadPDB request.
func UnloadPDBCommand(slot Slot) Command {
	return Command{Kind: CommandUnloadPDB, Slot: slot}
}

// NamedType is one entry of a ListTypes response.
type NamedType struct {
	Name  string
	Index uint32
}

// Response is a reply from the type-reconstruction backend. Exactly one
// of the per-kind fields is populated, matching the Command that
// produced it; Err is set on failure regardless of kind.
type Response struct {
	Kind CommandKind
	Err  error

	// ListTypesResult.
	Types []NamedType

	// ReconstructTypeResult.
	Definition string
}

// ErrProtocolViolation is returned when a backend replies with a
// response kind that doesn't match the command that was sent.
var ErrProtocolViolation = errors.New("type reconstructor protocol violation")

// Backend is the command/response channel exposed by an external
// type-reconstruction process. Implementations own the underlying
// transport (pipes, sockets, in-process channels, ...).
type Backend interface {
	Do(ctx context.Context, cmd Command) (Response, error)
}

// Entry is one reconstructed type, ready for inclusion in a database
// record.
type Entry struct {
	Name       string
	Definition string
}

// Extractor serializes access to a Backend's slots: one slot is
// exclusively held for the full load -> list -> reconstruct* -> unload
// sequence of a single extraction.
type Extractor struct {
	backend Backend

	mu        sync.Mutex
	slotLocks map[Slot]*sync.Mutex
}

// NewExtractor builds an Extractor over backend.
func NewExtractor(backend Backend) *Extractor {
	return &Extractor{backend: backend, slotLocks: map[Slot]*sync.Mutex{}}
}

func (e *Extractor) lockFor(slot Slot) *sync.Mutex {
	e.mu.Lock()
	defer e.mu.Unlock()
	l, ok := e.slotLocks[slot]
	if !ok {
		l = &sync.Mutex{}
		e.slotLocks[slot] = l
	}
	return l
}

// ExtractTypes loads the PDB at path into slot, lists its named types,
// reconstructs each one (best-effort: a reconstruction failure for one
// type is dropped, not fatal), then unloads the slot. The slot is held
// exclusively for the whole sequence.
func (e *Extractor) ExtractTypes(ctx context.Context, slot Slot, path string) ([]Entry, error) {
	lock := e.lockFor(slot)
	lock.Lock()
	defer lock.Unlock()

	if err := e.loadPDB(ctx, slot, path); err != nil {
		return nil, err
	}
	defer e.unloadPDB(ctx, slot)

	types, err := e.listTypes(ctx, slot)
	if err != nil {
		return nil, err
	}

	entries := make([]Entry, 0, len(types))
	for _, t := range types {
		def, err := e.reconstructType(ctx, slot, t.Index)
		if err != nil {
			// Best-effort: individual reconstruction failures are dropped.
			continue
		}
		entries = append(entries, Entry{Name: t.Name, Definition: def})
	}
	return entries, nil
}

func (e *Extractor) loadPDB(ctx context.Context, slot Slot, path string) error {
	resp, err := e.backend.Do(ctx, LoadPDBCommand(slot, path))
	if err != nil {
		return fmt.Errorf("loading %s: %w", path, err)
	}
	if resp.Kind != CommandLoadPDB {
		return fmt.Errorf("%w: expected LoadPDBResult, got %s", ErrProtocolViolation, resp.Kind)
	}
	if resp.Err != nil {
		return fmt.Errorf("loading %s: %w", path, resp.Err)
	}
	return nil
}

func (e *Extractor) unloadPDB(ctx context.Context, slot Slot) {
	// Best-effort: an unload failure doesn't invalidate the extraction
	// that already completed.
	_, _ = e.backend.Do(ctx, UnloadPDBCommand(slot))
}

func (e *Extractor) listTypes(ctx context.Context, slot Slot) ([]NamedType, error) {
	resp, err := e.backend.Do(ctx, ListTypesCommand(slot))
	if err != nil {
		return nil, fmt.Errorf("listing types: %w", err)
	}
	if resp.Kind != CommandListTypes {
		return nil, fmt.Errorf("%w: expected ListTypesResult, got %s", ErrProtocolViolation, resp.Kind)
	}
	if resp.Err != nil {
		return nil, fmt.Errorf("listing types: %w", resp.Err)
	}
	return resp.Types, nil
}

func (e *Extractor) reconstructType(ctx context.Context, slot Slot, index uint32) (string, error) {
	resp, err := e.backend.Do(ctx, ReconstructTypeByIndexCommand(slot, index))
	if err != nil {
		return "", err
	}
	if resp.Kind != CommandReconstructTypeByIndex {
		return "", fmt.Errorf("%w: expected ReconstructTypeResult, got %s", ErrProtocolViolation, resp.Kind)
	}
	if resp.Err != nil {
		return "", resp.Err
	}
	return resp.Definition, nil
}
