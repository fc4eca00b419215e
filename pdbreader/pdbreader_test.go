package pdbreader

import (
	"reflect"
	"testing"

	"github.com/jtang613/gopdb/pkg/pdb"
)

type fakeSource struct {
	functions []pdb.Function
	variables []pdb.Variable
	publics   []pdb.PublicSymbol
	modules   []pdb.ModuleInfo
}

func (f *fakeSource) Functions() []pdb.Function         { return f.functions }
func (f *fakeSource) Variables() []pdb.Variable         { return f.variables }
func (f *fakeSource) PublicSymbols() []pdb.PublicSymbol { return f.publics }
func (f *fakeSource) Modules() []pdb.ModuleInfo         { return f.modules }
func (f *fakeSource) Close() error                      { return nil }

func TestExtractSymbolsNormalizesKinds(t *testing.T) {
	fake := &fakeSource{
		functions: []pdb.Function{{Name: "NtOpenFile"}},
		variables: []pdb.Variable{{Name: "PsInitialSystemProcess"}},
		publics: []pdb.PublicSymbol{
			{Name: "ExAllocatePool", Prototype: "void* ExAllocatePool(int, size_t)"},
			{Name: "KeNumberProcessors"},
		},
	}
	p := &PDB{inner: fake}

	got := p.ExtractSymbols()
	want := []string{
		"ExAllocatePool()",
		"KeNumberProcessors",
		"NtOpenFile()",
		"PsInitialSystemProcess",
	}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("ExtractSymbols() = %v, want %v", got, want)
	}
}

func TestExtractModulesDeduplicatesAndSorts(t *testing.T) {
	fake := &fakeSource{
		modules: []pdb.ModuleInfo{
			{Name: "ntfs.obj"},
			{Name: "io.obj"},
			{Name: "ntfs.obj"},
			{Name: ""},
		},
	}
	p := &PDB{inner: fake}

	got := p.ExtractModules()
	want := []string{"io.obj", "ntfs.obj"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("ExtractModules() = %v, want %v", got, want)
	}
}

func TestExtractSymbolsWithOffsetPrefersFunctionsOverPublics(t *testing.T) {
	fake := &fakeSource{
		functions: []pdb.Function{{Name: "NtOpenFile", RVA: 0x1000}},
		publics:   []pdb.PublicSymbol{{Name: "Shadowed", RVA: 0x1000}, {Name: "ExPublic", RVA: 0x2000}},
		variables: []pdb.Variable{{Name: "SomeGlobal", RVA: 0x3000}},
	}
	p := &PDB{inner: fake}

	got := p.ExtractSymbolsWithOffset()
	want := map[uint32]string{
		0x1000: "NtOpenFile",
		0x2000: "ExPublic",
		0x3000: "SomeGlobal",
	}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("ExtractSymbolsWithOffset() = %v, want %v", got, want)
	}
}
