// Package syscalls extracts the table of system-call numbers mapped to
// implementation names from a PE: kernel-mode extraction walks the
// service table guided by PDB symbols (ntoskrnl.exe, win32k.sys),
// user-mode extraction recognizes the fixed AMD64/ARM64 syscall-stub
// opcode patterns (ntdll.dll, win32u.dll).
package syscalls

import (
	"errors"
	"fmt"
	"strings"

	pe "github.com/ergrelet/windiff"
)

// Entry is one resolved syscall-table slot.
type Entry struct {
	ID   uint32
	Name string
}

// Sentinel errors surfaced by the extractor.
var (
	ErrUnsupportedArchitecture  = errors.New("unsupported architecture for syscall extraction")
	ErrServiceTableNotFound     = errors.New("system service table not found")
	ErrServiceTableParsingError = errors.New("system service table parsing error")
	ErrMissingOptionalHeader    = errors.New("missing optional header")
)

// win32kSyscallTableID is OR'd into every win32k.sys syscall number so it
// doesn't collide with ntoskrnl.exe's table.
const win32kSyscallTableID = 0x1000

// ExtractKernel extracts the syscall table for ntoskrnl.exe or
// win32k.sys, given the symbol->RVA map extracted from its PDB
// (functions must not be dropped from that map).
func ExtractKernel(f *pe.File, peData []byte, symbols map[uint32]string, peName string) ([]Entry, error) {
	switch {
	case strings.EqualFold(peName, "ntoskrnl.exe"):
		return extractServiceTableSyscalls(f, peData, symbols, "KiServiceTable", "KiServiceLimit", 0)
	case strings.EqualFold(peName, "win32k.sys"):
		return extractServiceTableSyscalls(f, peData, symbols, "W32pServiceTable", "W32pServiceLimit", win32kSyscallTableID)
	default:
		return nil, fmt.Errorf("%w: %q is not a known kernel service-table binary", ErrUnsupportedArchitecture, peName)
	}
}

// imageBase returns the PE's preferred image base, from whichever
// optional header variant was parsed.
func imageBase(f *pe.File) (uint64, error) {
	switch oh := f.NtHeader.OptionalHeader.(type) {
	case pe.ImageOptionalHeader64:
		return oh.ImageBase, nil
	case pe.ImageOptionalHeader32:
		return uint64(oh.ImageBase), nil
	default:
		return 0, ErrMissingOptionalHeader
	}
}

// findServiceTable locates the service table's file offset and entry
// count (its "limit") via the two symbols naming them.
func findServiceTable(f *pe.File, symbols map[uint32]string, tableSymbol, limitSymbol string) (tableOffset, limit uint32, err error) {
	rvaByName := map[string]uint32{}
	for rva, name := range symbols {
		if name == tableSymbol || name == limitSymbol {
			rvaByName[name] = rva
		}
	}

	tableRVA, ok := rvaByName[tableSymbol]
	if !ok {
		return 0, 0, ErrServiceTableNotFound
	}
	limitRVA, ok := rvaByName[limitSymbol]
	if !ok {
		return 0, 0, ErrServiceTableNotFound
	}

	tableOffset = f.GetOffsetFromRva(tableRVA)
	limitVal, readErr := f.ReadUint32(f.GetOffsetFromRva(limitRVA))
	if readErr != nil {
		return 0, 0, fmt.Errorf("%w: %v", ErrServiceTableNotFound, readErr)
	}
	return tableOffset, limitVal, nil
}

// serviceTableContainsRVA inspects the table's first entry to decide
// whether it holds 32-bit RVAs or 64-bit VAs: read it as a VA, subtract
// image base (saturating), and treat the table as RVA-typed if the
// result is zero or absent from the symbol map.
func serviceTableContainsRVA(f *pe.File, imageBase uint64, symbols map[uint32]string, tableOffset uint32) bool {
	firstVA, err := f.ReadUint64(tableOffset)
	if err != nil {
		return true
	}
	rva := saturatingSub(firstVA, imageBase)
	if rva == 0 {
		return true
	}
	_, found := symbols[rva]
	return !found
}

func saturatingSub(a, b uint64) uint32 {
	if b > a {
		return 0
	}
	return uint32(a - b)
}

func extractServiceTableSyscalls(f *pe.File, peData []byte, symbols map[uint32]string, tableSymbol, limitSymbol string, tagBits uint32) ([]Entry, error) {
	base, err := imageBase(f)
	if err != nil {
		return nil, err
	}

	tableOffset, limit, err := findServiceTable(f, symbols, tableSymbol, limitSymbol)
	if err != nil {
		return nil, err
	}

	containsRVA := serviceTableContainsRVA(f, base, symbols, tableOffset)
	elementSize := uint32(8)
	if containsRVA {
		elementSize = 4
	}

	entries := make([]Entry, 0, limit)
	for id := uint32(0); id < limit; id++ {
		offset := tableOffset + elementSize*id

		var rva uint32
		if containsRVA {
			rva, err = f.ReadUint32(offset)
			if err != nil {
				return nil, fmt.Errorf("%w: %v", ErrServiceTableParsingError, err)
			}
		} else {
			va, err := f.ReadUint64(offset)
			if err != nil {
				return nil, fmt.Errorf("%w: %v", ErrServiceTableParsingError, err)
			}
			rva = saturatingSub(va, base)
		}

		name, ok := symbols[rva]
		if !ok {
			return nil, fmt.Errorf("%w: no symbol for syscall id %d (rva %#x)", ErrServiceTableParsingError, id, rva)
		}
		entries = append(entries, Entry{ID: id | tagBits, Name: name})
	}

	return entries, nil
}

// AMD64 syscall-stub opcode pattern:
//
//	mov r10, rcx           ; 4c 8b d1
//	mov eax, IMM32         ; b8 <syscall id>
//	test byte ptr ..., 1
//	jnz short ...
//	syscall                ; 0f 05        <- at offset 0x12
//	ret
var syscallStubEntryAMD64 = []byte{0x4c, 0x8b, 0xd1, 0xb8}

const (
	syscallInstOffsetAMD64 = 0x12
)

var syscallInstAMD64 = []byte{0x0f, 0x05}

// ARM64 syscall-stub opcode pattern:
//
//	SVC IMM16   ; 4 bytes, id in bits [20:5]
//	RET         ; c0 03 5f d6
var retInstARM64 = []byte{0xc0, 0x03, 0x5f, 0xd6}

// ExtractUser extracts syscall numbers from a user-mode binary's export
// table (ntdll.dll, win32u.dll) by recognizing the fixed opcode pattern
// of its AMD64 or ARM64 syscall stubs.
func ExtractUser(f *pe.File, peData []byte) ([]Entry, error) {
	var extract func(name string, stub []byte) (Entry, bool)

	switch f.NtHeader.FileHeader.Machine {
	case pe.ImageFileMachineAMD64:
		extract = extractUserSyscallAMD64
	case pe.ImageFileMachineARM64:
		extract = extractUserSyscallARM64
	default:
		return nil, ErrUnsupportedArchitecture
	}

	entries := make([]Entry, 0, len(f.Export.Functions))
	for i, fn := range f.Export.Functions {
		name := fn.Name
		if name == "" {
			name = fmt.Sprintf("Ordinal%d", i)
		}
		if fn.Forwarder != "" {
			continue
		}

		// Read a window wide enough to cover the longest stub pattern
		// (AMD64's `syscall` opcode sits at offset 0x12, 20 bytes in).
		offset := f.GetOffsetFromRva(fn.FunctionRVA)
		stub, err := f.ReadBytesAtOffset(offset, 24)
		if err != nil {
			continue
		}
		if entry, ok := extract(name, stub); ok {
			entries = append(entries, entry)
		}
	}
	return entries, nil
}

func extractUserSyscallAMD64(name string, stub []byte) (Entry, bool) {
	if len(stub) < syscallInstOffsetAMD64+len(syscallInstAMD64) {
		return Entry{}, false
	}
	if !bytesEqual(stub[:len(syscallStubEntryAMD64)], syscallStubEntryAMD64) {
		return Entry{}, false
	}
	if !bytesEqual(stub[syscallInstOffsetAMD64:syscallInstOffsetAMD64+len(syscallInstAMD64)], syscallInstAMD64) {
		return Entry{}, false
	}

	idOffset := len(syscallStubEntryAMD64)
	if len(stub) < idOffset+4 {
		return Entry{}, false
	}
	id := leUint32(stub[idOffset : idOffset+4])
	return Entry{ID: id, Name: name}, true
}

func extractUserSyscallARM64(name string, stub []byte) (Entry, bool) {
	if len(stub) < 8 {
		return Entry{}, false
	}
	firstInst := leUint32(stub[:4])
	isSVC := (firstInst&0xF == 1) && (firstInst>>21 == 0x6a0)
	if !isSVC {
		return Entry{}, false
	}
	if !bytesEqual(stub[4:8], retInstARM64) {
		return Entry{}, false
	}
	id := (firstInst >> 5) & 0xFFFF
	return Entry{ID: id, Name: name}, true
}

func leUint32(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
