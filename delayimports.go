// Copyright 2018 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package pe

import (
	"encoding/binary"
)

// ImageDelayImportDescriptor represents the IMAGE_DELAYLOAD_DESCRIPTOR,
// the delay-load analog of IMAGE_IMPORT_DESCRIPTOR. Unlike a regular
// import, none of its entries are resolved by the loader at load time;
// they're resolved lazily, the first time the imported function is
// called, through a thunk the linker generates.
type ImageDelayImportDescriptor struct {
	// Either 0 for pre-VC7 delay-load descriptors (fields below hold VAs
	// rather than RVAs), or 1 when the RvaBased bit is set.
	Attributes uint32 `json:"attributes"`

	// The RVA of the ASCII string holding the DLL name.
	Name uint32 `json:"name"`

	// The RVA of the module handle (written by the delay-load helper
	// the first time the DLL is loaded).
	ModuleHandleRVA uint32 `json:"module_handle_rva"`

	// The RVA of the delay-load import address table.
	ImportAddressTableRVA uint32 `json:"import_address_table_rva"`

	// The RVA of the delay-load name table, which contains the names of
	// the imports that might need to be loaded. This matches the
	// layout of the regular import name table.
	ImportNameTableRVA uint32 `json:"import_name_table_rva"`

	// The RVA of the bound delay-load address table, if it exists.
	BoundImportAddressTableRVA uint32 `json:"bound_import_address_table_rva"`

	// The RVA of the unload delay-load address table, if it exists. This
	// is an exact copy of the delay-load import address table. If the
	// caller unloads the DLL, this table restores the original IAT.
	UnloadInformationTableRVA uint32 `json:"unload_information_table_rva"`

	// The timestamp stamped by the build process.
	TimeDateStamp uint32 `json:"time_date_stamp"`
}

// DelayImport represents an entry in the delay import table of a PE file.
type DelayImport struct {
	Offset     uint32                     `json:"offset"`
	Name       string                     `json:"name"`
	Functions  []ImportFunction           `json:"functions"`
	Descriptor ImageDelayImportDescriptor `json:"descriptor"`
}

// The delay import directory is an array of IMAGE_DELAYLOAD_DESCRIPTOR
// entries, terminated by one filled with zeros, each describing a DLL
// whose functions are resolved lazily rather than by the loader at
// process startup.
func (pe *File) parseDelayImportDirectory(rva, size uint32) (err error) {

	for {
		delayDesc := ImageDelayImportDescriptor{}
		fileOffset := pe.GetOffsetFromRva(rva)
		delayDescSize := uint32(binary.Size(delayDesc))
		err := pe.structUnpack(&delayDesc, fileOffset, delayDescSize)

		// If the RVA is invalid all would blow up. Some EXEs seem to be
		// specially nasty and have an invalid RVA.
		if err != nil {
			return err
		}

		// If the structure is all zeros, we reached the end of the list.
		if delayDesc == (ImageDelayImportDescriptor{}) {
			break
		}

		rva += delayDescSize

		// If the array of thunks is somewhere earlier than the delay
		// import descriptor we can set a maximum length for the array.
		// Otherwise just set a maximum length of the size of the file.
		maxLen := uint32(len(pe.data)) - fileOffset
		if rva > delayDesc.ImportNameTableRVA || rva > delayDesc.ImportAddressTableRVA {
			if rva < delayDesc.ImportNameTableRVA {
				maxLen = rva - delayDesc.ImportAddressTableRVA
			} else if rva < delayDesc.ImportAddressTableRVA {
				maxLen = rva - delayDesc.ImportNameTableRVA
			} else {
				maxLen = Max(rva-delayDesc.ImportNameTableRVA,
					rva-delayDesc.ImportAddressTableRVA)
			}
		}

		var importedFunctions []ImportFunction
		if pe.Is64 {
			importedFunctions, err = pe.parseImports64(&delayDesc, maxLen)
		} else {
			importedFunctions, err = pe.parseImports32(&delayDesc, maxLen)
		}
		if err != nil {
			return err
		}

		dllName := pe.getStringAtRVA(delayDesc.Name, maxDllLength)
		if !IsValidDosFilename(dllName) {
			dllName = "*invalid*"
			continue
		}

		pe.DelayImports = append(pe.DelayImports, DelayImport{
			Offset:     fileOffset,
			Name:       string(dllName),
			Functions:  importedFunctions,
			Descriptor: delayDesc,
		})
	}

	return nil
}
