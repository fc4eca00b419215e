// Copyright 2018 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package pe

import (
	"encoding/binary"
	"errors"
)

// MaxDefaultExportedFunctions represents the maximum number of exported
// functions we parse. Some malformed/malicious PEs lie about the size of
// the export directory, which would otherwise cause us to read way past
// the end of the file.
const MaxDefaultExportedFunctions = 0x100000

// ErrInvalidExportDirectory is reported when the export directory entry
// can't be read.
var ErrInvalidExportDirectory = errors.New("invalid export directory")

// ImageExportDirectory represents the IMAGE_EXPORT_DIRECTORY structure,
// found in the export data directory. It contains information exported by
// the module: name, functions, ordinal bases etc.
type ImageExportDirectory struct {
	// Reserved, must be 0.
	Characteristics uint32 `json:"characteristics"`

	// The time and date that the export data was created.
	TimeDateStamp uint32 `json:"time_date_stamp"`

	// The major version number. The major and minor version numbers can be
	// set by the user.
	MajorVersion uint16 `json:"major_version"`

	// The minor version number.
	MinorVersion uint16 `json:"minor_version"`

	// The address of an ASCII string that contains the name of the DLL.
	// This address is relative to the image base.
	Name uint32 `json:"name"`

	// The starting ordinal number for exports in this image. This field
	// specifies the starting ordinal number for the export address table.
	Base uint32 `json:"base"`

	// The number of entries in the export address table.
	NumberOfFunctions uint32 `json:"number_of_functions"`

	// The number of entries in the name pointer table. This is also the
	// number of entries in the ordinal table.
	NumberOfNames uint32 `json:"number_of_names"`

	// The address of the export address table, relative to the image base.
	AddressOfFunctions uint32 `json:"address_of_functions"`

	// The address of the export name pointer table, relative to the image
	// base. The table size is given by the NumberOfNames field.
	AddressOfNames uint32 `json:"address_of_names"`

	// The address of the ordinal table, relative to the image base.
	AddressOfNameOrdinals uint32 `json:"address_of_name_ordinals"`
}

// ExportFunction represents a single entry of an image export.
type ExportFunction struct {
	// The ordinal number of this export: Base plus its index in the export
	// address table.
	Ordinal uint32 `json:"ordinal"`

	// The address, relative to the image base, of the exported symbol,
	// when the symbol is a forwarder, this is the RVA of the forwarder
	// string instead.
	FunctionRVA uint32 `json:"function_rva"`

	// The address, relative to the image base, of the ASCII string
	// holding the exported symbol's name. Zero when the export has no
	// name (ordinal-only export).
	NameRVA uint32 `json:"name_rva"`

	// The exported symbol's name, empty for ordinal-only exports.
	Name string `json:"name"`

	// When non-empty, this export forwards to another module's symbol,
	// formatted as `ModuleName.SymbolName`.
	Forwarder string `json:"forwarder,omitempty"`

	// The RVA of the forwarder string, when Forwarder is set.
	ForwarderRVA uint32 `json:"forwarder_rva,omitempty"`
}

// Export wraps the image export directory along with the exported
// functions it describes.
type Export struct {
	// Points to the underlying export directory structure.
	Struct ImageExportDirectory `json:"struct"`

	// Name of the module as recorded in the export directory.
	Name string `json:"name"`

	// List of exported functions, ordered the same way they appear in the
	// export address table.
	Functions []ExportFunction `json:"functions"`
}

// parseExportDirectory parses the export directory, populating pe.Export.
//
// The export directory lists every symbol a module makes available to
// other modules: ordinal-only exports, named exports and forwarders (an
// export whose implementation lives in another module).
func (pe *File) parseExportDirectory(rva, size uint32) error {
	exportDir := ImageExportDirectory{}
	exportDirSize := uint32(binary.Size(exportDir))

	offset := pe.GetOffsetFromRva(rva)
	if err := pe.structUnpack(&exportDir, offset, exportDirSize); err != nil {
		return ErrInvalidExportDirectory
	}

	export := Export{Struct: exportDir}
	export.Name = pe.getStringAtRVA(exportDir.Name, maxImportNameLength)

	// The export directory entry itself lies within [rva, rva+size): used
	// below to detect forwarder entries (their RVA points inside the
	// export data blob instead of at executable code).
	exportDirStart := rva
	exportDirEnd := rva + size

	numFunctions := exportDir.NumberOfFunctions
	if numFunctions > MaxDefaultExportedFunctions {
		numFunctions = MaxDefaultExportedFunctions
	}

	// Build an ordinal -> (name, name RVA) lookup from the name pointer and
	// ordinal tables so we can attach names to the exports that have one.
	type namedExport struct {
		name    string
		nameRVA uint32
	}
	namesByOrdinal := make(map[uint32]namedExport, exportDir.NumberOfNames)
	for i := uint32(0); i < exportDir.NumberOfNames; i++ {
		nameRVA, err := pe.ReadUint32(pe.GetOffsetFromRva(exportDir.AddressOfNames + 4*i))
		if err != nil {
			break
		}
		ordinalIndex, err := pe.ReadUint16(pe.GetOffsetFromRva(exportDir.AddressOfNameOrdinals + 2*i))
		if err != nil {
			break
		}
		name := pe.getStringAtRVA(nameRVA, maxImportNameLength)
		namesByOrdinal[uint32(ordinalIndex)] = namedExport{name: name, nameRVA: nameRVA}
	}

	functions := make([]ExportFunction, 0, numFunctions)
	for i := uint32(0); i < numFunctions; i++ {
		funcRVA, err := pe.ReadUint32(pe.GetOffsetFromRva(exportDir.AddressOfFunctions + 4*i))
		if err != nil {
			break
		}
		if funcRVA == 0 {
			// No symbol at this ordinal slot.
			continue
		}

		fn := ExportFunction{
			Ordinal:     exportDir.Base + i,
			FunctionRVA: funcRVA,
		}
		if named, ok := namesByOrdinal[i]; ok {
			fn.Name = named.name
			fn.NameRVA = named.nameRVA
		}

		if funcRVA >= exportDirStart && funcRVA < exportDirEnd {
			forwarder := pe.getStringAtRVA(funcRVA, maxImportNameLength)
			fn.Forwarder = forwarder
			fn.ForwarderRVA = funcRVA
		}

		functions = append(functions, fn)
	}

	export.Functions = functions
	pe.Export = export
	return nil
}

// GetExportFunctionByRVA returns the exported symbol's name whose function
// RVA matches the one given, or an empty string if none matches.
func (pe *File) GetExportFunctionByRVA(rva uint32) string {
	for _, fn := range pe.Export.Functions {
		if fn.FunctionRVA == rva {
			return fn.Name
		}
	}
	return ""
}
