// Copyright 2018 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package pe

import (
	"encoding/binary"
	"testing"
)

// buildExportDirectoryFixture lays out a minimal, section-less export
// directory: a module name, one named export and one ordinal-only
// forwarder export.
func buildExportDirectoryFixture() []byte {
	buf := make([]byte, 0x60)
	put32 := func(off uint32, v uint32) { binary.LittleEndian.PutUint32(buf[off:], v) }
	put16 := func(off uint32, v uint16) { binary.LittleEndian.PutUint16(buf[off:], v) }

	// IMAGE_EXPORT_DIRECTORY.
	put32(0x00, 0)      // Characteristics
	put32(0x04, 0)      // TimeDateStamp
	put16(0x08, 0)      // MajorVersion
	put16(0x0a, 0)      // MinorVersion
	put32(0x0c, 0x38)   // Name
	put32(0x10, 1)      // Base
	put32(0x14, 2)      // NumberOfFunctions
	put32(0x18, 1)      // NumberOfNames
	put32(0x1c, 0x28)   // AddressOfFunctions
	put32(0x20, 0x30)   // AddressOfNames
	put32(0x24, 0x34)   // AddressOfNameOrdinals

	// Export address table: ordinal index 0 -> normal code RVA,
	// ordinal index 1 -> forwarder (RVA falls inside the directory blob).
	put32(0x28, 0x1000)
	put32(0x2c, 0x47)

	// Name pointer table + ordinal table: only index 0 has a name.
	put32(0x30, 0x41)
	put16(0x34, 0)

	copy(buf[0x38:], "test.dll\x00")
	copy(buf[0x41:], "FuncA\x00")
	copy(buf[0x47:], "Other.Func\x00")

	return buf
}

func TestParseExportDirectory(t *testing.T) {
	data := buildExportDirectoryFixture()
	file := &File{data: data, size: uint32(len(data))}

	if err := file.parseExportDirectory(0, uint32(len(data))); err != nil {
		t.Fatalf("parseExportDirectory failed: %v", err)
	}

	if file.Export.Name != "test.dll" {
		t.Fatalf("module name = %q, want %q", file.Export.Name, "test.dll")
	}
	if len(file.Export.Functions) != 2 {
		t.Fatalf("got %d functions, want 2", len(file.Export.Functions))
	}

	named := file.Export.Functions[0]
	if named.Ordinal != 1 || named.Name != "FuncA" || named.FunctionRVA != 0x1000 || named.Forwarder != "" {
		t.Fatalf("unexpected named export: %+v", named)
	}

	forwarded := file.Export.Functions[1]
	if forwarded.Ordinal != 2 || forwarded.Name != "" || forwarded.Forwarder != "Other.Func" ||
		forwarded.ForwarderRVA != 0x47 {
		t.Fatalf("unexpected forwarder export: %+v", forwarded)
	}

	if name := file.GetExportFunctionByRVA(0x1000); name != "FuncA" {
		t.Fatalf("GetExportFunctionByRVA(0x1000) = %q, want %q", name, "FuncA")
	}
	if name := file.GetExportFunctionByRVA(0xdead); name != "" {
		t.Fatalf("GetExportFunctionByRVA(0xdead) = %q, want empty", name)
	}
}
