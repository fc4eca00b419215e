package syscalls

import (
	"reflect"
	"testing"

	pe "github.com/ergrelet/windiff"
)

func put32(buf []byte, off uint32, v uint32) {
	buf[off] = byte(v)
	buf[off+1] = byte(v >> 8)
	buf[off+2] = byte(v >> 16)
	buf[off+3] = byte(v >> 24)
}

func put64(buf []byte, off uint32, v uint64) {
	for i := uint32(0); i < 8; i++ {
		buf[off+i] = byte(v >> (8 * i))
	}
}

func newKernelFile(data []byte, imageBase uint64) *pe.File {
	f := pe.NewRaw(data)
	f.NtHeader.OptionalHeader = pe.ImageOptionalHeader64{ImageBase: imageBase}
	return f
}

func TestExtractKernelServiceTableRVAForm(t *testing.T) {
	data := make([]byte, 0x3000)
	put32(data, 0x1000, 0x5000)
	put32(data, 0x1004, 0x5100)
	put32(data, 0x2000, 2)

	f := newKernelFile(data, 0x140000000)
	symbols := map[uint32]string{
		0x1000: "KiServiceTable",
		0x2000: "KiServiceLimit",
		0x5000: "NtOpenFile",
		0x5100: "NtClose",
	}

	got, err := ExtractKernel(f, data, symbols, "ntoskrnl.exe")
	if err != nil {
		t.Fatalf("ExtractKernel failed: %v", err)
	}
	want := []Entry{{ID: 0, Name: "NtOpenFile"}, {ID: 1, Name: "NtClose"}}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("ExtractKernel() = %+v, want %+v", got, want)
	}
}

func TestExtractKernelServiceTableVAForm(t *testing.T) {
	data := make([]byte, 0x3000)
	put64(data, 0x1000, 0x140005000)
	put32(data, 0x2000, 1)

	f := newKernelFile(data, 0x140000000)
	symbols := map[uint32]string{
		0x1000: "KiServiceTable",
		0x2000: "KiServiceLimit",
		0x5000: "NtOpenFile",
	}

	got, err := ExtractKernel(f, data, symbols, "ntoskrnl.exe")
	if err != nil {
		t.Fatalf("ExtractKernel failed: %v", err)
	}
	want := []Entry{{ID: 0, Name: "NtOpenFile"}}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("ExtractKernel() = %+v, want %+v", got, want)
	}
}

func TestExtractKernelWin32kTagsTableID(t *testing.T) {
	data := make([]byte, 0x3000)
	put64(data, 0x1000, 0x140005000)
	put32(data, 0x2000, 1)

	f := newKernelFile(data, 0x140000000)
	symbols := map[uint32]string{
		0x1000: "W32pServiceTable",
		0x2000: "W32pServiceLimit",
		0x5000: "NtOpenFile",
	}

	got, err := ExtractKernel(f, data, symbols, "win32k.sys")
	if err != nil {
		t.Fatalf("ExtractKernel failed: %v", err)
	}
	want := []Entry{{ID: 0x1000, Name: "NtOpenFile"}}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("ExtractKernel() = %+v, want %+v", got, want)
	}
}

func TestExtractKernelUnsupportedBinaryName(t *testing.T) {
	f := newKernelFile(make([]byte, 0x10), 0x140000000)
	if _, err := ExtractKernel(f, nil, nil, "notepad.exe"); err == nil {
		t.Fatal("expected error for unsupported binary name")
	}
}

func newUserModeFile(data []byte, machine pe.ImageFileHeaderMachineType, exports []pe.ExportFunction) *pe.File {
	f := pe.NewRaw(data)
	f.NtHeader.FileHeader.Machine = machine
	f.Export.Functions = exports
	return f
}

func TestExtractUserAMD64Stub(t *testing.T) {
	stub := []byte{
		0x4c, 0x8b, 0xd1, 0xb8, 0x55, 0x00, 0x00, 0x00,
		0xf6, 0x04, 0x25, 0x08, 0x03, 0xfe, 0x7f, 0x01,
		0x75, 0x03, 0x0f, 0x05, 0xc3,
	}
	data := make([]byte, 0x1000)
	copy(data[0x100:], stub)

	f := newUserModeFile(data, pe.ImageFileMachineAMD64, []pe.ExportFunction{
		{Name: "NtOpenFile", FunctionRVA: 0x100},
	})

	got, err := ExtractUser(f, data)
	if err != nil {
		t.Fatalf("ExtractUser failed: %v", err)
	}
	want := []Entry{{ID: 0x55, Name: "NtOpenFile"}}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("ExtractUser() = %+v, want %+v", got, want)
	}
}

func TestExtractUserARM64Stub(t *testing.T) {
	stub := []byte{0x41, 0x0a, 0x00, 0xd4, 0xc0, 0x03, 0x5f, 0xd6}
	data := make([]byte, 0x1000)
	copy(data[0x200:], stub)

	f := newUserModeFile(data, pe.ImageFileMachineARM64, []pe.ExportFunction{
		{Name: "NtOpenFile", FunctionRVA: 0x200},
	})

	got, err := ExtractUser(f, data)
	if err != nil {
		t.Fatalf("ExtractUser failed: %v", err)
	}
	want := []Entry{{ID: 0x52, Name: "NtOpenFile"}}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("ExtractUser() = %+v, want %+v", got, want)
	}
}

func TestExtractUserUnsupportedArchitecture(t *testing.T) {
	f := newUserModeFile(make([]byte, 0x10), pe.ImageFileMachineI386, nil)
	if _, err := ExtractUser(f, nil); err != ErrUnsupportedArchitecture {
		t.Fatalf("ExtractUser() error = %v, want ErrUnsupportedArchitecture", err)
	}
}
