// Copyright 2018 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package pe

// NewRaw wraps data as a minimal File exposing only byte-level access
// (GetOffsetFromRva, ReadUint32, ReadUint64, ...). Used by components
// that already have header information decoded from elsewhere (e.g. a
// companion PDB) and only need to walk raw file bytes, without going
// through the full Parse pipeline.
func NewRaw(data []byte) *File {
	return &File{data: data, size: uint32(len(data))}
}
