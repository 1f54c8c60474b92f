package bpfmap

import (
	"encoding/binary"

	"github.com/zeebo/xxh3"
)

// HashUint64 hashes integer keys such as kernel addresses.
func HashUint64(k uint64) uint64 {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], k)
	return xxh3.Hash(b[:])
}

// HashString hashes string keys.
func HashString(k string) uint64 {
	return xxh3.HashString(k)
}
