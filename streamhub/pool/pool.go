// Package pool recycles the byte buffers used for frame assembly and
// the outbound write vector.
package pool

import (
	"sync"
)

const SizeHeader = 32 // opcode + fixed-width args
const SizeSmall = 512
const SizeMedium = 4096
const SizeLarge = 65536

var poolHeader = &sync.Pool{
	New: func() any {
		b := [SizeHeader]byte{}
		return &b
	},
}

var poolSmall = &sync.Pool{
	New: func() any {
		b := [SizeSmall]byte{}
		return &b
	},
}

var poolMedium = &sync.Pool{
	New: func() any {
		b := [SizeMedium]byte{}
		return &b
	},
}

var poolLarge = &sync.Pool{
	New: func() any {
		b := [SizeLarge]byte{}
		return &b
	},
}

func Get(sz int) []byte {
	switch {
	case sz <= SizeHeader:
		return poolHeader.Get().(*[SizeHeader]byte)[:0]
	case sz <= SizeSmall:
		return poolSmall.Get().(*[SizeSmall]byte)[:0]
	case sz <= SizeMedium:
		return poolMedium.Get().(*[SizeMedium]byte)[:0]
	default:
		return poolLarge.Get().(*[SizeLarge]byte)[:0]
	}
}

func Put(b []byte) {
	switch cap(b) {
	case SizeHeader:
		poolHeader.Put((*[SizeHeader]byte)(b[0:SizeHeader]))
	case SizeSmall:
		poolSmall.Put((*[SizeSmall]byte)(b[0:SizeSmall]))
	case SizeMedium:
		poolMedium.Put((*[SizeMedium]byte)(b[0:SizeMedium]))
	case SizeLarge:
		poolLarge.Put((*[SizeLarge]byte)(b[0:SizeLarge]))
	default:
	}
}
