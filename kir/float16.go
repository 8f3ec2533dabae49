package kir

import "github.com/x448/float16"

// Float16 values travel through the IR as their raw binary16 bits; arithmetic
// happens in Float32 after an explicit OpConvert.

func f16FromBits(b uint16) float32 { return float16.Frombits(b).Float32() }

func f16Bits(f float32) uint16 { return float16.Fromfloat32(f).Bits() }
