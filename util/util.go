// Package util contains misc internal utilities.
package util

import (
	"strconv"
	"strings"
	"time"
)

// GetBit returns the value of a given bit in a byte
func GetBit(b byte, bitIndex uint) bool {
	return (b>>bitIndex)&1 != 0
}

// SetBit returns b with the given bit set to v
func SetBit(b byte, bitIndex uint, v bool) byte {
	if v {
		return b | 1<<bitIndex
	}
	return b &^ (1 << bitIndex)
}

// BitTrace renders one channel of a logic byte stream as a waveform
// string, '_' for low and '#' for high.
// e.g., BitTrace([]byte{0,1,1,0}, 0) => "_##_"
func BitTrace(samples []byte, bitIndex uint) string {
	var sb strings.Builder
	sb.Grow(len(samples))
	for _, b := range samples {
		if GetBit(b, bitIndex) {
			sb.WriteByte('#')
		} else {
			sb.WriteByte('_')
		}
	}
	return sb.String()
}

// Float64SliceToCSV converts a slice of floats to CSV formatted data.
// e.g., []float64{1,2.5} => "1,2.5"
func Float64SliceToCSV(fs []float64) string {
	s := make([]string, len(fs))
	for i, v := range fs {
		s[i] = strconv.FormatFloat(v, 'g', -1, 64)
	}
	return strings.Join(s, ",")
}

// SamplesToDuration converts a sample count at a sample rate to the
// wall-clock time it spans.  A zero rate yields zero.
func SamplesToDuration(samples, rate uint64) time.Duration {
	if rate == 0 {
		return 0
	}
	return time.Duration(float64(samples) / float64(rate) * float64(time.Second))
}
