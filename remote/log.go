package remote

import (
	"fmt"
	"math"
)

// Logging convention in the `remote` package (glog):
// Info:
//     abnormal but handled events. Silent on normal operation.
//     this includes:
//     - call timeouts and cancellations
//     - protocol violations and undecodable payloads
//     - transport disconnects
// Warning:
//     recovered panics from handlers and callbacks
// V(1):
//     node lifecycle with addresses: create, sync, re-parent, destroy
// V(2):
//     one line per envelope sent or received, with the size

// use this type when counting bytes
type ByteCount = int64

func kib(c ByteCount) ByteCount {
	return c * ByteCount(1024)
}

func mib(c ByteCount) ByteCount {
	return c * ByteCount(1024*1024)
}

func gib(c ByteCount) ByteCount {
	return c * ByteCount(1024*1024*1024)
}

func toFixed(v float64, digits int) float64 {
	pow := math.Pow(10, float64(digits))
	return math.Round(v*pow) / pow
}

func ByteCountHumanReadable(count ByteCount) string {
	switch {
	case count < kib(1):
		return fmt.Sprintf("%dB", count)
	case count < mib(1):
		return fmt.Sprintf("%vKB", toFixed(float64(count)/float64(kib(1)), 2))
	case count < gib(1):
		return fmt.Sprintf("%vMB", toFixed(float64(count)/float64(mib(1)), 2))
	default:
		return fmt.Sprintf("%vGB", toFixed(float64(count)/float64(gib(1)), 2))
	}
}
