package envstore

import (
	"crypto/sha256"
	"encoding/hex"
	"io"
	"sort"
)

// Digest computes the reuse key for an environment: a content hash
// over the engine version and every configuration package file. Two
// builds with the same digest can share one environment.
func Digest(engineVersion string, files map[string][]byte) string {
	h := sha256.New()
	io.WriteString(h, engineVersion)
	h.Write([]byte{0})

	paths := make([]string, 0, len(files))
	for p := range files {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	for _, p := range paths {
		io.WriteString(h, p)
		h.Write([]byte{0})
		h.Write(files[p])
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}
