package keydir

import "github.com/spaolacci/murmur3"

// baseIndex returns the home page index for key among numPages memory
// pages: murmur3(key, seed=42) mod numPages, exactly spec.md §4.3.
func baseIndex(key []byte, numPages uint32) uint32 {
	return murmur3.Sum32WithSeed(key, 42) % numPages
}
