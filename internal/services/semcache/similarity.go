package semcache

import (
	"encoding/binary"

	"github.com/cespare/xxhash/v2"

	"github.com/amerfu/spendgate/internal/textutil"
)

// Normalize produces the prompt fingerprint used for keying and
// similarity: lower-cased, punctuation stripped, whitespace collapsed.
func Normalize(prompt string) string {
	return textutil.NormalizePrompt(prompt)
}

// bigramSet returns the set of character bigrams of s.
func bigramSet(s string) map[string]struct{} {
	runes := []rune(s)
	set := make(map[string]struct{}, len(runes))
	if len(runes) < 2 {
		if len(runes) == 1 {
			set[string(runes)] = struct{}{}
		}
		return set
	}
	for i := 0; i < len(runes)-1; i++ {
		set[string(runes[i:i+2])] = struct{}{}
	}
	return set
}

// diceSimilarity is the bigram Dice coefficient 2|A∩B| / (|A|+|B|).
func diceSimilarity(a, b string) float64 {
	if a == b {
		return 1
	}
	setA, setB := bigramSet(a), bigramSet(b)
	if len(setA) == 0 || len(setB) == 0 {
		return 0
	}
	inter := 0
	for g := range setA {
		if _, ok := setB[g]; ok {
			inter++
		}
	}
	return 2 * float64(inter) / float64(len(setA)+len(setB))
}

// MinHash/LSH parameters: 128 hash functions split into 16 bands of 8
// rows. At a 0.85 Jaccard threshold this yields ≥97% recall.
const (
	signatureSize = 128
	lshBands      = 16
	lshRows       = 8
	shingleSize   = 3
)

// hashSeeds are the per-function mixing seeds, generated once from a
// splitmix64 stream so signatures are stable across processes.
var hashSeeds = func() [signatureSize]uint64 {
	var seeds [signatureSize]uint64
	state := uint64(0x9e3779b97f4a7c15)
	for i := range seeds {
		state += 0x9e3779b97f4a7c15
		z := state
		z = (z ^ (z >> 30)) * 0xbf58476d1ce4e5b9
		z = (z ^ (z >> 27)) * 0x94d049bb133111eb
		seeds[i] = z ^ (z >> 31)
	}
	return seeds
}()

func mix64(v uint64) uint64 {
	v = (v ^ (v >> 33)) * 0xff51afd7ed558ccd
	v = (v ^ (v >> 33)) * 0xc4ceb9fe1a85ec53
	return v ^ (v >> 33)
}

// shingles returns the character 3-gram set of s. Strings shorter than
// one shingle hash as a single unit.
func shingles(s string) map[uint64]struct{} {
	runes := []rune(s)
	out := make(map[uint64]struct{}, len(runes))
	if len(runes) < shingleSize {
		if len(runes) > 0 {
			out[xxhash.Sum64String(s)] = struct{}{}
		}
		return out
	}
	for i := 0; i+shingleSize <= len(runes); i++ {
		out[xxhash.Sum64String(string(runes[i:i+shingleSize]))] = struct{}{}
	}
	return out
}

// minhashSignature computes the 128-value MinHash signature of s.
func minhashSignature(s string) []uint64 {
	sig := make([]uint64, signatureSize)
	for i := range sig {
		sig[i] = ^uint64(0)
	}
	for sh := range shingles(s) {
		for i, seed := range hashSeeds {
			if h := mix64(sh ^ seed); h < sig[i] {
				sig[i] = h
			}
		}
	}
	return sig
}

// signatureSimilarity estimates Jaccard similarity as the fraction of
// agreeing signature positions.
func signatureSimilarity(a, b []uint64) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	match := 0
	for i := range a {
		if a[i] == b[i] {
			match++
		}
	}
	return float64(match) / float64(len(a))
}

// bandHashes folds the signature into one hash per LSH band. Entries
// colliding in any band become fuzzy-lookup candidates.
func bandHashes(sig []uint64) [lshBands]uint64 {
	var out [lshBands]uint64
	var buf [lshRows * 8]byte
	for band := 0; band < lshBands; band++ {
		rows := sig[band*lshRows : (band+1)*lshRows]
		for i, v := range rows {
			binary.LittleEndian.PutUint64(buf[i*8:], v)
		}
		out[band] = xxhash.Sum64(buf[:])
	}
	return out
}
