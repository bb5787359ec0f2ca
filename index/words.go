package index

import "github.com/hubenschmidt/go-imgmatch/signature"

// MaxWordLength keeps base-3 word codes inside an int64.
const MaxWordLength = 39

// WordOptions controls the coarse pre-filter.
type WordOptions struct {
	Length int `yaml:"length"` // values per word
	Count  int `yaml:"count"`  // words per signature
}

func DefaultWordOptions() WordOptions {
	return WordOptions{Length: 16, Count: 63}
}

// Word is a bucket key: the word's position in the signature and its code.
type Word struct {
	Position int
	Code     int64
}

// Words cuts opts.Count words of opts.Length consecutive values, evenly spaced
// over sig, reduces every value to its sign and encodes each word in base 3.
// Starts are clamped so no word runs past the end; signatures shorter than a
// word are zero-padded.
func Words(sig signature.Signature, opts WordOptions) []Word {
	n := len(sig)
	if n == 0 || opts.Count <= 0 || opts.Length <= 0 {
		return nil
	}

	lastStart := max(n-opts.Length, 0)
	words := make([]Word, opts.Count)
	for i := range words {
		start := 0
		if opts.Count > 1 {
			start = min(i*n/(opts.Count-1), lastStart)
		}

		var code int64
		pow := int64(1)
		for j := 0; j < opts.Length; j++ {
			var v int8
			if start+j < n {
				v = sig[start+j]
			}
			code += int64(sign(v)+1) * pow
			pow *= 3
		}
		words[i] = Word{Position: i, Code: code}
	}
	return words
}

func sign(v int8) int8 {
	switch {
	case v > 0:
		return 1
	case v < 0:
		return -1
	}
	return 0
}
