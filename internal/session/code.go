package session

import "crypto/rand"

const codeAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ"

// GenerateCode produces a random session code of n uppercase letters, each
// drawn uniformly. Uniqueness is not its responsibility; the registry's
// create path retries against the store, which rejects duplicate keys.
func GenerateCode(n int) string {
	// bytes at or above the largest multiple of 26 would wrap unevenly onto
	// the alphabet, so they are redrawn
	const limit = 256 - 256%len(codeAlphabet)

	out := make([]byte, 0, n)
	buf := make([]byte, n)
	for len(out) < n {
		if _, err := rand.Read(buf); err != nil {
			// crypto/rand never fails on supported platforms
			panic(err)
		}
		for _, b := range buf {
			if int(b) >= limit {
				continue
			}
			out = append(out, codeAlphabet[int(b)%len(codeAlphabet)])
			if len(out) == n {
				break
			}
		}
	}
	return string(out)
}
