// Package names generates memorable room names.
package names

import (
	"crypto/rand"
	"math/big"
	"strings"
)

// Words is the number of words in a generated name.
const Words = 4

// Generate returns a random name such as "kitten-waffle-stardust-happy",
// built from one word of each of four distinct word lists.
func Generate() string {
	lists := [][]string{animals, dishes, names, randomWords, adjectives, extras}

	// Pick Words lists without replacement.
	for i := range Words {
		j := i + randomIndex(len(lists)-i)
		lists[i], lists[j] = lists[j], lists[i]
	}

	words := make([]string, Words)
	for i := range words {
		words[i] = lists[i][randomIndex(len(lists[i]))]
	}
	return strings.Join(words, "-")
}

// randomIndex returns a cryptographically secure random index below n.
func randomIndex(n int) int {
	v, err := rand.Int(rand.Reader, big.NewInt(int64(n)))
	if err != nil {
		panic("names: reading random source: " + err.Error())
	}
	return int(v.Int64())
}
