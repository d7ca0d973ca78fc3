package crypto

import (
	"crypto/sha256"
	"errors"
	"io"
	"math"
	"math/big"
	"sync"

	"github.com/sethvargo/go-diceware/diceware"
	"golang.org/x/crypto/hkdf"
)

const fingerprintMinEntropy = 64

var ErrEmptyFingerprintKey = errors.New("crypto: empty fingerprint key")

// Fingerprint derives a word phrase binding material (the app id) to publicKey.
// Words come from the EFF large word list, as on the desktop side.
func Fingerprint(material string, publicKey []byte) ([]string, error) {
	if len(publicKey) == 0 {
		return nil, ErrEmptyFingerprintKey
	}
	keyHash := sha256.Sum256(publicKey)
	userHash := make([]byte, 32)
	if _, err := io.ReadFull(hkdf.Expand(sha256.New, keyHash[:], []byte(material)), userHash); err != nil {
		return nil, err
	}
	return hashPhrase(userHash, effLargeWords()), nil
}

func hashPhrase(hash []byte, words []string) []string {
	perWord := math.Log2(float64(len(words)))
	n := int(math.Ceil(fingerprintMinEntropy / perWord))

	num := new(big.Int).SetBytes(hash)
	base := big.NewInt(int64(len(words)))
	rem := new(big.Int)
	phrase := make([]string, 0, n)
	for i := 0; i < n; i++ {
		num.DivMod(num, base, rem)
		phrase = append(phrase, words[rem.Int64()])
	}
	return phrase
}

// effLargeWords flattens the EFF large list into roll order, 11111 first.
var effLargeWords = sync.OnceValue(func() []string {
	list := diceware.WordListEffLarge()
	digits := list.Digits()
	total := 1
	for i := 0; i < digits; i++ {
		total *= 6
	}
	words := make([]string, total)
	for i := range words {
		roll, rest := 0, i
		scale := 1
		for d := 0; d < digits; d++ {
			roll += (rest%6 + 1) * scale
			rest /= 6
			scale *= 10
		}
		words[i] = list.WordAt(roll)
	}
	return words
})
