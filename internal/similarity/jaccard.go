package similarity

import (
	"context"
	"strings"
	"unicode"
)

// JaccardOracle scores errors by token-set overlap. Deterministic, symmetric,
// and cheap enough to run over full failure histories without batching.
type JaccardOracle struct{}

var _ Oracle = (*JaccardOracle)(nil)

// NewJaccardOracle returns the default local similarity oracle.
func NewJaccardOracle() *JaccardOracle {
	return &JaccardOracle{}
}

// Score computes the Jaccard coefficient between the two errors' lowercased
// token sets. Two empty strings score 1.0.
func (o *JaccardOracle) Score(_ context.Context, a, b string) (float64, error) {
	tokensA := tokenize(a)
	tokensB := tokenize(b)

	if len(tokensA) == 0 && len(tokensB) == 0 {
		return 1.0, nil
	}

	setA := make(map[string]bool, len(tokensA))
	for _, tok := range tokensA {
		setA[tok] = true
	}
	setB := make(map[string]bool, len(tokensB))
	for _, tok := range tokensB {
		setB[tok] = true
	}

	intersection := 0
	for tok := range setA {
		if setB[tok] {
			intersection++
		}
	}
	union := len(setA)
	for tok := range setB {
		if !setA[tok] {
			union++
		}
	}

	if union == 0 {
		return 1.0, nil
	}
	return float64(intersection) / float64(union), nil
}

// tokenize splits text into lowercase alphanumeric tokens. Punctuation
// separates tokens so "expected:" and "expected" compare equal.
func tokenize(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}
