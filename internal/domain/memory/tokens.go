package memory

import "strings"

// TokenEstimator converts text into an approximate token count. The
// contract is "strictly positive for non-empty text and deterministic";
// policy code must not depend on the exact numbers.
type TokenEstimator interface {
	Estimate(text string) int
}

// WordEstimator approximates tokens as words / 0.75, matching the common
// rule of thumb that one word is about three quarters of a token budget.
// It can be swapped for a real tokenizer without touching eviction policy.
type WordEstimator struct{}

// Estimate returns at least 1 for any non-empty text.
func (WordEstimator) Estimate(text string) int {
	fields := strings.Fields(text)
	if len(fields) == 0 {
		if text == "" {
			return 0
		}
		return 1
	}
	n := int(float64(len(fields)) / 0.75)
	if n < 1 {
		n = 1
	}
	return n
}

// EstimateMessages sums the role-tagged estimate of every message.
func EstimateMessages(est TokenEstimator, msgs []Message) int {
	total := 0
	for _, m := range msgs {
		total += est.Estimate(string(m.Role) + ": " + m.Content)
	}
	return total
}
