package narrator

import (
	tiktoken "github.com/pkoukk/tiktoken-go"
)

// TokenEstimator estimates the token cost of a prompt string.
type TokenEstimator func(text string) int

// NewTikTokenEstimator returns a TokenEstimator backed by tiktoken-go for the
// given model ("gpt-4o", "gpt-4o-mini", ...). Unknown models return an error.
func NewTikTokenEstimator(model string) (TokenEstimator, error) {
	enc, err := tiktoken.EncodingForModel(model)
	if err != nil {
		return nil, err
	}
	return func(text string) int {
		return len(enc.Encode(text, nil, nil))
	}, nil
}
