package textsplit

import (
	"fmt"

	"github.com/pkoukk/tiktoken-go"
)

// TokenCounter measures text against a model's context budget.
type TokenCounter interface {
	Count(text string) int
}

type tiktokenCounter struct {
	enc *tiktoken.Tiktoken
}

// NewTiktokenCounter loads a BPE encoding such as "cl100k_base".
func NewTiktokenCounter(encoding string) (TokenCounter, error) {
	enc, err := tiktoken.GetEncoding(encoding)
	if err != nil {
		return nil, fmt.Errorf("failed to load tiktoken encoding %s: %w", encoding, err)
	}
	return &tiktokenCounter{enc: enc}, nil
}

func (t *tiktokenCounter) Count(text string) int {
	return len(t.enc.Encode(text, nil, nil))
}

// ApproxCounter estimates four bytes per token. It is used when no encoding can be loaded.
type ApproxCounter struct{}

func (ApproxCounter) Count(text string) int {
	return (len(text) + 3) / 4
}

// CounterOrApprox returns a tiktoken counter, falling back to ApproxCounter.
func CounterOrApprox(encoding string) (TokenCounter, error) {
	c, err := NewTiktokenCounter(encoding)
	if err != nil {
		return ApproxCounter{}, err
	}
	return c, nil
}
