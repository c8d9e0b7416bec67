package llm

import (
	"fmt"

	"github.com/RichardoC/llm-relay/internal/models"
	"github.com/pkoukk/tiktoken-go"
)

const tokenEncoding = "cl100k_base"

// TokenCounter estimates how many tokens a prompt will cost.
type TokenCounter interface {
	Count(turns []models.Turn) int
}

type tiktokenCounter struct {
	enc *tiktoken.Tiktoken
}

// NewTokenCounter loads the cl100k_base encoding. The first call may download
// the BPE ranks, so callers should treat an error as "no estimate available".
func NewTokenCounter() (TokenCounter, error) {
	enc, err := tiktoken.GetEncoding(tokenEncoding)
	if err != nil {
		return nil, fmt.Errorf("failed to load %s encoding: %w", tokenEncoding, err)
	}
	return &tiktokenCounter{enc: enc}, nil
}

func (c *tiktokenCounter) Count(turns []models.Turn) int {
	n := 0
	for _, t := range turns {
		n += len(c.enc.Encode(t.Content, nil, nil))
	}
	return n
}
