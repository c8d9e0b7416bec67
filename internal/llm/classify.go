package llm

import (
	"context"
	"errors"
	"net"
	"strings"
)

type Kind string

const (
	KindTimeout   Kind = "timeout"
	KindRateLimit Kind = "rate_limit"
	KindAPIError  Kind = "api_error"
	KindUnknown   Kind = "unknown"
)

var fallbacks = map[Kind]string{
	KindTimeout:   "Sorry, the service is temporarily unavailable. Please try again.",
	KindRateLimit: "Too many requests right now. Please wait a moment and try again.",
	KindAPIError:  "A technical error occurred. Please contact the administrator.",
	KindUnknown:   "I couldn't get an answer. Please try rephrasing your question.",
}

// Fallback is the user-facing sentence sent in place of a failed completion.
func (k Kind) Fallback() string {
	if msg, ok := fallbacks[k]; ok {
		return msg
	}
	return fallbacks[KindUnknown]
}

// Failure is a classified completion error.
type Failure struct {
	Kind Kind
	Raw  string
}

func (f *Failure) Error() string {
	return string(f.Kind) + ": " + f.Raw
}

func Classify(err error) Failure {
	if err == nil {
		return Failure{Kind: KindUnknown}
	}
	raw := err.Error()
	if errors.Is(err, context.DeadlineExceeded) {
		return Failure{Kind: KindTimeout, Raw: raw}
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return Failure{Kind: KindTimeout, Raw: raw}
	}
	return Failure{Kind: ClassifyMessage(raw), Raw: raw}
}

// ClassifyMessage matches the raw error text; order matters.
func ClassifyMessage(msg string) Kind {
	msg = strings.ToLower(msg)
	switch {
	case strings.Contains(msg, "timeout"):
		return KindTimeout
	case strings.Contains(msg, "rate limit"):
		return KindRateLimit
	case strings.Contains(msg, "api"):
		return KindAPIError
	default:
		return KindUnknown
	}
}
