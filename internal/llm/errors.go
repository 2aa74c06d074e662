package llm

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrInvocation is returned when the CLI process fails without a
	// structured error payload: non-zero exit, unparseable stdout, or a
	// spawn failure.
	ErrInvocation = errors.New("llm invocation failed")

	// ErrQuotaExceeded marks a rate or capacity error from the model.
	// The invoker retries once against the fallback model before
	// surfacing it.
	ErrQuotaExceeded = errors.New("llm quota exceeded")

	// ErrAuditParse is returned when an audit response cannot be
	// extracted from the model output by any parsing tier.
	ErrAuditParse = errors.New("unparseable audit response")
)

// ModelError is the structured error payload emitted by the CLI.
type ModelError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
	Code    int    `json:"code"`
}

func (e *ModelError) Error() string {
	if e.Type != "" {
		return fmt.Sprintf("%s (%s)", e.Message, e.Type)
	}
	return e.Message
}

// quotaMarkers identify rate/capacity errors in payloads and stderr.
var quotaMarkers = []string{
	"quota",
	"capacity",
	"429",
	"resource exhausted",
	"resource_exhausted",
	"rate limit",
}

// isQuotaText reports whether s contains a quota/capacity marker.
func isQuotaText(s string) bool {
	s = strings.ToLower(s)
	for _, m := range quotaMarkers {
		if strings.Contains(s, m) {
			return true
		}
	}
	return false
}

// isQuotaError reports whether a model error payload indicates quota
// exhaustion.
func (e *ModelError) isQuotaError() bool {
	if e == nil {
		return false
	}
	if e.Code == 429 {
		return true
	}
	return isQuotaText(e.Type) || isQuotaText(e.Message)
}
