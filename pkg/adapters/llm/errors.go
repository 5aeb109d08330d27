package llm

import (
	"context"
	"errors"
	"strings"

	"github.com/wyldmark/fable/pkg/errmodel"
)

// Classify converts a provider error into a typed compact error. The string
// heuristics live here, at the adapter boundary, because most provider SDKs
// only expose failure detail through error text and HTTP status fragments.
// Already-classified errors pass through unchanged.
func Classify(provider string, err error) error {
	if err == nil {
		return nil
	}
	var ce *errmodel.Error
	if errors.As(err, &ce) {
		return ce
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return errmodel.New(errmodel.CategoryNetwork, errmodel.CodeTimeout, provider+" request timed out", nil, err)
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "rate limit") || strings.Contains(msg, "429"):
		return errmodel.Model(errmodel.CodeRateLimited, provider+" rate limited", err)
	case strings.Contains(msg, "quota") || strings.Contains(msg, "billing"):
		return errmodel.Model(errmodel.CodeQuotaExceeded, provider+" quota exceeded", err)
	case strings.Contains(msg, "timeout") || strings.Contains(msg, "deadline") ||
		strings.Contains(msg, "network") || strings.Contains(msg, "connection"):
		return errmodel.New(errmodel.CategoryNetwork, errmodel.CodeTimeout, provider+" network failure", nil, err)
	default:
		return errmodel.Model(errmodel.CodeUnavailable, provider+" generation failed", err)
	}
}
