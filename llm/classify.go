package llm

import (
	"context"
	"errors"
	"net"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	openai "github.com/sashabaranov/go-openai"

	"github.com/lavisapp/lavis/faults"
)

// Classify maps a provider error to a stable model error category. SDK
// error types are preferred; the string sniffing at the end exists only
// for vendors whose SDKs surface bare strings.
func Classify(err error, alias string) *faults.ModelError {
	if err == nil {
		return nil
	}

	if me, ok := faults.AsModelError(err); ok {
		return me
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return faults.NewModelError(faults.ModelTimeout, alias, "call timed out", err)
	}
	if errors.Is(err, context.Canceled) {
		return faults.NewModelError(faults.ModelTimeout, alias, "call canceled", err)
	}

	var openaiErr *openai.APIError
	if errors.As(err, &openaiErr) {
		return faults.NewModelError(categoryForStatus(openaiErr.HTTPStatusCode), alias, openaiErr.Message, err)
	}

	var anthropicErr *anthropic.Error
	if errors.As(err, &anthropicErr) {
		return faults.NewModelError(categoryForStatus(anthropicErr.StatusCode), alias, "anthropic api error", err)
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return faults.NewModelError(faults.ModelTimeout, alias, "network timeout", err)
		}
		return faults.NewModelError(faults.ModelNetwork, alias, "network failure", err)
	}

	return faults.NewModelError(sniffCategory(err.Error()), alias, "provider error", err)
}

// categoryForStatus maps an HTTP status code to a model error category.
func categoryForStatus(status int) faults.ModelCategory {
	switch {
	case status == 401 || status == 403:
		return faults.ModelAuth
	case status == 429:
		return faults.ModelRateLimit
	case status == 408:
		return faults.ModelTimeout
	case status >= 500:
		return faults.ModelUnavailable
	default:
		return faults.ModelUnknown
	}
}

// sniffCategory guesses a category from error text. Isolated here so no
// other code matches on message strings.
func sniffCategory(msg string) faults.ModelCategory {
	lower := strings.ToLower(msg)
	switch {
	case strings.Contains(lower, "api key") || strings.Contains(lower, "unauthorized") ||
		strings.Contains(lower, "401") || strings.Contains(lower, "403") ||
		strings.Contains(lower, "permission denied"):
		return faults.ModelAuth
	case strings.Contains(lower, "rate limit") || strings.Contains(lower, "429") ||
		strings.Contains(lower, "quota"):
		return faults.ModelRateLimit
	case strings.Contains(lower, "timeout") || strings.Contains(lower, "deadline"):
		return faults.ModelTimeout
	case strings.Contains(lower, "connection") || strings.Contains(lower, "no such host") ||
		strings.Contains(lower, "network"):
		return faults.ModelNetwork
	case strings.Contains(lower, "500") || strings.Contains(lower, "502") ||
		strings.Contains(lower, "503") || strings.Contains(lower, "unavailable") ||
		strings.Contains(lower, "overloaded"):
		return faults.ModelUnavailable
	default:
		return faults.ModelUnknown
	}
}
