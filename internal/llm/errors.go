package llm

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/sashabaranov/go-openai"
)

// ErrQuotaExceeded marks quota and rate-limit failures from the model
// provider. These are retryable after a delay, unlike parse failures or
// other permanent errors, so they must stay distinguishable at the caller.
var ErrQuotaExceeded = errors.New("model quota or rate limit exceeded")

// IsQuotaError reports whether err is a retryable quota/rate-limit failure.
func IsQuotaError(err error) bool {
	return errors.Is(err, ErrQuotaExceeded)
}

// classify tags provider errors that warrant a retry-after-delay with
// ErrQuotaExceeded. Everything else passes through unchanged.
func classify(err error) error {
	if err == nil {
		return nil
	}

	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		if apiErr.HTTPStatusCode == http.StatusTooManyRequests || apiErr.Type == "insufficient_quota" {
			return fmt.Errorf("%w: %v", ErrQuotaExceeded, err)
		}
	}

	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) && reqErr.HTTPStatusCode == http.StatusTooManyRequests {
		return fmt.Errorf("%w: %v", ErrQuotaExceeded, err)
	}

	return err
}
