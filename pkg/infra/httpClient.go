package infra

import (
	"time"

	"github.com/imroc/req/v3"
)

// ProvideHttpClient builds the REST client used against the queue
// server. Retries stay off unless asked for, callers surface failures
// instead of replaying them.
func ProvideHttpClient(baseURL string, timeout time.Duration, retryCount int) *req.Client {
	// Use C() to create a client and set with chainable client settings.
	client := req.C().
		SetBaseURL(baseURL).
		SetTimeout(timeout).
		SetCommonHeader("Accept", "application/json")

	if retryCount > 0 {
		client.SetCommonRetryCount(retryCount).
			SetCommonRetryBackoffInterval(500*time.Millisecond, 3*time.Second)
	}
	return client
}
