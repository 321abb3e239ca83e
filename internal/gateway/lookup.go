package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/haasonsaas/relay/internal/backoff"
	"github.com/haasonsaas/relay/internal/observability"
)

const lookupAttempts = 3

// SubscriptionUser is the fan-out API's answer to a subscription lookup.
type SubscriptionUser struct {
	UserID         int64  `json:"user_id"`
	SnowflakeID    string `json:"snowflake_id"`
	OpenID         string `json:"open_id"`
	SubscriptionID string `json:"subscription_id"`
}

// subscriptionLookup resolves subscription ids against the fan-out API.
// Only legacy tokens need it; fresh tokens carry the external id inline.
type subscriptionLookup struct {
	baseURL string
	client  *http.Client
	log     *observability.Logger
}

func newSubscriptionLookup(baseURL string, log *observability.Logger) *subscriptionLookup {
	return &subscriptionLookup{
		baseURL: baseURL,
		client:  &http.Client{Timeout: 5 * time.Second},
		log:     log.WithFields("component", "subscription-lookup"),
	}
}

// UserBySubscription fetches the user behind a subscription id, retrying
// transient failures on the lookup schedule.
func (l *subscriptionLookup) UserBySubscription(ctx context.Context, subscriptionID string) (*SubscriptionUser, error) {
	url := fmt.Sprintf("%s/api/subscriptions/%s/user", l.baseURL, subscriptionID)

	info, err := backoff.Retry(ctx, backoff.LookupPolicy(), lookupAttempts,
		func(attempt int) (*SubscriptionUser, error) {
			if attempt > 1 {
				l.log.Warn(ctx, "retrying subscription lookup",
					"subscription_id", subscriptionID, "attempt", attempt)
			}
			return l.fetch(ctx, url)
		})
	if err != nil {
		return nil, fmt.Errorf("lookup subscription %s: %w", subscriptionID, err)
	}
	return info, nil
}

func (l *subscriptionLookup) fetch(ctx context.Context, url string) (*SubscriptionUser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := l.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	var info SubscriptionUser
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if info.SnowflakeID == "" || info.OpenID == "" {
		return nil, fmt.Errorf("incomplete response for subscription")
	}
	return &info, nil
}
