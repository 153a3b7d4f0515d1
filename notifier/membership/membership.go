// Package membership implements the notifier.Authorizer against the main
// application's internal membership endpoint.
package membership

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/hashicorp/go-retryablehttp"

	"github.com/rudderlabs/rudder-go-kit/cachettl"
	"github.com/rudderlabs/rudder-go-kit/config"
	"github.com/rudderlabs/rudder-go-kit/httputil"
	"github.com/rudderlabs/rudder-go-kit/logger"
)

type cachedLookup struct {
	member bool
	valid  bool
}

// Checker answers tenant membership questions, caching positive and negative
// results for a short while. Lookups that fail altogether return an error and
// the caller is expected to deny (fail closed).
type Checker struct {
	logger   logger.Logger
	baseURL  string
	client   *http.Client
	cache    *cachettl.Cache[string, cachedLookup]
	cacheTTL config.ValueLoader[time.Duration]
}

// New creates a membership checker talking to the application's internal API.
func New(conf *config.Config, log logger.Logger) *Checker {
	retryClient := retryablehttp.NewClient()
	retryClient.RetryMax = conf.GetIntVar(3, 1, "Membership.retryMax")
	retryClient.HTTPClient.Timeout = conf.GetDurationVar(5, time.Second, "Membership.timeout")
	retryClient.Logger = nil

	return &Checker{
		logger:   log.Child("membership"),
		baseURL:  conf.GetStringVar("http://localhost:8080", "Membership.url"),
		client:   retryClient.StandardClient(),
		cache:    cachettl.New[string, cachedLookup](),
		cacheTTL: conf.GetReloadableDurationVar(30, time.Second, "Membership.cacheTTL"),
	}
}

// UserBelongsToTenant reports whether userID is a member of tenantID.
func (c *Checker) UserBelongsToTenant(ctx context.Context, userID, tenantID string) (bool, error) {
	cacheKey := tenantID + ":" + userID
	if lookup := c.cache.Get(cacheKey); lookup.valid {
		return lookup.member, nil
	}

	member, err := c.lookup(ctx, userID, tenantID)
	if err != nil {
		return false, err
	}
	c.cache.Put(cacheKey, cachedLookup{member: member, valid: true}, c.cacheTTL.Load())
	return member, nil
}

func (c *Checker) lookup(ctx context.Context, userID, tenantID string) (bool, error) {
	endpoint := fmt.Sprintf("%s/internal/v1/tenants/%s/members/%s",
		c.baseURL, url.PathEscape(tenantID), url.PathEscape(userID))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return false, fmt.Errorf("creating membership request: %w", err)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return false, fmt.Errorf("querying membership: %w", err)
	}
	defer func() { httputil.CloseResponse(resp) }()

	switch resp.StatusCode {
	case http.StatusOK:
		return true, nil
	case http.StatusNotFound:
		return false, nil
	default:
		return false, fmt.Errorf("unexpected membership response: %d", resp.StatusCode)
	}
}
