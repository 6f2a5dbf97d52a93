// Package feed polls the Polymarket data-api for a tracked address's
// trade activity and current positions. The upstream feed is eventually
// consistent and occasionally resubmits records; dedup is the caller's job.
package feed

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/pkg/errors"

	"github.com/betbot/copycat/pkg/ratelimit"
)

const (
	endpointActivity  = "/activity"
	endpointPositions = "/positions"
)

// Client is a data-api client.
type Client struct {
	http    *resty.Client
	limiter *ratelimit.RateLimitManager
}

// NewClient creates a data-api client. host defaults to the public data-api.
func NewClient(host string) *Client {
	if host == "" {
		host = "https://data-api.polymarket.com"
	}
	host = strings.TrimSuffix(host, "/")

	// resty 会自动从环境变量读取代理配置（HTTP_PROXY, HTTPS_PROXY 等）
	client := resty.New().
		SetBaseURL(host).
		SetTimeout(60 * time.Second).
		SetRetryCount(3).
		SetRetryWaitTime(1 * time.Second).
		SetRetryMaxWaitTime(10 * time.Second).
		SetRetryAfter(func(client *resty.Client, resp *resty.Response) (time.Duration, error) {
			// 429 限流时优先使用 Retry-After 头
			if resp.StatusCode() == 429 {
				if retryAfter := resp.Header().Get("Retry-After"); retryAfter != "" {
					if seconds, err := time.ParseDuration(retryAfter + "s"); err == nil {
						return seconds, nil
					}
				}
				return 10 * time.Second, nil
			}
			return 0, nil
		}).
		SetHeader("Accept", "application/json").
		SetHeader("User-Agent", "copycat-feed")

	return &Client{http: client, limiter: ratelimit.NewRateLimitManager()}
}

// Activity fetches the tracked address's trade activity, newest first.
// Only TRADE-type events are requested; other activity types (REDEEM,
// SPLIT, MERGE) never reach the monitor.
func (c *Client) Activity(ctx context.Context, user string, limit, offset int) ([]Trade, error) {
	if user == "" {
		return nil, errors.New("feed: user address is required")
	}
	if limit <= 0 {
		limit = 100
	}
	if err := c.limiter.Wait(ctx, "data:activity:get"); err != nil {
		return nil, err
	}

	var trades []Trade
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParam("user", user).
		SetQueryParam("limit", strconv.Itoa(limit)).
		SetQueryParam("offset", strconv.Itoa(offset)).
		SetQueryParam("type", TypeTrade).
		SetResult(&trades).
		Get(endpointActivity)
	if err != nil {
		return nil, errors.Wrap(err, "feed: fetch activity")
	}
	if resp.IsError() {
		return nil, errors.Errorf("feed: activity %d: %s", resp.StatusCode(), strings.TrimSpace(string(resp.Body())))
	}

	return trades, nil
}

// Positions fetches the address's current open positions, including the
// redeemable flag used by the redemption engine.
func (c *Client) Positions(ctx context.Context, user string) ([]Position, error) {
	if user == "" {
		return nil, errors.New("feed: user address is required")
	}
	if err := c.limiter.Wait(ctx, "data:positions:get"); err != nil {
		return nil, err
	}

	var positions []Position
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParam("user", user).
		SetResult(&positions).
		Get(endpointPositions)
	if err != nil {
		return nil, errors.Wrap(err, "feed: fetch positions")
	}
	if resp.IsError() {
		return nil, errors.Errorf("feed: positions %d: %s", resp.StatusCode(), strings.TrimSpace(string(resp.Body())))
	}

	return positions, nil
}
