package market

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"
)

// SentimentClient fetches the fear & greed index (0..100) from an
// alternative.me-compatible API.
type SentimentClient struct {
	client *resty.Client
}

func NewSentimentClient(baseURL string, timeout time.Duration) *SentimentClient {
	client := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(timeout).
		SetRetryCount(2).
		SetRetryWaitTime(time.Second)
	return &SentimentClient{client: client}
}

type fearGreedResponse struct {
	Data []struct {
		Value          string `json:"value"`
		Classification string `json:"value_classification"`
		Timestamp      string `json:"timestamp"`
	} `json:"data"`
}

func (c *SentimentClient) FearGreed(ctx context.Context) (float64, error) {
	var out fearGreedResponse
	resp, err := c.client.R().
		SetContext(ctx).
		SetQueryParam("limit", "1").
		SetResult(&out).
		Get("/fng/")
	if err != nil {
		return 0, err
	}
	if resp.IsError() {
		return 0, fmt.Errorf("fear greed fetch: http %d", resp.StatusCode())
	}
	if len(out.Data) == 0 {
		return 0, fmt.Errorf("fear greed fetch: empty response")
	}
	value, err := strconv.ParseFloat(out.Data[0].Value, 64)
	if err != nil {
		return 0, fmt.Errorf("fear greed fetch: bad value %q", out.Data[0].Value)
	}
	if value < 0 || value > 100 {
		return 0, fmt.Errorf("fear greed fetch: value %v out of range", value)
	}
	return value, nil
}
