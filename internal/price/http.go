package price

import (
	"context"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
)

// priceResponse is the wire shape both feeds share: a price in 1e8 fixed
// point plus the publish timestamp.
type priceResponse struct {
	PairID      uint16 `json:"pair_id"`
	Price       uint64 `json:"price"`
	PublishTime int64  `json:"publish_time"`
}

// HTTPProvider fetches quotes from a JSON price feed endpoint.
type HTTPProvider struct {
	name   string
	client *resty.Client
}

// NewHTTPProvider creates a provider for a feed at baseURL. The endpoint is
// GET {baseURL}/price?pair={id}.
func NewHTTPProvider(name, baseURL string) *HTTPProvider {
	client := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(3 * time.Second).
		SetRetryCount(2).
		SetRetryWaitTime(200 * time.Millisecond)
	return &HTTPProvider{name: name, client: client}
}

func (p *HTTPProvider) Name() string { return p.name }

// Price fetches the current quote for pairID.
func (p *HTTPProvider) Price(ctx context.Context, pairID uint16) (Quote, error) {
	var body priceResponse
	resp, err := p.client.R().
		SetContext(ctx).
		SetQueryParam("pair", fmt.Sprintf("%d", pairID)).
		SetResult(&body).
		Get("/price")
	if err != nil {
		return Quote{}, fmt.Errorf("%s: %w", p.name, err)
	}
	if resp.IsError() {
		return Quote{}, fmt.Errorf("%s: status %d", p.name, resp.StatusCode())
	}
	if body.Price == 0 {
		return Quote{}, fmt.Errorf("%s: zero price for pair %d", p.name, pairID)
	}
	return Quote{
		PairID:     pairID,
		Price:      body.Price,
		ObservedAt: time.Unix(body.PublishTime, 0),
		Source:     p.name,
	}, nil
}
