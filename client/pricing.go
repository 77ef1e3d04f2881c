package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"

	"github.com/shopspring/decimal"
)

// Local rate table, per tier. Advisory only: the 402 challenge is the sole
// binding price, and these numbers are allowed to drift from the server's.
var (
	localPerGB = map[string]decimal.Decimal{
		"shared":    decimal.NewFromFloat(3.00),
		"dedicated": decimal.NewFromFloat(6.00),
		"mobile":    decimal.NewFromFloat(8.00),
	}
	localPerHour = map[string]decimal.Decimal{
		"shared":    decimal.NewFromFloat(1.00),
		"dedicated": decimal.NewFromFloat(2.00),
		"mobile":    decimal.NewFromFloat(3.00),
	}
)

// PriceEstimate is a display-only price with its provenance. Source is
// "remote" when the authoritative pricing endpoint answered, "local" when
// the fallback table was used. Either way it is an estimate, never a
// guaranteed price.
type PriceEstimate struct {
	Price  decimal.Decimal
	Source string
}

// LocalEstimate computes tier-rate x quantity from the built-in table.
func LocalEstimate(tier string, trafficGB, durationHours int) (decimal.Decimal, error) {
	perGB, ok := localPerGB[tier]
	if !ok {
		return decimal.Zero, fmt.Errorf("unknown tier %q (supported: shared, dedicated, mobile)", tier)
	}
	gb := perGB.Mul(decimal.NewFromInt(int64(trafficGB)))
	hours := localPerHour[tier].Mul(decimal.NewFromInt(int64(durationHours)))
	return gb.Add(hours), nil
}

// Estimate prefers the remote pricing endpoint and silently falls back to
// the local table when it is unreachable or malformed.
func (c *Client) Estimate(ctx context.Context, tier string, trafficGB, durationHours int) (PriceEstimate, error) {
	if remote, err := c.remoteEstimate(ctx, tier, trafficGB, durationHours); err == nil {
		return PriceEstimate{Price: remote, Source: "remote"}, nil
	} else {
		c.logger.Debug().Err(err).Msg("remote pricing unavailable, using local table")
	}

	local, err := LocalEstimate(tier, trafficGB, durationHours)
	if err != nil {
		return PriceEstimate{}, err
	}
	return PriceEstimate{Price: local, Source: "local"}, nil
}

func (c *Client) remoteEstimate(ctx context.Context, tier string, trafficGB, durationHours int) (decimal.Decimal, error) {
	q := url.Values{}
	q.Set("tier", tier)
	q.Set("traffic", strconv.Itoa(trafficGB))
	q.Set("duration", strconv.Itoa(durationHours))

	status, body, err := c.get(ctx, c.baseURL+"/v1/pricing?"+q.Encode(), nil)
	if err != nil {
		return decimal.Zero, err
	}
	if status != http.StatusOK {
		return decimal.Zero, fmt.Errorf("pricing endpoint returned %d", status)
	}
	var out struct {
		Price string `json:"price"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return decimal.Zero, err
	}
	price, err := decimal.NewFromString(out.Price)
	if err != nil {
		return decimal.Zero, err
	}
	return price, nil
}
