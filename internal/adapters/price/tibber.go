package price

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/eosconnect/eoscoordinator/internal/model"
	"github.com/eosconnect/eoscoordinator/internal/retry"
)

// TibberClient fetches today's and tomorrow's hourly spot prices via
// Tibber's GraphQL API. Transport shape (context-bound http.Client,
// status/body error wrapping) is grounded on entsoe.APIClient. Prices
// is wrapped in the coordinator's bounded-retry policy and falls back
// to the last successfully fetched series once that budget is spent.
type TibberClient struct {
	httpClient *http.Client
	baseURL    string
	token      string

	attempts int
	backoff  time.Duration
	logger   *log.Logger
	cache    retry.StaleCache[[model.PlanHours]float64]
}

// NewTibberClient creates a client authenticating with a personal
// access token, as issued by Tibber's developer portal. attempts/backoff
// configure the retry policy (attempts <= 0 uses retry.DefaultAttempts);
// logger may be nil.
func NewTibberClient(token string, timeout time.Duration, attempts int, backoff time.Duration, logger *log.Logger) *TibberClient {
	return &TibberClient{
		httpClient: &http.Client{Timeout: timeout},
		baseURL:    "https://api.tibber.com/v1-beta/gql",
		token:      token,
		attempts:   attempts,
		backoff:    backoff,
		logger:     logger,
	}
}

// SetBaseURL overrides the endpoint, for testing.
func (c *TibberClient) SetBaseURL(u string) { c.baseURL = u }

const tibberQuery = `{
  viewer {
    homes {
      currentSubscription {
        priceInfo {
          today { total startsAt }
          tomorrow { total startsAt }
        }
      }
    }
  }
}`

type tibberEnvelope struct {
	Data struct {
		Viewer struct {
			Homes []struct {
				CurrentSubscription struct {
					PriceInfo struct {
						Today    []tibberPricePoint `json:"today"`
						Tomorrow []tibberPricePoint `json:"tomorrow"`
					} `json:"priceInfo"`
				} `json:"currentSubscription"`
			} `json:"homes"`
		} `json:"viewer"`
	} `json:"data"`
	Errors []struct {
		Message string `json:"message"`
	} `json:"errors"`
}

type tibberPricePoint struct {
	Total    float64 `json:"total"` // EUR/kWh
	StartsAt string  `json:"startsAt"`
}

func (c *TibberClient) logf(format string, args ...any) {
	if c.logger != nil {
		c.logger.Printf(format, args...)
	}
}

// Prices implements Source. It retries the GraphQL request per the
// adapter retry policy; once that budget is exhausted it returns the
// last successfully fetched series (or a zeroed one if none has ever
// succeeded) alongside the final error, so a caller can still carry on
// with stale-but-plausible prices instead of a request with a hole in it.
func (c *TibberClient) Prices(ctx context.Context, now time.Time, loc *time.Location) ([model.PlanHours]float64, error) {
	var result [model.PlanHours]float64
	err := retry.Do(ctx, c.attempts, c.backoff, c.logf, "tibber: fetch prices", func(ctx context.Context) error {
		r, ferr := c.fetchOnce(ctx, now, loc)
		if ferr != nil {
			return ferr
		}
		result = r
		return nil
	})
	if err != nil {
		if cached, ok := c.cache.Get(); ok {
			return cached, fmt.Errorf("tibber: retries exhausted, using last known prices: %w", err)
		}
		return result, err
	}
	c.cache.Set(result)
	return result, nil
}

func (c *TibberClient) fetchOnce(ctx context.Context, now time.Time, loc *time.Location) ([model.PlanHours]float64, error) {
	var result [model.PlanHours]float64

	body, _ := json.Marshal(map[string]string{"query": tibberQuery})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL, bytes.NewReader(body))
	if err != nil {
		return result, fmt.Errorf("tibber: build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return result, fmt.Errorf("tibber: request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return result, fmt.Errorf("tibber: status %d", resp.StatusCode)
	}

	var env tibberEnvelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return result, fmt.Errorf("tibber: decode response: %w", err)
	}
	if len(env.Errors) > 0 {
		return result, fmt.Errorf("tibber: %s", env.Errors[0].Message)
	}
	if len(env.Data.Viewer.Homes) == 0 {
		return result, fmt.Errorf("tibber: no homes on account")
	}

	info := env.Data.Viewer.Homes[0].CurrentSubscription.PriceInfo
	points := append(append([]tibberPricePoint{}, info.Today...), info.Tomorrow...)

	midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, loc)
	for _, p := range points {
		ts, perr := time.Parse(time.RFC3339, p.StartsAt)
		if perr != nil {
			continue
		}
		ts = ts.In(loc)
		hourOffset := int(ts.Sub(midnight).Hours())
		if hourOffset < 0 || hourOffset >= model.PlanHours {
			continue
		}
		result[hourOffset] = p.Total / 1000 // EUR/kWh -> EUR/Wh
	}

	return result, nil
}
