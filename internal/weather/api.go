package weather

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"

	"github.com/shopspring/decimal"

	"github.com/pranavko12/weathervault/internal/config"
	"github.com/pranavko12/weathervault/internal/domain"
	"github.com/pranavko12/weathervault/internal/metrics"
	"github.com/pranavko12/weathervault/internal/retry"
)

const (
	EndpointGeocode    = "geocode"
	EndpointDaySummary = "day_summary"
)

// API wraps the two OpenWeather endpoints the collector uses.
type API struct {
	client *Client
	cfg    config.OpenWeatherConfig
}

func NewAPI(client *Client, cfg config.OpenWeatherConfig) *API {
	return &API{client: client, cfg: cfg}
}

type GeocodeResult struct {
	domain.Coordinates
	Name    string
	Country string
}

// Geocode looks up a postal code. The coordinates keep the exact decimal text the API returned.
func (a *API) Geocode(ctx context.Context, loc domain.Location) (GeocodeResult, error) {
	params := url.Values{}
	params.Set("zip", loc.PostalCode+","+loc.CountryCode)
	params.Set("appid", a.cfg.APIKey)

	body, err := a.get(ctx, EndpointGeocode, a.cfg.GeocodeURL, params)
	if err != nil {
		return GeocodeResult{}, err
	}
	obj, err := ParseObject(body, "lat", "lon")
	if err != nil {
		return GeocodeResult{}, err
	}

	lat, err := decimalField(obj, "lat")
	if err != nil {
		return GeocodeResult{}, err
	}
	lon, err := decimalField(obj, "lon")
	if err != nil {
		return GeocodeResult{}, err
	}

	res := GeocodeResult{Coordinates: domain.Coordinates{Latitude: lat, Longitude: lon}}
	res.Name, _ = obj["name"].(string)
	res.Country, _ = obj["country"].(string)
	return res, nil
}

type DaySummary struct {
	// Date is the date the response reports, which may differ from the one requested.
	Date   string
	Body   []byte
	Fields map[string]any
}

func (a *API) DaySummary(ctx context.Context, coords domain.Coordinates, date string) (DaySummary, error) {
	params := url.Values{}
	params.Set("lat", coords.Latitude.String())
	params.Set("lon", coords.Longitude.String())
	params.Set("date", date)
	params.Set("units", a.cfg.Units)
	params.Set("lang", a.cfg.Lang)
	params.Set("appid", a.cfg.APIKey)

	body, err := a.get(ctx, EndpointDaySummary, a.cfg.DaySummaryURL, params)
	if err != nil {
		return DaySummary{}, err
	}
	obj, err := ParseObject(body, "date")
	if err != nil {
		return DaySummary{}, err
	}
	echoed, ok := obj["date"].(string)
	if !ok || echoed == "" {
		return DaySummary{}, fmt.Errorf("%w: %q is not a string", ErrMissingKey, "date")
	}
	return DaySummary{Date: echoed, Body: body, Fields: obj}, nil
}

func (a *API) get(ctx context.Context, name, endpoint string, params url.Values) ([]byte, error) {
	body, err := a.client.Get(ctx, endpoint, params)
	if err != nil {
		metrics.IncAPICall(name, string(retry.ClassifyError(err)))
		return nil, err
	}
	metrics.IncAPICall(name, "ok")
	return body, nil
}

func decimalField(obj map[string]any, key string) (decimal.Decimal, error) {
	var raw string
	switch v := obj[key].(type) {
	case json.Number:
		raw = v.String()
	case string:
		raw = v
	default:
		return decimal.Decimal{}, fmt.Errorf("%w: %q is not a number", ErrMissingKey, key)
	}
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("%w: %q is not a decimal: %v", ErrMissingKey, key, err)
	}
	return d, nil
}
