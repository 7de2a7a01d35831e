package casedir

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// HTTPDirectory reads cases from a REST backend:
//
//	GET {base}/cases/{number}
//	GET {base}/cases/{number}/{cost|unit|location|timings}
type HTTPDirectory struct {
	baseURL string
	http    *http.Client
}

// NewHTTPDirectory creates an HTTPDirectory. A zero timeout defaults to 5s.
func NewHTTPDirectory(baseURL string, timeout time.Duration) *HTTPDirectory {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &HTTPDirectory{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: timeout},
	}
}

func (d *HTTPDirectory) LookupCase(ctx context.Context, number string) (*Case, error) {
	var c Case
	found, err := d.get(ctx, number, "", &c)
	if err != nil || !found {
		return nil, err
	}
	return &c, nil
}

func (d *HTTPDirectory) LookupCost(ctx context.Context, number string) (*Cost, error) {
	var c Cost
	found, err := d.get(ctx, number, "cost", &c)
	if err != nil || !found {
		return nil, err
	}
	return &c, nil
}

func (d *HTTPDirectory) LookupUnit(ctx context.Context, number string) (*Unit, error) {
	var u Unit
	found, err := d.get(ctx, number, "unit", &u)
	if err != nil || !found {
		return nil, err
	}
	return &u, nil
}

func (d *HTTPDirectory) LookupLocation(ctx context.Context, number string) (*Location, error) {
	var l Location
	found, err := d.get(ctx, number, "location", &l)
	if err != nil || !found {
		return nil, err
	}
	return &l, nil
}

func (d *HTTPDirectory) LookupTimings(ctx context.Context, number string) (*Timings, error) {
	var t Timings
	found, err := d.get(ctx, number, "timings", &t)
	if err != nil || !found {
		return nil, err
	}
	return &t, nil
}

func (d *HTTPDirectory) get(ctx context.Context, number, sub string, out any) (bool, error) {
	endpoint := d.baseURL + "/cases/" + url.PathEscape(number)
	if sub != "" {
		endpoint += "/" + sub
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return false, fmt.Errorf("building case request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := d.http.Do(req)
	if err != nil {
		return false, fmt.Errorf("case directory: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusNoContent:
		_, _ = io.Copy(io.Discard, resp.Body)
		return false, nil
	case resp.StatusCode != http.StatusOK:
		return false, fmt.Errorf("case directory: unexpected status %d for %s", resp.StatusCode, endpoint)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return false, fmt.Errorf("decoding case response: %w", err)
	}
	return true, nil
}
