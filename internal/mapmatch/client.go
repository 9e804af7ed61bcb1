// Package mapmatch implements the client for the external HMM-based
// map-matching service (OSRM's /match endpoint). HTTPMatcher.Match
// always returns a nil error: every failure mode (too few points, a
// request that cannot be built, a transport error or timeout, an
// unparseable response, no match) degrades to echoing the input with
// confidence 0, as §4.3 describes.
package mapmatch

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/banshee-data/trackcore/internal/httputil"
	"github.com/banshee-data/trackcore/internal/monitoring"
)

// Point is one input fix to be matched.
type Point struct {
	Lat       float64
	Lon       float64
	Timestamp time.Time
	// Accuracy is the device-reported accuracy in meters. Zero means
	// "not reported" — the interior-point search radius then falls
	// back to the §4.3 default of 15m.
	Accuracy float64
}

// Matched is one output point, paired positionally with the Point at
// the same index in the request.
type Matched struct {
	Lat        float64
	Lon        float64
	Confidence float64
}

// Matcher is the port the track processor depends on (§9 "the core
// needs exactly three ports").
type Matcher interface {
	// Match returns len(points) Matched results, positionally paired
	// with the input. It never returns a non-nil error for a
	// no-match/no-segment/null-tracepoint response or for fewer than
	// 3 input points — those are valid outcomes represented by
	// confidence 0 in the returned slice. A non-nil error indicates
	// the call could not be completed at all (see HTTPMatcher.Match).
	Match(ctx context.Context, points []Point) ([]Matched, error)
	// Healthy reports whether the matcher is reachable, per the §4.3
	// health probe (a constant two-point call, true iff it completes
	// within 5s).
	Healthy(ctx context.Context) bool
}

const (
	firstLastRadiusMeters   = 25
	interiorDefaultRadiusM  = 15
	minContextPointsToMatch = 3
	healthProbeTimeout      = 5 * time.Second
	defaultRequestTimeout   = 10 * time.Second
)

// HTTPMatcher calls an OSRM-compatible /match/v1/driving endpoint over
// HTTP.
type HTTPMatcher struct {
	BaseURL string
	Client  httputil.HTTPClient
}

var _ Matcher = (*HTTPMatcher)(nil)

// NewHTTPMatcher builds an HTTPMatcher. A nil client defaults to a
// timeout-bounded client (defaultRequestTimeout) so a wedged OSRM
// instance degrades to the §7 match-unreachable fallback instead of
// blocking a worker indefinitely.
func NewHTTPMatcher(baseURL string, client httputil.HTTPClient) *HTTPMatcher {
	if client == nil {
		client = httputil.NewTimeoutClient(defaultRequestTimeout)
	}
	return &HTTPMatcher{BaseURL: strings.TrimRight(baseURL, "/"), Client: client}
}

// echoUnmatched returns every point unchanged with confidence 0 — the
// §4.3/§7 fallback shared by every match-no-solution and
// match-unreachable path.
func echoUnmatched(points []Point) []Matched {
	out := make([]Matched, len(points))
	for i, p := range points {
		out[i] = Matched{Lat: p.Lat, Lon: p.Lon, Confidence: 0}
	}
	return out
}

// Match implements Matcher. See package doc for the error contract.
func (m *HTTPMatcher) Match(ctx context.Context, points []Point) ([]Matched, error) {
	if len(points) < minContextPointsToMatch {
		return echoUnmatched(points), nil
	}

	req, err := m.buildRequest(ctx, points)
	if err != nil {
		// Request construction failure (e.g. malformed base URL) is
		// a transport-class failure — absorb it per §4.3/§7.
		monitoring.Logf("mapmatch: request build failed, falling back: %v", err)
		return echoUnmatched(points), nil
	}

	resp, err := m.Client.Do(req)
	if err != nil {
		monitoring.Logf("mapmatch: transport error, falling back: %v", err)
		return echoUnmatched(points), nil
	}
	defer resp.Body.Close()

	var parsed matchResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		monitoring.Logf("mapmatch: unparseable response, falling back: %v", err)
		return echoUnmatched(points), nil
	}

	if parsed.Code != "Ok" {
		return echoUnmatched(points), nil
	}
	if len(parsed.Matchings) == 0 || len(parsed.Tracepoints) != len(points) {
		return echoUnmatched(points), nil
	}

	confidence := parsed.Matchings[0].Confidence
	out := make([]Matched, len(points))
	for i, tp := range parsed.Tracepoints {
		if tp == nil || len(tp.Location) != 2 {
			out[i] = Matched{Lat: points[i].Lat, Lon: points[i].Lon, Confidence: 0}
			continue
		}
		out[i] = Matched{Lon: tp.Location[0], Lat: tp.Location[1], Confidence: confidence}
	}
	return out, nil
}

// Healthy performs the §4.3 constant two-point probe.
func (m *HTTPMatcher) Healthy(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, healthProbeTimeout)
	defer cancel()

	probe := []Point{
		{Lat: 28.6129, Lon: 77.2295, Timestamp: time.Unix(0, 0)},
		{Lat: 28.6139, Lon: 77.2305, Timestamp: time.Unix(1, 0)},
	}
	req, err := m.buildRequest(ctx, probe)
	if err != nil {
		return false
	}
	resp, err := m.Client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

func (m *HTTPMatcher) buildRequest(ctx context.Context, points []Point) (*http.Request, error) {
	coordParts := make([]string, len(points))
	tsParts := make([]string, len(points))
	radiusParts := make([]string, len(points))

	for i, p := range points {
		coordParts[i] = fmt.Sprintf("%g,%g", p.Lon, p.Lat)
		tsParts[i] = strconv.FormatInt(p.Timestamp.Unix(), 10)

		switch {
		case i == 0 || i == len(points)-1:
			radiusParts[i] = strconv.Itoa(firstLastRadiusMeters)
		case p.Accuracy > 0:
			radiusParts[i] = strconv.Itoa(int(p.Accuracy))
		default:
			radiusParts[i] = strconv.Itoa(interiorDefaultRadiusM)
		}
	}

	url := fmt.Sprintf("%s/match/v1/driving/%s?timestamps=%s&radiuses=%s&overview=full&steps=true&gaps=ignore&tidy=true",
		m.BaseURL,
		strings.Join(coordParts, ";"),
		strings.Join(tsParts, ";"),
		strings.Join(radiusParts, ";"),
	)

	return http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
}

type matchResponse struct {
	Code        string        `json:"code"`
	Matchings   []matching    `json:"matchings"`
	Tracepoints []*tracepoint `json:"tracepoints"`
}

type matching struct {
	Confidence float64 `json:"confidence"`
}

type tracepoint struct {
	Location []float64 `json:"location"`
}
