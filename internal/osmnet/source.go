package osmnet

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"os"
	"time"

	"github.com/paulmach/osm"
	"github.com/paulmach/osm/osmxml"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/coolsite/internal/fetcher"
	"github.com/sells-group/coolsite/internal/resilience"
)

// DefaultOverpassURL is the public Overpass API interpreter endpoint.
const DefaultOverpassURL = "https://overpass-api.de/api/interpreter"

// Source retrieves raw OSM data for a boundary.
type Source interface {
	Fetch(ctx context.Context, b Boundary, nt NetworkType) (*osm.OSM, error)
}

// AcquisitionError reports that network data could not be retrieved or
// decoded. It carries the request parameters so the caller can retry.
type AcquisitionError struct {
	Boundary Boundary
	Network  NetworkType
	Attempts int
	Err      error
}

func (e *AcquisitionError) Error() string {
	return fmt.Sprintf("osmnet: acquire %s network for %s after %d attempt(s): %v", e.Network, e.Boundary, e.Attempts, e.Err)
}

func (e *AcquisitionError) Unwrap() error { return e.Err }

// OverpassSource downloads the walkable network from an Overpass API
// endpoint.
type OverpassSource struct {
	fetcher fetcher.Fetcher
	url     string
	timeout time.Duration
	retry   resilience.RetryConfig
	log     *zap.Logger
}

// NewOverpassSource creates an Overpass source. An empty endpoint uses
// DefaultOverpassURL; timeout is the server-side query timeout.
func NewOverpassSource(f fetcher.Fetcher, endpoint string, timeout time.Duration, retry resilience.RetryConfig) *OverpassSource {
	if endpoint == "" {
		endpoint = DefaultOverpassURL
	}
	if timeout <= 0 {
		timeout = 180 * time.Second
	}
	if retry.OnRetry == nil {
		retry.OnRetry = resilience.RetryLogger("osmnet", "overpass")
	}
	return &OverpassSource{
		fetcher: f,
		url:     endpoint,
		timeout: timeout,
		retry:   retry,
		log:     zap.L().With(zap.String("component", "osmnet.overpass")),
	}
}

// Query renders the Overpass QL request for the boundary's bounding box.
func (s *OverpassSource) Query(b Boundary) string {
	bb := b.Bound()
	return fmt.Sprintf("[out:xml][timeout:%d];(way%s(%.7f,%.7f,%.7f,%.7f););(._;>;);out body qt;",
		int(s.timeout.Seconds()), overpassWalkFilter,
		bb.Min.Lat(), bb.Min.Lon(), bb.Max.Lat(), bb.Max.Lon())
}

// Fetch implements Source. Transient failures are retried within the
// configured attempt budget; everything else surfaces as *AcquisitionError.
func (s *OverpassSource) Fetch(ctx context.Context, b Boundary, nt NetworkType) (*osm.OSM, error) {
	if nt != NetworkWalk {
		return nil, &AcquisitionError{Boundary: b, Network: nt, Err: eris.Errorf("unsupported network type %q", nt)}
	}
	form := url.Values{"data": {s.Query(b)}}

	attempts := 0
	start := time.Now()
	data, err := resilience.DoVal(ctx, s.retry, func(ctx context.Context) (*osm.OSM, error) {
		attempts++
		body, err := s.fetcher.PostForm(ctx, s.url, form)
		if err != nil {
			return nil, err
		}
		defer body.Close() //nolint:errcheck
		return readOSM(ctx, body)
	})
	if err != nil {
		return nil, &AcquisitionError{Boundary: b, Network: nt, Attempts: attempts, Err: err}
	}

	s.log.Info("overpass download complete",
		zap.String("boundary", b.String()),
		zap.Int("nodes", len(data.Nodes)),
		zap.Int("ways", len(data.Ways)),
		zap.Int("attempts", attempts),
		zap.Duration("elapsed", time.Since(start)),
	)
	return data, nil
}

// FileSource reads OSM XML from a local file, ignoring the boundary; the
// builder clips to it afterwards.
type FileSource struct {
	Path string
}

// Fetch implements Source.
func (s FileSource) Fetch(ctx context.Context, b Boundary, nt NetworkType) (*osm.OSM, error) {
	fail := func(err error) error {
		return &AcquisitionError{Boundary: b, Network: nt, Attempts: 1, Err: err}
	}
	if nt != NetworkWalk {
		return nil, fail(eris.Errorf("unsupported network type %q", nt))
	}
	f, err := os.Open(s.Path)
	if err != nil {
		return nil, fail(eris.Wrapf(err, "open %s", s.Path))
	}
	defer f.Close() //nolint:errcheck

	data, err := readOSM(ctx, f)
	if err != nil {
		return nil, fail(err)
	}
	return data, nil
}

// readOSM decodes OSM XML, keeping nodes and ways.
func readOSM(ctx context.Context, r io.Reader) (*osm.OSM, error) {
	scanner := osmxml.New(ctx, r)
	defer scanner.Close() //nolint:errcheck

	data := &osm.OSM{}
	for scanner.Scan() {
		switch o := scanner.Object().(type) {
		case *osm.Node:
			data.Nodes = append(data.Nodes, o)
		case *osm.Way:
			data.Ways = append(data.Ways, o)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, eris.Wrap(err, "osmnet: decode osm xml")
	}
	return data, nil
}
