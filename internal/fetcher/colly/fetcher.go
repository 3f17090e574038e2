// Package collyfetcher implements crawler.Fetcher using gocolly and classifies every
// response or transport failure into the crawler status taxonomy.
package collyfetcher

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"mime"
	"net"
	"net/http"
	"net/url"
	"strings"
	"syscall"
	"time"

	"github.com/gocolly/colly/v2"
	"go.uber.org/zap"

	"github.com/JakeFAU/token-metadata-crawler/internal/crawler"
	"github.com/JakeFAU/token-metadata-crawler/internal/metrics"
	"github.com/JakeFAU/token-metadata-crawler/internal/policy/ratelimit"
)

// Browser-like request headers; some metadata hosts reject obvious bots.
const (
	DefaultAccept    = "text/html,application/xhtml+xml,application/xml;q=0.9,image/avif,image/webp,image/apng,*/*;q=0.8,application/signed-exchange;v=b3;q=0.7"
	DefaultUserAgent = "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/110.0.0.0 Safari/537.36"
)

const (
	defaultTimeout      = 30 * time.Second
	defaultMaxBodyBytes = 10 * 1024 * 1024
)

// ErrNoResponse marks a fetch whose failure fits none of the classified codes.
var ErrNoResponse = errors.New("no response")

// Config controls collector behavior.
type Config struct {
	UserAgent    string
	Accept       string
	Timeout      time.Duration
	MaxBodyBytes int
}

// Fetcher implements crawler.Fetcher using the Colly collector.
type Fetcher struct {
	cfg           Config
	baseCollector *colly.Collector
	limiter       *ratelimit.Limiter
	logger        *zap.Logger
}

type collectorHooks interface {
	OnRequest(colly.RequestCallback)
	OnResponse(colly.ResponseCallback)
	OnError(colly.ErrorCallback)
}

// page is what a single visit captured.
type page struct {
	status      int
	contentType string
	body        []byte
}

// New builds a Fetcher. limiter may be nil.
func New(cfg Config, limiter *ratelimit.Limiter, logger *zap.Logger) *Fetcher {
	if cfg.UserAgent == "" {
		cfg.UserAgent = DefaultUserAgent
	}
	if cfg.Accept == "" {
		cfg.Accept = DefaultAccept
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = defaultMaxBodyBytes
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	c := colly.NewCollector(
		colly.AllowURLRevisit(),
		colly.ParseHTTPErrorResponse(),
		colly.UserAgent(cfg.UserAgent),
		colly.MaxBodySize(cfg.MaxBodyBytes),
	)
	// the backend is shared by every clone, so transport and timeout are set once here
	c.WithTransport(newHTTPTransport())
	c.SetRequestTimeout(cfg.Timeout)

	return &Fetcher{
		cfg:           cfg,
		baseCollector: c,
		limiter:       limiter,
		logger:        logger,
	}
}

// Fetch GETs uri and maps the result onto a status code and JSON payload. Classified
// failures come back as an Outcome with a nil error; anything unclassifiable returns an
// error wrapping ErrNoResponse.
func (f *Fetcher) Fetch(ctx context.Context, uri string) (crawler.Outcome, error) {
	if err := validateURI(uri); err != nil {
		f.logger.Debug("rejecting invalid uri", zap.String("uri", uri), zap.Error(err))
		return crawler.ErrorOutcome(crawler.StatusInvalidURI, crawler.ErrMsgInvalidURI), nil
	}
	if err := f.limiter.Wait(ctx, uri); err != nil {
		return crawler.Outcome{}, fmt.Errorf("%w: %w", ErrNoResponse, err)
	}

	start := time.Now()
	result, err := f.visit(ctx, uri)
	if err != nil {
		if isConnectError(err) {
			metrics.ObserveFetch(int(crawler.StatusServiceNotFound), time.Since(start))
			return crawler.ErrorOutcome(crawler.StatusServiceNotFound, crawler.ErrMsgServiceNotFound), nil
		}
		metrics.ObserveFetch(int(crawler.StatusNoResult), time.Since(start))
		return crawler.Outcome{}, fmt.Errorf("%w: %w", ErrNoResponse, err)
	}

	outcome := classifyPage(result)
	metrics.ObserveFetch(int(outcome.Code), time.Since(start))
	return outcome, nil
}

func (f *Fetcher) visit(ctx context.Context, uri string) (*page, error) {
	var (
		result   *page
		fetchErr error
	)
	collector := f.buildCollector()
	collector.Context = ctx
	f.configureCollectorHooks(collector, &result, &fetchErr)

	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(uri)
	}()

	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("colly fetch canceled: %w", ctx.Err())
	case err := <-done:
		if err != nil {
			return nil, fmt.Errorf("colly visit failed: %w", err)
		}
		if fetchErr != nil {
			return nil, fmt.Errorf("colly response failed: %w", fetchErr)
		}
		if result == nil {
			return nil, errors.New("colly returned no response")
		}
		return result, nil
	}
}

func (f *Fetcher) buildCollector() *colly.Collector {
	collector := f.baseCollector.Clone()
	collector.UserAgent = f.cfg.UserAgent
	collector.AllowURLRevisit = true
	collector.ParseHTTPErrorResponse = true
	collector.MaxBodySize = f.cfg.MaxBodyBytes
	return collector
}

func (f *Fetcher) configureCollectorHooks(hooks collectorHooks, result **page, fetchErr *error) {
	hooks.OnRequest(func(r *colly.Request) {
		r.Headers.Set("Accept", f.cfg.Accept)
		r.Headers.Set("User-Agent", f.cfg.UserAgent)
	})

	hooks.OnResponse(func(r *colly.Response) {
		p := &page{
			status: r.StatusCode,
			body:   append([]byte(nil), r.Body...),
		}
		if r.Headers != nil {
			p.contentType = r.Headers.Get("Content-Type")
		}
		*result = p
	})

	hooks.OnError(func(_ *colly.Response, err error) {
		*fetchErr = err
	})
}

func classifyPage(p *page) crawler.Outcome {
	if !isJSONContentType(p.contentType) {
		return crawler.ErrorOutcome(crawler.StatusNoJSON, crawler.ErrMsgNoJSON)
	}
	body := bytes.TrimSpace(p.body)
	if len(body) == 0 {
		return crawler.Outcome{Code: crawler.StatusCode(p.status), Metadata: "null"}
	}
	var compact bytes.Buffer
	if err := json.Compact(&compact, body); err != nil {
		return crawler.ErrorOutcome(crawler.StatusNotParsable, crawler.ErrMsgNotParsable)
	}
	return crawler.Outcome{Code: crawler.StatusCode(p.status), Metadata: compact.String()}
}

func isJSONContentType(header string) bool {
	if header == "" {
		return false
	}
	mediaType, _, err := mime.ParseMediaType(header)
	if err != nil {
		return false
	}
	if mediaType == "application/json" {
		return true
	}
	return strings.HasPrefix(mediaType, "application/") && strings.HasSuffix(mediaType, "+json")
}

func validateURI(raw string) error {
	if raw == "" {
		return errors.New("uri is empty")
	}
	for _, r := range raw {
		if r < 0x20 || r == 0x7f {
			return errors.New("uri contains control characters")
		}
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("parse uri: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	if u.Hostname() == "" {
		return errors.New("uri has no host")
	}
	return nil
}

// isConnectError reports failures to reach the host at all: name resolution, refused
// or unreachable dials, and certificate rejection. Timeouts are not included.
func isConnectError(err error) bool {
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return true
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) && opErr.Op == "dial" && !opErr.Timeout() {
		return true
	}
	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.EHOSTUNREACH) ||
		errors.Is(err, syscall.ENETUNREACH) {
		return true
	}
	var certErr *tls.CertificateVerificationError
	if errors.As(err, &certErr) {
		return true
	}
	var authorityErr x509.UnknownAuthorityError
	if errors.As(err, &authorityErr) {
		return true
	}
	var hostnameErr x509.HostnameError
	return errors.As(err, &hostnameErr)
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   16,
		IdleConnTimeout:       90 * time.Second,
	}
}
