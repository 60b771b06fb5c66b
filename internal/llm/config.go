package llm

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"
)

// Config configures the Direct provider.
type Config struct {
	BaseURL string // OpenAI-compatible API root, without the /v1 suffix
	APIKey  string

	UpstreamTimeout time.Duration // per-call deadline (default: 60s)
	MaxRetries      int           // transient-failure retries, 0 disables
	BaseBackoff     time.Duration // first retry wait (default: 100ms)

	// HTTPClient overrides the pooled default client.
	HTTPClient *http.Client
}

func (c Config) validate() error {
	var errs []error
	if c.APIKey == "" {
		errs = append(errs, errors.New("api key is required"))
	}
	if u, err := url.Parse(c.BaseURL); err != nil || u.Scheme == "" || u.Host == "" {
		errs = append(errs, fmt.Errorf("base URL %q is not absolute", c.BaseURL))
	}
	if c.MaxRetries < 0 {
		errs = append(errs, errors.New("max retries must be >= 0"))
	}
	return errors.Join(errs...)
}

func (c Config) withDefaults() Config {
	c.BaseURL = strings.TrimSuffix(strings.TrimRight(c.BaseURL, "/"), "/v1")
	if c.UpstreamTimeout <= 0 {
		c.UpstreamTimeout = 60 * time.Second
	}
	if c.BaseBackoff <= 0 {
		c.BaseBackoff = defaultBaseBackoff
	}
	return c
}

// Direct forwards requests to an OpenAI-compatible chat-completion endpoint
// using bearer-token authorization.
type Direct struct {
	cfg        Config
	endpoint   string
	httpClient *http.Client
	retrier    Retrier
	logger     *zap.Logger
}

var _ Provider = (*Direct)(nil)

func NewDirect(cfg Config, logger *zap.Logger) (*Direct, error) {
	cfg = cfg.withDefaults()
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("direct: invalid config: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named(FamilyDirect)

	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Transport: pooledTransport()}
	}

	return &Direct{
		cfg:        cfg,
		endpoint:   cfg.BaseURL + "/v1/chat/completions",
		httpClient: client,
		retrier: Retrier{
			Retries:     cfg.MaxRetries,
			BaseBackoff: cfg.BaseBackoff,
			Provider:    FamilyDirect,
			Logger:      logger,
		},
		logger: logger,
	}, nil
}

func (d *Direct) Name() string { return FamilyDirect }

// pooledTransport keeps connections to the single upstream host warm.
func pooledTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   100,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: time.Second,
	}
}

// Close releases idle upstream connections.
func (d *Direct) Close() error {
	d.httpClient.CloseIdleConnections()
	return nil
}
