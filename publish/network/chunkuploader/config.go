package chunkuploader

import (
	"net/http"
	"time"
)

// Config holds configuration for the chunk uploader.
type Config struct {
	// Concurrency is the maximum number of parallel operation uploads.
	// The default is 1: operations run sequentially, in the order the server
	// planned them. Values above 1 are an optimization; the operation count
	// is typically small.
	Concurrency int

	// MaxAttemptsPerOperation is how many times a single operation is tried.
	// The default is 1 (no retry): a failed operation fails the whole upload
	// and the run is restarted by the caller. Byte-range PUTs against
	// pre-signed URLs are idempotent, so values above 1 are safe.
	MaxAttemptsPerOperation int

	// HTTPClient is the HTTP client used for the operation requests.
	// If nil, a default client is created. Operations go to pre-signed
	// storage URLs, so this client carries no bearer token.
	HTTPClient *http.Client
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		Concurrency:             1,
		MaxAttemptsPerOperation: 1,
		HTTPClient:              nil,
	}
}

func (c Config) withDefaults() Config {
	if c.Concurrency < 1 {
		c.Concurrency = 1
	}
	if c.MaxAttemptsPerOperation < 1 {
		c.MaxAttemptsPerOperation = 1
	}
	if c.HTTPClient == nil {
		c.HTTPClient = DefaultHTTPClient()
	}
	return c
}

// DefaultHTTPClient creates an HTTP client suited for chunk uploads.
func DefaultHTTPClient() *http.Client {
	return &http.Client{
		// No global timeout, individual operations are bounded via context
		Timeout: 0,
		Transport: &http.Transport{
			MaxIdleConns:        50,
			MaxConnsPerHost:     20,
			IdleConnTimeout:     10 * time.Second,
			TLSHandshakeTimeout: 5 * time.Second,
			Proxy:               http.ProxyFromEnvironment,
		},
	}
}
