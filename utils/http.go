package utils

import (
	"net/http"
	"sync"
	"time"
)

// HTTPUserAgent is the user agent sent on requests to channel services, set once at
// startup before anything makes a request
var HTTPUserAgent = "Herald"

var (
	transport *http.Transport
	client    *http.Client
	once      sync.Once
)

// GetHTTPClient returns the shared pooled client used for requests to channel services
func GetHTTPClient() *http.Client {
	once.Do(func() {
		transport = &http.Transport{
			MaxIdleConns:    10,
			IdleConnTimeout: 30 * time.Second,
		}
		client = &http.Client{Transport: transport, Timeout: 30 * time.Second}
	})

	return client
}
