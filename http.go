package herald

import (
	"net/http"

	"github.com/heraldhq/herald/utils"
	"github.com/nyaruka/gocommon/httpx"
)

// our maximum permitted response size from a channel's service
const maxResponseBytes = 1024 * 1024

// RequestHTTP makes the given request using the shared pooled client, adding the trace
// to the given channel log.
func RequestHTTP(req *http.Request, clog *ChannelLog) (*http.Response, []byte, error) {
	return RequestHTTPWithRetries(req, nil, clog)
}

// RequestHTTPWithRetries makes the given request using the shared pooled client and the
// given retry config, adding all traces to the given channel log.
func RequestHTTPWithRetries(req *http.Request, retries *httpx.RetryConfig, clog *ChannelLog) (*http.Response, []byte, error) {
	if req.Header.Get("User-Agent") == "" {
		req.Header.Set("User-Agent", utils.HTTPUserAgent)
	}

	trace, err := httpx.DoTrace(utils.GetHTTPClient(), req, retries, nil, maxResponseBytes)
	if trace != nil {
		clog.HTTP(trace)
	}
	if err != nil {
		return nil, nil, err
	}

	return trace.Response, trace.ResponseBody, nil
}
