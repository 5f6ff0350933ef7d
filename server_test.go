package herald_test

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/heraldhq/herald"
	"github.com/heraldhq/herald/runtime"
	"github.com/nyaruka/gocommon/httpx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mockEngine implements herald.Engine with canned responses so the server can be tested
// without a real dispatcher behind it. The test goroutine tweaks it between requests
// while handler goroutines read it, so everything is behind the mutex.
type mockEngine struct {
	mu      sync.Mutex
	batches map[string]*herald.BatchProgress
	health  string

	lastRequest   *herald.BatchRequest
	lastPayload   []byte
	lastSignature string
	handled       int
	webhookErr    error
}

func newMockEngine() *mockEngine {
	return &mockEngine{batches: map[string]*herald.BatchProgress{}}
}

func (m *mockEngine) Start() error { return nil }
func (m *mockEngine) Stop() error  { return nil }

func (m *mockEngine) StartBatch(ctx context.Context, req *herald.BatchRequest) (*herald.BatchProgress, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.lastRequest = req

	if req.TemplateName == "" {
		return nil, fmt.Errorf("no template named ''")
	}

	progress := &herald.BatchProgress{
		UUID:      "11e364f2-8efa-4d69-a82f-c85cd6e77f94",
		State:     herald.BatchStateRunning,
		Total:     3,
		StartedOn: time.Now(),
	}
	m.batches[progress.UUID] = progress

	cpy := *progress
	return &cpy, nil
}

func (m *mockEngine) BatchProgress(uuid string) (*herald.BatchProgress, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	progress := m.batches[uuid]
	if progress == nil {
		return nil, herald.ErrBatchNotFound
	}

	cpy := *progress
	return &cpy, nil
}

func (m *mockEngine) CancelBatch(uuid string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	progress := m.batches[uuid]
	if progress == nil {
		return herald.ErrBatchNotFound
	}
	progress.State = herald.BatchStateCancelled
	return nil
}

func (m *mockEngine) ProcessWebhook(ctx context.Context, payload []byte, signature string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.lastPayload = payload
	m.lastSignature = signature

	if m.webhookErr != nil {
		return 0, m.webhookErr
	}
	return m.handled, nil
}

func (m *mockEngine) VerifyWebhook(mode, verifyToken, challenge string) (string, error) {
	if mode != "subscribe" {
		return "", fmt.Errorf("unknown request")
	}
	if verifyToken != "fb_verify" {
		return "", fmt.Errorf("token does not match verify token")
	}
	return challenge, nil
}

func (m *mockEngine) QuotaState(ctx context.Context) ([]byte, error) {
	return []byte(`{"quotas": [{"kind": "msgs_per_minute", "used": 2, "limit": 30}], "stats": {"sent": 2}}`), nil
}

func (m *mockEngine) Health() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.health
}

func (m *mockEngine) setHealth(health string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.health = health
}

func (m *mockEngine) setWebhook(handled int, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handled = handled
	m.webhookErr = err
}

func (m *mockEngine) gotWebhook() ([]byte, string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastPayload, m.lastSignature
}

func (m *mockEngine) gotRequest() *herald.BatchRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastRequest
}

func TestServer(t *testing.T) {
	config := runtime.NewDefaultConfig()
	config.Port = 8281
	config.StatusUsername = "admin"
	config.StatusPassword = "password123"
	config.AuthToken = "sesame"

	engine := newMockEngine()
	server := herald.NewServer(config, engine)
	require.NoError(t, server.Start())
	defer server.Stop()

	// wait for server to come up
	time.Sleep(100 * time.Millisecond)

	request := func(method, url, body string, fn func(*http.Request)) (int, string) {
		var reader io.Reader
		if body != "" {
			reader = strings.NewReader(body)
		}
		req, _ := http.NewRequest(method, url, reader)
		if fn != nil {
			fn(req)
		}
		trace, err := httpx.DoTrace(http.DefaultClient, req, nil, nil, 0)
		require.NoError(t, err)
		return trace.Response.StatusCode, string(trace.ResponseBody)
	}
	withToken := func(req *http.Request) { req.Header.Set("Authorization", "Bearer sesame") }

	// index page includes the route listing
	statusCode, respBody := request("GET", "http://localhost:8281/", "", nil)
	assert.Equal(t, 200, statusCode)
	assert.Contains(t, respBody, "GET    /v1/quotas")
	assert.Contains(t, respBody, "POST   /v1/batches")
	assert.Contains(t, respBody, "Dev")

	// health probe says OK while the engine is healthy
	statusCode, respBody = request("GET", "http://localhost:8281/health", "", nil)
	assert.Equal(t, 200, statusCode)
	assert.Equal(t, "OK", respBody)

	// and flips to unavailable when it isn't
	engine.setHealth("% db errors: 0.50")
	statusCode, respBody = request("GET", "http://localhost:8281/health", "", nil)
	assert.Equal(t, 503, statusCode)
	assert.Contains(t, respBody, "db errors")
	engine.setHealth("")

	// can't access status page without auth
	statusCode, respBody = request("GET", "http://localhost:8281/status", "", nil)
	assert.Equal(t, 401, statusCode)
	assert.Contains(t, respBody, "Unauthorized")

	// can with auth
	statusCode, respBody = request("GET", "http://localhost:8281/status", "", func(req *http.Request) {
		req.SetBasicAuth("admin", "password123")
	})
	assert.Equal(t, 200, statusCode)
	assert.Contains(t, respBody, "service ok")
	assert.Contains(t, respBody, "msgs_per_minute")

	// can't access status page with wrong method
	statusCode, respBody = request("POST", "http://localhost:8281/status", "", nil)
	assert.Equal(t, 405, statusCode)
	assert.Contains(t, respBody, "method not allowed")

	// can't access non-existent page
	statusCode, respBody = request("GET", "http://localhost:8281/nothere", "", nil)
	assert.Equal(t, 404, statusCode)
	assert.Contains(t, respBody, "not found")

	// provider handshake echoes the challenge when the token matches
	statusCode, respBody = request("GET", "http://localhost:8281/wh/whatsapp?hub.mode=subscribe&hub.verify_token=fb_verify&hub.challenge=112233", "", nil)
	assert.Equal(t, 200, statusCode)
	assert.Equal(t, "112233", respBody)

	// and refuses when it doesn't
	statusCode, _ = request("GET", "http://localhost:8281/wh/whatsapp?hub.mode=subscribe&hub.verify_token=nope&hub.challenge=112233", "", nil)
	assert.Equal(t, 400, statusCode)

	// webhook callbacks are handed to the engine with their signature
	engine.setWebhook(5, nil)
	statusCode, respBody = request("POST", "http://localhost:8281/wh/whatsapp", `{"object": "whatsapp_business_account"}`, func(req *http.Request) {
		req.Header.Set("X-Hub-Signature-256", "sha256=abc123")
	})
	assert.Equal(t, 200, statusCode)
	assert.Contains(t, respBody, `"handled":5`)
	payload, signature := engine.gotWebhook()
	assert.Equal(t, `{"object": "whatsapp_business_account"}`, string(payload))
	assert.Equal(t, "sha256=abc123", signature)

	// bad signatures are forbidden, other webhook errors are bad requests
	engine.setWebhook(0, herald.ErrWebhookSignature)
	statusCode, _ = request("POST", "http://localhost:8281/wh/whatsapp", `{}`, nil)
	assert.Equal(t, 403, statusCode)

	engine.setWebhook(0, fmt.Errorf("unable to parse webhook payload"))
	statusCode, _ = request("POST", "http://localhost:8281/wh/whatsapp", `{`, nil)
	assert.Equal(t, 400, statusCode)
	engine.setWebhook(0, nil)

	// batch API requires the auth token
	statusCode, respBody = request("GET", "http://localhost:8281/v1/quotas", "", nil)
	assert.Equal(t, 401, statusCode)
	assert.Contains(t, respBody, "invalid authorization token")

	statusCode, _ = request("GET", "http://localhost:8281/v1/quotas", "", func(req *http.Request) {
		req.Header.Set("Authorization", "Bearer nope")
	})
	assert.Equal(t, 401, statusCode)

	statusCode, respBody = request("GET", "http://localhost:8281/v1/quotas", "", withToken)
	assert.Equal(t, 200, statusCode)
	assert.Contains(t, respBody, "msgs_per_minute")

	// starting a batch hands the parsed request to the engine
	statusCode, respBody = request("POST", "http://localhost:8281/v1/batches",
		`{"file_path": "/data/recipients.csv", "template_name": "welcome", "channels": ["mailsink"], "options": {"dry_run": true}}`, withToken)
	assert.Equal(t, 201, statusCode)
	assert.Contains(t, respBody, "Batch Started")
	assert.Contains(t, respBody, "11e364f2-8efa-4d69-a82f-c85cd6e77f94")
	started := engine.gotRequest()
	require.NotNil(t, started)
	assert.Equal(t, "/data/recipients.csv", started.FilePath)
	assert.Equal(t, "welcome", started.TemplateName)
	assert.Equal(t, []herald.ChannelType{"mailsink"}, started.Channels)
	require.NotNil(t, started.Options)
	assert.True(t, started.Options.DryRun)

	// engine errors come back as bad requests
	statusCode, respBody = request("POST", "http://localhost:8281/v1/batches", `{"file_path": "/data/recipients.csv"}`, withToken)
	assert.Equal(t, 400, statusCode)
	assert.Contains(t, respBody, "no template named")

	// unparseable bodies too
	statusCode, _ = request("POST", "http://localhost:8281/v1/batches", `{`, withToken)
	assert.Equal(t, 400, statusCode)

	// batch progress is served by uuid
	statusCode, respBody = request("GET", "http://localhost:8281/v1/batches/11e364f2-8efa-4d69-a82f-c85cd6e77f94", "", withToken)
	assert.Equal(t, 200, statusCode)
	assert.Contains(t, respBody, `"state":"running"`)

	statusCode, respBody = request("GET", "http://localhost:8281/v1/batches/ffffffff-0000-0000-0000-000000000000", "", withToken)
	assert.Equal(t, 404, statusCode)
	assert.Contains(t, respBody, "batch not found")

	// cancelling returns the settled progress
	statusCode, respBody = request("DELETE", "http://localhost:8281/v1/batches/11e364f2-8efa-4d69-a82f-c85cd6e77f94", "", withToken)
	assert.Equal(t, 200, statusCode)
	assert.Contains(t, respBody, "Batch Cancelled")
	assert.Contains(t, respBody, `"state":"cancelled"`)

	statusCode, _ = request("DELETE", "http://localhost:8281/v1/batches/ffffffff-0000-0000-0000-000000000000", "", withToken)
	assert.Equal(t, 404, statusCode)
}
