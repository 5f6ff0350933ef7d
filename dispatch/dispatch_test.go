package dispatch_test

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	"github.com/gomodule/redigo/redis"
	"github.com/jmoiron/sqlx"
	"github.com/nyaruka/gocommon/httpx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/heraldhq/herald"
	_ "github.com/heraldhq/herald/channels/mailsink"
	_ "github.com/heraldhq/herald/channels/waapi"
	"github.com/heraldhq/herald/dispatch"
	"github.com/heraldhq/herald/quota"
	"github.com/heraldhq/herald/runtime"
	"github.com/heraldhq/herald/store"
	"github.com/heraldhq/herald/templates"
)

const (
	waSendURL = "https://graph.facebook.com/v20.0/226098090559999/messages"
	waTestURL = "https://graph.facebook.com/v20.0/226098090559999?fields=id"
)

func testRuntime(t *testing.T, tweak func(*runtime.Config)) (*runtime.Runtime, sqlmock.Sqlmock) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	mock.MatchExpectationsInOrder(false)

	cfg := runtime.NewDefaultConfig()
	cfg.SpoolDir = t.TempDir()
	cfg.StateDir = t.TempDir()
	if tweak != nil {
		tweak(cfg)
	}

	mr := miniredis.RunT(t)
	vk := &redis.Pool{Dial: func() (redis.Conn, error) { return redis.Dial("tcp", mr.Addr()) }}

	return &runtime.Runtime{Config: cfg, DB: sqlx.NewDb(db, "postgres"), VK: vk}, mock
}

// builds and starts a dispatcher over a mocked database. Expectations are generous and
// unordered because senders write concurrently, leftovers are fine.
func newTestDispatcher(t *testing.T, rt *runtime.Runtime, mock sqlmock.Sqlmock, channels []*herald.Channel, tpls []*herald.Template) (*dispatch.Dispatcher, *store.Store) {
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS delivery_records").WillReturnResult(sqlmock.NewResult(0, 0))
	for i := 0; i < 8; i++ {
		mock.ExpectQuery("INSERT INTO sessions").WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(i + 1))
		mock.ExpectExec("UPDATE sessions").WillReturnResult(sqlmock.NewResult(0, 1))
	}
	for i := 0; i < 64; i++ {
		mock.ExpectQuery("INSERT INTO delivery_records").WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(i + 1))
		mock.ExpectExec("UPDATE delivery_records").WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectExec("INSERT INTO channel_logs").WillReturnResult(sqlmock.NewResult(0, 1))
	}

	st := store.New(rt)
	require.NoError(t, st.Start())
	t.Cleanup(st.Stop)

	registry, err := templates.NewRegistry(filepath.Join(rt.Config.StateDir, "templates.json"))
	require.NoError(t, err)

	d, err := dispatch.NewDispatcher(rt, st, quota.NewManager(rt), registry, channels, tpls)
	require.NoError(t, err)
	require.NoError(t, d.Start())
	t.Cleanup(func() { d.Stop() })

	return d, st
}

func mailChannel(draftsDir string) *herald.Channel {
	return herald.NewChannel(herald.ChannelTypeMailSink, "Outbound Mail", "updates@herald.local", map[string]any{
		"draft_mode": true,
		"drafts_dir": draftsDir,
	})
}

func waChannel() *herald.Channel {
	return herald.NewChannel(herald.ChannelTypeWhatsAppAPI, "WhatsApp Main", "226098090559999", map[string]any{
		herald.ConfigAuthToken: "wa_token_123",
	})
}

func mailTemplate() *herald.Template {
	return &herald.Template{
		Name:         "welcome",
		Channels:     []herald.ChannelType{herald.ChannelTypeMailSink},
		EmailSubject: "Welcome {name}",
		EmailBody:    "Hi {name}, your account is ready.",
		Variables:    []string{"name"},
	}
}

func waTemplate(name, body string) *herald.Template {
	return &herald.Template{
		Name:         name,
		Channels:     []herald.ChannelType{herald.ChannelTypeWhatsAppAPI},
		WhatsAppBody: body,
		Variables:    []string{"name"},
	}
}

func writeRecipientsCSV(t *testing.T, rows ...string) string {
	path := filepath.Join(t.TempDir(), "recipients.csv")
	require.NoError(t, os.WriteFile(path, []byte(strings.Join(rows, "\n")+"\n"), 0644))
	return path
}

// polls a batch until it ends, returning the final progress
func awaitBatch(t *testing.T, d *dispatch.Dispatcher, uuid string) *herald.BatchProgress {
	var last *herald.BatchProgress
	require.Eventually(t, func() bool {
		p, err := d.BatchProgress(uuid)
		if err != nil {
			return false
		}
		last = p
		return p.EndedOn != nil
	}, 15*time.Second, 25*time.Millisecond, "batch %s never ended", uuid)
	return last
}

func TestMailBatch(t *testing.T) {
	ctx := context.Background()
	rt, mock := testRuntime(t, nil)
	drafts := t.TempDir()
	d, st := newTestDispatcher(t, rt, mock, []*herald.Channel{mailChannel(drafts)}, []*herald.Template{mailTemplate()})

	file := writeRecipientsCSV(t,
		"name,email,phone",
		"Ann Li,ann@acmewidgets.com,+1 206 555 0142",
		"Bob Ruiz,bob@acmewidgets.com,+1 206 555 0178",
		"Cat Silva,cat@acmewidgets.com,+1 206 555 0199",
	)

	p, err := d.StartBatch(ctx, &herald.BatchRequest{
		FilePath:     file,
		TemplateName: "welcome",
		Channels:     []herald.ChannelType{herald.ChannelTypeMailSink},
	})
	require.NoError(t, err)
	require.NotEmpty(t, p.UUID)

	final := awaitBatch(t, d, p.UUID)
	assert.Equal(t, herald.BatchStateCompleted, final.State)
	assert.Equal(t, 3, final.Total)
	assert.Equal(t, 3, final.Sent)
	assert.Equal(t, 0, final.Failed)
	assert.Equal(t, 0, final.Invalid)
	assert.Equal(t, 100, final.Quality)
	assert.Equal(t, []int64{1}, final.Sessions)

	// a draft .eml per recipient, named by its record
	files, err := filepath.Glob(filepath.Join(drafts, "*.eml"))
	require.NoError(t, err)
	require.Len(t, files, 3)

	all := ""
	for _, f := range files {
		r, err := st.GetRecord(ctx, strings.TrimSuffix(filepath.Base(f), ".eml"))
		require.NoError(t, err)
		require.NotNil(t, r)
		assert.Equal(t, herald.StatusSent, r.Status())
		assert.True(t, r.Draft_)
		assert.NotNil(t, r.SentAt_)
		assert.Len(t, r.LogUUIDs_, 1)

		raw, err := os.ReadFile(f)
		require.NoError(t, err)
		all += string(raw)
	}
	assert.Contains(t, all, "ann@acmewidgets.com")
	assert.Contains(t, all, "bob@acmewidgets.com")
	assert.Contains(t, all, "cat@acmewidgets.com")
	assert.Contains(t, all, "Subject: Welcome Ann Li")
	assert.Contains(t, all, "Hi Ann Li, your account is ready.")

	// progress events were emitted for every send plus the close
	sent, done := 0, false
	deadline := time.After(2 * time.Second)
	for !done {
		select {
		case e := <-d.Events():
			if e.Status == herald.StatusSent {
				sent++
			}
			done = e.Done
		case <-deadline:
			t.Fatal("done event never arrived")
		}
	}
	assert.Equal(t, 3, sent)

	assert.Equal(t, "", d.Health())
}

func TestInvalidRecipientsSkipped(t *testing.T) {
	ctx := context.Background()
	rt, mock := testRuntime(t, nil)
	drafts := t.TempDir()
	d, _ := newTestDispatcher(t, rt, mock, []*herald.Channel{mailChannel(drafts)}, []*herald.Template{mailTemplate()})

	file := writeRecipientsCSV(t,
		"name,email,phone",
		"Ann Li,ann@acmewidgets.com,+1 206 555 0142",
		"Dee Wu,not-an-email,+1 206 555 0118",
		"Bob Ruiz,bob@acmewidgets.com,+1 206 555 0178",
	)

	p, err := d.StartBatch(ctx, &herald.BatchRequest{
		FilePath:     file,
		TemplateName: "welcome",
		Channels:     []herald.ChannelType{herald.ChannelTypeMailSink},
	})
	require.NoError(t, err)

	final := awaitBatch(t, d, p.UUID)
	assert.Equal(t, herald.BatchStateCompleted, final.State)
	assert.Equal(t, 2, final.Sent)
	assert.Equal(t, 1, final.Invalid)
	assert.Equal(t, 0, final.Failed)
	assert.Less(t, final.Quality, 100)

	files, err := filepath.Glob(filepath.Join(drafts, "*.eml"))
	require.NoError(t, err)
	assert.Len(t, files, 2)
}

func TestDryRun(t *testing.T) {
	ctx := context.Background()
	rt, mock := testRuntime(t, nil)
	drafts := t.TempDir()
	d, _ := newTestDispatcher(t, rt, mock, []*herald.Channel{mailChannel(drafts)}, []*herald.Template{mailTemplate()})

	file := writeRecipientsCSV(t,
		"name,email,phone",
		"Ann Li,ann@acmewidgets.com,+1 206 555 0142",
		"Bob Ruiz,bob@acmewidgets.com,+1 206 555 0178",
		"Cat Silva,cat@acmewidgets.com,+1 206 555 0199",
	)

	p, err := d.StartBatch(ctx, &herald.BatchRequest{
		FilePath:     file,
		TemplateName: "welcome",
		Channels:     []herald.ChannelType{herald.ChannelTypeMailSink},
		Options:      &herald.BatchOptions{DryRun: true},
	})
	require.NoError(t, err)

	final := awaitBatch(t, d, p.UUID)
	assert.Equal(t, herald.BatchStateCompleted, final.State)
	assert.Equal(t, 3, final.Sent)
	assert.Empty(t, final.Sessions)

	// nothing actually went out
	files, err := filepath.Glob(filepath.Join(drafts, "*.eml"))
	require.NoError(t, err)
	assert.Len(t, files, 0)
}

func TestQuotaBlocksUntilCancelled(t *testing.T) {
	ctx := context.Background()
	rt, mock := testRuntime(t, func(cfg *runtime.Config) {
		cfg.QuotaMsgsPerMinute = 2
		cfg.QuotaMsgsPerMinuteBurst = 0
	})
	drafts := t.TempDir()
	d, _ := newTestDispatcher(t, rt, mock, []*herald.Channel{mailChannel(drafts)}, []*herald.Template{mailTemplate()})

	file := writeRecipientsCSV(t,
		"name,email,phone",
		"Ann Li,ann@acmewidgets.com,+1 206 555 0142",
		"Bob Ruiz,bob@acmewidgets.com,+1 206 555 0178",
		"Cat Silva,cat@acmewidgets.com,+1 206 555 0199",
	)

	p, err := d.StartBatch(ctx, &herald.BatchRequest{
		FilePath:     file,
		TemplateName: "welcome",
		Channels:     []herald.ChannelType{herald.ChannelTypeMailSink},
	})
	require.NoError(t, err)

	// two sends fit the window, the third parks on the quota
	require.Eventually(t, func() bool {
		cur, err := d.BatchProgress(p.UUID)
		return err == nil && cur.Sent == 2
	}, 10*time.Second, 25*time.Millisecond)

	time.Sleep(100 * time.Millisecond)
	files, err := filepath.Glob(filepath.Join(drafts, "*.eml"))
	require.NoError(t, err)
	assert.Len(t, files, 2)

	require.NoError(t, d.CancelBatch(p.UUID))

	final := awaitBatch(t, d, p.UUID)
	assert.Equal(t, herald.BatchStateCancelled, final.State)
	assert.Equal(t, 2, final.Sent)
	assert.Equal(t, 0, final.Failed)
}

func TestQuotaBurst(t *testing.T) {
	ctx := context.Background()
	rt, mock := testRuntime(t, func(cfg *runtime.Config) {
		cfg.QuotaMsgsPerMinute = 2
		cfg.QuotaMsgsPerMinuteBurst = 1
	})
	drafts := t.TempDir()
	d, _ := newTestDispatcher(t, rt, mock, []*herald.Channel{mailChannel(drafts)}, []*herald.Template{mailTemplate()})

	file := writeRecipientsCSV(t,
		"name,email,phone",
		"Ann Li,ann@acmewidgets.com,+1 206 555 0142",
		"Bob Ruiz,bob@acmewidgets.com,+1 206 555 0178",
		"Cat Silva,cat@acmewidgets.com,+1 206 555 0199",
	)

	p, err := d.StartBatch(ctx, &herald.BatchRequest{
		FilePath:     file,
		TemplateName: "welcome",
		Channels:     []herald.ChannelType{herald.ChannelTypeMailSink},
		Options:      &herald.BatchOptions{AllowBurst: true},
	})
	require.NoError(t, err)

	final := awaitBatch(t, d, p.UUID)
	assert.Equal(t, herald.BatchStateCompleted, final.State)
	assert.Equal(t, 3, final.Sent)

	state, err := d.QuotaState(ctx)
	require.NoError(t, err)
	parsed := map[string]json.RawMessage{}
	require.NoError(t, json.Unmarshal(state, &parsed))
	assert.Contains(t, parsed, "quotas")
	assert.Contains(t, parsed, "stats")
}

func TestRetryThenSucceed(t *testing.T) {
	ctx := context.Background()

	t.Cleanup(func() { httpx.SetRequestor(httpx.DefaultRequestor) })
	mocks := httpx.NewMockRequestor(map[string][]*httpx.MockResponse{
		waTestURL: {httpx.NewMockResponse(200, nil, []byte(`{"id":"226098090559999"}`))},
		waSendURL: {
			httpx.NewMockResponse(500, nil, []byte(`{}`)),
			httpx.NewMockResponse(200, nil, []byte(`{"messages":[{"id":"wamid.RETRY1"}]}`)),
		},
	})
	httpx.SetRequestor(mocks)

	rt, mock := testRuntime(t, func(cfg *runtime.Config) {
		cfg.RetryBackoffBase = 1
		cfg.RetryBackoffCap = 2
	})
	tpls := []*herald.Template{waTemplate("update", "Hi {name}, your order shipped."), mailTemplate()}
	d, st := newTestDispatcher(t, rt, mock, []*herald.Channel{waChannel()}, tpls)

	file := writeRecipientsCSV(t, "name,email,phone", "Ann Li,ann@acmewidgets.com,+1 206 555 0142")

	// a template with no body for the requested channel is caught up front
	_, err := d.StartBatch(ctx, &herald.BatchRequest{
		FilePath:     file,
		TemplateName: "welcome",
		Channels:     []herald.ChannelType{herald.ChannelTypeWhatsAppAPI},
	})
	assert.EqualError(t, err, "template welcome has no body for channel type waapi")

	p, err := d.StartBatch(ctx, &herald.BatchRequest{
		FilePath:     file,
		TemplateName: "update",
		Channels:     []herald.ChannelType{herald.ChannelTypeWhatsAppAPI},
	})
	require.NoError(t, err)

	// first attempt fails on the 500, the retry goes out a second later and sticks
	final := awaitBatch(t, d, p.UUID)
	assert.Equal(t, herald.BatchStateCompleted, final.State)
	assert.Equal(t, 1, final.Sent)
	assert.Equal(t, 0, final.Failed)

	r, err := st.GetRecordByExternalID(ctx, "wamid.RETRY1")
	require.NoError(t, err)
	require.NotNil(t, r)
	assert.Equal(t, herald.StatusSent, r.Status())
	assert.Equal(t, 1, r.RetryCount())
	assert.Len(t, r.LogUUIDs_, 2)

	assert.False(t, mocks.HasUnused())
}

func TestFatalSendError(t *testing.T) {
	ctx := context.Background()

	t.Cleanup(func() { httpx.SetRequestor(httpx.DefaultRequestor) })
	mocks := httpx.NewMockRequestor(map[string][]*httpx.MockResponse{
		waTestURL: {httpx.NewMockResponse(200, nil, []byte(`{"id":"226098090559999"}`))},
		waSendURL: {httpx.NewMockResponse(401, nil, []byte(`{}`))},
	})
	httpx.SetRequestor(mocks)

	rt, mock := testRuntime(t, nil)
	d, _ := newTestDispatcher(t, rt, mock, []*herald.Channel{waChannel()}, []*herald.Template{waTemplate("update", "Hi {name}, your order shipped.")})

	file := writeRecipientsCSV(t, "name,email,phone", "Ann Li,ann@acmewidgets.com,+1 206 555 0142")

	p, err := d.StartBatch(ctx, &herald.BatchRequest{
		FilePath:     file,
		TemplateName: "update",
		Channels:     []herald.ChannelType{herald.ChannelTypeWhatsAppAPI},
	})
	require.NoError(t, err)

	// a credentials rejection is terminal, no retry is scheduled
	final := awaitBatch(t, d, p.UUID)
	assert.Equal(t, herald.BatchStateCompleted, final.State)
	assert.Equal(t, 0, final.Sent)
	assert.Equal(t, 1, final.Failed)

	posts := 0
	for _, req := range mocks.Requests() {
		if req.Method == http.MethodPost {
			posts++
		}
	}
	assert.Equal(t, 1, posts)
}

func TestMultiMessageSequence(t *testing.T) {
	ctx := context.Background()

	t.Cleanup(func() { httpx.SetRequestor(httpx.DefaultRequestor) })
	mocks := httpx.NewMockRequestor(map[string][]*httpx.MockResponse{
		waTestURL: {httpx.NewMockResponse(200, nil, []byte(`{"id":"226098090559999"}`))},
		waSendURL: {
			httpx.NewMockResponse(200, nil, []byte(`{"messages":[{"id":"wamid.P1"}]}`)),
			httpx.NewMockResponse(200, nil, []byte(`{"messages":[{"id":"wamid.P2"}]}`)),
			httpx.NewMockResponse(200, nil, []byte(`{"messages":[{"id":"wamid.P3"}]}`)),
		},
	})
	httpx.SetRequestor(mocks)

	rt, mock := testRuntime(t, nil)
	tpl := waTemplate("sequence", "Hi {name}.\n\nYour order shipped.\n\nReply STOP to opt out.")
	d, st := newTestDispatcher(t, rt, mock, []*herald.Channel{waChannel()}, []*herald.Template{tpl})

	file := writeRecipientsCSV(t, "name,email,phone", "Ann Li,ann@acmewidgets.com,+1 206 555 0142")

	p, err := d.StartBatch(ctx, &herald.BatchRequest{
		FilePath:     file,
		TemplateName: "sequence",
		Channels:     []herald.ChannelType{herald.ChannelTypeWhatsAppAPI},
		Options:      &herald.BatchOptions{Split: &herald.SplitOptions{Strategy: "paragraph", Delay: 0.1}},
	})
	require.NoError(t, err)

	// each part settles as its own record
	final := awaitBatch(t, d, p.UUID)
	assert.Equal(t, herald.BatchStateCompleted, final.State)
	assert.Equal(t, 3, final.Sent)
	assert.GreaterOrEqual(t, final.EndedOn.Sub(final.StartedOn), 200*time.Millisecond)

	// parts went out in order with the configured spacing between them
	bodies := []string{}
	for _, req := range mocks.Requests() {
		if req.Method == http.MethodPost {
			raw, err := io.ReadAll(req.Body)
			require.NoError(t, err)
			bodies = append(bodies, string(raw))
		}
	}
	require.Len(t, bodies, 3)
	assert.Contains(t, bodies[0], "Hi Ann Li.")
	assert.Contains(t, bodies[1], "Your order shipped.")
	assert.Contains(t, bodies[2], "Reply STOP to opt out.")

	var prev *time.Time
	for _, id := range []string{"wamid.P1", "wamid.P2", "wamid.P3"} {
		r, err := st.GetRecordByExternalID(ctx, id)
		require.NoError(t, err)
		require.NotNil(t, r, "no record for %s", id)
		assert.Equal(t, herald.StatusSent, r.Status())
		require.NotNil(t, r.SentAt_)
		if prev != nil {
			assert.GreaterOrEqual(t, r.SentAt_.Sub(*prev), 100*time.Millisecond)
		}
		prev = r.SentAt_
	}
}

func TestCancelMidBatch(t *testing.T) {
	ctx := context.Background()
	rt, mock := testRuntime(t, nil)
	drafts := t.TempDir()
	d, _ := newTestDispatcher(t, rt, mock, []*herald.Channel{mailChannel(drafts)}, []*herald.Template{mailTemplate()})

	rows := []string{"name,email,phone"}
	for i := 0; i < 30; i++ {
		rows = append(rows, fmt.Sprintf("Ann Li,user%d@acmewidgets.com,+1 206 555 %04d", i, 100+i))
	}
	file := writeRecipientsCSV(t, rows...)

	p, err := d.StartBatch(ctx, &herald.BatchRequest{
		FilePath:     file,
		TemplateName: "welcome",
		Channels:     []herald.ChannelType{herald.ChannelTypeMailSink},
		Options:      &herald.BatchOptions{PerMessageDelay: 0.05},
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		cur, err := d.BatchProgress(p.UUID)
		return err == nil && cur.Sent >= 2
	}, 10*time.Second, 10*time.Millisecond)

	require.NoError(t, d.CancelBatch(p.UUID))

	final := awaitBatch(t, d, p.UUID)
	assert.Equal(t, herald.BatchStateCancelled, final.State)
	assert.Less(t, final.Sent, 30)
}

func TestWebhookStatusSettlesRecord(t *testing.T) {
	ctx := context.Background()

	t.Cleanup(func() { httpx.SetRequestor(httpx.DefaultRequestor) })
	mocks := httpx.NewMockRequestor(map[string][]*httpx.MockResponse{
		waTestURL: {httpx.NewMockResponse(200, nil, []byte(`{"id":"226098090559999"}`))},
		waSendURL: {httpx.NewMockResponse(200, nil, []byte(`{"messages":[{"id":"wamid.WH1"}]}`))},
	})
	httpx.SetRequestor(mocks)

	rt, mock := testRuntime(t, func(cfg *runtime.Config) {
		cfg.WebhookVerifyToken = "fb_token"
	})
	d, st := newTestDispatcher(t, rt, mock, []*herald.Channel{waChannel()}, []*herald.Template{waTemplate("update", "Hi {name}, your order shipped.")})

	file := writeRecipientsCSV(t, "name,email,phone", "Ann Li,ann@acmewidgets.com,+1 206 555 0142")

	p, err := d.StartBatch(ctx, &herald.BatchRequest{
		FilePath:     file,
		TemplateName: "update",
		Channels:     []herald.ChannelType{herald.ChannelTypeWhatsAppAPI},
	})
	require.NoError(t, err)

	final := awaitBatch(t, d, p.UUID)
	require.Equal(t, 1, final.Sent)

	payload := fmt.Sprintf(`{
		"object": "whatsapp_business_account",
		"entry": [{
			"id": "1234",
			"changes": [{
				"field": "messages",
				"value": {
					"messaging_product": "whatsapp",
					"metadata": {"display_phone_number": "12065551212", "phone_number_id": "226098090559999"},
					"statuses": [{
						"id": "wamid.WH1",
						"recipient_id": "12065550142",
						"status": "delivered",
						"timestamp": "%d",
						"conversation": {"id": "CONV1", "origin": {"type": "marketing"}},
						"pricing": {"pricing_model": "CBP", "billable": true}
					}]
				}
			}]
		}]
	}`, time.Now().Unix())

	handled, err := d.ProcessWebhook(ctx, []byte(payload), "")
	require.NoError(t, err)
	assert.Equal(t, 1, handled)

	r, err := st.GetRecordByExternalID(ctx, "wamid.WH1")
	require.NoError(t, err)
	require.NotNil(t, r)
	assert.Equal(t, herald.StatusDelivered, r.Status())
	assert.NotNil(t, r.DeliveredAt_)

	// the subscription handshake echoes the challenge back for the right token
	challenge, err := d.VerifyWebhook("subscribe", "fb_token", "1158201444")
	require.NoError(t, err)
	assert.Equal(t, "1158201444", challenge)

	_, err = d.VerifyWebhook("subscribe", "wrong", "1158201444")
	assert.Error(t, err)
}

func TestStartBatchErrors(t *testing.T) {
	ctx := context.Background()
	rt, mock := testRuntime(t, nil)
	drafts := t.TempDir()
	d, _ := newTestDispatcher(t, rt, mock, []*herald.Channel{mailChannel(drafts)}, []*herald.Template{mailTemplate()})

	file := writeRecipientsCSV(t, "name,email,phone", "Ann Li,ann@acmewidgets.com,+1 206 555 0142")
	mail := []herald.ChannelType{herald.ChannelTypeMailSink}

	_, err := d.StartBatch(ctx, &herald.BatchRequest{TemplateName: "welcome", Channels: mail})
	assert.Error(t, err)

	_, err = d.StartBatch(ctx, &herald.BatchRequest{FilePath: file, TemplateName: "nope", Channels: mail})
	assert.EqualError(t, err, "no template named nope")

	_, err = d.StartBatch(ctx, &herald.BatchRequest{FilePath: file, TemplateName: "welcome", Channels: []herald.ChannelType{herald.ChannelTypeWhatsAppAPI}})
	assert.EqualError(t, err, "no waapi channel configured")

	_, err = d.StartBatch(ctx, &herald.BatchRequest{FilePath: filepath.Join(t.TempDir(), "missing.csv"), TemplateName: "welcome", Channels: mail})
	assert.ErrorContains(t, err, "error opening recipient file")

	noEmail := writeRecipientsCSV(t, "name,phone", "Ann Li,+1 206 555 0142")
	_, err = d.StartBatch(ctx, &herald.BatchRequest{FilePath: noEmail, TemplateName: "welcome", Channels: mail})
	assert.ErrorContains(t, err, "maps to required field email")

	_, err = d.StartBatch(ctx, &herald.BatchRequest{
		FilePath: file, TemplateName: "welcome", Channels: mail,
		Options: &herald.BatchOptions{Split: &herald.SplitOptions{Strategy: "custom_delimiter", Delay: 0.1}},
	})
	assert.ErrorContains(t, err, "not sendable")

	_, err = d.BatchProgress("9b38fb23-ad64-44d5-a780-a49017f6d6b8")
	assert.ErrorIs(t, err, herald.ErrBatchNotFound)
	assert.ErrorIs(t, d.CancelBatch("9b38fb23-ad64-44d5-a780-a49017f6d6b8"), herald.ErrBatchNotFound)
}

func TestDuplicateChannel(t *testing.T) {
	rt, _ := testRuntime(t, nil)
	registry, err := templates.NewRegistry(filepath.Join(rt.Config.StateDir, "templates.json"))
	require.NoError(t, err)

	drafts := t.TempDir()
	_, err = dispatch.NewDispatcher(rt, store.New(rt), quota.NewManager(rt), registry, []*herald.Channel{mailChannel(drafts), mailChannel(drafts)}, nil)
	assert.EqualError(t, err, "more than one mailsink channel configured")
}
