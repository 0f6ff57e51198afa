package api

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/brechohub/autoresponder/internal/models"
	"github.com/brechohub/autoresponder/internal/queue"
	"github.com/brechohub/autoresponder/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeProcessor struct {
	result models.ProcessingResult
	calls  int
	panic  bool
}

func (f *fakeProcessor) ProcessAllPending(ctx context.Context) models.ProcessingResult {
	f.calls++
	if f.panic {
		panic("nil map")
	}
	return f.result
}

type fakeHealth models.HealthStatus

func (h fakeHealth) Check(context.Context) models.HealthStatus { return models.HealthStatus(h) }

type fakeInspector struct {
	insp queue.Inspection
	err  error
	got  int
}

func (f *fakeInspector) Inspect(ctx context.Context, n int) (queue.Inspection, error) {
	f.got = n
	return f.insp, f.err
}

type fakeMaintenance struct {
	reports []models.TaskReport
}

func (f fakeMaintenance) RunDaily(context.Context) []models.TaskReport { return f.reports }

type fakeIngestor struct {
	created bool
	err     error
	got     []models.InboundMessage
}

func (f *fakeIngestor) Ingest(ctx context.Context, msg models.InboundMessage) (bool, error) {
	f.got = append(f.got, msg)
	return f.created, f.err
}

type deps struct {
	processor   *fakeProcessor
	health      fakeHealth
	inspector   *fakeInspector
	maintenance fakeMaintenance
}

func newDeps() *deps {
	return &deps{
		processor: &fakeProcessor{result: models.ProcessingResult{
			Success: true,
			Stats:   models.Stats{Processed: 3, Sent: 2, Failed: 1},
		}},
		health:    fakeHealth{Redis: true, Database: true},
		inspector: &fakeInspector{},
		maintenance: fakeMaintenance{reports: []models.TaskReport{
			{Task: "reset-stale-auto-responses", Status: models.TaskStatusOK, Count: 2},
		}},
	}
}

func (d *deps) server(opts ...Option) *Server {
	return NewServer(d.processor, d.health, d.inspector, d.maintenance, opts...)
}

func do(t *testing.T, s *Server, method, target, token string, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rr := httptest.NewRecorder()
	s.Handler().ServeHTTP(rr, req)
	return rr
}

func decode(t *testing.T, rr *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	return testutil.DecodeJSON(t, rr)
}

func TestProcess_Success(t *testing.T) {
	d := newDeps()
	rr := do(t, d.server(), http.MethodPost, "/jobs/whatsapp-autoresponse", "", "")

	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "application/json", rr.Header().Get("Content-Type"))
	assert.NotEmpty(t, rr.Header().Get("X-Request-ID"))
	body := decode(t, rr)
	assert.Equal(t, true, body["success"])
	stats := body["stats"].(map[string]any)
	assert.Equal(t, 3.0, stats["processed"])
	assert.Equal(t, 2.0, stats["sent"])
	assert.Equal(t, 1.0, stats["failed"])
	assert.Contains(t, body, "details")
}

func TestProcess_TotalFailureIs500(t *testing.T) {
	d := newDeps()
	d.processor.result = models.ProcessingResult{Details: models.ResultDetails{Error: "services unavailable"}}
	rr := do(t, d.server(), http.MethodPost, "/jobs/whatsapp-autoresponse", "", "")

	assert.Equal(t, http.StatusInternalServerError, rr.Code)
	body := decode(t, rr)
	assert.Equal(t, false, body["success"])
	assert.Equal(t, "services unavailable", body["details"].(map[string]any)["error"])
	assert.Equal(t, 0.0, body["stats"].(map[string]any)["processed"])
}

func TestProcess_Auth(t *testing.T) {
	d := newDeps()
	s := d.server(WithJobsSecret("s3cret"))

	assert.Equal(t, http.StatusUnauthorized, do(t, s, http.MethodPost, "/jobs/whatsapp-autoresponse", "", "").Code)
	assert.Equal(t, http.StatusUnauthorized, do(t, s, http.MethodPost, "/jobs/whatsapp-autoresponse", "wrong", "").Code)
	assert.Equal(t, 0, d.processor.calls)

	assert.Equal(t, http.StatusOK, do(t, s, http.MethodPost, "/jobs/whatsapp-autoresponse", "s3cret", "").Code)
	assert.Equal(t, 1, d.processor.calls)
}

func TestProcess_MethodNotAllowed(t *testing.T) {
	d := newDeps()
	rr := do(t, d.server(), http.MethodGet, "/jobs/whatsapp-autoresponse", "", "")
	assert.Equal(t, http.StatusMethodNotAllowed, rr.Code)
	assert.Equal(t, 0, d.processor.calls)
}

func TestProcess_PanicIsRecovered(t *testing.T) {
	d := newDeps()
	d.processor.panic = true
	rr := do(t, d.server(), http.MethodPost, "/jobs/whatsapp-autoresponse", "", "")
	assert.Equal(t, http.StatusInternalServerError, rr.Code)
	assert.Equal(t, "error", decode(t, rr)["status"])
}

func TestHealth(t *testing.T) {
	tests := []struct {
		name   string
		health fakeHealth
		code   int
	}{
		{"both up", fakeHealth{Redis: true, Database: true}, http.StatusOK},
		{"redis down", fakeHealth{Database: true}, http.StatusOK},
		{"both down", fakeHealth{}, http.StatusServiceUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := newDeps()
			d.health = tt.health
			// Health stays open even when a jobs secret is configured.
			rr := do(t, d.server(WithJobsSecret("s3cret")), http.MethodGet, "/jobs/health", "", "")
			assert.Equal(t, tt.code, rr.Code)
			body := decode(t, rr)
			services := body["services"].(map[string]any)
			assert.Equal(t, tt.health.Redis, services["redis"])
			assert.Equal(t, tt.health.Database, services["database"])
			assert.Contains(t, body, "timestamp")
		})
	}
}

func TestRedisDebug_SampleParameter(t *testing.T) {
	d := newDeps()
	s := d.server()

	do(t, s, http.MethodGet, "/jobs/redis-debug", "", "")
	assert.Equal(t, queue.DefaultSampleSize, d.inspector.got)

	do(t, s, http.MethodGet, "/jobs/redis-debug?sample=500", "", "")
	assert.Equal(t, queue.MaxSampleSize, d.inspector.got)

	rr := do(t, s, http.MethodGet, "/jobs/redis-debug?sample=abc", "", "")
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestRedisDebug_InspectError(t *testing.T) {
	d := newDeps()
	d.inspector.err = errors.New("dial tcp: connection refused")
	rr := do(t, d.server(), http.MethodGet, "/jobs/redis-debug", "", "")
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
	assert.Equal(t, false, decode(t, rr)["success"])
}

func TestRedisDebug_DoesNotMutateQueue(t *testing.T) {
	q, _ := testutil.NewQueue(t)
	ctx := context.Background()
	for _, id := range []string{"m1", "m2"} {
		require.NoError(t, q.Enqueue(ctx, models.QueueJob{
			MessageID: id, PartnerID: "p1",
			Payload: models.JobPayload{Sender: "5511999991234", Body: "Tem tamanho M?", ReceivedAt: time.Now()},
		}))
	}

	d := newDeps()
	s := NewServer(d.processor, d.health, q, d.maintenance)
	rr := do(t, s, http.MethodGet, "/jobs/redis-debug?sample=1", "", "")

	require.Equal(t, http.StatusOK, rr.Code)
	body := decode(t, rr)
	assert.Equal(t, true, body["enabled"])
	main := body["mainQueue"].(map[string]any)
	assert.Equal(t, 2.0, main["length"])
	sample := main["sample"].([]any)
	require.Len(t, sample, 1)
	assert.Equal(t, "m1", sample[0].(map[string]any)["messageId"])
	assert.NotContains(t, sample[0].(map[string]any)["sender"], "99991234")

	jobs, err := q.DequeueBatch(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, jobs, 2)
}

func TestCron(t *testing.T) {
	d := newDeps()
	s := d.server(WithCronSecret("cron-key"))

	assert.Equal(t, http.StatusUnauthorized, do(t, s, http.MethodGet, "/cron", "", "").Code)

	rr := do(t, s, http.MethodGet, "/cron", "cron-key", "")
	require.Equal(t, http.StatusOK, rr.Code)
	body := decode(t, rr)
	assert.Equal(t, true, body["success"])
	results := body["results"].([]any)
	require.Len(t, results, 1)
	r := results[0].(map[string]any)
	assert.Equal(t, "reset-stale-auto-responses", r["task"])
	assert.Equal(t, "ok", r["status"])
	assert.Equal(t, 2.0, r["count"])
	assert.Contains(t, r, "duration")
}

func TestCron_TaskFailureIs500(t *testing.T) {
	d := newDeps()
	d.maintenance.reports = []models.TaskReport{{Task: "reset-stale-auto-responses", Status: models.TaskStatusError, Error: "db down"}}
	rr := do(t, d.server(), http.MethodGet, "/cron", "", "")
	assert.Equal(t, http.StatusInternalServerError, rr.Code)
}

func TestInbound(t *testing.T) {
	d := newDeps()
	in := &fakeIngestor{created: true}
	s := d.server(WithIngestor(in))

	rr := do(t, s, http.MethodPost, "/messages/inbound", "",
		`{"id":"m1","partnerId":"p1","sender":"5511999990000","body":"Oi!"}`)
	assert.Equal(t, http.StatusAccepted, rr.Code)
	require.Len(t, in.got, 1)
	assert.Equal(t, models.DirectionInbound, in.got[0].Direction)

	in.created = false
	rr = do(t, s, http.MethodPost, "/messages/inbound", "",
		`{"id":"m1","partnerId":"p1","sender":"5511999990000","body":"Oi!"}`)
	assert.Equal(t, http.StatusOK, rr.Code)
}

func TestInbound_Invalid(t *testing.T) {
	d := newDeps()
	in := &fakeIngestor{created: true}
	s := d.server(WithIngestor(in))

	assert.Equal(t, http.StatusBadRequest, do(t, s, http.MethodPost, "/messages/inbound", "", `{`).Code)
	assert.Equal(t, http.StatusBadRequest, do(t, s, http.MethodPost, "/messages/inbound", "", `{"id":"m1"}`).Code)
	assert.Empty(t, in.got)

	in.err = errors.New("database is locked")
	assert.Equal(t, http.StatusInternalServerError, do(t, s, http.MethodPost, "/messages/inbound", "",
		`{"id":"m2","partnerId":"p1","sender":"5511999990000","body":"Oi!"}`).Code)
}

func TestInbound_NotRegisteredWithoutIngestor(t *testing.T) {
	d := newDeps()
	rr := do(t, d.server(), http.MethodPost, "/messages/inbound", "", `{}`)
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestBearerToken(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	_, ok := bearerToken(req)
	assert.False(t, ok)

	req.Header.Set("Authorization", "bearer abc")
	token, ok := bearerToken(req)
	assert.True(t, ok)
	assert.Equal(t, "abc", token)

	req.Header.Set("Authorization", "Basic abc")
	_, ok = bearerToken(req)
	assert.False(t, ok)
}
