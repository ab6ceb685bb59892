package web

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vadiminshakov/coinledger/internal/balance"
	"github.com/vadiminshakov/coinledger/internal/events"
	"github.com/vadiminshakov/coinledger/internal/services"
	"github.com/vadiminshakov/coinledger/internal/storage/ledger"
	"go.uber.org/zap"
)

const exportCSV = `UTC_Time,Operation,Market,Buy/Sell Amount,Price
2024-01-01 10:00:00,BUY,BTC/USDT,1.5,30000
2024-01-02 10:00:00,SELL,BTC/USDT,0.5,32000
2024-01-02 11:00:00,BUY,BTC/USDT,-1,32000
`

func init() {
	gin.SetMode(gin.TestMode)
}

type fixture struct {
	server  *Server
	backend *ledger.MemoryBackend
	stream  *events.MergeBroadcaster
}

func newFixture(t *testing.T, opts Options) *fixture {
	t.Helper()
	backend := ledger.NewMemoryBackend()
	lg, err := ledger.Open(context.Background(), backend, zap.NewNop())
	require.NoError(t, err)

	stream := events.NewMergeBroadcaster(8)
	svc := services.NewLedgerService(zap.NewNop(), lg, balance.NewEngine(lg, 0, zap.NewNop()), stream)
	return &fixture{
		server:  NewServer(":0", svc, stream, opts, zap.NewNop()),
		backend: backend,
		stream:  stream,
	}
}

func multipartUpload(t *testing.T, field, content string) (*bytes.Buffer, string) {
	t.Helper()
	body := &bytes.Buffer{}
	mw := multipart.NewWriter(body)
	fw, err := mw.CreateFormFile(field, "trades.csv")
	require.NoError(t, err)
	_, err = fw.Write([]byte(content))
	require.NoError(t, err)
	require.NoError(t, mw.Close())
	return body, mw.FormDataContentType()
}

func (f *fixture) do(req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rec, req)
	return rec
}

func (f *fixture) uploadCSV(t *testing.T, content string) (*httptest.ResponseRecorder, uploadResponse) {
	t.Helper()
	body, contentType := multipartUpload(t, "file", content)
	req := httptest.NewRequest(http.MethodPost, "/api/trades/upload", body)
	req.Header.Set("Content-Type", contentType)
	rec := f.do(req)

	var resp uploadResponse
	if rec.Code == http.StatusOK {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	}
	return rec, resp
}

func TestUpload_Multipart(t *testing.T) {
	f := newFixture(t, Options{})

	rec, resp := f.uploadCSV(t, exportCSV)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.NotEmpty(t, resp.BatchID)
	assert.Len(t, resp.Accepted, 2)
	assert.Equal(t, 2, resp.Inserted)
	assert.Equal(t, uint64(1), resp.Version)
	require.Len(t, resp.Rejected, 1)
	assert.Equal(t, rejectionResponse{Row: 3, Field: "amount", Reason: "negative amount -1"}, resp.Rejected[0])

	// the client renders the echoed trades with the export's column names
	var raw map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &raw))
	first := raw["accepted"].([]any)[0].(map[string]any)
	assert.Equal(t, "BTC/USDT", first["Market"])
	assert.Equal(t, "1.5", first["Buy/Sell Amount"])
	assert.Equal(t, "2024-01-01T10:00:00.000000Z", first["UTC_Time"])
}

func TestUpload_ReuploadReportsDuplicates(t *testing.T) {
	f := newFixture(t, Options{})

	_, first := f.uploadCSV(t, exportCSV)
	rec, second := f.uploadCSV(t, exportCSV)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Zero(t, second.Inserted)
	assert.Equal(t, 2, second.Duplicates)
	assert.Equal(t, first.Version, second.Version)
	assert.Len(t, second.Accepted, 2)
}

func TestUpload_JSONRows(t *testing.T) {
	f := newFixture(t, Options{})

	body := `{"rows":[
		{"UTC_Time":"2024-01-01T10:00:00Z","Operation":"DEPOSIT","Coin":"usdt","Amount":1000.10},
		{"UTC_Time":"2024-01-01T11:00:00Z","Operation":"TRADE","Market":"BTC/USDT","Amount":"1","Price":"1"}
	]}`
	req := httptest.NewRequest(http.MethodPost, "/api/trades/upload", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := f.do(req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp uploadResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Accepted, 1)
	assert.Equal(t, "1000.1", resp.Accepted[0].Amount.String())
	assert.Equal(t, "USDT", resp.Accepted[0].BaseCoin)
	require.Len(t, resp.Rejected, 1)
	assert.Equal(t, 2, resp.Rejected[0].Row)
	assert.Equal(t, "operation", resp.Rejected[0].Field)
}

func TestUpload_BadRequests(t *testing.T) {
	f := newFixture(t, Options{})

	body, contentType := multipartUpload(t, "other", exportCSV)
	req := httptest.NewRequest(http.MethodPost, "/api/trades/upload", body)
	req.Header.Set("Content-Type", contentType)
	assert.Equal(t, http.StatusBadRequest, f.do(req).Code)

	req = httptest.NewRequest(http.MethodPost, "/api/trades/upload", strings.NewReader("{not json"))
	req.Header.Set("Content-Type", "application/json")
	assert.Equal(t, http.StatusBadRequest, f.do(req).Code)

	rec, _ := f.uploadCSV(t, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestUpload_TooLarge(t *testing.T) {
	f := newFixture(t, Options{MaxUploadBytes: 64})

	body := `{"rows":[{"UTC_Time":"2024-01-01T10:00:00Z","Operation":"DEPOSIT","Coin":"USDT","Amount":"1"}]}`
	req := httptest.NewRequest(http.MethodPost, "/api/trades/upload", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	assert.Equal(t, http.StatusRequestEntityTooLarge, f.do(req).Code)
}

func TestUpload_StorageFailure(t *testing.T) {
	f := newFixture(t, Options{})
	f.backend.FailAppend = errors.New("disk full")

	rec, _ := f.uploadCSV(t, exportCSV)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	rec = f.do(httptest.NewRequest(http.MethodGet, "/api/trades", nil))
	assert.JSONEq(t, "[]", rec.Body.String())
}

func TestListTrades(t *testing.T) {
	f := newFixture(t, Options{})

	rec := f.do(httptest.NewRequest(http.MethodGet, "/api/trades", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, "[]", rec.Body.String())

	f.uploadCSV(t, exportCSV)

	rec = f.do(httptest.NewRequest(http.MethodGet, "/api/trades", nil))
	var all []map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &all))
	assert.Len(t, all, 2)

	rec = f.do(httptest.NewRequest(http.MethodGet, "/api/trades?until=2024-01-01T10:00:00Z", nil))
	var prefix []map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &prefix))
	require.Len(t, prefix, 1)
	assert.Equal(t, "BUY", prefix[0]["Operation"])

	rec = f.do(httptest.NewRequest(http.MethodGet, "/api/trades?until=soon", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestBalance(t *testing.T) {
	f := newFixture(t, Options{})
	f.uploadCSV(t, exportCSV)

	req := httptest.NewRequest(http.MethodPost, "/api/balance", strings.NewReader(`{"timestamp":"2024-01-01T12:00:00Z"}`))
	req.Header.Set("Content-Type", "application/json")
	rec := f.do(req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp balanceResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, balanceResponse{
		Timestamp: "2024-01-01T12:00:00.000000Z",
		Version:   1,
		Trades:    1,
		Balances:  map[string]string{"BTC": "1.5", "USDT": "-45000"},
	}, resp)

	rec = f.do(httptest.NewRequest(http.MethodGet, "/api/balance?at=2024-01-03", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, map[string]string{"BTC": "1", "USDT": "-29000"}, resp.Balances)

	// before the first trade
	rec = f.do(httptest.NewRequest(http.MethodGet, "/api/balance?at=2023-12-31T00:00:00Z", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	resp = balanceResponse{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Empty(t, resp.Balances)
}

func TestBalanceMapping(t *testing.T) {
	f := newFixture(t, Options{})
	f.uploadCSV(t, exportCSV)

	req := httptest.NewRequest(http.MethodPost, "/api/balances", strings.NewReader(`{"timestamp":"2024-01-01T12:00:00Z"}`))
	req.Header.Set("Content-Type", "application/json")
	rec := f.do(req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var mapping map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &mapping))
	assert.Equal(t, map[string]string{"BTC": "1.5", "USDT": "-45000"}, mapping)

	rec = f.do(httptest.NewRequest(http.MethodGet, "/api/balances?at=0001-01-01T00:00:00Z", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{}`, rec.Body.String())

	rec = f.do(httptest.NewRequest(http.MethodGet, "/api/balances?at=10000-01-01", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestBalance_InvalidTimestamp(t *testing.T) {
	f := newFixture(t, Options{})

	for _, target := range []string{"/api/balance?at=tomorrow", "/api/balance"} {
		rec := f.do(httptest.NewRequest(http.MethodGet, target, nil))
		assert.Equal(t, http.StatusBadRequest, rec.Code, target)
	}

	req := httptest.NewRequest(http.MethodPost, "/api/balance", strings.NewReader(`{"timestamp":"31/12/2024"}`))
	req.Header.Set("Content-Type", "application/json")
	assert.Equal(t, http.StatusBadRequest, f.do(req).Code)
}

func TestHealthAndIndex(t *testing.T) {
	f := newFixture(t, Options{})
	f.uploadCSV(t, exportCSV)

	rec := f.do(httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok","ledger_version":1,"trades":2}`, rec.Body.String())

	rec = f.do(httptest.NewRequest(http.MethodGet, "/", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "/api/trades/upload")
}

func TestTradeStream(t *testing.T) {
	f := newFixture(t, Options{})
	ts := httptest.NewServer(f.server.Handler())
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/api/trades/stream", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	reader := bufio.NewReader(resp.Body)
	name, data := readEvent(t, reader)
	require.Equal(t, "status", name)
	assert.JSONEq(t, `{"status":"ok","ledger_version":0,"trades":0}`, data)

	rec, _ := f.uploadCSV(t, exportCSV)
	require.Equal(t, http.StatusOK, rec.Code)

	name, data = readEvent(t, reader)
	require.Equal(t, "merge", name)
	var event events.MergeEvent
	require.NoError(t, json.Unmarshal([]byte(data), &event))
	assert.Equal(t, uint64(1), event.Version)
	assert.Equal(t, 2, event.Inserted)
	assert.Len(t, event.Trades, 2)
}

func readEvent(t *testing.T, r *bufio.Reader) (string, string) {
	t.Helper()
	var name, data string
	for {
		line, err := r.ReadString('\n')
		require.NoError(t, err)
		line = strings.TrimRight(line, "\n")
		switch {
		case strings.HasPrefix(line, "event: "):
			name = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			data = strings.TrimPrefix(line, "data: ")
		case line == "" && name != "":
			return name, data
		}
	}
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"body too large", &http.MaxBytesError{Limit: 1}, http.StatusRequestEntityTooLarge},
		{"deadline", context.DeadlineExceeded, http.StatusGatewayTimeout},
		{"unknown", errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, statusFor(tt.err))
		})
	}
}
