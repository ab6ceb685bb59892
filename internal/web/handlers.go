package web

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/pkg/errors"
	"github.com/vadiminshakov/coinledger/internal/domain"
	"github.com/vadiminshakov/coinledger/internal/ingest"
	"github.com/vadiminshakov/coinledger/internal/services"
	"go.uber.org/zap"
)

type rejectionResponse struct {
	Row    int    `json:"row"`
	Field  string `json:"field,omitempty"`
	Reason string `json:"reason"`
}

type uploadResponse struct {
	BatchID    string              `json:"batch_id"`
	Accepted   []domain.Trade      `json:"accepted"`
	Rejected   []rejectionResponse `json:"rejected"`
	Inserted   int                 `json:"inserted"`
	Duplicates int                 `json:"duplicates"`
	Version    uint64              `json:"ledger_version"`
}

type uploadRowsRequest struct {
	Rows []map[string]any `json:"rows"`
}

type balanceRequest struct {
	Timestamp string `json:"timestamp"`
}

type balanceResponse struct {
	Timestamp string            `json:"timestamp"`
	Version   uint64            `json:"ledger_version"`
	Trades    int               `json:"trades"`
	Balances  map[string]string `json:"balances"`
}

type statusResponse struct {
	Status  string `json:"status"`
	Version uint64 `json:"ledger_version"`
	Trades  int    `json:"trades"`
}

func newUploadResponse(result services.UploadResult) uploadResponse {
	resp := uploadResponse{
		BatchID:    result.BatchID,
		Accepted:   result.Accepted,
		Rejected:   make([]rejectionResponse, 0, len(result.Rejected)),
		Inserted:   result.Inserted,
		Duplicates: result.Duplicates,
		Version:    result.Version,
	}
	if resp.Accepted == nil {
		resp.Accepted = []domain.Trade{}
	}
	for _, rej := range result.Rejected {
		r := rejectionResponse{Row: rej.Row, Reason: rej.Reason()}
		if rej.Err != nil {
			r.Field = rej.Err.Field
			r.Reason = rej.Err.Reason
		}
		resp.Rejected = append(resp.Rejected, r)
	}
	return resp
}

// handleUpload accepts a CSV export as multipart field "file", or JSON {"rows": [...]}.
func (s *Server) handleUpload(c *gin.Context) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, s.opts.MaxUploadBytes)

	var (
		result services.UploadResult
		err    error
	)
	if strings.HasPrefix(c.ContentType(), "multipart/") {
		result, err = s.uploadFile(c)
	} else {
		result, err = s.uploadRows(c)
	}
	if err != nil {
		s.writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, newUploadResponse(result))
}

func (s *Server) uploadFile(c *gin.Context) (services.UploadResult, error) {
	header, err := c.FormFile("file")
	if err != nil {
		if errors.Is(err, http.ErrMissingFile) {
			return services.UploadResult{}, errors.Wrap(ingest.ErrMalformedBatch, `multipart field "file" is required`)
		}
		return services.UploadResult{}, err
	}

	file, err := header.Open()
	if err != nil {
		return services.UploadResult{}, errors.Wrap(err, "open uploaded file")
	}
	defer file.Close()

	return s.svc.UploadCSV(c.Request.Context(), file)
}

func (s *Server) uploadRows(c *gin.Context) (services.UploadResult, error) {
	dec := json.NewDecoder(c.Request.Body)
	dec.UseNumber()

	var req uploadRowsRequest
	if err := dec.Decode(&req); err != nil {
		if isBodyTooLarge(err) {
			return services.UploadResult{}, err
		}
		return services.UploadResult{}, errors.Wrap(ingest.ErrMalformedBatch, err.Error())
	}

	rows := make([]ingest.Row, 0, len(req.Rows))
	for _, raw := range req.Rows {
		row := make(ingest.Row, len(raw))
		for column, value := range raw {
			row[column] = stringify(value)
		}
		rows = append(rows, row)
	}

	return s.svc.Upload(c.Request.Context(), rows)
}

func stringify(v any) string {
	switch v := v.(type) {
	case nil:
		return ""
	case string:
		return v
	case json.Number:
		return v.String()
	default:
		return fmt.Sprint(v)
	}
}

func (s *Server) handleListTrades(c *gin.Context) {
	until := c.Query("until")
	if until == "" {
		c.JSON(http.StatusOK, nonNil(s.svc.List()))
		return
	}

	trades, err := s.svc.ListUntil(until)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, nonNil(trades))
}

func nonNil(trades []domain.Trade) []domain.Trade {
	if trades == nil {
		return []domain.Trade{}
	}
	return trades
}

// handleBalance serves POST {"timestamp": ...} and GET ?at=... with snapshot metadata.
func (s *Server) handleBalance(c *gin.Context) {
	snapshot, ok := s.balanceSnapshot(c)
	if !ok {
		return
	}

	c.JSON(http.StatusOK, balanceResponse{
		Timestamp: domain.FormatInstant(snapshot.At),
		Version:   snapshot.LedgerVersion,
		Trades:    snapshot.Trades,
		Balances:  snapshot.Strings(),
	})
}

// handleBalanceMapping answers the same query with the bare asset -> balance object.
func (s *Server) handleBalanceMapping(c *gin.Context) {
	snapshot, ok := s.balanceSnapshot(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, snapshot.Strings())
}

func (s *Server) balanceSnapshot(c *gin.Context) (domain.BalanceSnapshot, bool) {
	ts := c.Query("at")
	if c.Request.Method == http.MethodPost {
		var req balanceRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return domain.BalanceSnapshot{}, false
		}
		ts = req.Timestamp
	}

	snapshot, err := s.svc.BalanceAt(c.Request.Context(), ts)
	if err != nil {
		s.writeError(c, err)
		return domain.BalanceSnapshot{}, false
	}
	return snapshot, true
}

func (s *Server) handleHealth(c *gin.Context) {
	status := s.svc.Status()
	c.JSON(http.StatusOK, statusResponse{Status: "ok", Version: status.Version, Trades: status.Trades})
}

func (s *Server) handleIndex(c *gin.Context) {
	c.Data(http.StatusOK, "text/html; charset=utf-8", []byte(indexHTML))
}

func (s *Server) writeError(c *gin.Context, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.l.Error("request failed", zap.String("path", c.Request.URL.Path), zap.Error(err))
	}
	_ = c.Error(err)
	c.JSON(status, gin.H{"error": err.Error()})
}

func statusFor(err error) int {
	switch {
	case isBodyTooLarge(err):
		return http.StatusRequestEntityTooLarge
	case domain.IsValidationError(err),
		errors.Is(err, domain.ErrInvalidTimestamp),
		errors.Is(err, ingest.ErrMalformedBatch):
		return http.StatusBadRequest
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case domain.IsStorageError(err):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func isBodyTooLarge(err error) bool {
	var maxBytes *http.MaxBytesError
	if errors.As(err, &maxBytes) {
		return true
	}
	// multipart parsing may flatten the error
	return strings.Contains(err.Error(), "request body too large")
}
