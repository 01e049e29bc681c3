package query

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"cdrsync/pkg/datastore"
)

// mockReader implements datastore.Reader for testing
type mockReader struct {
	records   []datastore.CDR
	summary   []datastore.SummaryRow
	err       error
	pingErr   error
	summaryID int64
}

func (m *mockReader) Details(ctx context.Context) ([]datastore.CDR, error) {
	return m.records, m.err
}

func (m *mockReader) Summary(ctx context.Context, custID int64) ([]datastore.SummaryRow, error) {
	m.summaryID = custID
	return m.summary, m.err
}

func (m *mockReader) Logs(ctx context.Context) ([]datastore.CDR, error) {
	return m.records, m.err
}

func (m *mockReader) Ping(ctx context.Context) error {
	return m.pingErr
}

func serve(h *Handler, target string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	h.Router(prometheus.NewRegistry()).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, target, nil))
	return rec
}

func TestHandler_Endpoints(t *testing.T) {
	reader := &mockReader{
		records: []datastore.CDR{{
			CustID:    9007199254740993,
			ID:        "A",
			CallerID:  "X",
			Seq:       1,
			AddedDt:   "2024-01-01T00:00:00",
			StartTime: "2024-01-01T00:00:00",
			EndTime:   "2024-01-01T00:05:00",
		}},
		summary: []datastore.SummaryRow{{ID: "A", CallDate: "2024-01-01", CDRCount: 2}},
	}
	handler := NewHandler(reader, zap.NewNop())

	tests := []struct {
		name       string
		target     string
		wantStatus int
		wantBody   string
	}{
		{
			name:       "details",
			target:     "/details",
			wantStatus: http.StatusOK,
			wantBody:   `[{"cust_id":9007199254740993,"id":"A","caller_id":"X","seq":1,"added_dt":"2024-01-01T00:00:00","start_time":"2024-01-01T00:00:00","end_time":"2024-01-01T00:05:00"}]`,
		},
		{
			name:       "logs",
			target:     "/logs",
			wantStatus: http.StatusOK,
			wantBody:   `"cust_id":9007199254740993`,
		},
		{
			name:       "summary",
			target:     "/summary?cust_id=1",
			wantStatus: http.StatusOK,
			wantBody:   `[{"id":"A","call_date":"2024-01-01","cdr_count":2}]`,
		},
		{
			name:       "summary without customer",
			target:     "/summary",
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "summary with non-numeric customer",
			target:     "/summary?cust_id=acme",
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "health",
			target:     "/health",
			wantStatus: http.StatusOK,
			wantBody:   `{"status":"ok"}`,
		},
		{
			name:       "metrics",
			target:     "/metrics",
			wantStatus: http.StatusOK,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := serve(handler, tt.target)

			if rec.Code != tt.wantStatus {
				t.Fatalf("Expected status %d, got %d", tt.wantStatus, rec.Code)
			}
			if tt.wantBody != "" && !strings.Contains(rec.Body.String(), tt.wantBody) {
				t.Errorf("Expected body to contain %s\nGot: %s", tt.wantBody, rec.Body.String())
			}
		})
	}

	if reader.summaryID != 1 {
		t.Errorf("Expected summary for cust_id=1, got %d", reader.summaryID)
	}
}

func TestHandler_StorageFailure(t *testing.T) {
	reader := &mockReader{
		err:     errors.New("connection pool acquisition failed"),
		pingErr: errors.New("connection refused"),
	}
	handler := NewHandler(reader, zap.NewNop())

	tests := []struct {
		target     string
		wantStatus int
		wantBody   string
	}{
		{"/details", http.StatusInternalServerError, "Failure executing details"},
		{"/summary?cust_id=1", http.StatusInternalServerError, "Failure executing summary"},
		{"/logs", http.StatusInternalServerError, "Failure executing logs"},
		{"/health", http.StatusServiceUnavailable, "unavailable"},
	}

	for _, tt := range tests {
		t.Run(tt.target, func(t *testing.T) {
			rec := serve(handler, tt.target)

			if rec.Code != tt.wantStatus {
				t.Fatalf("Expected status %d, got %d", tt.wantStatus, rec.Code)
			}
			if !strings.Contains(rec.Body.String(), tt.wantBody) {
				t.Errorf("Expected body to contain %q, got %q", tt.wantBody, rec.Body.String())
			}
			if strings.Contains(rec.Body.String(), "acquisition") {
				t.Error("Storage error details leaked into the response")
			}
		})
	}
}

func TestHandler_EmptyResultIsArray(t *testing.T) {
	handler := NewHandler(&mockReader{records: []datastore.CDR{}}, zap.NewNop())

	rec := serve(handler, "/details")
	if strings.TrimSpace(rec.Body.String()) != "[]" {
		t.Errorf("Expected empty JSON array, got %q", rec.Body.String())
	}
}
