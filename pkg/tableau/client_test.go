package tableau

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/askviz/askviz-engine/pkg/models"
)

// newTestClient wires a client and session manager against a test mux that
// already answers the sign-in route.
func newTestClient(t *testing.T, mux *http.ServeMux) (*Client, *httptest.Server) {
	t.Helper()
	mux.HandleFunc("/api/3.22/auth/signin", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(signinResponse("token-1")))
	})
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)

	cfg := testTableauConfig(server.URL)
	sessions := NewSessionManager(cfg, clockwork.NewFakeClock(), zap.NewNop())
	return NewClient(cfg, sessions, zap.NewNop()), server
}

func TestQueryDatasource_ForcesObjectsAndDropsLimit(t *testing.T) {
	var gotPayload map[string]any
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/vizql-data-service/query-datasource", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Tableau-Auth") != "token-1" {
			t.Errorf("missing auth header")
		}
		json.NewDecoder(r.Body).Decode(&gotPayload)
		w.Write([]byte(`{"data": [{"Region": "East", "SUM(Sales)": 1200.5}]}`))
	})
	client, _ := newTestClient(t, mux)

	query := &models.VDSQuery{
		Fields: []models.QueryField{
			{FieldCaption: "Sales", Function: "SUM"},
			{FieldCaption: "Region"},
		},
		Options: &models.QueryOptions{ReturnFormat: "ARRAYS"},
		Limit:   10,
	}

	result, err := client.QueryDatasource(context.Background(), "ds-123", query)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.RowCount() != 1 {
		t.Fatalf("expected 1 row, got %d", result.RowCount())
	}
	if result.Data[0]["Region"] != "East" {
		t.Errorf("unexpected row: %v", result.Data[0])
	}

	ds := gotPayload["datasource"].(map[string]any)
	if ds["datasourceLuid"] != "ds-123" {
		t.Errorf("expected datasourceLuid, got %v", ds)
	}
	options := gotPayload["options"].(map[string]any)
	if options["returnFormat"] != "OBJECTS" {
		t.Errorf("expected returnFormat forced to OBJECTS, got %v", options["returnFormat"])
	}
	if _, hasLimit := gotPayload["limit"]; hasLimit {
		t.Error("limit must not be forwarded")
	}
	q := gotPayload["query"].(map[string]any)
	if _, hasLimit := q["limit"]; hasLimit {
		t.Error("limit must not be forwarded inside query")
	}
	if _, hasLimit := options["limit"]; hasLimit {
		t.Error("limit must not be forwarded inside options")
	}
}

func TestQueryDatasource_RejectsEmptyFields(t *testing.T) {
	client, _ := newTestClient(t, http.NewServeMux())

	_, err := client.QueryDatasource(context.Background(), "ds-123", &models.VDSQuery{})
	if err == nil {
		t.Fatal("expected error for empty fields")
	}
}

func TestQueryDatasource_ArrayResponseUsesResponseMetadata(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/vizql-data-service/query-datasource", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{
			"data": [["East", 1200.5], ["West", 800.0]],
			"metadata": [{"fieldCaption": "Region"}, {"fieldCaption": "Sales", "fieldAlias": "total_sales"}]
		}`))
	})
	client, _ := newTestClient(t, mux)

	query := &models.VDSQuery{Fields: []models.QueryField{{FieldCaption: "Region"}, {FieldCaption: "Sales", Function: "SUM"}}}
	result, err := client.QueryDatasource(context.Background(), "ds-123", query)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.RowCount() != 2 {
		t.Fatalf("expected 2 rows, got %d", result.RowCount())
	}
	if result.Data[0]["Region"] != "East" || result.Data[0]["total_sales"] != 1200.5 {
		t.Errorf("expected aliased columns from response metadata, got %v", result.Data[0])
	}
	if result.Columns[1] != "total_sales" {
		t.Errorf("expected column order from metadata, got %v", result.Columns)
	}
}

func TestQueryDatasource_ArrayResponseInfersColumnsFromQuery(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/vizql-data-service/query-datasource", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"data": [["East", 42]]}`))
	})
	client, _ := newTestClient(t, mux)

	query := &models.VDSQuery{Fields: []models.QueryField{
		{FieldCaption: "Region"},
		{FieldCaption: "Orders", Function: "COUNT", FieldAlias: "order_count"},
	}}
	result, err := client.QueryDatasource(context.Background(), "ds-123", query)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	row := result.Data[0]
	if row["Region"] != "East" {
		t.Errorf("expected Region column from query order, got %v", row)
	}
	if row["order_count"] != float64(42) {
		t.Errorf("expected alias as column name, got %v", row)
	}
}

func TestClient_RetriesOnceAfter401(t *testing.T) {
	var signins, queries atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("/api/3.22/auth/signin", func(w http.ResponseWriter, r *http.Request) {
		n := signins.Add(1)
		w.Write([]byte(signinResponse(fmt.Sprintf("token-%d", n))))
	})
	mux.HandleFunc("/api/v1/vizql-data-service/read-metadata", func(w http.ResponseWriter, r *http.Request) {
		queries.Add(1)
		if r.Header.Get("X-Tableau-Auth") == "token-1" {
			w.WriteHeader(http.StatusUnauthorized)
			w.Write([]byte(`{"error": {"summary": "Unauthorized", "detail": "Session expired"}}`))
			return
		}
		w.Write([]byte(`{"data": [{"fieldName": "[Sales]", "fieldCaption": "Sales", "dataType": "REAL"}]}`))
	})
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)

	cfg := testTableauConfig(server.URL)
	sessions := NewSessionManager(cfg, clockwork.NewFakeClock(), zap.NewNop())
	client := NewClient(cfg, sessions, zap.NewNop())

	fields, err := client.ReadMetadata(context.Background(), "ds-123")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(fields) != 1 || fields[0].FieldCaption != "Sales" {
		t.Errorf("unexpected fields: %v", fields)
	}
	if signins.Load() != 2 {
		t.Errorf("expected re-sign-in after 401, got %d signins", signins.Load())
	}
	if queries.Load() != 2 {
		t.Errorf("expected one retry after 401, got %d calls", queries.Load())
	}
}

func TestClient_PersistentUnauthorizedSurfacesAuthExpired(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/vizql-data-service/read-metadata", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"error": {"summary": "Unauthorized"}}`))
	})
	client, _ := newTestClient(t, mux)

	_, err := client.ReadMetadata(context.Background(), "ds-123")
	if err == nil {
		t.Fatal("expected error")
	}
	if !IsAuthExpired(err) {
		t.Errorf("expected auth expired, got %v", err)
	}
}

func TestClient_ErrorKinds(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/vizql-data-service/read-metadata", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte(`{"error": {"summary": "Datasource not found"}}`))
	})
	mux.HandleFunc("/api/v1/vizql-data-service/query-datasource", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte(`{"error": {"summary": "Internal error", "detail": "unsupported aggregation on calculation"}}`))
	})
	client, _ := newTestClient(t, mux)
	ctx := context.Background()

	_, err := client.ReadMetadata(ctx, "ds-missing")
	if !IsNotFound(err) {
		t.Errorf("expected not found, got %v", err)
	}

	_, err = client.QueryDatasource(ctx, "ds-123", &models.VDSQuery{Fields: []models.QueryField{{FieldCaption: "Sales"}}})
	if err == nil {
		t.Fatal("expected error")
	}
	if KindOf(err) != KindUpstream {
		t.Errorf("expected upstream kind, got %v", KindOf(err))
	}
	var te *Error
	if !errors.As(err, &te) {
		t.Fatalf("expected structured error, got %v", err)
	}
	if te.Message != "Internal error: unsupported aggregation on calculation" {
		t.Errorf("expected verbatim upstream message, got %q", te.Message)
	}
	if !te.IsRetryable() {
		t.Error("5xx upstream should be retryable")
	}
}

func TestFieldStatistics_Measure(t *testing.T) {
	var gotPayload map[string]any
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/vizql-data-service/query-datasource", func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&gotPayload)
		w.Write([]byte(`{"data": [{"min": 1.5, "max": 22638.48, "median": 54.49}]}`))
	})
	client, _ := newTestClient(t, mux)

	field := models.EnrichedField{FieldCaption: "Sales", DataType: "REAL", Role: models.RoleMeasure}
	stats, err := client.FieldStatistics(context.Background(), "ds-123", field)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if stats.Min != "1.5" || stats.Max != "22638.48" || stats.Median != "54.49" {
		t.Errorf("unexpected stats: %+v", stats)
	}

	fields := gotPayload["query"].(map[string]any)["fields"].([]any)
	if len(fields) != 3 {
		t.Fatalf("expected MIN/MAX/MEDIAN probe, got %v", fields)
	}
}

func TestFieldStatistics_DimensionSmallSample(t *testing.T) {
	var calls atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/vizql-data-service/query-datasource", func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Write([]byte(`{"data": [
			{"Region": "East", "count": 120},
			{"Region": "West", "count": 80},
			{"Region": "South", "count": 60}
		]}`))
	})
	client, _ := newTestClient(t, mux)

	field := models.EnrichedField{FieldCaption: "Region", DataType: "STRING", Role: models.RoleDimension}
	stats, err := client.FieldStatistics(context.Background(), "ds-123", field)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if stats.DistinctCount != 3 {
		t.Errorf("expected cardinality from complete sample, got %d", stats.DistinctCount)
	}
	if len(stats.SampleValues) != 3 || stats.SampleValues[0] != "East" {
		t.Errorf("unexpected samples: %v", stats.SampleValues)
	}
	if len(stats.ValueCounts) != 3 || stats.ValueCounts[0].Count != 120 {
		t.Errorf("unexpected value counts: %v", stats.ValueCounts)
	}
	if calls.Load() != 1 {
		t.Errorf("expected no COUNTD probe for a complete sample, got %d calls", calls.Load())
	}
}

func TestFieldStatistics_DimensionFullSampleTriggersCountD(t *testing.T) {
	var calls atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/vizql-data-service/query-datasource", func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			// A full top-50 sample.
			rows := make([]string, dimensionSampleCap)
			for i := range rows {
				rows[i] = fmt.Sprintf(`{"Customer": "c%02d", "count": %d}`, i, 100-i)
			}
			w.Write([]byte(`{"data": [` + joinRows(rows) + `]}`))
			return
		}
		w.Write([]byte(`{"data": [{"distinct_count": 793}]}`))
	})
	client, _ := newTestClient(t, mux)

	field := models.EnrichedField{FieldCaption: "Customer", DataType: "STRING", Role: models.RoleDimension}
	stats, err := client.FieldStatistics(context.Background(), "ds-123", field)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls.Load() != 2 {
		t.Fatalf("expected COUNTD probe for a capped sample, got %d calls", calls.Load())
	}
	if stats.DistinctCount != 793 {
		t.Errorf("expected COUNTD cardinality, got %d", stats.DistinctCount)
	}
	if len(stats.SampleValues) != dimensionSampleCap {
		t.Errorf("expected %d samples, got %d", dimensionSampleCap, len(stats.SampleValues))
	}
}

func TestGraphQLMetadata_ParsesFields(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/metadata/graphql", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"data": {"publishedDatasources": [{
			"name": "Superstore",
			"description": "Sample sales data",
			"fields": [
				{"name": "Sales", "description": "Order revenue", "role": "MEASURE"},
				{"name": "Profit Ratio", "role": "MEASURE", "formula": "SUM([Profit])/SUM([Sales])"}
			]
		}]}}`))
	})
	client, _ := newTestClient(t, mux)

	meta, err := client.GraphQLMetadata(context.Background(), "ds-123")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if meta == nil {
		t.Fatal("expected metadata")
	}
	if meta.Name != "Superstore" || meta.Description != "Sample sales data" {
		t.Errorf("unexpected datasource meta: %+v", meta)
	}
	if meta.Fields["Sales"].Description != "Order revenue" {
		t.Errorf("unexpected Sales field: %+v", meta.Fields["Sales"])
	}
	if meta.Fields["Profit Ratio"].Formula == "" {
		t.Errorf("expected formula for calculated field")
	}
}

func TestGraphQLMetadata_UnavailableIsNotAnError(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/metadata/graphql", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})
	client, _ := newTestClient(t, mux)

	meta, err := client.GraphQLMetadata(context.Background(), "ds-123")
	if err != nil {
		t.Fatalf("expected graceful nil, got error: %v", err)
	}
	if meta != nil {
		t.Errorf("expected nil metadata, got %+v", meta)
	}
}

func TestLookupDatasourceID(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/3.22/sites/site-1/datasources", func(w http.ResponseWriter, r *http.Request) {
		if filter := r.URL.Query().Get("filter"); filter != "name:eq:Superstore" {
			t.Errorf("unexpected filter %q", filter)
		}
		w.Write([]byte(`{"datasources": {"datasource": [{"id": "ds-123", "name": "Superstore"}]}}`))
	})
	client, _ := newTestClient(t, mux)

	id, err := client.LookupDatasourceID(context.Background(), "Superstore")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if id != "ds-123" {
		t.Errorf("expected ds-123, got %q", id)
	}

	mux.HandleFunc("/api/3.22/sites/site-1/datasources/empty", func(w http.ResponseWriter, r *http.Request) {})
}

func TestLookupDatasourceID_NotFound(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/3.22/sites/site-1/datasources", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"datasources": {"datasource": []}}`))
	})
	client, _ := newTestClient(t, mux)

	_, err := client.LookupDatasourceID(context.Background(), "Missing")
	if !IsNotFound(err) {
		t.Errorf("expected not found, got %v", err)
	}
}

func joinRows(rows []string) string {
	out := ""
	for i, r := range rows {
		if i > 0 {
			out += ","
		}
		out += r
	}
	return out
}
