package tableau

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"go.uber.org/zap"

	"github.com/askviz/askviz-engine/pkg/config"
	"github.com/askviz/askviz-engine/pkg/models"
)

// vdsPath is the VizQL Data Service base path. VDS is versioned separately
// from the REST API.
const vdsPath = "/api/v1/vizql-data-service"

// dimensionSampleCap bounds the value-counts probe for dimensions. When the
// probe comes back full, the true cardinality is fetched with COUNTD instead.
const dimensionSampleCap = 50

// FieldMetadata is one field from the VDS read-metadata endpoint.
type FieldMetadata struct {
	FieldName          string `json:"fieldName"`
	FieldCaption       string `json:"fieldCaption"`
	DataType           string `json:"dataType"`
	DefaultAggregation string `json:"defaultAggregation,omitempty"`
	ColumnClass        string `json:"columnClass,omitempty"` // MEASURE, COLUMN, BIN or GROUP
	LogicalTableID     string `json:"logicalTableId,omitempty"`
}

// GraphQLField is role, description and formula for one field as reported by
// the Metadata API. A secondary enrichment source; may be absent entirely.
type GraphQLField struct {
	Name        string
	Description string
	Role        string // MEASURE or DIMENSION
	Formula     string // set for calculated fields
}

// GraphMetadata is the Metadata API view of one published datasource.
type GraphMetadata struct {
	Name        string
	Description string
	Fields      map[string]GraphQLField // keyed by field name
}

// FieldStats holds the statistics gathered for one field through dedicated
// VDS probes.
type FieldStats struct {
	DistinctCount int64
	Min           string
	Max           string
	Median        string
	SampleValues  []string
	ValueCounts   []models.ValueCount
}

// DatasourceClient is the Tableau surface the agent pipeline depends on.
// Use this interface for dependency injection to enable mocking in tests.
type DatasourceClient interface {
	// ReadMetadata returns the queryable fields of a datasource.
	ReadMetadata(ctx context.Context, datasourceID string) ([]FieldMetadata, error)

	// GraphQLMetadata returns roles, descriptions and formulas from the
	// Metadata API. Returns nil without error when the API is unavailable;
	// callers must treat it as a best-effort source.
	GraphQLMetadata(ctx context.Context, datasourceID string) (*GraphMetadata, error)

	// FieldStatistics probes one field with small aggregation queries:
	// MIN/MAX/MEDIAN for numeric measures, value counts and COUNTD for
	// dimensions.
	FieldStatistics(ctx context.Context, datasourceID string, field models.EnrichedField) (*FieldStats, error)

	// QueryDatasource executes a VDS query. The return format is forced to
	// OBJECTS and any client-provided limit is discarded.
	QueryDatasource(ctx context.Context, datasourceID string, query *models.VDSQuery) (*models.QueryResult, error)

	// LookupDatasourceID resolves a datasource name to its LUID.
	LookupDatasourceID(ctx context.Context, name string) (string, error)
}

// Client talks to Tableau REST, VDS and the Metadata API using a shared
// session. Safe for concurrent use.
type Client struct {
	cfg        config.TableauConfig
	sessions   *SessionManager
	httpClient *http.Client
	logger     *zap.Logger
}

// NewClient creates a Tableau client around an established session manager.
func NewClient(cfg config.TableauConfig, sessions *SessionManager, logger *zap.Logger) *Client {
	return &Client{
		cfg:      cfg,
		sessions: sessions,
		httpClient: &http.Client{
			Timeout: cfg.RequestTimeout,
		},
		logger: logger.Named("tableau"),
	}
}

var _ DatasourceClient = (*Client)(nil)

// ReadMetadata implements DatasourceClient.
func (c *Client) ReadMetadata(ctx context.Context, datasourceID string) ([]FieldMetadata, error) {
	payload := map[string]any{
		"datasource": map[string]string{"datasourceLuid": datasourceID},
	}

	body, err := c.postJSON(ctx, c.baseURL()+vdsPath+"/read-metadata", payload)
	if err != nil {
		return nil, err
	}

	var parsed struct {
		Data []FieldMetadata `json:"data"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, NewError(KindUpstream, 0, "failed to parse read-metadata response", err)
	}

	c.logger.Debug("read datasource metadata",
		zap.String("datasource_id", datasourceID),
		zap.Int("fields", len(parsed.Data)))
	return parsed.Data, nil
}

// QueryDatasource implements DatasourceClient.
func (c *Client) QueryDatasource(ctx context.Context, datasourceID string, query *models.VDSQuery) (*models.QueryResult, error) {
	if len(query.Fields) == 0 {
		return nil, NewError(KindUpstream, 0, "query has no fields", nil)
	}

	options := models.QueryOptions{ReturnFormat: models.ReturnFormatObjects}
	if query.Options != nil {
		options.Disaggregate = query.Options.Disaggregate
		options.Debug = query.Options.Debug
	}
	// Limit is tolerated on the incoming draft for LLM robustness but is not
	// a valid upstream key, so the envelope never carries it.
	payload := map[string]any{
		"datasource": map[string]string{"datasourceLuid": datasourceID},
		"query": map[string]any{
			"fields": query.Fields,
		},
		"options": options,
	}
	if len(query.Filters) > 0 {
		payload["query"].(map[string]any)["filters"] = query.Filters
	}

	body, err := c.postJSON(ctx, c.baseURL()+vdsPath+"/query-datasource", payload)
	if err != nil {
		return nil, err
	}

	result, err := c.parseQueryResult(body, query)
	if err != nil {
		return nil, err
	}

	c.logger.Debug("executed VDS query",
		zap.String("datasource_id", datasourceID),
		zap.Int("rows", result.RowCount()))
	return result, nil
}

// parseQueryResult normalizes a query-datasource response to object rows.
// OBJECTS is always requested, but arrays are handled anyway: column order
// comes from response metadata when present, otherwise from the query's own
// field order with a warning.
func (c *Client) parseQueryResult(body []byte, query *models.VDSQuery) (*models.QueryResult, error) {
	var envelope struct {
		Data     []json.RawMessage `json:"data"`
		Metadata []struct {
			FieldCaption string `json:"fieldCaption"`
			FieldAlias   string `json:"fieldAlias"`
		} `json:"metadata"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, NewError(KindUpstream, 0, "failed to parse query response", err)
	}

	columns := query.OutputNames()
	result := &models.QueryResult{Columns: columns, Data: make([]map[string]any, 0, len(envelope.Data))}
	if len(envelope.Data) == 0 {
		return result, nil
	}

	if bytes.HasPrefix(bytes.TrimSpace(envelope.Data[0]), []byte("{")) {
		for _, raw := range envelope.Data {
			var row map[string]any
			if err := json.Unmarshal(raw, &row); err != nil {
				return nil, NewError(KindUpstream, 0, "failed to parse result row", err)
			}
			result.Data = append(result.Data, row)
		}
		return result, nil
	}

	// Positional arrays. Reconstruct captions from response metadata if the
	// server sent any, else trust the query's field order.
	if len(envelope.Metadata) > 0 {
		columns = make([]string, len(envelope.Metadata))
		for i, m := range envelope.Metadata {
			if m.FieldAlias != "" {
				columns[i] = m.FieldAlias
			} else {
				columns[i] = m.FieldCaption
			}
		}
		result.Columns = columns
	} else {
		c.logger.Warn("array response without metadata, inferring column order from query fields")
	}

	for _, raw := range envelope.Data {
		var values []any
		if err := json.Unmarshal(raw, &values); err != nil {
			return nil, NewError(KindUpstream, 0, "failed to parse result row", err)
		}
		row := make(map[string]any, len(values))
		for i, v := range values {
			if i < len(columns) {
				row[columns[i]] = v
			}
		}
		result.Data = append(result.Data, row)
	}
	return result, nil
}

// FieldStatistics implements DatasourceClient.
func (c *Client) FieldStatistics(ctx context.Context, datasourceID string, field models.EnrichedField) (*FieldStats, error) {
	if field.Role == models.RoleMeasure && field.IsNumeric() {
		return c.measureStats(ctx, datasourceID, field.FieldCaption)
	}
	return c.dimensionStats(ctx, datasourceID, field.FieldCaption)
}

// measureStats probes MIN/MAX/MEDIAN in a single one-row query.
func (c *Client) measureStats(ctx context.Context, datasourceID, caption string) (*FieldStats, error) {
	query := &models.VDSQuery{
		Fields: []models.QueryField{
			{FieldCaption: caption, Function: models.FuncMin, FieldAlias: "min"},
			{FieldCaption: caption, Function: models.FuncMax, FieldAlias: "max"},
			{FieldCaption: caption, Function: models.FuncMedian, FieldAlias: "median"},
		},
	}
	result, err := c.QueryDatasource(ctx, datasourceID, query)
	if err != nil {
		return nil, err
	}

	stats := &FieldStats{}
	if result.RowCount() > 0 {
		row := result.Data[0]
		stats.Min = stringValue(row["min"])
		stats.Max = stringValue(row["max"])
		stats.Median = stringValue(row["median"])
	}
	return stats, nil
}

// dimensionStats probes top value counts, then COUNTD only when the sample
// came back full and the true cardinality is unknown.
func (c *Client) dimensionStats(ctx context.Context, datasourceID, caption string) (*FieldStats, error) {
	query := &models.VDSQuery{
		Fields: []models.QueryField{
			{FieldCaption: caption},
			{FieldCaption: caption, Function: models.FuncCount, FieldAlias: "count"},
		},
		Filters: []models.QueryFilter{
			{
				Field:      models.FilterField{FieldCaption: caption},
				FilterType: models.FilterTop,
				HowMany:    dimensionSampleCap,
				Direction:  "TOP",
				FieldToMeasure: &models.FilterField{
					FieldCaption: caption,
					Function:     models.FuncCount,
				},
			},
		},
	}
	result, err := c.QueryDatasource(ctx, datasourceID, query)
	if err != nil {
		return nil, err
	}

	stats := &FieldStats{}
	for _, row := range result.Data {
		value := stringValue(row[caption])
		if value == "" {
			continue
		}
		count := int64Value(row["count"])
		stats.SampleValues = append(stats.SampleValues, value)
		stats.ValueCounts = append(stats.ValueCounts, models.ValueCount{Value: value, Count: count})
	}

	if len(stats.SampleValues) < dimensionSampleCap {
		stats.DistinctCount = int64(len(stats.SampleValues))
		return stats, nil
	}

	countQuery := &models.VDSQuery{
		Fields: []models.QueryField{
			{FieldCaption: caption, Function: models.FuncCountD, FieldAlias: "distinct_count"},
		},
	}
	countResult, err := c.QueryDatasource(ctx, datasourceID, countQuery)
	if err != nil {
		// The sample is still useful on its own.
		c.logger.Warn("COUNTD probe failed",
			zap.String("field", caption),
			zap.Error(err))
		return stats, nil
	}
	if countResult.RowCount() > 0 {
		stats.DistinctCount = int64Value(countResult.Data[0]["distinct_count"])
	}
	return stats, nil
}

// graphQLQuery asks the Metadata API for roles, descriptions and formulas.
const graphQLQuery = `query fields($luid: String) {
  publishedDatasources(filter: {luid: $luid}) {
    name
    description
    fields {
      name
      description
      ... on ColumnField { role }
      ... on CalculatedField { role formula }
    }
  }
}`

// GraphQLMetadata implements DatasourceClient.
func (c *Client) GraphQLMetadata(ctx context.Context, datasourceID string) (*GraphMetadata, error) {
	payload := map[string]any{
		"query":     graphQLQuery,
		"variables": map[string]string{"luid": datasourceID},
	}

	body, err := c.postJSON(ctx, c.baseURL()+"/api/metadata/graphql", payload)
	if err != nil {
		// The Metadata API is frequently disabled; enrichment falls back to
		// heuristics, so absence is not an error.
		var te *Error
		if errors.As(err, &te) && (te.Kind == KindNotFound || te.StatusCode == http.StatusNotImplemented) {
			c.logger.Debug("Metadata API unavailable", zap.Error(err))
			return nil, nil
		}
		return nil, err
	}

	var parsed struct {
		Data struct {
			PublishedDatasources []struct {
				Name        string `json:"name"`
				Description string `json:"description"`
				Fields      []struct {
					Name        string `json:"name"`
					Description string `json:"description"`
					Role        string `json:"role"`
					Formula     string `json:"formula"`
				} `json:"fields"`
			} `json:"publishedDatasources"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, NewError(KindUpstream, 0, "failed to parse metadata response", err)
	}
	if len(parsed.Data.PublishedDatasources) == 0 {
		return nil, nil
	}

	ds := parsed.Data.PublishedDatasources[0]
	meta := &GraphMetadata{
		Name:        ds.Name,
		Description: ds.Description,
		Fields:      make(map[string]GraphQLField, len(ds.Fields)),
	}
	for _, f := range ds.Fields {
		meta.Fields[f.Name] = GraphQLField{
			Name:        f.Name,
			Description: f.Description,
			Role:        f.Role,
			Formula:     f.Formula,
		}
	}
	return meta, nil
}

// LookupDatasourceID implements DatasourceClient.
func (c *Client) LookupDatasourceID(ctx context.Context, name string) (string, error) {
	siteID, err := c.sessions.SiteID(ctx)
	if err != nil {
		return "", err
	}

	endpoint := fmt.Sprintf("%s/api/%s/sites/%s/datasources?filter=name:eq:%s",
		c.baseURL(), c.cfg.APIVersion, siteID, url.QueryEscape(name))

	body, err := c.getJSON(ctx, endpoint)
	if err != nil {
		return "", err
	}

	var parsed struct {
		Datasources struct {
			Datasource []struct {
				ID   string `json:"id"`
				Name string `json:"name"`
			} `json:"datasource"`
		} `json:"datasources"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return "", NewError(KindUpstream, 0, "failed to parse datasources response", err)
	}
	for _, ds := range parsed.Datasources.Datasource {
		if strings.EqualFold(ds.Name, name) {
			return ds.ID, nil
		}
	}
	return "", NewError(KindNotFound, http.StatusNotFound, fmt.Sprintf("datasource %q not found", name), nil)
}

// SignOut releases the shared session. Called once at shutdown.
func (c *Client) SignOut(ctx context.Context) error {
	return c.sessions.SignOut(ctx)
}

// postJSON sends an authenticated POST and returns the response body.
func (c *Client) postJSON(ctx context.Context, endpoint string, payload any) ([]byte, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}
	return c.do(ctx, http.MethodPost, endpoint, body)
}

// getJSON sends an authenticated GET and returns the response body.
func (c *Client) getJSON(ctx context.Context, endpoint string) ([]byte, error) {
	return c.do(ctx, http.MethodGet, endpoint, nil)
}

// do executes one authenticated request. A 401 invalidates the cached token
// and retries once with a fresh sign-in; a second 401 surfaces AuthExpired.
func (c *Client) do(ctx context.Context, method, endpoint string, body []byte) ([]byte, error) {
	token, err := c.sessions.Token(ctx)
	if err != nil {
		return nil, err
	}

	respBody, status, err := c.send(ctx, method, endpoint, body, token)
	if err != nil {
		return nil, err
	}
	if status == http.StatusUnauthorized {
		c.sessions.Invalidate(token)
		token, err = c.sessions.Token(ctx)
		if err != nil {
			return nil, err
		}
		respBody, status, err = c.send(ctx, method, endpoint, body, token)
		if err != nil {
			return nil, err
		}
		if status == http.StatusUnauthorized {
			return nil, NewError(KindAuthExpired, status, upstreamMessage(respBody), nil)
		}
	}

	switch {
	case status >= 200 && status < 300:
		return respBody, nil
	case status == http.StatusNotFound:
		return nil, NewError(KindNotFound, status, upstreamMessage(respBody), nil)
	default:
		return nil, NewError(KindUpstream, status, upstreamMessage(respBody), nil)
	}
}

// send performs a single HTTP exchange.
func (c *Client) send(ctx context.Context, method, endpoint string, body []byte, token string) ([]byte, int, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("X-Tableau-Auth", token)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, 0, ctx.Err()
		}
		return nil, 0, NewError(KindTransport, 0, "request failed", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, 0, NewError(KindTransport, resp.StatusCode, "failed to read response", err)
	}
	return respBody, resp.StatusCode, nil
}

func (c *Client) baseURL() string {
	return strings.TrimSuffix(c.cfg.ServerURL, "/")
}

func stringValue(v any) string {
	if v == nil {
		return ""
	}
	return fmt.Sprintf("%v", v)
}

func int64Value(v any) int64 {
	switch n := v.(type) {
	case float64:
		return int64(n)
	case int64:
		return n
	case json.Number:
		i, _ := n.Int64()
		return i
	default:
		return 0
	}
}
