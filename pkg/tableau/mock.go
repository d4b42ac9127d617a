package tableau

import (
	"context"
	"sync"

	"github.com/askviz/askviz-engine/pkg/models"
)

// MockClient is a test double for DatasourceClient.
// Set the function fields to control behavior; call counts are tracked.
type MockClient struct {
	mu sync.Mutex

	ReadMetadataFunc       func(ctx context.Context, datasourceID string) ([]FieldMetadata, error)
	GraphQLMetadataFunc    func(ctx context.Context, datasourceID string) (*GraphMetadata, error)
	FieldStatisticsFunc    func(ctx context.Context, datasourceID string, field models.EnrichedField) (*FieldStats, error)
	QueryDatasourceFunc    func(ctx context.Context, datasourceID string, query *models.VDSQuery) (*models.QueryResult, error)
	LookupDatasourceIDFunc func(ctx context.Context, name string) (string, error)

	ReadMetadataCalls    int
	GraphQLMetadataCalls int
	FieldStatisticsCalls int
	QueryDatasourceCalls int
	LookupCalls          int

	LastQuery *models.VDSQuery
}

var _ DatasourceClient = (*MockClient)(nil)

// ReadMetadata implements DatasourceClient.
func (m *MockClient) ReadMetadata(ctx context.Context, datasourceID string) ([]FieldMetadata, error) {
	m.mu.Lock()
	m.ReadMetadataCalls++
	m.mu.Unlock()

	if m.ReadMetadataFunc != nil {
		return m.ReadMetadataFunc(ctx, datasourceID)
	}
	return nil, nil
}

// GraphQLMetadata implements DatasourceClient.
func (m *MockClient) GraphQLMetadata(ctx context.Context, datasourceID string) (*GraphMetadata, error) {
	m.mu.Lock()
	m.GraphQLMetadataCalls++
	m.mu.Unlock()

	if m.GraphQLMetadataFunc != nil {
		return m.GraphQLMetadataFunc(ctx, datasourceID)
	}
	return nil, nil
}

// FieldStatistics implements DatasourceClient.
func (m *MockClient) FieldStatistics(ctx context.Context, datasourceID string, field models.EnrichedField) (*FieldStats, error) {
	m.mu.Lock()
	m.FieldStatisticsCalls++
	m.mu.Unlock()

	if m.FieldStatisticsFunc != nil {
		return m.FieldStatisticsFunc(ctx, datasourceID, field)
	}
	return &FieldStats{}, nil
}

// QueryDatasource implements DatasourceClient.
func (m *MockClient) QueryDatasource(ctx context.Context, datasourceID string, query *models.VDSQuery) (*models.QueryResult, error) {
	m.mu.Lock()
	m.QueryDatasourceCalls++
	m.LastQuery = query
	m.mu.Unlock()

	if m.QueryDatasourceFunc != nil {
		return m.QueryDatasourceFunc(ctx, datasourceID, query)
	}
	return &models.QueryResult{}, nil
}

// LookupDatasourceID implements DatasourceClient.
func (m *MockClient) LookupDatasourceID(ctx context.Context, name string) (string, error) {
	m.mu.Lock()
	m.LookupCalls++
	m.mu.Unlock()

	if m.LookupDatasourceIDFunc != nil {
		return m.LookupDatasourceIDFunc(ctx, name)
	}
	return "", NewError(KindNotFound, 404, "datasource not found", nil)
}
