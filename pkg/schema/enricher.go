// Package schema turns raw Tableau field metadata into the enriched,
// prompt-ready view of a datasource the query agent works against.
package schema

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/askviz/askviz-engine/pkg/auth"
	"github.com/askviz/askviz-engine/pkg/llm"
	"github.com/askviz/askviz-engine/pkg/models"
	"github.com/askviz/askviz-engine/pkg/tableau"
)

// memoTTL bounds how long an enriched schema is reused before the sources
// are consulted again. Datasource shape changes rarely within a session.
const memoTTL = 10 * time.Minute

// enrichmentVersion tags memo entries with the shape the pipeline produces.
// Bump it when the enrichment output changes so older entries are never
// reused across a deploy.
const enrichmentVersion = 1

// memoKey scopes memoized schemas per requesting user, so one user's view
// of a datasource never leaks to another.
type memoKey struct {
	user         string
	datasourceID string
	version      int
}

func (k memoKey) flight() string {
	return fmt.Sprintf("%s|%s|%d", k.user, k.datasourceID, k.version)
}

// Enricher merges the three metadata sources Tableau exposes into one
// EnrichedSchema: VDS read-metadata (base fields), per-field statistic
// probes, and the Metadata API (roles, descriptions, formulas).
// Safe for concurrent use; concurrent requests by the same user for the
// same datasource share one enrichment run.
type Enricher struct {
	client        tableau.DatasourceClient
	maxStatFields int
	logger        *zap.Logger

	group singleflight.Group

	mu   sync.Mutex
	memo map[memoKey]memoEntry
}

type memoEntry struct {
	schema    *models.EnrichedSchema
	expiresAt time.Time
}

// NewEnricher creates an Enricher. maxStatFields bounds how many fields get
// statistic probes per datasource; zero disables the probes entirely.
func NewEnricher(client tableau.DatasourceClient, maxStatFields int, logger *zap.Logger) *Enricher {
	return &Enricher{
		client:        client,
		maxStatFields: maxStatFields,
		logger:        logger.Named("schema-enricher"),
		memo:          make(map[memoKey]memoEntry),
	}
}

// Enrich returns the enriched schema for a datasource, building it if the
// memo has no fresh copy. Partial enrichment is not an error: failing stat
// probes or an unavailable Metadata API produce a schema without those
// pieces, logged at Warn.
func (e *Enricher) Enrich(ctx context.Context, datasourceID, datasourceName string) (*models.EnrichedSchema, error) {
	key := memoKey{user: auth.UserID(ctx), datasourceID: datasourceID, version: enrichmentVersion}

	e.mu.Lock()
	if entry, ok := e.memo[key]; ok && time.Now().Before(entry.expiresAt) {
		e.mu.Unlock()
		return entry.schema, nil
	}
	e.mu.Unlock()

	v, err, _ := e.group.Do(key.flight(), func() (any, error) {
		schema, err := e.build(ctx, datasourceID, datasourceName)
		if err != nil {
			return nil, err
		}
		e.mu.Lock()
		e.memo[key] = memoEntry{schema: schema, expiresAt: time.Now().Add(memoTTL)}
		e.mu.Unlock()
		return schema, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*models.EnrichedSchema), nil
}

// Invalidate drops the memoized schemas for a datasource across all users.
func (e *Enricher) Invalidate(datasourceID string) {
	e.mu.Lock()
	for key := range e.memo {
		if key.datasourceID == datasourceID {
			delete(e.memo, key)
		}
	}
	e.mu.Unlock()
}

func (e *Enricher) build(ctx context.Context, datasourceID, datasourceName string) (*models.EnrichedSchema, error) {
	fields, err := e.client.ReadMetadata(ctx, datasourceID)
	if err != nil {
		return nil, fmt.Errorf("read metadata for datasource %s: %w", datasourceID, err)
	}
	if len(fields) == 0 {
		return nil, fmt.Errorf("datasource %s has no queryable fields", datasourceID)
	}

	schema := &models.EnrichedSchema{
		DatasourceID:   datasourceID,
		DatasourceName: datasourceName,
		Fields:         make([]models.EnrichedField, 0, len(fields)),
		EnrichedAt:     time.Now().UTC(),
	}

	// Best-effort secondary source. nil without error means the Metadata API
	// is disabled on this server.
	graph, err := e.client.GraphQLMetadata(ctx, datasourceID)
	if err != nil {
		e.logger.Warn("Metadata API enrichment failed, continuing without descriptions",
			zap.String("datasource_id", datasourceID),
			zap.Error(err))
		schema.DescriptionsPartial = true
		graph = nil
	}
	if graph != nil {
		if graph.Name != "" {
			schema.DatasourceName = graph.Name
		}
		schema.Description = graph.Description
	}

	for _, f := range fields {
		enriched := models.EnrichedField{
			FieldName:          f.FieldName,
			FieldCaption:       f.FieldCaption,
			DataType:           f.DataType,
			DefaultAggregation: f.DefaultAggregation,
		}
		var gf *tableau.GraphQLField
		if graph != nil {
			if g, ok := graph.Fields[f.FieldName]; ok {
				gf = &g
			} else if g, ok := graph.Fields[f.FieldCaption]; ok {
				gf = &g
			}
		}
		if gf != nil {
			enriched.Description = gf.Description
			enriched.Formula = gf.Formula
		}
		enriched.Role = determineRole(f, gf)
		schema.Fields = append(schema.Fields, enriched)
	}

	if e.maxStatFields > 0 {
		e.gatherStatistics(ctx, schema)
	}

	e.logger.Info("enriched datasource schema",
		zap.String("datasource_id", datasourceID),
		zap.Int("fields", len(schema.Fields)),
		zap.Bool("stats_partial", schema.StatsPartial),
		zap.Bool("descriptions_partial", schema.DescriptionsPartial))
	return schema, nil
}

// determineRole resolves MEASURE vs DIMENSION with a fixed priority:
// Metadata API role, then columnClass, then a name-and-type heuristic.
func determineRole(f tableau.FieldMetadata, gf *tableau.GraphQLField) models.FieldRole {
	if gf != nil {
		switch strings.ToUpper(gf.Role) {
		case "MEASURE":
			return models.RoleMeasure
		case "DIMENSION":
			return models.RoleDimension
		}
	}

	switch strings.ToUpper(f.ColumnClass) {
	case "MEASURE":
		return models.RoleMeasure
	case "COLUMN", "BIN", "GROUP":
		return models.RoleDimension
	}

	// Heuristic: a numeric field with a default aggregation behaves as a
	// measure; everything else dimensions.
	numeric := f.DataType == "INTEGER" || f.DataType == "REAL"
	if numeric && f.DefaultAggregation != "" && !strings.EqualFold(f.DefaultAggregation, "NONE") {
		return models.RoleMeasure
	}
	if numeric {
		return models.RoleMeasure
	}
	return models.RoleDimension
}

// statConcurrency bounds parallel stat probes so enrichment does not flood
// the VDS endpoint.
const statConcurrency = 4

// gatherStatistics runs stat probes for up to maxStatFields fields,
// preferring dimensions (whose sample values directly improve filter
// construction) over measures. Failures mark the schema partial and move on.
func (e *Enricher) gatherStatistics(ctx context.Context, schema *models.EnrichedSchema) {
	indices := statCandidates(schema, e.maxStatFields)
	if len(indices) == 0 {
		return
	}

	type probe struct {
		idx   int
		stats *tableau.FieldStats
	}

	pool := llm.NewWorkerPool(llm.WorkerPoolConfig{MaxConcurrent: statConcurrency}, e.logger)
	items := make([]llm.WorkItem[probe], 0, len(indices))
	for _, idx := range indices {
		field := schema.Fields[idx]
		items = append(items, llm.WorkItem[probe]{
			ID: field.FieldCaption,
			Execute: func(ctx context.Context) (probe, error) {
				stats, err := e.client.FieldStatistics(ctx, schema.DatasourceID, field)
				if err != nil {
					return probe{}, err
				}
				return probe{idx: idx, stats: stats}, nil
			},
		})
	}

	for _, res := range llm.Process(ctx, pool, items, nil) {
		if res.Err != nil {
			e.logger.Warn("field statistics probe failed",
				zap.String("field", res.ID),
				zap.Error(res.Err))
			schema.StatsPartial = true
			continue
		}
		f := &schema.Fields[res.Result.idx]
		f.DistinctCount = res.Result.stats.DistinctCount
		f.MinValue = res.Result.stats.Min
		f.MaxValue = res.Result.stats.Max
		f.MedianValue = res.Result.stats.Median
		f.SampleValues = res.Result.stats.SampleValues
		f.ValueCounts = res.Result.stats.ValueCounts
	}
}

// statCandidates picks which fields to probe: string dimensions first (their
// sample values canonicalize filter inputs), then numeric measures. Date
// fields and calculated fields are skipped; probing them costs a query and
// buys nothing the builder uses.
func statCandidates(schema *models.EnrichedSchema, limit int) []int {
	var dims, measures []int
	for i := range schema.Fields {
		f := &schema.Fields[i]
		if f.IsCalculated() || f.IsDate() {
			continue
		}
		switch {
		case f.Role == models.RoleDimension && f.DataType == "STRING":
			dims = append(dims, i)
		case f.Role == models.RoleMeasure && f.IsNumeric():
			measures = append(measures, i)
		}
	}

	out := make([]int, 0, limit)
	out = append(out, dims...)
	out = append(out, measures...)
	if len(out) > limit {
		out = out[:limit]
	}
	return out
}
