package invalidation

import (
	"context"
	"strings"
	"sync"

	"github.com/quanvm/tiercache/cache"
)

// QueryStrategyConfig maps database tables to the cache state their
// writes invalidate.
type QueryStrategyConfig struct {
	// TablePatterns maps a table to the patterns cleared on its writes.
	TablePatterns map[string][]string

	// TableTags maps a table to the tags invalidated on its writes.
	TableTags map[string][]string

	// TableNamespaces scopes a table's pattern clears to a namespace.
	TableNamespaces map[string]string

	// TrackAll invalidates untracked tables too, with the defaults
	// `{table}:*` (pattern) and `{table}` (tag).
	TrackAll bool
}

// QueryStrategy inspects write SQL statements and invalidates the cache
// state mapped to the affected tables. Feed it statements only after
// they executed successfully, never inside the writing transaction.
// SELECT statements are ignored.
type QueryStrategy struct {
	name   string
	cfg    QueryStrategyConfig
	logger cache.Logger

	mu  sync.RWMutex
	inv Invalidator
}

// NewQueryStrategy creates a query-based strategy from a table mapping.
func NewQueryStrategy(name string, cfg QueryStrategyConfig, logger cache.Logger) *QueryStrategy {
	if logger == nil {
		logger = cache.NewNoOpLogger()
	}
	return &QueryStrategy{name: name, cfg: cfg, logger: logger}
}

// NewCatchAllQueryStrategy tracks every table with the default pattern
// and tag.
func NewCatchAllQueryStrategy(name string, logger cache.Logger) *QueryStrategy {
	return NewQueryStrategy(name, QueryStrategyConfig{TrackAll: true}, logger)
}

// NewModelQueryStrategy derives the mapping from model name -> table
// name pairs: writes to a model's table clear `{model}:*` and
// `{model}_list:*` and invalidate the `{model}` tag.
func NewModelQueryStrategy(name string, modelTables map[string]string, logger cache.Logger) *QueryStrategy {
	cfg := QueryStrategyConfig{
		TablePatterns: make(map[string][]string, len(modelTables)),
		TableTags:     make(map[string][]string, len(modelTables)),
	}
	for model, table := range modelTables {
		m := strings.ToLower(model)
		cfg.TablePatterns[table] = []string{m + ":*", m + "_list:*"}
		cfg.TableTags[table] = []string{m}
	}
	return NewQueryStrategy(name, cfg, logger)
}

// Name identifies the strategy.
func (qs *QueryStrategy) Name() string { return qs.name }

// Start wires the invalidator ProcessStatement dispatches into.
func (qs *QueryStrategy) Start(inv Invalidator) error {
	qs.mu.Lock()
	qs.inv = inv
	qs.mu.Unlock()
	return nil
}

// Stop detaches the strategy; further statements are ignored.
func (qs *QueryStrategy) Stop() {
	qs.mu.Lock()
	qs.inv = nil
	qs.mu.Unlock()
}

// ProcessStatement inspects one executed SQL statement and invalidates
// the cache state mapped to its tables. Returns the number of tables
// that triggered invalidation.
func (qs *QueryStrategy) ProcessStatement(ctx context.Context, query string) int {
	qs.mu.RLock()
	inv := qs.inv
	qs.mu.RUnlock()
	if inv == nil {
		return 0
	}

	if !isWriteStatement(query) {
		return 0
	}

	n := 0
	for _, table := range extractTables(query) {
		if qs.invalidateTable(ctx, inv, table) {
			n++
		}
	}
	return n
}

func (qs *QueryStrategy) invalidateTable(ctx context.Context, inv Invalidator, table string) bool {
	patterns := qs.cfg.TablePatterns[table]
	tags := qs.cfg.TableTags[table]

	if qs.cfg.TrackAll {
		if len(patterns) == 0 {
			patterns = []string{table + ":*"}
		}
		if len(tags) == 0 {
			tags = []string{table}
		}
	}
	if len(patterns) == 0 && len(tags) == 0 {
		return false
	}

	namespace := qs.cfg.TableNamespaces[table]
	for _, pattern := range patterns {
		count := inv.Clear(ctx, namespace, pattern)
		qs.logger.Debug("query invalidation cleared pattern",
			"table", table, "pattern", pattern, "count", count)
	}
	if len(tags) > 0 {
		count := inv.InvalidateByTags(ctx, tags)
		qs.logger.Debug("query invalidation cleared tags",
			"table", table, "tags", tags, "count", count)
	}
	return true
}

// isWriteStatement reports whether the statement mutates data.
func isWriteStatement(query string) bool {
	fields := strings.Fields(query)
	if len(fields) == 0 {
		return false
	}
	switch strings.ToUpper(fields[0]) {
	case "INSERT", "UPDATE", "DELETE":
		return true
	}
	return false
}

// tableKeywords are the keywords a table name follows.
var tableKeywords = map[string]struct{}{
	"FROM": {}, "JOIN": {}, "UPDATE": {}, "INTO": {},
}

// extractTables pulls table names out of a statement by taking the token
// after each FROM/JOIN/UPDATE/INTO keyword. Quoting and schema
// qualifiers are stripped; subqueries are skipped.
func extractTables(query string) []string {
	fields := strings.Fields(query)

	var tables []string
	seen := make(map[string]struct{})
	for i, field := range fields {
		if _, ok := tableKeywords[strings.ToUpper(field)]; !ok {
			continue
		}
		if i+1 >= len(fields) {
			break
		}

		name := cleanTableName(fields[i+1])
		if name == "" {
			continue
		}
		if _, dup := seen[name]; dup {
			continue
		}
		seen[name] = struct{}{}
		tables = append(tables, name)
	}
	return tables
}

// cleanTableName strips quoting, trailing punctuation, and schema
// qualifiers from a candidate table token. Returns "" for non-names
// such as an opening parenthesis starting a subquery.
func cleanTableName(token string) string {
	token = strings.TrimRight(token, ",;)")
	token = strings.Trim(token, "\"'`[]")
	// `INTO orders(id, ...)` glues the column list onto the name;
	// a leading parenthesis starts a subquery, not a name.
	if idx := strings.Index(token, "("); idx == 0 {
		return ""
	} else if idx > 0 {
		token = token[:idx]
	}
	if token == "" {
		return ""
	}
	// schema.table keeps only the table part.
	if idx := strings.LastIndex(token, "."); idx >= 0 {
		token = token[idx+1:]
	}
	return strings.Trim(token, "\"'`[]")
}
