package store

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"go.uber.org/zap"

	"github.com/vicw/vicw/internal/domain/memory"
)

// Node labels and relationship types known to the schema. Cypher
// cannot parameterize labels, so dynamic MERGEs are validated against
// these before string interpolation.
var (
	knownLabels = map[string]bool{
		"Context": true, "Entity": true, "Event": true, "Concept": true,
		"Chunk": true, "MacroEvent": true, "State": true,
	}
	knownRelTypes = map[string]bool{
		"BELONGS_TO": true, "MENTIONS": true, "INITIATED": true,
		"CAUSED": true, "NEXT": true, "CONSOLIDATED_INTO": true,
	}
)

// Neo4jGraph is the knowledge-graph adapter. All node writes are
// MERGEs keyed on uid; deterministic uids collapse duplicates across
// concurrent ingestion workers. Implements memory.GraphStore.
type Neo4jGraph struct {
	driver neo4j.DriverWithContext
	logger *zap.Logger
}

// Neo4jOptions selects the Neo4j instance.
type Neo4jOptions struct {
	URI      string
	Username string
	Password string
}

func NewNeo4jGraph(ctx context.Context, opts Neo4jOptions, logger *zap.Logger) (*Neo4jGraph, error) {
	driver, err := neo4j.NewDriverWithContext(opts.URI, neo4j.BasicAuth(opts.Username, opts.Password, ""))
	if err != nil {
		return nil, fmt.Errorf("neo4j driver %s: %w", opts.URI, err)
	}
	if err := driver.VerifyConnectivity(ctx); err != nil {
		driver.Close(ctx)
		return nil, fmt.Errorf("neo4j connectivity %s: %w", opts.URI, err)
	}

	g := &Neo4jGraph{
		driver: driver,
		logger: logger.With(zap.String("component", "neo4j-graph")),
	}
	if err := g.ensureSchema(ctx); err != nil {
		driver.Close(ctx)
		return nil, err
	}
	return g, nil
}

var _ memory.GraphStore = (*Neo4jGraph)(nil)

func (g *Neo4jGraph) ensureSchema(ctx context.Context) error {
	stmts := []string{
		"CREATE CONSTRAINT context_uid IF NOT EXISTS FOR (n:Context) REQUIRE n.uid IS UNIQUE",
		"CREATE CONSTRAINT entity_uid IF NOT EXISTS FOR (n:Entity) REQUIRE n.uid IS UNIQUE",
		"CREATE CONSTRAINT event_uid IF NOT EXISTS FOR (n:Event) REQUIRE n.uid IS UNIQUE",
		"CREATE CONSTRAINT concept_uid IF NOT EXISTS FOR (n:Concept) REQUIRE n.uid IS UNIQUE",
		"CREATE CONSTRAINT chunk_uid IF NOT EXISTS FOR (n:Chunk) REQUIRE n.uid IS UNIQUE",
		"CREATE CONSTRAINT macro_uid IF NOT EXISTS FOR (n:MacroEvent) REQUIRE n.uid IS UNIQUE",
		"CREATE CONSTRAINT state_id IF NOT EXISTS FOR (n:State) REQUIRE n.id IS UNIQUE",
		"CREATE INDEX state_lookup IF NOT EXISTS FOR (n:State) ON (n.type, n.status)",
		"CREATE INDEX event_age IF NOT EXISTS FOR (n:Event) ON (n.created_at)",
		"CREATE INDEX entity_domain IF NOT EXISTS FOR (n:Entity) ON (n.domain)",
		"CREATE INDEX event_domain IF NOT EXISTS FOR (n:Event) ON (n.domain)",
		"CREATE INDEX event_flow IF NOT EXISTS FOR (n:Event) ON (n.flow_id, n.flow_step)",
	}
	for _, stmt := range stmts {
		if err := g.write(ctx, stmt, nil); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}

func (g *Neo4jGraph) write(ctx context.Context, cypher string, params map[string]any) error {
	session := g.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeWrite})
	defer session.Close(ctx)
	_, err := session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		res, err := tx.Run(ctx, cypher, params)
		if err != nil {
			return nil, err
		}
		return res.Consume(ctx)
	})
	return err
}

func (g *Neo4jGraph) read(ctx context.Context, cypher string, params map[string]any) ([]*neo4j.Record, error) {
	session := g.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeRead})
	defer session.Close(ctx)
	out, err := session.ExecuteRead(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		res, err := tx.Run(ctx, cypher, params)
		if err != nil {
			return nil, err
		}
		return res.Collect(ctx)
	})
	if err != nil {
		return nil, err
	}
	return out.([]*neo4j.Record), nil
}

// MergeContext anchors a domain. The uid is deterministic, so every
// worker merging the same domain lands on the same node.
func (g *Neo4jGraph) MergeContext(ctx context.Context, domain string) (string, error) {
	uid := memory.ContextUID(domain)
	err := g.write(ctx, `
		MERGE (c:Context {uid: $uid})
		ON CREATE SET c.domain = $domain, c.name = $domain, c.created_at = $now`,
		map[string]any{"uid": uid, "domain": domain, "now": time.Now().Unix()})
	if err != nil {
		return "", fmt.Errorf("merge context %s: %w", domain, err)
	}
	return uid, nil
}

// MergeEntity upserts a named entity within a domain. A later mention
// with a description fills in one that was empty at first sight.
func (g *Neo4jGraph) MergeEntity(ctx context.Context, domain string, e memory.ExtractedEntity) (string, error) {
	uid := memory.EntityUID(domain, e.Name)
	err := g.write(ctx, `
		MERGE (n:Entity {uid: $uid})
		ON CREATE SET n.name = $name, n.subtype = $subtype, n.description = $description,
		              n.domain = $domain, n.created_at = $now
		ON MATCH SET n.description = CASE WHEN $description <> '' THEN $description ELSE n.description END,
		             n.subtype = CASE WHEN $subtype <> '' THEN $subtype ELSE n.subtype END`,
		map[string]any{
			"uid": uid, "name": e.Name, "subtype": e.Subtype,
			"description": e.Description, "domain": domain, "now": time.Now().Unix(),
		})
	if err != nil {
		return "", fmt.Errorf("merge entity %s: %w", e.Name, err)
	}
	return uid, nil
}

// MergeEvent records one occurrence. Events are unrepeatable, so each
// call creates a fresh node with a random uid carrying its flow
// position.
func (g *Neo4jGraph) MergeEvent(ctx context.Context, domain string, ev memory.ExtractedEvent, flowID string, flowStep int) (string, error) {
	uid := memory.RandomUID()
	err := g.write(ctx, `
		CREATE (n:Event {uid: $uid, name: $name, subtype: $subtype, description: $description,
		                 domain: $domain, flow_id: $flowID, flow_step: $flowStep,
		                 consolidated: false, created_at: $now})`,
		map[string]any{
			"uid": uid, "name": ev.Name, "subtype": ev.Subtype, "description": ev.Description,
			"domain": domain, "flowID": flowID, "flowStep": flowStep, "now": time.Now().Unix(),
		})
	if err != nil {
		return "", fmt.Errorf("merge event %s: %w", ev.Name, err)
	}
	return uid, nil
}

// MergeConcept upserts an abstract idea keyed on domain and name.
func (g *Neo4jGraph) MergeConcept(ctx context.Context, domain, name, description string) (string, error) {
	uid := memory.ConceptUID(domain, name)
	err := g.write(ctx, `
		MERGE (n:Concept {uid: $uid})
		ON CREATE SET n.name = $name, n.description = $description, n.domain = $domain, n.created_at = $now
		ON MATCH SET n.description = CASE WHEN $description <> '' THEN $description ELSE n.description END`,
		map[string]any{"uid": uid, "name": name, "description": description, "domain": domain, "now": time.Now().Unix()})
	if err != nil {
		return "", fmt.Errorf("merge concept %s: %w", name, err)
	}
	return uid, nil
}

// CreateChunkNode anchors an offloaded chunk in the graph for
// provenance. The job id doubles as the uid, so re-ingestion is
// idempotent.
func (g *Neo4jGraph) CreateChunkNode(ctx context.Context, jobID, snippet string) (string, error) {
	err := g.write(ctx, `
		MERGE (c:Chunk {uid: $uid})
		ON CREATE SET c.snippet = $snippet, c.created_at = $now`,
		map[string]any{"uid": jobID, "snippet": snippet, "now": time.Now().Unix()})
	if err != nil {
		return "", fmt.Errorf("create chunk node %s: %w", jobID, err)
	}
	return jobID, nil
}

// MergeMacroEvent folds source events into one summary node. Sources
// keep their history; CONSOLIDATED_INTO marks them so the next sleep
// cycle skips them.
func (g *Neo4jGraph) MergeMacroEvent(ctx context.Context, summary string, sourceEventUIDs []string) (string, error) {
	uid := memory.RandomUID()
	err := g.write(ctx, `
		CREATE (m:MacroEvent {uid: $uid, summary: $summary, source_count: $count, created_at: $now})
		WITH m
		UNWIND $sources AS src
		MATCH (e:Event {uid: src})
		MERGE (e)-[:CONSOLIDATED_INTO]->(m)
		SET e.consolidated = true`,
		map[string]any{
			"uid": uid, "summary": summary, "count": len(sourceEventUIDs),
			"sources": sourceEventUIDs, "now": time.Now().Unix(),
		})
	if err != nil {
		return "", fmt.Errorf("merge macro event: %w", err)
	}
	return uid, nil
}

// MergeEdge connects two existing nodes. Labels and relationship types
// are interpolated into the query, so both are checked against the
// schema allow-list first.
func (g *Neo4jGraph) MergeEdge(ctx context.Context, fromLabel, fromUID, relType, toLabel, toUID string) error {
	if !knownLabels[fromLabel] || !knownLabels[toLabel] {
		return fmt.Errorf("unknown node label in edge %s-[%s]->%s", fromLabel, relType, toLabel)
	}
	if !knownRelTypes[relType] {
		return fmt.Errorf("unknown relationship type %s", relType)
	}
	cypher := fmt.Sprintf(`
		MATCH (a:%s {uid: $from}), (b:%s {uid: $to})
		MERGE (a)-[:%s]->(b)`, fromLabel, toLabel, relType)
	if err := g.write(ctx, cypher, map[string]any{"from": fromUID, "to": toUID}); err != nil {
		return fmt.Errorf("merge edge %s-[%s]->%s: %w", fromUID, relType, toUID, err)
	}
	return nil
}

// ExpandMetaphysicalContext collects one hop of meaning around each
// node: what it caused, who initiated it, and what comes next in its
// flow.
func (g *Neo4jGraph) ExpandMetaphysicalContext(ctx context.Context, uids []string) ([]memory.NodeExpansion, error) {
	if len(uids) == 0 {
		return nil, nil
	}
	records, err := g.read(ctx, `
		MATCH (n) WHERE n.uid IN $uids
		OPTIONAL MATCH (n)-[:CAUSED]->(consequence)
		OPTIONAL MATCH (agent)-[:INITIATED]->(n)
		OPTIONAL MATCH (n)-[:NEXT]->(next)
		RETURN n.uid AS uid, n.name AS name, labels(n)[0] AS type,
		       coalesce(n.description, n.summary, '') AS description,
		       [x IN collect(DISTINCT consequence.name) WHERE x IS NOT NULL] AS consequences,
		       [x IN collect(DISTINCT agent.name) WHERE x IS NOT NULL] AS agents,
		       [x IN collect(DISTINCT next.name) WHERE x IS NOT NULL] AS next_steps`,
		map[string]any{"uids": uids})
	if err != nil {
		return nil, fmt.Errorf("expand context: %w", err)
	}

	out := make([]memory.NodeExpansion, 0, len(records))
	for _, rec := range records {
		out = append(out, memory.NodeExpansion{
			UID:          recordString(rec, "uid"),
			Name:         recordString(rec, "name"),
			Type:         recordString(rec, "type"),
			Description:  recordString(rec, "description"),
			Consequences: recordStrings(rec, "consequences"),
			Agents:       recordStrings(rec, "agents"),
			NextSteps:    recordStrings(rec, "next_steps"),
		})
	}
	return out, nil
}

// GetOldEvents returns unconsolidated events older than the cutoff,
// oldest first, for the sleep cycle.
func (g *Neo4jGraph) GetOldEvents(ctx context.Context, olderThan time.Time, limit int) ([]memory.NodeExpansion, error) {
	records, err := g.read(ctx, `
		MATCH (e:Event)
		WHERE e.created_at < $cutoff AND NOT (e)-[:CONSOLIDATED_INTO]->()
		RETURN e.uid AS uid, e.name AS name, coalesce(e.description, '') AS description
		ORDER BY e.created_at ASC
		LIMIT $limit`,
		map[string]any{"cutoff": olderThan.Unix(), "limit": limit})
	if err != nil {
		return nil, fmt.Errorf("get old events: %w", err)
	}

	out := make([]memory.NodeExpansion, 0, len(records))
	for _, rec := range records {
		out = append(out, memory.NodeExpansion{
			UID:         recordString(rec, "uid"),
			Name:        recordString(rec, "name"),
			Type:        "Event",
			Description: recordString(rec, "description"),
		})
	}
	return out, nil
}

// CreateState inserts a fresh loop-prevention state node.
func (g *Neo4jGraph) CreateState(ctx context.Context, st memory.State) error {
	err := g.write(ctx, `
		CREATE (s:State {id: $id, type: $type, description: $description, status: $status,
		                 created: $now, updated: $now, visit_count: 0, last_visited: 0.0})`,
		map[string]any{
			"id": st.ID, "type": string(st.Type), "description": st.Description,
			"status": string(st.Status), "now": time.Now().Unix(),
		})
	if err != nil {
		return fmt.Errorf("create state: %w", err)
	}
	return nil
}

// FindSimilarState looks for an active state of the same type whose
// description matches on a case-folded 30-character prefix. Matching
// runs in Cypher via left(toLower(...)) on both sides.
func (g *Neo4jGraph) FindSimilarState(ctx context.Context, typ memory.StateType, description string) (*memory.State, error) {
	key := strings.ToLower(description)
	if len(key) > 30 {
		key = key[:30]
	}
	records, err := g.read(ctx, `
		MATCH (s:State {type: $type, status: 'active'})
		WHERE left(toLower(s.description), 30) = $key
		RETURN s.id AS id, s.type AS type, s.description AS description, s.status AS status,
		       s.created AS created, s.updated AS updated,
		       s.visit_count AS visit_count, s.last_visited AS last_visited
		LIMIT 1`,
		map[string]any{"type": string(typ), "key": key})
	if err != nil {
		return nil, fmt.Errorf("find similar state: %w", err)
	}
	if len(records) == 0 {
		return nil, nil
	}
	st := recordState(records[0])
	return &st, nil
}

// UpdateStateStatus transitions a state. Leaving active resets the
// visit counter so a revived goal is not instantly flagged as a loop.
func (g *Neo4jGraph) UpdateStateStatus(ctx context.Context, id string, status memory.StateStatus) error {
	err := g.write(ctx, `
		MATCH (s:State {id: $id})
		SET s.status = $status, s.updated = $now,
		    s.visit_count = CASE WHEN $status <> 'active' THEN 0 ELSE s.visit_count END,
		    s.last_visited = CASE WHEN $status <> 'active' THEN 0.0 ELSE s.last_visited END`,
		map[string]any{"id": id, "status": string(status), "now": time.Now().Unix()})
	if err != nil {
		return fmt.Errorf("update state %s: %w", id, err)
	}
	return nil
}

// GetStatesByStatus lists states of one status, most recently updated
// first. An empty type matches all types.
func (g *Neo4jGraph) GetStatesByStatus(ctx context.Context, status memory.StateStatus, typ memory.StateType, limit int) ([]memory.State, error) {
	cypher := `
		MATCH (s:State {status: $status})
		WHERE $type = '' OR s.type = $type
		RETURN s.id AS id, s.type AS type, s.description AS description, s.status AS status,
		       s.created AS created, s.updated AS updated,
		       s.visit_count AS visit_count, s.last_visited AS last_visited
		ORDER BY s.updated DESC
		LIMIT $limit`
	records, err := g.read(ctx, cypher, map[string]any{
		"status": string(status), "type": string(typ), "limit": limit,
	})
	if err != nil {
		return nil, fmt.Errorf("get states by status: %w", err)
	}
	out := make([]memory.State, 0, len(records))
	for _, rec := range records {
		out = append(out, recordState(rec))
	}
	return out, nil
}

// IncrementStateVisits bumps visit counters in one round trip.
func (g *Neo4jGraph) IncrementStateVisits(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	err := g.write(ctx, `
		UNWIND $ids AS id
		MATCH (s:State {id: id})
		SET s.visit_count = s.visit_count + 1, s.last_visited = $now`,
		map[string]any{"ids": ids, "now": float64(time.Now().UnixNano()) / 1e9})
	if err != nil {
		return fmt.Errorf("increment state visits: %w", err)
	}
	return nil
}

func (g *Neo4jGraph) Ping(ctx context.Context) error {
	return g.driver.VerifyConnectivity(ctx)
}

// Close tears down the driver pool.
func (g *Neo4jGraph) Close(ctx context.Context) error {
	return g.driver.Close(ctx)
}

// --- record helpers ---

func recordString(rec *neo4j.Record, key string) string {
	v, ok := rec.Get(key)
	if !ok || v == nil {
		return ""
	}
	s, _ := v.(string)
	return s
}

func recordStrings(rec *neo4j.Record, key string) []string {
	v, ok := rec.Get(key)
	if !ok || v == nil {
		return nil
	}
	raw, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, item := range raw {
		if s, ok := item.(string); ok && s != "" {
			out = append(out, s)
		}
	}
	return out
}

func recordInt(rec *neo4j.Record, key string) int64 {
	v, ok := rec.Get(key)
	if !ok || v == nil {
		return 0
	}
	n, _ := v.(int64)
	return n
}

func recordFloat(rec *neo4j.Record, key string) float64 {
	v, ok := rec.Get(key)
	if !ok || v == nil {
		return 0
	}
	switch n := v.(type) {
	case float64:
		return n
	case int64:
		return float64(n)
	}
	return 0
}

func recordState(rec *neo4j.Record) memory.State {
	return memory.State{
		ID:          recordString(rec, "id"),
		Type:        memory.StateType(recordString(rec, "type")),
		Description: recordString(rec, "description"),
		Status:      memory.StateStatus(recordString(rec, "status")),
		Created:     time.Unix(recordInt(rec, "created"), 0),
		Updated:     time.Unix(recordInt(rec, "updated"), 0),
		VisitCount:  int(recordInt(rec, "visit_count")),
		LastVisited: recordFloat(rec, "last_visited"),
	}
}
