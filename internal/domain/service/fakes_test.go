package service

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/vicw/vicw/internal/domain/memory"
)

// In-memory port implementations shared by the service tests.

var errFake = errors.New("induced failure")

// --- LLM ---

type fakeLLM struct {
	mu        sync.Mutex
	responses []string
	err       error
	calls     [][]memory.Message
}

func (f *fakeLLM) Generate(_ context.Context, msgs []memory.Message, _ memory.GenerateOptions) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	copied := make([]memory.Message, len(msgs))
	copy(copied, msgs)
	f.calls = append(f.calls, copied)
	if f.err != nil {
		return "", f.err
	}
	if len(f.responses) == 0 {
		return "", errors.New("fakeLLM: no scripted response")
	}
	resp := f.responses[0]
	if len(f.responses) > 1 {
		f.responses = f.responses[1:]
	}
	return resp, nil
}

func (f *fakeLLM) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func (f *fakeLLM) lastCall() []memory.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.calls) == 0 {
		return nil
	}
	return f.calls[len(f.calls)-1]
}

// --- Embedder ---

// fakeEmbedder returns scripted vectors per exact text, or a cheap
// deterministic hash vector otherwise.
type fakeEmbedder struct {
	mu      sync.Mutex
	vectors map[string][]float32
	err     error
}

func newFakeEmbedder() *fakeEmbedder {
	return &fakeEmbedder{vectors: map[string][]float32{}}
}

func (f *fakeEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	if v, ok := f.vectors[text]; ok {
		return v, nil
	}
	vec := make([]float32, 4)
	for i, r := range text {
		vec[i%4] += float32(r%13) + 1
	}
	return vec, nil
}

func (f *fakeEmbedder) Dimension() int { return 4 }

// --- ChunkStore ---

type fakeChunkStore struct {
	mu         sync.Mutex
	chunks     map[string]memory.ChunkRecord
	embeddings [][]float32
	storeErr   error
}

func newFakeChunkStore() *fakeChunkStore {
	return &fakeChunkStore{chunks: map[string]memory.ChunkRecord{}}
}

func (f *fakeChunkStore) StoreChunk(_ context.Context, job memory.OffloadJob, summary string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.storeErr != nil {
		return f.storeErr
	}
	f.chunks[job.JobID] = memory.ChunkRecord{
		JobID:     job.JobID,
		ChunkText: job.ChunkText,
		Summary:   summary,
		Metadata:  job.MetadataJSON(),
	}
	return nil
}

func (f *fakeChunkStore) GetChunksByIDs(_ context.Context, jobIDs []string, _ ...string) ([]memory.ChunkRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []memory.ChunkRecord
	for _, id := range jobIDs {
		if rec, ok := f.chunks[id]; ok {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (f *fakeChunkStore) RecentChunkIDs(_ context.Context, limit int) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var ids []string
	for id := range f.chunks {
		if len(ids) >= limit {
			break
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func (f *fakeChunkStore) PushResponseEmbedding(_ context.Context, vec []float32, maxEntries int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.embeddings = append(f.embeddings, vec)
	if maxEntries > 0 && len(f.embeddings) > maxEntries {
		f.embeddings = f.embeddings[len(f.embeddings)-maxEntries:]
	}
	return nil
}

func (f *fakeChunkStore) RecentResponseEmbeddings(_ context.Context) ([][]float32, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([][]float32, len(f.embeddings))
	copy(out, f.embeddings)
	return out, nil
}

func (f *fakeChunkStore) Ping(context.Context) error { return nil }

// --- VectorIndex ---

type fakeVectorIndex struct {
	mu     sync.Mutex
	points []memory.VectorPoint
	hits   []memory.SearchHit
}

func (f *fakeVectorIndex) Upsert(_ context.Context, point memory.VectorPoint) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, p := range f.points {
		if p.PointID == point.PointID {
			f.points[i] = point
			return nil
		}
	}
	f.points = append(f.points, point)
	return nil
}

// Search honors the score floor against the scripted hit list so tests
// exercise the floor exactly as the production adapter would.
func (f *fakeVectorIndex) Search(_ context.Context, _ []float32, k int, domains []string, scoreFloor float32) ([]memory.SearchHit, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []memory.SearchHit
	for _, h := range f.hits {
		if h.Score < scoreFloor {
			continue
		}
		if len(domains) > 0 && !containsString(domains, h.Payload.Domain) {
			continue
		}
		out = append(out, h)
		if len(out) >= k {
			break
		}
	}
	return out, nil
}

func (f *fakeVectorIndex) CollectionInfo(context.Context) (map[string]any, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return map[string]any{"points_count": len(f.points)}, nil
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// --- GraphStore ---

type fakeEdge struct {
	FromLabel, FromUID, Rel, ToLabel, ToUID string
}

type fakeNode struct {
	Label, UID, Name, Domain, Description string
	FlowID                                string
	FlowStep                              int
}

type fakeGraph struct {
	mu         sync.Mutex
	nodes      map[string]fakeNode
	edges      []fakeEdge
	states     map[string]*memory.State
	expansions []memory.NodeExpansion
	oldEvents  []memory.NodeExpansion
}

func newFakeGraph() *fakeGraph {
	return &fakeGraph{
		nodes:  map[string]fakeNode{},
		states: map[string]*memory.State{},
	}
}

func (g *fakeGraph) mergeNode(n fakeNode) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.nodes[n.UID] = n
}

func (g *fakeGraph) MergeContext(_ context.Context, domain string) (string, error) {
	uid := memory.ContextUID(domain)
	g.mergeNode(fakeNode{Label: "Context", UID: uid, Name: domain, Domain: domain})
	return uid, nil
}

func (g *fakeGraph) MergeEntity(_ context.Context, domain string, e memory.ExtractedEntity) (string, error) {
	uid := memory.EntityUID(domain, e.Name)
	g.mergeNode(fakeNode{Label: "Entity", UID: uid, Name: e.Name, Domain: domain, Description: e.Description})
	return uid, nil
}

func (g *fakeGraph) MergeEvent(_ context.Context, domain string, ev memory.ExtractedEvent, flowID string, flowStep int) (string, error) {
	uid := memory.RandomUID()
	g.mergeNode(fakeNode{Label: "Event", UID: uid, Name: ev.Name, Domain: domain, Description: ev.Description, FlowID: flowID, FlowStep: flowStep})
	return uid, nil
}

func (g *fakeGraph) MergeConcept(_ context.Context, domain, name, description string) (string, error) {
	uid := memory.ConceptUID(domain, name)
	g.mergeNode(fakeNode{Label: "Concept", UID: uid, Name: name, Domain: domain, Description: description})
	return uid, nil
}

func (g *fakeGraph) CreateChunkNode(_ context.Context, jobID, snippet string) (string, error) {
	uid := memory.RandomUID()
	g.mergeNode(fakeNode{Label: "Chunk", UID: uid, Name: jobID, Description: snippet})
	return uid, nil
}

func (g *fakeGraph) MergeMacroEvent(ctx context.Context, summary string, sourceEventUIDs []string) (string, error) {
	uid := memory.RandomUID()
	g.mergeNode(fakeNode{Label: "MacroEvent", UID: uid, Description: summary})
	for _, src := range sourceEventUIDs {
		_ = g.MergeEdge(ctx, "Event", src, "CONSOLIDATED_INTO", "MacroEvent", uid)
	}
	return uid, nil
}

func (g *fakeGraph) MergeEdge(_ context.Context, fromLabel, fromUID, rel, toLabel, toUID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, e := range g.edges {
		if e.FromUID == fromUID && e.Rel == rel && e.ToUID == toUID {
			return nil
		}
	}
	g.edges = append(g.edges, fakeEdge{fromLabel, fromUID, rel, toLabel, toUID})
	return nil
}

func (g *fakeGraph) ExpandMetaphysicalContext(_ context.Context, uids []string) ([]memory.NodeExpansion, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	var out []memory.NodeExpansion
	for _, exp := range g.expansions {
		if containsString(uids, exp.UID) {
			out = append(out, exp)
		}
	}
	return out, nil
}

func (g *fakeGraph) GetOldEvents(_ context.Context, _ time.Time, limit int) ([]memory.NodeExpansion, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if limit > len(g.oldEvents) {
		limit = len(g.oldEvents)
	}
	return g.oldEvents[:limit], nil
}

func (g *fakeGraph) CreateState(_ context.Context, st memory.State) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	copied := st
	g.states[st.ID] = &copied
	return nil
}

func (g *fakeGraph) FindSimilarState(_ context.Context, typ memory.StateType, description string) (*memory.State, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, st := range g.states {
		if st.Type == typ && st.Status == memory.StatusActive && similarDesc(st.Description, description) {
			copied := *st
			return &copied, nil
		}
	}
	return nil, nil
}

func similarDesc(a, b string) bool {
	const n = 30
	if len(a) > n {
		a = a[:n]
	}
	if len(b) > n {
		b = b[:n]
	}
	return a == b
}

func (g *fakeGraph) UpdateStateStatus(_ context.Context, id string, status memory.StateStatus) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	st, ok := g.states[id]
	if !ok {
		return errors.New("state not found")
	}
	st.Status = status
	if status != memory.StatusActive {
		st.VisitCount = 0
		st.LastVisited = 0
	}
	return nil
}

func (g *fakeGraph) GetStatesByStatus(_ context.Context, status memory.StateStatus, typ memory.StateType, limit int) ([]memory.State, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	var out []memory.State
	for _, st := range g.states {
		if st.Status == status && st.Type == typ {
			out = append(out, *st)
			if len(out) >= limit {
				break
			}
		}
	}
	return out, nil
}

func (g *fakeGraph) IncrementStateVisits(_ context.Context, ids []string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, id := range ids {
		if st, ok := g.states[id]; ok {
			st.VisitCount++
			st.LastVisited = float64(time.Now().Unix())
		}
	}
	return nil
}

func (g *fakeGraph) Ping(context.Context) error { return nil }

func (g *fakeGraph) edgesOf(rel string) []fakeEdge {
	g.mu.Lock()
	defer g.mu.Unlock()
	var out []fakeEdge
	for _, e := range g.edges {
		if e.Rel == rel {
			out = append(out, e)
		}
	}
	return out
}

func (g *fakeGraph) nodeByName(label, name string) (fakeNode, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, n := range g.nodes {
		if n.Label == label && n.Name == name {
			return n, true
		}
	}
	return fakeNode{}, false
}
