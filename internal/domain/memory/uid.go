package memory

import "github.com/google/uuid"

// Deterministic uids let MERGE collapse the same logical node across
// ingestion batches: one Context per domain, one Entity/Concept per
// (domain, name) pair. Events and Chunks are unique instances and get
// random uids instead.

// ContextUID derives the stable uid for a domain's Context node.
func ContextUID(domain string) string {
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte(domain)).String()
}

// EntityUID derives the stable uid for an entity name within a domain.
// The same name in the same domain always collapses to one node.
func EntityUID(domain, name string) string {
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte(domain+":"+name)).String()
}

// ConceptUID derives the stable uid for a concept within a domain.
func ConceptUID(domain, name string) string {
	return EntityUID(domain, name)
}

// RandomUID returns a fresh uid for Event, Chunk, and MacroEvent nodes.
func RandomUID() string {
	return uuid.NewString()
}
