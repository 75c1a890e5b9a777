package service

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"go.uber.org/zap"

	"github.com/vicw/vicw/internal/domain/memory"
)

func hasChange(changes []StateChange, typ memory.StateType, status memory.StateStatus, descContains string) bool {
	for _, c := range changes {
		if c.Type == typ && c.Status == status && strings.Contains(strings.ToLower(c.Description), strings.ToLower(descContains)) {
			return true
		}
	}
	return false
}

// === StateExtractor Tests ===

func TestGoalCreationAndCompletion(t *testing.T) {
	s := NewStateExtractor(zap.NewNop())

	created := s.ExtractStates("Alice turned to Bob. 'Let's go to the Hydro-Plant,' she said. 'We need to restore power to the grid.'")
	if !hasChange(created, memory.StateGoal, memory.StatusActive, "hydro") {
		t.Fatalf("goal creation not detected: %+v", created)
	}

	completed := s.ExtractStates("After walking for an hour, they finally arrived at the Hydro-Plant. The gates stood open.")
	if !hasChange(completed, memory.StateGoal, memory.StatusCompleted, "hydro") {
		t.Fatalf("goal completion not detected: %+v", completed)
	}
}

func TestTaskCreationAndCompletion(t *testing.T) {
	s := NewStateExtractor(zap.NewNop())

	created := s.ExtractStates("I'm working on refactoring the authentication module to use JWT tokens instead of sessions.")
	if !hasChange(created, memory.StateTask, memory.StatusActive, "refactoring") {
		t.Fatalf("task creation not detected: %+v", created)
	}

	completed := s.ExtractStates("Great! The auth module refactoring is completed and merged into main.")
	if !hasChange(completed, memory.StateTask, memory.StatusCompleted, "refactoring") {
		t.Fatalf("task completion not detected: %+v", completed)
	}
}

func TestDecisionDetection(t *testing.T) {
	s := NewStateExtractor(zap.NewNop())
	changes := s.ExtractStates("After evaluating the options, we decided to use PostgreSQL for the database.")
	if !hasChange(changes, memory.StateDecision, memory.StatusActive, "postgresql") {
		t.Fatalf("decision not detected: %+v", changes)
	}
}

func TestFactDetection(t *testing.T) {
	s := NewStateExtractor(zap.NewNop())
	changes := s.ExtractStates("We discovered that the power grid is offline and the backup generators are not functioning.")
	if !hasChange(changes, memory.StateFact, memory.StatusActive, "power grid") {
		t.Fatalf("fact not detected: %+v", changes)
	}
}

func TestDeduplicationWithinText(t *testing.T) {
	s := NewStateExtractor(zap.NewNop())
	changes := s.ExtractStates("Let's go to the plant. Let's go to the plant. We need to go to the plant.")
	goals := 0
	for _, c := range changes {
		if c.Type == memory.StateGoal {
			goals++
		}
	}
	if goals > 2 {
		t.Fatalf("similar goals should collapse within one text, got %d: %+v", goals, changes)
	}
}

func TestDescriptionBounds(t *testing.T) {
	s := NewStateExtractor(zap.NewNop())
	changes := s.ExtractStates("We need to " + strings.Repeat("x", 300))
	for _, c := range changes {
		if len(c.Description) > maxDescLen {
			t.Fatalf("description exceeds cap: %d chars", len(c.Description))
		}
	}
}

func TestLoadFileReplacesPatterns(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "states.yaml")
	yaml := `states:
  goal:
    create:
      - "(?i)quest: ([\\w][\\w\\s-]{2,99})"
`
	if err := os.WriteFile(path, []byte(yaml), 0o644); err != nil {
		t.Fatal(err)
	}

	s := NewStateExtractor(zap.NewNop())
	if err := s.LoadFile(path); err != nil {
		t.Fatal(err)
	}

	changes := s.ExtractStates("quest: find the silver key")
	if !hasChange(changes, memory.StateGoal, memory.StatusActive, "silver key") {
		t.Fatalf("custom pattern not applied: %+v", changes)
	}
	// Old defaults are gone after replacement.
	if got := s.ExtractStates("I'm working on something new here"); len(got) != 0 {
		t.Fatalf("default patterns should be replaced, got %+v", got)
	}
}

func TestBadPatternSkipped(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "states.yaml")
	yaml := `states:
  goal:
    create:
      - "(unclosed"
      - "(?i)we need to ([\\w][\\w\\s-]{2,99})"
`
	if err := os.WriteFile(path, []byte(yaml), 0o644); err != nil {
		t.Fatal(err)
	}
	s := NewStateExtractor(zap.NewNop())
	if err := s.LoadFile(path); err != nil {
		t.Fatal(err)
	}
	changes := s.ExtractStates("We need to fix the roof")
	if !hasChange(changes, memory.StateGoal, memory.StatusActive, "roof") {
		t.Fatalf("valid pattern should survive a bad sibling: %+v", changes)
	}
}
