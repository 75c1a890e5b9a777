package service

import (
	"context"
	"os"
	"regexp"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/vicw/vicw/internal/domain/memory"
	"github.com/vicw/vicw/pkg/safego"
)

// StateChange is one detected transition in a piece of text.
type StateChange struct {
	Type        memory.StateType
	Description string
	Status      memory.StateStatus
}

// patternGroupSpec is the per-type section of the YAML pattern config.
type patternGroupSpec struct {
	Create     []string `yaml:"create"`
	Complete   []string `yaml:"complete"`
	Invalidate []string `yaml:"invalidate"`
}

type statePatternFile struct {
	States map[string]patternGroupSpec `yaml:"states"`
}

type compiledGroup struct {
	create     []*regexp.Regexp
	complete   []*regexp.Regexp
	invalidate []*regexp.Regexp
}

// descCapture bounds what counts as a usable state description.
const (
	minDescLen = 3
	maxDescLen = 100
)

// StateExtractor detects goal/task/decision/fact transitions in turn
// text with configurable regex patterns. Completion patterns run before
// creation patterns so "arrived at the plant" closes a goal instead of
// opening a new one. Constructed once at startup and passed by
// reference; LoadFile and the watcher may swap patterns at runtime.
type StateExtractor struct {
	mu       sync.RWMutex
	patterns map[memory.StateType]compiledGroup
	logger   *zap.Logger
}

// NewStateExtractor starts from the built-in default patterns.
func NewStateExtractor(logger *zap.Logger) *StateExtractor {
	s := &StateExtractor{
		logger: logger.With(zap.String("component", "state-extractor")),
	}
	s.patterns = compilePatterns(defaultStatePatterns(), s.logger)
	return s
}

func defaultStatePatterns() statePatternFile {
	return statePatternFile{States: map[string]patternGroupSpec{
		"goal": {
			Create: []string{
				`(?i)let'?s go to (?:the )?([\w][\w\s-]{2,99})`,
				`(?i)we need to ([\w][\w\s-]{2,99})`,
				`(?i)our goal is (?:to )?([\w][\w\s-]{2,99})`,
			},
			Complete: []string{
				`(?i)arrived at (?:the )?([\w][\w\s-]{2,99})`,
				`(?i)we(?:'ve| have)? reached (?:the )?([\w][\w\s-]{2,99})`,
			},
			Invalidate: []string{
				`(?i)(?:abandon(?:ed)?|give up on) (?:the )?([\w][\w\s-]{2,99})`,
			},
		},
		"task": {
			Create: []string{
				`(?i)i'?m working on ([\w][\w\s-]{2,99})`,
				`(?i)starting (?:to|on) ([\w][\w\s-]{2,99})`,
			},
			Complete: []string{
				`(?i)([\w][\w\s-]{2,99}) is (?:completed|done|finished|merged)`,
				`(?i)finished ([\w][\w\s-]{2,99})`,
			},
			Invalidate: []string{
				`(?i)no longer (?:need|working on) ([\w][\w\s-]{2,99})`,
			},
		},
		"decision": {
			Create: []string{
				`(?i)(?:we )?decided to ([\w][\w\s-]{2,99})`,
				`(?i)going with ([\w][\w\s-]{2,99})`,
			},
			Invalidate: []string{
				`(?i)revisit(?:ing)? the decision (?:to )?([\w][\w\s-]{2,99})`,
			},
		},
		"fact": {
			Create: []string{
				`(?i)discovered that ([\w][\w\s-]{2,99})`,
				`(?i)it turns out (?:that )?([\w][\w\s-]{2,99})`,
			},
			Invalidate: []string{
				`(?i)([\w][\w\s-]{2,99}) is no longer true`,
			},
		},
	}}
}

func compilePatterns(file statePatternFile, logger *zap.Logger) map[memory.StateType]compiledGroup {
	compile := func(state string, exprs []string) []*regexp.Regexp {
		var res []*regexp.Regexp
		for _, e := range exprs {
			re, err := regexp.Compile(e)
			if err != nil {
				logger.Warn("Bad state pattern skipped",
					zap.String("state", state),
					zap.String("pattern", e),
					zap.Error(err),
				)
				continue
			}
			res = append(res, re)
		}
		return res
	}

	out := map[memory.StateType]compiledGroup{}
	for name, group := range file.States {
		out[memory.StateType(name)] = compiledGroup{
			create:     compile(name, group.Create),
			complete:   compile(name, group.Complete),
			invalidate: compile(name, group.Invalidate),
		}
	}
	return out
}

// LoadFile replaces the pattern set from a YAML config.
func (s *StateExtractor) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	var file statePatternFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return err
	}
	compiled := compilePatterns(file, s.logger)
	s.mu.Lock()
	s.patterns = compiled
	s.mu.Unlock()
	s.logger.Info("State patterns loaded", zap.String("path", path), zap.Int("types", len(compiled)))
	return nil
}

// Watch hot-reloads the pattern file when it changes on disk.
func (s *StateExtractor) Watch(ctx context.Context, path string) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := watcher.Add(path); err != nil {
		watcher.Close()
		return err
	}
	safego.Go(s.logger, "state-pattern-watcher", func() {
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				if err := s.LoadFile(path); err != nil {
					s.logger.Warn("State pattern reload failed", zap.Error(err))
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				s.logger.Warn("State pattern watcher error", zap.Error(err))
			}
		}
	})
	return nil
}

// ExtractStates scans the text for state transitions. Completions and
// invalidations are checked before creations; near-duplicate
// descriptions within one text are collapsed.
func (s *StateExtractor) ExtractStates(text string) []StateChange {
	s.mu.RLock()
	patterns := s.patterns
	s.mu.RUnlock()

	var out []StateChange
	seen := map[string]bool{}

	add := func(typ memory.StateType, desc string, status memory.StateStatus) {
		desc = cleanDescription(desc)
		if len(desc) < minDescLen {
			return
		}
		key := string(typ) + "|" + string(status) + "|" + dedupeKey(desc)
		if seen[key] {
			return
		}
		seen[key] = true
		out = append(out, StateChange{Type: typ, Description: desc, Status: status})
	}

	for typ, group := range patterns {
		for _, re := range group.complete {
			for _, m := range re.FindAllStringSubmatch(text, -1) {
				add(typ, lastGroup(m), memory.StatusCompleted)
			}
		}
		for _, re := range group.invalidate {
			for _, m := range re.FindAllStringSubmatch(text, -1) {
				add(typ, lastGroup(m), memory.StatusInvalid)
			}
		}
		for _, re := range group.create {
			for _, m := range re.FindAllStringSubmatch(text, -1) {
				add(typ, lastGroup(m), memory.StatusActive)
			}
		}
	}
	return out
}

func lastGroup(match []string) string {
	if len(match) < 2 {
		return ""
	}
	return match[len(match)-1]
}

func cleanDescription(desc string) string {
	desc = strings.TrimSpace(desc)
	desc = safeTruncate(desc, maxDescLen)
	return strings.TrimSpace(desc)
}

// dedupeKey folds case and truncates so rephrasings of the same thing
// collapse within one text.
func dedupeKey(desc string) string {
	return safeTruncate(strings.ToLower(desc), 30)
}
