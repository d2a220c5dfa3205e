// Package prompt keeps versioned system prompts and lints them before they
// are accepted.
package prompt

import (
	"errors"
	"sort"
	"strings"
	"sync"
)

// Prompt is one immutable version of a named prompt.
type Prompt struct {
	Name    string
	Version int
	Body    string
	Meta    map[string]string
}

// Issue describes a lint finding.
type Issue struct {
	Rule    string
	Message string
}

// ContractFinalOutput marks prompts that must describe the final output contract.
const ContractFinalOutput = "final_output"

var secretMarkers = []string{"aws_secret_access_key", "begin private key", "sk-"}

// Lint runs the acceptance checks on p.
func Lint(p Prompt) []Issue {
	var issues []Issue
	if strings.TrimSpace(p.Name) == "" {
		issues = append(issues, Issue{Rule: "name.required", Message: "name is required"})
	}
	if strings.TrimSpace(p.Body) == "" {
		issues = append(issues, Issue{Rule: "body.required", Message: "body is empty"})
	}
	lower := strings.ToLower(p.Body)
	for _, m := range secretMarkers {
		if strings.Contains(lower, m) {
			issues = append(issues, Issue{Rule: "security.secrets", Message: "body appears to contain secrets-like content"})
			break
		}
	}
	if p.Meta["contract"] == ContractFinalOutput {
		for _, key := range []string{"summary_markdown", "machine_readable"} {
			if !strings.Contains(p.Body, key) {
				issues = append(issues, Issue{Rule: "contract.output_keys", Message: "body does not mention " + key})
			}
		}
	}
	return issues
}

// ErrLintFailed is returned by Save when Lint reports issues.
var ErrLintFailed = errors.New("prompt failed lint checks")

// Store is an in-memory versioned prompt store. Safe for concurrent use.
type Store struct {
	mu   sync.RWMutex
	data map[string][]Prompt // ascending by version
}

func NewStore() *Store { return &Store{data: make(map[string][]Prompt)} }

// Save lints p and stores it as the next version of p.Name.
func (s *Store) Save(p Prompt) (Prompt, []Issue, error) {
	if issues := Lint(p); len(issues) > 0 {
		return Prompt{}, issues, ErrLintFailed
	}
	meta := make(map[string]string, len(p.Meta))
	for k, v := range p.Meta {
		meta[k] = v
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	versions := s.data[p.Name]
	next := 1
	if n := len(versions); n > 0 {
		next = versions[n-1].Version + 1
	}
	saved := Prompt{Name: p.Name, Version: next, Body: p.Body, Meta: meta}
	s.data[p.Name] = append(versions, saved)
	return saved, nil, nil
}

// Get returns a specific version, or the latest when version <= 0.
func (s *Store) Get(name string, version int) (Prompt, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	versions := s.data[name]
	if len(versions) == 0 {
		return Prompt{}, false
	}
	if version <= 0 {
		return versions[len(versions)-1], true
	}
	i := sort.Search(len(versions), func(i int) bool { return versions[i].Version >= version })
	if i < len(versions) && versions[i].Version == version {
		return versions[i], true
	}
	return Prompt{}, false
}

// List returns all versions of name in ascending order.
func (s *Store) List(name string) []Prompt {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]Prompt(nil), s.data[name]...)
}
