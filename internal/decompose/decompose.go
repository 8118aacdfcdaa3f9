// Package decompose implements Pilot's task-decomposition engine (spec
// §4.10): deciding whether a task is large enough to split, classifying its
// domain, generating an ordered subtask list, and laying the subtasks out
// as a dependency DAG.
//
// Grounded on the teacher's builtin molecule templates
// (internal/beads/builtin_molecules.go's EngineerInBoxMolecule and
// siblings): a molecule is a markdown template of "## Step: <name>" blocks,
// each with a body and an optional "Needs: a, b" dependency line. Pilot
// generalizes this from a handful of fixed, hand-written templates to a
// domain-selected template plus a shared parser, so the same "## Step /
// Needs:" shape that already describes a human workflow also describes a
// generated subtask list.
package decompose

import (
	"strings"
)

// Task is the decomposition engine's input (spec §4.10).
type Task struct {
	ID          string
	Title       string
	Description string
	Labels      []string
}

// text returns the title and description concatenated for keyword/length
// heuristics.
func (t Task) text() string {
	return t.Title + " " + t.Description
}

// systemScopeKeywords flags a task as system-scale when present alongside a
// sufficiently long description (spec §4.10).
var systemScopeKeywords = []string{
	"system", "architecture", "integration", "platform", "migration",
	"infrastructure", "overhaul", "end-to-end",
}

// domainLabels are the recognized domain tags a task can be labeled with
// directly, used both for shouldDecompose's multi-domain check and for
// classifyTaskDomain's label-based fast path.
var domainLabels = []string{"frontend", "backend", "testing", "docs", "infra"}

// ShouldDecomposeResult is shouldDecompose's verdict.
type ShouldDecomposeResult struct {
	Decompose bool
	Reason    string
}

// ShouldDecompose implements spec §4.10's shouldDecompose(task).
func ShouldDecompose(task Task) ShouldDecomposeResult {
	text := strings.ToLower(task.text())

	hasSystemKeyword := false
	for _, kw := range systemScopeKeywords {
		if strings.Contains(text, kw) {
			hasSystemKeyword = true
			break
		}
	}
	if hasSystemKeyword && len(task.Description) > 100 {
		return ShouldDecomposeResult{true, "system-scope keyword with long description"}
	}
	if len(task.text()) > 300 {
		return ShouldDecomposeResult{true, "task text exceeds 300 characters"}
	}
	if isMultiDomainByLabel(task.Labels) {
		return ShouldDecomposeResult{true, "multiple domain labels present"}
	}
	return ShouldDecomposeResult{false, "task is small enough for a single agent"}
}

func isMultiDomainByLabel(labels []string) bool {
	found := map[string]bool{}
	for _, l := range labels {
		l = strings.ToLower(l)
		for _, d := range domainLabels {
			if l == d {
				found[d] = true
			}
		}
	}
	return len(found) >= 2
}

// Domain is one of the fixed task domains (spec §4.10).
type Domain string

const (
	DomainFrontend  Domain = "frontend"
	DomainBackend   Domain = "backend"
	DomainTesting   Domain = "testing"
	DomainFullstack Domain = "fullstack"
	DomainDocs      Domain = "docs"
	DomainInfra     Domain = "infra"
)

// domainKeywords biases classifyTaskDomain's keyword fallback.
var domainKeywords = map[Domain][]string{
	DomainFrontend: {"ui", "component", "css", "react", "frontend", "page", "style"},
	DomainBackend:  {"api", "server", "database", "backend", "endpoint", "service", "query"},
	DomainTesting:  {"test", "spec", "coverage", "regression"},
	DomainDocs:     {"doc", "readme", "documentation", "guide"},
	DomainInfra:    {"deploy", "ci", "docker", "infra", "pipeline", "terraform", "kubernetes"},
}

// domainRequires names the capability tags classifyTaskDomain attaches per
// domain, matching scheduler's roleCapabilities vocabulary so a generated
// subtask's Requires feeds straight into scheduling.
var domainRequires = map[Domain][]string{
	DomainFrontend:  {"frontend"},
	DomainBackend:   {"backend"},
	DomainTesting:   {"testing"},
	DomainFullstack: {"backend", "frontend"},
	DomainDocs:      {"docs"},
	DomainInfra:     {"infra"},
}

// domainPostAgents names the role that should review a domain's output
// before it's considered done.
var domainPostAgents = map[Domain][]string{
	DomainFrontend:  {"review"},
	DomainBackend:   {"review", "testing"},
	DomainTesting:   {"review"},
	DomainFullstack: {"review", "testing"},
	DomainDocs:      {"review"},
	DomainInfra:     {"review"},
}

// DomainInfo is classifyTaskDomain's return shape.
type DomainInfo struct {
	Domain     Domain
	Requires   []string
	PostAgents []string
	Confidence float64
}

// ClassifyTaskDomain implements spec §4.10's classifyTaskDomain(task).
func ClassifyTaskDomain(task Task) DomainInfo {
	if labeled := labelDomains(task.Labels); len(labeled) == 1 {
		d := labeled[0]
		return DomainInfo{Domain: d, Requires: domainRequires[d], PostAgents: domainPostAgents[d], Confidence: 0.9}
	} else if len(labeled) >= 2 {
		return DomainInfo{Domain: DomainFullstack, Requires: domainRequires[DomainFullstack], PostAgents: domainPostAgents[DomainFullstack], Confidence: 0.85}
	}

	text := strings.ToLower(task.text())
	hits := map[Domain]int{}
	for d, kws := range domainKeywords {
		for _, kw := range kws {
			if strings.Contains(text, kw) {
				hits[d]++
			}
		}
	}
	best, bestCount := Domain(""), 0
	multi := 0
	for d, c := range hits {
		if c > 0 {
			multi++
		}
		if c > bestCount {
			best, bestCount = d, c
		}
	}
	switch {
	case multi >= 2:
		return DomainInfo{Domain: DomainFullstack, Requires: domainRequires[DomainFullstack], PostAgents: domainPostAgents[DomainFullstack], Confidence: 0.6}
	case best != "":
		return DomainInfo{Domain: best, Requires: domainRequires[best], PostAgents: domainPostAgents[best], Confidence: 0.6}
	default:
		return DomainInfo{Domain: DomainFullstack, Requires: domainRequires[DomainFullstack], PostAgents: domainPostAgents[DomainFullstack], Confidence: 0.3}
	}
}

func labelDomains(labels []string) []Domain {
	var out []Domain
	seen := map[Domain]bool{}
	for _, l := range labels {
		l = strings.ToLower(l)
		for _, d := range domainLabels {
			if l == d && !seen[Domain(d)] {
				out = append(out, Domain(d))
				seen[Domain(d)] = true
			}
		}
	}
	return out
}

// Subtask is one node generateSubtasks produces (spec §4.10).
type Subtask struct {
	Title        string
	Description  string
	Labels       []string
	Dependencies []string // titles of subtasks this one needs
}

// domainTemplate is the molecule-shaped "## Step: name\nbody\nNeeds: a, b"
// text generateSubtasks expands for each domain.
var domainTemplate = map[Domain]string{
	DomainFullstack: `## Step: design
Design the approach: data model, API surface, and component boundaries for {{TITLE}}.

## Step: implement_backend
Implement the backend/API/data-layer portion of {{TITLE}}.
Needs: design

## Step: implement_frontend
Implement the UI/component portion of {{TITLE}}.
Needs: design

## Step: test
Write and run tests covering both the backend and frontend changes.
Needs: implement_backend, implement_frontend

## Step: review
Self-review the combined change for bugs, style issues, and missing error handling.
Needs: test`,

	DomainBackend: `## Step: implement
Implement {{TITLE}} on the backend: API/service/data-layer changes.

## Step: test
Write and run tests covering the new backend behavior.
Needs: implement

## Step: review
Self-review the change for bugs, style issues, and missing error handling.
Needs: test`,

	DomainFrontend: `## Step: implement
Implement {{TITLE}} on the frontend: components, pages, or styling.

## Step: test
Write and run tests covering the new frontend behavior.
Needs: implement

## Step: review
Self-review the change for bugs, style issues, and missing error handling.
Needs: test`,

	DomainTesting: `## Step: implement
Write the tests described by {{TITLE}}.

## Step: review
Self-review test coverage and assertions.
Needs: implement`,

	DomainDocs: `## Step: implement
Write or update the documentation described by {{TITLE}}.

## Step: review
Self-review for accuracy and clarity.
Needs: implement`,

	DomainInfra: `## Step: implement
Make the infrastructure/deployment change described by {{TITLE}}.

## Step: review
Self-review the change for safety and rollback plan.
Needs: implement`,
}

// GenerateSubtasks implements spec §4.10's generateSubtasks(task,
// domainInfo, research). research, when non-empty, is appended as a
// standalone "research" subtask with no dependents depending on it — the
// other subtasks proceed without waiting on it, since its findings are
// advisory context rather than a blocking step.
func GenerateSubtasks(task Task, info DomainInfo, research string) []Subtask {
	tpl, ok := domainTemplate[info.Domain]
	if !ok {
		tpl = domainTemplate[DomainFullstack]
	}
	tpl = strings.ReplaceAll(tpl, "{{TITLE}}", task.Title)

	subtasks := parseStepTemplate(tpl, info.Requires)
	if research != "" {
		subtasks = append([]Subtask{{
			Title:       "research",
			Description: research,
			Labels:      []string{"research"},
		}}, subtasks...)
	}
	return subtasks
}

// parseStepTemplate parses a molecule-shaped template into Subtasks: each
// "## Step: name" begins a block, whose body runs until the next "## Step:"
// header or a "Needs: a, b" line (always the block's last line when
// present).
func parseStepTemplate(tpl string, labels []string) []Subtask {
	var subtasks []Subtask
	var cur *Subtask
	var body []string

	flush := func() {
		if cur == nil {
			return
		}
		cur.Description = strings.TrimSpace(strings.Join(body, "\n"))
		subtasks = append(subtasks, *cur)
		cur = nil
		body = nil
	}

	for _, line := range strings.Split(tpl, "\n") {
		trimmed := strings.TrimSpace(line)
		switch {
		case strings.HasPrefix(trimmed, "## Step:"):
			flush()
			name := strings.TrimSpace(strings.TrimPrefix(trimmed, "## Step:"))
			cur = &Subtask{Title: name, Labels: append([]string{}, labels...)}
		case strings.HasPrefix(trimmed, "Needs:"):
			if cur != nil {
				raw := strings.TrimSpace(strings.TrimPrefix(trimmed, "Needs:"))
				for _, dep := range strings.Split(raw, ",") {
					dep = strings.TrimSpace(dep)
					if dep != "" {
						cur.Dependencies = append(cur.Dependencies, dep)
					}
				}
			}
		default:
			if cur != nil {
				body = append(body, line)
			}
		}
	}
	flush()
	return subtasks
}

// Result is decomposeTask's return shape.
type Result struct {
	Decomposed bool
	Subtasks   []Subtask
	DAG        DAG
	Domain     Domain
	Reason     string
}

// DecomposeTask implements spec §4.10's decomposeTask(task, projectRoot).
// importGraph, when non-nil, is consulted to bias which subtask a loose
// end belongs to is left to the caller — decompose only exposes the graph
// via AnalyzeImportGraph; DecomposeTask itself doesn't need file contents.
func DecomposeTask(task Task, research string) Result {
	verdict := ShouldDecompose(task)
	if !verdict.Decompose {
		return Result{Decomposed: false, Reason: verdict.Reason}
	}

	info := ClassifyTaskDomain(task)
	subtasks := GenerateSubtasks(task, info, research)
	dag := BuildDependencyDAG(subtasks)

	return Result{
		Decomposed: true,
		Subtasks:   subtasks,
		DAG:        dag,
		Domain:     info.Domain,
		Reason:     verdict.Reason,
	}
}
