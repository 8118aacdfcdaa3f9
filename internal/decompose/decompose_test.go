package decompose

import (
	"strings"
	"testing"
)

func TestShouldDecomposeSystemKeywordWithLongDescription(t *testing.T) {
	task := Task{
		Title:       "Redesign the architecture",
		Description: strings.Repeat("This requires touching many subsystems and integration points. ", 3),
	}
	got := ShouldDecompose(task)
	if !got.Decompose {
		t.Fatalf("expected decompose=true, got %+v", got)
	}
}

func TestShouldDecomposeLongText(t *testing.T) {
	task := Task{Title: "Small title", Description: strings.Repeat("word ", 70)}
	got := ShouldDecompose(task)
	if !got.Decompose {
		t.Fatalf("expected decompose=true for long text, got %+v", got)
	}
}

func TestShouldDecomposeMultiDomainLabel(t *testing.T) {
	task := Task{Title: "Add feature", Description: "short", Labels: []string{"frontend", "backend"}}
	got := ShouldDecompose(task)
	if !got.Decompose {
		t.Fatalf("expected decompose=true for multi-domain labels, got %+v", got)
	}
}

func TestShouldDecomposeFalseForSmallTask(t *testing.T) {
	task := Task{Title: "Fix typo", Description: "Fix a typo in the README"}
	got := ShouldDecompose(task)
	if got.Decompose {
		t.Fatalf("expected decompose=false, got %+v", got)
	}
}

func TestClassifyTaskDomainSingleLabel(t *testing.T) {
	info := ClassifyTaskDomain(Task{Labels: []string{"backend"}})
	if info.Domain != DomainBackend || info.Confidence < 0.8 {
		t.Fatalf("got %+v, want high-confidence backend", info)
	}
}

func TestClassifyTaskDomainMultiLabelIsFullstack(t *testing.T) {
	info := ClassifyTaskDomain(Task{Labels: []string{"frontend", "backend"}})
	if info.Domain != DomainFullstack {
		t.Fatalf("got %+v, want fullstack", info)
	}
}

func TestClassifyTaskDomainKeywordFallback(t *testing.T) {
	info := ClassifyTaskDomain(Task{Title: "Add a new REST API endpoint", Description: "Needs a database query"})
	if info.Domain != DomainBackend {
		t.Fatalf("got %+v, want backend from keyword hits", info)
	}
}

func TestGenerateSubtasksFullstackHasExpectedSteps(t *testing.T) {
	info := ClassifyTaskDomain(Task{Labels: []string{"frontend", "backend"}})
	subtasks := GenerateSubtasks(Task{Title: "Add checkout flow"}, info, "")

	titles := map[string]bool{}
	for _, s := range subtasks {
		titles[s.Title] = true
	}
	for _, want := range []string{"design", "implement_backend", "implement_frontend", "test", "review"} {
		if !titles[want] {
			t.Fatalf("missing expected subtask %q in %+v", want, subtasks)
		}
	}
}

func TestGenerateSubtasksPrependsResearch(t *testing.T) {
	info := ClassifyTaskDomain(Task{Labels: []string{"backend"}})
	subtasks := GenerateSubtasks(Task{Title: "x"}, info, "investigate the existing retry logic")
	if subtasks[0].Title != "research" {
		t.Fatalf("got first subtask %q, want research", subtasks[0].Title)
	}
}

func TestBuildDependencyDAGLayersRespectDependencies(t *testing.T) {
	info := ClassifyTaskDomain(Task{Labels: []string{"frontend", "backend"}})
	subtasks := GenerateSubtasks(Task{Title: "x"}, info, "")
	dag := BuildDependencyDAG(subtasks)

	rank := map[string]int{}
	for i, layer := range dag.Layers {
		for _, title := range layer {
			rank[title] = i
		}
	}
	if rank["design"] != 0 {
		t.Fatalf("expected design at layer 0, got %d", rank["design"])
	}
	if rank["implement_backend"] <= rank["design"] {
		t.Fatalf("expected implement_backend after design")
	}
	if rank["test"] <= rank["implement_backend"] || rank["test"] <= rank["implement_frontend"] {
		t.Fatalf("expected test after both implement steps")
	}
	if rank["review"] <= rank["test"] {
		t.Fatalf("expected review after test")
	}
}

func TestBuildDependencyDAGHandlesDanglingDependency(t *testing.T) {
	subtasks := []Subtask{
		{Title: "a", Dependencies: []string{"nonexistent"}},
		{Title: "b", Dependencies: []string{"a"}},
	}
	dag := BuildDependencyDAG(subtasks)
	if len(dag.Layers) != 2 {
		t.Fatalf("got %d layers, want 2: %+v", len(dag.Layers), dag.Layers)
	}
}

func TestDecomposeTaskFalseForSmallTask(t *testing.T) {
	res := DecomposeTask(Task{Title: "Fix typo", Description: "short"}, "")
	if res.Decomposed {
		t.Fatalf("expected not decomposed, got %+v", res)
	}
	if len(res.Subtasks) != 0 {
		t.Fatalf("expected no subtasks, got %+v", res.Subtasks)
	}
}

func TestDecomposeTaskTrueForLargeTask(t *testing.T) {
	task := Task{
		Title:       "Rework the authentication architecture",
		Description: strings.Repeat("Touches many integration points across services. ", 3),
		Labels:      []string{"backend"},
	}
	res := DecomposeTask(task, "")
	if !res.Decomposed {
		t.Fatalf("expected decomposed, got %+v", res)
	}
	if len(res.Subtasks) == 0 || len(res.DAG.Layers) == 0 {
		t.Fatalf("expected subtasks and a DAG, got %+v", res)
	}
}

func TestAnalyzeImportGraphExtractsGoAndJSImports(t *testing.T) {
	files := map[string]string{
		"main.go": "package main\n\nimport (\n\t\"fmt\"\n\t\"os\"\n)\n",
		"app.js":  "import React from 'react'\nconst fs = require('fs')\n",
		"app.c":   "#include <stdio.h>\n#include \"local.h\"\n",
	}
	graph := AnalyzeImportGraph(files)

	if got := graph["main.go"]; len(got) != 2 || got[0] != "fmt" || got[1] != "os" {
		t.Fatalf("got %v, want [fmt os]", got)
	}
	if got := graph["app.js"]; len(got) != 2 || got[0] != "react" || got[1] != "fs" {
		t.Fatalf("got %v, want [react fs]", got)
	}
	if got := graph["app.c"]; len(got) != 2 || got[0] != "stdio.h" || got[1] != "local.h" {
		t.Fatalf("got %v, want [stdio.h local.h]", got)
	}
}
