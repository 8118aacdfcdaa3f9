package decompose

import (
	"regexp"
	"strings"
)

// importPatterns are the conservative, line-based import-statement shapes
// AnalyzeImportGraph recognizes. This is an explicit simplification, not an
// attempt at a real per-language parser: it is good enough to bias subtask
// boundaries by file adjacency, nothing more (spec §4.10).
var importPatterns = []*regexp.Regexp{
	regexp.MustCompile(`^\s*import\s+"([^"]+)"`),                    // Go single import
	regexp.MustCompile(`^\s*"([^"]+)"\s*$`),                         // Go import(...) block line
	regexp.MustCompile(`^\s*#include\s*[<"]([^">]+)[">]`),           // C/C++
	regexp.MustCompile(`require\(\s*['"]([^'"]+)['"]\s*\)`),         // Node require(...)
	regexp.MustCompile(`^\s*import\s+.*\s+from\s+['"]([^'"]+)['"]`), // ES module import...from
}

// AnalyzeImportGraph implements spec §4.10's analyzeImportGraph(files,
// projectRoot): files maps a repo-relative path to its file contents (the
// caller reads the files; this function never touches the filesystem, so
// it stays trivially testable). The result maps each file to the raw
// import targets found in it via a line-by-line regex scan — no attempt is
// made to resolve those targets to other keys in files.
func AnalyzeImportGraph(files map[string]string) map[string][]string {
	graph := make(map[string][]string, len(files))
	for path, contents := range files {
		var imports []string
		seen := map[string]bool{}
		for _, line := range strings.Split(contents, "\n") {
			for _, re := range importPatterns {
				m := re.FindStringSubmatch(line)
				if len(m) == 2 && !seen[m[1]] {
					imports = append(imports, m[1])
					seen[m[1]] = true
				}
			}
		}
		graph[path] = imports
	}
	return graph
}
