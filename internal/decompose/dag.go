package decompose

// DAG is buildDependencyDAG's return shape: subtask titles grouped into
// topological ranks, so every subtask in Layers[i] depends only on
// subtasks in Layers[0..i-1] and can run in parallel with its layer-mates
// (spec §4.10).
type DAG struct {
	Layers [][]string
}

// BuildDependencyDAG implements spec §4.10's buildDependencyDAG(subtasks):
// a standard Kahn's-algorithm layering over each subtask's Dependencies
// (titles of subtasks it needs). A dependency naming a subtask not present
// in the list is ignored — generateSubtasks never emits dangling
// dependencies, but a hand-edited subtask list might.
func BuildDependencyDAG(subtasks []Subtask) DAG {
	known := make(map[string]bool, len(subtasks))
	for _, s := range subtasks {
		known[s.Title] = true
	}

	indegree := make(map[string]int, len(subtasks))
	dependents := make(map[string][]string, len(subtasks))
	for _, s := range subtasks {
		n := 0
		for _, dep := range s.Dependencies {
			if known[dep] {
				n++
				dependents[dep] = append(dependents[dep], s.Title)
			}
		}
		indegree[s.Title] = n
	}

	remaining := make(map[string]int, len(indegree))
	for k, v := range indegree {
		remaining[k] = v
	}

	var layers [][]string
	placed := make(map[string]bool, len(subtasks))
	for len(placed) < len(subtasks) {
		var layer []string
		for _, s := range subtasks {
			if !placed[s.Title] && remaining[s.Title] == 0 {
				layer = append(layer, s.Title)
			}
		}
		if len(layer) == 0 {
			// Cycle (or a dangling dependency network) — break it by
			// placing everything still unplaced into one final layer
			// rather than looping forever.
			for _, s := range subtasks {
				if !placed[s.Title] {
					layer = append(layer, s.Title)
				}
			}
		}
		for _, title := range layer {
			placed[title] = true
			for _, dependent := range dependents[title] {
				remaining[dependent]--
			}
		}
		layers = append(layers, layer)
	}
	return DAG{Layers: layers}
}
