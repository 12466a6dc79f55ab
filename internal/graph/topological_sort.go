// Package graph orders named nodes by their declared dependencies.
package graph

import (
	"fmt"
	"slices"
	"strings"

	"github.com/samber/lo"
)

type Node interface {
	GetName() string
	GetDependencies() []string
}

type mark uint8

const (
	unvisited mark = iota
	inProgress
	done
)

// TopologicalSort orders nodes so that every node follows its dependencies.
// Independent nodes are visited in name order, which makes the result stable.
// A cycle is reported with the full path that closes it.
func TopologicalSort(nodes map[string]Node) ([]string, error) {
	marks := make(map[string]mark, len(nodes))
	order := make([]string, 0, len(nodes))
	var path []string

	var visit func(string) error
	visit = func(name string) error {
		switch marks[name] {
		case done:
			return nil
		case inProgress:
			start := slices.Index(path, name)
			cycle := append(slices.Clone(path[start:]), name)
			return fmt.Errorf("cycle detected in dependencies: %s", strings.Join(cycle, " -> "))
		}

		node, ok := nodes[name]
		if !ok {
			return fmt.Errorf("node %s not found", name)
		}

		marks[name] = inProgress
		path = append(path, name)

		deps := slices.Clone(node.GetDependencies())
		slices.Sort(deps)
		for _, dep := range deps {
			if err := visit(dep); err != nil {
				return err
			}
		}

		path = path[:len(path)-1]
		marks[name] = done
		order = append(order, name)
		return nil
	}

	names := lo.Keys(nodes)
	slices.Sort(names)
	for _, name := range names {
		if err := visit(name); err != nil {
			return nil, err
		}
	}
	return order, nil
}

// ValidateGraph reports the first dependency that names an unknown node.
func ValidateGraph(nodes map[string]Node) error {
	names := lo.Keys(nodes)
	slices.Sort(names)
	for _, name := range names {
		for _, dep := range nodes[name].GetDependencies() {
			if _, ok := nodes[dep]; !ok {
				return fmt.Errorf("node %s depends on %s which does not exist", name, dep)
			}
		}
	}
	return nil
}
