// Package features compiles indicator DAG definitions into an index-ordered
// evaluation plan and computes feature vectors from persisted bars.
package features

import (
	_ "embed"
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"market-pipeline/internal/model"
)

// Raw inputs available to every graph, in slot order.
var rawInputs = []string{"open", "high", "low", "close", "volume", "sentiment"}

const sentimentSlot = 5

// NodeDef is one named indicator computation as written in the DAG file.
type NodeDef struct {
	Name   string   `yaml:"name"`
	Kind   string   `yaml:"kind"`
	Inputs []string `yaml:"inputs"`
	Window int      `yaml:"window"`
	Param  float64  `yaml:"param,omitempty"` // kind-specific, e.g. bollinger k
}

type dagFile struct {
	Nodes []NodeDef `yaml:"nodes"`
}

//go:embed default_dag.yaml
var defaultDAG []byte

// DefaultDefinitions returns the built-in DAG.
func DefaultDefinitions() ([]NodeDef, error) {
	return ParseDefinitions(defaultDAG)
}

// LoadDefinitions reads a YAML DAG file. An empty path selects the built-in DAG.
func LoadDefinitions(path string) ([]NodeDef, error) {
	if path == "" {
		return DefaultDefinitions()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read feature DAG %s: %w: %w", path, model.ErrConfiguration, err)
	}
	return ParseDefinitions(data)
}

// ParseDefinitions decodes YAML of the form {nodes: [{name, kind, inputs, window}]}.
func ParseDefinitions(data []byte) ([]NodeDef, error) {
	var f dagFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse feature DAG: %w: %w", model.ErrConfiguration, err)
	}
	return f.Nodes, nil
}

// node is a compiled DAG node. inputs are slot indices.
type node struct {
	name     string
	kind     string
	k        *kernel
	inputs   []int
	window   int
	param    float64
	lookback int // bars of history needed before the evaluated bar
}

// Graph is a validated DAG in topological order. Slots 0..len(rawInputs)-1
// hold raw bar series; node i writes slot len(rawInputs)+i.
type Graph struct {
	nodes         []node
	lookback      int
	usesSentiment bool
}

// Lookback returns how many bars before the evaluated bar the graph needs.
func (g *Graph) Lookback() int { return g.lookback }

// UsesSentiment reports whether any node depends on the sentiment input.
func (g *Graph) UsesSentiment() bool { return g.usesSentiment }

// Names returns node names in evaluation order.
func (g *Graph) Names() []string {
	out := make([]string, len(g.nodes))
	for i := range g.nodes {
		out[i] = g.nodes[i].name
	}
	return out
}

// Compile validates defs and orders them with Kahn's algorithm. Any cycle,
// unknown kind or input, duplicate name or bad window is ErrConfiguration.
func Compile(defs []NodeDef) (*Graph, error) {
	if len(defs) == 0 {
		return nil, fmt.Errorf("feature DAG has no nodes: %w", model.ErrConfiguration)
	}

	raw := make(map[string]int, len(rawInputs))
	for i, name := range rawInputs {
		raw[name] = i
	}
	byName := make(map[string]int, len(defs))
	for i, d := range defs {
		if err := validateDef(d); err != nil {
			return nil, err
		}
		if _, ok := raw[d.Name]; ok {
			return nil, fmt.Errorf("node %q shadows a raw input: %w", d.Name, model.ErrConfiguration)
		}
		if _, dup := byName[d.Name]; dup {
			return nil, fmt.Errorf("duplicate node %q: %w", d.Name, model.ErrConfiguration)
		}
		byName[d.Name] = i
	}

	// Edges run from a dependency to the nodes that consume it.
	indegree := make([]int, len(defs))
	consumers := make([][]int, len(defs))
	for i, d := range defs {
		for _, in := range d.Inputs {
			if _, ok := raw[in]; ok {
				continue
			}
			dep, ok := byName[in]
			if !ok {
				return nil, fmt.Errorf("node %q: unknown input %q: %w", d.Name, in, model.ErrConfiguration)
			}
			indegree[i]++
			consumers[dep] = append(consumers[dep], i)
		}
	}

	queue := make([]int, 0, len(defs))
	for i := range defs {
		if indegree[i] == 0 {
			queue = append(queue, i)
		}
	}
	order := make([]int, 0, len(defs))
	for len(queue) > 0 {
		i := queue[0]
		queue = queue[1:]
		order = append(order, i)
		for _, c := range consumers[i] {
			indegree[c]--
			if indegree[c] == 0 {
				queue = append(queue, c)
			}
		}
	}
	if len(order) != len(defs) {
		var stuck []string
		for i, d := range defs {
			if indegree[i] > 0 {
				stuck = append(stuck, d.Name)
			}
		}
		sort.Strings(stuck)
		return nil, fmt.Errorf("feature DAG has a cycle through %s: %w", strings.Join(stuck, ", "), model.ErrConfiguration)
	}

	slot := make(map[string]int, len(rawInputs)+len(defs))
	for name, i := range raw {
		slot[name] = i
	}
	g := &Graph{nodes: make([]node, 0, len(defs))}
	for pos, i := range order {
		d := defs[i]
		k := kernels[d.Kind]
		n := node{name: d.Name, kind: d.Kind, k: k, window: d.Window, param: d.Param}
		deps := 0
		for _, in := range d.Inputs {
			s := slot[in]
			n.inputs = append(n.inputs, s)
			if s == sentimentSlot {
				g.usesSentiment = true
			}
			if s >= len(rawInputs) {
				if lb := g.nodes[s-len(rawInputs)].lookback; lb > deps {
					deps = lb
				}
			}
		}
		n.lookback = k.lookback(d.Window) + deps
		if n.lookback > g.lookback {
			g.lookback = n.lookback
		}
		slot[d.Name] = len(rawInputs) + pos
		g.nodes = append(g.nodes, n)
	}
	return g, nil
}

func validateDef(d NodeDef) error {
	if strings.TrimSpace(d.Name) == "" {
		return fmt.Errorf("node with empty name: %w", model.ErrConfiguration)
	}
	k, ok := kernels[d.Kind]
	if !ok {
		return fmt.Errorf("node %q: unknown kind %q: %w", d.Name, d.Kind, model.ErrConfiguration)
	}
	if len(d.Inputs) != k.arity {
		return fmt.Errorf("node %q: kind %s takes %d inputs, got %d: %w",
			d.Name, d.Kind, k.arity, len(d.Inputs), model.ErrConfiguration)
	}
	if k.minWindow == 0 {
		if d.Window != 0 {
			return fmt.Errorf("node %q: kind %s takes no window: %w", d.Name, d.Kind, model.ErrConfiguration)
		}
	} else if d.Window < k.minWindow {
		return fmt.Errorf("node %q: window %d below minimum %d: %w", d.Name, d.Window, k.minWindow, model.ErrConfiguration)
	}
	for _, in := range d.Inputs {
		if in == d.Name {
			return fmt.Errorf("node %q depends on itself: %w", d.Name, model.ErrConfiguration)
		}
	}
	return nil
}
