package config

import (
	"encoding/json"
	"fmt"
)

// Reserved graph terminals. "input" is the run input; "output" marks which
// node's result becomes the run output. Neither is a declared node.
const (
	TerminalInput  = "input"
	TerminalOutput = "output"
)

// NodeType identifies the execution behavior of a pipeline node.
type NodeType string

const (
	NodeLLM          NodeType = "llm"
	NodeGate         NodeType = "gate"
	NodeRouter       NodeType = "router"
	NodeCoordinator  NodeType = "coordinator"
	NodeAggregator   NodeType = "aggregator"
	NodeOrchestrator NodeType = "orchestrator"
	NodeWorker       NodeType = "worker"
	NodeSynthesizer  NodeType = "synthesizer"
	NodeEvaluator    NodeType = "evaluator"
)

var validNodeTypes = map[NodeType]bool{
	NodeLLM:          true,
	NodeGate:         true,
	NodeRouter:       true,
	NodeCoordinator:  true,
	NodeAggregator:   true,
	NodeOrchestrator: true,
	NodeWorker:       true,
	NodeSynthesizer:  true,
	NodeEvaluator:    true,
}

// InvokesModel reports whether nodes of this type call the LLM client.
// All other types forward their assembled input unchanged.
func (t NodeType) InvokesModel() bool {
	return t == NodeLLM || t == NodeWorker
}

// EdgeType identifies how an edge dispatches its targets.
type EdgeType string

const (
	EdgeDirect      EdgeType = "direct"
	EdgeDynamic     EdgeType = "dynamic"
	EdgeConditional EdgeType = "conditional"
	EdgeParallel    EdgeType = "parallel"
)

var validEdgeTypes = map[EdgeType]bool{
	EdgeDirect:      true,
	EdgeDynamic:     true,
	EdgeConditional: true,
	EdgeParallel:    true,
}

// EdgeEndpoint is one side of an edge: one or more node ids. The JSON form
// is either a bare string or an array of strings.
type EdgeEndpoint []string

// UnmarshalJSON accepts "node" and ["a", "b"] forms.
func (e *EdgeEndpoint) UnmarshalJSON(data []byte) error {
	var single string
	if err := json.Unmarshal(data, &single); err == nil {
		*e = EdgeEndpoint{single}
		return nil
	}
	var multi []string
	if err := json.Unmarshal(data, &multi); err != nil {
		return fmt.Errorf("edge endpoint must be a string or array of strings")
	}
	*e = EdgeEndpoint(multi)
	return nil
}

// MarshalJSON writes a single id as a bare string and multiple ids as an
// array, matching the accepted input forms.
func (e EdgeEndpoint) MarshalJSON() ([]byte, error) {
	if len(e) == 1 {
		return json.Marshal(e[0])
	}
	return json.Marshal([]string(e))
}

// Contains reports whether the endpoint names the given node id.
func (e EdgeEndpoint) Contains(id string) bool {
	for _, v := range e {
		if v == id {
			return true
		}
	}
	return false
}

// NodeConfig declares a single pipeline node.
type NodeConfig struct {
	ID     string   `json:"id"`
	Type   NodeType `json:"type"`
	Model  string   `json:"model,omitempty"`
	Prompt string   `json:"prompt,omitempty"`
}

// EdgeConfig declares a directed edge between endpoints.
type EdgeConfig struct {
	From EdgeEndpoint `json:"from"`
	To   EdgeEndpoint `json:"to"`
	Type EdgeType     `json:"type"`
}

// PipelineConfig is a complete pipeline graph definition.
type PipelineConfig struct {
	ID          string       `json:"id"`
	Name        string       `json:"name,omitempty"`
	Description string       `json:"description,omitempty"`
	Nodes       []NodeConfig `json:"nodes"`
	Edges       []EdgeConfig `json:"edges"`
}

// Node returns the node with the given id, or nil.
func (p *PipelineConfig) Node(id string) *NodeConfig {
	for i := range p.Nodes {
		if p.Nodes[i].ID == id {
			return &p.Nodes[i]
		}
	}
	return nil
}

// Validate checks structural integrity: a non-empty id, at least one node,
// unique node ids, known node and edge types, and edge endpoints that name
// declared nodes or the reserved terminals.
func (p *PipelineConfig) Validate() error {
	if p.ID == "" {
		return fmt.Errorf("pipeline id is required")
	}
	if len(p.Nodes) == 0 {
		return fmt.Errorf("pipeline %q has no nodes", p.ID)
	}

	ids := make(map[string]bool, len(p.Nodes))
	for _, n := range p.Nodes {
		if n.ID == "" {
			return fmt.Errorf("pipeline %q has a node with no id", p.ID)
		}
		if n.ID == TerminalInput || n.ID == TerminalOutput {
			return fmt.Errorf("pipeline %q: node id %q is reserved", p.ID, n.ID)
		}
		if ids[n.ID] {
			return fmt.Errorf("pipeline %q: duplicate node id %q", p.ID, n.ID)
		}
		if !validNodeTypes[n.Type] {
			return fmt.Errorf("pipeline %q: node %q has unknown type %q", p.ID, n.ID, n.Type)
		}
		ids[n.ID] = true
	}

	for i, e := range p.Edges {
		if !validEdgeTypes[e.Type] {
			return fmt.Errorf("pipeline %q: edge %d has unknown type %q", p.ID, i, e.Type)
		}
		if len(e.From) == 0 || len(e.To) == 0 {
			return fmt.Errorf("pipeline %q: edge %d has an empty endpoint", p.ID, i)
		}
		for _, id := range e.From {
			if id != TerminalInput && !ids[id] {
				return fmt.Errorf("pipeline %q: edge %d references unknown node %q", p.ID, i, id)
			}
		}
		for _, id := range e.To {
			if id != TerminalOutput && !ids[id] {
				return fmt.Errorf("pipeline %q: edge %d references unknown node %q", p.ID, i, id)
			}
		}
	}
	return nil
}

// ParsePipeline decodes and validates a JSON pipeline definition.
func ParsePipeline(data []byte) (*PipelineConfig, error) {
	var cfg PipelineConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse pipeline: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}
