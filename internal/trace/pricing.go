package trace

// NodeMetrics aggregates token and latency counters for one node.
type NodeMetrics struct {
	InputTokens  int   `json:"input_tokens"`
	OutputTokens int   `json:"output_tokens"`
	DurationMs   int64 `json:"duration_ms"`
	Calls        int   `json:"calls"`
}

// Add sums another set of counters into this one, coordinate-wise.
func (m *NodeMetrics) Add(other NodeMetrics) {
	m.InputTokens += other.InputTokens
	m.OutputTokens += other.OutputTokens
	m.DurationMs += other.DurationMs
	m.Calls += other.Calls
}

// PipelineMetrics aggregates a run: totals plus per-node breakdown.
type PipelineMetrics struct {
	Total   NodeMetrics            `json:"total"`
	PerNode map[string]NodeMetrics `json:"per_node"`
}

// NewPipelineMetrics creates an empty aggregate.
func NewPipelineMetrics() *PipelineMetrics {
	return &PipelineMetrics{PerNode: map[string]NodeMetrics{}}
}

// Record adds a node execution's counters to the totals and the node bucket.
func (p *PipelineMetrics) Record(nodeID string, m NodeMetrics) {
	p.Total.Add(m)
	bucket := p.PerNode[nodeID]
	bucket.Add(m)
	p.PerNode[nodeID] = bucket
}

// FromSpans aggregates the spans of a finished run.
func FromSpans(spans []Span) *PipelineMetrics {
	p := NewPipelineMetrics()
	for _, sp := range spans {
		p.Record(sp.NodeID, NodeMetrics{
			InputTokens:  sp.InputTokens,
			OutputTokens: sp.OutputTokens,
			DurationMs:   sp.DurationMs,
			Calls:        1,
		})
	}
	return p
}

// Metrics aggregates the detail's spans into per-node and total counters.
func (d *TraceDetail) Metrics() *PipelineMetrics {
	spans := make([]Span, len(d.Spans))
	for i, sp := range d.Spans {
		spans[i] = sp.Span
	}
	return FromSpans(spans)
}

// ModelPricing holds per-1000-token rates in USD.
type ModelPricing struct {
	InputPer1K  float64
	OutputPer1K float64
}

// Cost computes the USD cost for the given token counts.
func (p ModelPricing) Cost(inputTokens, outputTokens int) float64 {
	return float64(inputTokens)/1000.0*p.InputPer1K + float64(outputTokens)/1000.0*p.OutputPer1K
}

// DefaultPricing maps provider-native model names to their published rates.
// Unknown models cost zero (local models are free).
var DefaultPricing = map[string]ModelPricing{
	"gpt-4o":                     {InputPer1K: 0.0025, OutputPer1K: 0.01},
	"gpt-4o-mini":                {InputPer1K: 0.00015, OutputPer1K: 0.0006},
	"claude-3-5-sonnet-20241022": {InputPer1K: 0.003, OutputPer1K: 0.015},
	"claude-3-5-haiku-20241022":  {InputPer1K: 0.0008, OutputPer1K: 0.004},
}

// CostFor looks up the model's pricing and computes the cost.
func CostFor(model string, inputTokens, outputTokens int) float64 {
	pricing, ok := DefaultPricing[model]
	if !ok {
		return 0
	}
	return pricing.Cost(inputTokens, outputTokens)
}
