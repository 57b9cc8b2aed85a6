// Package batch owns the concurrent node-name -> NodeMetrics index for one
// test run and groups nodes into their owning airports. Exactly one task
// per phase writes a given NodeMetrics; the aggregator reads it only after
// that phase has returned, so the index itself only needs to be safe for
// concurrent inserts during construction and concurrent reads during the
// phases — never concurrent writes to the same key.
package batch

import (
	"fmt"
	"time"

	"github.com/puzpuzpuz/xsync/v4"

	"github.com/resinat/resinprobe/internal/metrics"
	"github.com/resinat/resinprobe/internal/noderecord"
)

// Index is the concurrent node-name -> NodeMetrics map shared across all
// phase workers for one batch.
type Index struct {
	nodes *xsync.Map[string, *metrics.NodeMetrics]
}

// NewIndex allocates an empty Index.
func NewIndex() *Index {
	return &Index{nodes: xsync.NewMap[string, *metrics.NodeMetrics]()}
}

// Get returns the NodeMetrics for name, if present.
func (idx *Index) Get(name string) (*metrics.NodeMetrics, bool) {
	return idx.nodes.Load(name)
}

// Snapshot returns a plain map view over the current contents, suitable for
// handing to a phase runner that expects map[string]*metrics.NodeMetrics.
func (idx *Index) Snapshot() map[string]*metrics.NodeMetrics {
	out := make(map[string]*metrics.NodeMetrics, idx.nodes.Size())
	idx.nodes.Range(func(name string, nm *metrics.NodeMetrics) bool {
		out[name] = nm
		return true
	})
	return out
}

// Len reports the number of nodes in the index.
func (idx *Index) Len() int {
	return idx.nodes.Size()
}

// Source groups the nodes of one airport in discovery order.
type Source struct {
	Name    string
	Records []noderecord.Record
	Names   []string
}

// Plan is the result of Build: the per-node index plus the per-source
// grouping needed to aggregate at the end of the run.
type Plan struct {
	Index   *Index
	Sources []Source
}

// Build validates name uniqueness across records, allocates one NodeMetrics
// per node, inserts it into a fresh Index, and groups records by source
// (preserving both source-discovery order and intra-source node order).
// Every input node ends up in exactly one Source.
func Build(records []noderecord.Record, sourceOf func(noderecord.Record) string, testedAt time.Time) (*Plan, error) {
	grouped, order, err := noderecord.Batch(records, sourceOf)
	if err != nil {
		return nil, fmt.Errorf("batch: %w", err)
	}

	idx := NewIndex()
	sources := make([]Source, 0, len(order))

	for _, srcName := range order {
		recs := grouped[srcName]
		names := make([]string, 0, len(recs))
		for _, rec := range recs {
			name, err := rec.Name()
			if err != nil {
				return nil, err
			}
			server, err := rec.Server()
			if err != nil {
				return nil, err
			}
			port, err := rec.Port()
			if err != nil {
				return nil, err
			}
			nm := metrics.NewNodeMetrics(name, rec.Type(), server, port, srcName, testedAt)
			idx.nodes.Store(name, nm)
			names = append(names, name)
		}
		sources = append(sources, Source{Name: srcName, Records: recs, Names: names})
	}

	return &Plan{Index: idx, Sources: sources}, nil
}

// Aggregate computes the final []AirportMetrics for the plan, once all
// phases have completed. Every input node appears in exactly one
// AirportMetrics, matching source order from Build.
func (p *Plan) Aggregate() []metrics.AirportMetrics {
	out := make([]metrics.AirportMetrics, 0, len(p.Sources))
	for _, src := range p.Sources {
		nodes := make([]*metrics.NodeMetrics, 0, len(src.Names))
		for _, name := range src.Names {
			if nm, ok := p.Index.Get(name); ok {
				nodes = append(nodes, nm)
			}
		}
		out = append(out, metrics.Aggregate(src.Name, nodes))
	}
	return out
}

// AliveRecords returns the subset of records across all sources whose
// NodeMetrics is currently marked alive, for handing to the Speed phase.
func (p *Plan) AliveRecords() []noderecord.Record {
	var out []noderecord.Record
	for _, src := range p.Sources {
		for i, name := range src.Names {
			if nm, ok := p.Index.Get(name); ok && nm.IsAlive {
				out = append(out, src.Records[i])
			}
		}
	}
	return out
}

// AllRecords returns every record across all sources, in source order, for
// handing to a phase that needs the full batch (e.g. Latency).
func (p *Plan) AllRecords() []noderecord.Record {
	var out []noderecord.Record
	for _, src := range p.Sources {
		out = append(out, src.Records...)
	}
	return out
}
