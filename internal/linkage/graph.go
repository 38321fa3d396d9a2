package linkage

import (
	"fmt"
	"sort"
	"strings"
)

type nodeKey struct {
	ns Namespace
	id string
}

func (k nodeKey) String() string { return string(k.ns) + ":" + k.id }

func (k nodeKey) less(o nodeKey) bool {
	if k.ns != o.ns {
		return nsOrder(k.ns) < nsOrder(o.ns)
	}
	return k.id < o.id
}

func nsOrder(ns Namespace) int {
	for i, n := range Namespaces {
		if n == ns {
			return i
		}
	}
	return len(Namespaces)
}

// Graph is a disjoint-set forest over (namespace, id) nodes. Each connected
// component is one Identity. Not safe for concurrent use.
type Graph struct {
	parent  map[nodeKey]nodeKey
	size    map[nodeKey]int
	records []Record

	dirty  bool
	idents []Identity
	byRoot map[nodeKey]int
}

// NewGraph returns an empty graph.
func NewGraph() *Graph {
	return &Graph{
		parent: make(map[nodeKey]nodeKey),
		size:   make(map[nodeKey]int),
	}
}

// Rebuild replays records into a fresh graph. Records that cannot be
// ingested are returned alongside the graph instead of aborting.
func Rebuild(records []Record) (*Graph, []error) {
	g := NewGraph()
	var errs []error
	for _, r := range records {
		if err := g.Upsert(r); err != nil {
			errs = append(errs, err)
		}
	}
	return g, errs
}

// Upsert merges a record into the identity sharing any of its IDs, or
// creates a new identity. IDs it carries together are linked.
func (g *Graph) Upsert(r Record) error {
	keys := r.keys()
	if len(keys) == 0 {
		return fmt.Errorf("%s record: %w", r.Source, ErrEmptyRecord)
	}
	r.ImagingID = r.ID(NamespaceImaging)
	r.BaselineID = r.ID(NamespaceBaseline)
	r.InterviewID = r.ID(NamespaceInterview)
	r.Indicators = append([]Indicator(nil), r.Indicators...)
	r.KeywordHits = append([]KeywordHit(nil), r.KeywordHits...)

	for _, k := range keys {
		g.add(k)
	}
	for _, k := range keys[1:] {
		g.union(keys[0], k)
	}
	g.records = append(g.records, r)
	g.dirty = true
	return nil
}

func (g *Graph) add(k nodeKey) {
	if _, ok := g.parent[k]; ok {
		return
	}
	g.parent[k] = k
	g.size[k] = 1
}

func (g *Graph) find(k nodeKey) nodeKey {
	root := k
	for g.parent[root] != root {
		root = g.parent[root]
	}
	for k != root {
		next := g.parent[k]
		g.parent[k] = root
		k = next
	}
	return root
}

func (g *Graph) union(a, b nodeKey) {
	ra, rb := g.find(a), g.find(b)
	if ra == rb {
		return
	}
	if g.size[ra] < g.size[rb] {
		ra, rb = rb, ra
	}
	g.parent[rb] = ra
	g.size[ra] += g.size[rb]
	delete(g.size, rb)
}

// Len returns the number of identities.
func (g *Graph) Len() int {
	g.build()
	return len(g.idents)
}

// Records returns the ingested records in ingestion order.
func (g *Graph) Records() []Record {
	out := make([]Record, len(g.records))
	copy(out, g.records)
	return out
}

// Identities returns every identity ordered by Key.
func (g *Graph) Identities() []Identity {
	g.build()
	out := make([]Identity, len(g.idents))
	for i, id := range g.idents {
		out[i] = id.clone()
	}
	return out
}

// Lookup returns the identity holding id in namespace ns. id is trimmed
// the same way Upsert trims record IDs.
func (g *Graph) Lookup(ns Namespace, id string) (Identity, bool) {
	k := nodeKey{ns: ns, id: strings.TrimSpace(id)}
	if _, ok := g.parent[k]; !ok {
		return Identity{}, false
	}
	g.build()
	return g.idents[g.byRoot[g.find(k)]].clone(), true
}

// IDsWithoutNamespace lists identities lacking any ID in ns.
func (g *Graph) IDsWithoutNamespace(ns Namespace) []Identity {
	g.build()
	var out []Identity
	for _, id := range g.idents {
		if !id.Has(ns) {
			out = append(out, id.clone())
		}
	}
	return out
}

// NamespaceRecordsUnlinked lists raw records carrying an ID in ns whose
// identity never gained an ID in any other namespace. Ordered by that ID
// then source.
func (g *Graph) NamespaceRecordsUnlinked(ns Namespace) []Record {
	g.build()
	var out []Record
	for _, r := range g.records {
		id := r.ID(ns)
		if id == "" {
			continue
		}
		ident := g.idents[g.byRoot[g.find(nodeKey{ns: ns, id: id})]]
		linked := false
		for _, other := range Namespaces {
			if other != ns && ident.Has(other) {
				linked = true
				break
			}
		}
		if !linked {
			out = append(out, r)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if a, b := out[i].ID(ns), out[j].ID(ns); a != b {
			return a < b
		}
		return out[i].Source < out[j].Source
	})
	return out
}

// Conflicts lists every namespace in which an identity holds more than one
// distinct ID.
func (g *Graph) Conflicts() []ConflictError {
	g.build()
	var out []ConflictError
	for _, id := range g.idents {
		for _, ns := range Namespaces {
			if vals := id.IDs[ns]; len(vals) > 1 {
				out = append(out, ConflictError{
					Identity:  id.Key,
					Namespace: ns,
					Values:    append([]string(nil), vals...),
				})
			}
		}
	}
	return out
}

type accumulator struct {
	min        nodeKey
	ids        map[Namespace]map[string]struct{}
	cohorts    map[string]struct{}
	indicators map[Indicator]struct{}
	hits       map[KeywordHit]struct{}
	dates      map[string]struct{}
	sources    map[string]struct{}
}

func newAccumulator(k nodeKey) *accumulator {
	return &accumulator{
		min:        k,
		ids:        make(map[Namespace]map[string]struct{}),
		cohorts:    make(map[string]struct{}),
		indicators: make(map[Indicator]struct{}),
		hits:       make(map[KeywordHit]struct{}),
		dates:      make(map[string]struct{}),
		sources:    make(map[string]struct{}),
	}
}

// build materialises identities from the forest. Every field is derived
// from sets so the result does not depend on ingestion order.
func (g *Graph) build() {
	if !g.dirty && g.idents != nil {
		return
	}
	acc := make(map[nodeKey]*accumulator)
	for k := range g.parent {
		root := g.find(k)
		a, ok := acc[root]
		if !ok {
			a = newAccumulator(k)
			acc[root] = a
		}
		if k.less(a.min) {
			a.min = k
		}
		if a.ids[k.ns] == nil {
			a.ids[k.ns] = make(map[string]struct{})
		}
		a.ids[k.ns][k.id] = struct{}{}
	}
	for _, r := range g.records {
		a := acc[g.find(r.keys()[0])]
		if r.Cohort != "" {
			a.cohorts[r.Cohort] = struct{}{}
		}
		for _, ind := range r.Indicators {
			a.indicators[ind] = struct{}{}
		}
		for _, h := range r.KeywordHits {
			a.hits[h] = struct{}{}
		}
		if r.InterviewDate != "" {
			a.dates[r.InterviewDate] = struct{}{}
		}
		a.sources[r.Source] = struct{}{}
	}

	idents := make([]Identity, 0, len(acc))
	roots := make([]nodeKey, 0, len(acc))
	for root, a := range acc {
		ident := Identity{
			Key:     a.min.String(),
			IDs:     make(map[Namespace][]string, len(a.ids)),
			Cohorts: sortedKeys(a.cohorts),
			Dates:   sortedKeys(a.dates),
			Sources: sortedKeys(a.sources),
		}
		for ns, set := range a.ids {
			ident.IDs[ns] = sortedKeys(set)
		}
		for ind := range a.indicators {
			ident.Indicators = append(ident.Indicators, ind)
		}
		sort.Slice(ident.Indicators, func(i, j int) bool {
			if ident.Indicators[i].Name != ident.Indicators[j].Name {
				return ident.Indicators[i].Name < ident.Indicators[j].Name
			}
			return ident.Indicators[i].Value < ident.Indicators[j].Value
		})
		for h := range a.hits {
			ident.KeywordHits = append(ident.KeywordHits, h)
		}
		sort.Slice(ident.KeywordHits, func(i, j int) bool {
			if ident.KeywordHits[i].Field != ident.KeywordHits[j].Field {
				return ident.KeywordHits[i].Field < ident.KeywordHits[j].Field
			}
			return ident.KeywordHits[i].Text < ident.KeywordHits[j].Text
		})
		idents = append(idents, ident)
		roots = append(roots, root)
	}

	order := make([]int, len(idents))
	for i := range order {
		order[i] = i
	}
	sort.Slice(order, func(i, j int) bool { return idents[order[i]].Key < idents[order[j]].Key })
	g.idents = make([]Identity, len(idents))
	g.byRoot = make(map[nodeKey]int, len(idents))
	for pos, idx := range order {
		g.idents[pos] = idents[idx]
		g.byRoot[roots[idx]] = pos
	}
	g.dirty = false
}
