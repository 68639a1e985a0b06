// Package sharding holds the minimal rule model the migration engine needs:
// which physical data nodes make up a logical table. Routing algorithms
// live outside this module; Resolver is the boundary to them.
package sharding

import (
	"fmt"
	"strconv"
	"strings"
)

// DataNode is a physical table on a named data source
type DataNode struct {
	DataSource string
	Table      string
}

func (n DataNode) String() string {
	return n.DataSource + "." + n.Table
}

// TableRule maps a logical table onto its actual data nodes
type TableRule struct {
	LogicTable      string   `yaml:"logic_table"`
	ActualDataNodes string   `yaml:"actual_data_nodes"`
	PrimaryKey      string   `yaml:"primary_key"`
	Columns         []string `yaml:"columns"`
}

// Resolver produces the physical data nodes of a logical table
type Resolver interface {
	Resolve(logicTable string) ([]DataNode, error)
}

// StaticResolver resolves from configured rules
type StaticResolver struct {
	nodes map[string][]DataNode
}

// NewStaticResolver parses every rule's data node expression
func NewStaticResolver(rules []TableRule) (*StaticResolver, error) {
	r := &StaticResolver{nodes: make(map[string][]DataNode, len(rules))}
	for _, rule := range rules {
		if rule.LogicTable == "" {
			return nil, fmt.Errorf("logic table is required")
		}
		if _, dup := r.nodes[rule.LogicTable]; dup {
			return nil, fmt.Errorf("duplicate rule for logic table %s", rule.LogicTable)
		}
		nodes, err := ParseDataNodes(rule.ActualDataNodes)
		if err != nil {
			return nil, fmt.Errorf("rule %s: %w", rule.LogicTable, err)
		}
		r.nodes[rule.LogicTable] = nodes
	}
	return r, nil
}

// Resolve implements Resolver
func (r *StaticResolver) Resolve(logicTable string) ([]DataNode, error) {
	nodes, ok := r.nodes[logicTable]
	if !ok {
		return nil, fmt.Errorf("no rule for logic table %s", logicTable)
	}
	return append([]DataNode(nil), nodes...), nil
}

// ParseDataNodes expands a comma separated list of "datasource.table"
// entries. Each entry may contain inline ranges such as ds${0..1}.t_${0..3}
// or enumerations such as ${[a, b]}, expanded as a cartesian product.
func ParseDataNodes(expr string) ([]DataNode, error) {
	var nodes []DataNode
	seen := make(map[DataNode]bool)
	for _, entry := range splitTopLevel(expr) {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		expanded, err := expand(entry)
		if err != nil {
			return nil, err
		}
		for _, e := range expanded {
			ds, table, ok := strings.Cut(e, ".")
			if !ok || ds == "" || table == "" {
				return nil, fmt.Errorf("invalid data node %q, want datasource.table", e)
			}
			node := DataNode{DataSource: ds, Table: table}
			if !seen[node] {
				seen[node] = true
				nodes = append(nodes, node)
			}
		}
	}
	if len(nodes) == 0 {
		return nil, fmt.Errorf("no data nodes in %q", expr)
	}
	return nodes, nil
}

// splitTopLevel splits on commas outside ${...}
func splitTopLevel(s string) []string {
	var parts []string
	depth, start := 0, 0
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '{':
			depth++
		case '}':
			depth--
		case ',':
			if depth == 0 {
				parts = append(parts, s[start:i])
				start = i + 1
			}
		}
	}
	return append(parts, s[start:])
}

func expand(s string) ([]string, error) {
	open := strings.Index(s, "${")
	if open < 0 {
		return []string{s}, nil
	}
	end := strings.IndexByte(s[open:], '}')
	if end < 0 {
		return nil, fmt.Errorf("unterminated expression in %q", s)
	}
	end += open

	values, err := segmentValues(s[open+2 : end])
	if err != nil {
		return nil, err
	}
	rest, err := expand(s[end+1:])
	if err != nil {
		return nil, err
	}

	prefix := s[:open]
	out := make([]string, 0, len(values)*len(rest))
	for _, v := range values {
		for _, r := range rest {
			out = append(out, prefix+v+r)
		}
	}
	return out, nil
}

func segmentValues(seg string) ([]string, error) {
	seg = strings.TrimSpace(seg)
	if strings.HasPrefix(seg, "[") && strings.HasSuffix(seg, "]") {
		var values []string
		for _, v := range strings.Split(seg[1:len(seg)-1], ",") {
			v = strings.Trim(strings.TrimSpace(v), `'"`)
			if v != "" {
				values = append(values, v)
			}
		}
		return values, nil
	}

	lo, hi, ok := strings.Cut(seg, "..")
	if !ok {
		return nil, fmt.Errorf("unsupported expression ${%s}", seg)
	}
	from, err := strconv.Atoi(strings.TrimSpace(lo))
	if err != nil {
		return nil, fmt.Errorf("invalid range start in ${%s}: %w", seg, err)
	}
	to, err := strconv.Atoi(strings.TrimSpace(hi))
	if err != nil {
		return nil, fmt.Errorf("invalid range end in ${%s}: %w", seg, err)
	}
	if to < from {
		return nil, fmt.Errorf("empty range ${%s}", seg)
	}
	values := make([]string, 0, to-from+1)
	for i := from; i <= to; i++ {
		values = append(values, strconv.Itoa(i))
	}
	return values, nil
}
