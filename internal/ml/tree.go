package ml

import (
	"fmt"
	"math"
	"sort"

	"github.com/goodtune/klimit/internal/category"
)

// Tree defaults.
const (
	DefaultMinLeafSize = 5
	DefaultMaxDepth    = 8
)

// TreeConfig bounds tree growth.
type TreeConfig struct {
	MinLeafSize int
	MaxDepth    int
}

func (c TreeConfig) withDefaults() TreeConfig {
	if c.MinLeafSize <= 0 {
		c.MinLeafSize = DefaultMinLeafSize
	}
	if c.MaxDepth <= 0 {
		c.MaxDepth = DefaultMaxDepth
	}
	return c
}

// Node is one node of a decision tree. Every node carries its majority
// label so that prediction can stop at a missing branch.
//
// Numeric splits send value <= Threshold left; category splits send the
// matching category left.
type Node struct {
	Label      bool               `json:"label"`
	Confidence float64            `json:"confidence"`
	Samples    int                `json:"samples"`
	Feature    string             `json:"feature,omitempty"`
	Threshold  float64            `json:"threshold,omitempty"`
	Category   *category.Category `json:"category,omitempty"`
	Left       *Node              `json:"left,omitempty"`
	Right      *Node              `json:"right,omitempty"`
}

// IsLeaf reports whether n has no split.
func (n *Node) IsLeaf() bool {
	return n.Feature == ""
}

// Tree is a trained ID3-style binary decision tree.
type Tree struct {
	Root *Node `json:"root"`
}

// Fit grows a tree over rows.
func Fit(rows []Row, cfg TreeConfig) (*Tree, error) {
	if len(rows) == 0 {
		return nil, fmt.Errorf("cannot fit a tree on zero rows")
	}
	cfg = cfg.withDefaults()
	return &Tree{Root: grow(rows, 0, cfg)}, nil
}

func grow(rows []Row, depth int, cfg TreeConfig) *Node {
	pos := countPositive(rows)
	n := leaf(pos, len(rows))

	if pos == 0 || pos == len(rows) || depth >= cfg.MaxDepth || len(rows) < 2*cfg.MinLeafSize {
		return n
	}

	s, ok := bestSplit(rows, cfg.MinLeafSize)
	if !ok {
		return n
	}

	left, right := partition(rows, s)
	n.Feature = s.feature
	n.Threshold = s.threshold
	n.Category = s.category
	n.Left = grow(left, depth+1, cfg)
	n.Right = grow(right, depth+1, cfg)
	return n
}

func leaf(pos, total int) *Node {
	label := pos*2 > total
	majority := total - pos
	if label {
		majority = pos
	}
	return &Node{
		Label:      label,
		Confidence: float64(majority) / float64(total),
		Samples:    total,
	}
}

type split struct {
	feature   string
	threshold float64
	category  *category.Category
	gain      float64
}

func (s split) goesLeft(f Features) bool {
	if s.feature == FeatureCategory {
		return f.Category == *s.category
	}
	return f.numeric(s.feature) <= s.threshold
}

func partition(rows []Row, s split) (left, right []Row) {
	for _, r := range rows {
		if s.goesLeft(r.Features) {
			left = append(left, r)
		} else {
			right = append(right, r)
		}
	}
	return left, right
}

// bestSplit picks the split with the highest information gain whose sides
// both hold at least minLeaf rows.
func bestSplit(rows []Row, minLeaf int) (split, bool) {
	parent := entropy(countPositive(rows), len(rows))
	var best split
	found := false

	consider := func(s split) {
		var lp, ln, rp, rn int
		for _, r := range rows {
			if s.goesLeft(r.Features) {
				ln++
				if r.Label {
					lp++
				}
			} else {
				rn++
				if r.Label {
					rp++
				}
			}
		}
		if ln < minLeaf || rn < minLeaf {
			return
		}
		total := float64(len(rows))
		s.gain = parent - float64(ln)/total*entropy(lp, ln) - float64(rn)/total*entropy(rp, rn)
		if s.gain > 1e-12 && (!found || s.gain > best.gain) {
			best = s
			found = true
		}
	}

	for _, c := range distinctCategories(rows) {
		consider(split{feature: FeatureCategory, category: &c})
	}
	for _, name := range numericFeatures {
		for _, t := range midpoints(rows, name) {
			consider(split{feature: name, threshold: t})
		}
	}
	return best, found
}

func distinctCategories(rows []Row) []category.Category {
	seen := make(map[category.Category]bool)
	var out []category.Category
	for _, r := range rows {
		if !seen[r.Category] {
			seen[r.Category] = true
			out = append(out, r.Category)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// midpoints returns the candidate thresholds between sorted distinct values.
func midpoints(rows []Row, name string) []float64 {
	values := make([]float64, 0, len(rows))
	for _, r := range rows {
		values = append(values, r.numeric(name))
	}
	sort.Float64s(values)

	var out []float64
	for i := 1; i < len(values); i++ {
		if values[i] != values[i-1] {
			out = append(out, (values[i]+values[i-1])/2)
		}
	}
	return out
}

func countPositive(rows []Row) int {
	n := 0
	for _, r := range rows {
		if r.Label {
			n++
		}
	}
	return n
}

func entropy(pos, total int) float64 {
	if total == 0 || pos == 0 || pos == total {
		return 0
	}
	p := float64(pos) / float64(total)
	q := 1 - p
	return -p*math.Log2(p) - q*math.Log2(q)
}

// Predict returns the label and the leaf confidence for f.
func (t *Tree) Predict(f Features) (bool, float64) {
	n := t.Root
	for n != nil && !n.IsLeaf() {
		next := n.Right
		if (split{feature: n.Feature, threshold: n.Threshold, category: n.Category}).goesLeft(f) {
			next = n.Left
		}
		if next == nil {
			break
		}
		n = next
	}
	if n == nil {
		return false, 0
	}
	return n.Label, n.Confidence
}

// Depth returns the depth of the deepest leaf.
func (t *Tree) Depth() int {
	var walk func(*Node) int
	walk = func(n *Node) int {
		if n == nil || n.IsLeaf() {
			return 0
		}
		return 1 + max(walk(n.Left), walk(n.Right))
	}
	return walk(t.Root)
}

// validate checks structural sanity of a decoded tree.
func (t *Tree) validate() error {
	if t.Root == nil {
		return fmt.Errorf("tree has no root")
	}
	var walk func(*Node, int) error
	walk = func(n *Node, depth int) error {
		if n.Confidence < 0 || n.Confidence > 1 || math.IsNaN(n.Confidence) {
			return fmt.Errorf("node confidence %v out of range", n.Confidence)
		}
		if depth > 64 {
			return fmt.Errorf("tree deeper than 64")
		}
		if n.IsLeaf() {
			return nil
		}
		switch n.Feature {
		case FeatureCategory:
			if n.Category == nil {
				return fmt.Errorf("category split without category")
			}
		case FeatureDailyMinutes, FeatureSessionMinutes, FeatureHourOfDay:
		default:
			return fmt.Errorf("unknown feature %q", n.Feature)
		}
		for _, child := range []*Node{n.Left, n.Right} {
			if child == nil {
				continue
			}
			if err := walk(child, depth+1); err != nil {
				return err
			}
		}
		return nil
	}
	return walk(t.Root, 0)
}
