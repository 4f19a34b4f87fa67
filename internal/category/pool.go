package category

// Pools groups categories that share one limit. Usage of every member of a
// pool is summed before it is compared against the pool's ceiling.
type Pools struct {
	byCategory map[Category]string
}

// NewPools builds pools from category -> pool name. Categories without a pool
// form a pool of their own.
func NewPools(assign map[Category]string) Pools {
	p := Pools{byCategory: make(map[Category]string, len(assign))}
	for c, name := range assign {
		if name != "" {
			p.byCategory[c] = name
		}
	}
	return p
}

// Members returns every category that shares a pool with c, including c.
func (p Pools) Members(c Category) []Category {
	name, ok := p.byCategory[c]
	if !ok {
		return []Category{c}
	}
	members := make([]Category, 0, len(All))
	for _, other := range All {
		if p.byCategory[other] == name {
			members = append(members, other)
		}
	}
	return members
}

// Sum adds up values for all members of c's pool.
func (p Pools) Sum(c Category, values map[Category]float64) float64 {
	var total float64
	for _, m := range p.Members(c) {
		total += values[m]
	}
	return total
}
