package category

import (
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog"
)

// AppID identifies an application (package name or bundle id).
type AppID string

// Categorizer resolves the category of an app. Unknown apps map to Other.
type Categorizer interface {
	CategoryOf(app AppID) Category
}

// StaticCategorizer resolves categories from a fixed app table.
// Entries ending in '*' match by prefix.
type StaticCategorizer struct {
	exact    map[AppID]Category
	prefixes map[string]Category
}

// NewStaticCategorizer builds a categorizer from app -> category name.
func NewStaticCategorizer(apps map[string]string) (*StaticCategorizer, error) {
	s := &StaticCategorizer{
		exact:    make(map[AppID]Category),
		prefixes: make(map[string]Category),
	}
	for app, name := range apps {
		c, err := Parse(name)
		if err != nil {
			return nil, err
		}
		if strings.HasSuffix(app, "*") {
			s.prefixes[strings.TrimSuffix(app, "*")] = c
			continue
		}
		s.exact[AppID(app)] = c
	}
	return s, nil
}

// CategoryOf implements Categorizer.
func (s *StaticCategorizer) CategoryOf(app AppID) Category {
	if c, ok := s.exact[app]; ok {
		return c
	}
	best := ""
	result := Other
	for prefix, c := range s.prefixes {
		if strings.HasPrefix(string(app), prefix) && len(prefix) > len(best) {
			best = prefix
			result = c
		}
	}
	return result
}

// CachedCategorizer memoizes lookups of a slower Categorizer in an LRU.
type CachedCategorizer struct {
	next  Categorizer
	cache *lru.Cache[AppID, Category]
}

// NewCachedCategorizer wraps next with an LRU cache of the given size.
func NewCachedCategorizer(next Categorizer, size int, logger zerolog.Logger) (*CachedCategorizer, error) {
	if size <= 0 {
		size = 512
	}
	cache, err := lru.New[AppID, Category](size)
	if err != nil {
		return nil, err
	}
	logger.Debug().Str("component", "categorizer").Int("size", size).Msg("Category cache initialized")
	return &CachedCategorizer{next: next, cache: cache}, nil
}

// CategoryOf implements Categorizer.
func (c *CachedCategorizer) CategoryOf(app AppID) Category {
	if cat, ok := c.cache.Get(app); ok {
		return cat
	}
	cat := c.next.CategoryOf(app)
	c.cache.Add(app, cat)
	return cat
}

// Purge drops all cached entries.
func (c *CachedCategorizer) Purge() {
	c.cache.Purge()
}
