package scheduler

import "strings"

// SkillSet canonicalizes skill names and answers relatedness queries.
// Matching everywhere else in the scheduler happens on canonical names,
// so "TS", "ts", and "typescript" all describe the same skill.
type SkillSet struct {
	aliases map[string]string
	related map[string]map[string]bool
}

// NewSkillSet returns a registry seeded with the common
// software-engineering aliases and relations. Callers extend it with
// AddAlias and AddRelated.
func NewSkillSet() *SkillSet {
	s := &SkillSet{
		aliases: make(map[string]string),
		related: make(map[string]map[string]bool),
	}

	for alias, canonical := range map[string]string{
		"ts":       "typescript",
		"js":       "javascript",
		"golang":   "go",
		"py":       "python",
		"k8s":      "kubernetes",
		"postgres": "postgresql",
	} {
		s.AddAlias(alias, canonical)
	}

	for _, pair := range [][2]string{
		{"typescript", "javascript"},
		{"javascript", "react"},
		{"postgresql", "sql"},
		{"kubernetes", "docker"},
	} {
		s.AddRelated(pair[0], pair[1])
	}

	return s
}

// AddAlias maps alias to canonical. Both are lowercased.
func (s *SkillSet) AddAlias(alias, canonical string) {
	s.aliases[clean(alias)] = clean(canonical)
}

// AddRelated declares two canonical skills as related, in both
// directions. Related skills earn partial credit during matching.
func (s *SkillSet) AddRelated(a, b string) {
	a, b = s.Normalize(a), s.Normalize(b)
	if s.related[a] == nil {
		s.related[a] = make(map[string]bool)
	}
	if s.related[b] == nil {
		s.related[b] = make(map[string]bool)
	}
	s.related[a][b] = true
	s.related[b][a] = true
}

// Normalize lowercases, trims, and resolves aliases to the canonical
// skill name.
func (s *SkillSet) Normalize(skill string) string {
	c := clean(skill)
	if canonical, ok := s.aliases[c]; ok {
		return canonical
	}
	return c
}

// Related reports whether two skills are declared related. Exact
// matches are not related, they are equal.
func (s *SkillSet) Related(a, b string) bool {
	return s.related[s.Normalize(a)][s.Normalize(b)]
}

func clean(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}
