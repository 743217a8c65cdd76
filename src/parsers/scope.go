// src/parsers/scope.go
package parsers

import (
	"encoding/json"
	"fmt"
	"os"
	"regexp"
	"strings"

	"github.com/username/cashledger/src/models"
)

// scopeTagRe captures a leading "[SCOPE] rest" bracket. (?s) lets the rest
// span newlines so tagged bulk lists stay intact.
var scopeTagRe = regexp.MustCompile(`(?s)^\s*\[(.+?)\]\s*(.*)$`)

// ExtractScopeTag splits "[УЗ] поступили 5000 usdt" into its tag and the
// remaining text. Texts without a leading bracket come back unchanged.
func ExtractScopeTag(text string) (tag, rest string) {
	m := scopeTagRe.FindStringSubmatch(text)
	if m == nil {
		return "", text
	}
	return strings.TrimSpace(m[1]), strings.TrimSpace(m[2])
}

// ScopeResolver maps human-typed scope tags to registered scopes: alias
// normalization first, then fuzzy matching against registered names.
type ScopeResolver struct {
	aliases map[string]string // folded alias -> canonical name
}

const minScopeScore = 20

func NewScopeResolver(aliases map[string]string) *ScopeResolver {
	r := &ScopeResolver{aliases: make(map[string]string, len(aliases))}
	for alias, name := range aliases {
		r.aliases[Fold(alias)] = name
	}
	return r
}

// LoadScopeAliases reads the external alias file ({"уз": "Узбекистан", ...}).
func LoadScopeAliases(path string) (map[string]string, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading scope aliases: %w", err)
	}
	var aliases map[string]string
	if err := json.Unmarshal(raw, &aliases); err != nil {
		return nil, fmt.Errorf("parsing scope aliases %s: %w", path, err)
	}
	for alias, name := range aliases {
		if strings.TrimSpace(alias) == "" || strings.TrimSpace(name) == "" {
			return nil, fmt.Errorf("invalid scope aliases %s: empty alias or name", path)
		}
	}
	return aliases, nil
}

// CanonicalName resolves a tag through the alias table; unknown tags pass
// through trimmed.
func (r *ScopeResolver) CanonicalName(tag string) string {
	if name, ok := r.aliases[Fold(tag)]; ok {
		return name
	}
	return strings.TrimSpace(tag)
}

// Resolve finds the registered scope a tag refers to. Exact name match wins
// outright; otherwise containment of the tag in a name scores 100+len(tag),
// else shared words score 10 each; totals below the threshold resolve to
// nothing.
func (r *ScopeResolver) Resolve(tag string, scopes []models.ScopeInfo) (string, bool) {
	wanted := normScopeName(r.CanonicalName(tag))
	if wanted == "" {
		return "", false
	}

	bestID := ""
	bestScore := 0
	for _, sc := range scopes {
		n := normScopeName(sc.Name)
		if n == wanted {
			return sc.ID, true
		}
		score := 0
		if strings.Contains(n, wanted) {
			score = 100 + len(wanted)
		} else {
			score = 10 * sharedWords(wanted, n)
		}
		if score > bestScore {
			bestScore = score
			bestID = sc.ID
		}
	}
	if bestScore < minScopeScore {
		return "", false
	}
	return bestID, true
}

func normScopeName(s string) string {
	return strings.Join(strings.Fields(Fold(s)), " ")
}

func sharedWords(a, b string) int {
	aw := strings.Fields(a)
	bw := make(map[string]struct{})
	for _, w := range strings.Fields(b) {
		bw[w] = struct{}{}
	}
	seen := make(map[string]struct{})
	common := 0
	for _, w := range aw {
		if _, dup := seen[w]; dup {
			continue
		}
		seen[w] = struct{}{}
		if _, ok := bw[w]; ok {
			common++
		}
	}
	return common
}
