// Package match resolves free text against a set of names.
//
// An exact match (after case and accent folding) always wins. Otherwise the
// query is matched fuzzily; several hits come back as a disambiguation menu
// whose options are complete commands the user can send back.
package match

import (
	"strings"
	"unicode"

	"github.com/sahilm/fuzzy"
	"golang.org/x/text/cases"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"

	"github.com/BTreeMap/TaskPipe/internal/models"
)

// Kind classifies a match result.
type Kind string

const (
	// None means nothing matched.
	None Kind = "none"
	// Exact means one name equals the query.
	Exact Kind = "exact"
	// Unique means a single name matched fuzzily.
	Unique Kind = "unique"
	// Multiple means several names matched.
	Multiple Kind = "multiple"
)

// MsgPickOne heads a disambiguation menu.
const MsgPickOne = "I found more than one match. Which one did you mean?"

// Result holds the indexes into the candidate list that matched, best first.
type Result struct {
	Kind    Kind
	Indexes []int
}

// Index returns the single matched index for Exact and Unique results.
func (r Result) Index() (int, bool) {
	if (r.Kind == Exact || r.Kind == Unique) && len(r.Indexes) == 1 {
		return r.Indexes[0], true
	}
	return -1, false
}

// Normalize folds case, strips accents and collapses whitespace.
func Normalize(s string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	stripped, _, err := transform.String(t, s)
	if err != nil {
		stripped = s
	}
	folded := cases.Fold().String(stripped)
	return strings.Join(strings.Fields(folded), " ")
}

// Find matches query against names.
func Find(query string, names []string) Result {
	q := Normalize(query)
	if q == "" || len(names) == 0 {
		return Result{Kind: None}
	}

	normalized := make([]string, len(names))
	var exact []int
	for i, name := range names {
		normalized[i] = Normalize(name)
		if normalized[i] == q {
			exact = append(exact, i)
		}
	}
	switch len(exact) {
	case 0:
	case 1:
		return Result{Kind: Exact, Indexes: exact}
	default:
		return Result{Kind: Multiple, Indexes: exact}
	}

	matches := fuzzy.Find(q, normalized)
	switch len(matches) {
	case 0:
		return Result{Kind: None}
	case 1:
		return Result{Kind: Unique, Indexes: []int{matches[0].Index}}
	}
	indexes := make([]int, len(matches))
	for i, m := range matches {
		indexes[i] = m.Index
	}
	return Result{Kind: Multiple, Indexes: indexes}
}

// MenuOptions formats one "<command> <name>" option per name.
func MenuOptions(command string, names []string) []string {
	opts := make([]string, 0, len(names))
	for _, name := range names {
		opts = append(opts, command+" "+name)
	}
	return opts
}

// Menu builds the disambiguation reply for the matched indexes.
func Menu(command string, names []string, r Result) models.CommandResult {
	picked := make([]string, 0, len(r.Indexes))
	for _, i := range r.Indexes {
		picked = append(picked, names[i])
	}
	return models.Choose(MsgPickOne, MenuOptions(command, picked)...)
}

// Pick resolves a pre-filtered candidate list. With exactly one candidate it
// returns it; with none it returns a Fail reply carrying notFound; with
// several a disambiguation menu for command.
func Pick[T any](command string, candidates []T, name func(T) string, notFound string) (T, models.CommandResult, bool) {
	var zero T
	switch len(candidates) {
	case 0:
		return zero, models.Fail(notFound), false
	case 1:
		return candidates[0], models.CommandResult{}, true
	}
	names := make([]string, len(candidates))
	for i, c := range candidates {
		names[i] = name(c)
	}
	return zero, models.Choose(MsgPickOne, MenuOptions(command, names)...), false
}
