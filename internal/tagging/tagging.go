// Package tagging holds the species-count algebra shared by the store, the
// API and the client: delta parsing, add/remove application, diffing two
// count maps and evaluating search predicates.
package tagging

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"

	"golang.org/x/text/unicode/norm"

	"birdnest/internal/models"
)

// Operation selects how a delta list changes stored counts.
type Operation string

const (
	Add    Operation = "add"
	Remove Operation = "remove"
)

// ParseOperation accepts the symbolic names and the legacy numeric flag
// (1 = add, 0 = remove).
func ParseOperation(value string) (Operation, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "add", "1":
		return Add, nil
	case "remove", "0":
		return Remove, nil
	default:
		return "", fmt.Errorf("%w: unknown tag operation %q", models.ErrInvalidInput, value)
	}
}

// UnmarshalJSON decodes either a number or a string operation.
func (o *Operation) UnmarshalJSON(data []byte) error {
	raw := strings.TrimSpace(string(data))
	if raw == "null" || raw == "" {
		return fmt.Errorf("%w: tag operation is required", models.ErrInvalidInput)
	}
	if strings.HasPrefix(raw, `"`) {
		var text string
		if err := json.Unmarshal(data, &text); err != nil {
			return fmt.Errorf("%w: %v", models.ErrInvalidInput, err)
		}
		raw = text
	}
	parsed, err := ParseOperation(raw)
	if err != nil {
		return err
	}
	*o = parsed
	return nil
}

// Valid reports whether o is one of the two variants.
func (o Operation) Valid() bool {
	return o == Add || o == Remove
}

// MaxCount is the largest count a record or predicate may carry. It matches
// the INTEGER columns of the SQL schemas.
const MaxCount = math.MaxInt32

// Delta is one parsed "species,count" entry.
type Delta struct {
	Species string
	Count   int
}

// String renders the wire form.
func (d Delta) String() string {
	return fmt.Sprintf("%s,%d", d.Species, d.Count)
}

// ParseDelta parses "species,count". Whitespace around either part is
// ignored and the count must be a positive integer. The split happens on the
// last comma so species names may contain commas.
func ParseDelta(raw string) (Delta, error) {
	idx := strings.LastIndex(raw, ",")
	if idx < 0 {
		return Delta{}, fmt.Errorf("%w: %q is not species,count", models.ErrMalformedDelta, raw)
	}
	species := NormalizeSpecies(raw[:idx])
	if species == "" {
		return Delta{}, fmt.Errorf("%w: %q has an empty species", models.ErrMalformedDelta, raw)
	}
	count, err := strconv.Atoi(strings.TrimSpace(raw[idx+1:]))
	if err != nil || count <= 0 {
		return Delta{}, fmt.Errorf("%w: %q needs a positive integer count", models.ErrMalformedDelta, raw)
	}
	if count > MaxCount {
		return Delta{}, fmt.Errorf("%w: %q exceeds the maximum count %d", models.ErrMalformedDelta, raw, MaxCount)
	}
	return Delta{Species: species, Count: count}, nil
}

// ParseDeltas parses every entry or fails on the first malformed one.
func ParseDeltas(raw []string) ([]Delta, error) {
	if len(raw) == 0 {
		return nil, fmt.Errorf("%w: at least one tag is required", models.ErrInvalidInput)
	}
	deltas := make([]Delta, 0, len(raw))
	for _, entry := range raw {
		delta, err := ParseDelta(entry)
		if err != nil {
			return nil, err
		}
		deltas = append(deltas, delta)
	}
	return deltas, nil
}

// Apply returns counts with the deltas applied. The input map is not
// modified. Removing a species down to zero or below deletes it.
func Apply(counts models.SpeciesCounts, op Operation, deltas []Delta) (models.SpeciesCounts, error) {
	if !op.Valid() {
		return nil, fmt.Errorf("%w: unknown tag operation %q", models.ErrInvalidInput, op)
	}
	out := counts.Clone()
	for _, delta := range deltas {
		if delta.Species == "" || delta.Count <= 0 || delta.Count > MaxCount {
			return nil, fmt.Errorf("%w: %q", models.ErrMalformedDelta, delta.String())
		}
		switch op {
		case Add:
			if out[delta.Species] > MaxCount-delta.Count {
				return nil, fmt.Errorf("%w: %s would exceed the maximum count %d", models.ErrInvalidInput, delta.Species, MaxCount)
			}
			out[delta.Species] += delta.Count
		case Remove:
			remaining := out[delta.Species] - delta.Count
			if remaining <= 0 {
				delete(out, delta.Species)
				continue
			}
			out[delta.Species] = remaining
		}
	}
	return out, nil
}

// ComputeDiff returns the additions and removals that turn old into updated,
// each sorted by species.
func ComputeDiff(old, updated models.SpeciesCounts) (additions, removals []string) {
	for _, species := range updated.Species() {
		if diff := updated[species] - old[species]; diff > 0 {
			additions = append(additions, Delta{Species: species, Count: diff}.String())
		}
	}
	for _, species := range old.Species() {
		next, ok := updated[species]
		if !ok || next <= 0 {
			removals = append(removals, Delta{Species: species, Count: old[species]}.String())
			continue
		}
		if diff := old[species] - next; diff > 0 {
			removals = append(removals, Delta{Species: species, Count: diff}.String())
		}
	}
	return additions, removals
}

// Matches reports whether counts satisfies every threshold in predicate.
func Matches(counts models.SpeciesCounts, predicate models.SearchPredicate) bool {
	for species, minimum := range predicate {
		if counts[species] < minimum {
			return false
		}
	}
	return true
}

// NormalizeSpecies trims, collapses inner whitespace and applies NFC so that
// visually identical names share one key.
func NormalizeSpecies(name string) string {
	return norm.NFC.String(strings.Join(strings.Fields(name), " "))
}

// NormalizeCounts normalizes species names, merges collisions, drops
// non-positive counts and caps each count at MaxCount.
func NormalizeCounts(counts models.SpeciesCounts) models.SpeciesCounts {
	out := make(models.SpeciesCounts, len(counts))
	for species, count := range counts {
		name := NormalizeSpecies(species)
		if name == "" || count <= 0 {
			continue
		}
		if count > MaxCount-out[name] {
			out[name] = MaxCount
			continue
		}
		out[name] += count
	}
	return out
}

// ValidatePredicate normalizes species names and requires a non-empty
// predicate with positive minimums.
func ValidatePredicate(predicate models.SearchPredicate) (models.SearchPredicate, error) {
	if len(predicate) == 0 {
		return nil, fmt.Errorf("%w: tags required", models.ErrInvalidInput)
	}
	out := make(models.SearchPredicate, len(predicate))
	for species, minimum := range predicate {
		name := NormalizeSpecies(species)
		if name == "" {
			return nil, fmt.Errorf("%w: species name is empty", models.ErrInvalidInput)
		}
		if minimum < 1 {
			return nil, fmt.Errorf("%w: minimum count for %q must be at least 1", models.ErrInvalidInput, name)
		}
		if minimum > MaxCount {
			return nil, fmt.Errorf("%w: minimum count for %q exceeds %d", models.ErrInvalidInput, name, MaxCount)
		}
		if minimum > out[name] {
			out[name] = minimum
		}
	}
	return out, nil
}

// SortedSpecies returns the predicate's species in lexical order.
func SortedSpecies(predicate models.SearchPredicate) []string {
	names := make([]string, 0, len(predicate))
	for species := range predicate {
		names = append(names, species)
	}
	sort.Strings(names)
	return names
}
