package model

import (
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// Datatype classifies a question's values and selects its statistics.
type Datatype string

// Supported datatypes.
const (
	Continuous  Datatype = "continuous"
	Categorical Datatype = "categorical"
	Boolean     Datatype = "boolean"
	Date        Datatype = "date"
)

// Valid reports whether d is a known datatype.
func (d Datatype) Valid() bool {
	switch d {
	case Continuous, Categorical, Boolean, Date:
		return true
	}
	return false
}

// Stats returns the statistic names computed for d, in output order.
func (d Datatype) Stats() []string {
	switch d {
	case Continuous:
		return []string{"mean", "mode", "min", "first_quartile", "median", "third_quartile", "max", "stddev", "sum", "n"}
	case Categorical:
		return []string{"mode", "n"}
	case Boolean:
		return []string{"count", "percent", "n"}
	case Date:
		return []string{"min", "max", "n"}
	}
	return nil
}

// Question is a statistical indicator computed from one source.
type Question struct {
	ID          string   `yaml:"id" json:"id"`
	Name        string   `yaml:"name" json:"name"`
	Description string   `yaml:"description,omitempty" json:"description,omitempty"`
	Datatype    Datatype `yaml:"datatype" json:"datatype"`
	Format      string   `yaml:"format,omitempty" json:"format,omitempty"`
	Source      string   `yaml:"source" json:"source"`
	ValueSelect string   `yaml:"value_select" json:"-"`
}

// FieldName is the identifier prefix of the question's result keys.
func (q *Question) FieldName() string {
	return Slug(q.ID)
}

// Key returns the result key for stat.
func (q *Question) Key(stat string) string {
	return q.FieldName() + "__" + stat
}

// Slug folds s into a lower-case identifier: accents are dropped and every
// run of other characters becomes a single underscore.
func Slug(s string) string {
	// Chains are stateful and must not be shared across goroutines.
	stripMarks := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	folded, _, err := transform.String(stripMarks, s)
	if err != nil {
		folded = s
	}
	var b strings.Builder
	underscore := false
	for _, r := range strings.ToLower(folded) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
			underscore = false
			continue
		}
		if !underscore && b.Len() > 0 {
			b.WriteByte('_')
			underscore = true
		}
	}
	return strings.TrimRight(b.String(), "_")
}
