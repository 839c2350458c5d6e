package model

// MapVariant adds a variant-restricted table to a map, optionally with its
// own extra questions.
type MapVariant struct {
	Variant   string   `yaml:"variant" json:"variant"`
	Questions []string `yaml:"questions,omitempty" json:"questions,omitempty"`
}

// MapConfig names a reusable map population: one source, the geography
// levels to materialize and the question selection.
type MapConfig struct {
	ID          string       `yaml:"id" json:"id"`
	Name        string       `yaml:"name" json:"name"`
	Description string       `yaml:"description,omitempty" json:"description,omitempty"`
	Source      string       `yaml:"source" json:"source"`
	Geographies []string     `yaml:"geographies" json:"geographies"`
	Questions   []string     `yaml:"questions,omitempty" json:"questions,omitempty"`
	Exclude     []string     `yaml:"exclude,omitempty" json:"exclude,omitempty"`
	Variants    []MapVariant `yaml:"variants,omitempty" json:"variants,omitempty"`
}
