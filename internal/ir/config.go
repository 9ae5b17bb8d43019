package ir

// Config represents the top-level declaration.
type Config struct {
	Providers map[string]map[string]string `pkl:"providers" json:"providers,omitempty"`
	Resources []*Resource                  `pkl:"resources" json:"resources"`
	Outputs   map[string]any               `pkl:"outputs" json:"outputs"`
}
