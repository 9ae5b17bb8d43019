package cli

import (
	"github.com/terrane-io/terrane/internal/provider"
	"github.com/terrane-io/terrane/providers/aws"
	"github.com/terrane-io/terrane/providers/null"
)

// registerBuiltins wires the built-in provider factories. Registration lives
// here rather than in the registry so the engine package never imports
// concrete providers.
func registerBuiltins(registry *provider.Registry) {
	registry.RegisterFactory("null", func() provider.Interface { return null.New() })
	registry.RegisterFactory("aws", func() provider.Interface { return aws.New() })
}
