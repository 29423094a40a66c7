package mesher

import "github.com/godaddy/netmet/internal/netmet"

// Plugin computes per-client task lists from a config's clients and
// external targets. Plugin-specific options are opaque JSON carried on
// ServerConfig.Mesher.Options.
type Plugin interface {
	// Name identifies the plugin in ServerConfig.Mesher.Plugin.
	Name() string
	// Schema describes the plugin's accepted options, for boundary
	// validation (owned by the HTTP layer, not this package).
	Schema() map[string]any
	// Mesh computes the task list for every client.
	Mesh(opts map[string]any, clients []netmet.ClientEndpoint, external []netmet.ExternalTarget) (map[string][]netmet.Task, error)
}

// registry maps plugin name to implementation. FullMesh is the only
// built-in plugin.
var registry = map[string]Plugin{}

// Register adds a plugin to the registry. Called from init() by each
// plugin implementation.
func Register(p Plugin) {
	registry[p.Name()] = p
}

// Lookup returns the named plugin, or ok=false if unknown.
func Lookup(name string) (Plugin, bool) {
	p, ok := registry[name]
	return p, ok
}

func init() {
	Register(&FullMesh{})
}
