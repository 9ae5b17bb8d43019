package state

import "fmt"

// BackendConfig selects where state records are persisted.
type BackendConfig struct {
	Type   string            `json:"type"` // "local" or "s3"
	Config map[string]string `json:"config"`
}

// NewStore creates a state store from backend configuration.
func NewStore(cfg *BackendConfig) (Store, error) {
	if cfg == nil {
		return nil, fmt.Errorf("backend configuration is nil")
	}

	switch cfg.Type {
	case "local", "":
		dir := cfg.Config["dir"]
		if dir == "" {
			return nil, fmt.Errorf("local backend requires 'dir' configuration")
		}
		return NewDirStore(dir), nil
	case "s3":
		return newS3Store(cfg.Config)
	default:
		return nil, fmt.Errorf("unknown backend type: %s", cfg.Type)
	}
}
