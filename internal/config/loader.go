package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"strings"

	"github.com/kelseyhightower/envconfig"
)

const (
	// ConfigDir is the default config directory name.
	ConfigDir = ".hopover"
	// ConfigFile is the default config file name.
	ConfigFile = "config.json"
)

// ConfigPath returns the config file location: HOPOVER_CONFIG when set,
// otherwise config.json under the hopover home.
func ConfigPath() (string, error) {
	if explicit := strings.TrimSpace(os.Getenv("HOPOVER_CONFIG")); explicit != "" {
		return expandHome(explicit)
	}
	home, err := resolveHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ConfigDir, ConfigFile), nil
}

// resolveHomeDir is HOPOVER_HOME when set, otherwise the user's home.
func resolveHomeDir() (string, error) {
	if h := strings.TrimSpace(os.Getenv("HOPOVER_HOME")); h != "" {
		return expandHome(h)
	}
	return os.UserHomeDir()
}

// expandHome replaces a leading "~" with the user's home directory.
func expandHome(p string) (string, error) {
	rest, ok := strings.CutPrefix(p, "~")
	if !ok {
		return p, nil
	}
	base, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(base, rest), nil
}

// envPrefix is prepended to every tag. Tags carry their group name, so the
// unprefixed fallback envconfig also consults is SLACK_ENABLED, not ENABLED.
const envPrefix = "HOPOVER"

// envGroups lists the config groups read from the environment.
func envGroups(cfg *Config) []any {
	return []any{
		&cfg.Paths,
		&cfg.Log,
		&cfg.Store,
		&cfg.Secrets,
		&cfg.Session,
		&cfg.Migration,
		&cfg.Migration.Gate,
		&cfg.Workflow,
		&cfg.Progress,
		&cfg.Adoption,
		&cfg.Automation,
		&cfg.Notify,
		&cfg.Slack,
		&cfg.WhatsApp,
		&cfg.Kafka,
		&cfg.Scheduler,
	}
}

// Load loads the configuration from file and environment variables.
// Priority: environment > file > defaults.
func Load() (*Config, error) {
	cfg := DefaultConfig()

	// Load process env vars from ~/.config/hopover/env (and fallbacks) first.
	LoadEnvFileCandidates()

	path, err := ConfigPath()
	if err != nil {
		return cfg, nil // Use defaults if we can't find config path
	}
	data, err := loadResolvedConfig(path)
	if err == nil {
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config %s: %w", path, err)
		}
	} else if !os.IsNotExist(err) {
		return nil, err
	}

	for _, spec := range envGroups(cfg) {
		if err := envconfig.Process(envPrefix, spec); err != nil {
			return nil, fmt.Errorf("config env: %w", err)
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save writes the configuration to the config file.
func Save(cfg *Config) error {
	path, err := ConfigPath()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0600)
}

// placeholder matches ${NAME} references in string values.
var placeholder = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// loadResolvedConfig reads path with its $include files merged underneath
// and ${NAME} placeholders replaced, and returns the result as JSON.
func loadResolvedConfig(path string) ([]byte, error) {
	r := &includeResolver{}
	doc, err := r.resolve(path)
	if err != nil {
		return nil, err
	}
	expandPlaceholders(doc)
	return json.Marshal(doc)
}

// includeResolver follows $include chains. open holds the files currently
// being resolved so a cycle is reported instead of recursing forever.
type includeResolver struct {
	open []string
}

func (r *includeResolver) resolve(path string) (map[string]any, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	if slices.Contains(r.open, abs) {
		return nil, fmt.Errorf("config include cycle: %s -> %s", strings.Join(r.open, " -> "), abs)
	}
	r.open = append(r.open, abs)
	defer func() { r.open = r.open[:len(r.open)-1] }()

	data, err := os.ReadFile(abs)
	if err != nil {
		if len(r.open) > 1 && os.IsNotExist(err) {
			return nil, fmt.Errorf("config include %s: %w", abs, err)
		}
		return nil, err
	}
	var doc map[string]any
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("config %s: %w", abs, err)
	}
	if doc == nil {
		doc = map[string]any{}
	}

	includes, err := includeList(doc["$include"])
	if err != nil {
		return nil, fmt.Errorf("config %s: %w", abs, err)
	}
	delete(doc, "$include")

	// Included files form the base; the including file wins on conflicts.
	base := map[string]any{}
	for _, inc := range includes {
		if inc, err = expandHome(inc); err != nil {
			return nil, err
		}
		if !filepath.IsAbs(inc) {
			inc = filepath.Join(filepath.Dir(abs), inc)
		}
		sub, err := r.resolve(inc)
		if err != nil {
			return nil, err
		}
		mergeInto(base, sub)
	}
	mergeInto(base, doc)
	return base, nil
}

// includeList accepts a single path or a list of paths.
func includeList(v any) ([]string, error) {
	switch t := v.(type) {
	case nil:
		return nil, nil
	case string:
		if t = strings.TrimSpace(t); t == "" {
			return nil, nil
		}
		return []string{t}, nil
	case []any:
		paths := make([]string, 0, len(t))
		for _, item := range t {
			p, ok := item.(string)
			if !ok {
				return nil, fmt.Errorf("$include: expected string, got %T", item)
			}
			if p = strings.TrimSpace(p); p != "" {
				paths = append(paths, p)
			}
		}
		return paths, nil
	default:
		return nil, fmt.Errorf("$include: expected string or list, got %T", v)
	}
}

// mergeInto overlays src onto dst. Objects merge key by key; any other
// value in src replaces the one in dst.
func mergeInto(dst, src map[string]any) {
	for k, v := range src {
		if sub, ok := v.(map[string]any); ok {
			if existing, ok := dst[k].(map[string]any); ok {
				mergeInto(existing, sub)
				continue
			}
			fresh := map[string]any{}
			mergeInto(fresh, sub)
			dst[k] = fresh
			continue
		}
		dst[k] = v
	}
}

// expandPlaceholders replaces ${NAME} in every string of the document in
// place. Unset variables are left as written.
func expandPlaceholders(doc map[string]any) {
	var walk func(v any) any
	walk = func(v any) any {
		switch t := v.(type) {
		case string:
			return placeholder.ReplaceAllStringFunc(t, func(ref string) string {
				if val, ok := os.LookupEnv(ref[2 : len(ref)-1]); ok {
					return val
				}
				return ref
			})
		case map[string]any:
			for k, item := range t {
				t[k] = walk(item)
			}
		case []any:
			for i, item := range t {
				t[i] = walk(item)
			}
		}
		return v
	}
	walk(doc)
}
