package policy

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// reloadDelay collapses a burst of file events into one reload.
const reloadDelay = 500 * time.Millisecond

// Loader reads request policies from .rego and .json files.
//
// A .rego file is one policy named after the file. Its leading comment
// block is the description and may carry directives:
//
//	# Never crawl login pages.
//	# severity: warning
//	# tags: auth, login
//	# enabled: false
//	package pagepoet.policies.login
//
// A .json file describes a policy with inline Rego or a rego_file relative
// to the JSON file.
type Loader struct {
	logger  zerolog.Logger
	cache   map[string]*Policy
	mu      sync.RWMutex
	watcher *fsnotify.Watcher
}

// NewLoader creates a new policy loader.
func NewLoader(logger zerolog.Logger) *Loader {
	return &Loader{
		logger: logger.With().Str("component", "policy-loader").Logger(),
		cache:  make(map[string]*Policy),
	}
}

// LoadFromPaths loads the policies under every path. Two files defining the
// same policy name are an error.
func (l *Loader) LoadFromPaths(ctx context.Context, paths []string) ([]Policy, error) {
	var policies []Policy
	sources := make(map[string]string)

	for _, path := range paths {
		loaded, err := l.loadPath(ctx, path)
		if err != nil {
			return nil, fmt.Errorf("failed to load policies from %s: %w", path, err)
		}
		for _, p := range loaded {
			src := sourceOf(&p)
			if prev, dup := sources[p.Name]; dup {
				return nil, fmt.Errorf("policy %s defined in both %s and %s", p.Name, prev, src)
			}
			sources[p.Name] = src
			policies = append(policies, p)
		}
	}

	l.logger.Debug().
		Int("policies", len(policies)).
		Strs("paths", paths).
		Msg("Request policies loaded")

	return policies, nil
}

func sourceOf(p *Policy) string {
	if src, ok := p.Metadata["source"].(string); ok {
		return src
	}
	return p.Name
}

// loadPath loads one file, or every policy file below a directory. Broken
// files inside a directory are logged and skipped.
func (l *Loader) loadPath(ctx context.Context, path string) ([]Policy, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}

	if !info.IsDir() {
		policy, err := l.loadFromFile(ctx, path)
		if err != nil {
			return nil, err
		}
		return []Policy{*policy}, nil
	}

	var policies []Policy
	err = filepath.WalkDir(path, func(file string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !isPolicyFile(file) {
			return nil
		}

		policy, err := l.loadFromFile(ctx, file)
		if err != nil {
			l.logger.Warn().Err(err).Str("path", file).Msg("Skipping request policy")
			return nil
		}
		policies = append(policies, *policy)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to walk directory: %w", err)
	}
	return policies, nil
}

func isPolicyFile(path string) bool {
	switch filepath.Ext(path) {
	case ".rego", ".json":
		return true
	}
	return false
}

// loadFromFile parses one policy file. Results are cached by path until the
// watcher sees the file change or ClearCache is called.
func (l *Loader) loadFromFile(_ context.Context, path string) (*Policy, error) {
	l.mu.RLock()
	cached, ok := l.cache[path]
	l.mu.RUnlock()
	if ok {
		return cached, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var policy *Policy
	switch filepath.Ext(path) {
	case ".rego":
		policy, err = parseRegoFile(path, data)
	case ".json":
		policy, err = parseJSONFile(path, data)
	default:
		err = fmt.Errorf("unsupported policy file type: %s", path)
	}
	if err != nil {
		return nil, err
	}

	l.mu.Lock()
	l.cache[path] = policy
	l.mu.Unlock()

	l.logger.Debug().
		Str("path", path).
		Str("policy", policy.Name).
		Str("severity", string(policy.Severity)).
		Msg("Request policy parsed")

	return policy, nil
}

// regoHeader is what the leading comment block of a .rego file declares.
type regoHeader struct {
	description string
	severity    Severity
	tags        []string
	enabled     bool
}

// parseRegoHeader reads the leading comment block. "key: value" lines for
// severity, tags and enabled are directives; other lines form the
// description.
func parseRegoHeader(content string) (regoHeader, error) {
	h := regoHeader{severity: SeverityError, enabled: true}
	var description []string

	for _, line := range strings.Split(content, "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			if len(description) > 0 {
				break
			}
			continue
		}
		if !strings.HasPrefix(trimmed, "#") {
			break
		}

		comment := strings.TrimSpace(strings.TrimPrefix(trimmed, "#"))
		key, value, isDirective := strings.Cut(comment, ":")
		switch key = strings.ToLower(strings.TrimSpace(key)); {
		case isDirective && key == "severity":
			sev, err := parseSeverity(strings.TrimSpace(value))
			if err != nil {
				return h, err
			}
			h.severity = sev
		case isDirective && key == "tags":
			h.tags = splitTags(value)
		case isDirective && key == "enabled":
			h.enabled = strings.TrimSpace(value) != "false"
		case comment == "" || strings.HasPrefix(comment, "package"):
		default:
			description = append(description, comment)
		}
	}

	h.description = strings.Join(description, " ")
	return h, nil
}

// extractDescription returns the description of a .rego file.
func extractDescription(content string) string {
	h, _ := parseRegoHeader(content)
	return h.description
}

func parseSeverity(s string) (Severity, error) {
	switch sev := Severity(strings.ToLower(s)); sev {
	case SeverityInfo, SeverityWarning, SeverityError, SeverityCritical:
		return sev, nil
	case "":
		return SeverityError, nil
	default:
		return "", fmt.Errorf("unknown severity %q", s)
	}
}

func splitTags(s string) []string {
	var tags []string
	for _, t := range strings.Split(s, ",") {
		if t = strings.TrimSpace(t); t != "" {
			tags = append(tags, t)
		}
	}
	return tags
}

func parseRegoFile(path string, data []byte) (*Policy, error) {
	header, err := parseRegoHeader(string(data))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	return &Policy{
		Name:        strings.TrimSuffix(filepath.Base(path), ".rego"),
		Description: header.description,
		Rego:        string(data),
		Severity:    header.severity,
		Enabled:     header.enabled,
		Tags:        append([]string{"request"}, header.tags...),
		Metadata: map[string]interface{}{
			"source": path,
			"format": "rego",
		},
	}, nil
}

// jsonPolicy is the on-disk form of a JSON policy file.
type jsonPolicy struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	Rego        string                 `json:"rego"`
	RegoFile    string                 `json:"rego_file"`
	Severity    string                 `json:"severity"`
	Enabled     *bool                  `json:"enabled"`
	Tags        []string               `json:"tags"`
	Metadata    map[string]interface{} `json:"metadata"`
}

// parseJSONFile parses a JSON policy. Policies are enabled unless the file
// says otherwise.
func parseJSONFile(path string, data []byte) (*Policy, error) {
	var def jsonPolicy
	if err := json.Unmarshal(data, &def); err != nil {
		return nil, fmt.Errorf("failed to parse JSON policy: %w", err)
	}
	if def.Name == "" {
		return nil, fmt.Errorf("JSON policy %s has no name", path)
	}

	switch {
	case def.Rego != "" && def.RegoFile != "":
		return nil, fmt.Errorf("JSON policy %s sets both rego and rego_file", def.Name)
	case def.RegoFile != "":
		file := def.RegoFile
		if !filepath.IsAbs(file) {
			file = filepath.Join(filepath.Dir(path), file)
		}
		rego, err := os.ReadFile(file)
		if err != nil {
			return nil, fmt.Errorf("JSON policy %s: %w", def.Name, err)
		}
		def.Rego = string(rego)
	}

	severity, err := parseSeverity(def.Severity)
	if err != nil {
		return nil, fmt.Errorf("JSON policy %s: %w", def.Name, err)
	}

	metadata := map[string]interface{}{}
	for k, v := range def.Metadata {
		metadata[k] = v
	}
	metadata["source"] = path
	metadata["format"] = "json"

	return &Policy{
		Name:        def.Name,
		Description: def.Description,
		Rego:        def.Rego,
		Severity:    severity,
		Enabled:     def.Enabled == nil || *def.Enabled,
		Tags:        append([]string{"request"}, def.Tags...),
		Metadata:    metadata,
	}, nil
}

// Watch reloads the policies under paths after every burst of changes to
// policy files and hands them to apply. It stops when ctx is done.
func (l *Loader) Watch(ctx context.Context, paths []string, apply func([]Policy) error) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	l.watcher = watcher

	for _, path := range paths {
		if err := l.watchPath(path); err != nil {
			l.logger.Warn().Err(err).Str("path", path).Msg("Cannot watch policy path")
		}
	}

	go l.processEvents(ctx, watcher, paths, apply)

	l.logger.Info().Strs("paths", paths).Msg("Watching request policies")
	return nil
}

// watchPath adds a file, or a directory and all its subdirectories.
func (l *Loader) watchPath(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return l.watcher.Add(path)
	}
	return filepath.WalkDir(path, func(dir string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return l.watcher.Add(dir)
		}
		return nil
	})
}

func (l *Loader) processEvents(ctx context.Context, watcher *fsnotify.Watcher, paths []string, apply func([]Policy) error) {
	var timer *time.Timer

	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			_ = watcher.Close()
			return

		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 || !isPolicyFile(event.Name) {
				continue
			}

			l.logger.Debug().
				Str("file", event.Name).
				Str("op", event.Op.String()).
				Msg("Request policy file changed")

			l.mu.Lock()
			delete(l.cache, event.Name)
			l.mu.Unlock()

			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(reloadDelay, func() {
				if err := l.reload(ctx, paths, apply); err != nil {
					l.logger.Error().Err(err).Msg("Request policies not reloaded, keeping the previous set")
				}
			})

		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			l.logger.Error().Err(err).Msg("Policy watcher error")
		}
	}
}

func (l *Loader) reload(ctx context.Context, paths []string, apply func([]Policy) error) error {
	policies, err := l.LoadFromPaths(ctx, paths)
	if err != nil {
		return err
	}
	if err := apply(policies); err != nil {
		return err
	}

	l.logger.Info().Int("policies", len(policies)).Msg("Request policies reloaded")
	return nil
}

// StopWatching stops watching for file changes.
func (l *Loader) StopWatching() error {
	if l.watcher != nil {
		return l.watcher.Close()
	}
	return nil
}

// ClearCache drops every parsed file.
func (l *Loader) ClearCache() {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.cache = make(map[string]*Policy)
}
