package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"path/filepath"

	"github.com/pagepoet/pagepoet/pkg/autoextract"
	"github.com/pagepoet/pagepoet/pkg/config"
	"github.com/pagepoet/pagepoet/pkg/crawl"
	"github.com/pagepoet/pagepoet/pkg/engine"
	"github.com/pagepoet/pagepoet/pkg/scripting"
	"github.com/pagepoet/pagepoet/pkg/stores"
)

// loadSettings reads --config, or returns the defaults when it is unset.
// Script, policy and store paths are resolved against the settings file's directory.
func loadSettings() (*config.Settings, error) {
	if configPath == "" {
		return config.DefaultSettings(), nil
	}

	settings, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	dir := filepath.Dir(configPath)
	for i, cb := range settings.Callbacks {
		if cb.Script != "" && !filepath.IsAbs(cb.Script) {
			settings.Callbacks[i].Script = filepath.Join(dir, cb.Script)
		}
	}
	for i, p := range settings.Policy.Paths {
		if !filepath.IsAbs(p) {
			settings.Policy.Paths[i] = filepath.Join(dir, p)
		}
	}
	if !filepath.IsAbs(settings.Store.Path) && settings.Store.Path != ":memory:" {
		settings.Store.Path = filepath.Join(dir, settings.Store.Path)
	}
	return settings, nil
}

// newRegistry registers the built-in providers, plus the AutoExtract ones
// when enabled.
func newRegistry(settings *config.Settings) (*engine.Registry, error) {
	reg, err := engine.NewRegistry()
	if err != nil {
		return nil, err
	}
	if err := crawl.RegisterProviders(reg); err != nil {
		return nil, err
	}
	if settings.AutoExtract.Enabled {
		client := autoextract.NewHTTPClient(settings.AutoExtract)
		if err := autoextract.Register(reg, client); err != nil {
			return nil, err
		}
	}
	return reg, nil
}

// newSpider loads the settings and builds the registry and spider.
func newSpider(ctx context.Context) (*config.Settings, *engine.Registry, *crawl.Spider, error) {
	settings, err := loadSettings()
	if err != nil {
		return nil, nil, nil, err
	}

	reg, err := newRegistry(settings)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to register providers: %w", err)
	}

	spider, err := crawl.NewSpiderFromSettings(ctx, settings, reg, scripting.NewEvaluator(scripting.DefaultTimeout))
	if err != nil {
		return nil, nil, nil, err
	}
	return settings, reg, spider, nil
}

func openStore(ctx context.Context, settings *config.Settings) (*stores.SQLiteStore, error) {
	store, err := stores.Open(ctx, settings.Store.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open store %s: %w", settings.Store.Path, err)
	}
	return store, nil
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
