package crawl

import (
	"context"
	"fmt"
	"strings"

	"github.com/pagepoet/pagepoet/pkg/config"
	"github.com/pagepoet/pagepoet/pkg/engine"
	"github.com/pagepoet/pagepoet/pkg/pages"
	"github.com/pagepoet/pagepoet/pkg/scripting"
)

// NewSpiderFromSettings creates the spider described by the settings. Page
// callbacks are materialized against reg and script callbacks are compiled
// with ev. When no callback is named DefaultCallback, one extracting a
// pages.Summary is added under that name.
func NewSpiderFromSettings(ctx context.Context, settings *config.Settings, reg *engine.Registry, ev *scripting.Evaluator) (*Spider, error) {
	spider := NewSpider(settings.Spider, settings.StartURLs...)
	spider.DefaultCallback = settings.DefaultCallback

	for _, cfg := range settings.Callbacks {
		cb, err := CallbackFromConfig(ctx, cfg, reg, ev)
		if err != nil {
			return nil, fmt.Errorf("callback %s: %w", cfg.Name, err)
		}
		if err := spider.AddCallback(cb); err != nil {
			return nil, err
		}
	}

	if _, ok := spider.Callback(DefaultCallback); !ok {
		cb, err := engine.CallbackFor(reg, pages.CapSummaryPage)
		if err != nil {
			return nil, fmt.Errorf("default callback: %w", err)
		}
		cb.Name = DefaultCallback
		if err := spider.AddCallback(cb); err != nil {
			return nil, err
		}
	}

	return spider, nil
}

// CallbackFromConfig builds one declared callback.
func CallbackFromConfig(ctx context.Context, cfg config.CallbackConfig, reg *engine.Registry, ev *scripting.Evaluator) (*engine.Callback, error) {
	if cfg.Page != "" {
		cb, err := engine.CallbackFor(reg, engine.Capability(cfg.Page))
		if err != nil {
			return nil, err
		}
		cb.Name = cfg.Name
		return cb, nil
	}

	if ev == nil {
		return nil, fmt.Errorf("script callbacks need an evaluator")
	}
	params := make([]engine.Param, len(cfg.Params))
	for i, p := range cfg.Params {
		params[i] = engine.Param{
			Name:       paramName(p, i),
			Capability: engine.Capability(p),
		}
	}
	return ev.NewCallback(ctx, scripting.CallbackSpec{
		Name:     cfg.Name,
		Filename: cfg.Script,
		Function: cfg.Function,
		Params:   params,
	})
}

func paramName(capability string, i int) string {
	if capability == "" {
		return fmt.Sprintf("arg%d", i)
	}
	return strings.ToLower(capability)
}
