package autoextract

import (
	"context"
	"fmt"

	"github.com/pagepoet/pagepoet/pkg/crawl"
	"github.com/pagepoet/pagepoet/pkg/engine"
	"github.com/pagepoet/pagepoet/pkg/telemetry"
)

// Capabilities of the AutoExtract page inputs.
const (
	CapProductResponseData     engine.Capability = "ProductResponseData"
	CapArticleResponseData     engine.Capability = "ArticleResponseData"
	CapProductListResponseData engine.Capability = "ProductListResponseData"
)

// ResponseData is the raw AutoExtract result for one URL.
type ResponseData struct {
	PageType string         `json:"page_type"`
	Data     map[string]any `json:"data"`
}

// Item returns the extracted item: the result field named after the page
// type.
func (r ResponseData) Item() (map[string]any, bool) {
	item, ok := r.Data[r.PageType].(map[string]any)
	return item, ok
}

// Provider fetches one AutoExtract page type for the request URL. It counts
// autoextract/<page type>/total, error and success in the session stats.
type Provider struct {
	pageType   string
	capability engine.Capability
	client     Client
}

// NewProvider creates the provider of capability c backed by pageType
// queries.
func NewProvider(c engine.Capability, pageType string, client Client) *Provider {
	return &Provider{
		pageType:   pageType,
		capability: c,
		client:     client,
	}
}

// Name implements engine.Provider.
func (p *Provider) Name() string { return "autoextract:" + p.pageType }

// Provides implements engine.Provider.
func (p *Provider) Provides() []engine.Capability {
	return []engine.Capability{p.capability}
}

// Requires implements engine.Provider.
func (p *Provider) Requires() []engine.Capability {
	return []engine.Capability{crawl.CapRequest, crawl.CapStats}
}

// Provide implements engine.Provider.
func (p *Provider) Provide(ctx context.Context, deps engine.Instances, _ engine.CapabilitySet) (engine.Instances, error) {
	req, err := engine.Get[*crawl.Request](deps, crawl.CapRequest)
	if err != nil {
		return nil, err
	}
	stats, err := engine.Get[*telemetry.Stats](deps, crawl.CapStats)
	if err != nil {
		return nil, err
	}

	prefix := fmt.Sprintf("autoextract/%s/", p.pageType)
	stats.IncValue(prefix+"total", 1)

	data, err := p.client.Request(ctx, req.URL, p.pageType)
	if err != nil {
		stats.IncValue(prefix+"error", 1)
		return nil, err
	}

	stats.IncValue(prefix+"success", 1)
	return engine.Instances{
		p.capability: ResponseData{PageType: p.pageType, Data: data},
	}, nil
}

// ProductPage is the item page over product results.
type ProductPage struct {
	Response ResponseData
}

// ArticlePage is the item page over article results.
type ArticlePage struct {
	Response ResponseData
}

// ProductListPage is the item page over product list results.
type ProductListPage struct {
	Response ResponseData
}

// Capabilities of the AutoExtract item pages.
const (
	CapProductPage     engine.Capability = "ProductPage"
	CapArticlePage     engine.Capability = "ArticlePage"
	CapProductListPage engine.Capability = "ProductListPage"
)

func extractItem(r ResponseData) (any, error) {
	item, ok := r.Item()
	if !ok {
		return nil, fmt.Errorf("AutoExtract result has no %s", r.PageType)
	}
	return item, nil
}

// Providers returns the three AutoExtract providers and their item pages.
func Providers(client Client) []engine.Provider {
	return []engine.Provider{
		NewProvider(CapProductResponseData, PageTypeProduct, client),
		NewProvider(CapArticleResponseData, PageTypeArticle, client),
		NewProvider(CapProductListResponseData, PageTypeProductList, client),

		engine.ItemPage(CapProductPage, []engine.Capability{CapProductResponseData},
			func(deps engine.Instances) (ProductPage, error) {
				rd, err := engine.Get[ResponseData](deps, CapProductResponseData)
				return ProductPage{Response: rd}, err
			},
			func(_ context.Context, p ProductPage) (any, error) { return extractItem(p.Response) },
		),
		engine.ItemPage(CapArticlePage, []engine.Capability{CapArticleResponseData},
			func(deps engine.Instances) (ArticlePage, error) {
				rd, err := engine.Get[ResponseData](deps, CapArticleResponseData)
				return ArticlePage{Response: rd}, err
			},
			func(_ context.Context, p ArticlePage) (any, error) { return extractItem(p.Response) },
		),
		engine.ItemPage(CapProductListPage, []engine.Capability{CapProductListResponseData},
			func(deps engine.Instances) (ProductListPage, error) {
				rd, err := engine.Get[ResponseData](deps, CapProductListResponseData)
				return ProductListPage{Response: rd}, err
			},
			func(_ context.Context, p ProductListPage) (any, error) { return extractItem(p.Response) },
		),
	}
}

// Register adds the AutoExtract providers and item pages to reg.
func Register(reg *engine.Registry, client Client) error {
	for _, p := range Providers(client) {
		if err := reg.Register(p); err != nil {
			return fmt.Errorf("failed to register %s: %w", p.Name(), err)
		}
	}
	return nil
}
