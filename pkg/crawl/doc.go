// Package crawl connects the injection engine to crawling.
//
// Every build is given the crawl's external values: the request, the
// response (when downloaded), a DummyResponse placeholder, the spider, the
// settings, the session stats, the session and a logger. ResponseDataProvider
// is the only built-in provider that reads the response.
//
// InjectionMiddleware asks the usage analyzer, before each download, whether
// the request's callback can reach the response. When it cannot, the
// download is skipped and the callback runs on the placeholder:
//
//	parseBook := engine.NewCallback("parse_book", fn,
//	    engine.Param{Name: "response", Capability: crawl.CapDummyResponse},
//	    engine.Param{Name: "page", Capability: autoextract.CapProductPage},
//	)
//
// Crawler drives the middleware over start requests with a bounded
// errgroup, stores items through an ItemSink and follows *Request values
// yielded by callbacks up to a depth limit.
package crawl
