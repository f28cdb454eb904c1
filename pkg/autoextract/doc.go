// Package autoextract provides page inputs backed by the AutoExtract API.
//
// Each provider turns the request URL into one query of its page type
// (product, article or productList) and needs only the request and the
// session stats, so callbacks built on these pages never cause the page
// itself to be downloaded:
//
//	reg, _ := engine.NewRegistry()
//	client := autoextract.NewHTTPClient(settings.AutoExtract)
//	if err := autoextract.Register(reg, client); err != nil {
//	    return err
//	}
//	parseProduct, _ := engine.CallbackFor(reg, autoextract.CapProductPage)
//
// The HTTP client retries query errors, throttling and server errors up to
// the configured number of times.
package autoextract
