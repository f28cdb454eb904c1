// Package config loads and validates pagepoet settings.
//
// Settings come from a YAML or CUE file, selected by extension, and are
// decoded over DefaultSettings so a file only needs the values it changes.
// CUE files are first unified with a closed schema, which reports unknown
// keys and out-of-range values with file positions. Both formats then go
// through struct-tag validation (go-playground/validator).
//
// # Usage Example
//
//	settings, err := config.Load("pagepoet.yaml")
//	if err != nil {
//	    return err
//	}
//	for _, cb := range settings.Callbacks {
//	    fmt.Println(cb.Name)
//	}
//
// A minimal YAML file:
//
//	bot_name: bookbot
//	spider: books
//	start_urls:
//	  - https://books.example.com/
//	default_callback: parse_book
//	callbacks:
//	  - name: parse_book
//	    page: BookPage
//	  - name: summarize
//	    script: scripts/summarize.star
//	    params: [DummyResponse, ResponseData]
//
// The same file in CUE:
//
//	bot_name: "bookbot"
//	spider:   "books"
//	callbacks: [{name: "parse_book", page: "BookPage"}]
package config
