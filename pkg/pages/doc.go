// Package pages holds the built-in page inputs and page objects.
//
// ResponseData is the input every HTML page object starts from. WebPage adds
// a parsed document with a few lookups (title, meta, links, text by tag).
// SummaryPage is an item page that works on any HTML page and backs the
// default "parse" callback.
package pages
