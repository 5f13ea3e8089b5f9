// Package cleaner holds the HTML helpers shared by the HTTP renderer and the
// preview endpoint: visible text, titles, selector matching and markdown.
package cleaner

import (
	"github.com/JohannesKaufmann/html-to-markdown/v2/converter"
)

// Cleaner bundles the reusable, goroutine-safe markdown converter.
type Cleaner struct {
	mdConverter *converter.Converter
}

// NewCleaner initialises the Cleaner with a pre-configured Markdown converter.
func NewCleaner() *Cleaner {
	return &Cleaner{
		mdConverter: newMarkdownConverter(),
	}
}
