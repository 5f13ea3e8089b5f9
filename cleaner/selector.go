package cleaner

import (
	"strings"

	"github.com/andybalholm/cascadia"
	"golang.org/x/net/html"
)

// MatchCount parses rawHTML and reports how many elements match selector.
func MatchCount(rawHTML string, selector string) (int, error) {
	sel, err := cascadia.Parse(selector)
	if err != nil {
		return 0, err
	}

	doc, err := html.Parse(strings.NewReader(rawHTML))
	if err != nil {
		return 0, err
	}
	return len(cascadia.QueryAll(doc, sel)), nil
}
