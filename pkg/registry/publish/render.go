package publish

import (
	"strings"

	"github.com/pkg/errors"
	"github.com/yuin/goldmark"
)

// renderReadme converts raw Markdown to HTML. A failure here is always a
// validation failure of the publish request, never a durable-state
// failure, so it is surfaced during step 2 rather than inside the SQL
// transaction of step 6.
func renderReadme(markdown string) (string, error) {
	var buf strings.Builder
	if err := goldmark.Convert([]byte(markdown), &buf); err != nil {
		return "", errors.Wrap(err, "rendering readme")
	}
	return buf.String(), nil
}
