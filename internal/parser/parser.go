// Package parser turns a raw byte stream into the first cursor of a chain.
package parser

import (
	"fmt"
	"io"

	"rowpipe/internal/config"
	"rowpipe/internal/dataiter"
	csvparser "rowpipe/internal/parser/csv"
	jsonparser "rowpipe/internal/parser/json"
	xmlparser "rowpipe/internal/parser/xml"
)

// Kinds lists the parser kinds NewCursor accepts.
var Kinds = []string{"csv", "json", "xml"}

// NewCursor builds the cursor for p over src. The cursor owns src, and src
// is closed when construction fails.
func NewCursor(p config.Parser, src io.ReadCloser, rc *dataiter.RunContext) (dataiter.Cursor, error) {
	var (
		c   dataiter.Cursor
		err error
	)
	switch p.Kind {
	case "csv":
		c, err = csvparser.NewCursor(src, rc, p.Options)
	case "json":
		c, err = jsonparser.NewCursor(src, rc, p.Options)
	case "xml":
		c, err = xmlparser.NewCursor(src, rc, p.Options)
	default:
		src.Close()
		return nil, fmt.Errorf("unknown parser kind %q", p.Kind)
	}
	if err != nil {
		return nil, fmt.Errorf("%s parser: %w", p.Kind, err)
	}
	return c, nil
}
