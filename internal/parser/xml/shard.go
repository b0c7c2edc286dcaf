package xmlparser

import (
	"bufio"
	"bytes"
	"context"
	"encoding/xml"
	"io"
	"strings"
)

type job struct {
	index int
	data  []byte
}

type result struct {
	index  int
	record map[string]any
	err    error
}

// shard splits r into re-encoded <recordTag> subtrees and sends them to jobs
// in document order. A truncated trailing record is dropped.
func shard(ctx context.Context, r io.Reader, recordTag string, jobs chan<- job) error {
	dec := xml.NewDecoder(bufio.NewReaderSize(r, 1<<20))
	dec.Strict = false

	for i := 0; ; {
		tok, err := dec.Token()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			if isTruncErr(err) {
				return nil
			}
			return err
		}
		se, ok := tok.(xml.StartElement)
		if !ok || se.Name.Local != recordTag {
			continue
		}
		var buf bytes.Buffer
		enc := xml.NewEncoder(&buf)
		_ = enc.EncodeToken(se)
		for depth := 1; depth > 0; {
			if tok, err = dec.Token(); err != nil {
				return nil
			}
			switch tok.(type) {
			case xml.StartElement:
				depth++
			case xml.EndElement:
				depth--
			}
			_ = enc.EncodeToken(xml.CopyToken(tok))
		}
		_ = enc.Flush()
		select {
		case jobs <- job{index: i, data: buf.Bytes()}:
		case <-ctx.Done():
			return ctx.Err()
		}
		i++
	}
}

// isTruncErr matches the messages encoding/xml uses for cut-off input; it
// has no sentinel errors for them.
func isTruncErr(err error) bool {
	s := err.Error()
	return strings.Contains(s, "unexpected EOF") || strings.Contains(s, "XML syntax error")
}

// parseRecord extracts the compiled paths from one record subtree.
func parseRecord(b []byte, comp Compiled) (map[string]any, error) {
	dec := xml.NewDecoder(bytes.NewReader(b))
	dec.Strict = false

	record := make(map[string]any, 8)
	inRecord := false
	var rel []string
	type capture struct {
		key   string
		list  bool
		depth int
		text  []byte
	}
	var caps []capture

	for {
		tok, err := dec.Token()
		if err != nil {
			if err == io.EOF {
				return record, nil
			}
			return nil, err
		}
		switch t := tok.(type) {
		case xml.StartElement:
			if !inRecord {
				inRecord = t.Name.Local == comp.recordTag
				continue
			}
			rel = append(rel, t.Name.Local)
			for _, m := range comp.byLast[t.Name.Local] {
				if !tailMatches(rel, m.spec) || !attrMatches(t, m.spec.segs[len(m.spec.segs)-1]) {
					continue
				}
				caps = append(caps, capture{key: m.outKey, list: m.isList, depth: len(rel)})
			}
		case xml.CharData:
			for i := range caps {
				caps[i].text = append(caps[i].text, t...)
			}
		case xml.EndElement:
			if !inRecord {
				continue
			}
			w := 0
			for _, cp := range caps {
				if cp.depth != len(rel) {
					caps[w] = cp
					w++
					continue
				}
				val := string(bytes.TrimSpace(cp.text))
				if val == "" {
					continue
				}
				if cp.list {
					arr, _ := record[cp.key].([]string)
					record[cp.key] = append(arr, val)
				} else if _, exists := record[cp.key]; !exists {
					record[cp.key] = val
				}
			}
			caps = caps[:w]
			if len(rel) == 0 {
				return record, nil
			}
			rel = rel[:len(rel)-1]
		}
	}
}

func attrMatches(se xml.StartElement, s seg) bool {
	if s.attrName == "" {
		return true
	}
	for _, a := range se.Attr {
		if a.Name.Local == s.attrName && a.Value == s.attrVal {
			return true
		}
	}
	return false
}
