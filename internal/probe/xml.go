package probe

import (
	"bytes"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"strings"

	"rowpipe/internal/config"
)

// XMLLayout is what DiscoverXML learned about a sample of an XML document.
type XMLLayout struct {
	RecordTag string
	// Records is the number of complete records in the sample.
	Records int
	// Fields maps a column name to the path of a leaf that occurs at most
	// once per record; Lists holds leaves that repeat.
	Fields map[string]string
	Lists  map[string]string
}

// Options returns parser options for the XML cursor, merged over base.
func (l XMLLayout) Options(base config.Options) config.Options {
	out := config.Options{}
	for k, v := range base {
		out[k] = v
	}
	fields := make(map[string]any, len(l.Fields))
	for k, v := range l.Fields {
		fields[k] = v
	}
	lists := make(map[string]any, len(l.Lists))
	for k, v := range l.Lists {
		lists[k] = v
	}
	out["record_tag"] = l.RecordTag
	out["fields"] = fields
	out["lists"] = lists
	return out
}

// DiscoverXML inventories the leaf elements under each <recordTag> of a
// sample. When recordTag is empty the most frequent child of the root
// element is used. The sample may be cut anywhere: only closed records
// count.
func DiscoverXML(sample []byte, recordTag string) (XMLLayout, error) {
	if strings.TrimSpace(recordTag) == "" {
		tag, err := guessRecordTag(sample)
		if err != nil {
			return XMLLayout{}, err
		}
		if tag == "" {
			return XMLLayout{}, fmt.Errorf("xml: no repeated element under the root")
		}
		recordTag = tag
	}

	type leaf struct {
		maxPer  int
		hasText bool
	}
	var (
		lay      = XMLLayout{RecordTag: recordTag, Fields: map[string]string{}, Lists: map[string]string{}}
		paths    = map[string]*leaf{}
		order    []string
		inRecord bool
		rel      []string
		text     [][]byte
		perRec   map[string]int
		withText map[string]bool
	)

	dec := xml.NewDecoder(bytes.NewReader(sample))
	dec.Strict = false
	for {
		tok, err := dec.Token()
		if err != nil {
			if errors.Is(err, io.EOF) || isTruncated(err) {
				break
			}
			return lay, fmt.Errorf("xml: %w", err)
		}
		switch t := tok.(type) {
		case xml.StartElement:
			if !inRecord {
				if t.Name.Local == recordTag {
					inRecord = true
					rel, text = rel[:0], text[:0]
					perRec, withText = map[string]int{}, map[string]bool{}
				}
				continue
			}
			rel = append(rel, t.Name.Local)
			text = append(text, nil)
		case xml.CharData:
			if inRecord && len(text) > 0 {
				text[len(text)-1] = append(text[len(text)-1], t...)
			}
		case xml.EndElement:
			if !inRecord {
				continue
			}
			if len(rel) == 0 {
				if t.Name.Local == recordTag {
					lay.Records++
					for p, n := range perRec {
						l := paths[p]
						if l == nil {
							l = &leaf{}
							paths[p] = l
							order = append(order, p)
						}
						l.maxPer = max(l.maxPer, n)
						l.hasText = l.hasText || withText[p]
					}
					inRecord = false
				}
				continue
			}
			p := strings.Join(rel, "/")
			perRec[p]++
			if strings.TrimSpace(string(text[len(text)-1])) != "" {
				withText[p] = true
			}
			rel, text = rel[:len(rel)-1], text[:len(text)-1]
		}
	}

	for _, p := range order {
		l := paths[p]
		if !l.hasText {
			continue
		}
		name := strings.ReplaceAll(p, "/", "_")
		if l.maxPer > 1 {
			lay.Lists[name] = p
		} else {
			lay.Fields[name] = p
		}
	}
	if len(lay.Fields)+len(lay.Lists) == 0 {
		return lay, fmt.Errorf("xml: no text elements found under <%s>", recordTag)
	}
	return lay, nil
}

func guessRecordTag(sample []byte) (string, error) {
	dec := xml.NewDecoder(bytes.NewReader(sample))
	dec.Strict = false
	var (
		depth  int
		counts = map[string]int{}
		first  []string
	)
	for {
		tok, err := dec.Token()
		if err != nil {
			if errors.Is(err, io.EOF) || isTruncated(err) {
				break
			}
			return "", fmt.Errorf("xml: %w", err)
		}
		switch t := tok.(type) {
		case xml.StartElement:
			depth++
			if depth == 2 {
				if counts[t.Name.Local] == 0 {
					first = append(first, t.Name.Local)
				}
				counts[t.Name.Local]++
			}
		case xml.EndElement:
			depth--
		}
	}
	best, bestN := "", 0
	for _, name := range first {
		if counts[name] > bestN {
			best, bestN = name, counts[name]
		}
	}
	return best, nil
}

// isTruncated reports the errors encoding/xml returns for a cut-off sample.
func isTruncated(err error) bool {
	s := err.Error()
	return strings.Contains(s, "unexpected EOF") || strings.Contains(s, "XML syntax error")
}
