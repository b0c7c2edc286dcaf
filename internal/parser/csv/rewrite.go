package csv

import (
	"bufio"
	"bytes"
	"io"
	"sort"
)

// rewriter replaces every occurrence of pat with repl while streaming. The
// last len(pat)-1 bytes of each chunk are carried into the next one so that
// matches spanning a chunk boundary are still found.
type rewriter struct {
	br    *bufio.Reader
	pat   []byte
	repl  []byte
	chunk []byte
	carry []byte
	out   bytes.Buffer
	eof   bool
}

func newRewriter(r io.Reader, pat, repl []byte) *rewriter {
	return &rewriter{
		br:    bufio.NewReaderSize(r, 64*1024),
		pat:   pat,
		repl:  repl,
		chunk: make([]byte, 64*1024),
	}
}

func (w *rewriter) Read(p []byte) (int, error) {
	for w.out.Len() == 0 {
		if w.eof {
			return 0, io.EOF
		}
		if err := w.fill(); err != nil {
			return 0, err
		}
	}
	return w.out.Read(p)
}

func (w *rewriter) fill() error {
	n, rerr := w.br.Read(w.chunk)
	if n > 0 {
		block := append(w.carry, w.chunk[:n]...)
		block = bytes.ReplaceAll(block, w.pat, w.repl)
		if k := len(w.pat) - 1; k > 0 && len(block) > k {
			w.out.Write(block[:len(block)-k])
			w.carry = append(w.carry[:0:0], block[len(block)-k:]...)
		} else {
			w.carry = append(w.carry[:0:0], block...)
		}
	}
	switch {
	case rerr == io.EOF:
		w.out.Write(w.carry)
		w.carry = nil
		w.eof = true
	case rerr != nil:
		return rerr
	}
	return nil
}

// scrub wraps r so each key of rules is replaced by its value. Rules apply in
// key order; empty keys are ignored.
func scrub(r io.Reader, rules map[string]string) io.Reader {
	keys := make([]string, 0, len(rules))
	for k := range rules {
		if k != "" && k != rules[k] {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	for _, k := range keys {
		r = newRewriter(r, []byte(k), []byte(rules[k]))
	}
	return r
}
