package importer

import (
	"context"
	"fmt"
	"strings"

	"rowpipe/internal/dataiter"
	"rowpipe/internal/lookup"
	"rowpipe/internal/schema"
	"rowpipe/internal/sequence"
	"rowpipe/internal/storage"
	"rowpipe/internal/validate"
)

var builtInNames = map[string]bool{
	strings.ToLower(dataiter.ColContainer):  true,
	strings.ToLower(dataiter.ColCreatedBy):  true,
	strings.ToLower(dataiter.ColCreated):    true,
	strings.ToLower(dataiter.ColModifiedBy): true,
	strings.ToLower(dataiter.ColModified):   true,
	strings.ToLower(dataiter.ColEntityID):   true,
}

// translate reconciles the source columns with the target table and adds one
// producer per target column. Source columns that match nothing are dropped.
//
// Matching problems are recorded as setup errors so every one of them is
// reported before the chain is abandoned.
func (im *Importer) translate(seqs sequence.Provider) dataiter.StageFunc {
	return func(_ context.Context, rc *dataiter.RunContext, in dataiter.Cursor) (dataiter.Cursor, error) {
		target := &im.p.Target
		names := make([]string, in.ColumnCount())
		for i := range names {
			names[i] = in.ColumnInfo(i + 1).Name
		}
		match, errs := schema.MatchColumns(names, target)
		for _, err := range errs {
			rc.Errors().AddSetupError(err)
		}

		companions := map[string]bool{}
		for _, tc := range target.Columns {
			if tc.MVEnabled && tc.MVColumn != "" {
				companions[strings.ToLower(tc.MVColumn)] = true
			}
		}
		writesNew := rc.InsertMode() == dataiter.ModeInsert || rc.InsertMode() == dataiter.ModeReplace

		tr := dataiter.NewTranslator(in, rc)
		matched := 0
		for ti, tc := range target.Columns {
			lname := strings.ToLower(tc.Name)
			if builtInNames[lname] || companions[lname] {
				continue
			}
			from := match[ti] + 1

			if tc.Sequence != "" {
				if seqs == nil {
					rc.Errors().AddSetupError(fmt.Errorf("column %s: no sequence provider", tc.Name))
					continue
				}
				seq, err := seqs.Sequence(tc.Sequence)
				if err != nil {
					return tr, fmt.Errorf("column %s: %w", tc.Name, err)
				}
				tr.AddSequenceColumn(tc, seq)
				continue
			}
			// Generated by the database unless the source may supply it.
			if tc.AutoIncrement {
				if from > 0 && rc.AutoIncrementPassthrough() {
					tr.AddConvertColumn(tc, from, dataiter.ConvertOptions{})
					matched++
				}
				continue
			}

			if from == 0 {
				switch {
				case tc.Default != nil && writesNew:
					v, err := tc.Type.Convert(tc.Default)
					if err != nil {
						rc.Errors().AddSetupError(fmt.Errorf("column %s: default: %w", tc.Name, err))
						continue
					}
					tr.AddConstantColumn(tc, v)
				case tc.Required && writesNew:
					rc.Errors().AddSetupError(fmt.Errorf("required column %s is missing from the source", tc.Name))
				}
				continue
			}

			opts := dataiter.ConvertOptions{
				Trim:          im.p.Load.TrimStrings,
				Default:       tc.Default,
				MissingValues: tc.MVEnabled,
			}
			if tc.MVEnabled && tc.MVColumn != "" {
				opts.MVIndex = indexFold(names, tc.MVColumn)
			}
			if fk := tc.FK; fk != nil && (rc.AllowImportByAlternateKey() || fk.AllowImportByAlternateKey) {
				r, err := lookup.New(im.repo, fk)
				if err != nil {
					rc.Errors().AddSetupError(fmt.Errorf("column %s: %w", tc.Name, err))
					continue
				}
				opts.Remap = r
			}
			tr.AddConvertColumn(tc, from, opts)
			matched++
		}
		if matched == 0 && len(errs) == 0 {
			rc.Errors().AddSetupError(fmt.Errorf("no source column matches a column of %s", target.Name))
		}

		b := im.p.Load.BuiltIns
		tr.AddBuiltInColumns(target, dataiter.BuiltIns{
			Container:   b.Container,
			UserID:      b.UserID,
			Passthrough: b.Passthrough,
		})
		return tr, nil
	}
}

// indexFold returns the 1-based position of name in names, ignoring case,
// or 0.
func indexFold(names []string, name string) int {
	for i, n := range names {
		if strings.EqualFold(n, name) {
			return i + 1
		}
	}
	return 0
}

// validate attaches the rules implied by each column descriptor, plus a
// duplicate check on the table key when the key is written by the import.
func (im *Importer) validate(_ context.Context, rc *dataiter.RunContext, in dataiter.Cursor) (dataiter.Cursor, error) {
	v := dataiter.NewValidator(in, rc)
	for i := 1; i <= in.ColumnCount(); i++ {
		col := in.ColumnInfo(i)
		rules, err := validate.ForColumn(col)
		if err != nil {
			rc.Errors().AddSetupError(fmt.Errorf("column %s: %w", col.Name, err))
			continue
		}
		if len(rules) > 0 {
			v.AddColumnValidator(i, rules...)
		}
	}
	if keys := im.p.Target.KeyNames(); len(keys) > 0 && allPresent(in, keys) {
		v.AddRowValidator(validate.NewUniqueKey(keys))
	}
	if v.Empty() {
		return in, nil
	}
	return v, nil
}

func allPresent(c dataiter.Cursor, names []string) bool {
	for _, n := range names {
		if dataiter.ColumnIndex(c, n) <= 0 {
			return false
		}
	}
	return true
}

// before builds the trigger pair and returns its before stage. Outside
// insert mode the trigger sees the stored record a row is about to change;
// with load.cache.prefetch set those records are read one window at a time.
func (im *Importer) before(trig **dataiter.Triggers) dataiter.StageFunc {
	return func(_ context.Context, rc *dataiter.RunContext, in dataiter.Cursor) (dataiter.Cursor, error) {
		var existing dataiter.ExistingFunc
		keys := im.p.Target.KeyNames()
		if rc.InsertMode() != dataiter.ModeInsert && len(keys) > 0 && allPresent(in, keys) {
			ex := &existingRecords{repo: im.repo, table: im.p.Target.Name, keys: keys}
			if n := im.p.Load.Cache.Prefetch; n > 0 {
				for _, k := range keys {
					ex.idx = append(ex.idx, dataiter.ColumnIndex(in, k))
				}
				c := im.p.Load.Cache
				in = dataiter.NewPrefetch(in, rc, n, dataiter.CacheOptions{
					SpillLimit: c.SpillLimit,
					SpillBatch: c.SpillBatch,
					SpillDir:   c.SpillDir,
				}, ex.prefetch)
				ex.prefetched = true
			}
			existing = ex.lookup
		}
		*trig = dataiter.NewTriggers(rc, im.trigger, existing)
		return (*trig).Before(in), nil
	}
}

// existingRecords reads the stored rows matching the key of incoming rows.
type existingRecords struct {
	repo  storage.Repository
	table string
	keys  []string
	idx   []int

	prefetched bool
	window     map[string]map[string]any
}

func (e *existingRecords) prefetch(ctx context.Context, rows [][]any) error {
	e.window = nil
	tuples := make([][]any, 0, len(rows))
	for _, r := range rows {
		vals := make([]any, len(e.idx))
		for i, at := range e.idx {
			vals[i] = dataiter.Unwrap(r[at])
		}
		if complete(vals) {
			tuples = append(tuples, vals)
		}
	}
	if len(tuples) == 0 {
		return nil
	}
	recs, err := e.repo.FetchRecords(ctx, e.table, e.keys, tuples)
	if err != nil {
		return err
	}
	e.window = recs
	return nil
}

func (e *existingRecords) lookup(ctx context.Context, row *dataiter.TriggerRow) (map[string]any, error) {
	vals := make([]any, len(e.keys))
	for i, k := range e.keys {
		vals[i] = row.Get(k)
	}
	if !complete(vals) {
		return nil, nil
	}
	key := storage.KeyString(vals)
	if e.prefetched {
		return e.window[key], nil
	}
	recs, err := e.repo.FetchRecords(ctx, e.table, e.keys, [][]any{vals})
	if err != nil {
		return nil, err
	}
	return recs[key], nil
}

func complete(vals []any) bool {
	for _, v := range vals {
		if v == nil {
			return false
		}
	}
	return true
}

// statement prepares the write for the columns that reach it and wraps the
// upstream cursor in the statement stage, paired with an embargo when
// load.embargo is set.
func (im *Importer) statement(sess storage.Session) dataiter.StageFunc {
	return func(ctx context.Context, rc *dataiter.RunContext, in dataiter.Cursor) (dataiter.Cursor, error) {
		target := &im.p.Target
		l := im.p.Load

		var cols []*schema.Column
		seen := map[string]bool{}
		addCol := func(name string) {
			tc := target.Column(name)
			if tc == nil || seen[strings.ToLower(tc.Name)] {
				return
			}
			seen[strings.ToLower(tc.Name)] = true
			cols = append(cols, tc)
		}
		for i := 1; i <= in.ColumnCount(); i++ {
			c := in.ColumnInfo(i)
			addCol(c.Name)
			if c.MVColumn != "" {
				addCol(c.MVColumn)
			}
		}
		tableCols := make([]string, len(target.Columns))
		for i, c := range target.Columns {
			tableCols[i] = c.Name
		}
		spec := storage.StatementSpec{
			Table:        target.Name,
			Mode:         storage.Mode(rc.InsertMode().String()),
			Columns:      cols,
			Keys:         target.KeyNames(),
			TableColumns: tableCols,
		}
		var generated *schema.Column
		if ai := target.AutoIncrementColumn(); l.ReturnKeys && ai != nil &&
			rc.InsertMode() == dataiter.ModeInsert && !seen[strings.ToLower(ai.Name)] {
			spec.Returning = ai.Name
			generated = ai
		}

		n := 1
		if l.Async {
			n = 2
		}
		stmts := make([]storage.Statement, 0, n)
		for range n {
			st, err := sess.Prepare(ctx, spec)
			if err != nil {
				for _, s := range stmts {
					_ = s.Close()
				}
				return nil, fmt.Errorf("prepare %s into %s: %w", spec.Mode, target.Name, err)
			}
			stmts = append(stmts, st)
		}

		s, err := dataiter.NewStatementStage(in, rc, sess, dataiter.StatementOptions{
			Statements:   stmts,
			BatchSize:    l.BatchSize,
			TxSize:       l.TxSize,
			Async:        l.Async,
			GeneratedKey: generated,
			Job:          im.job(),
		})
		if err != nil {
			for _, st := range stmts {
				_ = st.Close()
			}
			return nil, err
		}
		if !l.Embargo {
			return s, nil
		}
		e, err := dataiter.PairEmbargo(s)
		if err != nil {
			return s, err
		}
		return e, nil
	}
}
