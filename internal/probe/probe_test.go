package probe

import (
	"context"
	"io"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"rowpipe/internal/config"
	"rowpipe/internal/dataiter"
	"rowpipe/internal/logging"
	csvparser "rowpipe/internal/parser/csv"
	jsonparser "rowpipe/internal/parser/json"
	"rowpipe/internal/schema"
)

func runContext(t *testing.T) *dataiter.RunContext {
	t.Helper()
	rc, err := dataiter.FromLoad(config.Load{}, logging.Nop())
	if err != nil {
		t.Fatalf("FromLoad: %v", err)
	}
	return rc
}

func csvCursor(t *testing.T, body string) dataiter.Cursor {
	t.Helper()
	c, err := csvparser.NewCursor(io.NopCloser(strings.NewReader(body)), runContext(t), config.Options{})
	if err != nil {
		t.Fatalf("csv cursor: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestInfer_CSVTypes(t *testing.T) {
	t.Parallel()

	body := "ID,Jméno,Weight kg,Active,Born,Seen At,Ref,Notes\n" +
		"1,Ann,61.5,yes,02.01.1990,2024-01-02 10:00:00,6ba7b810-9dad-11d1-80b4-00c04fd430c8,\n" +
		"2,Bob,70,no,1985-07-30,2024-01-03 11:30:00,6ba7b811-9dad-11d1-80b4-00c04fd430c8,late\n" +
		"3,,80.25,yes,,2024-01-04T09:15:00Z,6ba7b812-9dad-11d1-80b4-00c04fd430c8,\n"

	res, err := Infer(context.Background(), csvCursor(t, body), Options{Table: "Lab Samples"})
	if err != nil {
		t.Fatalf("Infer: %v", err)
	}
	if res.Sampled != 3 {
		t.Fatalf("Sampled = %d, want 3", res.Sampled)
	}
	want := schema.Table{Name: "lab_samples", Columns: []*schema.Column{
		{Name: "id", Type: schema.TypeInt, ImportAliases: []string{"ID"}},
		{Name: "jmeno", Type: schema.TypeText, Nullable: true, ImportAliases: []string{"Jméno"}},
		{Name: "weight_kg", Type: schema.TypeFloat, ImportAliases: []string{"Weight kg"}},
		{Name: "active", Type: schema.TypeBool, ImportAliases: []string{"Active"}},
		{Name: "born", Type: schema.TypeDate, Nullable: true, ImportAliases: []string{"Born"}},
		{Name: "seen_at", Type: schema.TypeTimestamp, ImportAliases: []string{"Seen At"}},
		{Name: "ref", Type: schema.TypeGUID, ImportAliases: []string{"Ref"}},
		{Name: "notes", Type: schema.TypeText, Nullable: true, ImportAliases: []string{"Notes"}},
	}}
	if diff := cmp.Diff(want, res.Table); diff != "" {
		t.Fatalf("inferred table mismatch (-want +got):\n%s", diff)
	}
}

func TestInfer_SampleLimitAndEmptyColumn(t *testing.T) {
	t.Parallel()

	// The third row would demote n to text but lies outside the sample.
	c := csvCursor(t, "n,blank\n1,\n2,\nx,\n")
	res, err := Infer(context.Background(), c, Options{Rows: 2})
	if err != nil {
		t.Fatalf("Infer: %v", err)
	}
	if res.Sampled != 2 {
		t.Fatalf("Sampled = %d, want 2", res.Sampled)
	}
	if got := res.Table.Columns[0].Type; got != schema.TypeInt {
		t.Fatalf("n type = %s, want int", got)
	}
	blank := res.Table.Columns[1]
	if blank.Type != schema.TypeText || !blank.Nullable {
		t.Fatalf("blank column = %+v, want nullable text", blank)
	}
	if res.Table.Name != "col" {
		t.Fatalf("unnamed table = %q, want col", res.Table.Name)
	}

	// The cursor is left where sampling stopped.
	ok, err := c.Next(context.Background())
	if err != nil || !ok || c.Get(1) != "x" {
		t.Fatalf("cursor after sample: ok=%v err=%v value=%v", ok, err, c.Get(1))
	}
}

func TestInfer_JSONTypedValues(t *testing.T) {
	t.Parallel()

	body := `[{"count": 3, "ratio": 0.5, "ok": true}, {"count": 4, "ratio": 1, "ok": false}]`
	c, err := jsonparser.NewCursor(io.NopCloser(strings.NewReader(body)), runContext(t), config.Options{})
	if err != nil {
		t.Fatalf("json cursor: %v", err)
	}
	defer c.Close()

	res, err := Infer(context.Background(), c, Options{Table: "stats"})
	if err != nil {
		t.Fatalf("Infer: %v", err)
	}
	got := map[string]schema.Type{}
	for _, col := range res.Table.Columns {
		got[col.Name] = col.Type
	}
	want := map[string]schema.Type{"count": schema.TypeInt, "ratio": schema.TypeFloat, "ok": schema.TypeBool}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("types mismatch (-want +got):\n%s", diff)
	}
}

func TestNormalizeName(t *testing.T) {
	t.Parallel()

	cases := map[string]string{
		"  Číslo  Průkazu ": "cislo_prukazu",
		"a.b-c d":           "a_b_c_d",
		"__x__":             "x",
		"%%%":               "col",
		"Rok výroby (RRRR)": "rok_vyroby_rrrr",
	}
	for in, want := range cases {
		if got := NormalizeName(in); got != want {
			t.Errorf("NormalizeName(%q) = %q, want %q", in, got, want)
		}
	}

	long := strings.Repeat("a", 40) + "_" + strings.Repeat("b", 40)
	got := NormalizeName(long)
	if len(got) != maxNameLen || !strings.HasPrefix(got, "aaaaaaaaaa") || !strings.HasSuffix(got, strings.Repeat("b", 40)) {
		t.Fatalf("NormalizeName(long) = %q (%d bytes)", got, len(got))
	}
}

func TestInfer_DuplicateNames(t *testing.T) {
	t.Parallel()

	res, err := Infer(context.Background(), csvCursor(t, "Name,name,NAME\na,b,c\n"), Options{})
	if err != nil {
		t.Fatalf("Infer: %v", err)
	}
	var names []string
	for _, c := range res.Table.Columns {
		names = append(names, c.Name)
	}
	if diff := cmp.Diff([]string{"name", "name_2", "name_3"}, names); diff != "" {
		t.Fatalf("names mismatch (-want +got):\n%s", diff)
	}
}
