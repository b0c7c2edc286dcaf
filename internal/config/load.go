package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/knadh/koanf/parsers/json"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/posflag"
	"github.com/knadh/koanf/v2"
	flag "github.com/spf13/pflag"
	"github.com/tailscale/hujson"
)

// RegisterFlags declares the pipeline overrides accepted on the command line.
// Flag names are koanf paths so posflag can merge them over file values.
func RegisterFlags(f *flag.FlagSet) {
	f.String("job", "", "job name used for logs and metrics")
	f.String("storage.kind", "", "storage backend (postgres, sqlite, mysql, mssql)")
	f.String("storage.dsn", "", "storage connection string")
	f.String("source.file.path", "", "input file path")
	f.String("load.mode", "", "insert mode (insert, update, merge, replace)")
	f.Bool("load.fail_fast", false, "abort on the first row error")
	f.Int("load.max_row_errors", 0, "abort after this many row errors")
	f.Int("load.batch_size", 0, "rows per executed batch")
	f.Int("load.tx_size", 0, "commit every N rows")
	f.Bool("load.async", false, "execute batches on a background worker")
	f.Bool("load.verbose", false, "report every repeated field error")
}

// LoadFiles reads the given config files in order, merges flag overrides from fs
// (only flags the user actually set), applies ROWPIPE_* environment
// overrides, and decodes the result.
func LoadFiles(paths []string, fs *flag.FlagSet) (Pipeline, error) {
	var p Pipeline
	ko := koanf.New(".")

	for _, path := range paths {
		parser, err := parserFor(path)
		if err != nil {
			return p, err
		}
		if err := ko.Load(file.Provider(path), parser); err != nil {
			return p, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	if fs != nil {
		if err := ko.Load(posflag.ProviderWithFlag(fs, ".", ko, changedOnly(fs)), nil); err != nil {
			return p, fmt.Errorf("read flags: %w", err)
		}
	}

	if err := ko.UnmarshalWithConf("", &p, koanf.UnmarshalConf{Tag: "koanf"}); err != nil {
		return p, fmt.Errorf("decode config: %w", err)
	}
	if p.Parser.Options == nil {
		p.Parser.Options = Options{}
	}
	applyEnv(&p)
	return p, nil
}

func changedOnly(fs *flag.FlagSet) func(*flag.Flag) (string, any) {
	return func(f *flag.Flag) (string, any) {
		if !f.Changed {
			return "", nil
		}
		return f.Name, posflag.FlagVal(fs, f)
	}
}

func parserFor(path string) (koanf.Parser, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return yaml.Parser(), nil
	case ".json":
		return json.Parser(), nil
	case ".jsonc", ".hujson":
		return jsoncParser{}, nil
	}
	return nil, fmt.Errorf("unsupported config file extension: %s", path)
}

// applyEnv overrides the knobs operators tune per environment.
func applyEnv(p *Pipeline) {
	p.Load.BatchSize = getenvInt("ROWPIPE_BATCH_SIZE", p.Load.BatchSize)
	p.Load.TxSize = getenvInt("ROWPIPE_TX_SIZE", p.Load.TxSize)
	p.Load.MaxRowErrors = getenvInt("ROWPIPE_MAX_ROW_ERRORS", p.Load.MaxRowErrors)
	if s := os.Getenv("ROWPIPE_DSN"); s != "" {
		p.Storage.DSN = s
	}
	if s := os.Getenv("ROWPIPE_MODE"); s != "" {
		p.Load.Mode = s
	}
}

func getenvInt(k string, def int) int {
	if s := os.Getenv(k); s != "" {
		if n, err := strconv.Atoi(s); err == nil {
			return n
		}
	}
	return def
}

// jsoncParser accepts JSON with comments and trailing commas.
type jsoncParser struct{}

func (jsoncParser) Unmarshal(b []byte) (map[string]any, error) {
	std, err := hujson.Standardize(b)
	if err != nil {
		return nil, fmt.Errorf("invalid JSONC: %w", err)
	}
	return json.Parser().Unmarshal(std)
}

func (jsoncParser) Marshal(m map[string]any) ([]byte, error) {
	return json.Parser().Marshal(m)
}
