// Package config loads daemon settings from a JSON file onto command line
// flags.
package config

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/inconshreveable/log15"
	"github.com/pkg/errors"
)

// Load reads a JSON config file and returns it as a map.
func Load(path string) (map[string]interface{}, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var cfg map[string]interface{}
	if err := json.NewDecoder(f).Decode(&cfg); err != nil {
		return nil, errors.Wrapf(err, "invalid config file %s", path)
	}
	return cfg, nil
}

// ApplyToFlags overrides flag values from cfg for every flag of fs not
// explicitly set on the command line. Call it after fs.Parse. Keys may use
// hyphens or underscores: "log-level" and "log_level" both set -log-level.
func ApplyToFlags(fs *flag.FlagSet, cfg map[string]interface{}) error {
	explicit := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) {
		explicit[f.Name] = true
	})

	var applyErr error
	fs.VisitAll(func(f *flag.Flag) {
		if explicit[f.Name] || applyErr != nil {
			return
		}
		val, ok := cfg[f.Name]
		if !ok {
			val, ok = cfg[strings.ReplaceAll(f.Name, "-", "_")]
		}
		if !ok {
			return
		}
		var s string
		switch v := val.(type) {
		case string:
			s = v
		case float64, bool:
			s = fmt.Sprintf("%v", v)
		default:
			applyErr = errors.Errorf("config key %q: unsupported value %v", f.Name, val)
			return
		}
		if err := f.Value.Set(s); err != nil {
			applyErr = errors.Wrapf(err, "config key %q", f.Name)
		}
	})
	return applyErr
}

// Handler builds the log15 handler for the given level and format. format is
// "logfmt" or "json"; level is any name log15.LvlFromString accepts.
func Handler(w io.Writer, level, format string) (log15.Handler, error) {
	lvl, err := log15.LvlFromString(strings.ToLower(level))
	if err != nil {
		return nil, errors.Wrapf(err, "invalid log level %q", level)
	}
	var fmtr log15.Format
	switch strings.ToLower(format) {
	case "json":
		fmtr = log15.JsonFormat()
	case "logfmt", "text", "":
		fmtr = log15.LogfmtFormat()
	default:
		return nil, errors.Errorf("invalid log format %q", format)
	}
	return log15.LvlFilterHandler(lvl, log15.StreamHandler(w, fmtr)), nil
}
