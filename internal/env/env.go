// Package env builds the environment of backend workers from the [env]
// section of the configuration file.
package env

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/ini.v1"

	"github.com/nantic/servctl/internal/errs"
	"github.com/nantic/servctl/internal/inifmt"
)

// Section is the config section holding worker environment variables.
const Section = "env"

// Vars maps variable names to values. Values may reference ${NAME} or
// $NAME; see Environ.
type Vars map[string]string

// Load reads the [env] section of the INI file at path. Names keep their
// case. A missing file or section yields nil.
func Load(path string) (Vars, error) {
	if path == "" {
		return nil, nil
	}
	if st, err := os.Stat(path); err != nil || st.IsDir() {
		return nil, nil
	}
	f, err := ini.LoadSources(inifmt.CaseSensitiveOptions(), path)
	if err != nil {
		return nil, errs.Wrap("parse config", path, fmt.Errorf("%w: %v", errs.ErrConfig, err))
	}
	sec, err := f.GetSection(Section)
	if err != nil {
		return nil, nil
	}
	v := make(Vars, len(sec.Keys()))
	for _, k := range sec.Keys() {
		if k.Name() == "" {
			continue
		}
		v[k.Name()] = k.Value()
	}
	return v, nil
}

// Environ returns v as sorted "K=V" entries. References resolve against v
// first, then lookup (os.LookupEnv when nil); unknown names expand to the
// empty string. Expansion is a single pass: a value referencing another
// variable of v sees that variable's unexpanded value.
func (v Vars) Environ(lookup func(string) (string, bool)) []string {
	if len(v) == 0 {
		return nil
	}
	if lookup == nil {
		lookup = os.LookupEnv
	}
	resolve := func(name string) string {
		if val, ok := v[name]; ok {
			return val
		}
		val, _ := lookup(name)
		return val
	}
	keys := make([]string, 0, len(v))
	for k := range v {
		if k != "" && !strings.Contains(k, "=") {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+os.Expand(v[k], resolve))
	}
	return out
}
