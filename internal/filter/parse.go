package filter

import (
	"fmt"
	"slices"
	"strconv"
	"strings"

	"github.com/zsiec/avkit/internal/media"
)

// step is one parsed "op=args" element of a description.
type step struct {
	name string
	args []arg
}

type arg struct {
	key   string // empty for positional args
	value string
}

// parse splits "op[=arg[:arg...]][,op...]".
func parse(desc string) ([]step, error) {
	desc = strings.TrimSpace(desc)
	if desc == "" {
		return nil, fmt.Errorf("%w: empty filter description", media.ErrConfig)
	}
	var steps []step
	for _, part := range strings.Split(desc, ",") {
		part = strings.TrimSpace(part)
		name, rest, hasArgs := strings.Cut(part, "=")
		if name == "" {
			return nil, fmt.Errorf("%w: filter description %q: empty operation", media.ErrConfig, desc)
		}
		s := step{name: name}
		if hasArgs {
			if rest == "" {
				return nil, fmt.Errorf("%w: filter %s: empty argument list", media.ErrConfig, name)
			}
			for _, a := range strings.Split(rest, ":") {
				if a == "" {
					return nil, fmt.Errorf("%w: filter %s: empty argument", media.ErrConfig, name)
				}
				k, v, keyed := strings.Cut(a, "=")
				if !keyed {
					s.args = append(s.args, arg{value: a})
					continue
				}
				if k == "" || v == "" {
					return nil, fmt.Errorf("%w: filter %s: malformed argument %q", media.ErrConfig, name, a)
				}
				s.args = append(s.args, arg{key: k, value: v})
			}
		}
		steps = append(steps, s)
	}
	return steps, nil
}

// bind assigns positional args to names in order and keyed args by name.
// Unset names are absent from the result.
func (s step) bind(names ...string) (params, error) {
	p := params{op: s.name, values: make(map[string]string)}
	pos := 0
	for _, a := range s.args {
		key := a.key
		if key == "" {
			if pos >= len(names) {
				return p, fmt.Errorf("%w: filter %s takes at most %d arguments", media.ErrConfig, s.name, len(names))
			}
			key = names[pos]
			pos++
		} else if !slices.Contains(names, key) {
			return p, fmt.Errorf("%w: filter %s has no option %q", media.ErrConfig, s.name, key)
		}
		if _, dup := p.values[key]; dup {
			return p, fmt.Errorf("%w: filter %s: option %q set twice", media.ErrConfig, s.name, key)
		}
		p.values[key] = a.value
	}
	return p, nil
}

type params struct {
	op     string
	values map[string]string
}

func (p params) has(key string) bool {
	_, ok := p.values[key]
	return ok
}

// int returns the named integer, fallback when it is absent.
func (p params) int(key string, fallback int) (int, error) {
	v, ok := p.values[key]
	if !ok {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%w: filter %s: %s=%q is not an integer", media.ErrConfig, p.op, key, v)
	}
	return n, nil
}

func (p params) float(key string, fallback float64) (float64, error) {
	v, ok := p.values[key]
	if !ok {
		return fallback, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: filter %s: %s=%q is not a number", media.ErrConfig, p.op, key, v)
	}
	return f, nil
}
