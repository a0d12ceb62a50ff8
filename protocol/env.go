package protocol

import (
	"sort"
	"strings"
)

// Env is an ordered set of environment variables.
// Keys keep the position of their first insertion; setting an existing key overwrites its value.
type Env struct {
	keys   []string
	values map[string]string
}

func NewEnv() *Env {
	return &Env{values: map[string]string{}}
}

// ParseLine adds a KEY=VALUE line. Lines without '=' or with an empty key are ignored.
func (e *Env) ParseLine(line string) bool {
	i := strings.IndexByte(line, '=')
	if i <= 0 {
		return false
	}
	e.Set(line[:i], line[i+1:])
	return true
}

func (e *Env) Set(key, value string) {
	if e.values == nil {
		e.values = map[string]string{}
	}
	if _, ok := e.values[key]; !ok {
		e.keys = append(e.keys, key)
	}
	e.values[key] = value
}

func (e *Env) Get(key string) (string, bool) {
	if e == nil {
		return "", false
	}
	v, ok := e.values[key]
	return v, ok
}

func (e *Env) Len() int {
	if e == nil {
		return 0
	}
	return len(e.keys)
}

// Keys returns the keys in insertion order.
func (e *Env) Keys() []string {
	if e == nil {
		return nil
	}
	return append([]string(nil), e.keys...)
}

// Environ returns the variables as KEY=VALUE strings in insertion order, like os.Environ.
func (e *Env) Environ() []string {
	if e == nil {
		return nil
	}
	out := make([]string, 0, len(e.keys))
	for _, k := range e.keys {
		out = append(out, k+"="+e.values[k])
	}
	return out
}

// Sorted returns the KEY=VALUE strings sorted by key.
func (e *Env) Sorted() []string {
	if e == nil {
		return nil
	}
	keys := e.Keys()
	sort.Strings(keys)
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+e.values[k])
	}
	return out
}

func (e *Env) Clone() *Env {
	c := NewEnv()
	if e == nil {
		return c
	}
	for _, k := range e.keys {
		c.Set(k, e.values[k])
	}
	return c
}
