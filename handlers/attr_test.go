package handlers

import (
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func goVersion() string { return runtime.Version() }

func TestAttrQuery(t *testing.T) {
	h := NewAttrHandler()
	h.RegisterDomain("test", MapSource{
		"db:name=main":  {"open": 3, "idle": 1},
		"db:name=audit": {"open": 0},
		"cache":         {"size": 10},
	})

	cases := []struct {
		name     string
		args     []string
		expected string
		err      string
	}{
		{
			name:     "exact object",
			args:     []string{"cache", "size", "-domain=test"},
			expected: "size:10\n",
		},
		{
			name:     "attribute order follows request and skips unknown",
			args:     []string{"db:name=main", "idle", "missing", "open", "idle", "-domain=test"},
			expected: "idle:1\nopen:3\n",
		},
		{
			name:     "glob",
			args:     []string{"db:*", "open", "-domain=test"},
			expected: "db:name=audit\n=============\nopen:0\ndb:name=main\n=============\nopen:3\n",
		},
		{
			name: "too few args",
			args: []string{"cache"},
			err:  "insufficient arguments",
		},
		{
			name: "no attributes",
			args: []string{"cache", "-domain=test"},
			err:  "no attributes specified",
		},
		{
			name: "unknown domain",
			args: []string{"cache", "size", "-domain=other"},
			err:  `unknown domain "other"`,
		},
		{
			name: "unknown object",
			args: []string{"nothing", "size", "-domain=test"},
			err:  `unknown object "nothing"`,
		},
		{
			name: "glob matches nothing",
			args: []string{"queue:*", "size", "-domain=test"},
			err:  `no objects match "queue:*"`,
		},
		{
			name: "bad pattern",
			args: []string{"[", "size", "-domain=test"},
			err:  "invalid pattern",
		},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			out, err := h.query(c.args)
			if c.err != "" {
				require.ErrorContains(t, err, c.err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, c.expected, out)
		})
	}
}

func TestProcessSource(t *testing.T) {
	src := NewProcessSource()
	assert.Equal(t, []string{"memory", "process", "runtime"}, src.Objects())

	attrs, err := src.Attributes("process", []string{"pid", "uptime"})
	require.NoError(t, err)
	require.Len(t, attrs, 2)
	assert.Equal(t, "pid", attrs[0].Name)
	assert.Positive(t, attrs[0].Value.(int))

	attrs, err = src.Attributes("runtime", []string{"goroutines", "num_cpu", "go_version"})
	require.NoError(t, err)
	require.Len(t, attrs, 3)
	assert.Positive(t, attrs[0].Value.(int))
	assert.Equal(t, runtime.NumCPU(), attrs[1].Value)
	assert.Equal(t, runtime.Version(), attrs[2].Value)

	attrs, err = src.Attributes("memory", []string{"heap_alloc"})
	require.NoError(t, err)
	require.Len(t, attrs, 1)
	assert.Positive(t, attrs[0].Value.(uint64))

	_, err = src.Attributes("nope", []string{"x"})
	require.Error(t, err)
}
