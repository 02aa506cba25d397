package sandbox

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/user/agentfs/internal/catalog"
	"github.com/user/agentfs/internal/overlay"
	"github.com/user/agentfs/internal/types"
)

func newView(t *testing.T) (*overlay.View, *overlay.View) {
	t.Helper()
	ctx := context.Background()
	reg, err := catalog.NewRegistry(filepath.Join(t.TempDir(), "catalogs"), catalog.Options{PoolSize: 2})
	require.NoError(t, err)
	t.Cleanup(func() { reg.Close() })
	stable, err := reg.Open(ctx, types.StableCatalog)
	require.NoError(t, err)
	top, err := reg.Open(ctx, types.OverlayCatalog(types.NewAgentID()))
	require.NoError(t, err)

	base := overlay.New(stable)
	require.NoError(t, base.WriteFile(ctx, "src/main.go", []byte("package main")))
	require.NoError(t, base.WriteFile(ctx, "src/util/strings.go", []byte("package util")))
	require.NoError(t, base.WriteFile(ctx, "README.md", []byte("# readme")))
	return overlay.New(top, stable), base
}

func TestCapabilitiesBindAgentOverlay(t *testing.T) {
	view, base := newView(t)
	_, err := NewCapabilities(context.Background(), base, types.Limits{})
	require.Error(t, err, "stable alone is not an agent overlay")
	_, err = NewCapabilities(context.Background(), nil, types.Limits{})
	require.Error(t, err)

	caps, err := NewCapabilities(context.Background(), view, types.Limits{})
	require.NoError(t, err)
	require.NotEmpty(t, caps.Agent())
}

func TestCapabilitiesSearchAndWrite(t *testing.T) {
	view, base := newView(t)
	ctx := context.Background()
	caps, err := NewCapabilities(ctx, view, types.Limits{MemoryBytes: 10})
	require.NoError(t, err)

	got, err := caps.Search("**.go")
	require.NoError(t, err)
	require.Equal(t, []string{"src/main.go", "src/util/strings.go"}, got)
	got, err = caps.Search("src/*.go")
	require.NoError(t, err)
	require.Equal(t, []string{"src/main.go"}, got)

	require.NoError(t, caps.WriteFile("notes.txt", []byte("12345")))
	err = caps.WriteFile("more.txt", []byte("123456"))
	require.ErrorIs(t, err, types.ErrResourceLimit)

	_, err = base.ReadFile(ctx, "notes.txt")
	require.ErrorIs(t, err, types.ErrNotFound, "capability writes land in the overlay only")

	require.NoError(t, caps.SubmitResult("done"))
	require.Error(t, caps.SubmitResult("again"))
}

const editScript = `package main

import (
	"agentfs"
	"strings"
)

func Run() error {
	data, err := agentfs.ReadFile("README.md")
	if err != nil {
		return err
	}
	if err := agentfs.WriteFile("README.md", []byte(strings.ToUpper(string(data)))); err != nil {
		return err
	}
	entries, err := agentfs.ListDir("src")
	if err != nil {
		return err
	}
	return agentfs.Submit("uppercased readme, src has " + strings.Repeat("x", len(entries)))
}
`

func TestExecutorRunsScript(t *testing.T) {
	view, base := newView(t)
	ctx := context.Background()
	caps, err := NewCapabilities(ctx, view, types.Limits{})
	require.NoError(t, err)

	sub, err := NewExecutor(nil).Run(ctx, editScript, caps, types.Limits{Timeout: 10 * time.Second})
	require.NoError(t, err)
	require.Equal(t, "uppercased readme, src has xx", sub.Summary)

	got, err := view.ReadFile(ctx, "README.md")
	require.NoError(t, err)
	require.Equal(t, "# README", string(got))
	got, err = base.ReadFile(ctx, "README.md")
	require.NoError(t, err)
	require.Equal(t, "# readme", string(got))
}

func TestExecutorFailures(t *testing.T) {
	cases := []struct {
		name   string
		code   string
		limits types.Limits
		kind   error
	}{
		{
			name: "no submission",
			code: "package main\n\nfunc Run() error { return nil }\n",
			kind: types.ErrRuntime,
		},
		{
			name: "returned error",
			code: "package main\n\nimport \"errors\"\n\nfunc Run() error { return errors.New(\"nope\") }\n",
			kind: types.ErrRuntime,
		},
		{
			name: "forbidden import",
			code: "package main\n\nimport \"os\"\n\nfunc Run() error { return os.RemoveAll(\"/\") }\n",
			kind: types.ErrRuntime,
		},
		{
			name:   "timeout",
			code:   "package main\n\nfunc Run() error {\n\tn := 0\n\tfor {\n\t\tn++\n\t}\n}\n",
			limits: types.Limits{Timeout: 200 * time.Millisecond},
			kind:   types.ErrTimeout,
		},
		{
			name:   "write quota",
			code:   "package main\n\nimport \"agentfs\"\n\nfunc Run() error {\n\tagentfs.WriteFile(\"big.bin\", make([]byte, 64))\n\treturn agentfs.Submit(\"ok\")\n}\n",
			limits: types.Limits{MemoryBytes: 16},
			kind:   types.ErrResourceLimit,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			view, _ := newView(t)
			caps, err := NewCapabilities(context.Background(), view, tc.limits)
			require.NoError(t, err)
			_, err = NewExecutor(nil).Run(context.Background(), tc.code, caps, tc.limits)
			require.ErrorIs(t, err, tc.kind)
		})
	}
}
