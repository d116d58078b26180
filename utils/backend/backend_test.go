package backend

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/caracal-pipeline/stimela/utils/cab"
	"github.com/caracal-pipeline/stimela/utils/ordered"
	"github.com/caracal-pipeline/stimela/utils/wrangler"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeBackend is a configurable stub for selection tests
type fakeBackend struct {
	name      string
	available bool
	remote    bool
	needImage bool
	ran       bool
}

func (f *fakeBackend) Name() string                 { return f.name }
func (f *fakeBackend) IsAvailable() bool            { return f.available }
func (f *fakeBackend) Status() string               { return "fake" }
func (f *fakeBackend) IsRemote() bool               { return f.remote }
func (f *fakeBackend) RequiresContainerImage() bool { return f.needImage }
func (f *fakeBackend) Run(ctx context.Context, c *cab.Cab, params *ordered.Map, status *cab.RuntimeStatus, opts RunOptions) error {
	f.ran = true
	return nil
}
func (f *fakeBackend) Build(ctx context.Context, c *cab.Cab, rebuild bool, opts RunOptions) error {
	return nil
}

func makeCab(t *testing.T, yamlText string) *cab.Cab {
	t.Helper()
	conf, err := ordered.Unmarshal([]byte(yamlText))
	require.NoError(t, err)
	c, err := cab.FromConfig("", conf)
	require.NoError(t, err)
	require.NoError(t, c.Finalize(""))
	return c
}

func selectOpts(names ...interface{}) *ordered.Map {
	opts := ordered.New()
	list := make([]interface{}, len(names))
	copy(list, names)
	opts.Set("select", list)
	return opts
}

func TestSelectionPriorityOrder(t *testing.T) {
	first := &fakeBackend{name: "first-fake", available: false}
	second := &fakeBackend{name: "second-fake", available: true}
	Register(first)
	Register(second)

	c := makeCab(t, `command: echo`)
	settings, err := ValidateBackendSettings(selectOpts("first-fake", "second-fake"), c)
	require.NoError(t, err)
	assert.Equal(t, "second-fake", settings.Backend.Name())
}

func TestSelectionImageFallback(t *testing.T) {
	container := &fakeBackend{name: "container-fake", available: true, needImage: true}
	plain := &fakeBackend{name: "plain-fake", available: true}
	Register(container)
	Register(plain)

	// a cab without an image falls through to the next backend
	c := makeCab(t, `command: echo`)
	settings, err := ValidateBackendSettings(selectOpts("container-fake", "plain-fake"), c)
	require.NoError(t, err)
	assert.Equal(t, "plain-fake", settings.Backend.Name())

	// with an image, the container backend is selected
	c = makeCab(t, "command: echo\nimage: myimage:1.0")
	settings, err = ValidateBackendSettings(selectOpts("container-fake", "plain-fake"), c)
	require.NoError(t, err)
	assert.Equal(t, "container-fake", settings.Backend.Name())
}

func TestSelectionNoneAvailable(t *testing.T) {
	dead := &fakeBackend{name: "dead-fake", available: false}
	Register(dead)
	c := makeCab(t, `command: echo`)
	_, err := ValidateBackendSettings(selectOpts("dead-fake"), c)
	assert.Error(t, err)
}

func TestSlurmWrapping(t *testing.T) {
	local := &fakeBackend{name: "local-fake", available: true}
	remote := &fakeBackend{name: "remote-fake", available: true, remote: true}
	Register(local)
	Register(remote)

	c := makeCab(t, `command: echo`)
	opts := selectOpts("local-fake")
	require.NoError(t, opts.SetDotted("slurm.enable", true))
	settings, err := ValidateBackendSettings(opts, c)
	require.NoError(t, err)
	assert.Equal(t, "slurm", settings.Wrapper.Name())

	args, _ := settings.Wrapper.WrapRunCommand([]string{"echo", "hi"}, []string{"echo", "hi"}, "step1")
	assert.Equal(t, "srun", args[0])
	assert.Contains(t, args, "--job-name")
	assert.Equal(t, "hi", args[len(args)-1])

	// a remote backend cannot be wrapped with slurm
	opts = selectOpts("remote-fake")
	require.NoError(t, opts.SetDotted("slurm.enable", true))
	_, err = ValidateBackendSettings(opts, c)
	assert.Error(t, err)
}

func TestNativeRunSimpleCab(t *testing.T) {
	c := makeCab(t, `
command: echo
inputs:
  message:
    dtype: str
    policies:
      positional: true
`)
	native, ok := Lookup("native")
	require.True(t, ok)
	status := c.NewRuntimeStatus()
	params := ordered.FromPairs("message", "hello")
	err := native.Run(context.Background(), c, params, status, RunOptions{Fqname: "test.echo"})
	assert.NoError(t, err)
}

func TestNativeRunFailure(t *testing.T) {
	c := makeCab(t, `command: "false"`)
	native, _ := Lookup("native")
	status := c.NewRuntimeStatus()
	err := native.Run(context.Background(), c, ordered.New(), status, RunOptions{Fqname: "test.false"})
	assert.Error(t, err)
}

func TestNativeRunWranglerDeclaredFailure(t *testing.T) {
	// exit code 0, but a wrangler marks the cab as failed
	c := makeCab(t, `
command: echo
inputs:
  message:
    dtype: str
    policies:
      positional: true
management:
  wranglers:
    "FAIL":
      - "ERROR:saw a failure marker"
`)
	native, _ := Lookup("native")
	status := c.NewRuntimeStatus()
	params := ordered.FromPairs("message", "FAIL")
	err := native.Run(context.Background(), c, params, status, RunOptions{Fqname: "test.fail"})
	assert.Error(t, err)
}

func TestNativeRunWranglerDeclaredSuccess(t *testing.T) {
	// non-zero exit, but DECLARE_SUCCESS overrides
	c := makeCab(t, `
command: sh -c "echo WORKED; exit 1"
management:
  wranglers:
    "WORKED":
      - DECLARE_SUCCESS
`)
	native, _ := Lookup("native")
	status := c.NewRuntimeStatus()
	err := native.Run(context.Background(), c, ordered.New(), status, RunOptions{Fqname: "test.override"})
	assert.NoError(t, err)
}

func TestNativeRunParsesSentinelOutput(t *testing.T) {
	c := makeCab(t, `
command: mypkg.func
flavour: python
outputs:
  n: int
`)
	// don't actually invoke python: feed the sentinel through the status
	status := c.NewRuntimeStatus()
	_, _, ok := status.ApplyWranglers(cab.OutputSentinel+`{"n": 3}`, wrangler.Info)
	assert.False(t, ok)
	assert.Equal(t, float64(3), status.Outputs().Get("n"))
}

func TestResolveRequiredMounts(t *testing.T) {
	dir := t.TempDir()
	input := filepath.Join(dir, "input.txt")
	require.NoError(t, os.WriteFile(input, []byte("x"), 0644))
	subdir := filepath.Join(dir, "work")
	require.NoError(t, os.MkdirAll(subdir, 0755))
	nested := filepath.Join(subdir, "data.txt")
	require.NoError(t, os.WriteFile(nested, []byte("y"), 0644))

	c := makeCab(t, `
command: tool
image: img
inputs:
  infile: File
  workdir: Directory
outputs:
  outfile: File
`)
	params := ordered.FromPairs(
		"infile", nested,
		"workdir", subdir,
		"outfile", filepath.Join(subdir, "result.txt"),
	)
	mounts, err := ResolveRequiredMounts(c, params)
	require.NoError(t, err)

	byPath := map[string]Mount{}
	for _, m := range mounts {
		byPath[m.Path] = m
	}
	// the nested input and the output are covered by the workdir mount
	workMount, ok := byPath[subdir]
	require.True(t, ok, "workdir must be mounted, got %v", mounts)
	assert.True(t, workMount.ReadWrite)
	_, redundant := byPath[nested]
	assert.False(t, redundant, "nested file covered by parent mount")
}

func TestMountSymlinks(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "real.txt")
	require.NoError(t, os.WriteFile(target, []byte("x"), 0644))
	linkDir := filepath.Join(dir, "links")
	require.NoError(t, os.MkdirAll(linkDir, 0755))
	link := filepath.Join(linkDir, "alias.txt")
	require.NoError(t, os.Symlink(target, link))

	c := makeCab(t, `
command: tool
image: img
inputs:
  infile: File
`)
	mounts, err := ResolveRequiredMounts(c, ordered.FromPairs("infile", link))
	require.NoError(t, err)

	var paths []string
	for _, m := range mounts {
		paths = append(paths, m.Path)
	}
	// both the link's parent and the target must be visible
	assert.Contains(t, paths, linkDir)
	assert.Contains(t, paths, target)
}
