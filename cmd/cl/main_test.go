package main

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"contentline/internal/config"
	"contentline/internal/domain"
	"contentline/internal/engine"
)

func TestValueFlags(t *testing.T) {
	path := filepath.Join(t.TempDir(), "report.pdf")
	require.NoError(t, os.WriteFile(path, []byte("pdf"), 0o644))

	vf := valueFlags{set: []string{"title=a=b", "priority=3"}, files: []string{"attachment=" + path}}
	values, done, err := vf.values()
	defer done()
	require.NoError(t, err)
	require.Equal(t, "a=b", values["title"])
	require.Equal(t, "3", values["priority"])
	up, ok := values["attachment"].(domain.Upload)
	require.True(t, ok)
	require.Equal(t, "report.pdf", up.Filename)
	data, err := io.ReadAll(up.Reader)
	require.NoError(t, err)
	require.Equal(t, "pdf", string(data))

	_, done2, err := (&valueFlags{set: []string{"novalue"}}).values()
	defer done2()
	require.Error(t, err)
	_, done3, err := (&valueFlags{files: []string{"k=" + filepath.Join(t.TempDir(), "missing")}}).values()
	defer done3()
	require.Error(t, err)
}

func checkSite(t *testing.T, conf *config.AppConf) []config.Problem {
	t.Helper()
	a := engine.New(conf, nil, nil)
	require.NoError(t, a.Startup(context.Background()))
	return checkDescriptors(conf, a.Registry.Descriptors())
}

func TestCheckDescriptorsDefaultSite(t *testing.T) {
	for _, p := range checkSite(t, config.Default("demo")) {
		require.NotEqual(t, config.SeverityError, p.Severity, p.String())
	}
}

func TestCheckDescriptorsReportsOnce(t *testing.T) {
	conf, err := config.FromYAML([]byte(`id: broken
modules:
  - type: root
    id: content
  - type: tool
    id: dangling
`), nil)
	require.NoError(t, err)
	var hits int
	for _, p := range checkSite(t, conf) {
		if p.Severity == config.SeverityError && p.Message == "func is required" {
			hits++
		}
	}
	require.Equal(t, 1, hits)
}
