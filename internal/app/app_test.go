package app_test

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"contentline/internal/app"
	"contentline/internal/domain"
	"contentline/internal/engine"
)

func TestOpenFallsBackToDefaultSite(t *testing.T) {
	ctx := context.Background()
	ws := filepath.Join(t.TempDir(), "mysite")
	a, err := app.Open(ctx, app.Options{Workspace: ws, Symbols: app.Builtins(), Log: zerolog.Nop()})
	require.NoError(t, err)
	defer a.Shutdown()

	require.Equal(t, "mysite", a.Conf.ID)
	r, err := a.Root("")
	require.NoError(t, err)
	require.Equal(t, "content", r.Name())
}

func TestLoadSiteRejectsMissingExplicitFile(t *testing.T) {
	_, err := app.LoadSite(app.Options{Workspace: t.TempDir(), Site: filepath.Join(t.TempDir(), "nope.yml"), Log: zerolog.Nop()})
	require.Error(t, err)
}

func TestExportTool(t *testing.T) {
	ctx := context.Background()
	a, err := app.Open(ctx, app.Options{Workspace: t.TempDir(), Symbols: app.Builtins(), Log: zerolog.Nop()})
	require.NoError(t, err)
	defer a.Shutdown()

	u := domain.User{ID: "u1", Groups: []string{"editors"}}
	r, err := a.Root("")
	require.NoError(t, err)
	for _, title := range []string{"Alpha", "Beta", "Gamma"} {
		_, err := r.Contents().Create(ctx, "folder", domain.Values{"title": title}, u, engine.Options{})
		require.NoError(t, err)
	}

	tool, err := a.Tool(r, "export")
	require.NoError(t, err)
	require.NotNil(t, tool)

	var out bytes.Buffer
	ok, err := tool.Execute(ctx, domain.Values{"type": "folder", "limit": 2}, &out)
	require.NoError(t, err)
	require.True(t, ok)

	var titles []string
	sc := bufio.NewScanner(&out)
	for sc.Scan() {
		var line map[string]any
		require.NoError(t, json.Unmarshal(sc.Bytes(), &line))
		require.Equal(t, "folder", line["type"])
		titles = append(titles, line["title"].(string))
	}
	require.Equal(t, []string{"Alpha", "Beta"}, titles)
}
