package browser

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os/exec"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rosterwatch/pkg/config"
	"rosterwatch/pkg/logger"
)

func TestRowsScriptQuotesSelectors(t *testing.T) {
	cfg := config.DefaultConfig().Browser
	cfg.UsernameSelector = `span[title="it's"]`

	js, err := rowsScript(cfg)
	require.NoError(t, err)
	assert.Contains(t, js, `"[data-testid=\"UserCell\"]"`)
	assert.Contains(t, js, `"span[title=\"it's\"]"`)
}

func TestReadyScriptAcceptsRowsOrLogin(t *testing.T) {
	js, err := readyScript(config.DefaultConfig().Browser)
	require.NoError(t, err)
	assert.Contains(t, js, `document.querySelector("[data-testid=\"UserCell\"]")`)
	assert.Contains(t, js, `document.querySelector("[data-testid=\"loginButton\"]")`)
}

func TestAliveScript(t *testing.T) {
	js, err := aliveScript(config.DefaultConfig().Browser)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(js, `!document.querySelector("[data-testid=\"loginButton\"]")`))
}

func findChrome(t *testing.T) string {
	for _, name := range []string{"google-chrome", "chromium", "chromium-browser", "headless-shell"} {
		if p, err := exec.LookPath(name); err == nil {
			return p
		}
	}
	t.Skip("no Chrome binary available")
	return ""
}

const rosterPage = `<!DOCTYPE html><html><body style="margin:0">
%s
<div style="height:2000px"></div>
</body></html>`

func TestSurfaceAgainstChrome(t *testing.T) {
	chrome := findChrome(t)

	var cells strings.Builder
	for i := 0; i < 5; i++ {
		fmt.Fprintf(&cells, `<div data-testid="UserCell" style="height:60px">
<a role="link"><span>User %d</span></a><a role="link" tabindex="-1"><span>@user%d</span></a></div>`, i, i)
	}
	var loggedOut atomic.Bool
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body := fmt.Sprintf(rosterPage, cells.String())
		if loggedOut.Load() {
			body = `<html><body><a data-testid="loginButton">Log in</a></body></html>`
		}
		fmt.Fprint(w, body)
	}))
	defer server.Close()

	cfg := config.DefaultConfig().Browser
	cfg.ExecPath = chrome
	cfg.Headless = true
	cfg.ProfileDir = t.TempDir()
	cfg.NavigationTimeout = 30 * time.Second

	ctx := context.Background()
	b, err := Launch(ctx, cfg, logger.NewNopLogger())
	require.NoError(t, err)
	defer b.Close()

	assert.Error(t, b.Reload(ctx), "no roster page yet")
	b.SetRosterURL(server.URL)
	require.NoError(t, b.Reload(ctx))

	rows, err := b.Rows(ctx)
	require.NoError(t, err)
	require.Len(t, rows, 5)
	assert.Equal(t, 0, rows[0].Top)
	assert.Equal(t, 60, rows[1].Top)
	assert.True(t, rows[0].Visible)

	cand, err := rows[2].Candidate()
	require.NoError(t, err)
	assert.Equal(t, "user2", cand.Username)
	assert.Equal(t, "User 2", cand.DisplayName)

	h, err := b.Height(ctx)
	require.NoError(t, err)
	assert.Greater(t, h, 2000)

	require.NoError(t, b.ScrollTo(ctx, 120))
	rows, err = b.Rows(ctx)
	require.NoError(t, err)
	assert.False(t, rows[0].Visible, "scrolled out of view")
	assert.Equal(t, 0, rows[0].Top, "offsets are absolute")

	alive, err := b.SessionAlive(ctx)
	require.NoError(t, err)
	assert.True(t, alive)

	require.NoError(t, b.Reload(ctx))
	rows, err = b.Rows(ctx)
	require.NoError(t, err)
	assert.True(t, rows[0].Visible, "reload starts from the top")

	loggedOut.Store(true)
	require.NoError(t, b.Reload(ctx), "login form counts as rendered")
	alive, err = b.SessionAlive(ctx)
	require.NoError(t, err)
	assert.False(t, alive)
}
