package server

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"cdpharness/internal/logger"
	"cdpharness/pkg/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeSite(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "index.html"), []byte("<html>home</html>"), 0o644))
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "pages", "privacy"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "pages", "privacy", "privacy.html"), []byte("privacy"), 0o644))
	return dir
}

func get(t *testing.T, url string) (int, string) {
	t.Helper()
	client := &http.Client{Timeout: 5 * time.Second, Transport: &http.Transport{DisableKeepAlives: true}}
	resp, err := client.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	b, _ := io.ReadAll(resp.Body)
	return resp.StatusCode, string(b)
}

func TestStartServesFilesAndStops(t *testing.T) {
	root := writeSite(t)
	s := New()

	h, err := s.Start(context.Background(), 0, root)
	require.NoError(t, err)
	require.True(t, h.Running())
	assert.NotZero(t, h.Port())
	assert.False(t, h.BoundAt().IsZero())

	code, body := get(t, h.URL()+"/")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "<html>home</html>", body)

	code, body = get(t, h.URL()+"/pages/privacy/privacy.html")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "privacy", body)

	code, _ = get(t, h.URL()+"/missing.js")
	assert.Equal(t, http.StatusNotFound, code)

	require.NoError(t, h.Stop(context.Background()))
	assert.False(t, h.Running())
}

func TestStopIsIdempotent(t *testing.T) {
	h, err := New().Start(context.Background(), 0, writeSite(t))
	require.NoError(t, err)

	require.NoError(t, h.Stop(context.Background()))
	require.NoError(t, h.Stop(context.Background()))

	var nilHandle *Handle
	assert.NoError(t, nilHandle.Stop(context.Background()))
}

func TestPortReusableAfterStop(t *testing.T) {
	root := writeSite(t)
	s := New()

	h1, err := s.Start(context.Background(), 0, root)
	require.NoError(t, err)
	port := h1.Port()
	require.NoError(t, h1.Stop(context.Background()))

	h2, err := s.Start(context.Background(), port, root)
	require.NoError(t, err)
	defer h2.Stop(context.Background())
	assert.Equal(t, port, h2.Port())
}

func TestTraversalRejected(t *testing.T) {
	parent := t.TempDir()
	root := filepath.Join(parent, "site")
	require.NoError(t, os.MkdirAll(root, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(parent, "secret.txt"), []byte("secret"), 0o644))
	require.NoError(t, os.Symlink(filepath.Join(parent, "secret.txt"), filepath.Join(root, "link.txt")))

	router := newRouter(root, logger.NewNop())
	for _, p := range []string{"/../secret.txt", "/a/../../secret.txt", "/link.txt"} {
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, p, nil))
		assert.Equal(t, http.StatusNotFound, rec.Code, p)
		assert.NotContains(t, rec.Body.String(), "secret", p)
	}
}

func TestDirectoryRedirectsToTrailingSlash(t *testing.T) {
	root := writeSite(t)
	require.NoError(t, os.WriteFile(filepath.Join(root, "pages", "privacy", "index.html"), []byte("privacy index"), 0o644))
	router := newRouter(root, logger.NewNop())

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/pages/privacy?lang=en", nil))
	assert.Equal(t, http.StatusMovedPermanently, rec.Code)
	assert.Equal(t, "/pages/privacy/?lang=en", rec.Header().Get("Location"))

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/pages/privacy/", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "privacy index", rec.Body.String())
}

func TestWriteMethodsRejected(t *testing.T) {
	router := newRouter(writeSite(t), logger.NewNop())
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/index.html", bytes.NewBufferString("x")))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestStartReclaimsOccupiedPort(t *testing.T) {
	squatter, err := net.Listen("tcp", ":0")
	require.NoError(t, err)
	port := squatter.Addr().(*net.TCPAddr).Port

	s := New()
	s.findPids = func(context.Context, int) ([]int, error) { return []int{424242}, nil }
	var killed []int
	s.kill = func(pid int) error {
		killed = append(killed, pid)
		return squatter.Close()
	}

	h, err := s.Start(context.Background(), port, writeSite(t))
	require.NoError(t, err)
	defer h.Stop(context.Background())
	assert.Equal(t, []int{424242}, killed)
	assert.Equal(t, port, h.Port())
}

func TestStartFailsWhenPortCannotBeReclaimed(t *testing.T) {
	squatter, err := net.Listen("tcp", ":0")
	require.NoError(t, err)
	defer squatter.Close()
	port := squatter.Addr().(*net.TCPAddr).Port

	s := New()
	s.findPids = func(context.Context, int) ([]int, error) { return nil, errors.New("lsof missing") }

	_, err = s.Start(context.Background(), port, writeSite(t))
	require.Error(t, err)
	assert.ErrorIs(t, err, model.ErrPortBind)
}

func TestStartRejectsMissingRoot(t *testing.T) {
	_, err := New().Start(context.Background(), 0, filepath.Join(t.TempDir(), "nope"))
	require.Error(t, err)
	assert.ErrorIs(t, err, model.ErrInfrastructure)
}

func TestParseLsofPids(t *testing.T) {
	tests := []struct {
		name    string
		stdout  string
		stderr  string
		want    []int
		wantErr bool
	}{
		{name: "single pid", stdout: "5044\n", want: []int{5044}},
		{name: "ipv4 and ipv6 listeners dedupe", stdout: "5044\n5044\n5045\n", want: []int{5044, 5045}},
		{name: "empty output", stdout: "", want: nil},
		{name: "stderr present", stderr: "lsof: command not found", wantErr: true},
		{name: "garbage", stdout: "COMMAND PID\n", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseLsofPids(bytes.NewBufferString(tt.stdout), bytes.NewBufferString(tt.stderr))
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
