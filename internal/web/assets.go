package web

import (
	"context"
	"embed"
	"errors"
	"io/fs"
	"net/http"
	"os"
	"path"
	"strings"

	"github.com/matst80/ira/internal/workpool"
)

//go:embed static
var staticFS embed.FS

var ErrAssetNotFound = errors.New("asset not found")

// Assets serves static files from an override directory or, by default,
// from the files built into the binary.
type Assets struct {
	fsys fs.FS
	pool *workpool.Pool // nil for the embedded set
}

// NewAssets serves dir when set; stat calls then run on pool.
func NewAssets(dir string, pool *workpool.Pool) *Assets {
	if dir == "" {
		sub, _ := fs.Sub(staticFS, "static")
		return &Assets{fsys: sub}
	}
	if pool == nil {
		pool = workpool.New(workpool.DefaultSize)
	}
	return &Assets{fsys: os.DirFS(dir), pool: pool}
}

// Find resolves a request path to a regular file name inside the asset set.
func (a *Assets) Find(ctx context.Context, name string) (string, error) {
	clean := strings.TrimPrefix(path.Clean("/"+name), "/")
	if clean == "" || !fs.ValidPath(clean) {
		return "", ErrAssetNotFound
	}
	stat := func() (fs.FileInfo, error) { return fs.Stat(a.fsys, clean) }
	var (
		info fs.FileInfo
		err  error
	)
	if a.pool != nil {
		info, err = workpool.Call(ctx, a.pool, stat)
	} else {
		info, err = stat()
	}
	if err != nil || !info.Mode().IsRegular() {
		return "", ErrAssetNotFound
	}
	return clean, nil
}

// Serve writes the named asset, or a plain "404: Not found" when it is missing.
func (a *Assets) Serve(w http.ResponseWriter, r *http.Request, name string) {
	clean, err := a.Find(r.Context(), name)
	if err != nil {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte("404: Not found"))
		return
	}
	http.ServeFileFS(w, r, a.fsys, clean)
}
