package web

import (
	"io/fs"
	"net/http"
	"os"
	"path"
	"strings"
)

// Server serves the chat UI from Dir. Paths without a file extension that
// do not exist fall back to index.html so client-side routes load the app.
type Server struct {
	Dir string
}

func (s *Server) Handler() http.Handler {
	root := os.DirFS(s.Dir)
	fileServer := http.FileServerFS(root)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Cache-Control", "no-store")
		w.Header().Set("Pragma", "no-cache")
		w.Header().Set("Expires", "0")

		name := strings.TrimPrefix(path.Clean("/"+r.URL.Path), "/")
		if name != "" && path.Ext(name) == "" {
			if _, err := fs.Stat(root, name); err != nil {
				http.ServeFileFS(w, r, root, "index.html")
				return
			}
		}
		fileServer.ServeHTTP(w, r)
	})
}
