package http

import (
	stderrors "errors"
	"fmt"
	"html"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/c360/mesgateway/errors"
)

// handleFallthrough serves static files, then the unhandled hook, then 404.
func (s *Server) handleFallthrough(w http.ResponseWriter, r *http.Request) {
	if s.cfg.StaticRoot != "" && (r.Method == http.MethodGet || r.Method == http.MethodHead) {
		switch err := s.serveStatic(w, r); {
		case err == nil:
			return
		case stderrors.Is(err, errors.ErrPathTraversal):
			s.logger.Warn("path traversal rejected", "path", r.URL.Path, "client_ip", clientAddr(r))
			writeJSON(w, http.StatusForbidden, map[string]any{"success": false, "message": "forbidden"})
			return
		case !os.IsNotExist(err):
			s.logger.Debug("static file not served", "path", r.URL.Path, "error", err)
		}
	}

	if s.unhandled != nil && s.unhandled(w, r) {
		return
	}
	writeJSON(w, http.StatusNotFound, map[string]any{"success": false, "message": "not found: " + r.URL.Path})
}

// resolveStatic maps a URL path to a file under root. The cleaned path and
// its symlink target must both stay under root.
func resolveStatic(root, urlPath string) (string, error) {
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return "", err
	}
	if realRoot, err := filepath.EvalSymlinks(absRoot); err == nil {
		absRoot = realRoot
	}

	full := filepath.Join(absRoot, filepath.FromSlash(urlPath))
	if !within(absRoot, full) {
		return "", errors.WrapInvalid(errors.ErrPathTraversal, "http", "resolveStatic", "resolve "+urlPath)
	}

	target, err := filepath.EvalSymlinks(full)
	if err != nil {
		return "", err
	}
	if !within(absRoot, target) {
		return "", errors.WrapInvalid(errors.ErrPathTraversal, "http", "resolveStatic", "resolve symlink "+urlPath)
	}
	return target, nil
}

func within(root, path string) bool {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return false
	}
	return rel == "." || (rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)))
}

func (s *Server) serveStatic(w http.ResponseWriter, r *http.Request) error {
	path, err := resolveStatic(s.cfg.StaticRoot, r.URL.Path)
	if err != nil {
		return err
	}
	info, err := os.Stat(path)
	if err != nil {
		return err
	}

	if info.IsDir() {
		index := filepath.Join(path, "index.html")
		if idx, err := os.Stat(index); err == nil && !idx.IsDir() {
			return serveFile(w, r, index)
		}
		if !s.cfg.DirectoryListing {
			return os.ErrNotExist
		}
		return listDirectory(w, r, path)
	}
	return serveFile(w, r, path)
}

func serveFile(w http.ResponseWriter, r *http.Request, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return err
	}
	http.ServeContent(w, r, info.Name(), info.ModTime(), f)
	return nil
}

func listDirectory(w http.ResponseWriter, r *http.Request, dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	base := r.URL.Path
	if !strings.HasSuffix(base, "/") {
		base += "/"
	}

	var b strings.Builder
	title := html.EscapeString(r.URL.Path)
	fmt.Fprintf(&b, "<!DOCTYPE html>\n<html><head><meta charset=\"utf-8\"><title>Index of %s</title></head><body>\n", title)
	fmt.Fprintf(&b, "<h1>Index of %s</h1>\n<ul>\n", title)
	if base != "/" {
		b.WriteString("<li><a href=\"../\">../</a></li>\n")
	}
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() {
			name += "/"
		}
		fmt.Fprintf(&b, "<li><a href=\"%s\">%s</a></li>\n", html.EscapeString(base+name), html.EscapeString(name))
	}
	b.WriteString("</ul></body></html>\n")

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, err = w.Write([]byte(b.String()))
	return err
}
