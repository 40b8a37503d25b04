package server

import (
	"bytes"
	_ "embed"
	"errors"
	"mime"
	"net/http"
	"os"
	"path"
	"strconv"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"github.com/spf13/afero"

	"github.com/conneroisu/livesite/internal/logging"
	"github.com/conneroisu/livesite/internal/version"
)

// ClientScriptPath is the reserved URL of the browser client.
const ClientScriptPath = "/livereload.js"

// DefaultSnippet loads the client script from the serving origin. It replaces
// the first closing head tag of every HTML page.
const DefaultSnippet = "<script src=\"" + ClientScriptPath + "?snipver=1\"></script>\n</head>"

const headClose = "</head>"

//go:embed assets/livereload.js
var clientScript []byte

// StaticOptions configures a StaticHandler.
type StaticOptions struct {
	// IndexFile is served for directory requests.
	IndexFile string
	// Snippet replaces the first "</head>" of HTML responses. Empty uses
	// DefaultSnippet.
	Snippet string
	// ClientScript overrides the embedded client.
	ClientScript []byte
	Logger       logging.Logger
}

// StaticHandler serves the build output with the reload snippet injected
// into HTML pages.
type StaticHandler struct {
	fs     afero.Fs
	opts   StaticOptions
	logger logging.Logger
}

// NewStaticHandler serves files from fs, which is rooted at the output
// folder.
func NewStaticHandler(fs afero.Fs, opts StaticOptions) *StaticHandler {
	if opts.IndexFile == "" {
		opts.IndexFile = "index.html"
	}
	if opts.Snippet == "" {
		opts.Snippet = DefaultSnippet
	}
	if opts.ClientScript == nil {
		opts.ClientScript = clientScript
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.NewNopLogger()
	}

	return &StaticHandler{
		fs:     fs,
		opts:   opts,
		logger: logger.WithComponent("static"),
	}
}

func (h *StaticHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Server", version.ServerHeader())

	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		w.Header().Set("Allow", "GET, HEAD")
		http.Error(w, "405 method not allowed", http.StatusMethodNotAllowed)
		return
	}

	urlPath := r.URL.Path
	if hasDotDot(urlPath) {
		h.notFound(w, urlPath)
		return
	}

	data, name, err := h.lookup(urlPath)
	if err != nil {
		if urlPath == ClientScriptPath {
			h.write(w, r, "application/javascript; charset=utf-8", h.opts.ClientScript)
			return
		}
		if !errors.Is(err, os.ErrNotExist) {
			h.logger.Warn(r.Context(), err, "Failed to read file", "path", urlPath)
		}
		h.notFound(w, urlPath)
		return
	}

	contentType := ContentType(name, data)
	if strings.HasPrefix(contentType, "text/html") {
		data = InjectSnippet(data, h.opts.Snippet)
	}
	h.write(w, r, contentType, data)
}

// lookup resolves urlPath to file content, following directories to the
// index document.
func (h *StaticHandler) lookup(urlPath string) ([]byte, string, error) {
	name := path.Clean("/" + urlPath)

	info, err := h.fs.Stat(name)
	if err != nil {
		return nil, "", err
	}
	if info.IsDir() {
		name = path.Join(name, h.opts.IndexFile)
		info, err = h.fs.Stat(name)
		if err != nil {
			return nil, "", err
		}
		if info.IsDir() {
			return nil, "", os.ErrNotExist
		}
	}

	data, err := afero.ReadFile(h.fs, name)
	if err != nil {
		return nil, "", err
	}
	return data, name, nil
}

func (h *StaticHandler) write(w http.ResponseWriter, r *http.Request, contentType string, data []byte) {
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)
	if r.Method == http.MethodHead {
		return
	}
	_, _ = w.Write(data)
}

func (h *StaticHandler) notFound(w http.ResponseWriter, urlPath string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusNotFound)
	_, _ = w.Write([]byte("404 " + urlPath))
}

// InjectSnippet replaces the first literal "</head>" in page with snippet.
// Pages without one are returned unchanged.
func InjectSnippet(page []byte, snippet string) []byte {
	return bytes.Replace(page, []byte(headClose), []byte(snippet), 1)
}

// ContentType guesses from the file extension and falls back to sniffing
// the content.
func ContentType(name string, data []byte) string {
	if ext := path.Ext(name); ext != "" {
		if ct := mime.TypeByExtension(ext); ct != "" {
			return ct
		}
	}
	return mimetype.Detect(data).String()
}

func hasDotDot(urlPath string) bool {
	if !strings.Contains(urlPath, "..") {
		return false
	}
	for _, segment := range strings.FieldsFunc(urlPath, isSlash) {
		if segment == ".." {
			return true
		}
	}
	return false
}

func isSlash(r rune) bool {
	return r == '/' || r == '\\'
}
