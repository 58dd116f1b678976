package listener

import (
	"fmt"
	"net"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"
)

// ACMEChallengePrefix is the fixed URL prefix for HTTP-01 challenges.
const ACMEChallengePrefix = "/.well-known/acme-challenge/"

// secondaryHandler serves the plaintext listener that runs alongside a
// TLS primary: ACME challenge files from the webroot, a 301 to the
// secure equivalent for everything else.
type secondaryHandler struct {
	webroot    string
	securePort int
}

func newSecondaryHandler(webroot string, securePort int) *secondaryHandler {
	return &secondaryHandler{webroot: webroot, securePort: securePort}
}

func (h *secondaryHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if h.webroot != "" && strings.HasPrefix(r.URL.Path, ACMEChallengePrefix) {
		h.serveChallenge(w, r)
		return
	}
	h.redirect(w, r)
}

func (h *secondaryHandler) serveChallenge(w http.ResponseWriter, r *http.Request) {
	// Resolve under the webroot, rejecting traversal outside it.
	rel := filepath.FromSlash(strings.TrimPrefix(path.Clean(r.URL.Path), "/"))
	target := filepath.Join(h.webroot, rel)
	if !strings.HasPrefix(target, filepath.Clean(h.webroot)+string(os.PathSeparator)) {
		h.notFound(w)
		return
	}

	data, err := os.ReadFile(target)
	if err != nil {
		h.notFound(w)
		return
	}

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

func (h *secondaryHandler) notFound(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusNotFound)
	_, _ = w.Write([]byte("Not Found"))
}

// redirect sends the HTTPS equivalent of the request URL. The port is
// omitted only when the secure port is the default 443.
func (h *secondaryHandler) redirect(w http.ResponseWriter, r *http.Request) {
	host := r.Host
	if parsed, _, err := net.SplitHostPort(r.Host); err == nil {
		host = parsed
	}

	target := "https://" + host
	if h.securePort != 443 {
		target = fmt.Sprintf("https://%s:%d", host, h.securePort)
	}
	target += r.URL.RequestURI()

	http.Redirect(w, r, target, http.StatusMovedPermanently)
}
