/*
Copyright © 2025 Seednode <seednode@seedno.de>
*/

package main

import (
	"embed"
	"errors"
	"io/fs"
	"net/http"
	"os"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/julienschmidt/httprouter"
	"github.com/skip2/go-qrcode"
)

//go:embed public/*
var public embed.FS

const indexFile = "index.html"

// staticFS is the root the static responder serves from.
func staticFS(cfg *Config) (fs.FS, error) {
	if cfg.root != "" {
		return os.DirFS(cfg.root), nil
	}
	return fs.Sub(public, "public")
}

// contentType picks a Content-Type from the file extension. Anything that is
// not a script or stylesheet is served as markup.
func contentType(name string) string {
	switch strings.ToLower(path.Ext(name)) {
	case ".js":
		return "text/javascript; charset=utf-8"
	case ".css":
		return "text/css; charset=utf-8"
	default:
		return "text/html; charset=utf-8"
	}
}

func serveFile(cfg *Config, static fs.FS, name string, w http.ResponseWriter, r *http.Request, errs chan<- error) {
	startTime := time.Now()

	name = path.Clean(strings.TrimPrefix(name, "/"))
	if name == "." || name == "" {
		name = indexFile
	}
	if !fs.ValidPath(name) {
		http.NotFound(w, r)
		return
	}

	data, err := fs.ReadFile(static, name)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			errs <- err
		}
		http.NotFound(w, r)
		return
	}

	w.Header().Set("Content-Type", contentType(name))
	w.Header().Set("Cache-Control", "public, max-age=3600")
	w.Header().Set("Expires", time.Now().Add(time.Hour).UTC().Format(http.TimeFormat))
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	securityHeaders(cfg, w)

	written, err := w.Write(data)
	if err != nil {
		errs <- err

		return
	}

	cfg.logger.Debug().
		Str("file", name).
		Str("size", humanReadableSize(int64(written))).
		Str("remote", realIP(r)).
		Dur("elapsed", time.Since(startTime).Round(time.Microsecond)).
		Msg("served file")
}

func serveHomePage(cfg *Config, static fs.FS, errs chan<- error) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		serveFile(cfg, static, indexFile, w, r, errs)
	}
}

func serveAssets(cfg *Config, static fs.FS, errs chan<- error) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
		serveFile(cfg, static, p.ByName("filepath"), w, r, errs)
	}
}

func serveHealthCheck(cfg *Config, errs chan<- error) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		securityHeaders(cfg, w)

		_, err := w.Write([]byte("Ok\n"))
		if err != nil {
			errs <- err

			return
		}
	}
}

func serveRobots(cfg *Config, errs chan<- error) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
		data := `User-agent: *
Disallow: /`

		w.Header().Set("Cache-Control", "public, max-age=3600")
		w.Header().Set("Expires", time.Now().Add(time.Hour).UTC().Format(http.TimeFormat))
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.Header().Set("Content-Length", strconv.Itoa(len(data)))
		securityHeaders(cfg, w)

		_, err := w.Write([]byte(data))
		if err != nil {
			errs <- err

			return
		}
	}
}

// qrTarget is the game page URL for the request that asked for its QR code.
// X-Forwarded-Proto is trusted only when it names http or https.
func qrTarget(r *http.Request) string {
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}

	switch proto := strings.ToLower(strings.TrimSpace(r.Header.Get("X-Forwarded-Proto"))); proto {
	case "http", "https":
		scheme = proto
	}

	return scheme + "://" + r.Host + strings.TrimSuffix(r.URL.Path, "/qr") + "/"
}

// serveQR renders a PNG QR code pointing at the game page, so players can
// join from a phone.
func serveQR(cfg *Config) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		const qrSize = 320
		png, err := qrcode.Encode(qrTarget(r), qrcode.Medium, qrSize)
		if err != nil {
			http.Error(w, "qr generation failed", http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "image/png")
		securityHeaders(cfg, w)
		_, _ = w.Write(png)
	}
}
