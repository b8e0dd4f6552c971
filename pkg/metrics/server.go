// HTTP exposition of host metrics
//
// Copyright (C) 2026  Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package metrics

import (
	"crypto/subtle"
	"net/http"
	"strconv"
)

// Gatherer renders metrics in the text exposition format.
type Gatherer interface {
	Gather() string
}

// HandlerOptions configures the /metrics handler.
type HandlerOptions struct {
	// Optional basic auth credentials
	Username string
	Password string
}

// Handler serves g for Prometheus scraping.
func Handler(g Gatherer, opts HandlerOptions) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !checkAuth(w, r, opts) {
			return
		}
		if r.Method != http.MethodGet && r.Method != http.MethodHead {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}

		out := g.Gather()
		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
		w.Header().Set("Content-Length", strconv.Itoa(len(out)))
		if r.Method == http.MethodHead {
			return
		}
		_, _ = w.Write([]byte(out))
	})
}

func checkAuth(w http.ResponseWriter, r *http.Request, opts HandlerOptions) bool {
	if opts.Username == "" && opts.Password == "" {
		return true
	}
	user, pass, ok := r.BasicAuth()
	if ok &&
		subtle.ConstantTimeCompare([]byte(user), []byte(opts.Username)) == 1 &&
		subtle.ConstantTimeCompare([]byte(pass), []byte(opts.Password)) == 1 {
		return true
	}
	w.Header().Set("WWW-Authenticate", `Basic realm="MBE recipe host"`)
	http.Error(w, "Unauthorized", http.StatusUnauthorized)
	return false
}
