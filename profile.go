/*
Copyright © 2026 Seednode <seednode@seedno.de>
*/

package main

import (
	"net/http/pprof"

	"github.com/julienschmidt/httprouter"
)

var namedProfiles = []string{"allocs", "block", "goroutine", "heap", "mutex", "threadcreate"}

// registerProfileHandlers exposes net/http/pprof under $prefix/pprof.
func registerProfileHandlers(cfg *Config, mux *httprouter.Router) {
	base := cfg.prefix + "/pprof/"

	for _, name := range namedProfiles {
		mux.Handler("GET", base+name, pprof.Handler(name))
	}

	mux.HandlerFunc("GET", base+"cmdline", pprof.Cmdline)
	mux.HandlerFunc("GET", base+"profile", pprof.Profile)
	mux.HandlerFunc("GET", base+"symbol", pprof.Symbol)
	mux.HandlerFunc("GET", base+"trace", pprof.Trace)
}
