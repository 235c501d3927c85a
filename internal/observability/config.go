package observability

import (
	"net/http"
	"net/http/pprof"
)

// Config captures opt-in observability toggles that wire into the server.
type Config struct {
	EnablePprofTrace bool `yaml:"pprof" json:"pprof" jsonschema:"description=Mount net/http/pprof under /debug/pprof/"`
}

// Register mounts the enabled debug endpoints on mux. It reports whether
// anything was mounted.
func (c Config) Register(mux *http.ServeMux) bool {
	if mux == nil || !c.EnablePprofTrace {
		return false
	}
	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	return true
}
