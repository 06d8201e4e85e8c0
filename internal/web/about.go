package web

import (
	"net/http"
	"runtime"
	"runtime/debug"
	"sort"
	"strings"
	"time"
)

type AboutResponse struct {
	Service    string            `json:"service"`
	NowUTC     string            `json:"now_utc"`
	GoVersion  string            `json:"go_version"`
	ModulePath string            `json:"module_path,omitempty"`
	Version    string            `json:"version,omitempty"`
	Commit     string            `json:"commit,omitempty"`
	Dirty      bool              `json:"dirty,omitempty"`
	BuildTime  string            `json:"build_time,omitempty"`
	Deps       map[string]string `json:"deps,omitempty"`
}

// Modules whose versions are worth surfacing when debugging a deployment.
var aboutDeps = []string{
	"github.com/gorilla/websocket",
	"github.com/eclipse/paho.mqtt.golang",
	"github.com/nats-io/nats.go",
	"github.com/redis/go-redis/v9",
}

func readAbout(now time.Time) AboutResponse {
	resp := AboutResponse{
		Service:   serviceName,
		NowUTC:    now.UTC().Format(time.RFC3339Nano),
		GoVersion: runtime.Version(),
	}
	bi, ok := debug.ReadBuildInfo()
	if !ok || bi == nil {
		return resp
	}
	resp.ModulePath = bi.Main.Path
	resp.Version = bi.Main.Version
	for _, s := range bi.Settings {
		switch s.Key {
		case "vcs.revision":
			resp.Commit = s.Value
		case "vcs.modified":
			resp.Dirty = s.Value == "true"
		case "vcs.time":
			resp.BuildTime = s.Value
		}
	}
	for _, m := range bi.Deps {
		idx := sort.SearchStrings(sortedAboutDeps, m.Path)
		if idx < len(sortedAboutDeps) && sortedAboutDeps[idx] == m.Path {
			if resp.Deps == nil {
				resp.Deps = map[string]string{}
			}
			resp.Deps[strings.TrimPrefix(m.Path, "github.com/")] = m.Version
		}
	}
	return resp
}

var sortedAboutDeps = func() []string {
	out := append([]string(nil), aboutDeps...)
	sort.Strings(out)
	return out
}()

func AboutHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.Header().Set("Allow", http.MethodGet)
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		writeJSON(w, readAbout(time.Now()))
	})
}
