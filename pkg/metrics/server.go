package metrics

import (
	"context"
	"errors"
	"fmt"
	"html/template"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/marmos91/dittodrive/internal/logger"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Server serves the drive's metrics over HTTP.
//
// Endpoints:
//   - GET /metrics: Prometheus exposition (OpenMetrics when negotiated)
//   - GET /healthz: liveness check
//   - GET /: landing page listing the gathered families by group
type Server struct {
	server       *http.Server
	port         int
	shutdownOnce sync.Once
}

// ServerConfig configures the metrics HTTP server.
type ServerConfig struct {
	// Port to listen on (default: 9090)
	Port int
}

// NewServer creates a stopped metrics server. Call Start to serve.
func NewServer(config ServerConfig) *Server {
	if config.Port <= 0 {
		config.Port = 9090
	}

	return &Server{
		server: &http.Server{
			Addr:         fmt.Sprintf(":%d", config.Port),
			Handler:      newMux(),
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
		port: config.Port,
	}
}

func newMux() *http.ServeMux {
	mux := http.NewServeMux()

	if reg := GetRegistry(); reg != nil {
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{EnableOpenMetrics: true}))
	} else {
		mux.HandleFunc("/metrics", func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "metrics collection is disabled", http.StatusServiceUnavailable)
		})
	}

	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		_, _ = fmt.Fprintln(w, "ok")
	})

	mux.HandleFunc("/", serveIndex)
	return mux
}

type indexGroup struct {
	Name     string
	Title    string
	Families []Family
}

var groupTitles = map[string]string{
	GroupDrive:   "Directory tree",
	GroupStorage: "Storage backends",
	GroupGC:      "Garbage collection",
	GroupRuntime: "Runtime",
}

var indexTemplate = template.Must(template.New("index").Parse(`<!DOCTYPE html>
<html>
<head>
    <title>DittoDrive Metrics</title>
    <style>
        body { font-family: sans-serif; max-width: 960px; margin: 40px auto; padding: 0 20px; }
        table { border-collapse: collapse; width: 100%; margin-bottom: 24px; }
        th, td { text-align: left; padding: 4px 8px; border-bottom: 1px solid #ddd; }
        code { font-size: 0.9em; }
    </style>
</head>
<body>
    <h1>DittoDrive Metrics</h1>
    <p>Scrape <a href="/metrics">/metrics</a>. Vectors appear once the drive has recorded a series.</p>
{{- if not .Enabled }}
    <p>Metrics collection is disabled.</p>
{{- end }}
{{- range .Groups }}
    <h2 id="{{ .Name }}">{{ .Title }}</h2>
    <table>
        <tr><th>Family</th><th>Type</th><th>Series</th><th>Help</th></tr>
    {{- range .Families }}
        <tr><td><code>{{ .Name }}</code></td><td>{{ .Type }}</td><td>{{ .Series }}</td><td>{{ .Help }}</td></tr>
    {{- end }}
    </table>
{{- end }}
</body>
</html>
`))

func serveIndex(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}

	families, err := Families()
	if err != nil {
		logger.Warn("Metrics: gathering families: %v", err)
	}

	var groups []indexGroup
	for _, f := range families {
		if len(groups) == 0 || groups[len(groups)-1].Name != f.Group {
			groups = append(groups, indexGroup{Name: f.Group, Title: groupTitles[f.Group]})
		}
		last := &groups[len(groups)-1]
		last.Families = append(last.Families, f)
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	data := struct {
		Enabled bool
		Groups  []indexGroup
	}{IsEnabled(), groups}
	if err := indexTemplate.Execute(w, data); err != nil {
		logger.Debug("Metrics: rendering index: %v", err)
	}
}

// Start serves until ctx is cancelled, then shuts down gracefully. It
// returns an error if the port cannot be bound or serving fails.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.server.Addr)
	if err != nil {
		return fmt.Errorf("metrics server: %w", err)
	}
	logger.Info("Metrics server listening on %s", ln.Addr())

	errCh := make(chan error, 1)
	go func() { errCh <- s.server.Serve(ln) }()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.Stop(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("metrics server: %w", err)
	}
}

// Stop shuts the server down. Only the first call has an effect.
func (s *Server) Stop(ctx context.Context) error {
	var err error
	s.shutdownOnce.Do(func() {
		if err = s.server.Shutdown(ctx); err != nil {
			err = fmt.Errorf("metrics server shutdown: %w", err)
			return
		}
		logger.Info("Metrics server stopped")
	})
	return err
}

// Port returns the configured TCP port.
func (s *Server) Port() int {
	return s.port
}
