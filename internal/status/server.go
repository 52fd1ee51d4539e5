// Package status serves health, relay state, the cache snapshot and
// Prometheus metrics over HTTP.
package status

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"pricerelay/config"
	"pricerelay/internal/metrics"
	"pricerelay/internal/sink"
	"pricerelay/internal/subscription"
	"pricerelay/logger"
	"pricerelay/models"
)

// Upstream is satisfied by *subscription.Manager.
type Upstream interface {
	Stats() subscription.Stats
}

// CacheView is satisfied by *cache.Cache.
type CacheView interface {
	SnapshotAll() map[models.TopicID]models.Record
	Len() int
}

// Sources are the components the server reports on. Upstream and Cache are
// nil when the market feed is disabled.
type Sources struct {
	Relay    config.RelayConfig
	Upstream Upstream
	Cache    CacheView
	Sinks    []*sink.Recorder
	// Sections adds named counter groups to /status.
	Sections map[string]func() logger.Fields
}

type Server struct {
	cfg           config.StatusConfig
	src           Sources
	log           *logger.Log
	started       time.Time
	metricEvents  *recent[metrics.Metric]
	problems      *problemLog
	metricHandler metrics.MetricHandlerID
	httpServer    *http.Server
}

// NewServer returns nil when the status server is disabled.
func NewServer(cfg config.StatusConfig, src Sources, log *logger.Log) *Server {
	if !cfg.Enabled {
		return nil
	}
	cfg.Address = normalizeAddress(cfg.Address)

	events := newRecent[metrics.Metric](cfg.History)
	handlerID := metrics.RegisterMetricHandler(events.add, metrics.Filter{Components: cfg.MetricComponents})
	problems := newProblemLog(cfg.History)
	log.AddHook(problems)

	return &Server{
		cfg:           cfg,
		src:           src,
		log:           log,
		started:       time.Now(),
		metricEvents:  events,
		problems:      problems,
		metricHandler: handlerID,
	}
}

// Run serves until ctx is cancelled or the listener fails.
func (s *Server) Run(ctx context.Context) error {
	if s == nil {
		return nil
	}
	defer s.cleanup()

	router, err := s.buildRouter()
	if err != nil {
		return err
	}
	s.httpServer = &http.Server{
		Addr:              s.cfg.Address,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	s.log.WithComponent("status").WithField("address", s.cfg.Address).Info("status server listening")

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		<-errCh
		return nil
	case err := <-errCh:
		return err
	}
}

func (s *Server) cleanup() {
	metrics.UnregisterMetricHandler(s.metricHandler)
	s.problems.close()
}

// Address reports the normalized listen address.
func (s *Server) Address() string {
	if s == nil {
		return ""
	}
	return s.cfg.Address
}

func (s *Server) buildRouter() (*gin.Engine, error) {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	if err := router.SetTrustedProxies(nil); err != nil {
		return nil, err
	}

	router.GET("/healthz", s.handleHealth)
	router.GET("/status", s.handleStatus)
	router.GET("/cache", s.handleCache)
	router.GET("/metrics", gin.WrapH(metrics.Handler()))
	router.GET("/api/metrics", func(c *gin.Context) {
		filter := metrics.Filter{Sink: c.Query("sink"), Topic: c.Query("topic")}
		if component := c.Query("component"); component != "" {
			filter.Components = strings.Split(component, ",")
		}
		out := make([]metricEvent, 0, s.cfg.History)
		for _, m := range s.metricEvents.snapshot() {
			if filter.Match(m) {
				out = append(out, newMetricEvent(m))
			}
		}
		c.JSON(http.StatusOK, gin.H{"metrics": out})
	})
	router.GET("/api/logs", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"logs": s.problems.lines.snapshot()})
	})
	return router, nil
}

// handleHealth reports liveness: it stays 200 while the upstream
// reconnects, and reports the state for humans.
func (s *Server) handleHealth(c *gin.Context) {
	body := gin.H{"status": "ok"}
	if s.src.Upstream != nil {
		body["upstream"] = s.src.Upstream.Stats().State.String()
	}
	c.JSON(http.StatusOK, body)
}

func (s *Server) handleStatus(c *gin.Context) {
	body := gin.H{
		"name":           s.src.Relay.Name,
		"version":        s.src.Relay.Version,
		"uptime_seconds": int64(time.Since(s.started).Seconds()),
	}

	if s.src.Upstream != nil {
		st := s.src.Upstream.Stats()
		upstream := gin.H{
			"state":      st.State.String(),
			"connects":   st.Connects,
			"reconnects": st.Reconnects,
			"received":   st.Received,
			"dropped":    st.Dropped,
		}
		if !st.LastDisconnect.At.IsZero() {
			upstream["last_disconnect"] = gin.H{
				"at":     st.LastDisconnect.At.Format(time.RFC3339Nano),
				"code":   st.LastDisconnect.Code,
				"text":   st.LastDisconnect.Text,
				"reason": st.LastDisconnect.Reason,
			}
		}
		body["upstream"] = upstream
	}
	if s.src.Cache != nil {
		body["cache_entries"] = s.src.Cache.Len()
	}

	sinks := make([]gin.H, 0, len(s.src.Sinks))
	for _, rec := range s.src.Sinks {
		stats := rec.Stats()
		entry := gin.H{
			"name":         rec.Name(),
			"delivered":    stats.Delivered,
			"failed":       stats.Failed,
			"retried":      stats.Retried,
			"dead_letters": stats.DeadLetters,
		}
		if last, ok := rec.Last(); ok {
			lastOut := gin.H{
				"delivery_id": last.DeliveryID,
				"outcome":     last.Label(),
				"status_code": last.StatusCode,
				"attempts":    last.Attempts,
				"duration_ms": last.Duration.Milliseconds(),
			}
			if last.Err != nil {
				lastOut["error"] = last.Err.Error()
			}
			entry["last_delivery"] = lastOut
		}
		sinks = append(sinks, entry)
	}
	body["sinks"] = sinks

	for name, fn := range s.src.Sections {
		body[name] = fn()
	}
	c.JSON(http.StatusOK, body)
}

type cacheEntry struct {
	TopicID         int64               `json:"topic_id"`
	ObservedAt      string              `json:"observed_at"`
	SourceTimestamp int64               `json:"source_timestamp"`
	Fields          map[string]*float64 `json:"fields"`
}

func (s *Server) handleCache(c *gin.Context) {
	if s.src.Cache == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "market feed disabled"})
		return
	}
	snap := s.src.Cache.SnapshotAll()
	entries := make([]cacheEntry, 0, len(snap))
	for _, rec := range snap {
		entries = append(entries, cacheEntry{
			TopicID:         int64(rec.TopicID),
			ObservedAt:      rec.ObservedAt.UTC().Format(time.RFC3339Nano),
			SourceTimestamp: rec.SourceTimestamp,
			Fields:          rec.Fields,
		})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].TopicID < entries[j].TopicID })
	c.JSON(http.StatusOK, gin.H{"entries": entries})
}

// normalizeAddress turns ":8080", "host" or "http://host:port" into a
// host:port listen address.
func normalizeAddress(addr string) string {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return "0.0.0.0:8080"
	}

	if strings.Contains(addr, "://") {
		if parsed, err := url.Parse(addr); err == nil && parsed.Host != "" {
			addr = parsed.Host
		}
	}

	host, port, err := net.SplitHostPort(addr)
	if err == nil {
		if host == "" || host == "*" {
			host = "0.0.0.0"
		}
		if port == "" {
			port = "8080"
		}
		return net.JoinHostPort(host, port)
	}
	if ip := net.ParseIP(addr); ip != nil {
		return net.JoinHostPort(addr, "8080")
	}
	if !strings.Contains(addr, ":") {
		return net.JoinHostPort(addr, "8080")
	}
	return addr
}
