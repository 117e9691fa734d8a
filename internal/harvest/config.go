package harvest

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures every knob that influences a harvest run. Values originate
// from Viper so runs can be configured via file, env vars, or CLI flags.
type Config struct {
	Seeds          []string
	SitemapURLs    []string
	AllowedDomains []string
	UserAgent      string
	RespectRobots  bool
	MaxDepth       int
	Workers        int
	MaxPages       int
	DomainQPS      float64
	RequestTimeout time.Duration

	// PopTimeout bounds one frontier pop; GraceWindow is how long a worker
	// re-checks an empty frontier before exiting, so it does not quit while
	// a sibling is mid-insert of discovered links.
	PopTimeout  time.Duration
	GraceWindow time.Duration

	// EmptyPollLimit and PollInterval drive the distributed-mode stop
	// heuristic: the run is considered drained after that many consecutive
	// empty polls. A slow producer on another machine can still defeat this;
	// raise the limit for runs with long enrichment stages.
	EmptyPollLimit int
	PollInterval   time.Duration

	RenderEnabled        bool
	RenderTimeout        time.Duration
	RenderMaxConcurrency int

	DetectorMinHTMLBytes int
	DetectorSelectorMust []string
	DetectorKeywords     []string

	FetchRetries       int
	ForbiddenThreshold int
}

// LoadConfig constructs a Config by reading from Viper.
func LoadConfig(v *viper.Viper) (Config, error) {
	cfg := Config{
		Seeds:                v.GetStringSlice("crawler.target_urls"),
		SitemapURLs:          v.GetStringSlice("crawler.sitemap_urls"),
		AllowedDomains:       v.GetStringSlice("crawler.allowed_domains"),
		UserAgent:            v.GetString("crawler.user_agent"),
		RespectRobots:        v.GetBool("crawler.respect_robots"),
		MaxDepth:             v.GetInt("crawler.max_depth"),
		Workers:              v.GetInt("crawler.workers"),
		MaxPages:             v.GetInt("crawler.max_pages"),
		DomainQPS:            v.GetFloat64("crawler.domain_qps"),
		RequestTimeout:       v.GetDuration("crawler.request_timeout"),
		PopTimeout:           v.GetDuration("crawler.pop_timeout"),
		GraceWindow:          v.GetDuration("crawler.grace_window"),
		EmptyPollLimit:       v.GetInt("crawler.empty_poll_limit"),
		PollInterval:         v.GetDuration("crawler.poll_interval"),
		RenderEnabled:        v.GetBool("renderer.enabled"),
		RenderTimeout:        v.GetDuration("renderer.timeout"),
		RenderMaxConcurrency: v.GetInt("renderer.max_concurrency"),
		DetectorMinHTMLBytes: v.GetInt("detector.min_html_bytes"),
		DetectorSelectorMust: splitSelectors(v.GetString("detector.selector_must")),
		DetectorKeywords:     dedupeKeywords(v.GetStringSlice("detector.keywords")),
		FetchRetries:         v.GetInt("crawler.fetch_retries"),
		ForbiddenThreshold:   v.GetInt("crawler.forbidden_threshold"),
	}
	return cfg, cfg.Validate()
}

// Validate rejects obviously bad configuration combinations.
func (c Config) Validate() error {
	if len(c.Seeds) == 0 {
		return fmt.Errorf("crawler.target_urls must include at least one seed URL")
	}
	if c.UserAgent == "" {
		return fmt.Errorf("crawler.user_agent must be set")
	}
	if c.MaxDepth < -1 {
		return fmt.Errorf("crawler.max_depth must be >= -1")
	}
	if c.Workers <= 0 {
		return fmt.Errorf("crawler.workers must be > 0")
	}
	if c.MaxPages < 0 {
		return fmt.Errorf("crawler.max_pages must be >= 0")
	}
	if c.DomainQPS < 0 {
		return fmt.Errorf("crawler.domain_qps must be >= 0")
	}
	if c.RequestTimeout <= 0 {
		return fmt.Errorf("crawler.request_timeout must be > 0")
	}
	if c.PopTimeout <= 0 {
		return fmt.Errorf("crawler.pop_timeout must be > 0")
	}
	if c.GraceWindow < 0 {
		return fmt.Errorf("crawler.grace_window must be >= 0")
	}
	if c.EmptyPollLimit <= 0 {
		return fmt.Errorf("crawler.empty_poll_limit must be > 0")
	}
	if c.PollInterval <= 0 {
		return fmt.Errorf("crawler.poll_interval must be > 0")
	}
	if c.RenderEnabled {
		if c.RenderTimeout <= 0 {
			return fmt.Errorf("renderer.timeout must be > 0")
		}
		if c.RenderMaxConcurrency <= 0 {
			return fmt.Errorf("renderer.max_concurrency must be > 0")
		}
	}
	if c.DetectorMinHTMLBytes < 0 {
		return fmt.Errorf("detector.min_html_bytes must be >= 0")
	}
	if c.FetchRetries < 0 {
		return fmt.Errorf("crawler.fetch_retries must be >= 0")
	}
	return nil
}

func splitSelectors(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func dedupeKeywords(in []string) []string {
	out := make([]string, 0, len(in))
	seen := make(map[string]struct{})
	for _, kw := range in {
		kw = strings.TrimSpace(kw)
		if kw == "" {
			continue
		}
		if _, dup := seen[kw]; dup {
			continue
		}
		seen[kw] = struct{}{}
		out = append(out, kw)
	}
	return out
}
