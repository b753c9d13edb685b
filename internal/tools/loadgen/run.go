// Package loadgen drives synthetic traffic against a running lobbyd so
// dashboards and alert rules can be exercised without real clients.
package loadgen

import (
	"context"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"strings"
	"sync"
	"time"
)

type Config struct {
	BaseURL     string
	Profile     string
	Duration    time.Duration
	RPS         int
	Concurrency int
	Seed        int64
	// Token, when set, is sent as the bearer credential on API routes so
	// authenticated paths get traffic too; without it those routes exercise
	// the 401 path, which is still useful signal.
	Token string
}

type Result struct {
	TotalRequests int
	Failures      int
	Dropped       int
	StatusClasses map[string]int
	Elapsed       time.Duration
}

type route struct {
	method string
	path   string
	authed bool
}

func profileRoutes(profile string) ([]route, error) {
	health := []route{
		{http.MethodGet, "/health/live", false},
		{http.MethodGet, "/health/ready", false},
	}
	lists := []route{
		{http.MethodGet, "/api/v1/lists/gamelist", true},
		{http.MethodGet, "/api/v1/lists/listcontest", true},
		{http.MethodGet, "/api/v1/games?page=1&page_size=20", true},
	}
	sessions := []route{
		{http.MethodPost, "/api/v1/sessions/refresh", true},
	}
	switch profile {
	case "mixed":
		return append(append(health, lists...), sessions...), nil
	case "lists":
		return lists, nil
	case "auth":
		return sessions, nil
	case "health":
		return health, nil
	default:
		return nil, fmt.Errorf("unknown load profile %q", profile)
	}
}

// Run paces requests at cfg.RPS across cfg.Concurrency workers for
// cfg.Duration. Ticks that find every worker busy are dropped, not queued,
// so the generator never amplifies a slow target.
func Run(ctx context.Context, cfg Config) (Result, error) {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "http://localhost:8080"
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.Duration <= 0 {
		cfg.Duration = 5 * time.Second
	}
	if cfg.RPS <= 0 {
		cfg.RPS = 10
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	routes, err := profileRoutes(normalizeProfile(cfg.Profile))
	if err != nil {
		return Result{}, err
	}

	runCtx, cancel := context.WithTimeout(ctx, cfg.Duration)
	defer cancel()

	res := Result{StatusClasses: make(map[string]int)}
	var mu sync.Mutex
	client := &http.Client{Timeout: 10 * time.Second}
	jobs := make(chan route)
	var wg sync.WaitGroup

	for i := 0; i < cfg.Concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for rt := range jobs {
				status, err := fire(runCtx, client, cfg, rt)
				mu.Lock()
				res.TotalRequests++
				if err != nil {
					res.Failures++
					res.StatusClasses["error"]++
				} else {
					res.StatusClasses[classifyStatusClass(status)]++
					if status >= 500 {
						res.Failures++
					}
				}
				mu.Unlock()
			}
		}()
	}

	rng := rand.New(rand.NewSource(cfg.Seed))
	interval := time.Second / time.Duration(cfg.RPS)
	if interval <= 0 {
		interval = time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	started := time.Now()

pacing:
	for {
		select {
		case <-runCtx.Done():
			break pacing
		case <-ticker.C:
			rt := routes[rng.Intn(len(routes))]
			select {
			case jobs <- rt:
			case <-runCtx.Done():
				break pacing
			default:
				mu.Lock()
				res.Dropped++
				mu.Unlock()
			}
		}
	}
	close(jobs)
	wg.Wait()
	res.Elapsed = time.Since(started)
	return res, nil
}

func fire(ctx context.Context, client *http.Client, cfg Config, rt route) (int, error) {
	req, err := http.NewRequestWithContext(ctx, rt.method, cfg.BaseURL+rt.path, nil)
	if err != nil {
		return 0, err
	}
	if rt.authed && cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+cfg.Token)
	}
	resp, err := client.Do(req)
	if err != nil {
		return 0, err
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	_ = resp.Body.Close()
	return resp.StatusCode, nil
}

func classifyStatusClass(status int) string {
	switch {
	case status >= 200 && status < 300:
		return "2xx"
	case status >= 300 && status < 400:
		return "3xx"
	case status >= 400 && status < 500:
		return "4xx"
	case status >= 500 && status < 600:
		return "5xx"
	default:
		return "other"
	}
}

func normalizeProfile(profile string) string {
	profile = strings.ToLower(strings.TrimSpace(profile))
	if profile == "" {
		return "mixed"
	}
	return profile
}
