// dumpconfig prints the resolved configuration with credentials masked. It is
// a debugging aid for checking which file and environment values win.
package main

import (
	"flag"
	"fmt"
	"log"

	"github.com/stamns/flow2api/internal/config"
)

func main() {
	configFile := flag.String("config", "", "path to the YAML config file")
	envFile := flag.String("env-file", "", "path to an optional .env file")
	flag.Parse()

	cfg, err := config.Load(config.Options{ConfigFile: *configFile, EnvFile: *envFile})
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	fmt.Printf("server.listen_addr        = %s\n", cfg.Server.ListenAddr)
	fmt.Printf("database.url              = %s\n", mask(cfg.Database.URL))
	fmt.Printf("database.run_migrations   = %t\n", cfg.Database.RunMigrations)
	fmt.Printf("redis.url                 = %s\n", mask(cfg.Redis.URL))
	fmt.Printf("upstream.labs_base_url    = %s\n", cfg.Upstream.LabsBaseURL)
	fmt.Printf("upstream.api_base_url     = %s\n", cfg.Upstream.APIBaseURL)
	fmt.Printf("upstream.timeout          = %s\n", cfg.Upstream.Timeout)
	fmt.Printf("generation.poll_interval  = %s\n", cfg.Generation.PollInterval)
	fmt.Printf("generation.image_timeout  = %s\n", cfg.Generation.ImageTimeout)
	fmt.Printf("generation.video_timeout  = %s\n", cfg.Generation.VideoTimeout)
	fmt.Printf("generation.ban_threshold  = %d\n", cfg.Generation.ErrorBanThreshold)
	fmt.Printf("auth.api_key              = %s\n", mask(cfg.Auth.APIKey))
	fmt.Printf("admin.username            = %s\n", cfg.Admin.Username)
	fmt.Printf("admin.password            = %s\n", mask(cfg.Admin.Password))
	fmt.Printf("admin.jwt_secret          = %s\n", mask(cfg.Admin.JWTSecret))
	fmt.Printf("cache.enabled             = %t\n", cfg.Cache.Enabled)
	fmt.Printf("cache.ttl                 = %s\n", cfg.Cache.TTL)
	fmt.Printf("storage.backend           = %s\n", cfg.Storage.Backend)
	fmt.Printf("proxy.enabled             = %t\n", cfg.Proxy.Enabled)
	fmt.Printf("rate_limits.rpm           = %d\n", cfg.RateLimits.RequestsPerMinute)
	fmt.Printf("rate_limits.parallel      = %d\n", cfg.RateLimits.ParallelRequests)
	fmt.Printf("observability.enable_otlp = %t\n", cfg.Observability.EnableOTLP)
}

func mask(value string) string {
	if value == "" {
		return "(unset)"
	}
	if len(value) <= 8 {
		return "********"
	}
	return value[:4] + "****" + value[len(value)-4:]
}
