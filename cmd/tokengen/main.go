package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/technosupport/nvr-router/internal/auth"
	"github.com/technosupport/nvr-router/internal/config"
	"github.com/technosupport/nvr-router/internal/tokens"
)

// tokengen mints a bearer token for the router API, signed with
// JWT_SIGNING_KEY. With -revoke it blocks an issued token by its jti instead.
func main() {
	subject := flag.String("sub", "operator", "token subject")
	scopes := flag.String("scopes", tokens.ScopeRulesWrite+","+tokens.ScopeEventsWrite, "comma separated scopes")
	ttl := flag.Duration("ttl", time.Hour, "token lifetime, also how long a revocation is kept")
	revoke := flag.String("revoke", "", "jti of a token to revoke")
	configPath := flag.String("config", "config.yaml", "router config, used to reach Redis for -revoke")
	flag.Parse()

	if *revoke != "" {
		if err := revokeToken(*configPath, *revoke, *ttl); err != nil {
			log.Fatalf("revoke %s: %v", *revoke, err)
		}
		fmt.Printf("revoked %s\n", *revoke)
		return
	}

	key := os.Getenv("JWT_SIGNING_KEY")
	if key == "" {
		log.Fatal("JWT_SIGNING_KEY is not set")
	}

	var list []string
	for _, s := range strings.Split(*scopes, ",") {
		if s = strings.TrimSpace(s); s != "" {
			list = append(list, s)
		}
	}

	mgr := tokens.NewManager(key)
	token, err := mgr.GenerateToken(*subject, list, *ttl)
	if err != nil {
		log.Fatalf("sign token: %v", err)
	}
	if claims, err := mgr.ValidateToken(token); err == nil {
		fmt.Fprintf(os.Stderr, "jti: %s\n", claims.ID)
	}
	fmt.Println(token)
}

func revokeToken(configPath, jti string, ttl time.Duration) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr(),
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer rdb.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return auth.NewRedisRevocations(rdb).Revoke(ctx, jti, ttl)
}
