// Command agentbridge-token issues a bearer token for the agentbridge admin
// API.
package main

import (
	"encoding/hex"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/flowpbx/agentbridge/internal/api/middleware"
	"github.com/flowpbx/agentbridge/internal/config"
)

func main() {
	fs := flag.NewFlagSet("agentbridge-token", flag.ExitOnError)
	secret := fs.String("api-secret", os.Getenv(config.EnvName("api-secret")), "hex-encoded 32-byte admin API secret")
	subject := fs.String("subject", "admin", "token subject, logged with each request")
	ttl := fs.Duration("ttl", middleware.DefaultTokenTTL, "token lifetime")
	_ = fs.Parse(os.Args[1:])

	key, err := hex.DecodeString(*secret)
	if err != nil || len(key) != 32 {
		fmt.Fprintln(os.Stderr, "error: --api-secret must be 64 hex characters")
		os.Exit(1)
	}

	token, expiresAt, err := middleware.GenerateAPIToken(key, *subject, []string{middleware.ScopeCallsRead}, *ttl)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	fmt.Println(token)
	fmt.Fprintf(os.Stderr, "expires %s\n", expiresAt.Format(time.RFC3339))
}
