//go:build ignore

// mint-token.go issues a bearer token for the ledgerd API using the service's
// own signing keyring, for use with the veritas CLI or curl during development.
//
// Run with: go run scripts/mint-token.go -subject officer -scope compliance:admin
package main

import (
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/veritaslegal/veritas/internal/api"
	"github.com/veritaslegal/veritas/internal/signing"
	"go.uber.org/zap"
)

func main() {
	keyDir := flag.String("key-dir", "keys", "directory holding the signing keyring")
	subject := flag.String("subject", "dev", "token subject")
	scopes := flag.String("scope", api.ScopeComplianceAdmin, "comma-separated scopes")
	issuer := flag.String("issuer", "http://localhost:8080", "issuer URL baked into the token")
	ttl := flag.Duration("ttl", time.Hour, "token lifetime")
	flag.Parse()

	keyring := signing.NewKeyring(*keyDir, zap.NewNop())
	if err := keyring.LoadOrCreate(); err != nil {
		fmt.Fprintf(os.Stderr, "mint-token: keyring: %v\n", err)
		os.Exit(1)
	}

	tokens := api.NewTokenIssuer(keyring.SystemKey(), *issuer, *ttl)
	token, err := tokens.Issue(*subject, strings.Split(*scopes, ","))
	if err != nil {
		fmt.Fprintf(os.Stderr, "mint-token: issue: %v\n", err)
		os.Exit(1)
	}

	fmt.Println(token)
}
