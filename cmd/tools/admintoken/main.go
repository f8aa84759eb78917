package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/joho/godotenv"

	"github.com/noah-isme/backend-farmstay/internal/auth"
)

// Mints a short-lived operator token for the /api/v1/admin routes.
func main() {
	_ = godotenv.Load()

	subject := flag.String("sub", "", "operator identifier (required)")
	ttl := flag.Duration("ttl", time.Hour, "token lifetime")
	flag.Parse()

	if *subject == "" {
		flag.Usage()
		os.Exit(2)
	}

	verifier, err := auth.NewVerifier(
		os.Getenv("ADMIN_JWT_SECRET"),
		envOrDefault("ADMIN_JWT_ISSUER", "farmstay"),
		envOrDefault("ADMIN_JWT_AUDIENCE", "farmstay-admin"),
	)
	if err != nil {
		log.Fatalf("admin verifier: %v", err)
	}

	token, exp, err := verifier.Issue(*subject, *ttl)
	if err != nil {
		log.Fatalf("issue token: %v", err)
	}
	fmt.Fprintf(os.Stderr, "expires %s\n", exp.UTC().Format(time.RFC3339))
	fmt.Println(token)
}

func envOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
