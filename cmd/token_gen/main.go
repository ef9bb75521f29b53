package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/intellioptics/platform/internal/tokens"
)

// Mints an access token outside the login flow, for smoke tests and for
// automation (stream producers, queue consumers) that cannot hold operator
// credentials. The signing key must match the API server's JWT_SECRET.
func main() {
	subject := flag.String("subject", "automation", "token subject (user or service name)")
	roles := flag.String("roles", "", "comma-separated role list")
	ttl := flag.Duration("ttl", 24*time.Hour, "token lifetime")
	flag.Parse()

	key := os.Getenv("JWT_SECRET")
	if key == "" {
		key = "dev-secret-do-not-use-in-prod"
		log.Println("WARNING: JWT_SECRET not set, signing with the development key")
	}

	var roleList []string
	for _, r := range strings.Split(*roles, ",") {
		if t := strings.TrimSpace(r); t != "" {
			roleList = append(roleList, t)
		}
	}

	mgr := tokens.NewManager(key, *ttl)
	token, err := mgr.GenerateAccessToken(*subject, roleList)
	if err != nil {
		log.Fatalf("generate token: %v", err)
	}
	fmt.Println(token)
}
