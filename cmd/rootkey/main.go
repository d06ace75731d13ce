// rootkey bootstraps the trust hierarchy: it creates the root key and an
// initial signing key if they do not exist. Idempotent; safe to run on every
// deploy. Requires CA_PASSPHRASE.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"license-control-plane/backend/internal/audit"
	auditrepo "license-control-plane/backend/internal/audit/repository"
	carepo "license-control-plane/backend/internal/ca/repository"
	caservice "license-control-plane/backend/internal/ca/service"
	"license-control-plane/backend/internal/config"
	"license-control-plane/backend/internal/db"
	"license-control-plane/backend/internal/security"
)

func main() {
	scope := flag.String("scope", "", "Scope for the initial signing key (empty for global)")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	if cfg.CAPassphrase == "" {
		fmt.Fprintln(os.Stderr, "CA_PASSPHRASE is not set; refusing to create unsealed keys")
		os.Exit(1)
	}
	if cfg.DatabaseURL == "" {
		fmt.Fprintln(os.Stderr, "DATABASE_URL is not set")
		os.Exit(1)
	}

	ctx := context.Background()

	dbConn, err := db.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("open database: %v", err)
	}
	defer dbConn.Close()

	authority := caservice.NewAuthority(
		carepo.NewPostgresRepository(dbConn),
		security.NewSealer(cfg.KDFCacheTTLDuration()),
		audit.NewLogger(auditrepo.NewPostgresRepository(dbConn)),
		time.Duration(cfg.SigningKeyTTLDays)*24*time.Hour,
	)
	secret := security.NewSecret(cfg.CAPassphrase)
	defer secret.Wipe()

	root, err := authority.FindActiveRoot(ctx)
	if err != nil {
		log.Fatalf("find root: %v", err)
	}
	if root == nil {
		root, err = authority.GenerateRoot(ctx, secret, false)
		if err != nil {
			log.Fatalf("generate root: %v", err)
		}
		fmt.Printf("created root key %s\n", root.KID)
	} else {
		fmt.Printf("root key %s already active\n", root.KID)
	}

	signing, err := authority.FindActiveSigning(ctx, *scope, false)
	if err != nil {
		log.Fatalf("find signing key: %v", err)
	}
	if signing == nil {
		signing, err = authority.IssueSigningKey(ctx, secret, time.Time{}, time.Time{}, *scope)
		if err != nil {
			log.Fatalf("issue signing key: %v", err)
		}
		fmt.Printf("created signing key %s (valid until %s)\n", signing.KID, signing.NotAfter.Format(time.RFC3339))
	} else {
		fmt.Printf("signing key %s already active\n", signing.KID)
	}
}
