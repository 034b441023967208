/*
main.go - Application entry point

PURPOSE:
  Starts the fincore CLI. The server, the integrity check and the account
  listing are cobra subcommands sharing one configuration.

COMMANDS:
  serve     HTTP API, webhook intake, integrity scheduler, outbox relay
  verify    One integrity pass; exits non-zero if the books don't hold
  accounts  Chart of accounts with current balances
  token     Issue a JWT for local testing

GLOBAL FLAGS:
  --config   YAML config file (optional)
  --env      .env file (default: ./.env if present)

ENVIRONMENT:
  Every config key can be set as FINCORE_<SECTION>_<KEY>, for example
  FINCORE_DATABASE_DSN or FINCORE_KAFKA_BROKERS. See internal/config.

EXAMPLES:
  # Local server on SQLite
  FINCORE_JWT_SECRET=dev FINCORE_WEBHOOK_SECRET=dev ./server serve

  # Nightly check against Postgres
  FINCORE_DATABASE_DRIVER=postgres FINCORE_DATABASE_DSN=postgres://... ./server verify

SEE ALSO:
  - api/server.go: Router configuration
  - internal/config: Configuration keys
*/
package main

import (
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
