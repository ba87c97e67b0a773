// Command gopades signs PDF documents with keys held on PKCS#11 tokens.
//
// Usage:
//
//	gopades <command> [flags] <args>
//
// Commands:
//
//	modules    List PKCS#11 libraries found on this host
//	slots      List slots and inserted tokens
//	certs      Log in to the configured token and list its certificates
//	sign       Sign one PDF document
//	batch      Sign several PDF documents with one login
//	verify     Check the signatures of a PDF document
//	tsa-serve  Run a local RFC 3161 time-stamping authority for testing
//	version    Show version information
//
// Examples:
//
//	# Sign with the PIN taken from the environment
//	GOPADES_PIN=123456 gopades sign --pin-env GOPADES_PIN contract.pdf
//
//	# Visible, timestamped signature on the last page
//	gopades sign --visible --page -1 --tsa http://timestamp.example.com contract.pdf signed.pdf
//
//	# Sign every PDF of a directory
//	gopades batch --output-dir signed/ incoming/*.pdf
package main

import (
	"github.com/georgepadayatti/gopades/cli"
)

// These variables are set at build time using ldflags:
//
//	go build -ldflags "-X main.version=1.0.0 -X main.buildTime=$(date -u +%Y-%m-%dT%H:%M:%SZ)" ./cmd/gopades
var (
	version   = "dev"
	buildTime = "unknown"
)

func main() {
	cli.Version = version
	cli.BuildTime = buildTime
	cli.Main()
}
