// Command parkcheck is the client-side license tool: check the local license,
// activate a purchased key, or start a trial.
//
// Usage:
//
//	parkcheck status
//	parkcheck activate PARK-XXXX-XXXX-XXXX-XXXX
//	parkcheck trial
//
// Exit code 0 means the license is valid; 1 means it is not (or the command
// failed).
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"

	"github.com/joho/godotenv"

	"parklic/internal/authclient"
	"parklic/internal/clientstore"
	"parklic/internal/config"
	"parklic/internal/engine"
	apperrors "parklic/internal/errors"
	"parklic/internal/hwid"
	"parklic/internal/infrastructure"
)

func main() {
	_ = godotenv.Load()
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger, err := infrastructure.InitializeLogger(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}

	resolver := hwid.NewResolver(cfg.Client.FallbackIDPath(), logger)
	store := clientstore.New(cfg.Client.CredentialPath(), cfg.Client.LastCheckPath())
	remote := authclient.New(cfg.Client.AuthorityURL, cfg.Client.RequestTimeout, logger)
	eng := engine.New(store, resolver, remote, cfg.Client.SharedSecret, cfg.Client.CheckInterval, logger)

	ctx := infrastructure.EnsureTraceID(context.Background())
	command := flag.Arg(0)
	if command == "" {
		command = "status"
	}

	var result engine.ValidationResult
	switch command {
	case "status":
		result, err = eng.Check(ctx)

	case "activate":
		key := flag.Arg(1)
		if key == "" {
			fmt.Fprintln(os.Stderr, "usage: parkcheck activate PARK-XXXX-XXXX-XXXX-XXXX")
			os.Exit(1)
		}
		result, err = eng.Activate(ctx, key)

	case "trial":
		result, err = eng.StartTrial(ctx)

	default:
		fmt.Fprintf(os.Stderr, "unknown command %q (expected status, activate, or trial)\n", command)
		os.Exit(1)
	}

	if err != nil {
		logger.Error("license operation failed",
			slog.String("command", command),
			slog.String("error", err.Error()),
		)
		fmt.Fprintln(os.Stderr, friendlyError(err))
		os.Exit(1)
	}

	printResult(result)
	if !result.IsValid {
		os.Exit(1)
	}
}

func printResult(result engine.ValidationResult) {
	switch result.State {
	case engine.StateNoLicense:
		fmt.Println("No license installed. Run 'parkcheck activate <key>' or 'parkcheck trial'.")
	case engine.StateActiveLocal:
		fmt.Printf("License %s is valid (%s, %d days remaining).\n",
			result.LicenseKey, result.Type, result.DaysRemaining)
	case engine.StateExpiringSoon:
		fmt.Printf("License %s is valid but expires in %d days. Renew soon.\n",
			result.LicenseKey, result.DaysRemaining)
	case engine.StatePendingOnlineCheck:
		fmt.Printf("License %s is valid locally; the licensing server could not be reached to confirm (%d days remaining).\n",
			result.LicenseKey, result.DaysRemaining)
	case engine.StateInvalid:
		fmt.Printf("License is not valid: %s\n", invalidReason(result.Reason))
	}
}

func invalidReason(reason string) string {
	switch reason {
	case engine.ReasonInvalidSignature:
		return "the local credential is corrupted or tampered with"
	case engine.ReasonHardwareMismatch:
		return "the license is registered to a different machine"
	case engine.ReasonExpired:
		return "the license has expired"
	case engine.ReasonOnlineRejected:
		return "the licensing server rejected the license"
	default:
		return reason
	}
}

func friendlyError(err error) string {
	switch {
	case errors.Is(err, apperrors.ErrNetworkUnavailable):
		return "The licensing server is unreachable. Check your connection and try again."
	case errors.Is(err, apperrors.ErrAlreadyActivated):
		return "This license is already activated on another machine. Ask support to transfer it."
	case errors.Is(err, apperrors.ErrTrialAlreadyUsed):
		return "A trial was already used on this machine."
	case errors.Is(err, apperrors.ErrLicenseNotFound):
		return "License key not found. Check the key and try again."
	case errors.Is(err, apperrors.ErrInvalidKeyFormat):
		return "The license key format is invalid. Expected PARK-XXXX-XXXX-XXXX-XXXX."
	default:
		return err.Error()
	}
}
