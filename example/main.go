package main

import (
	"context"
	"fmt"
	"log"

	"github.com/tunaaoguzhann/qr-login/core"
)

func main() {
	opts := core.DefaultOptions()
	opts.SigningKey = "my-signing-key-12345"

	svc, err := core.NewService(core.ServiceConfig{
		Options: opts,
		Store:   core.NewMemoryStore(),
	})
	if err != nil {
		log.Fatalf("Failed to create service: %v", err)
	}

	ctx := context.Background()

	// Desktop asks for a QR code.
	qr, err := svc.GenerateQRCode(ctx, &core.ClaimantMeta{IP: "203.0.113.7", UserAgent: "example-desktop"})
	if err != nil {
		log.Fatalf("Failed to generate QR code: %v", err)
	}
	fmt.Printf("Generated QR code:\n")
	fmt.Printf("  Scan URL: %s\n", qr.Payload.URL)
	fmt.Printf("  Expires At: %s\n", qr.ExpiresAt)
	fmt.Printf("  Poll every: %s\n\n", qr.PollInterval)

	status, _ := svc.CheckLoginStatus(ctx, qr.Secret)
	fmt.Printf("Desktop polls: %s (%s)\n", status.State, status.Info.Description)

	// Mobile scans the URL and confirms as user-123.
	secret, err := svc.ResolveScan(qr.Payload.URL)
	if err != nil {
		log.Fatalf("Failed to resolve scan: %v", err)
	}
	if err := svc.ConfirmLogin(ctx, secret, "user-123"); err != nil {
		log.Fatalf("Failed to confirm login: %v", err)
	}

	status, _ = svc.CheckLoginStatus(ctx, qr.Secret)
	fmt.Printf("Desktop polls: %s, user=%s, redirect=%s\n", status.State, status.UserID, status.Redirect)

	if err := svc.ConfirmLogin(ctx, secret, "someone-else"); err != nil {
		fmt.Printf("\nAs expected, the code cannot be used twice: %v\n", err)
	}
}
