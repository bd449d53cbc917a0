// Copyright 2021 Converter Systems LLC. All rights reserved.

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/awcullen/uasc/client"
	"github.com/awcullen/uasc/ua"
)

func main() {

	ctx, cancel := context.WithCancel(context.Background())

	// open a secure channel to testserver running locally.
	ch, err := client.NewSecureChannel(
		client.WithSecurityPolicyBasic256Sha256(ua.MessageSecurityModeSignAndEncrypt),
		client.WithServerCertificateFile("./pki/server.crt"),
		client.WithClientCertificateFile("./pki/client.crt", "./pki/client.key"),
		client.WithInsecureSkipVerify(), // skips verification of server certificate
		client.WithTokenRequestedLifetime(20000),
		client.WithConnectionStrategy(client.ConnectionStrategy{
			MaxRetry:            5,
			InitialDelay:        time.Second,
			MaxDelay:            10 * time.Second,
			RandomisationFactor: 0.1,
		}),
	)
	if err != nil {
		fmt.Printf("Error creating secure channel. %s\n", err.Error())
		return
	}

	ch.Subscribe(func(e client.Event) {
		switch e := e.(type) {
		case client.BackoffEvent:
			fmt.Printf("Retrying in %s (attempt %d)\n", e.Delay, e.Attempt)
		case client.SecurityTokenRenewedEvent:
			fmt.Printf("Renewed security token %d, lifetime %d ms\n", e.Token.TokenID, e.Token.RevisedLifetime)
		case client.CloseEvent:
			fmt.Printf("Secure channel closed. %v\n", e.Err)
		}
	})

	go func() {
		fmt.Println("Press Ctrl-C to exit...")
		waitForSignal()
		fmt.Println("Stopping client...")
		ch.AbortConnection(context.Background())
		cancel()
	}()

	if err := ch.Create(ctx, "opc.tcp://localhost:46010"); err != nil {
		fmt.Printf("Error opening secure channel. %s\n", err.Error())
		return
	}
	fmt.Printf("Opened secure channel %d\n", ch.SecureChannelID())

	// the token is renewed while the channel stays open.
	<-ctx.Done()

	// close connection
	if err := ch.Close(context.Background()); err != nil {
		fmt.Printf("Error closing secure channel. %s\n", err.Error())
		return
	}
	fmt.Printf("Sent %d bytes, received %d bytes\n", ch.BytesWritten(), ch.BytesRead())
}

func waitForSignal() {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	<-sigs
}
