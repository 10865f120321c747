package quictransport

import (
	"context"
	"crypto/x509"
	"testing"
	"time"

	"go.uber.org/zap"
)

func TestServerConfig(t *testing.T) {
	config, err := ServerConfig()
	if err != nil {
		t.Fatalf("ServerConfig: %v", err)
	}
	if len(config.Certificates) != 1 {
		t.Fatalf("expected one certificate, got %d", len(config.Certificates))
	}
	if len(config.NextProtos) != 1 || config.NextProtos[0] != ALPNProtocol {
		t.Fatalf("unexpected NextProtos %v", config.NextProtos)
	}
	cert, err := x509.ParseCertificate(config.Certificates[0].Certificate[0])
	if err != nil {
		t.Fatalf("parse certificate: %v", err)
	}
	if time.Now().After(cert.NotAfter) {
		t.Fatalf("certificate already expired")
	}
}

func TestClientConfig(t *testing.T) {
	config := ClientConfig()
	if !config.InsecureSkipVerify {
		t.Error("ClientConfig InsecureSkipVerify should be true")
	}
	if len(config.NextProtos) != 1 || config.NextProtos[0] != ALPNProtocol {
		t.Errorf("unexpected NextProtos %v", config.NextProtos)
	}
}

func TestListenAndDial(t *testing.T) {
	logger := zap.NewNop()
	ln, err := Listen("127.0.0.1:0", 4, logger)
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer ln.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	accepted := make(chan error, 1)
	go func() {
		conn, err := ln.Accept(ctx)
		if err == nil {
			defer conn.CloseWithError(0, "")
		}
		accepted <- err
	}()

	conn, err := Dial(ctx, ln.Addr().String(), 4, logger)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.CloseWithError(0, "")
	if err := <-accepted; err != nil {
		t.Fatalf("Accept: %v", err)
	}
	if got := conn.ConnectionState().TLS.NegotiatedProtocol; got != ALPNProtocol {
		t.Fatalf("negotiated %q, want %q", got, ALPNProtocol)
	}
}
