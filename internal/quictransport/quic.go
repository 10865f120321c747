// Package quictransport sets up QUIC listeners and dialers for the stream
// binding: a throwaway self-signed certificate on the server and no
// verification on the client.
package quictransport

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"fmt"
	"math/big"
	"time"

	"github.com/quic-go/quic-go"
	"github.com/sheerbytes/chunkline/internal/transport"
	"go.uber.org/zap"
)

// ALPNProtocol identifies chunkline links during the TLS handshake.
const ALPNProtocol = "chunkline-v1"

// ServerConfig returns a TLS configuration with a fresh self-signed
// certificate.
func ServerConfig() (*tls.Config, error) {
	cert, err := generateSelfSignedCert()
	if err != nil {
		return nil, fmt.Errorf("failed to generate certificate: %w", err)
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		NextProtos:   []string{ALPNProtocol},
	}, nil
}

// ClientConfig returns a TLS configuration that accepts any server
// certificate.
func ClientConfig() *tls.Config {
	return &tls.Config{
		InsecureSkipVerify: true,
		NextProtos:         []string{ALPNProtocol},
	}
}

func generateSelfSignedCert() (tls.Certificate, error) {
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return tls.Certificate{}, err
	}
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 62))
	if err != nil {
		return tls.Certificate{}, err
	}
	template := x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{Organization: []string{"chunkline"}},
		NotBefore:             time.Now().Add(-time.Minute),
		NotAfter:              time.Now().Add(365 * 24 * time.Hour),
		KeyUsage:              x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
	}
	certDER, err := x509.CreateCertificate(rand.Reader, &template, &template, &priv.PublicKey, priv)
	if err != nil {
		return tls.Certificate{}, err
	}
	return tls.Certificate{Certificate: [][]byte{certDER}, PrivateKey: priv}, nil
}

// Listen starts a QUIC listener on addr sized for links of chunks lanes.
func Listen(addr string, chunks int, logger *zap.Logger) (*quic.Listener, error) {
	tlsConfig, err := ServerConfig()
	if err != nil {
		return nil, err
	}
	config, tune := transport.LinkQuicConfig(chunks)
	ln, err := quic.ListenAddr(addr, tlsConfig, config)
	if err != nil {
		return nil, fmt.Errorf("quic listen on %s: %w", addr, err)
	}
	logger.Info("quic listener started",
		zap.Stringer("addr", ln.Addr()),
		zap.String("stream_window", transport.FormatBytesMiB(tune.StreamWin)),
		zap.Int("max_streams", tune.MaxStreams))
	return ln, nil
}

// Dial connects to a QUIC listener at addr.
func Dial(ctx context.Context, addr string, chunks int, logger *zap.Logger) (*quic.Conn, error) {
	config, _ := transport.LinkQuicConfig(chunks)
	conn, err := quic.DialAddr(ctx, addr, ClientConfig(), config)
	if err != nil {
		return nil, fmt.Errorf("quic dial %s: %w", addr, err)
	}
	logger.Debug("quic connection established", zap.String("remote", addr))
	return conn, nil
}
