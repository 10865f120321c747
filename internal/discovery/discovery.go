// Package discovery advertises a chunkline server on the local network over
// mDNS and finds one from the client side.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"

	"github.com/grandcat/zeroconf"
	"go.uber.org/zap"
)

const (
	// Domain is the mDNS domain.
	Domain = "local."

	serviceStream   = "_chunkline._tcp"
	serviceDatagram = "_chunkline._udp"
)

// ErrNotFound is returned by Find when no server answered in time.
var ErrNotFound = errors.New("no server found")

// Service is one advertised server.
type Service struct {
	Instance  string
	Host      string
	Port      int
	IPs       []string
	Transport string
	Chunks    int
}

// Addr returns host:port using the first address.
func (s Service) Addr() string {
	host := s.Host
	if len(s.IPs) > 0 {
		host = s.IPs[0]
	}
	return net.JoinHostPort(host, strconv.Itoa(s.Port))
}

// ServiceType returns the mDNS service type for a transport binding. QUIC
// runs over UDP but is a stream binding.
func ServiceType(transport string) string {
	if transport == "udp" {
		return serviceDatagram
	}
	return serviceStream
}

// Text builds the TXT records for a server.
func Text(transport string, chunks int) []string {
	return []string{"transport=" + transport, "chunks=" + strconv.Itoa(chunks)}
}

// parseText reads the TXT records written by Text.
func parseText(records []string, svc *Service) {
	for _, record := range records {
		k, v, ok := strings.Cut(record, "=")
		if !ok {
			continue
		}
		switch k {
		case "transport":
			svc.Transport = v
		case "chunks":
			if n, err := strconv.Atoi(v); err == nil && n > 0 {
				svc.Chunks = n
			}
		}
	}
}

// Advertiser broadcasts one server.
type Advertiser struct {
	server *zeroconf.Server
}

// Advertise starts broadcasting a server listening on port.
func Advertise(instance, transport string, port, chunks int, logger *zap.Logger) (*Advertiser, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if instance == "" {
		host, err := os.Hostname()
		if err != nil {
			host = "server"
		}
		instance = "chunkline-" + host
	}
	server, err := zeroconf.Register(instance, ServiceType(transport), Domain, port, Text(transport, chunks), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to register mDNS service: %w", err)
	}
	logger.Info("advertising server",
		zap.String("instance", instance),
		zap.String("service", ServiceType(transport)),
		zap.Int("port", port),
	)
	return &Advertiser{server: server}, nil
}

// Stop stops broadcasting.
func (a *Advertiser) Stop() {
	if a != nil && a.server != nil {
		a.server.Shutdown()
		a.server = nil
	}
}

// Browse streams servers offering transport until ctx is done.
func Browse(ctx context.Context, transport string, logger *zap.Logger) (<-chan Service, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create mDNS resolver: %w", err)
	}
	entries := make(chan *zeroconf.ServiceEntry)
	results := make(chan Service, 8)
	if err := resolver.Browse(ctx, ServiceType(transport), Domain, entries); err != nil {
		return nil, fmt.Errorf("failed to browse services: %w", err)
	}

	go func() {
		defer close(results)
		for {
			select {
			case <-ctx.Done():
				return
			case entry, ok := <-entries:
				if !ok {
					return
				}
				svc, ok := fromEntry(entry)
				if !ok || (svc.Transport != "" && svc.Transport != transport) {
					continue
				}
				logger.Debug("discovered server", zap.String("instance", svc.Instance), zap.String("addr", svc.Addr()))
				select {
				case results <- svc:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return results, nil
}

func fromEntry(entry *zeroconf.ServiceEntry) (Service, bool) {
	if entry == nil {
		return Service{}, false
	}
	svc := Service{
		Instance: entry.Instance,
		Host:     strings.TrimSuffix(entry.HostName, "."),
		Port:     entry.Port,
	}
	for _, ip := range entry.AddrIPv4 {
		svc.IPs = append(svc.IPs, ip.String())
	}
	for _, ip := range entry.AddrIPv6 {
		svc.IPs = append(svc.IPs, ip.String())
	}
	parseText(entry.Text, &svc)
	if len(svc.IPs) == 0 && svc.Host == "" {
		return Service{}, false
	}
	return svc, true
}

// Find returns the first server offering transport, or ErrNotFound once
// ctx is done.
func Find(ctx context.Context, transport string, logger *zap.Logger) (Service, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	results, err := Browse(ctx, transport, logger)
	if err != nil {
		return Service{}, err
	}
	select {
	case svc, ok := <-results:
		if ok {
			return svc, nil
		}
	case <-ctx.Done():
	}
	return Service{}, ErrNotFound
}
