// Package dockerutil builds Docker API clients for the environments the
// core manages and detects daemon capabilities that affect how containers
// are created.
package dockerutil

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/docker/docker/client"
)

// Endpoint describes how to reach one Environment's Docker daemon.
type Endpoint struct {
	Host      string
	CACertPEM string
	CertPEM   string
	KeyPEM    string
}

// NewClient builds a Docker API client for an Endpoint. A bare Unix socket
// or unauthenticated TCP host is used as-is; when all three PEM fields are
// present, mutual TLS is configured.
func NewClient(ep Endpoint) (*client.Client, error) {
	if ep.Host == "" {
		return client.NewClientWithOpts(
			client.FromEnv,
			client.WithAPIVersionNegotiation(),
		)
	}

	opts := []client.Opt{
		client.WithHost(ep.Host),
		client.WithAPIVersionNegotiation(),
	}

	if ep.CACertPEM != "" && ep.CertPEM != "" && ep.KeyPEM != "" {
		tlsOpt, err := tlsClientOption(ep.CACertPEM, ep.CertPEM, ep.KeyPEM)
		if err != nil {
			return nil, fmt.Errorf("configuring TLS for %s: %w", ep.Host, err)
		}
		opts = append(opts, tlsOpt)
	}

	return client.NewClientWithOpts(opts...)
}

// tlsClientOption builds a client.Opt carrying an HTTP transport configured
// for mutual TLS against a remote daemon. Streaming Docker API calls (logs,
// events, pull progress) are long-lived, so the transport deliberately sets
// no overall request timeout.
func tlsClientOption(caCertPEM, certPEM, keyPEM string) (client.Opt, error) {
	caCertPool := x509.NewCertPool()
	if !caCertPool.AppendCertsFromPEM([]byte(caCertPEM)) {
		return nil, fmt.Errorf("failed to parse CA certificate")
	}

	clientCert, err := tls.X509KeyPair([]byte(certPEM), []byte(keyPEM))
	if err != nil {
		return nil, fmt.Errorf("failed to parse client certificate/key: %w", err)
	}

	tlsConfig := &tls.Config{
		Certificates: []tls.Certificate{clientCert},
		RootCAs:      caCertPool,
		MinVersion:   tls.VersionTLS12,
	}

	httpClient := &http.Client{
		Transport: &http.Transport{
			DialContext: (&net.Dialer{
				Timeout:   30 * time.Second,
				KeepAlive: 30 * time.Second,
			}).DialContext,
			TLSClientConfig:       tlsConfig,
			TLSHandshakeTimeout:   10 * time.Second,
			IdleConnTimeout:       90 * time.Second,
			ResponseHeaderTimeout: 10 * time.Second,
		},
	}

	return client.WithHTTPClient(httpClient), nil
}

// TruncateID shortens a container or image ID for log output.
func TruncateID(id string, length int) string {
	if len(id) <= length {
		return id
	}
	return id[:length]
}
