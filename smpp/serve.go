package smpp

import (
	"crypto/tls"
	"fmt"
	"net"
	"time"

	"github.com/pires/go-proxyproto"
)

// Listen opens a TCP listener for the gateway. With proxyProtocol set the
// client address is taken from the PROXY header sent by the load balancer.
// A non-nil tlsConfig terminates TLS after the PROXY header is consumed.
func Listen(address string, tlsConfig *tls.Config, proxyProtocol bool) (net.Listener, error) {
	l, err := net.Listen("tcp", address)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", address, err)
	}
	if proxyProtocol {
		l = &proxyproto.Listener{Listener: l, ReadHeaderTimeout: 5 * time.Second}
	}
	if tlsConfig != nil {
		l = tls.NewListener(l, tlsConfig)
	}
	return l, nil
}

// TLSConfig loads a certificate pair for the TLS listener.
func TLSConfig(certPath, keyPath string) (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(certPath, keyPath)
	if err != nil {
		return nil, fmt.Errorf("load tls key pair: %w", err)
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}, nil
}
