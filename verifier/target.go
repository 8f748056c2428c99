package verifier

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"

	"auditor-zk/shared"
)

// TargetConn is an established connection to the target server together
// with the identity the verifier observed for it.
type TargetConn struct {
	net.Conn
	ServerIdentity string
}

// TargetDialer opens connections to target servers.
type TargetDialer interface {
	Dial(ctx context.Context, host string, port int, serverName string) (*TargetConn, error)
}

// ServerAllowed reports whether serverName matches the allow-list. Entries
// beginning with "." match any subdomain of the rest.
func ServerAllowed(allowed []string, serverName string) bool {
	name := strings.ToLower(strings.TrimSuffix(serverName, "."))
	if name == "" {
		return false
	}
	for _, entry := range allowed {
		entry = strings.ToLower(entry)
		if strings.HasPrefix(entry, ".") {
			if strings.HasSuffix(name, entry) && len(name) > len(entry) {
				return true
			}
			continue
		}
		if name == entry {
			return true
		}
	}
	return false
}

// TLSTargetDialer dials the target with TLS and verifies the certificate
// against the requested server name. The verified name becomes the server
// identity.
type TLSTargetDialer struct {
	roots *x509.CertPool
}

// NewTLSTargetDialer uses the system roots, plus the PEM bundle at caFile
// when given.
func NewTLSTargetDialer(caFile string) (*TLSTargetDialer, error) {
	roots, err := x509.SystemCertPool()
	if err != nil || roots == nil {
		roots = x509.NewCertPool()
	}
	if caFile != "" {
		pem, err := os.ReadFile(caFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read target CA file: %v", err)
		}
		if !roots.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("no certificates found in %s", caFile)
		}
	}
	return &TLSTargetDialer{roots: roots}, nil
}

// NewTLSTargetDialerWithRoots uses exactly the given pool.
func NewTLSTargetDialerWithRoots(roots *x509.CertPool) *TLSTargetDialer {
	return &TLSTargetDialer{roots: roots}
}

func (d *TLSTargetDialer) Dial(ctx context.Context, host string, port int, serverName string) (*TargetConn, error) {
	if serverName == "" {
		serverName = host
	}
	dialer := &tls.Dialer{
		Config: &tls.Config{
			ServerName: serverName,
			RootCAs:    d.roots,
			MinVersion: tls.VersionTLS12,
			NextProtos: []string{"http/1.1"},
		},
	}
	conn, err := dialer.DialContext(ctx, "tcp", net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		return nil, shared.NewError(shared.KindServerRejected,
			fmt.Sprintf("failed to establish TLS with %s", serverName), err)
	}

	state := conn.(*tls.Conn).ConnectionState()
	if len(state.PeerCertificates) == 0 {
		conn.Close()
		return nil, shared.Errorf(shared.KindServerRejected, "%s presented no certificate", serverName)
	}
	return &TargetConn{Conn: conn, ServerIdentity: serverName}, nil
}
