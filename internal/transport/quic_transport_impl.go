package transport

import (
	"context"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"errors"
	"fmt"
	"math/big"
	"net"
	"net/netip"
	"time"

	"github.com/quic-go/quic-go"

	"github.com/i5heu/ouroboros-docs/pkg/keys"
	"github.com/i5heu/ouroboros-docs/pkg/peer"
)

const (
	alpnProtocol     = "ouroboros-docs/1"
	handshakeTimeout = 10 * time.Second
	idleTimeout      = 30 * time.Second
	keepAlive        = 10 * time.Second
	certValidityDays = 365
)

// QuicTransport is the QUIC implementation of Transport.
type QuicTransport struct { // A
	listener *quic.Listener
	secret   *keys.NodeSecret
	tlsCert  tls.Certificate
	ctx      context.Context
	cancel   context.CancelFunc
}

var _ Transport = (*QuicTransport)(nil)

// NewQuicTransport creates a QUIC transport bound to
// listenAddr, identified by secret.
func NewQuicTransport( // A
	listenAddr string,
	secret *keys.NodeSecret,
) (*QuicTransport, error) {
	cert, err := generateSelfSignedCert(secret)
	if err != nil {
		return nil, fmt.Errorf(
			"generate TLS cert: %w", err,
		)
	}

	ctx, cancel := context.WithCancel(
		context.Background(),
	)

	t := &QuicTransport{
		secret:  secret,
		tlsCert: cert,
		ctx:     ctx,
		cancel:  cancel,
	}

	listener, err := quic.ListenAddr(
		listenAddr,
		t.serverTLSConfig(),
		t.quicConfig(),
	)
	if err != nil {
		cancel()
		return nil, fmt.Errorf(
			"listen %s: %w", listenAddr, err,
		)
	}
	t.listener = listener

	return t, nil
}

// ListenAddr returns the actual address the
// transport is listening on.
func (t *QuicTransport) ListenAddr() string { // A
	return t.listener.Addr().String()
}

// LocalAddr returns the node id with the bound
// socket address. Unspecified listen IPs are
// reported as loopback.
func (t *QuicTransport) LocalAddr() peer.NodeAddr { // A
	addr := peer.NodeAddr{NodeID: t.secret.ID()}
	udp, ok := t.listener.Addr().(*net.UDPAddr)
	if !ok {
		return addr
	}
	ap := udp.AddrPort()
	ip := ap.Addr().Unmap()
	if ip.IsUnspecified() {
		ip = netip.AddrFrom4([4]byte{127, 0, 0, 1})
	}
	addr.DirectAddresses = []netip.AddrPort{
		netip.AddrPortFrom(ip, ap.Port()),
	}
	return addr
}

// Dial tries each direct address of addr in order
// and returns the first connection whose peer proves
// addr.NodeID.
func (t *QuicTransport) Dial( // A
	ctx context.Context,
	addr peer.NodeAddr,
) (Connection, error) {
	if t.ctx.Err() != nil {
		return nil, ErrClosed
	}
	if len(addr.DirectAddresses) == 0 {
		return nil, fmt.Errorf(
			"%w: %s", ErrNoAddress, addr.NodeID.Short(),
		)
	}

	var errs []error
	for _, ap := range addr.DirectAddresses {
		conn, err := quic.DialAddr(
			ctx,
			ap.String(),
			t.clientTLSConfig(),
			t.quicConfig(),
		)
		if err != nil {
			errs = append(errs, fmt.Errorf(
				"dial %s: %w", ap, err,
			))
			continue
		}
		id, err := peerNodeID(conn)
		if err == nil && id != addr.NodeID {
			err = fmt.Errorf(
				"%w: dialed %s, got %s",
				ErrPeerMismatch,
				addr.NodeID.Short(),
				id.Short(),
			)
		}
		if err != nil {
			_ = conn.CloseWithError(1, "identity")
			errs = append(errs, err)
			continue
		}
		return newQuicConnection(conn, id), nil
	}
	return nil, errors.Join(errs...)
}

// Accept waits for the next inbound connection.
func (t *QuicTransport) Accept( // A
	ctx context.Context,
) (Connection, error) {
	for {
		conn, err := t.listener.Accept(ctx)
		if err != nil {
			if t.ctx.Err() != nil {
				return nil, ErrClosed
			}
			return nil, fmt.Errorf("accept: %w", err)
		}
		id, err := peerNodeID(conn)
		if err != nil {
			_ = conn.CloseWithError(1, "identity")
			continue
		}
		return newQuicConnection(conn, id), nil
	}
}

// Close stops the listener. Accepted connections
// stay open until their owner closes them.
func (t *QuicTransport) Close() error { // A
	t.cancel()
	return t.listener.Close()
}

func (t *QuicTransport) serverTLSConfig() *tls.Config { // A
	return &tls.Config{
		Certificates:          []tls.Certificate{t.tlsCert},
		ClientAuth:            tls.RequireAnyClientCert,
		NextProtos:            []string{alpnProtocol},
		MinVersion:            tls.VersionTLS13,
		VerifyPeerCertificate: verifyEd25519Cert,
	}
}

func (t *QuicTransport) clientTLSConfig() *tls.Config { // A
	return &tls.Config{
		Certificates: []tls.Certificate{
			t.tlsCert,
		},
		// #nosec G402 -- the peer proves its NodeID through the
		// certificate key, checked in VerifyPeerCertificate and Dial.
		InsecureSkipVerify:    true,
		NextProtos:            []string{alpnProtocol},
		MinVersion:            tls.VersionTLS13,
		VerifyPeerCertificate: verifyEd25519Cert,
	}
}

func (t *QuicTransport) quicConfig() *quic.Config { // A
	return &quic.Config{
		HandshakeIdleTimeout: handshakeTimeout,
		MaxIdleTimeout:       idleTimeout,
		KeepAlivePeriod:      keepAlive,
	}
}

// verifyEd25519Cert accepts exactly one self-signed
// certificate carrying an Ed25519 key. The TLS 1.3
// CertificateVerify already proves possession of
// that key.
func verifyEd25519Cert( // A
	raw [][]byte,
	_ [][]*x509.Certificate,
) error {
	if len(raw) != 1 {
		return fmt.Errorf(
			"expected one certificate, got %d",
			len(raw),
		)
	}
	cert, err := x509.ParseCertificate(raw[0])
	if err != nil {
		return fmt.Errorf("parse certificate: %w", err)
	}
	if _, ok := keys.NodeIDFromCertificate(cert); !ok {
		return errors.New("certificate key is not Ed25519")
	}
	if err := cert.CheckSignature(
		cert.SignatureAlgorithm,
		cert.RawTBSCertificate,
		cert.Signature,
	); err != nil {
		return fmt.Errorf("certificate not self-signed: %w", err)
	}
	return nil
}

// peerNodeID derives the remote NodeID from the
// certificate presented during the handshake.
func peerNodeID( // A
	conn *quic.Conn,
) (keys.NodeID, error) {
	certs := conn.ConnectionState().TLS.PeerCertificates
	if len(certs) == 0 {
		return keys.NodeID{}, errors.New(
			"peer presented no certificate",
		)
	}
	id, ok := keys.NodeIDFromCertificate(certs[0])
	if !ok {
		return keys.NodeID{}, errors.New(
			"peer certificate key is not Ed25519",
		)
	}
	return id, nil
}

// generateSelfSignedCert creates a self-signed
// certificate for the node key, so the certificate
// public key equals the NodeID.
func generateSelfSignedCert( // A
	secret *keys.NodeSecret,
) (tls.Certificate, error) {
	priv := secret.PrivateKey()

	serialNumber, err := rand.Int(
		rand.Reader,
		new(big.Int).Lsh(big.NewInt(1), 128),
	)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf(
			"generate serial: %w", err,
		)
	}

	tmpl := &x509.Certificate{
		SerialNumber: serialNumber,
		Subject: pkix.Name{
			CommonName: secret.ID().String(),
		},
		NotBefore: time.Now().Add(-time.Hour),
		NotAfter: time.Now().Add(
			certValidityDays * 24 * time.Hour,
		),
		KeyUsage: x509.KeyUsageDigitalSignature,
		ExtKeyUsage: []x509.ExtKeyUsage{
			x509.ExtKeyUsageServerAuth,
			x509.ExtKeyUsageClientAuth,
		},
	}

	certDER, err := x509.CreateCertificate(
		rand.Reader,
		tmpl,
		tmpl,
		priv.Public(),
		priv,
	)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf(
			"create cert: %w", err,
		)
	}

	return tls.Certificate{
		Certificate: [][]byte{certDER},
		PrivateKey:  priv,
	}, nil
}
