package transport

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"os"

	"github.com/obinexus/libpolycall/polyerr"
)

const tlsScheme = "tls"

func init() {
	d := &TLSDriver{}
	Register(tlsScheme, d, d)
}

// TLSOptions maps the tls.{cert,key,ca,verify_peer,allow_self_signed,
// min_version,cipher_list} configuration surface onto crypto/tls.
type TLSOptions struct {
	CertFile        string
	KeyFile         string
	CAFile          string
	VerifyPeer      bool
	AllowSelfSigned bool
	MinVersion      uint16
	CipherSuites    []uint16
}

// TLSDriver dials and listens TLS-wrapped TCP transports. The zero value
// (registered under the "tls" scheme) verifies peers against the system
// root pool; deployments needing certificates or a private CA construct one
// with NewTLSDriver and Register it under their own scheme name.
type TLSDriver struct {
	opts TLSOptions
}

// NewTLSDriver builds a driver from explicit options.
func NewTLSDriver(opts TLSOptions) *TLSDriver {
	return &TLSDriver{opts: opts}
}

func (d *TLSDriver) config() (*tls.Config, error) {
	cfg := &tls.Config{
		MinVersion:         d.opts.MinVersion,
		CipherSuites:       d.opts.CipherSuites,
		InsecureSkipVerify: d.opts.AllowSelfSigned,
	}
	if cfg.MinVersion == 0 {
		cfg.MinVersion = tls.VersionTLS12
	}

	if d.opts.CertFile != "" {
		cert, err := tls.LoadX509KeyPair(d.opts.CertFile, d.opts.KeyFile)
		if err != nil {
			return nil, polyerr.Wrap(polyerr.CodeInvalidArgument, err, "tls: loading key pair")
		}
		cfg.Certificates = []tls.Certificate{cert}
	}
	if d.opts.CAFile != "" {
		pem, err := os.ReadFile(d.opts.CAFile)
		if err != nil {
			return nil, polyerr.Wrap(polyerr.CodeInvalidArgument, err, "tls: reading CA file")
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, polyerr.New(polyerr.CodeInvalidArgument, "tls: no certificates in CA file")
		}
		cfg.RootCAs = pool
		cfg.ClientCAs = pool
	}
	if d.opts.VerifyPeer {
		cfg.ClientAuth = tls.RequireAndVerifyClientCert
	}
	return cfg, nil
}

// Dial opens a TLS connection to address and adapts it to Transport.
func (d *TLSDriver) Dial(ctx context.Context, address string) (Transport, error) {
	cfg, err := d.config()
	if err != nil {
		return nil, err
	}
	dialer := &tls.Dialer{Config: cfg}
	conn, err := dialer.DialContext(ctx, "tcp", address)
	if err != nil {
		return nil, err
	}
	return &tcpTransport{conn: conn, closed: make(chan struct{})}, nil
}

// Listen starts a TLS listener on address.
func (d *TLSDriver) Listen(address string) (TransportListener, error) {
	cfg, err := d.config()
	if err != nil {
		return nil, err
	}
	if len(cfg.Certificates) == 0 {
		return nil, polyerr.New(polyerr.CodeInvalidArgument, "tls: listening requires tls.cert and tls.key")
	}
	ln, err := tls.Listen("tcp", address, cfg)
	if err != nil {
		return nil, err
	}
	return &tcpListener{ln: ln}, nil
}
