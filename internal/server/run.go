package server

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"
)

// TLSConfig names the certificate and key relayd serves with.
type TLSConfig struct {
	CertFile string
	KeyFile  string
}

func (c TLSConfig) enabled() bool { return c.CertFile != "" }

// RunConfig controls the lifetime of the HTTP listener.
type RunConfig struct {
	Server *http.Server
	TLS    TLSConfig
	// DrainTimeout bounds how long in-flight requests, typically publish_done
	// hooks waiting on relay stops, may run after ctx ends.
	DrainTimeout time.Duration
	// Ready is called with the bound address once connections are accepted.
	Ready func(addr net.Addr)
}

// DefaultDrainTimeout applies when RunConfig.DrainTimeout is unset.
const DefaultDrainTimeout = 10 * time.Second

// Run serves until ctx ends or the listener fails. A server that fails to
// start never calls Ready.
func Run(ctx context.Context, cfg RunConfig) error {
	if cfg.Server == nil {
		return errors.New("server is required")
	}
	if (cfg.TLS.CertFile == "") != (cfg.TLS.KeyFile == "") {
		return errors.New("both TLS cert file and key file must be provided")
	}

	ln, err := listen(ctx, cfg)
	if err != nil {
		return err
	}
	if cfg.Ready != nil {
		cfg.Ready(ln.Addr())
	}

	serveErr := make(chan error, 1)
	go func() { serveErr <- cfg.Server.Serve(ln) }()

	select {
	case err := <-serveErr:
		return ignoreClosed(err)
	case <-ctx.Done():
	}

	timeout := cfg.DrainTimeout
	if timeout <= 0 {
		timeout = DefaultDrainTimeout
	}
	return drain(cfg.Server, serveErr, timeout)
}

func listen(ctx context.Context, cfg RunConfig) (net.Listener, error) {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", cfg.Server.Addr)
	if err != nil {
		return nil, fmt.Errorf("listen on %s: %w", cfg.Server.Addr, err)
	}
	if !cfg.TLS.enabled() {
		return ln, nil
	}

	cert, err := tls.LoadX509KeyPair(cfg.TLS.CertFile, cfg.TLS.KeyFile)
	if err != nil {
		_ = ln.Close()
		return nil, fmt.Errorf("load tls key pair: %w", err)
	}
	tlsCfg := &tls.Config{MinVersion: tls.VersionTLS12}
	if cfg.Server.TLSConfig != nil {
		tlsCfg = cfg.Server.TLSConfig.Clone()
	}
	tlsCfg.Certificates = append([]tls.Certificate{cert}, tlsCfg.Certificates...)
	cfg.Server.TLSConfig = tlsCfg
	return tls.NewListener(ln, tlsCfg), nil
}

// drain stops accepting connections and waits for open requests until
// timeout.
func drain(srv *http.Server, serveErr <-chan error, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	shutdownErr := srv.Shutdown(ctx)
	if shutdownErr != nil {
		_ = srv.Close()
	}
	select {
	case err := <-serveErr:
		if err = ignoreClosed(err); err != nil {
			return err
		}
	case <-ctx.Done():
		if shutdownErr == nil {
			shutdownErr = ctx.Err()
		}
	}
	return shutdownErr
}

func ignoreClosed(err error) error {
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}
