package core

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"os"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/searchktools/async-server/config"
)

// Bind error classification. Callers branch on these with errors.Is; the
// syscall cause stays attached through wrapping.
var (
	ErrAddrInUse        = errors.New("address already in use")
	ErrPermissionDenied = errors.New("permission denied binding address")
	ErrInvalidAddress   = errors.New("invalid bind address")
)

// Bind opens the configured listener. An inherited file descriptor wins over
// a unix socket path, which wins over host:port TCP. TLS wrapping applies to
// whichever transport was selected.
func Bind(cfg *config.Config) (net.Listener, error) {
	ln, err := bindTransport(cfg)
	if err != nil {
		return nil, err
	}
	if cfg.IsTLS() {
		tlsConf, err := loadTLSConfig(cfg)
		if err != nil {
			ln.Close()
			return nil, err
		}
		ln = tls.NewListener(ln, tlsConf)
	}
	return ln, nil
}

// BindShared opens the configured transport without TLS wrapping, for a
// supervisor that binds once and passes the descriptor to workers. Each
// worker applies its own TLS wrap when it adopts the descriptor.
func BindShared(cfg *config.Config) (net.Listener, error) {
	return bindTransport(cfg)
}

// ListenerFile duplicates the listener's descriptor for handing to a child
// process. Unix listeners keep their socket file on close so the shared
// descriptor stays reachable after the original listener is released.
func ListenerFile(ln net.Listener) (*os.File, error) {
	switch t := ln.(type) {
	case *net.TCPListener:
		return t.File()
	case *net.UnixListener:
		t.SetUnlinkOnClose(false)
		return t.File()
	}
	return nil, fmt.Errorf("listener type %T cannot be shared across processes", ln)
}

func bindTransport(cfg *config.Config) (net.Listener, error) {
	switch {
	case cfg.FD >= 0:
		return bindFD(cfg.FD)
	case cfg.UDS != "":
		return bindUnix(cfg.UDS)
	default:
		return bindTCP(cfg)
	}
}

// bindFD adopts a listening socket inherited from a supervisor or a socket
// activation manager.
func bindFD(fd int) (net.Listener, error) {
	f := os.NewFile(uintptr(fd), fmt.Sprintf("listener-fd-%d", fd))
	if f == nil {
		return nil, fmt.Errorf("%w: file descriptor %d", ErrInvalidAddress, fd)
	}
	ln, err := net.FileListener(f)
	// FileListener duplicates the descriptor; the inherited one is released.
	f.Close()
	if err != nil {
		return nil, fmt.Errorf("%w: file descriptor %d: %v", ErrInvalidAddress, fd, err)
	}
	return ln, nil
}

func bindUnix(path string) (net.Listener, error) {
	// A previous run may have left its socket file behind.
	if info, err := os.Stat(path); err == nil && info.Mode()&os.ModeSocket != 0 {
		os.Remove(path)
	}
	ln, err := net.Listen("unix", path)
	if err != nil {
		return nil, classifyBindError(err, path)
	}
	return ln, nil
}

func bindTCP(cfg *config.Config) (net.Listener, error) {
	lc := net.ListenConfig{
		Control: func(network, address string, c syscall.RawConn) error {
			var opErr error
			err := c.Control(func(fd uintptr) {
				opErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
				if opErr == nil && cfg.ReusePort {
					opErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEPORT, 1)
				}
			})
			if err != nil {
				return err
			}
			if opErr != nil {
				return fmt.Errorf("setsockopt: %w", opErr)
			}
			return nil
		},
	}
	ln, err := lc.Listen(context.Background(), "tcp", cfg.Addr())
	if err != nil {
		return nil, classifyBindError(err, cfg.Addr())
	}
	return ln, nil
}

func classifyBindError(err error, addr string) error {
	switch {
	case errors.Is(err, unix.EADDRINUSE):
		return fmt.Errorf("%w: %s", ErrAddrInUse, addr)
	case errors.Is(err, unix.EACCES), errors.Is(err, unix.EPERM):
		return fmt.Errorf("%w: %s", ErrPermissionDenied, addr)
	}
	var addrErr *net.AddrError
	var dnsErr *net.DNSError
	if errors.As(err, &addrErr) || errors.As(err, &dnsErr) || errors.Is(err, unix.EADDRNOTAVAIL) {
		return fmt.Errorf("%w: %s: %v", ErrInvalidAddress, addr, err)
	}
	return fmt.Errorf("bind %s: %w", addr, err)
}

func loadTLSConfig(cfg *config.Config) (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(cfg.TLSCertFile, cfg.TLSKeyFile)
	if err != nil {
		return nil, fmt.Errorf("load tls keypair: %w", err)
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		NextProtos:   []string{"http/1.1"},
	}, nil
}
