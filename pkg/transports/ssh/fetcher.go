package ssh

import (
	"context"
	"fmt"
	"io"
	"net"

	"github.com/pkg/sftp"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/ssh"
)

// TransportError represents an error from the transport layer.
type TransportError struct {
	// Op is the operation that failed (e.g., "connect", "open", "read")
	Op string

	// Err is the underlying error
	Err error

	// IsAuthError indicates if the error is related to authentication
	IsAuthError bool
}

func (e *TransportError) Error() string {
	return e.Op + ": " + e.Err.Error()
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// Fetcher downloads files over SFTP. Each Fetch opens and closes its own connection.
type Fetcher struct {
	base   Config
	logger zerolog.Logger
}

// NewFetcher creates a fetcher. base supplies credentials and host key settings;
// host, port and user come from each URL.
func NewFetcher(base Config, logger zerolog.Logger) *Fetcher {
	return &Fetcher{
		base:   base,
		logger: logger.With().Str("component", "sftp").Logger(),
	}
}

// Fetch reads the file named by an sftp://[user[:password]@]host[:port]/path URL.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string) ([]byte, error) {
	cfg, remotePath, err := f.base.ForURL(rawURL)
	if err != nil {
		return nil, &TransportError{Op: "parse", Err: err}
	}
	if err := cfg.Validate(); err != nil {
		return nil, &TransportError{Op: "config", Err: err}
	}

	clientConfig, err := cfg.BuildSSHClientConfig()
	if err != nil {
		return nil, &TransportError{Op: "config", Err: err, IsAuthError: true}
	}

	client, err := dial(ctx, cfg.Address(), clientConfig)
	if err != nil {
		return nil, err
	}
	defer client.Close()

	sftpClient, err := sftp.NewClient(client)
	if err != nil {
		return nil, &TransportError{Op: "sftp-init", Err: fmt.Errorf("failed to create SFTP client: %w", err)}
	}
	defer sftpClient.Close()

	remoteFile, err := sftpClient.Open(remotePath)
	if err != nil {
		return nil, &TransportError{Op: "open", Err: fmt.Errorf("failed to open remote file: %w", err)}
	}
	defer remoteFile.Close()

	limit := cfg.MaxFileSize
	if limit <= 0 {
		limit = 16 << 20
	}
	data, err := readWithContext(ctx, io.LimitReader(remoteFile, limit+1))
	if err != nil {
		return nil, &TransportError{Op: "read", Err: err}
	}
	if int64(len(data)) > limit {
		return nil, &TransportError{Op: "read", Err: fmt.Errorf("remote file exceeds %d bytes", limit)}
	}

	f.logger.Debug().
		Str("host", cfg.Address()).
		Str("path", remotePath).
		Int("bytes", len(data)).
		Msg("Fetched remote file")
	return data, nil
}

func dial(ctx context.Context, addr string, clientConfig *ssh.ClientConfig) (*ssh.Client, error) {
	dialer := &net.Dialer{Timeout: clientConfig.Timeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, &TransportError{Op: "connect", Err: fmt.Errorf("failed to dial %s: %w", addr, err)}
	}

	sshConn, chans, reqs, err := ssh.NewClientConn(conn, addr, clientConfig)
	if err != nil {
		conn.Close()
		return nil, &TransportError{Op: "connect", Err: fmt.Errorf("ssh handshake with %s: %w", addr, err), IsAuthError: true}
	}
	return ssh.NewClient(sshConn, chans, reqs), nil
}

// readWithContext copies src until EOF, checking ctx between chunks.
func readWithContext(ctx context.Context, src io.Reader) ([]byte, error) {
	var out []byte
	buf := make([]byte, 32*1024)
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		n, err := src.Read(buf)
		out = append(out, buf[:n]...)
		if err == io.EOF {
			return out, nil
		}
		if err != nil {
			return nil, err
		}
	}
}
