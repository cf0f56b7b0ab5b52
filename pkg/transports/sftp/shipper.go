package sftp

import (
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"sort"
	"time"

	"github.com/pkg/sftp"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/ssh"
)

// TransportError represents an error from the transport layer.
type TransportError struct {
	// Op is the operation that failed (e.g., "connect", "upload")
	Op string

	// Err is the underlying error
	Err error

	// IsTemporary indicates if the error is temporary and can be retried
	IsTemporary bool
}

func (e *TransportError) Error() string {
	return e.Op + ": " + e.Err.Error()
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// Temporary reports whether retrying the operation could succeed.
func (e *TransportError) Temporary() bool {
	return e.IsTemporary
}

// remoteFS is the part of an SFTP session the shipper needs.
type remoteFS interface {
	MkdirAll(dir string) error
	Create(name string) (io.WriteCloser, error)
	Close() error
}

// Shipper uploads local files matching a glob to Config.RemoteDir.
type Shipper struct {
	config *Config
	logger zerolog.Logger
	dial   func(ctx context.Context) (remoteFS, error)
}

// NewShipper creates a shipper. The connection is opened per Upload.
func NewShipper(cfg *Config, logger zerolog.Logger) (*Shipper, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid shipping configuration: %w", err)
	}
	s := &Shipper{
		config: cfg,
		logger: logger.With().Str("component", "sftp-shipper").Str("host", cfg.Address()).Logger(),
	}
	s.dial = s.dialSFTP
	return s, nil
}

// Upload copies every local file matching pattern and returns how many were sent.
func (s *Shipper) Upload(ctx context.Context, pattern string) (int, error) {
	matches, err := filepath.Glob(pattern)
	if err != nil {
		return 0, &TransportError{Op: "glob", Err: err}
	}

	var files []string
	for _, m := range matches {
		info, err := os.Stat(m)
		if err == nil && info.Mode().IsRegular() {
			files = append(files, m)
		}
	}
	sort.Strings(files)

	if len(files) == 0 {
		s.logger.Warn().Str("pattern", pattern).Msg("No files to ship")
		return 0, nil
	}

	fs, err := s.dial(ctx)
	if err != nil {
		return 0, err
	}
	defer fs.Close()

	if err := fs.MkdirAll(s.config.RemoteDir); err != nil {
		return 0, &TransportError{
			Op:  "upload",
			Err: fmt.Errorf("failed to create remote directory: %w", err),
		}
	}

	sent := 0
	for _, local := range files {
		remote := path.Join(s.config.RemoteDir, filepath.Base(local))
		if err := s.uploadFile(ctx, fs, local, remote); err != nil {
			return sent, err
		}
		sent++
	}

	s.logger.Info().
		Int("files", sent).
		Str("remote_dir", s.config.RemoteDir).
		Msg("Results shipped")

	return sent, nil
}

func (s *Shipper) uploadFile(ctx context.Context, fs remoteFS, localPath, remotePath string) error {
	startTime := time.Now()

	localFile, err := os.Open(localPath)
	if err != nil {
		return &TransportError{
			Op:  "upload",
			Err: fmt.Errorf("failed to open local file: %w", err),
		}
	}
	defer localFile.Close()

	remoteFile, err := fs.Create(remotePath)
	if err != nil {
		return &TransportError{
			Op:          "upload",
			Err:         fmt.Errorf("failed to create remote file: %w", err),
			IsTemporary: true,
		}
	}

	bytesWritten, err := copyWithContext(ctx, remoteFile, localFile)
	if cerr := remoteFile.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return &TransportError{
			Op:          "upload",
			Err:         fmt.Errorf("failed to copy %s: %w", localPath, err),
			IsTemporary: true,
		}
	}

	s.logger.Debug().
		Str("local", localPath).
		Str("remote", remotePath).
		Int64("bytes", bytesWritten).
		Dur("duration", time.Since(startTime)).
		Msg("File uploaded")

	return nil
}

// sftpSession owns the SSH connection underneath the SFTP client.
type sftpSession struct {
	ssh  *ssh.Client
	sftp *sftp.Client
}

func (s *sftpSession) MkdirAll(dir string) error {
	return s.sftp.MkdirAll(dir)
}

func (s *sftpSession) Create(name string) (io.WriteCloser, error) {
	return s.sftp.Create(name)
}

func (s *sftpSession) Close() error {
	err := s.sftp.Close()
	if cerr := s.ssh.Close(); err == nil {
		err = cerr
	}
	return err
}

func (s *Shipper) dialSFTP(ctx context.Context) (remoteFS, error) {
	clientConfig, err := s.config.BuildSSHClientConfig()
	if err != nil {
		return nil, &TransportError{Op: "connect", Err: err}
	}

	address := s.config.Address()
	s.logger.Debug().Str("address", address).Msg("Establishing SSH connection")

	connChan := make(chan *ssh.Client, 1)
	errChan := make(chan error, 1)

	go func() {
		client, err := ssh.Dial("tcp", address, clientConfig)
		if err != nil {
			errChan <- err
			return
		}
		connChan <- client
	}()

	var client *ssh.Client
	select {
	case <-ctx.Done():
		// A late connection is closed once it arrives
		go func() {
			select {
			case c := <-connChan:
				c.Close()
			case <-errChan:
			}
		}()
		return nil, &TransportError{Op: "connect", Err: ctx.Err(), IsTemporary: true}
	case err := <-errChan:
		return nil, &TransportError{Op: "connect", Err: err, IsTemporary: true}
	case client = <-connChan:
	}

	sftpClient, err := sftp.NewClient(client)
	if err != nil {
		client.Close()
		return nil, &TransportError{
			Op:          "sftp-init",
			Err:         fmt.Errorf("failed to create SFTP client: %w", err),
			IsTemporary: true,
		}
	}

	return &sftpSession{ssh: client, sftp: sftpClient}, nil
}

func copyWithContext(ctx context.Context, dst io.Writer, src io.Reader) (int64, error) {
	buf := make([]byte, 32*1024)
	var written int64

	for {
		select {
		case <-ctx.Done():
			return written, ctx.Err()
		default:
		}

		nr, err := src.Read(buf)
		if nr > 0 {
			nw, werr := dst.Write(buf[0:nr])
			if nw > 0 {
				written += int64(nw)
			}
			if werr != nil {
				return written, werr
			}
			if nr != nw {
				return written, io.ErrShortWrite
			}
		}
		if err != nil {
			if err == io.EOF {
				break
			}
			return written, err
		}
	}

	return written, nil
}
