package remote

import (
	"context"
	"fmt"
	"os"
	"path"

	"github.com/netly/fleet/internal/config"
	"github.com/netly/fleet/internal/core/ports"
	"github.com/netly/fleet/internal/domain"
	"github.com/netly/fleet/internal/infrastructure/logger"
	"github.com/pkg/sftp"
)

type SFTPUploader struct {
	dialer *serverDialer
	logger *logger.Logger
}

var _ ports.ArtifactUploader = (*SFTPUploader)(nil)

func NewSFTPUploader(creds ports.CredentialSource, cfg config.SSHConfig, log *logger.Logger) (*SFTPUploader, error) {
	d, err := newServerDialer(creds, cfg)
	if err != nil {
		return nil, err
	}
	return &SFTPUploader{dialer: d, logger: log}, nil
}

// Upload copies localPath to remotePath on server through a temporary file, so a half-written
// artifact never replaces the previous one.
func (u *SFTPUploader) Upload(ctx context.Context, server domain.Server, localPath, remotePath string) error {
	localFile, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("failed to open local file: %w", err)
	}
	defer localFile.Close()

	info, err := localFile.Stat()
	if err != nil {
		return fmt.Errorf("failed to stat local file: %w", err)
	}

	client, err := u.dialer.dial(ctx, server)
	if err != nil {
		return err
	}
	defer client.Close()

	sftpClient, err := sftp.NewClient(client)
	if err != nil {
		return fmt.Errorf("failed to create sftp client: %w", err)
	}
	defer sftpClient.Close()

	if err := sftpClient.MkdirAll(path.Dir(remotePath)); err != nil {
		return fmt.Errorf("failed to create remote dir: %w", err)
	}

	tempPath := remotePath + ".upload"
	remoteFile, err := sftpClient.Create(tempPath)
	if err != nil {
		return fmt.Errorf("failed to create remote file: %w", err)
	}

	written, err := remoteFile.ReadFrom(localFile)
	if err != nil {
		remoteFile.Close()
		return fmt.Errorf("failed to upload %s: %w", localPath, err)
	}
	remoteFile.Close()

	if written != info.Size() {
		return fmt.Errorf("upload incomplete: wrote %d of %d bytes", written, info.Size())
	}
	if err := sftpClient.Chmod(tempPath, 0o755); err != nil {
		return fmt.Errorf("failed to chmod remote file: %w", err)
	}
	if err := sftpClient.PosixRename(tempPath, remotePath); err != nil {
		return fmt.Errorf("failed to move remote file into place: %w", err)
	}

	u.logger.Infow("sftp_upload_ok", "host", server.Hostname, "remote_path", remotePath, "bytes", written)
	return nil
}
