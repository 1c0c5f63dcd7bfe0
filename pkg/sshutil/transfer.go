package sshutil

import (
	"io"
	"os"
	"path/filepath"

	"github.com/pkg/sftp"

	"github.com/GitHangar/lightkeeper/internal/errors"
)

// Download copies a remote file to localPath over SFTP. Parent directories
// of localPath are created as needed.
func (c *Client) Download(remotePath, localPath string) error {
	client, err := sftp.NewClient(c.Client)
	if err != nil {
		return errors.WrapWithCode(err, errors.ErrConnection,
			"Failed to open SFTP session",
			"The remote host may not have the SFTP subsystem enabled.")
	}
	defer client.Close()

	src, err := client.Open(remotePath)
	if err != nil {
		return errors.WrapWithCode(err, errors.ErrExecution,
			"Cannot open remote file "+remotePath,
			"Check the path exists and is readable by the SSH user.")
	}
	defer src.Close()

	if err := os.MkdirAll(filepath.Dir(localPath), 0o755); err != nil {
		return errors.WrapWithCode(err, errors.ErrExecution,
			"Cannot create local directory for "+localPath, "")
	}
	dst, err := os.Create(localPath)
	if err != nil {
		return errors.WrapWithCode(err, errors.ErrExecution,
			"Cannot create local file "+localPath, "")
	}
	defer dst.Close()

	if _, err := io.Copy(dst, src); err != nil {
		return errors.WrapWithCode(err, errors.ErrExecution,
			"Transfer of "+remotePath+" failed", "")
	}
	return nil
}

// Upload copies a local file to remotePath over SFTP.
func (c *Client) Upload(localPath, remotePath string) error {
	client, err := sftp.NewClient(c.Client)
	if err != nil {
		return errors.WrapWithCode(err, errors.ErrConnection,
			"Failed to open SFTP session",
			"The remote host may not have the SFTP subsystem enabled.")
	}
	defer client.Close()

	src, err := os.Open(localPath)
	if err != nil {
		return errors.WrapWithCode(err, errors.ErrExecution,
			"Cannot open local file "+localPath, "")
	}
	defer src.Close()

	if err := client.MkdirAll(filepath.Dir(remotePath)); err != nil {
		return errors.WrapWithCode(err, errors.ErrExecution,
			"Cannot create remote directory for "+remotePath, "")
	}
	dst, err := client.Create(remotePath)
	if err != nil {
		return errors.WrapWithCode(err, errors.ErrExecution,
			"Cannot create remote file "+remotePath,
			"Check the SSH user may write to the target directory.")
	}
	defer dst.Close()

	if _, err := io.Copy(dst, src); err != nil {
		return errors.WrapWithCode(err, errors.ErrExecution,
			"Transfer to "+remotePath+" failed", "")
	}
	return nil
}
