package ssh

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"path"

	"github.com/rs/zerolog/log"
)

const copyBufferSize = 32 * 1024

// Stat describes the remote file at p. A missing file is not an error.
func (c *Client) Stat(ctx context.Context, p string) (FileInfo, error) {
	client, err := c.sftpClient()
	if err != nil {
		return FileInfo{}, err
	}

	info, err := client.Stat(p)
	if errors.Is(err, fs.ErrNotExist) {
		return FileInfo{Path: p}, nil
	}
	if err != nil {
		return FileInfo{}, &TransportError{Op: "stat", Err: err, IsTemporary: true}
	}
	if info.IsDir() {
		return FileInfo{}, &TransportError{Op: "stat", Err: fmt.Errorf("%s is a directory", p)}
	}
	return FileInfo{
		Path:    p,
		Exists:  true,
		Size:    info.Size(),
		Mode:    uint32(info.Mode().Perm()),
		ModTime: info.ModTime(),
	}, nil
}

// Checksum returns the hex SHA256 of the remote file's content.
func (c *Client) Checksum(ctx context.Context, p string) (string, error) {
	client, err := c.sftpClient()
	if err != nil {
		return "", err
	}

	file, err := client.Open(p)
	if err != nil {
		return "", &TransportError{Op: "checksum", Err: err, IsTemporary: !errors.Is(err, fs.ErrNotExist)}
	}
	defer file.Close()

	h := sha256.New()
	if _, err := copyWithContext(ctx, h, file, nil); err != nil {
		return "", &TransportError{Op: "checksum", Err: err, IsTemporary: true}
	}
	return fmt.Sprintf("%x", h.Sum(nil)), nil
}

// WriteFile replaces the remote file with the content of r, creating parent
// directories. onWrite, if not nil, is called with the size of each chunk.
func (c *Client) WriteFile(ctx context.Context, p string, r io.Reader, mode uint32, onWrite func(n int)) (int64, error) {
	client, err := c.sftpClient()
	if err != nil {
		return 0, err
	}

	log.Debug().Str("remote", p).Uint32("mode", mode).Msg("writing remote file")

	if err := client.MkdirAll(path.Dir(p)); err != nil {
		return 0, &TransportError{Op: "write", Err: fmt.Errorf("failed to create remote directory: %w", err)}
	}

	file, err := client.Create(p)
	if err != nil {
		return 0, &TransportError{Op: "write", Err: fmt.Errorf("failed to create remote file: %w", err), IsTemporary: true}
	}

	n, err := copyWithContext(ctx, file, r, onWrite)
	if closeErr := file.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return n, &TransportError{Op: "write", Err: err, IsTemporary: true}
	}

	if err := client.Chmod(p, fs.FileMode(mode)); err != nil {
		return n, &TransportError{Op: "chmod", Err: err}
	}
	return n, nil
}

// Chmod sets the permissions of a remote file.
func (c *Client) Chmod(ctx context.Context, p string, mode uint32) error {
	client, err := c.sftpClient()
	if err != nil {
		return err
	}
	if err := client.Chmod(p, fs.FileMode(mode)); err != nil {
		return &TransportError{Op: "chmod", Err: err}
	}
	return nil
}

// Remove deletes a remote file. Removing a missing file succeeds.
func (c *Client) Remove(ctx context.Context, p string) error {
	client, err := c.sftpClient()
	if err != nil {
		return err
	}
	if err := client.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return &TransportError{Op: "remove", Err: err}
	}
	return nil
}

// copyWithContext copies src to dst in chunks, stopping when ctx is done.
func copyWithContext(ctx context.Context, dst io.Writer, src io.Reader, onWrite func(n int)) (int64, error) {
	buf := make([]byte, copyBufferSize)
	var written int64
	for {
		if err := ctx.Err(); err != nil {
			return written, err
		}
		nr, readErr := src.Read(buf)
		if nr > 0 {
			nw, err := dst.Write(buf[:nr])
			written += int64(nw)
			if onWrite != nil {
				onWrite(nw)
			}
			if err != nil {
				return written, err
			}
			if nw != nr {
				return written, io.ErrShortWrite
			}
		}
		if readErr == io.EOF {
			return written, nil
		}
		if readErr != nil {
			return written, readErr
		}
	}
}
