package ssh

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"strings"

	xssh "golang.org/x/crypto/ssh"
)

// Checksum returns the hex SHA-256 of data.
func Checksum(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// ChecksumFile returns the hex SHA-256 of a local file.
func ChecksumFile(filePath string) (string, error) {
	f, err := os.Open(filePath)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// UploadVerified writes data to remotePath and checks the remote SHA-256.
// A file that fails verification is removed.
func UploadVerified(ctx context.Context, cli *xssh.Client, data []byte, remotePath string) error {
	if err := PushBytes(ctx, cli, data, remotePath, 0o600); err != nil {
		return err
	}
	if err := VerifyRemoteChecksum(ctx, cli, remotePath, Checksum(data)); err != nil {
		_ = Remove(cli, remotePath)
		return fmt.Errorf("checksum verification failed: %w", err)
	}
	return nil
}

// PushFileVerified uploads a local file and checks the remote SHA-256.
func PushFileVerified(ctx context.Context, cli *xssh.Client, localPath, remotePath string) error {
	sum, err := ChecksumFile(localPath)
	if err != nil {
		return fmt.Errorf("calculate local checksum: %w", err)
	}
	if err := PushFile(ctx, cli, localPath, remotePath); err != nil {
		return err
	}
	if err := VerifyRemoteChecksum(ctx, cli, remotePath, sum); err != nil {
		_ = Remove(cli, remotePath)
		return fmt.Errorf("checksum verification failed: %w", err)
	}
	return nil
}

// VerifyRemoteChecksum runs sha256sum on the remote host and compares.
func VerifyRemoteChecksum(ctx context.Context, cli *xssh.Client, remotePath, expected string) error {
	res, err := Run(ctx, cli, "sha256sum "+Quote(remotePath), nil)
	if err != nil {
		return fmt.Errorf("calculate remote checksum: %w", err)
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("calculate remote checksum: exit status %d: %s", res.ExitCode, bytes.TrimSpace(res.Stderr))
	}
	fields := strings.Fields(string(res.Stdout))
	if len(fields) == 0 {
		return fmt.Errorf("calculate remote checksum: empty output")
	}
	if fields[0] != expected {
		return fmt.Errorf("checksum mismatch: expected %s, got %s", expected, fields[0])
	}
	return nil
}
