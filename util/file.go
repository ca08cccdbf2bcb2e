package util

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	log "github.com/sirupsen/logrus"
)

// WriteBytesWithRestrictedPermission atomically replaces file with bs. The
// content is staged in a 0600 temp file next to the target and renamed over it.
func WriteBytesWithRestrictedPermission(ctx context.Context, file string, bs []byte) error {
	dir, name, err := prepareFileDir(file)
	if err != nil {
		return fmt.Errorf("prepare file dir: %w", err)
	}

	return writeBytes(ctx, file, dir, name, bs)
}

// WriteJsonWithRestrictedPermission writes obj as indented JSON using the same
// atomic replace as WriteBytesWithRestrictedPermission.
func WriteJsonWithRestrictedPermission(ctx context.Context, file string, obj any) error {
	if ctx.Err() != nil {
		return fmt.Errorf("write json start: %w", ctx.Err())
	}

	bs, err := json.MarshalIndent(obj, "", "    ")
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}

	return WriteBytesWithRestrictedPermission(ctx, file, bs)
}

func writeBytes(ctx context.Context, file, dir, name string, bs []byte) error {
	if ctx.Err() != nil {
		return fmt.Errorf("write bytes start: %w", ctx.Err())
	}

	tempFile, err := os.CreateTemp(dir, ".*"+name)
	if err != nil {
		return fmt.Errorf("create temp: %w", err)
	}
	tempFileName := tempFile.Name()

	if err := os.Chmod(tempFileName, 0o600); err != nil {
		_ = tempFile.Close()
		_ = os.Remove(tempFileName)
		return fmt.Errorf("set temp file permissions: %w", err)
	}

	if deadline, ok := ctx.Deadline(); ok {
		if err := tempFile.SetDeadline(deadline); err != nil && !errors.Is(err, os.ErrNoDeadline) {
			log.Warnf("failed to set deadline: %v", err)
		}
	}

	if _, err := tempFile.Write(bs); err != nil {
		_ = tempFile.Close()
		_ = os.Remove(tempFileName)
		return fmt.Errorf("write: %w", err)
	}

	if err := tempFile.Sync(); err != nil {
		_ = tempFile.Close()
		_ = os.Remove(tempFileName)
		return fmt.Errorf("sync %s: %w", tempFileName, err)
	}

	if err := tempFile.Close(); err != nil {
		_ = os.Remove(tempFileName)
		return fmt.Errorf("close %s: %w", tempFileName, err)
	}

	if ctx.Err() != nil {
		_ = os.Remove(tempFileName)
		return fmt.Errorf("after temp file: %w", ctx.Err())
	}

	if err := os.Rename(tempFileName, file); err != nil {
		_ = os.Remove(tempFileName)
		return fmt.Errorf("move %s to %s: %w", tempFileName, file, err)
	}

	return nil
}

// ReadJson reads a JSON file into res.
func ReadJson(file string, res any) error {
	f, err := os.Open(file)
	if err != nil {
		return err
	}
	defer func() {
		if err := f.Close(); err != nil {
			log.Debugf("failed to close %s: %v", file, err)
		}
	}()

	bs, err := io.ReadAll(f)
	if err != nil {
		return err
	}

	if err := json.Unmarshal(bs, res); err != nil {
		return fmt.Errorf("unmarshal %s: %w", file, err)
	}
	return nil
}

// prepareFileDir creates the parent directory of file with 0750 permissions.
func prepareFileDir(file string) (string, string, error) {
	dir, name := filepath.Split(file)
	if dir == "" {
		return ".", name, nil
	}

	if err := os.MkdirAll(dir, 0o750); err != nil {
		return "", "", err
	}

	return dir, name, nil
}
