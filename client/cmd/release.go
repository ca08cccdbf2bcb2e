package cmd

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/shelfapp/shelf/client/internal/updatemanager/signature"
	"github.com/shelfapp/shelf/util"
)

const (
	privateKeyFile = "release.key"
	publicKeyFile  = "release.pub"
)

var (
	keygenOutDir     string
	keygenExpiration time.Duration
	signKeyFile      string
)

var releaseCmd = &cobra.Command{
	Use:   "release",
	Short: "release signing tools",
}

var keygenCmd = &cobra.Command{
	Use:   "keygen",
	Short: "generates a release signing key pair",
	RunE: func(cmd *cobra.Command, args []string) error {
		key, privPEM, pubPEM, err := signature.GenerateKey(keygenExpiration)
		if err != nil {
			return err
		}

		privPath := filepath.Join(keygenOutDir, privateKeyFile)
		if util.FileExists(privPath) {
			return fmt.Errorf("%s already exists", privPath)
		}
		if err := util.WriteBytesWithRestrictedPermission(cmd.Context(), privPath, privPEM); err != nil {
			return fmt.Errorf("write private key: %w", err)
		}
		pubPath := filepath.Join(keygenOutDir, publicKeyFile)
		if err := util.WriteBytesWithRestrictedPermission(cmd.Context(), pubPath, pubPEM); err != nil {
			return fmt.Errorf("write public key: %w", err)
		}

		cmd.Printf("Generated key %s\n", key.Metadata.ID)
		cmd.Printf("Private key: %s\nPublic key: %s\n", privPath, pubPath)
		return nil
	},
}

var signCmd = &cobra.Command{
	Use:   "sign PACKAGE",
	Short: "writes PACKAGE" + signature.Suffix + " next to the package",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if signKeyFile == "" {
			return errors.New("--key is required")
		}
		keyData, err := os.ReadFile(signKeyFile)
		if err != nil {
			return fmt.Errorf("read private key: %w", err)
		}
		key, err := signature.ParsePrivateKey(keyData)
		if err != nil {
			return err
		}

		pkg, err := os.Open(args[0])
		if err != nil {
			return fmt.Errorf("open package: %w", err)
		}
		defer pkg.Close()

		sig, err := signature.Sign(key, pkg)
		if err != nil {
			return err
		}

		sigPath := args[0] + signature.Suffix
		if err := os.WriteFile(sigPath, sig, 0o644); err != nil {
			return fmt.Errorf("write signature: %w", err)
		}
		cmd.Printf("Signature written to %s\n", sigPath)
		return nil
	},
}
