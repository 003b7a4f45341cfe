package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"gopkg.in/square/go-jose.v2"

	"github.com/turtacn/atlas/internal/infrastructure/crypto"
	"github.com/turtacn/atlas/pkg/constants"
)

func newKeyCmd(opts *rootOptions) *cobra.Command {
	keyCmd := &cobra.Command{
		Use:   "key",
		Short: "Manage signing keys",
	}
	keyCmd.AddCommand(newKeyGenerateCmd(), newKeyJWKCmd(), newKeyVaultPutCmd(opts))
	return keyCmd
}

func newKeyGenerateCmd() *cobra.Command {
	var (
		bits   int
		kid    string
		outDir string
	)
	cmd := &cobra.Command{
		Use:   "generate",
		Short: "Generate an RSA signing key pair as PEM files",
		RunE: func(cmd *cobra.Command, _ []string) error {
			km, err := crypto.GenerateKeyMaterial(bits, kid)
			if err != nil {
				return err
			}
			pub, err := crypto.EncodePublicKeyPEM(km.PublicKey)
			if err != nil {
				return err
			}
			if err := os.MkdirAll(outDir, 0o700); err != nil {
				return err
			}
			privPath := filepath.Join(outDir, "private.pem")
			pubPath := filepath.Join(outDir, "public.pem")
			if err := os.WriteFile(privPath, []byte(crypto.EncodePrivateKeyPEM(km.PrivateKey)), 0o600); err != nil {
				return err
			}
			if err := os.WriteFile(pubPath, []byte(pub), 0o644); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "kid: %s\nprivate key: %s\npublic key: %s\n", km.KeyID, privPath, pubPath)
			return nil
		},
	}
	cmd.Flags().IntVar(&bits, "bits", constants.DefaultRSAKeySize, "RSA modulus size")
	cmd.Flags().StringVar(&kid, "kid", "", "key id (defaults to the public key thumbprint)")
	cmd.Flags().StringVarP(&outDir, "out", "o", ".", "output directory")
	return cmd
}

func newKeyJWKCmd() *cobra.Command {
	var paths []string
	cmd := &cobra.Command{
		Use:   "jwk",
		Short: "Print public keys as a JWK set",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if len(paths) == 0 {
				return fmt.Errorf("at least one --public-key is required")
			}
			set := jose.JSONWebKeySet{}
			for _, p := range paths {
				data, err := os.ReadFile(p)
				if err != nil {
					return err
				}
				pub, err := crypto.ParsePublicKeyPEM(data)
				if err != nil {
					return fmt.Errorf("%s: %w", p, err)
				}
				kid, err := crypto.Thumbprint(pub)
				if err != nil {
					return err
				}
				set.Keys = append(set.Keys, crypto.ToJWK(&crypto.KeyMaterial{
					KeyID:     kid,
					Algorithm: constants.AlgorithmRS256,
					PublicKey: pub,
				}))
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(set)
		},
	}
	cmd.Flags().StringSliceVar(&paths, "public-key", nil, "public key PEM file (repeatable)")
	return cmd
}

func newKeyVaultPutCmd(opts *rootOptions) *cobra.Command {
	var (
		privPath  string
		vaultPath string
		kid       string
	)
	cmd := &cobra.Command{
		Use:   "vault-put",
		Short: "Store a PEM private key in Vault for the issuer to load",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, log, err := opts.load()
			if err != nil {
				return err
			}
			data, err := os.ReadFile(privPath)
			if err != nil {
				return err
			}
			key, err := crypto.ParsePrivateKeyPEM(data)
			if err != nil {
				return err
			}
			km, err := crypto.NewKeyMaterial(key, kid)
			if err != nil {
				return err
			}
			if vaultPath == "" {
				vaultPath = cfg.JWT.VaultPath
			}
			if vaultPath == "" {
				return fmt.Errorf("--path or jwt.vault_path is required")
			}
			client, err := crypto.NewVaultClient(&cfg.Vault, log)
			if err != nil {
				return err
			}
			if err := client.PutSigningKey(cmd.Context(), vaultPath, string(data), km.KeyID); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "stored kid %s at %s\n", km.KeyID, vaultPath)
			return nil
		},
	}
	cmd.Flags().StringVar(&privPath, "private-key", "private.pem", "private key PEM file")
	cmd.Flags().StringVar(&vaultPath, "path", "", "vault KV v2 path (defaults to jwt.vault_path)")
	cmd.Flags().StringVar(&kid, "kid", "", "key id (defaults to the public key thumbprint)")
	return cmd
}
