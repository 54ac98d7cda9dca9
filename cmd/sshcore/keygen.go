package main

import (
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"encoding/pem"
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/spf13/cobra"
	"golang.org/x/crypto/ssh"

	"github.com/pzverkov/sshcore/pkg/crypto"
)

const defaultRSABits = 3072

func keygenCmd() *cobra.Command {
	var (
		keyType string
		bits    int
		path    string
		comment string
		force   bool
	)

	cmd := &cobra.Command{
		Use:   "keygen",
		Short: "Generate a host or user key pair",
		Long: `Write an unencrypted OpenSSH private key to the given file and the
public key, in authorized_keys format, next to it with a .pub suffix.`,
		Example: `  sshcore keygen -f /etc/sshcore/ssh_host_ed25519_key
  sshcore keygen -t rsa -b 4096 -f id_rsa -C alice@example`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if path == "" {
				return errors.New("output file required (-f)")
			}
			if !force {
				if _, err := os.Stat(path); err == nil {
					return fmt.Errorf("%s already exists (use --force to overwrite)", path)
				} else if !errors.Is(err, fs.ErrNotExist) {
					return err
				}
			}

			priv, err := generateKey(keyType, bits)
			if err != nil {
				return err
			}
			pub, err := writeKeyPair(path, comment, priv)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Private key: %s\n", path)
			fmt.Fprintf(out, "Public key:  %s.pub\n", path)
			fmt.Fprintf(out, "Fingerprint: %s %s\n", crypto.Fingerprint(pub), pub.Type())
			return nil
		},
	}
	cmd.Flags().StringVarP(&keyType, "type", "t", "ed25519", "Key type: ed25519, ecdsa or rsa")
	cmd.Flags().IntVarP(&bits, "bits", "b", 0, "Key size: 256, 384 or 521 for ecdsa; at least 2048 for rsa")
	cmd.Flags().StringVarP(&path, "file", "f", "", "Output file for the private key")
	cmd.Flags().StringVarP(&comment, "comment", "C", "", "Comment stored with the key")
	cmd.Flags().BoolVar(&force, "force", false, "Overwrite existing files")
	return cmd
}

func generateKey(keyType string, bits int) (any, error) {
	switch keyType {
	case "ed25519":
		_, priv, err := ed25519.GenerateKey(rand.Reader)
		return priv, err
	case "ecdsa":
		var curve elliptic.Curve
		switch bits {
		case 0, 256:
			curve = elliptic.P256()
		case 384:
			curve = elliptic.P384()
		case 521:
			curve = elliptic.P521()
		default:
			return nil, fmt.Errorf("invalid ecdsa size %d", bits)
		}
		return ecdsa.GenerateKey(curve, rand.Reader)
	case "rsa":
		if bits == 0 {
			bits = defaultRSABits
		}
		if bits < 2048 {
			return nil, fmt.Errorf("rsa keys must be at least 2048 bits, got %d", bits)
		}
		return rsa.GenerateKey(rand.Reader, bits)
	default:
		return nil, fmt.Errorf("unknown key type %q", keyType)
	}
}

// writeKeyPair writes path (mode 0600) and path.pub.
func writeKeyPair(path, comment string, priv any) (ssh.PublicKey, error) {
	block, err := ssh.MarshalPrivateKey(priv, comment)
	if err != nil {
		return nil, err
	}
	signer, err := ssh.NewSignerFromKey(priv)
	if err != nil {
		return nil, err
	}
	pub := signer.PublicKey()

	if err := os.WriteFile(path, pem.EncodeToMemory(block), 0o600); err != nil {
		return nil, err
	}
	line := ssh.MarshalAuthorizedKey(pub)
	if comment != "" {
		line = append(line[:len(line)-1], []byte(" "+comment+"\n")...)
	}
	if err := os.WriteFile(path+".pub", line, 0o644); err != nil {
		return nil, err
	}
	return pub, nil
}
