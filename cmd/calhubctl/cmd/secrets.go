package cmd

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"filippo.io/age"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/sekia-ai/calhub/internal/secrets"
)

func newSecretsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "secrets",
		Short: "Manage the age key used for ENC[...] config values and sealed credentials",
	}

	cmd.AddCommand(newSecretsKeygenCmd())
	cmd.AddCommand(newSecretsEncryptCmd())
	cmd.AddCommand(newSecretsDecryptCmd())

	return cmd
}

// localIdentities resolves the identity the daemon would use.
func localIdentities() ([]age.Identity, error) {
	ids, err := secrets.ResolveIdentity(viper.New())
	if err != nil {
		return nil, fmt.Errorf("resolve identity: %w", err)
	}
	if len(ids) == 0 {
		return nil, fmt.Errorf("no age identity found; set %s or %s, or run 'calhubctl secrets keygen'",
			secrets.EnvAgeKey, secrets.EnvAgeKeyFile)
	}
	return ids, nil
}

func newSecretsKeygenCmd() *cobra.Command {
	var output string

	cmd := &cobra.Command{
		Use:   "keygen",
		Short: "Generate an age keypair",
		Long: `Writes a new X25519 identity to a file readable only by you and prints its
public key. calhubd uses it to decrypt ENC[...] config values and, with
storage.seal_credentials, to seal account secrets in the local database.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if output == "" {
				output = secrets.DefaultKeyPath()
			}
			if _, err := os.Stat(output); err == nil {
				return fmt.Errorf("key file already exists: %s (remove it first to regenerate)", output)
			}

			identity, err := secrets.GenerateKeyPair()
			if err != nil {
				return fmt.Errorf("generate keypair: %w", err)
			}
			if err := os.MkdirAll(filepath.Dir(output), 0o700); err != nil {
				return fmt.Errorf("create directory: %w", err)
			}

			recipient := identity.Recipient().String()
			content := fmt.Sprintf("# created: %s\n# public key: %s\n%s\n",
				time.Now().Format(time.RFC3339), recipient, identity.String())
			if err := os.WriteFile(output, []byte(content), 0o600); err != nil {
				return fmt.Errorf("write key file: %w", err)
			}

			fmt.Printf("Key file:   %s\n", output)
			fmt.Printf("Public key: %s\n", recipient)
			return nil
		},
	}

	cmd.Flags().StringVarP(&output, "output", "o", "", "output path (default: ~/.config/calhub/age.key)")
	return cmd
}

func newSecretsEncryptCmd() *cobra.Command {
	var (
		recipientKey string
		fromStdin    bool
	)

	cmd := &cobra.Command{
		Use:   "encrypt [value]",
		Short: "Encrypt a value for the config file",
		Long: `Prints the ENC[...] form of a value, e.g. a Google client secret or the
web dashboard password. Use --stdin to keep the plaintext out of your shell
history. Without --recipient the local identity's public key is used.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			plaintext, err := inputValue(args, fromStdin)
			if err != nil {
				return err
			}

			var recipient age.Recipient
			if recipientKey != "" {
				if recipient, err = age.ParseX25519Recipient(recipientKey); err != nil {
					return fmt.Errorf("parse recipient: %w", err)
				}
			} else {
				ids, err := localIdentities()
				if err != nil {
					return err
				}
				x25519, ok := ids[0].(*age.X25519Identity)
				if !ok {
					return errors.New("local identity is not X25519; pass --recipient")
				}
				recipient = x25519.Recipient()
			}

			encrypted, err := secrets.Encrypt(plaintext, recipient)
			if err != nil {
				return fmt.Errorf("encrypt: %w", err)
			}
			fmt.Println(encrypted)
			return nil
		},
	}

	cmd.Flags().StringVar(&recipientKey, "recipient", "", "age public key (default: from the local identity)")
	cmd.Flags().BoolVar(&fromStdin, "stdin", false, "read the value from the first line of stdin")
	return cmd
}

func newSecretsDecryptCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "decrypt <ENC[...]>",
		Short: "Decrypt a config value",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ids, err := localIdentities()
			if err != nil {
				return err
			}
			plaintext, err := secrets.Decrypt(args[0], ids...)
			if err != nil {
				return err
			}
			fmt.Println(plaintext)
			return nil
		},
	}
}

func inputValue(args []string, fromStdin bool) (string, error) {
	switch {
	case fromStdin && len(args) > 0:
		return "", errors.New("pass a value or --stdin, not both")
	case fromStdin:
		line, err := bufio.NewReader(os.Stdin).ReadString('\n')
		if err != nil && line == "" {
			return "", fmt.Errorf("read stdin: %w", err)
		}
		return strings.TrimRight(line, "\r\n"), nil
	case len(args) == 1:
		return args[0], nil
	default:
		return "", errors.New("missing value")
	}
}
