package commands

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	sshpkg "golang.org/x/crypto/ssh"

	"github.com/openfroyo/peace/pkg/config"
	"github.com/openfroyo/peace/pkg/flow"
	"github.com/openfroyo/peace/pkg/workspace"
)

const defaultFlowID = "app"

const peaceTemplate = `// Flow definition for %[1]s.

workspace: profile: %[2]q

flow: id: %[1]q

items: [
	{
		id:   "greeting"
		kind: "file"
		params: {
			path:    %[3]q
			content: "hello from peace\n"
		}
	},
	{
		id:    "greeting_sum"
		kind:  "file"
		after: ["greeting"]
		params: {
			path:    %[4]q
			content: {mapping_fn: "greeting_checksum"}
			mode:    "0600"
		}
	},
]

mapping_fns: greeting_checksum: {
	from: "greeting"
	phase: "goal"
	expr: "state['checksum'] + '\\n'"
}

storage: backend: "file"
`

// keyDirName holds keys generated for remote_file items, under the app dir.
const keyDirName = "keys"

func newInitCommand() *cobra.Command {
	var (
		force  bool
		sshKey bool
	)

	cmd := &cobra.Command{
		Use:   "init [dir]",
		Short: "Initialize a peace workspace",
		Long: `Initialize a peace workspace with a starter flow definition and the
.peace directory holding states and execution history.

The --ssh-key flag also generates an ed25519 key pair for remote_file items
to connect with.`,
		Example: `  # Initialize the current directory
  peace init

  # Initialize ./infra for the staging profile with an SSH key
  peace init ./infra --profile staging --flow infra --ssh-key`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir := "."
			if len(args) > 0 {
				dir = args[0]
			}
			profile := profileName
			if profile == "" {
				profile = defaultProfile
			}
			id := flowID
			if id == "" {
				id = defaultFlowID
			}

			log.Info().
				Str("dir", dir).
				Str("profile", profile).
				Str("flow", id).
				Msg("Initializing workspace")

			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			w := cmd.OutOrStdout()

			if err := os.MkdirAll(dir, 0o755); err != nil {
				return fmt.Errorf("failed to create directory %s: %w", dir, err)
			}
			ws, err := workspace.Discover(workspace.Path(dir), profile)
			if err != nil {
				return err
			}
			fid := flow.FlowID(id)
			if err := fid.Validate(); err != nil {
				return fmt.Errorf("invalid flow id %q: %w", id, err)
			}

			fmt.Fprintf(w, "Initializing peace workspace in %s\n\n", ws.Root())

			// Step 1: Flow definition
			defPath := filepath.Join(ws.Root(), workspace.DefaultMarker)
			if _, err := os.Stat(defPath); err == nil && !force {
				fmt.Fprintf(w, "✓ Flow definition already exists: %s\n", defPath)
			} else {
				content := fmt.Sprintf(peaceTemplate, id, profile,
					filepath.Join(ws.Root(), "greeting.txt"), filepath.Join(ws.Root(), "greeting.sum"))
				if _, err := config.NewCUEParser().Parse(defPath, []byte(content)); err != nil {
					return fmt.Errorf("generated flow definition is invalid: %w", err)
				}
				if err := os.WriteFile(defPath, []byte(content), 0o644); err != nil {
					return fmt.Errorf("failed to write flow definition: %w", err)
				}
				fmt.Fprintf(w, "✓ Created flow definition: %s\n", defPath)
			}

			// Step 2: Flow directory
			if err := ws.Init(fid); err != nil {
				return err
			}
			fmt.Fprintf(w, "✓ Created directory: %s\n", ws.FlowDir(fid))

			// Step 3: Execution history
			dbPath := historyPath(ws)
			store, err := openStore(ctx, dbPath)
			if err != nil {
				return err
			}
			if err := store.Close(); err != nil {
				return fmt.Errorf("failed to close store: %w", err)
			}
			fmt.Fprintf(w, "✓ Initialized SQLite database: %s\n", dbPath)

			// Step 4: SSH key
			if sshKey {
				keyPath := filepath.Join(ws.AppDir(), keyDirName, "id_ed25519")
				created, err := generateSSHKey(keyPath)
				if err != nil {
					return err
				}
				if created {
					fmt.Fprintf(w, "✓ Generated SSH keypair: %s\n", keyPath)
				} else {
					fmt.Fprintf(w, "✓ SSH keypair already exists: %s\n", keyPath)
				}
			}

			fmt.Fprintf(w, "\n✅ Workspace initialized successfully!\n\n")
			fmt.Fprintf(w, "Next steps:\n")
			fmt.Fprintf(w, "  1. Describe your items in %s\n\n", workspace.DefaultMarker)
			fmt.Fprintf(w, "  2. Preview the changes:\n")
			fmt.Fprintf(w, "     peace ensure --dry\n\n")

			return nil
		},
	}

	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing peace.cue")
	cmd.Flags().BoolVar(&sshKey, "ssh-key", false, "generate an ed25519 key pair for remote_file items")

	return cmd
}

// generateSSHKey writes an OpenSSH private key to path and its public key
// to path.pub. It reports false if the private key already exists.
func generateSSHKey(path string) (bool, error) {
	if _, err := os.Stat(path); err == nil {
		return false, nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return false, fmt.Errorf("failed to create key directory: %w", err)
	}

	pubKey, privKey, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return false, fmt.Errorf("failed to generate keypair: %w", err)
	}

	block, err := sshpkg.MarshalPrivateKey(privKey, "")
	if err != nil {
		return false, fmt.Errorf("failed to marshal private key: %w", err)
	}
	if err := os.WriteFile(path, pem.EncodeToMemory(block), 0o600); err != nil {
		return false, fmt.Errorf("failed to write private key: %w", err)
	}

	sshPubKey, err := sshpkg.NewPublicKey(pubKey)
	if err != nil {
		return false, fmt.Errorf("failed to create SSH public key: %w", err)
	}
	if err := os.WriteFile(path+".pub", sshpkg.MarshalAuthorizedKey(sshPubKey), 0o644); err != nil {
		return false, fmt.Errorf("failed to write public key: %w", err)
	}
	return true, nil
}
