package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/synergos-io/synergos/internal/config"
	"github.com/synergos-io/synergos/internal/memory"
	"github.com/synergos-io/synergos/internal/vault"
)

// runSecret manages vault-encrypted API keys in the memory store's secrets
// table. Config files reference them as "secret:NAME".
func runSecret(args []string) error {
	if len(args) == 0 {
		printSecretUsage()
		return nil
	}

	passphrase := os.Getenv("SYNERGOS_VAULT_PASSPHRASE")
	if passphrase == "" {
		return fmt.Errorf("SYNERGOS_VAULT_PASSPHRASE environment variable is required")
	}
	v := vault.New(passphrase)

	path := os.Getenv("SYNERGOS_MEMORY_PATH")
	if path == "" {
		path = config.StorePath
	}
	store, err := memory.Open(config.MemoryConfig{Path: path})
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer store.Close()

	switch args[0] {
	case "list":
		return secretList(store)
	case "set":
		return secretSet(store, v, args[1:])
	case "get":
		return secretGet(store, v, args[1:])
	case "delete":
		return secretDelete(store, args[1:])
	default:
		printSecretUsage()
		return fmt.Errorf("unknown secret command: %s", args[0])
	}
}

func printSecretUsage() {
	fmt.Fprintf(os.Stderr, `Usage: synergos secret <command>

Commands:
  list                 List stored secrets (metadata only)
  set <name> <value>   Encrypt and store a secret
  get <name>           Decrypt and print a secret
  delete <name>        Delete a secret

Environment:
  SYNERGOS_VAULT_PASSPHRASE   Required. Encryption passphrase.
  SYNERGOS_MEMORY_PATH        Store location (default %s).
`, config.StorePath)
}

func secretList(store *memory.Store) error {
	secrets, err := store.ListSecrets()
	if err != nil {
		return err
	}
	if len(secrets) == 0 {
		fmt.Println("No secrets stored.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tCREATED\tUPDATED")
	for _, s := range secrets {
		fmt.Fprintf(w, "%s\t%s\t%s\n", s.Name,
			s.CreatedAt.Format("2006-01-02 15:04"),
			s.UpdatedAt.Format("2006-01-02 15:04"))
	}
	return w.Flush()
}

func secretSet(store *memory.Store, v *vault.Vault, args []string) error {
	if len(args) < 2 {
		return fmt.Errorf("usage: synergos secret set <name> <value>")
	}
	name, value := args[0], args[1]

	ciphertext, nonce, err := v.Seal(value)
	if err != nil {
		return fmt.Errorf("encrypt: %w", err)
	}

	if err := store.SaveSecret(&memory.Secret{Name: name, Value: ciphertext, Nonce: nonce}); err != nil {
		return err
	}
	fmt.Printf("Secret %q saved\n", name)
	return nil
}

func secretGet(store *memory.Store, v *vault.Vault, args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: synergos secret get <name>")
	}

	sec, err := store.GetSecret(args[0])
	if err != nil {
		return err
	}
	if sec == nil {
		return fmt.Errorf("secret %q not found", args[0])
	}

	plaintext, err := v.Open(sec.Value, sec.Nonce)
	if err != nil {
		return fmt.Errorf("decrypt: %w", err)
	}

	fmt.Println(plaintext)
	return nil
}

func secretDelete(store *memory.Store, args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: synergos secret delete <name>")
	}
	if err := store.DeleteSecret(args[0]); err != nil {
		return err
	}
	fmt.Printf("Secret %q deleted\n", args[0])
	return nil
}
