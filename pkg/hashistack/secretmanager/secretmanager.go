package secretmanager

import (
	"os"

	vault "github.com/hashicorp/vault-client-go"
	"go.uber.org/fx"
)

var Module = fx.Module("secretmanager", fx.Provide(ProvideVault))

// ProvideVault builds a vault client from VAULT_* environment variables. It
// returns nil when VAULT_ADDR is unset, which leaves config secrets as loaded.
func ProvideVault() (*vault.Client, error) {
	if os.Getenv("VAULT_ADDR") == "" {
		return nil, nil
	}

	return vault.New(
		vault.WithEnvironment(),
	)
}
