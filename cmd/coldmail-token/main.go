// Command coldmail-token issues API tokens and manages stored sender
// accounts for the coldmail server. It reads the same environment as the
// server.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/joho/godotenv"

	"github.com/vutikurishanmukha9/HR-Cold-Email/internal/auth"
	"github.com/vutikurishanmukha9/HR-Cold-Email/internal/config"
	"github.com/vutikurishanmukha9/HR-Cold-Email/internal/credentials"
	"github.com/vutikurishanmukha9/HR-Cold-Email/internal/store"
)

const usage = `usage:
  coldmail-token issue -user <id>
  coldmail-token add-sender -user <id> -email <address> -secret <app password> [-default]
  coldmail-token generate-key
`

func main() {
	_ = godotenv.Load()
	if err := run(context.Background(), config.Load(), os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintln(os.Stderr, "coldmail-token:", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config, args []string, out io.Writer) error {
	if len(args) == 0 {
		return fmt.Errorf("missing command\n%s", usage)
	}

	switch args[0] {
	case "issue":
		fs := flag.NewFlagSet("issue", flag.ContinueOnError)
		userID := fs.String("user", "", "user id embedded in the token")
		if err := fs.Parse(args[1:]); err != nil {
			return err
		}
		if cfg.AuthSecret == "" {
			return fmt.Errorf("AUTH_SECRET must be set so the server accepts the token")
		}
		manager, err := auth.New(cfg.AuthSecret, cfg.AuthMaxAge)
		if err != nil {
			return err
		}
		token, err := manager.Issue(*userID, time.Now())
		if err != nil {
			return err
		}
		fmt.Fprintln(out, token)
		return nil

	case "add-sender":
		fs := flag.NewFlagSet("add-sender", flag.ContinueOnError)
		userID := fs.String("user", "", "owner of the sender account")
		email := fs.String("email", "", "sender address")
		secret := fs.String("secret", "", "app password for the sender")
		isDefault := fs.Bool("default", false, "use this sender when a campaign names none")
		if err := fs.Parse(args[1:]); err != nil {
			return err
		}
		if cfg.CredentialsKey == "" {
			return fmt.Errorf("CREDENTIALS_KEY must be set; create one with generate-key")
		}
		key, err := credentials.ParseKey(cfg.CredentialsKey)
		if err != nil {
			return err
		}
		cipher, err := credentials.NewCipher(key)
		if err != nil {
			return err
		}
		db, err := store.OpenSQLite(ctx, cfg.DBPath)
		if err != nil {
			return err
		}
		defer db.Close()
		if err := db.EnsureSchema(ctx); err != nil {
			return err
		}
		id, err := credentials.NewStoreResolver(db, cipher).AddSender(ctx, *userID, *email, *secret, *isDefault)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "sender %d stored for %s\n", id, *userID)
		return nil

	case "generate-key":
		key, err := credentials.GenerateKey()
		if err != nil {
			return err
		}
		fmt.Fprintln(out, key)
		return nil

	default:
		return fmt.Errorf("unknown command %q\n%s", args[0], usage)
	}
}
