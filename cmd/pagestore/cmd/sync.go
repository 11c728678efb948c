package cmd

import (
	"context"
	"crypto/rand"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/aweris/pagestore"
	"github.com/aweris/pagestore/internal/crypto"
)

var syncCmd = &cobra.Command{
	Use:   "sync <page>",
	Short: "Sync a page with the registry",
	Long:  "Run the sync engine for a page against an OCI registry until interrupted.",
	Args:  cobra.ExactArgs(1),
	RunE:  runSync,
}

var newCmd = &cobra.Command{
	Use:   "new",
	Short: "Print a new page id and encryption key",
	Args:  cobra.NoArgs,
	RunE:  runNew,
}

func init() {
	flags := syncCmd.Flags()
	flags.String("registry", "", "repository prefix pages are stored under, e.g. ghcr.io/acme/pages")
	flags.String("token", "", "registry token")
	flags.String("jwt-secret", "", "mint registry tokens signed with this secret instead of --token")
	flags.String("key", "", "page encryption key (base64url)")
	flags.Bool("insecure", false, "allow plain HTTP registries")

	viper.BindPFlag("registry", flags.Lookup("registry"))
	viper.BindPFlag("token", flags.Lookup("token"))
	viper.BindPFlag("jwt_secret", flags.Lookup("jwt-secret"))
	viper.BindPFlag("key", flags.Lookup("key"))
	viper.BindPFlag("insecure", flags.Lookup("insecure"))

	rootCmd.AddCommand(syncCmd, newCmd)
}

func runSync(cmd *cobra.Command, args []string) (err error) {
	id, err := pagestore.ParsePageID(args[0])
	if err != nil {
		return fmt.Errorf("page id: %w", err)
	}
	cfg, err := syncConfig()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := openStore()
	if err != nil {
		return err
	}
	defer func() {
		if cerr := st.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}()

	p, err := st.Page(ctx, id)
	if err != nil {
		return err
	}
	cancel := p.AddCommitWatcher(func(commits []*pagestore.Commit, src pagestore.Source) {
		for _, c := range commits {
			logrus.WithFields(logrus.Fields{"commit": c.ID.Short(), "source": src}).Info("commit applied")
		}
	})
	defer cancel()

	if err := p.StartSync(cfg); err != nil {
		return err
	}
	fmt.Fprintf(os.Stderr, "Syncing %s with %s, press Ctrl-C to stop\n", id, viper.GetString("registry"))

	select {
	case <-ctx.Done():
	case <-p.SyncDone():
	}
	stats := p.SyncStats()
	if err := p.StopSync(); err != nil {
		return fmt.Errorf("sync failed: %w", err)
	}
	fmt.Fprintf(os.Stderr, "Done. Uploaded %d commits, downloaded %d\n", stats.CommitsUploaded, stats.CommitsDownloaded)
	return nil
}

func syncConfig() (pagestore.SyncConfig, error) {
	var cfg pagestore.SyncConfig
	registry := viper.GetString("registry")
	if registry == "" {
		return cfg, errors.New("no registry configured")
	}
	relay, err := pagestore.NewOCIRelay(registry, viper.GetBool("insecure"))
	if err != nil {
		return cfg, err
	}

	key, err := crypto.DecodeBase64URL(viper.GetString("key"))
	if err != nil {
		return cfg, errors.Wrap(err, "decode key")
	}

	tokens := pagestore.StaticToken(viper.GetString("token"))
	if secret := viper.GetString("jwt_secret"); secret != "" {
		host, _ := os.Hostname()
		tokens, err = pagestore.NewJWTTokens([]byte(secret), host, 0)
		if err != nil {
			return cfg, err
		}
	}

	cfg.Relay = relay
	cfg.Tokens = tokens
	cfg.Key = key
	return cfg, nil
}

func runNew(cmd *cobra.Command, args []string) error {
	key := make([]byte, pagestore.KeySize)
	if _, err := rand.Read(key); err != nil {
		return err
	}
	fmt.Printf("page: %s\nkey:  %s\n", pagestore.NewPageID(), crypto.EncodeBase64URL(key))
	return nil
}
