// Command alexandrie-admin is an operator tool for tasks that sit
// outside the registry's HTTP API surface: issuing and revoking author
// tokens, granting ownership directly, and seeding the curated category
// list. It talks to the metadata store directly rather than going
// through the Auth Gate's per-request checks, since an operator running
// this tool is already trusted.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gorm.io/gorm"

	"github.com/alexandrie-rs/alexandrie/internal/config"
	"github.com/alexandrie-rs/alexandrie/pkg/registry/auth"
	"github.com/alexandrie-rs/alexandrie/pkg/registry/canonical"
	"github.com/alexandrie-rs/alexandrie/pkg/registry/metadatastore"
)

const (
	exitSuccess = 0
	exitConfig  = 1
	exitIO      = 2
	exitState   = 3
)

var cfg config.Config

func fail(code int, format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(code)
}

func openStore() *metadatastore.Store {
	store, err := cfg.OpenMetadataStore()
	if err != nil {
		fail(exitIO, "opening metadata store: %v", err)
	}
	return store
}

func main() {
	root := &cobra.Command{
		Use:   "alexandrie-admin",
		Short: "Operator tool for the alexandrie registry",
	}
	cfg.RegisterFlags(flag.CommandLine)
	root.PersistentFlags().AddGoFlagSet(flag.CommandLine)

	root.AddCommand(createTokenCmd(), revokeTokenCmd(), addOwnerCmd(), seedCategoriesCmd())

	if err := root.Execute(); err != nil {
		fail(exitConfig, "%v", err)
	}
}

func createTokenCmd() *cobra.Command {
	var email, name string
	cmd := &cobra.Command{
		Use:   "create-token",
		Short: "Issue a new author token",
		Run: func(cmd *cobra.Command, args []string) {
			if email == "" {
				fail(exitConfig, "--author-email is required")
			}
			store := openStore()
			defer store.Close()
			gate := auth.NewGate(store)

			var author metadatastore.Author
			ctx := context.Background()
			err := store.Run(ctx, func(db *gorm.DB) error {
				return db.Where("email = ?", email).First(&author).Error
			})
			if err != nil {
				fail(exitState, "looking up author %s: %v", email, err)
			}

			raw, err := gate.IssueToken(ctx, author.ID, name)
			if err != nil {
				fail(exitIO, "issuing token: %v", err)
			}
			fmt.Println(raw)
			os.Exit(exitSuccess)
		},
	}
	cmd.Flags().StringVar(&email, "author-email", "", "email of the author to issue a token for")
	cmd.Flags().StringVar(&name, "name", "admin-issued", "human-readable label for the token")
	return cmd
}

func revokeTokenCmd() *cobra.Command {
	var email string
	var tokenID uint64
	cmd := &cobra.Command{
		Use:   "revoke-token",
		Short: "Revoke an author token by ID",
		Run: func(cmd *cobra.Command, args []string) {
			if email == "" || tokenID == 0 {
				fail(exitConfig, "--author-email and --token-id are required")
			}
			store := openStore()
			defer store.Close()
			gate := auth.NewGate(store)

			var author metadatastore.Author
			ctx := context.Background()
			if err := store.Run(ctx, func(db *gorm.DB) error {
				return db.Where("email = ?", email).First(&author).Error
			}); err != nil {
				fail(exitState, "looking up author %s: %v", email, err)
			}

			if err := gate.RevokeToken(ctx, author.ID, tokenID); err != nil {
				fail(exitState, "revoking token: %v", err)
			}
			os.Exit(exitSuccess)
		},
	}
	cmd.Flags().StringVar(&email, "author-email", "", "email of the token's owning author")
	cmd.Flags().Uint64Var(&tokenID, "token-id", 0, "ID of the token to revoke")
	return cmd
}

func addOwnerCmd() *cobra.Command {
	var crateName, email string
	cmd := &cobra.Command{
		Use:   "add-owner",
		Short: "Grant ownership of a crate to an author, bypassing invitation",
		Run: func(cmd *cobra.Command, args []string) {
			if crateName == "" || email == "" {
				fail(exitConfig, "--crate and --author-email are required")
			}
			store := openStore()
			defer store.Close()
			ctx := context.Background()

			err := store.Transaction(ctx, func(db *gorm.DB) error {
				var crate metadatastore.Crate
				if err := db.Where("canonical_name = ?", string(canonical.Canonicalise(crateName))).First(&crate).Error; err != nil {
					return fmt.Errorf("looking up crate %s: %w", crateName, err)
				}
				var author metadatastore.Author
				if err := db.Where("email = ?", email).First(&author).Error; err != nil {
					return fmt.Errorf("looking up author %s: %w", email, err)
				}
				var count int64
				if err := db.Model(&metadatastore.CrateAuthor{}).
					Where("crate_id = ? AND author_id = ?", crate.ID, author.ID).
					Count(&count).Error; err != nil {
					return err
				}
				if count > 0 {
					return nil
				}
				return db.Create(&metadatastore.CrateAuthor{CrateID: crate.ID, AuthorID: author.ID}).Error
			})
			if err != nil {
				fail(exitState, "%v", err)
			}
			os.Exit(exitSuccess)
		},
	}
	cmd.Flags().StringVar(&crateName, "crate", "", "name of the crate to grant ownership of")
	cmd.Flags().StringVar(&email, "author-email", "", "email of the author to grant ownership to")
	return cmd
}

func seedCategoriesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "seed-categories",
		Short: "Seed the curated category list with its default entries",
		Run: func(cmd *cobra.Command, args []string) {
			store := openStore()
			defer store.Close()
			ctx := context.Background()

			for _, cat := range defaultCategories {
				err := store.Run(ctx, func(db *gorm.DB) error {
					return db.Where(metadatastore.Category{Tag: cat.Tag}).
						Attrs(metadatastore.Category{Name: cat.Name, Description: cat.Description}).
						FirstOrCreate(&metadatastore.Category{}).Error
				})
				if err != nil {
					fail(exitIO, "seeding category %s: %v", cat.Tag, err)
				}
			}
			os.Exit(exitSuccess)
		},
	}
	return cmd
}

var defaultCategories = []metadatastore.Category{
	{Tag: "command-line-utilities", Name: "Command line utilities", Description: "Applications to run from the command line"},
	{Tag: "network-programming", Name: "Network programming", Description: "Libraries for network or internet programming"},
	{Tag: "parser-implementations", Name: "Parser implementations", Description: "Parser implementations for various data formats"},
	{Tag: "web-programming", Name: "Web programming", Description: "Libraries and tools for the web"},
	{Tag: "database", Name: "Database interfaces", Description: "Crates for interacting with databases"},
}
