package main

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/benlos-peru/banquea-bot-whatsapp/internal/store"
)

var (
	dbPath     string
	contentDir string
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "quizctl",
		Short:         "Operator tool for the Banquea quiz bot",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&dbPath, "db", "./data/banquea.db", "path to the SQLite database")
	root.PersistentFlags().StringVar(&contentDir, "content-dir", "./preguntas", "directory with the question CSV files")

	root.AddCommand(newUsersCmd())
	root.AddCommand(newQuestionsCmd())
	root.AddCommand(newStatsCmd())
	root.AddCommand(newSendQuestionCmd())
	root.AddCommand(newContactCmd())
	return root
}

// openRepo opens the database and hands it to fn, closing it afterwards.
func openRepo(ctx context.Context, fn func(store.Repo) error) error {
	repo, err := store.OpenSQLite(ctx, dbPath)
	if err != nil {
		return err
	}
	defer func() { _ = repo.Close() }()
	return fn(repo)
}
