package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/benlos-peru/banquea-bot-whatsapp/internal/quiz"
	"github.com/benlos-peru/banquea-bot-whatsapp/internal/store"
)

func newQuestionsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "questions",
		Short: "Work with the question corpus",
	}
	cmd.AddCommand(newQuestionsValidateCmd())
	return cmd
}

// newQuestionsValidateCmd loads the corpus the same way the bot does and
// reports anything that would degrade deliveries.
func newQuestionsValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Parse the corpus CSVs and report coverage problems",
		RunE: func(cmd *cobra.Command, _ []string) error {
			snap, err := quiz.LoadSnapshot(contentDir)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			missingCorrect, shortDistractors := 0, 0
			for _, q := range snap.Questions() {
				if a, ok := snap.Correct(q.ID); !ok || a == "" {
					missingCorrect++
					fmt.Fprintf(out, "question %d has no correct answer\n", q.ID)
				}
				if n := len(snap.DistractorsFor(q.ID)); n < quiz.DistractorCount {
					shortDistractors++
					fmt.Fprintf(out, "question %d has only %d distractors (needs %d, will backfill)\n",
						q.ID, n, quiz.DistractorCount)
				}
			}

			fmt.Fprintf(out, "%d questions, %d without correct answer, %d short on distractors\n",
				len(snap.Questions()), missingCorrect, shortDistractors)
			if missingCorrect > 0 {
				return fmt.Errorf("%d questions cannot be delivered", missingCorrect)
			}
			return nil
		},
	}
}

func newStatsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Print user and job counts",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return openRepo(cmd.Context(), func(repo store.Repo) error {
				total, err := repo.CountUsers(cmd.Context())
				if err != nil {
					return err
				}
				jobs, err := repo.ListJobs(cmd.Context())
				if err != nil {
					return err
				}

				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "users: %d\n", total)
				fmt.Fprintf(out, "scheduled jobs: %d\n", len(jobs))
				for _, j := range jobs {
					fmt.Fprintf(out, "  user %d fires at %s\n", j.UserID, j.FireAt.UTC().Format("2006-01-02 15:04"))
				}
				return nil
			})
		},
	}
}
