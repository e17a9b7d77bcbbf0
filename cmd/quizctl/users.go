package main

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/benlos-peru/banquea-bot-whatsapp/internal/domain"
	"github.com/benlos-peru/banquea-bot-whatsapp/internal/store"
)

func newUsersCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "users",
		Short: "Inspect and manage registered users",
	}
	cmd.AddCommand(newUsersListCmd())
	cmd.AddCommand(newUsersResetCmd())
	cmd.AddCommand(newUsersDeleteCmd())
	cmd.AddCommand(newUsersImportCmd())
	return cmd
}

func newUsersListCmd() *cobra.Command {
	var offset, limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List users with their state and schedule",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return openRepo(cmd.Context(), func(repo store.Repo) error {
				users, err := repo.ListUsers(cmd.Context(), offset, limit)
				if err != nil {
					return err
				}

				w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(w, "ID\tPHONE\tSTATE\tSCHEDULE\tNEXT QUESTION")
				for _, u := range users {
					schedule := "-"
					if u.HasSchedule() {
						schedule = fmt.Sprintf("%s %s",
							domain.DayName(u.ScheduledDayOfWeek),
							domain.FormatTimeOfDay(u.ScheduledHour, u.ScheduledMinute))
					}
					next := "-"
					if u.NextQuestionAt != nil {
						next = u.NextQuestionAt.UTC().Format("2006-01-02 15:04")
					}
					fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\n",
						u.ID, u.PhoneNumber, u.State, schedule, next)
				}
				return w.Flush()
			})
		},
	}
	cmd.Flags().IntVar(&offset, "offset", 0, "pagination offset")
	cmd.Flags().IntVar(&limit, "limit", 100, "maximum users to print")
	return cmd
}

func newUsersResetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reset <user-id>",
		Short: "Return a user to the uncontacted state and drop their job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseUserID(args[0])
			if err != nil {
				return err
			}
			return openRepo(cmd.Context(), func(repo store.Repo) error {
				user, err := repo.GetUser(cmd.Context(), id)
				if err != nil {
					return err
				}
				if err := repo.DeleteJob(cmd.Context(), id); err != nil {
					return err
				}

				user.State = domain.StateUncontacted
				user.ScheduledDayOfWeek = -1
				user.ScheduledHour = -1
				user.ScheduledMinute = -1
				user.NextQuestionAt = nil
				if err := repo.UpdateUser(cmd.Context(), user); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "user %d (%s) reset\n", user.ID, user.PhoneNumber)
				return nil
			})
		},
	}
}

func newUsersDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <user-id>",
		Short: "Delete a user and all their records",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseUserID(args[0])
			if err != nil {
				return err
			}
			return openRepo(cmd.Context(), func(repo store.Repo) error {
				if err := repo.DeleteUser(cmd.Context(), id); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "user %d deleted\n", id)
				return nil
			})
		},
	}
}

// newUsersImportCmd registers phone numbers from a CSV so the bot (or the
// bulk-contact endpoint) can reach out to them. Rows are "phone" or
// "phone,username"; a header row is optional.
func newUsersImportCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "import <file.csv>",
		Short: "Register phone numbers from a CSV file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := os.Open(args[0])
			if err != nil {
				return err
			}
			defer f.Close()

			return openRepo(cmd.Context(), func(repo store.Repo) error {
				r := csv.NewReader(f)
				r.FieldsPerRecord = -1

				created, skipped := 0, 0
				for {
					rec, err := r.Read()
					if errors.Is(err, io.EOF) {
						break
					}
					if err != nil {
						return err
					}
					phone := strings.TrimSpace(rec[0])
					if phone == "" || strings.EqualFold(phone, "phone") || strings.EqualFold(phone, "telefono") {
						continue
					}
					username := ""
					if len(rec) > 1 {
						username = strings.TrimSpace(rec[1])
					}

					if _, err := repo.GetUserByPhone(cmd.Context(), phone); err == nil {
						skipped++
						continue
					} else if !errors.Is(err, store.ErrNotFound) {
						return err
					}
					if _, err := repo.CreateUser(cmd.Context(), phone, username); err != nil {
						return fmt.Errorf("create %s: %w", phone, err)
					}
					created++
				}
				fmt.Fprintf(cmd.OutOrStdout(), "imported %d users, %d already present\n", created, skipped)
				return nil
			})
		},
	}
}

func parseUserID(s string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid user id %q", s)
	}
	return id, nil
}
