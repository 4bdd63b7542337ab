package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"prospectflow/auth"
	"prospectflow/cadence"
	"prospectflow/compliance"
	"prospectflow/contact"
	"prospectflow/migrations"
	"prospectflow/outbox"
	"prospectflow/outreach"
	"prospectflow/quality"
	"prospectflow/report"
)

func newMigrateCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the embedded database schema",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			e, closeFn, err := opts.open(cmd.Context(), cmd)
			if err != nil {
				return err
			}
			defer closeFn()

			if err := migrations.Apply(cmd.Context(), e.pool); err != nil {
				return err
			}
			names, _ := migrations.Names()
			return opts.print(cmd.OutOrStdout(), map[string]any{"applied": names}, func(w io.Writer) {
				fmt.Fprintf(w, "applied %d migration(s)\n", len(names))
			})
		},
	}
}

func newSweepCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Run one cadence sweep now",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			e, closeFn, err := opts.open(cmd.Context(), cmd)
			if err != nil {
				return err
			}
			defer closeFn()

			signer, err := compliance.NewSigner(e.cfg.Secrets.Unsubscribe)
			if err != nil {
				return err
			}
			out := outbox.NewWriter()
			contacts := contact.NewRepository(e.pool)
			logs := outreach.NewLogRepository()
			gate := quality.NewService(e.pool, quality.NewRepository(e.pool), out, e.log)
			links := compliance.NewService(e.pool, compliance.NewRepository(), contacts, signer, out, e.log)
			mailer := outreach.NewHTTPMailer(e.cfg.Mail.APIURL, e.cfg.Mail.APIKey, e.cfg.Mail.Timeout)
			sender := outreach.NewSender(e.pool, contacts, logs, gate, links, mailer, outreach.Identity{
				From:          e.cfg.Mail.From,
				ReplyTo:       e.cfg.Mail.ReplyTo,
				PublicURL:     e.cfg.App.PublicURL,
				CompanyName:   e.cfg.App.CompanyName,
				PostalAddress: e.cfg.App.PostalAddress,
			}, e.cfg.Mail.Timeout, e.log)
			svc := cadence.NewService(e.pool, cadence.NewRepository(), logs, sender, out, cadence.Policy{
				BatchSize:    e.cfg.Cadence.BatchSize,
				MaxAttempts:  e.cfg.Cadence.MaxAttempts,
				RetryBackoff: e.cfg.Cadence.RetryBackoff,
			}, e.log)

			summary, err := svc.Sweep(cmd.Context())
			if err != nil {
				return err
			}
			return opts.print(cmd.OutOrStdout(), summary, func(w io.Writer) {
				fmt.Fprintf(w, "processed=%d sent=%d failed=%d reconciled=%d call_tasks=%d blocked=%d closed=%d errors=%d\n",
					summary.Processed, summary.Sent, summary.Failed, summary.Reconciled, summary.CallTasks,
					summary.Blocked, summary.Closed, summary.Errors)
			})
		},
	}
}

func newUnsubscribeURLCommand(opts *RootOptions) *cobra.Command {
	var email string
	cmd := &cobra.Command{
		Use:   "unsubscribe-url <contact-id>",
		Short: "Print the signed unsubscribe link for a contact",
		Long: `Print the signed unsubscribe link for a contact.

With --email the link is built offline; otherwise the contact's stored
email is read from the database.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			signer, err := compliance.NewSigner(cfg.Secrets.Unsubscribe)
			if err != nil {
				return err
			}
			contactID := args[0]
			if email == "" {
				e, closeFn, err := opts.open(cmd.Context(), cmd)
				if err != nil {
					return err
				}
				defer closeFn()
				c, err := contact.NewRepository(e.pool).GetByID(cmd.Context(), contactID)
				if err != nil {
					return err
				}
				email = c.Email
			}

			link := signer.UnsubscribeURL(cfg.App.PublicURL, contactID, email)
			return opts.print(cmd.OutOrStdout(), map[string]string{"contactId": contactID, "url": link}, func(w io.Writer) {
				fmt.Fprintln(w, link)
			})
		},
	}
	cmd.Flags().StringVar(&email, "email", "", "contact email the token is bound to")
	return cmd
}

func newRenderReportCommand(opts *RootOptions) *cobra.Command {
	var output string
	cmd := &cobra.Command{
		Use:   "render-report <text-file|->",
		Short: "Render a plain text file to PDF",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var (
				text []byte
				err  error
			)
			if args[0] == "-" {
				text, err = io.ReadAll(cmd.InOrStdin())
			} else {
				text, err = os.ReadFile(args[0])
			}
			if err != nil {
				return fmt.Errorf("read input: %w", err)
			}

			doc := report.RenderReport(string(text))
			if output == "" || output == "-" {
				_, err = cmd.OutOrStdout().Write(doc)
				return err
			}
			if err := os.WriteFile(output, doc, 0o644); err != nil {
				return fmt.Errorf("write %s: %w", output, err)
			}
			return opts.print(cmd.ErrOrStderr(), map[string]any{"output": output, "bytes": len(doc)}, func(w io.Writer) {
				fmt.Fprintf(w, "wrote %s (%d bytes)\n", output, len(doc))
			})
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "", "output file (default stdout)")
	return cmd
}

func newOperatorCommand(opts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "operator",
		Short: "Manage operator accounts",
	}

	var req auth.CreateOperatorRequest
	var role string
	create := &cobra.Command{
		Use:   "create",
		Short: "Create an operator or admin account",
		Long: `Create an operator or admin account.

The password is read from --password or PROSPECTFLOW_OPERATOR_PASSWORD.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if req.Password == "" {
				req.Password = os.Getenv("PROSPECTFLOW_OPERATOR_PASSWORD")
			}
			req.Role = auth.Role(role)

			e, closeFn, err := opts.open(cmd.Context(), cmd)
			if err != nil {
				return err
			}
			defer closeFn()

			svc := auth.NewService(auth.NewRepository(e.pool), e.cfg.Secrets.JWT)
			user, err := svc.CreateOperator(cmd.Context(), req)
			if err != nil {
				if errors.Is(err, auth.ErrDuplicateEmail) {
					return fmt.Errorf("an account for %s already exists", req.Email)
				}
				return err
			}
			return opts.print(cmd.OutOrStdout(), map[string]string{"id": user.ID, "email": user.Email, "role": string(user.Role)}, func(w io.Writer) {
				fmt.Fprintf(w, "created %s %s (%s)\n", user.Role, user.Email, user.ID)
			})
		},
	}
	create.Flags().StringVar(&req.Email, "email", "", "login email")
	create.Flags().StringVar(&req.FullName, "name", "", "full name")
	create.Flags().StringVar(&req.Password, "password", "", "password (min 8 characters)")
	create.Flags().StringVar(&role, "role", string(auth.RoleOperator), "operator|admin")
	_ = create.MarkFlagRequired("email")
	_ = create.MarkFlagRequired("name")

	cmd.AddCommand(create)
	return cmd
}

func newApproveRunCommand(opts *RootOptions) *cobra.Command {
	var reviewer, decision string
	cmd := &cobra.Command{
		Use:   "approve-run <research-run-id>",
		Short: "Record a quality review for an AMBER research run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			approved, err := strconv.ParseBool(decision)
			if err != nil {
				return fmt.Errorf("--approved must be true or false: %w", err)
			}
			e, closeFn, err := opts.open(cmd.Context(), cmd)
			if err != nil {
				return err
			}
			defer closeFn()

			svc := quality.NewService(e.pool, quality.NewRepository(e.pool), outbox.NewWriter(), e.log)
			run, err := svc.Approve(cmd.Context(), args[0], approved, reviewer)
			if err != nil {
				return err
			}
			reviewedAt := ""
			if run.QualityReviewedAt != nil {
				reviewedAt = run.QualityReviewedAt.UTC().Format(time.RFC3339)
			}
			return opts.print(cmd.OutOrStdout(), map[string]any{"id": run.ID, "prospectId": run.ProspectID, "approved": approved, "reviewedAt": reviewedAt}, func(w io.Writer) {
				fmt.Fprintf(w, "research run %s approved=%t\n", run.ID, approved)
			})
		},
	}
	cmd.Flags().StringVar(&reviewer, "reviewer", "", "reviewing user id")
	cmd.Flags().StringVar(&decision, "approved", "true", "true to approve, false to reject")
	return cmd
}
