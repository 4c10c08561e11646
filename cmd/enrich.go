package main

import (
	"context"
	"errors"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/prospect-enricher/internal/enrich"
	"github.com/sells-group/prospect-enricher/internal/importer"
	"github.com/sells-group/prospect-enricher/internal/model"
	"github.com/sells-group/prospect-enricher/internal/store"
)

var enrichCmd = &cobra.Command{
	Use:   "enrich <domain-or-id>",
	Short: "Run the enrichment pipeline for a single prospect",
	Long:  "Fetches the prospect's website, extracts contacts, generates an icebreaker and classifies the result. A domain that is not yet tracked is added first.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		force, _ := cmd.Flags().GetBool("force")
		icebreakerOnly, _ := cmd.Flags().GetBool("icebreaker-only")
		format, err := outputFormat(cmd)
		if err != nil {
			return err
		}

		env, err := initEnv(ctx, "enrichment")
		if err != nil {
			return err
		}
		defer env.Close()

		p, err := resolveProspect(ctx, env.Store, args[0], true)
		if err != nil {
			return err
		}

		var out *enrich.Outcome
		if icebreakerOnly {
			out, err = env.Enricher.GenerateIcebreaker(ctx, p.ID, force)
		} else {
			out, err = env.Enricher.Enrich(ctx, p.ID, enrich.Options{Force: force, ForceIcebreaker: force})
		}
		if err != nil {
			return eris.Wrapf(err, "enrich %s", p.Domain)
		}
		return render(os.Stdout, format, out, func(w io.Writer) {
			formatKeyValues(w, [][2]any{
				{"Domain", out.Domain},
				{"Status", out.Status},
				{"Skipped", out.Skipped},
				{"Contacts", out.ContactCount},
				{"Inserted", out.ContactsInserted},
				{"Icebreaker", out.IcebreakerGenerated},
				{"Note", out.Note},
			})
		})
	},
}

// resolveProspect finds a prospect by id or by domain. With create set, an
// unknown domain is added as a manual prospect.
func resolveProspect(ctx context.Context, s store.Store, arg string, create bool) (*model.Prospect, error) {
	p, err := s.GetProspect(ctx, arg)
	if err == nil {
		return p, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	domain, derr := model.NormalizeDomain(arg)
	if derr != nil {
		return nil, eris.Wrapf(store.ErrNotFound, "no prospect with id %q", arg)
	}
	p, err = s.GetProspectByDomain(ctx, domain)
	if err == nil || !errors.Is(err, store.ErrNotFound) || !create {
		return p, err
	}

	prospects, _ := importer.FromDomains([]string{domain}, model.ProspectSourceManual)
	if _, err := s.CreateProspects(ctx, prospects); err != nil {
		return nil, eris.Wrapf(err, "add prospect %s", domain)
	}
	return s.GetProspectByDomain(ctx, domain)
}

func init() {
	enrichCmd.Flags().Bool("force", false, "re-run on prospects that already have contacts or a terminal status")
	enrichCmd.Flags().Bool("icebreaker-only", false, "only (re)generate the icebreaker")
	addFormatFlag(enrichCmd)
	rootCmd.AddCommand(enrichCmd)
}
