package main

import (
	"fmt"
	"io"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/prospect-enricher/internal/importer"
	"github.com/sells-group/prospect-enricher/internal/model"
	"github.com/sells-group/prospect-enricher/internal/store"
)

// cliActor is recorded on audit rows written by manual CLI edits.
const cliActor = "cli"

var prospectsCmd = &cobra.Command{
	Use:   "prospects",
	Short: "Add, import and inspect prospects",
}

// -- prospects add --

var prospectsAddCmd = &cobra.Command{
	Use:   "add <domain>...",
	Short: "Add prospects by domain",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		format, err := outputFormat(cmd)
		if err != nil {
			return err
		}

		env, err := initEnv(ctx, "store")
		if err != nil {
			return err
		}
		defer env.Close()

		prospects, rep := importer.FromDomains(args, model.ProspectSourceManual)
		if err := importer.Import(ctx, env.Store, prospects, rep); err != nil {
			return eris.Wrap(err, "prospects add")
		}
		return render(os.Stdout, format, rep, func(w io.Writer) { formatImportReport(w, rep) })
	},
}

// -- prospects import --

var prospectsImportCmd = &cobra.Command{
	Use:   "import",
	Short: "Import prospects from a CSV or XLSX file",
	Long:  "Reads a .csv or .xlsx file with a domain, website or url column and an optional company column. Domains are normalized and deduplicated; existing domains are left untouched.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		format, err := outputFormat(cmd)
		if err != nil {
			return err
		}
		file, _ := cmd.Flags().GetString("file")
		if file == "" {
			return eris.New("prospects import: --file is required")
		}

		prospects, rep, err := importer.ReadFile(ctx, file)
		if err != nil {
			return eris.Wrapf(err, "prospects import: read %s", file)
		}

		env, err := initEnv(ctx, "store")
		if err != nil {
			return err
		}
		defer env.Close()

		if err := importer.Import(ctx, env.Store, prospects, rep); err != nil {
			return eris.Wrap(err, "prospects import")
		}
		return render(os.Stdout, format, rep, func(w io.Writer) { formatImportReport(w, rep) })
	},
}

func formatImportReport(w io.Writer, rep *importer.Report) {
	formatKeyValues(w, [][2]any{
		{"Rows", rep.Rows},
		{"Valid", rep.Valid},
		{"Duplicates", rep.Duplicates},
		{"Inserted", rep.Inserted},
		{"Already tracked", rep.Existing},
		{"Invalid", len(rep.Invalid)},
	})
	for _, inv := range rep.Invalid {
		_, _ = fmt.Fprintf(w, "  line %d: %q: %s\n", inv.Line, inv.Value, inv.Reason)
	}
}

// -- prospects list --

var prospectsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List prospects, newest first",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		format, err := outputFormat(cmd)
		if err != nil {
			return err
		}
		status, _ := cmd.Flags().GetString("status")
		limit, _ := cmd.Flags().GetInt("limit")
		offset, _ := cmd.Flags().GetInt("offset")
		if status != "" && !model.ProspectStatus(status).Valid() {
			return eris.Errorf("prospects list: unknown status %q", status)
		}

		env, err := initEnv(ctx, "store")
		if err != nil {
			return err
		}
		defer env.Close()

		list, err := env.Store.ListProspects(ctx, store.ProspectFilter{
			Status: model.ProspectStatus(status),
			Limit:  limit,
			Offset: offset,
		})
		if err != nil {
			return eris.Wrap(err, "prospects list")
		}
		if len(list) == 0 && format == formatTable {
			fmt.Fprintln(os.Stderr, "No prospects found.")
			return nil
		}
		return render(os.Stdout, format, list, func(w io.Writer) { formatProspectsTable(w, list) })
	},
}

// -- prospects show --

var prospectsShowCmd = &cobra.Command{
	Use:   "show <domain-or-id>",
	Short: "Show a prospect with its contacts",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		format, err := outputFormat(cmd)
		if err != nil {
			return err
		}

		env, err := initEnv(ctx, "store")
		if err != nil {
			return err
		}
		defer env.Close()

		p, err := resolveProspect(ctx, env.Store, args[0], false)
		if err != nil {
			return eris.Wrap(err, "prospects show")
		}
		contacts, err := env.Store.ListContacts(ctx, p.ID)
		if err != nil {
			return eris.Wrap(err, "prospects show: contacts")
		}

		out := struct {
			model.Prospect `yaml:",inline"`
			Contacts       []model.Contact `json:"contacts" yaml:"contacts"`
		}{*p, contacts}
		return render(os.Stdout, format, out, func(w io.Writer) {
			formatProspectsTable(w, []model.Prospect{*p})
			if p.IcebreakerText != "" {
				_, _ = fmt.Fprintf(w, "Icebreaker: %s\n", p.IcebreakerText)
			}
			formatContactsTable(w, contacts)
		})
	},
}

func formatContactsTable(w io.Writer, contacts []model.Contact) {
	rows := make([][2]any, 0, len(contacts))
	for _, c := range contacts {
		label := string(c.ContactType)
		if c.IsPrimary {
			label += ", primary"
		}
		name := c.FirstName
		if c.LastName != "" {
			name += " " + c.LastName
		}
		if c.Title != "" {
			name += " (" + c.Title + ")"
		}
		rows = append(rows, [2]any{c.Email, fmt.Sprintf("%s %d%% %s", label, c.ConfidenceScore, name)})
	}
	if len(rows) > 0 {
		formatKeyValues(w, rows)
	}
}

// -- prospects set-status --

var prospectsSetStatusCmd = &cobra.Command{
	Use:   "set-status <domain-or-id> <status>",
	Short: "Manually set a prospect's status",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		status := model.ProspectStatus(args[1])
		if !status.Valid() || status == model.ProspectStatusEnriching {
			return eris.Errorf("prospects set-status: cannot set status %q", args[1])
		}
		note, _ := cmd.Flags().GetString("note")
		if note == "" {
			note = "manual status change"
		}

		env, err := initEnv(ctx, "store")
		if err != nil {
			return err
		}
		defer env.Close()

		p, err := resolveProspect(ctx, env.Store, args[0], false)
		if err != nil {
			return eris.Wrap(err, "prospects set-status")
		}
		changed, err := env.Store.UpdateProspect(ctx, p.ID, model.ProspectUpdate{Status: &status}, note, cliActor)
		if err != nil {
			return eris.Wrap(err, "prospects set-status")
		}
		if !changed {
			fmt.Fprintf(os.Stderr, "%s is already %s.\n", p.Domain, status)
			return nil
		}
		fmt.Fprintf(os.Stderr, "%s: %s -> %s\n", p.Domain, p.Status, status)
		return nil
	},
}

// -- prospects audit --

var prospectsAuditCmd = &cobra.Command{
	Use:   "audit <domain-or-id>",
	Short: "Show the change history of a prospect",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		format, err := outputFormat(cmd)
		if err != nil {
			return err
		}
		limit, _ := cmd.Flags().GetInt("limit")

		env, err := initEnv(ctx, "store")
		if err != nil {
			return err
		}
		defer env.Close()

		p, err := resolveProspect(ctx, env.Store, args[0], false)
		if err != nil {
			return eris.Wrap(err, "prospects audit")
		}
		entries, err := env.Store.ListAudit(ctx, store.AuditFilter{
			TableName: model.AuditTableProspects,
			RecordID:  p.ID,
			Limit:     limit,
		})
		if err != nil {
			return eris.Wrap(err, "prospects audit")
		}
		return render(os.Stdout, format, entries, func(w io.Writer) { formatAuditTable(w, entries) })
	},
}

func init() {
	addFormatFlag(prospectsAddCmd)

	prospectsImportCmd.Flags().String("file", "", "path to a .csv or .xlsx file")
	addFormatFlag(prospectsImportCmd)

	prospectsListCmd.Flags().String("status", "", "filter by status")
	prospectsListCmd.Flags().Int("limit", 50, "max number of prospects to display")
	prospectsListCmd.Flags().Int("offset", 0, "number of prospects to skip")
	addFormatFlag(prospectsListCmd)

	addFormatFlag(prospectsShowCmd)

	prospectsSetStatusCmd.Flags().String("note", "", "reason recorded on the audit trail")

	prospectsAuditCmd.Flags().Int("limit", 100, "max number of entries to display")
	addFormatFlag(prospectsAuditCmd)

	prospectsCmd.AddCommand(prospectsAddCmd, prospectsImportCmd, prospectsListCmd, prospectsShowCmd, prospectsSetStatusCmd, prospectsAuditCmd)
	rootCmd.AddCommand(prospectsCmd)
}
