package main

import (
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"github.com/tealeg/xlsx/v2"
	"go.uber.org/zap"

	"github.com/sells-group/eb-copilot/internal/model"
)

var (
	exportOut    string
	exportTenant string
)

var worklistHeader = []string{
	"ID", "Status", "Patient", "Payer", "Plan", "Service Category", "Scheduled At", "Created At",
}

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export a tenant's verification worklist to XLSX",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		if exportTenant == "" {
			return eris.New("--tenant is required")
		}
		if err := cfg.Validate("cli"); err != nil {
			return err
		}

		st, _, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		items, err := st.ListTenantVerifications(ctx, exportTenant)
		if err != nil {
			return eris.Wrap(err, "list verifications")
		}
		if err := writeWorklist(exportOut, items); err != nil {
			return err
		}

		zap.L().Info("worklist exported",
			zap.String("tenant", exportTenant),
			zap.String("path", exportOut),
			zap.Int("rows", len(items)),
		)
		return nil
	},
}

// writeWorklist saves items as a single-sheet workbook at path.
func writeWorklist(path string, items []model.VerificationListItem) error {
	f := xlsx.NewFile()
	sheet, err := f.AddSheet("Worklist")
	if err != nil {
		return eris.Wrap(err, "xlsx: add sheet")
	}

	addRow(sheet, worklistHeader)
	for _, it := range items {
		scheduled := ""
		if it.ScheduledAt != nil {
			scheduled = it.ScheduledAt.UTC().Format("2006-01-02 15:04")
		}
		addRow(sheet, []string{
			it.ID,
			string(it.Status),
			it.PatientName,
			it.PayerName,
			it.PlanName,
			it.ServiceCategory,
			scheduled,
			it.CreatedAt.UTC().Format("2006-01-02 15:04"),
		})
	}

	if err := f.Save(path); err != nil {
		return eris.Wrap(err, "xlsx: save")
	}
	return nil
}

func addRow(sheet *xlsx.Sheet, values []string) {
	row := sheet.AddRow()
	for _, v := range values {
		row.AddCell().SetString(v)
	}
}

func init() {
	exportCmd.Flags().StringVar(&exportOut, "out", "worklist.xlsx", "output XLSX path")
	exportCmd.Flags().StringVar(&exportTenant, "tenant", "", "tenant id to export")
	rootCmd.AddCommand(exportCmd)
}
