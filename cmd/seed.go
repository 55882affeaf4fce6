package main

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/eb-copilot/internal/model"
	"github.com/sells-group/eb-copilot/internal/verification"
)

var (
	seedFile   string
	seedTenant string
)

// seedFixture is the YAML layout read by the seed command.
type seedFixture struct {
	TenantID      string                       `yaml:"tenant_id"`
	Verifications []verification.CreateRequest `yaml:"verifications"`
}

var seedCmd = &cobra.Command{
	Use:   "seed",
	Short: "Create verifications from a YAML fixture file",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		f, err := os.Open(seedFile)
		if err != nil {
			return eris.Wrap(err, "open fixture file")
		}
		defer f.Close() //nolint:errcheck

		env, err := initApp(ctx, "cli")
		if err != nil {
			return err
		}
		defer env.Close()

		ids, err := seedVerifications(ctx, env.Service, seedTenant, f)
		if err != nil {
			return err
		}
		for _, id := range ids {
			fmt.Fprintln(cmd.OutOrStdout(), id)
		}
		zap.L().Info("seed complete", zap.Int("created", len(ids)))
		return nil
	},
}

// seedVerifications creates every verification in the fixture and returns
// their ids. tenant overrides the fixture's tenant_id.
func seedVerifications(ctx context.Context, svc *verification.Service, tenant string, r io.Reader) ([]string, error) {
	var fx seedFixture
	if err := yaml.NewDecoder(r).Decode(&fx); err != nil {
		return nil, eris.Wrap(err, "seed: decode fixture")
	}
	if tenant == "" {
		tenant = fx.TenantID
	}
	if tenant == "" {
		return nil, eris.New("seed: tenant is required (--tenant or tenant_id in the fixture)")
	}

	actor := model.SystemActor(tenant)
	ids := make([]string, 0, len(fx.Verifications))
	for i, req := range fx.Verifications {
		v, err := svc.Create(ctx, actor, req)
		if err != nil {
			return ids, eris.Wrapf(err, "seed: verification %d", i)
		}
		ids = append(ids, v.ID)
	}
	return ids, nil
}

func init() {
	seedCmd.Flags().StringVar(&seedFile, "file", "fixtures.yaml", "YAML fixture file")
	seedCmd.Flags().StringVar(&seedTenant, "tenant", "", "tenant id (overrides the fixture)")
	rootCmd.AddCommand(seedCmd)
}
