package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/reportbridge/reportd/pkg/client"
	"github.com/reportbridge/reportd/pkg/types"
)

var (
	reqTemplate string
	reqOutput   string
	reqFrom     string
	reqTo       string
)

var requestCmd = &cobra.Command{
	Use:   "request",
	Short: "Send one report request to a running server",
	Long: `Request connects to the server socket, sends a single report request and
prints the server's JSON response. The command fails when the server reports
Success=false.`,
	Example: `  reportd request --template /reports/monthly.rpt --output /out/monthly.xlsx \
    --from 2024-01-01T00:00:00 --to 2024-01-31T23:59:59`,
	Args: cobra.NoArgs,
	RunE: runRequest,
}

func init() {
	requestCmd.Flags().StringVar(&reqTemplate, "template", "", "Report template path")
	requestCmd.Flags().StringVar(&reqOutput, "output", "", "Output file path")
	requestCmd.Flags().StringVar(&reqFrom, "from", "", "Start of the date range")
	requestCmd.Flags().StringVar(&reqTo, "to", "", "End of the date range")
	for _, name := range []string{"template", "output", "from", "to"} {
		_ = requestCmd.MarkFlagRequired(name)
	}
}

func runRequest(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	log, err := initLogger(cfg.Logging)
	if err != nil {
		return err
	}
	defer log.Close()

	req, err := buildRequest()
	if err != nil {
		return err
	}

	c, err := client.New(cfg.Server.SocketPath, cfg.Client, client.WithLogger(log))
	if err != nil {
		return err
	}

	resp, err := c.Generate(cmd.Context(), req)
	if err != nil {
		return err
	}

	out, err := json.MarshalIndent(resp, "", "  ")
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(out))

	if !resp.Success {
		return fmt.Errorf("report failed: %s", resp.Error())
	}
	return nil
}

func buildRequest() (*types.ReportRequest, error) {
	from, err := types.ParseDateTime(reqFrom)
	if err != nil {
		return nil, fmt.Errorf("invalid --from: %w", err)
	}
	to, err := types.ParseDateTime(reqTo)
	if err != nil {
		return nil, fmt.Errorf("invalid --to: %w", err)
	}

	req := &types.ReportRequest{
		CrystalReportLocation: reqTemplate,
		ReportOutputLocation:  reqOutput,
		ReportDateFrom:        from,
		ReportDateTo:          to,
	}
	if missing := req.MissingFields(); len(missing) > 0 {
		return nil, types.NewError(types.ErrCodeInvalidArgument, fmt.Sprintf("missing values: %v", missing))
	}
	return req, nil
}
