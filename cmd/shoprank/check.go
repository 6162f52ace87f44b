package main

import (
	"encoding/json"
	"errors"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"shoprank/pkg/types"
)

func newCheckCmd(configPath *string) *cobra.Command {
	var (
		keyword   string
		productID string
		sponsored bool
		pages     int
	)
	cmd := &cobra.Command{
		Use:   "check",
		Short: "Resolve one keyword and product once and print the result as JSON",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if strings.TrimSpace(keyword) == "" || strings.TrimSpace(productID) == "" {
				return errors.New("--keyword and --product are required")
			}
			cfg, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			if pages > 0 {
				cfg.Browser.MaxPages = pages
				cfg.Browser.SponsoredMaxPages = pages
			}
			logger, err := buildLogger(cfg.Logging, os.Stderr)
			if err != nil {
				return err
			}
			rt, err := buildRouter(cfg, logger)
			if err != nil {
				return err
			}

			item := types.TrackedItem{Keyword: keyword, ExternalProductID: productID, Kind: types.KindOrganic, Active: true}
			if sponsored {
				item.Kind = types.KindSponsored
			}
			res, err := rt.Route(cmd.Context(), item)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(res)
		},
	}
	cmd.Flags().StringVar(&keyword, "keyword", "", "search keyword")
	cmd.Flags().StringVar(&productID, "product", "", "external product id")
	cmd.Flags().BoolVar(&sponsored, "sponsored", false, "rank among sponsored placements only")
	cmd.Flags().IntVar(&pages, "pages", 0, "result pages to scan in the browser (overrides config)")
	return cmd
}
