package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/felipepmaragno/rag-gateway/internal/config"
	"github.com/felipepmaragno/rag-gateway/internal/domain"
	"github.com/felipepmaragno/rag-gateway/internal/tokenizer"
)

func newModelsCmd() *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "models",
		Short: "List the model catalog and whether each model's credentials resolve",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			setupLogger("error")

			resolver, err := buildSecrets(ctx, cfg)
			if err != nil {
				return err
			}
			reg, err := buildRegistry(cfg)
			if err != nil {
				return err
			}

			type row struct {
				domain.ModelDescriptor
				Missing []string `json:"missingCredentials,omitempty"`
			}
			var rows []row
			for _, d := range reg.Descriptors() {
				r := row{ModelDescriptor: d}
				for _, c := range d.Credentials {
					if c.Optional {
						continue
					}
					if _, err := resolver.Resolve(ctx, c.Name); err != nil {
						r.Missing = append(r.Missing, c.Name)
					}
				}
				rows = append(rows, r)
			}

			if asJSON {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(rows)
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "PROVIDER\tMODEL\tSIZE\tSTREAM\tCREDENTIALS")
			for _, r := range rows {
				status := "ok"
				if len(r.Missing) > 0 {
					status = "missing " + strings.Join(r.Missing, ",")
				}
				fmt.Fprintf(w, "%s\t%s\t%d\t%t\t%s\n", r.Provider, r.Name, r.ContextSize, r.SupportsEventStream, status)
			}
			return w.Flush()
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON instead of a table")
	return cmd
}

func newTokensCmd() *cobra.Command {
	var model string

	cmd := &cobra.Command{
		Use:   "tokens [text...]",
		Short: "Count tokens offline with a model's tokenizer",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			setupLogger("error")

			reg, err := buildRegistry(cfg)
			if err != nil {
				return err
			}
			desc, ok := reg.Descriptor(model)
			if !ok {
				return fmt.Errorf("%w: %s", domain.ErrModelNotFound, model)
			}

			tok := tokenizer.For(desc.TokenizerFamily)
			for _, text := range args {
				fmt.Printf("%d\t%s\n", tok.Count(text), text)
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&model, "model", "m", "GPT4-8K", "model whose tokenizer is used")
	return cmd
}
