package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/hubenschmidt/go-imgmatch/config"
	"github.com/hubenschmidt/go-imgmatch/index"
	"github.com/hubenschmidt/go-imgmatch/monitor"
	"github.com/hubenschmidt/go-imgmatch/search"
)

var compareCmd = &cobra.Command{
	Use:   "compare <image> <image>",
	Short: "Print the similarity score (0-100) of two images",
	Long:  `Compare two local files or http(s) URLs without touching any index.`,
	Args:  cobra.ExactArgs(2),
	RunE:  runCompare,
}

func runCompare(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	svc, err := newService(cfg, index.NewMemoryIndex(cfg.Index), monitor.NewNoOpCollector(), monitor.Discard())
	if err != nil {
		return err
	}
	defer svc.Close()

	a, err := sourceOf(args[0])
	if err != nil {
		return err
	}
	b, err := sourceOf(args[1])
	if err != nil {
		return err
	}

	score, err := svc.Compare(cmd.Context(), a, b)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%.2f\n", score)
	return nil
}

func sourceOf(arg string) (search.Source, error) {
	if strings.HasPrefix(arg, "http://") || strings.HasPrefix(arg, "https://") {
		return search.Source{URL: arg}, nil
	}
	data, err := os.ReadFile(arg)
	if err != nil {
		return search.Source{}, err
	}
	return search.Source{Data: data}, nil
}
