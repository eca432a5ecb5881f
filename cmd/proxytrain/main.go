package main

import (
	"fmt"
	"log"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/openfluke/proxyle/config"
	"github.com/openfluke/proxyle/detector"
	"github.com/openfluke/proxyle/graph"
	"github.com/openfluke/proxyle/trainer"
)

func newTrainCmd() *cobra.Command {
	var cfgPath string
	cmd := &cobra.Command{
		Use:   "train",
		Short: "Run per-layer proxy training",
		RunE: func(cmd *cobra.Command, args []string) error {
			v := config.NewViper()
			for key, flag := range map[string]string{
				"device":          "device",
				"out_dir":         "out-dir",
				"optim.max_epoch": "max-epoch",
				"seed":            "seed",
			} {
				if err := v.BindPFlag(key, cmd.Flags().Lookup(flag)); err != nil {
					return err
				}
			}
			cfg, err := loadConfig(v, cfgPath)
			if err != nil {
				return err
			}

			t, err := trainer.New(cfg)
			if err != nil {
				return err
			}
			defer t.Close()
			sum, err := t.Run()
			if err != nil {
				return err
			}
			log.Printf("ran %d epochs starting at %d", sum.EpochsRun, sum.StartEpoch)
			return nil
		},
	}
	d := config.Default()
	cmd.Flags().StringVar(&cfgPath, "cfg", "", "configuration file (yaml, json or toml)")
	cmd.Flags().String("device", d.Device, "cpu, gpu or auto")
	cmd.Flags().String("out-dir", d.OutDir, "output directory")
	cmd.Flags().Int("max-epoch", d.Optim.MaxEpoch, "number of training epochs")
	cmd.Flags().Uint64("seed", d.Seed, "random seed")
	return cmd
}

func loadConfig(v *viper.Viper, path string) (*config.Config, error) {
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	}
	return config.FromViper(v)
}

func newDeviceCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "device",
		Short: "Print the WebGPU adapter report as JSON",
		RunE: func(cmd *cobra.Command, args []string) error {
			rep, err := detector.Detect()
			if err != nil {
				return err
			}
			out, err := rep.JSON()
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), out)
			return nil
		},
	}
}

func newDatasetCmd() *cobra.Command {
	var cfgPath, out string
	cmd := &cobra.Command{
		Use:   "dataset",
		Short: "Write the configured synthetic dataset as JSON",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(cfgPath)
			if err != nil {
				return err
			}
			d, err := graph.Synthetic(graph.SyntheticConfig{
				NumGraphs: cfg.Dataset.NumGraph,
				MinNodes:  cfg.Dataset.MinNodes,
				MaxNodes:  cfg.Dataset.MaxNodes,
				EdgeProb:  cfg.Dataset.EdgeProb,
				DimIn:     cfg.Dataset.DimIn,
				Seed:      cfg.Seed,
			})
			if err != nil {
				return err
			}
			if err := graph.SaveJSON(out, d); err != nil {
				return err
			}
			log.Printf("wrote %d graphs to %s", d.Len(), out)
			return nil
		},
	}
	cmd.Flags().StringVar(&cfgPath, "cfg", "", "configuration file")
	cmd.Flags().StringVarP(&out, "out", "o", "dataset.json", "output path")
	return cmd
}

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)

	root := &cobra.Command{
		Use:           "proxytrain",
		Short:         "Per-layer proxy training for graph networks",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newTrainCmd(), newDeviceCmd(), newDatasetCmd())
	if err := root.Execute(); err != nil {
		log.Printf("error: %v", err)
		os.Exit(1)
	}
}
