/*
Copyright 2025 The llm-d Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Command kvcache-plan sizes a paged KV cache's pools from a YAML-described
// memory budget and model shape, without needing a running allocator.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/yatoooon/tensorrt-llm-kvcache/pkg/kvcache/capacity"
)

// planConfig is the on-disk shape of a capacity plan request.
type planConfig struct {
	Model struct {
		NumLayers   int32 `yaml:"numLayers"`
		NumKVHeads  int32 `yaml:"numKvHeads"`
		SizePerHead int32 `yaml:"sizePerHead"`
	} `yaml:"model"`
	DType           string `yaml:"dtype"`
	TokensPerBlock  int32  `yaml:"tokensPerBlock"`
	PrimaryBudget   string `yaml:"primaryBudget"`
	SecondaryBudget string `yaml:"secondaryBudget"`
}

func loadPlanConfig(path string) (planConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return planConfig{}, err
	}
	var cfg planConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return planConfig{}, err
	}
	return cfg, nil
}

func dtypeByName(name string) (capacity.DType, error) {
	switch name {
	case "fp16", "":
		return capacity.FP16, nil
	case "fp8":
		return capacity.FP8, nil
	default:
		return capacity.DType{}, fmt.Errorf("unknown dtype %q", name)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "kvcache-plan",
		Short: "Size KV-cache pools from a memory budget",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadPlanConfig(configPath)
			if err != nil {
				return fmt.Errorf("loading config: %w", err)
			}

			dtype, err := dtypeByName(cfg.DType)
			if err != nil {
				return err
			}

			plan, err := capacity.PlanPools(
				capacity.Budget{PrimaryBudget: cfg.PrimaryBudget, SecondaryBudget: cfg.SecondaryBudget},
				capacity.ModelDims{
					NumLayers:   cfg.Model.NumLayers,
					NumKVHeads:  cfg.Model.NumKVHeads,
					SizePerHead: cfg.Model.SizePerHead,
				},
				dtype, cfg.TokensPerBlock,
			)
			if err != nil {
				return err
			}

			fmt.Printf("tokensPerBlock:  %d\n", plan.TokensPerBlock)
			fmt.Printf("bytesPerBlock:   %d\n", plan.BytesPerBlock)
			fmt.Printf("primaryBlocks:   %d (%d bytes)\n", plan.PrimaryBlocks, plan.PrimaryBytes)
			if plan.SecondaryBlocks > 0 {
				fmt.Printf("secondaryBlocks: %d (%d bytes)\n", plan.SecondaryBlocks, plan.SecondaryBytes)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "kvcache-plan.yaml", "path to the plan config file")
	return cmd
}

func main() {
	cobra.EnableCommandSorting = false
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
