package main

import (
	"encoding/json"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/cardlens/cardlens/internal/model"
	"github.com/cardlens/cardlens/internal/store"
)

var (
	analyzeOwner     string
	analyzeCard      string
	analyzeImages    []string
	analyzeReanalyze bool
)

var analyzeCmd = &cobra.Command{
	Use:   "analyze",
	Short: "Run the analysis pipeline for a single card",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initPipeline(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		req := model.RunRequest{
			OwnerID:   analyzeOwner,
			CardID:    analyzeCard,
			ImageRefs: analyzeImages,
			Reanalyze: analyzeReanalyze,
		}

		run, err := env.Orchestrator.Run(ctx, req)
		if err != nil {
			if eris.Is(err, store.ErrRunActive) {
				return eris.New("an analysis run is already active for this card")
			}
			zap.L().Error("analysis failed", zap.Error(err))
		}
		if run == nil {
			return err
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if encErr := enc.Encode(run); encErr != nil {
			return encErr
		}
		return err
	},
}

func init() {
	analyzeCmd.Flags().StringVar(&analyzeOwner, "owner", "", "owner id (required)")
	analyzeCmd.Flags().StringVar(&analyzeCard, "card", "", "card id (required)")
	analyzeCmd.Flags().StringSliceVar(&analyzeImages, "image", nil, "image reference, repeatable (1 or 2)")
	analyzeCmd.Flags().BoolVar(&analyzeReanalyze, "reanalyze", false, "update an existing card instead of upserting")
	_ = analyzeCmd.MarkFlagRequired("owner")
	_ = analyzeCmd.MarkFlagRequired("card")
	_ = analyzeCmd.MarkFlagRequired("image")
	rootCmd.AddCommand(analyzeCmd)
}
