package cmd

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/goosewin/cotloop/internal/prompts"
)

var seedCategory string

var seedCmd = &cobra.Command{
	Use:   "seed <dir>",
	Short: "Write the built-in hallucination question set",
	Args:  cobra.ExactArgs(1),
	RunE:  runSeed,
}

func init() {
	seedCmd.Flags().StringVar(&seedCategory, "category", string(prompts.CategoryHallucination), "Category tag written into each question")
	rootCmd.AddCommand(seedCmd)
}

func runSeed(cmd *cobra.Command, args []string) error {
	dir, err := filepath.Abs(args[0])
	if err != nil {
		return fmt.Errorf("resolve questions directory: %w", err)
	}

	category := prompts.Category(seedCategory)
	switch category {
	case "", prompts.CategoryReasoning, prompts.CategoryMath, prompts.CategoryHallucination:
	default:
		return fmt.Errorf("unknown category %q (reasoning, math, hallucination)", seedCategory)
	}

	paths, err := prompts.Seed(dir, category, prompts.HallucinationSet())
	if err != nil {
		return err
	}
	for _, path := range paths {
		fmt.Println(path)
	}
	fmt.Printf("\nWrote %d questions to %s\n", len(paths), dir)
	fmt.Printf("Run them with: cotloop run --questions-dir %s --output-dir <dir>\n", dir)
	return nil
}
