package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"manuscript/api/internal/config"
	"manuscript/api/internal/patterndetect"
	"manuscript/api/internal/splitting"
)

var (
	splitPatternsFile string
	splitOutDir       string
)

var splitCmd = &cobra.Command{
	Use:   "split <full.md>",
	Short: "Split an extracted book into question, answer-key and explanation files",
	Long: `Split runs the same splitter the API uses against a local markdown file.

Custom patterns may be given as JSON or YAML; sections they do not set keep
the default markers. Files are written under --out in the same folder layout
the API stores in object storage.`,
	Args: cobra.ExactArgs(1),
	RunE: runSplit,
}

var patternsCmd = &cobra.Command{
	Use:   "patterns",
	Short: "Print the default section markers as YAML",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		enc := yaml.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent(2)
		defer enc.Close()
		return enc.Encode(splitting.DefaultPatterns())
	},
}

var detectCmd = &cobra.Command{
	Use:   "detect <full.md>",
	Short: "Ask Gemini for the section markers of a book",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		content, err := os.ReadFile(args[0])
		if err != nil {
			return err
		}
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		if strings.TrimSpace(cfg.Gemini.APIKey) == "" {
			return fmt.Errorf("GEMINI_API_KEY is not set")
		}
		generator, err := patterndetect.NewGeminiGenerator(cmd.Context(), cfg.Gemini.APIKey, cfg.Gemini.Model)
		if err != nil {
			return err
		}
		result, err := patterndetect.New(generator).Detect(cmd.Context(), string(content))
		if err != nil {
			return err
		}
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(result)
	},
}

func init() {
	splitCmd.Flags().StringVarP(&splitPatternsFile, "patterns", "p", "", "Custom patterns file (.json, .yaml or .yml)")
	splitCmd.Flags().StringVarP(&splitOutDir, "out", "o", "splits", "Output directory")
}

func runSplit(cmd *cobra.Command, args []string) error {
	content, err := os.ReadFile(args[0])
	if err != nil {
		return err
	}
	custom, err := loadPatterns(splitPatternsFile)
	if err != nil {
		return err
	}

	result := splitting.Split(string(content), splitting.Resolve(custom))
	for _, f := range result.Files {
		target := filepath.Join(splitOutDir, filepath.FromSlash(f.Path()))
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return err
		}
		if err := os.WriteFile(target, []byte(f.Content), 0o644); err != nil {
			return err
		}
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "wrote %d files to %s\n", len(result.Files), splitOutDir)
	for _, section := range result.Sections {
		if section.Found {
			fmt.Fprintf(out, "  %-12s %-10s %q\n", section.Group, section.Section, section.StartPattern)
		}
	}
	if missing := result.Missing(); len(missing) > 0 {
		fmt.Fprintf(out, "placeholders written for %d files:\n", len(missing))
		for _, name := range missing {
			fmt.Fprintf(out, "  %s\n", name)
		}
	}
	return nil
}

// loadPatterns reads a custom patterns document. YAML input is converted to
// JSON so both formats go through the same parser and accept the same
// shapes.
func loadPatterns(file string) (splitting.Patterns, error) {
	if file == "" {
		return splitting.Patterns{}, nil
	}
	data, err := os.ReadFile(file)
	if err != nil {
		return splitting.Patterns{}, err
	}
	switch strings.ToLower(filepath.Ext(file)) {
	case ".yaml", ".yml":
		var doc any
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return splitting.Patterns{}, fmt.Errorf("decode %s: %w", file, err)
		}
		if data, err = json.Marshal(doc); err != nil {
			return splitting.Patterns{}, fmt.Errorf("convert %s: %w", file, err)
		}
	}
	return splitting.ParseCustom(data)
}
