package main

import (
	"bufio"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/cwbudde/siftgpu/internal/sift/match"
	"github.com/cwbudde/siftgpu/internal/sift/siftio"
)

var (
	matchPathA       string
	matchPathB       string
	matchOutPath     string
	matchRatio       float64
	matchBackend     string
	matchFundamental string
	matchEpiThresh   float64
)

var matchCmd = &cobra.Command{
	Use:   "match",
	Short: "Match descriptors between two descriptor files",
	Long: `Brute-force L2 matching with Lowe's ratio test between two binary
descriptor files. When --fundamental is given the search is restricted to
candidates near the epipolar line.`,
	RunE: runMatch,
}

func init() {
	matchCmd.Flags().StringVar(&matchPathA, "a", "", "Query descriptor file (required)")
	matchCmd.Flags().StringVar(&matchPathB, "b", "", "Train descriptor file (required)")
	matchCmd.Flags().StringVar(&matchOutPath, "out", "", "Match list output path (default stdout)")
	matchCmd.Flags().Float64Var(&matchRatio, "ratio", match.DefaultRatio, "Lowe's ratio threshold")
	matchCmd.Flags().StringVar(&matchBackend, "backend", "cpu", "Matcher backend: cpu, opencl")
	matchCmd.Flags().StringVar(&matchFundamental, "fundamental", "", "Column-major 3x3 fundamental matrix, nine comma-separated values")
	matchCmd.Flags().Float64Var(&matchEpiThresh, "epipolar-threshold", 3.0, "Max distance to the epipolar line in pixels")

	matchCmd.MarkFlagRequired("a")
	matchCmd.MarkFlagRequired("b")
	rootCmd.AddCommand(matchCmd)
}

func runMatch(cmd *cobra.Command, args []string) error {
	resA, _, _, err := siftio.LoadBinary(matchPathA)
	if err != nil {
		return err
	}
	resB, _, _, err := siftio.LoadBinary(matchPathB)
	if err != nil {
		return err
	}

	matcher, cleanup, err := match.NewMatcherForBackend(matchBackend)
	if err != nil {
		return err
	}
	defer cleanup()

	var candidates []match.Candidate
	switch {
	case matchFundamental != "":
		if resA.Descriptors == nil || resB.Descriptors == nil {
			return fmt.Errorf("guided matching requires float descriptors")
		}
		f, err := parseFundamental(matchFundamental)
		if err != nil {
			return err
		}
		candidates, err = matcher.MatchGuided(resA.Descriptors, resA.Keypoints, resB.Descriptors, resB.Keypoints, f, matchEpiThresh)
		if err != nil {
			return err
		}
	case resA.Quantized != nil && resB.Quantized != nil:
		candidates, err = matcher.MatchQuantized(resA.Quantized, resB.Quantized)
		if err != nil {
			return err
		}
	case resA.Descriptors != nil && resB.Descriptors != nil:
		candidates, err = matcher.Match(resA.Descriptors, resB.Descriptors)
		if err != nil {
			return err
		}
	default:
		return fmt.Errorf("descriptor variants of %s and %s do not agree", matchPathA, matchPathB)
	}

	matches := match.RatioTest(candidates, matchRatio)
	slog.Info("Matching complete",
		"queries", len(resA.Keypoints),
		"trains", len(resB.Keypoints),
		"matches", len(matches),
	)

	out := os.Stdout
	if matchOutPath != "" {
		f, err := os.Create(matchOutPath)
		if err != nil {
			return fmt.Errorf("failed to create match output: %w", err)
		}
		defer f.Close()
		out = f
	}

	w := bufio.NewWriter(out)
	for _, m := range matches {
		fmt.Fprintf(w, "%d %d %g\n", m.Query, m.Train, m.Distance)
	}
	return w.Flush()
}

func parseFundamental(s string) (match.Fundamental, error) {
	var f match.Fundamental
	parts := strings.Split(s, ",")
	if len(parts) != 9 {
		return f, fmt.Errorf("fundamental matrix needs 9 values, got %d", len(parts))
	}
	for i, part := range parts {
		v, err := strconv.ParseFloat(strings.TrimSpace(part), 64)
		if err != nil {
			return f, fmt.Errorf("bad fundamental value %q: %w", part, err)
		}
		f[i] = v
	}
	return f, nil
}
