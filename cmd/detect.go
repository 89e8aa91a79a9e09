package main

import (
	"fmt"
	"image"
	"image/png"
	"log/slog"
	"os"
	"runtime/pprof"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	_ "image/jpeg"

	"github.com/cwbudde/siftgpu/internal/sift"
	"github.com/cwbudde/siftgpu/internal/sift/detect"
	"github.com/cwbudde/siftgpu/internal/sift/siftio"
	"github.com/cwbudde/siftgpu/internal/trace"
)

var (
	detectImagePath   string
	detectOutPath     string
	detectTextPath    string
	detectOverlayPath string
	detectTracePath   string
	detectConfigPath  string
	detectBackend     string
	detectNoDesc      bool
	detectQuantize    bool
	detectMaxDim      int
	detectContrast    float64
	detectCPUProfile  string
	detectMemProfile  string
)

var detectCmd = &cobra.Command{
	Use:   "detect",
	Short: "Detect SIFT keypoints in an image",
	Long:  `Runs the detection pipeline on one image and writes keypoints and descriptors.`,
	RunE:  runDetect,
}

func init() {
	detectCmd.Flags().StringVar(&detectImagePath, "image", "", "Input image path (required)")
	detectCmd.Flags().StringVar(&detectOutPath, "out", "", "Binary descriptor output path")
	detectCmd.Flags().StringVar(&detectTextPath, "text", "", "Text descriptor output path")
	detectCmd.Flags().StringVar(&detectOverlayPath, "overlay", "", "Keypoint overlay PNG output path")
	detectCmd.Flags().StringVar(&detectTracePath, "trace", "", "Stage-timing trace output path (JSONL)")
	detectCmd.Flags().StringVar(&detectConfigPath, "config", "", "Detector options YAML file")
	detectCmd.Flags().StringVar(&detectBackend, "backend", "cpu", "Detector backend: cpu, opencl")
	detectCmd.Flags().BoolVar(&detectNoDesc, "no-descriptors", false, "Detect keypoints only")
	detectCmd.Flags().BoolVar(&detectQuantize, "quantize", false, "Store byte-quantized descriptors")
	detectCmd.Flags().IntVar(&detectMaxDim, "max-dim", 0, "Override maxImageDimension (0 = config default)")
	detectCmd.Flags().Float64Var(&detectContrast, "contrast", 0, "Override contrastThreshold (0 = config default)")

	// Profiling flags
	detectCmd.Flags().StringVar(&detectCPUProfile, "cpuprofile", "", "Write CPU profile to file")
	detectCmd.Flags().StringVar(&detectMemProfile, "memprofile", "", "Write memory profile to file")

	detectCmd.MarkFlagRequired("image")
	rootCmd.AddCommand(detectCmd)
}

// loadOptions starts from the defaults, merges an optional YAML file and
// applies flag overrides.
func loadOptions() (sift.Options, error) {
	opts := sift.DefaultOptions()
	if detectConfigPath != "" {
		data, err := os.ReadFile(detectConfigPath)
		if err != nil {
			return opts, fmt.Errorf("failed to read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &opts); err != nil {
			return opts, fmt.Errorf("failed to parse config: %w", err)
		}
	}
	if detectQuantize {
		opts.QuantizeDescriptors = true
	}
	if detectMaxDim > 0 {
		opts.MaxImageDimension = detectMaxDim
	}
	if detectContrast > 0 {
		opts.ContrastThreshold = detectContrast
	}
	return opts, opts.Validate()
}

func runDetect(cmd *cobra.Command, args []string) error {
	if detectCPUProfile != "" {
		f, err := os.Create(detectCPUProfile)
		if err != nil {
			return fmt.Errorf("failed to create CPU profile: %w", err)
		}
		defer f.Close()
		if err := pprof.StartCPUProfile(f); err != nil {
			return fmt.Errorf("failed to start CPU profile: %w", err)
		}
		defer pprof.StopCPUProfile()
		slog.Info("CPU profiling enabled", "output", detectCPUProfile)
	}

	opts, err := loadOptions()
	if err != nil {
		return err
	}

	img, w, h, err := loadImageRGBA(detectImagePath)
	if err != nil {
		return err
	}
	slog.Info("Loaded image", "path", detectImagePath, "width", w, "height", h)

	detector, cleanup, err := detect.NewDetectorForBackend(detectBackend, opts)
	if err != nil {
		return err
	}
	defer cleanup()

	if detectTracePath != "" {
		tw, err := trace.NewWriter(detectTracePath)
		if err != nil {
			return err
		}
		defer tw.Close()
		if tr, ok := detector.(interface{ SetTrace(*trace.Writer) }); ok {
			tr.SetTrace(tw)
			slog.Info("Stage tracing enabled", "path", detectTracePath, "run_id", tw.RunID())
		}
	}

	if err := detector.LoadImage(img, w, h, w*4, sift.FormatRGBA8); err != nil {
		return err
	}

	start := time.Now()
	var result *sift.Result
	if detectNoDesc {
		result, err = detector.DetectKeypoints()
	} else {
		result, err = detector.DetectAndCompute()
	}
	if err != nil {
		return err
	}
	elapsed := time.Since(start)

	slog.Info("Detection complete",
		"keypoints", len(result.Keypoints),
		"truncated", result.Truncated,
		"elapsed", elapsed,
	)

	if detectOutPath != "" {
		if detectNoDesc {
			return fmt.Errorf("--out requires descriptors; drop --no-descriptors")
		}
		if err := siftio.SaveBinary(detectOutPath, result, w, h); err != nil {
			return err
		}
		slog.Info("Wrote binary descriptors", "path", detectOutPath)
	}
	if detectTextPath != "" {
		if result.Descriptors == nil {
			return fmt.Errorf("--text requires float descriptors; drop --quantize and --no-descriptors")
		}
		if err := siftio.SaveText(detectTextPath, result); err != nil {
			return err
		}
		slog.Info("Wrote text descriptors", "path", detectTextPath)
	}
	if detectOverlayPath != "" {
		if err := writeOverlay(detectOverlayPath, detectImagePath, result.Keypoints); err != nil {
			return err
		}
		slog.Info("Wrote keypoint overlay", "path", detectOverlayPath)
	}

	if detectMemProfile != "" {
		f, err := os.Create(detectMemProfile)
		if err != nil {
			return fmt.Errorf("failed to create memory profile: %w", err)
		}
		defer f.Close()
		if err := pprof.WriteHeapProfile(f); err != nil {
			return fmt.Errorf("failed to write memory profile: %w", err)
		}
	}
	return nil
}

// loadImageRGBA decodes an image file into a tight RGBA8 byte buffer.
func loadImageRGBA(path string) ([]byte, int, int, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, 0, 0, fmt.Errorf("failed to open image: %w", err)
	}
	defer f.Close()

	img, _, err := image.Decode(f)
	if err != nil {
		return nil, 0, 0, fmt.Errorf("failed to decode image: %w", err)
	}

	bounds := img.Bounds()
	w, h := bounds.Dx(), bounds.Dy()
	out := make([]byte, w*h*4)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			r, g, b, a := img.At(bounds.Min.X+x, bounds.Min.Y+y).RGBA()
			o := (y*w + x) * 4
			out[o+0] = uint8(r >> 8)
			out[o+1] = uint8(g >> 8)
			out[o+2] = uint8(b >> 8)
			out[o+3] = uint8(a >> 8)
		}
	}
	return out, w, h, nil
}

// writeOverlay re-reads the input and draws the keypoints on top.
func writeOverlay(outPath, imagePath string, kps []sift.Keypoint) error {
	f, err := os.Open(imagePath)
	if err != nil {
		return fmt.Errorf("failed to open image: %w", err)
	}
	defer f.Close()

	img, _, err := image.Decode(f)
	if err != nil {
		return fmt.Errorf("failed to decode image: %w", err)
	}

	canvas := image.NewNRGBA(img.Bounds())
	bounds := img.Bounds()
	for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
		for x := bounds.Min.X; x < bounds.Max.X; x++ {
			canvas.Set(x, y, img.At(x, y))
		}
	}

	drawKeypoints(canvas, kps)

	out, err := os.Create(outPath)
	if err != nil {
		return fmt.Errorf("failed to create overlay: %w", err)
	}
	defer out.Close()
	return png.Encode(out, canvas)
}
