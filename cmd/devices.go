package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/cwbudde/siftgpu/internal/sift/gpu"
)

var devicesCmd = &cobra.Command{
	Use:   "devices",
	Short: "List OpenCL platforms and devices",
	Long: `Enumerates every OpenCL platform and its devices. Requires a binary
built with '-tags gpu'; without it the command reports the backend as
unavailable.`,
	RunE: runDevices,
}

func init() {
	rootCmd.AddCommand(devicesCmd)
}

func runDevices(cmd *cobra.Command, args []string) error {
	platforms, err := gpu.EnumeratePlatforms()
	if err != nil {
		return fmt.Errorf("failed to enumerate platforms: %w", err)
	}

	if len(platforms) == 0 {
		fmt.Println("No OpenCL platforms found")
		return nil
	}

	for i, platform := range platforms {
		fmt.Printf("Platform %d: %s\n", i, platform.Name)
		fmt.Printf("  Vendor: %s\n", platform.Vendor)
		fmt.Printf("  Version: %s\n", platform.Version)
		if len(platform.Devices) == 0 {
			fmt.Println("  No devices")
			continue
		}
		for j, device := range platform.Devices {
			fmt.Printf("  Device %d: %s\n", j, device.Name)
			fmt.Printf("    Type: %s\n", device.Type)
			fmt.Printf("    Vendor: %s\n", device.Vendor)
			fmt.Printf("    Compute units: %d\n", device.MaxComputeUnits)
		}
		fmt.Println()
	}
	return nil
}
