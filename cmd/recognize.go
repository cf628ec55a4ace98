package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/kozaktomas/face-attendance/internal/config"
	"github.com/kozaktomas/face-attendance/internal/recognition"
	"github.com/spf13/cobra"
)

var recognizeCmd = &cobra.Command{
	Use:   "recognize <site-id> <image>",
	Short: "Identify the face in an image",
	Long: `Identify the face in an image file against a site's index and print the
result as JSON. Nothing is written to ERPNext unless --commit is given.`,
	Args: cobra.ExactArgs(2),
	RunE: runRecognize,
}

func init() {
	rootCmd.AddCommand(recognizeCmd)

	recognizeCmd.Flags().Bool("commit", false, "Record the attendance event in ERPNext")
	recognizeCmd.Flags().String("device-id", "cli", "Device id stored with the checkin")
	recognizeCmd.Flags().Float64("lat", 0, "Latitude stored with the checkin")
	recognizeCmd.Flags().Float64("lon", 0, "Longitude stored with the checkin")
}

func runRecognize(cmd *cobra.Command, args []string) error {
	site, path := args[0], args[1]
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading image: %w", err)
	}

	b, err := openBackends(config.Load())
	if err != nil {
		return err
	}
	defer b.Close()

	svc, err := b.recognitionService(mustGetBool(cmd, "commit"))
	if err != nil {
		return err
	}

	resp, err := svc.Recognize(context.Background(), recognition.Request{
		Site:      site,
		Image:     data,
		Latitude:  mustGetFloat64(cmd, "lat"),
		Longitude: mustGetFloat64(cmd, "lon"),
		DeviceID:  mustGetString(cmd, "device-id"),
	})
	if err != nil {
		return fmt.Errorf("recognition failed: %w", err)
	}

	out, err := json.MarshalIndent(resp, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding result: %w", err)
	}
	fmt.Println(string(out))
	return nil
}
