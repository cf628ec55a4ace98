package cmd

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/kozaktomas/face-attendance/internal/config"
	"github.com/kozaktomas/face-attendance/internal/enrollment"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
)

var enrollCmd = &cobra.Command{
	Use:   "enroll <site-id> <directory>",
	Short: "Enroll face images from a directory",
	Long: `Enroll face images into a site's index.

By default every subdirectory of <directory> is one identity: the directory
name is the ERPNext employee id and the images inside are its faces.
With --identity, <directory> itself holds the images of that one identity.

Images are sent in batches of MAX_IMAGES_PER_IDENTITY so large folders are
enrolled completely.`,
	Args: cobra.ExactArgs(2),
	RunE: runEnroll,
}

func init() {
	rootCmd.AddCommand(enrollCmd)

	enrollCmd.Flags().String("identity", "", "Enroll all images in the directory for this identity id")
	enrollCmd.Flags().String("name", "", "Display name stored with --identity")
}

var imageExtensions = map[string]bool{
	".jpg": true, ".jpeg": true, ".png": true, ".webp": true, ".bmp": true,
}

// enrollJob is the set of image files for one identity.
type enrollJob struct {
	identityID  string
	displayName string
	files       []string
}

// collectImageFiles returns the image files directly inside dir, sorted by name.
func collectImageFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", dir, err)
	}
	var files []string
	for _, e := range entries {
		if e.IsDir() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		if imageExtensions[strings.ToLower(filepath.Ext(e.Name()))] {
			files = append(files, filepath.Join(dir, e.Name()))
		}
	}
	sort.Strings(files)
	return files, nil
}

// planEnrollment lists the identities to enroll from dir.
func planEnrollment(dir, identityID, displayName string) ([]enrollJob, error) {
	if identityID != "" {
		files, err := collectImageFiles(dir)
		if err != nil {
			return nil, err
		}
		return []enrollJob{{identityID: identityID, displayName: displayName, files: files}}, nil
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", dir, err)
	}
	var jobs []enrollJob
	for _, e := range entries {
		if !e.IsDir() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		files, err := collectImageFiles(filepath.Join(dir, e.Name()))
		if err != nil {
			return nil, err
		}
		if len(files) > 0 {
			jobs = append(jobs, enrollJob{identityID: e.Name(), files: files})
		}
	}
	sort.Slice(jobs, func(i, j int) bool { return jobs[i].identityID < jobs[j].identityID })
	return jobs, nil
}

// batches splits files into groups of at most size; size <= 0 means one group.
func batches(files []string, size int) [][]string {
	if size <= 0 || len(files) <= size {
		return [][]string{files}
	}
	var out [][]string
	for start := 0; start < len(files); start += size {
		end := min(start+size, len(files))
		out = append(out, files[start:end])
	}
	return out
}

func runEnroll(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	site, dir := args[0], args[1]
	identityID := mustGetString(cmd, "identity")
	displayName := mustGetString(cmd, "name")

	jobs, err := planEnrollment(dir, identityID, displayName)
	if err != nil {
		return err
	}
	total := 0
	for _, j := range jobs {
		total += len(j.files)
	}
	if total == 0 {
		fmt.Println("No images found")
		return nil
	}

	cfg := config.Load()
	b, err := openBackends(cfg)
	if err != nil {
		return err
	}
	defer b.Close()
	svc := b.enrollmentService()

	fmt.Printf("Enrolling %d images for %d identities into site %s\n\n", total, len(jobs), site)

	bar := progressbar.NewOptions(total,
		progressbar.OptionSetDescription("Enrolling faces"),
		progressbar.OptionShowCount(),
		progressbar.OptionShowIts(),
		progressbar.OptionSetItsString("images"),
		progressbar.OptionShowElapsedTimeOnFinish(),
		progressbar.OptionSetPredictTime(true),
		progressbar.OptionFullWidth(),
	)

	var accepted, rejected int
	var problems []string
	for _, job := range jobs {
		for _, batch := range batches(job.files, cfg.Recognition.MaxImagesPerIdentity) {
			images := make([][]byte, len(batch))
			for i, path := range batch {
				data, err := os.ReadFile(path)
				if err != nil {
					problems = append(problems, fmt.Sprintf("%s: %v", path, err))
					continue
				}
				images[i] = data
			}

			res, err := svc.Enroll(ctx, enrollment.Request{
				Site:        site,
				IdentityID:  job.identityID,
				DisplayName: job.displayName,
				Images:      images,
			})
			bar.Add(len(batch))
			if err != nil {
				return fmt.Errorf("enrolling %s: %w", job.identityID, err)
			}

			accepted += res.Accepted
			rejected += res.Rejected
			for _, f := range res.Failures {
				problems = append(problems, fmt.Sprintf("%s: %s", batch[f.Index], f.Reason))
			}
		}
	}
	bar.Finish()

	fmt.Printf("\n\nEnrolled: %d, rejected: %d\n", accepted, rejected)
	for _, p := range problems {
		fmt.Printf("  - %s\n", p)
	}
	return nil
}
