package cmd

import (
	"context"
	"fmt"
	"sort"

	"github.com/kozaktomas/face-attendance/internal/config"
	"github.com/kozaktomas/face-attendance/internal/database"
	"github.com/kozaktomas/face-attendance/internal/database/postgres"
	"github.com/kozaktomas/face-attendance/internal/faceindex"
	"github.com/spf13/cobra"
)

var siteCmd = &cobra.Command{
	Use:   "site",
	Short: "Inspect site indexes",
}

var siteListCmd = &cobra.Command{
	Use:   "list",
	Short: "List sites with a stored snapshot",
	Args:  cobra.NoArgs,
	RunE:  runSiteList,
}

var siteInfoCmd = &cobra.Command{
	Use:   "info <site-id>",
	Short: "Show and validate a site's snapshot",
	Long: `Load a site's snapshot, validate it and compare the number of vectors per
identity with the enrolled_count stored in the identity metadata.`,
	Args: cobra.ExactArgs(1),
	RunE: runSiteInfo,
}

func init() {
	rootCmd.AddCommand(siteCmd)
	siteCmd.AddCommand(siteListCmd)
	siteCmd.AddCommand(siteInfoCmd)
}

func runSiteList(cmd *cobra.Command, args []string) error {
	b, err := openBackends(config.Load())
	if err != nil {
		return err
	}
	defer b.Close()

	var sites []string
	switch store := b.store.(type) {
	case *faceindex.FileStore:
		sites, err = store.Sites()
	case *postgres.SnapshotStore:
		sites, err = store.Sites(context.Background())
	default:
		return fmt.Errorf("snapshot store %T cannot list sites", b.store)
	}
	if err != nil {
		return err
	}

	if len(sites) == 0 {
		fmt.Println("No sites found")
		return nil
	}
	for _, s := range sites {
		fmt.Println(s)
	}
	return nil
}

// countMismatch is an identity whose metadata disagrees with the snapshot.
type countMismatch struct {
	identityID string
	enrolled   int
	slots      int
}

// compareCounts returns every identity whose enrolled_count differs from its
// number of snapshot slots, including identities missing on either side.
func compareCounts(identities []database.Identity, slots map[string]int) []countMismatch {
	seen := make(map[string]bool, len(identities))
	var out []countMismatch
	for _, id := range identities {
		seen[id.ID] = true
		if id.EnrolledCount != slots[id.ID] {
			out = append(out, countMismatch{identityID: id.ID, enrolled: id.EnrolledCount, slots: slots[id.ID]})
		}
	}
	for id, n := range slots {
		if !seen[id] {
			out = append(out, countMismatch{identityID: id, slots: n})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].identityID < out[j].identityID })
	return out
}

func runSiteInfo(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	site := args[0]

	b, err := openBackends(config.Load())
	if err != nil {
		return err
	}
	defer b.Close()

	var (
		vectors   int
		counts    map[string]int
		validated error
	)
	err = b.registry.View(ctx, site, func(s *faceindex.Snapshot) error {
		vectors = s.Len()
		counts = s.IdentityCounts()
		validated = s.Validate()
		return nil
	})
	if err != nil {
		return err
	}

	identities, err := b.identities.ListIdentities(ctx, site)
	if err != nil {
		return fmt.Errorf("listing identities: %w", err)
	}

	fmt.Printf("Site:       %s\n", site)
	fmt.Printf("Vectors:    %d\n", vectors)
	fmt.Printf("Identities: %d\n\n", len(counts))

	for _, id := range identities {
		name := id.DisplayName
		if name == "" {
			name = "-"
		}
		fmt.Printf("  %-20s %-30s %3d\n", id.ID, name, counts[id.ID])
	}

	if validated != nil {
		fmt.Printf("\nSnapshot INVALID: %v\n", validated)
	}
	mismatches := compareCounts(identities, counts)
	if len(mismatches) > 0 {
		fmt.Printf("\nMetadata mismatches:\n")
		for _, m := range mismatches {
			fmt.Printf("  %-20s enrolled_count=%d snapshot=%d\n", m.identityID, m.enrolled, m.slots)
		}
	}
	if validated != nil || len(mismatches) > 0 {
		return fmt.Errorf("site %s is inconsistent", site)
	}
	fmt.Printf("\nSnapshot OK\n")
	return nil
}
