// Package recording implements the Recording Lifecycle Tracker of spec.md
// §4.4, grounded on
// original_source/src/ami/mixmonitor_tracker.py.
package recording

import (
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// DiscoverFile scans roots for a file modified within window whose basename
// contains needle (a uniqueid or linkedid); the most recently modified
// match wins. Grounded on mixmonitor_tracker.py:_discover_recording_file,
// used when a recording-start AMI event omits a usable filename field
// (spec.md §4.4).
func DiscoverFile(roots []string, needle string, window time.Duration) (string, bool) {
	cutoff := time.Now().Add(-window)
	var best string
	var bestMod time.Time

	for _, root := range roots {
		_ = filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
			if err != nil || info == nil || info.IsDir() {
				return nil
			}
			if !strings.Contains(info.Name(), needle) {
				return nil
			}
			if info.ModTime().Before(cutoff) {
				return nil
			}
			if info.ModTime().After(bestMod) {
				best = path
				bestMod = info.ModTime()
			}
			return nil
		})
	}

	return best, best != ""
}

// FindByLinkedID returns every file under roots whose basename contains
// linkedID, for the "File discovery fallback" supplemental recording
// references attached to a consolidated document (spec.md §4.4).
func FindByLinkedID(roots []string, linkedID string) []string {
	var matches []string
	for _, root := range roots {
		_ = filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
			if err != nil || info == nil || info.IsDir() {
				return nil
			}
			if strings.Contains(info.Name(), linkedID) {
				matches = append(matches, path)
			}
			return nil
		})
	}
	sort.Strings(matches)
	return matches
}

// SyntheticFilename generates <uniqueid>.wav when a recording-start event
// lacks a filename and the filesystem scan finds no candidate. This can
// shadow a real recording that later arrives on disk under a different
// name; the behavior is preserved from the source and flagged in spec.md
// §9, not worked around.
func SyntheticFilename(uniqueID string) string {
	return uniqueID + ".wav"
}
