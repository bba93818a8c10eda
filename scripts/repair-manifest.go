package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/dogeorg/romtools/pkg/system"
)

func main() {
	if len(os.Args) < 2 {
		fmt.Println("usage: go run ./scripts/repair-manifest.go /path/to/backup [/path/to/backup...]")
		os.Exit(1)
	}

	failed := false
	for _, dir := range os.Args[1:] {
		if err := repair(dir); err != nil {
			fmt.Fprintf(os.Stderr, "error: %s: %v\n", dir, err)
			failed = true
		}
	}
	if failed {
		os.Exit(1)
	}
}

func repair(dir string) error {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return err
	}
	manifest, err := system.RepairManifest(abs)
	if err != nil {
		return err
	}
	fmt.Printf("Rewrote %s manifest for %s (%d bytes, partitions: %s)\n",
		manifest.BackupType, manifest.BackupName, manifest.TotalSizeBytes, strings.Join(manifest.Partitions, ", "))
	return nil
}
