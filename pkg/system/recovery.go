package system

import (
	"context"
	"strings"

	"github.com/sirupsen/logrus"
)

var recoveryMarkerDirs = []string{"/cache/recovery", "/data/cache/recovery"}

var customRecoveryNames = []string{"twrp", "orangefox", "pbrp", "shrp", "redwolf"}

// Directories a recovery ramdisk or an installed recovery tool puts its
// binaries in. Each known name is looked for in each of them.
var recoveryBinaryDirs = []string{"/sbin", "/system/bin", "/vendor/bin"}

// Folders custom recoveries leave on internal storage.
var customRecoveryMarkers = []string{
	"/sdcard/TWRP",
	"/data/media/0/TWRP",
	"/sdcard/Fox",
	"/data/media/0/Fox",
	"/sdcard/PBRP",
}

type RecoveryService struct {
	shell      *Shell
	partitions *PartitionResolver
	log        logrus.FieldLogger
}

func NewRecoveryService(shell *Shell, partitions *PartitionResolver, log logrus.FieldLogger) *RecoveryService {
	return &RecoveryService{shell: shell, partitions: partitions, log: log.WithField("component", "recovery")}
}

func (r *RecoveryService) CheckRecoveryAccess(ctx context.Context) bool {
	for _, dir := range recoveryMarkerDirs {
		if r.shell.Test(ctx, true, "test", "-d", dir) {
			return true
		}
	}
	return false
}

func (r *RecoveryService) IsCustomRecoveryInstalled(ctx context.Context) bool {
	pattern := strings.Join(customRecoveryNames, "|")
	if r.shell.Test(ctx, true, "grep", "-qiE", pattern, "/proc/version") {
		return true
	}
	for _, dir := range recoveryBinaryDirs {
		for _, name := range customRecoveryNames {
			if r.shell.Test(ctx, true, "test", "-x", dir+"/"+name) {
				return true
			}
		}
	}
	for _, marker := range customRecoveryMarkers {
		if r.shell.Test(ctx, true, "test", "-e", marker) {
			return true
		}
	}
	return false
}

// HasRecoveryPartition reports whether the device lists a dedicated
// recovery partition. A/B devices keep recovery inside boot and have none.
// The fallback partition table is not consulted.
func (r *RecoveryService) HasRecoveryPartition(ctx context.Context) bool {
	if r.partitions == nil {
		return false
	}
	partitions, ok := r.partitions.resolve()
	if !ok {
		return false
	}
	slot, _ := r.shell.Output(ctx, false, "getprop", "ro.boot.slot_suffix")
	_, found := Lookup(partitions, "recovery", slot)
	return found
}

// InstallCustomRecovery does not flash anything. Recovery images are
// written through the same recovery-script path as partition restores.
func (r *RecoveryService) InstallCustomRecovery(ctx context.Context) error {
	if r.IsCustomRecoveryInstalled(ctx) {
		r.log.Info("Custom recovery already installed")
		return nil
	}
	r.log.Info("Custom recovery install requested, flash the image from the bootloader")
	return nil
}
