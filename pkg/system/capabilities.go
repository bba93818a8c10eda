package system

import (
	"bufio"
	"context"
	"os"
	"path/filepath"
	"strings"

	"github.com/dell/csi-baremetal/pkg/base/linuxutils/lsblk"
	"github.com/shirou/gopsutil/v4/disk"
	"github.com/shirou/gopsutil/v4/host"
	"github.com/sirupsen/logrus"

	romtools "github.com/dogeorg/romtools/pkg"
)

type CapabilityService struct {
	shell    *Shell
	device   romtools.DeviceProber
	recovery romtools.RecoveryManager
	config   romtools.ServerConfig
	log      logrus.FieldLogger

	blockDevices func() ([]romtools.BlockDevice, error)
}

func NewCapabilityService(shell *Shell, device romtools.DeviceProber, recovery romtools.RecoveryManager, config romtools.ServerConfig, log logrus.FieldLogger) *CapabilityService {
	return &CapabilityService{
		shell:        shell,
		device:       device,
		recovery:     recovery,
		config:       config,
		log:          log.WithField("component", "capabilities"),
		blockDevices: listBlockDevices,
	}
}

// Probe never fails outright. The returned error is the device metadata
// failure, if any; every other probe degrades to its zero value.
func (c *CapabilityService) Probe(ctx context.Context) (romtools.RomCapabilities, error) {
	caps := romtools.RomCapabilities{}

	info, infoErr := c.device.DeviceInfo(ctx)
	caps.DeviceModel = info.Model
	caps.AndroidVersion = info.AndroidVersion
	caps.Architectures = info.Architectures

	caps.HasRoot = c.shell.ProbeRoot(ctx)
	caps.BootloaderUnlocked = c.bootloaderUnlocked(ctx)
	if caps.HasRoot {
		caps.HasRecovery = c.recovery.CheckRecoveryAccess(ctx)
		caps.HasCustomRecovery = c.recovery.IsCustomRecoveryInstalled(ctx)
	}
	caps.RecoveryPartition = c.recovery.HasRecoveryPartition(ctx)
	caps.SystemWritable = systemWritable(c.config.MountsFile)

	if h, err := host.InfoWithContext(ctx); err == nil {
		caps.KernelVersion = h.KernelVersion
		if len(caps.Architectures) == 0 && h.KernelArch != "" {
			caps.Architectures = []string{h.KernelArch}
		}
	} else {
		c.log.WithError(err).Debug("Host info unavailable")
	}

	if usage, err := disk.UsageWithContext(ctx, existingParent(c.config.BackupDir)); err == nil {
		caps.BackupFreeBytes = usage.Free
	} else {
		c.log.WithError(err).Debug("Disk usage unavailable")
	}

	if c.blockDevices != nil {
		devices, err := c.blockDevices()
		if err != nil {
			c.log.WithError(err).Debug("lsblk unavailable")
		} else {
			caps.BlockDevices = devices
		}
	}

	if caps.Architectures == nil {
		caps.Architectures = []string{}
	}
	return caps, infoErr
}

func (c *CapabilityService) bootloaderUnlocked(ctx context.Context) bool {
	if state, err := c.shell.Output(ctx, false, "getprop", "ro.boot.verifiedbootstate"); err == nil && state == "orange" {
		return true
	}
	if locked, err := c.shell.Output(ctx, false, "getprop", "ro.boot.flash.locked"); err == nil && locked == "0" {
		return true
	}
	state, err := c.shell.Output(ctx, false, "getprop", "ro.boot.vbmeta.device_state")
	return err == nil && state == "unlocked"
}

// systemWritable reads the mount table for /system, or / on system-as-root
// devices, and reports whether it is mounted rw.
func systemWritable(mountsFile string) bool {
	if mountsFile == "" {
		return false
	}
	f, err := os.Open(mountsFile)
	if err != nil {
		return false
	}
	defer f.Close()

	opts := map[string]string{}
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 4 {
			continue
		}
		opts[fields[1]] = fields[3]
	}
	o, ok := opts["/system"]
	if !ok {
		o, ok = opts["/"]
	}
	if !ok {
		return false
	}
	for _, opt := range strings.Split(o, ",") {
		if opt == "rw" {
			return true
		}
	}
	return false
}

func existingParent(path string) string {
	if path == "" {
		return "/"
	}
	for p := filepath.Clean(path); ; p = filepath.Dir(p) {
		if isDir(p) {
			return p
		}
		if p == filepath.Dir(p) {
			return p
		}
	}
}

// listBlockDevices needs util-linux lsblk, which most Android builds lack.
func listBlockDevices() ([]romtools.BlockDevice, error) {
	quiet := logrus.New()
	quiet.SetLevel(logrus.WarnLevel)
	lsb := lsblk.NewLSBLK(quiet)

	devices, err := lsb.GetBlockDevices("")
	if err != nil {
		return nil, err
	}

	out := []romtools.BlockDevice{}
	var walk func(d lsblk.BlockDevice)
	walk = func(d lsblk.BlockDevice) {
		out = append(out, romtools.BlockDevice{
			Name:       d.Name,
			Type:       d.Type,
			Size:       d.Size.Int64,
			MountPoint: d.MountPoint,
		})
		for _, child := range d.Children {
			walk(child)
		}
	}
	for _, d := range devices {
		walk(d)
	}
	return out, nil
}
