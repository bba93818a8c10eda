package system

import (
	"context"
	"errors"
	"io"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	romtools "github.com/dogeorg/romtools/pkg"
)

type stubRecovery struct {
	access    bool
	custom    bool
	partition bool
}

func (s stubRecovery) CheckRecoveryAccess(context.Context) bool       { return s.access }
func (s stubRecovery) IsCustomRecoveryInstalled(context.Context) bool { return s.custom }
func (s stubRecovery) HasRecoveryPartition(context.Context) bool      { return s.partition }
func (s stubRecovery) InstallCustomRecovery(context.Context) error    { return nil }

func TestSystemWritable(t *testing.T) {
	dir := t.TempDir()

	rw := filepath.Join(dir, "rw")
	mustWriteFile(t, rw, "/dev/block/dm-0 / ext4 ro,seclabel,relatime 0 0\n/dev/block/dm-1 /system ext4 rw,seclabel 0 0\n")
	assert.True(t, systemWritable(rw))

	sar := filepath.Join(dir, "sar")
	mustWriteFile(t, sar, "/dev/root / ext4 ro,seclabel,relatime 0 0\ntmpfs /dev tmpfs rw,nosuid 0 0\n")
	assert.False(t, systemWritable(sar))

	sarRW := filepath.Join(dir, "sar-rw")
	mustWriteFile(t, sarRW, "/dev/root / ext4 rw,seclabel 0 0\n")
	assert.True(t, systemWritable(sarRW))

	assert.False(t, systemWritable(filepath.Join(dir, "missing")))
	assert.False(t, systemWritable(""))
}

func TestProbeCapabilities(t *testing.T) {
	fe := newFakeExec(true)
	fe.handle("getprop", func(args []string, stdout io.Writer, _ io.Writer) int {
		if args[1] == "ro.boot.verifiedbootstate" {
			io.WriteString(stdout, "orange\n")
		}
		return 0
	})
	config := romtools.DefaultServerConfig()
	config.BackupDir = filepath.Join(t.TempDir(), "not", "yet", "created")
	config.MountsFile = filepath.Join(t.TempDir(), "mounts")
	mustWriteFile(t, config.MountsFile, "/dev/root / ext4 ro 0 0\n")

	device := staticDevice{info: romtools.DeviceInfo{Model: "Pixel 7", AndroidVersion: "14", Architectures: []string{"arm64-v8a"}}}
	caps := NewCapabilityService(NewShellWithExecutor(fe, testLogger()), device, stubRecovery{access: true, custom: true, partition: true}, config, testLogger())
	caps.blockDevices = func() ([]romtools.BlockDevice, error) {
		return []romtools.BlockDevice{{Name: "sda", Type: "disk", Size: 128 << 30}}, nil
	}

	got, err := caps.Probe(context.Background())
	require.NoError(t, err)

	assert.True(t, got.HasRoot)
	assert.True(t, got.BootloaderUnlocked)
	assert.True(t, got.HasRecovery)
	assert.True(t, got.HasCustomRecovery)
	assert.True(t, got.RecoveryPartition)
	assert.False(t, got.SystemWritable)
	assert.Equal(t, "Pixel 7", got.DeviceModel)
	assert.Equal(t, []string{"arm64-v8a"}, got.Architectures)
	assert.NotZero(t, got.BackupFreeBytes)
	assert.Len(t, got.BlockDevices, 1)
}

func TestProbeCapabilitiesWithoutRoot(t *testing.T) {
	fe := newFakeExec(false)
	config := romtools.DefaultServerConfig()
	config.BackupDir = t.TempDir()
	config.MountsFile = ""
	deviceErr := errors.New("getprop missing")
	device := staticDevice{err: deviceErr}

	caps := NewCapabilityService(NewShellWithExecutor(fe, testLogger()), device, stubRecovery{access: true, custom: true}, config, testLogger())
	caps.blockDevices = func() ([]romtools.BlockDevice, error) { return nil, errors.New("lsblk: not found") }

	got, err := caps.Probe(context.Background())
	assert.ErrorIs(t, err, deviceErr)
	assert.False(t, got.HasRoot)
	assert.False(t, got.BootloaderUnlocked)
	assert.False(t, got.HasRecovery, "recovery probes need root")
	assert.NotNil(t, got.Architectures)
	assert.Nil(t, got.BlockDevices)
}

func TestExistingParent(t *testing.T) {
	dir := t.TempDir()
	assert.Equal(t, dir, existingParent(filepath.Join(dir, "a", "b")))
	assert.Equal(t, "/", existingParent(""))
}
