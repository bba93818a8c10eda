package romtools

import "context"

// DeviceInfo is what the device/package metadata accessor reports.
type DeviceInfo struct {
	Model          string   `json:"model"`
	Manufacturer   string   `json:"manufacturer"`
	AndroidVersion string   `json:"androidVersion"`
	SDKInt         int      `json:"sdkInt"`
	Fingerprint    string   `json:"fingerprint"`
	Bootloader     string   `json:"bootloader"`
	SecurityPatch  string   `json:"securityPatch"`
	Architectures  []string `json:"architectures"`
	SlotSuffix     string   `json:"slotSuffix,omitempty"` // "_a"/"_b" on A/B devices

	PackageName    string `json:"packageName"`
	AppVersion     string `json:"appVersion"`
	AppVersionCode int64  `json:"appVersionCode"`
	APKPath        string `json:"apkPath"`
	DataDir        string `json:"dataDir"`
	CacheDir       string `json:"cacheDir"`
}

type DeviceProber interface {
	DeviceInfo(ctx context.Context) (DeviceInfo, error)
}

type BlockDevice struct {
	Name       string `json:"name"`
	Type       string `json:"type"`
	Size       int64  `json:"size"`
	MountPoint string `json:"mountPoint,omitempty"`
}

// RomCapabilities is computed once when the manager initializes and is
// read-only afterwards.
type RomCapabilities struct {
	HasRoot            bool          `json:"hasRoot"`
	BootloaderUnlocked bool          `json:"bootloaderUnlocked"`
	HasRecovery        bool          `json:"hasRecovery"`
	HasCustomRecovery  bool          `json:"hasCustomRecovery"`
	// false on A/B devices, where recovery lives in the boot image
	RecoveryPartition  bool          `json:"recoveryPartition"`
	SystemWritable     bool          `json:"systemWritable"`
	Architectures      []string      `json:"architectures"`
	DeviceModel        string        `json:"deviceModel"`
	AndroidVersion     string        `json:"androidVersion"`
	KernelVersion      string        `json:"kernelVersion"`
	BackupFreeBytes    uint64        `json:"backupFreeBytes"`
	BlockDevices       []BlockDevice `json:"blockDevices,omitempty"`
}
