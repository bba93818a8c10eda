package romtools

import "time"

type BackupType string

const (
	BackupTypeFullApp  BackupType = "full_app_backup"
	BackupTypeNandroid BackupType = "nandroid_root"
)

// Artifact names inside a backup directory.
const (
	AppManifestName      = "backup_manifest.json"
	NandroidManifestName = "nandroid_manifest.json"
	APKFileName          = "base.apk"
	AppDataTarName       = "app_data.tar.gz"
	AppDataZipName       = "app_data.zip"
	DatabasesDirName     = "databases"
	SharedPrefsDirName   = "shared_prefs"
	UserdataArchiveName  = "userdata.tar.gz"
	RestoreScriptName    = "restore_nandroid.sh"
)

// Labels recorded in BackupInfo.Partitions.
const (
	PartitionAPK         = "apk"
	PartitionData        = "data"
	PartitionDataZip     = "data_zip"
	PartitionDatabases   = "databases"
	PartitionSharedPrefs = "shared_prefs"
	PartitionUserdata    = "userdata"
)

// BackupInfo describes a completed backup. It is immutable once created;
// the directory at Path is removed only by an explicit delete.
type BackupInfo struct {
	Name           string     `json:"name"`
	Path           string     `json:"path"`
	Size           int64      `json:"size"`
	CreatedAt      int64      `json:"createdAt"` // epoch ms
	DeviceModel    string     `json:"deviceModel"`
	AndroidVersion string     `json:"androidVersion"`
	Partitions     []string   `json:"partitions"`
	Type           BackupType `json:"type"`
}

func (b BackupInfo) Created() time.Time {
	return time.UnixMilli(b.CreatedAt)
}

func (b BackupInfo) HasPartition(name string) bool {
	for _, p := range b.Partitions {
		if p == name {
			return true
		}
	}
	return false
}

// BackupManifest is the JSON sidecar written next to the artifacts. A
// directory is only a backup if one of the two manifest files exists.
type BackupManifest struct {
	BackupName         string     `json:"backup_name"`
	CreatedAt          int64      `json:"created_at"`
	DeviceModel        string     `json:"device_model"`
	DeviceManufacturer string     `json:"device_manufacturer"`
	AndroidVersion     string     `json:"android_version"`
	SDKInt             int        `json:"sdk_int"`
	AppVersion         string     `json:"app_version"`
	AppVersionCode     int64      `json:"app_version_code"`
	Partitions         []string   `json:"partitions"`
	TotalSizeBytes     int64      `json:"total_size_bytes"`
	BackupType         BackupType `json:"backup_type"`

	// nandroid_root only
	DeviceFingerprint string `json:"device_fingerprint,omitempty"`
	Bootloader        string `json:"bootloader,omitempty"`
	SecurityPatch     string `json:"security_patch,omitempty"`
	SlotSuffix        string `json:"slot_suffix,omitempty"`

	// Why a preferred strategy was not used, keyed by artifact.
	FallbackReasons map[string]string `json:"fallback_reasons,omitempty"`
}

func (m BackupManifest) HasUserdata() bool {
	for _, p := range m.Partitions {
		if p == PartitionUserdata {
			return true
		}
	}
	return false
}

type RestoreResult struct {
	Backup     string   `json:"backup"`
	StagedAPK  string   `json:"stagedApk,omitempty"`
	Restored   []string `json:"restored"`
	Warnings   []string `json:"warnings,omitempty"`
	ScriptPath string   `json:"scriptPath,omitempty"`
}

// PartitionMap maps logical partition names to block device paths. It is
// rebuilt on every call and never cached.
type PartitionMap map[string]string

// ProgressFunc receives progress in the range 0-100 along with a human
// readable status line. It is invoked synchronously by the running step.
type ProgressFunc func(progress float64, status string)

func (f ProgressFunc) Report(progress float64, status string) {
	if f != nil {
		f(progress, status)
	}
}
