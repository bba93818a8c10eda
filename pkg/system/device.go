package system

import (
	"bufio"
	"context"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"

	romtools "github.com/dogeorg/romtools/pkg"
)

var getpropLine = regexp.MustCompile(`^\[([^\]]+)\]:\s*\[(.*)\]$`)

// PropDeviceProber answers DeviceInfo from getprop and the package manager.
// Values set in the config win over what the device reports.
type PropDeviceProber struct {
	shell  *Shell
	config romtools.ServerConfig
	log    logrus.FieldLogger
}

func NewPropDeviceProber(shell *Shell, config romtools.ServerConfig, log logrus.FieldLogger) *PropDeviceProber {
	return &PropDeviceProber{shell: shell, config: config, log: log.WithField("component", "device")}
}

// DeviceInfo returns whatever could be read. The error reports the first
// probe that failed; the info is still usable.
func (p *PropDeviceProber) DeviceInfo(ctx context.Context) (romtools.DeviceInfo, error) {
	info := romtools.DeviceInfo{
		PackageName:    p.config.PackageName,
		AppVersion:     p.config.AppVersion,
		AppVersionCode: p.config.AppVersionCode,
		APKPath:        p.config.APKPath,
		DataDir:        p.config.AppDataPath(),
	}
	if info.DataDir != "" {
		info.CacheDir = filepath.Join(info.DataDir, "cache")
	}

	var firstErr error
	out, err := p.shell.Output(ctx, false, "getprop")
	if err != nil {
		firstErr = err
	} else {
		props := parseGetprop(out)
		info.Model = props["ro.product.model"]
		info.Manufacturer = props["ro.product.manufacturer"]
		info.AndroidVersion = props["ro.build.version.release"]
		info.SDKInt, _ = strconv.Atoi(props["ro.build.version.sdk"])
		info.Fingerprint = props["ro.build.fingerprint"]
		info.Bootloader = props["ro.bootloader"]
		info.SecurityPatch = props["ro.build.version.security_patch"]
		info.SlotSuffix = props["ro.boot.slot_suffix"]
		if abis := props["ro.product.cpu.abilist"]; abis != "" {
			info.Architectures = strings.Split(abis, ",")
		}
	}

	if info.PackageName == "" {
		return info, firstErr
	}

	if info.APKPath == "" {
		out, err := p.shell.Output(ctx, false, "pm", "path", info.PackageName)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
		} else {
			info.APKPath = parsePackagePath(out)
		}
	}

	if info.AppVersion == "" {
		out, err := p.shell.Output(ctx, false, "dumpsys", "package", info.PackageName)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
		} else {
			info.AppVersion, info.AppVersionCode = parsePackageVersion(out)
		}
	}

	if firstErr != nil {
		p.log.WithError(firstErr).Debug("Device probe incomplete")
	}
	return info, firstErr
}

func parseGetprop(out string) map[string]string {
	props := map[string]string{}
	scanner := bufio.NewScanner(strings.NewReader(out))
	for scanner.Scan() {
		m := getpropLine.FindStringSubmatch(strings.TrimSpace(scanner.Text()))
		if m != nil {
			props[m[1]] = m[2]
		}
	}
	return props
}

// parsePackagePath picks base.apk out of `pm path` output, which lists
// one package:<path> line per split.
func parsePackagePath(out string) string {
	first := ""
	for _, line := range strings.Split(out, "\n") {
		path, ok := strings.CutPrefix(strings.TrimSpace(line), "package:")
		if !ok {
			continue
		}
		if first == "" {
			first = path
		}
		if filepath.Base(path) == "base.apk" {
			return path
		}
	}
	return first
}

func parsePackageVersion(out string) (string, int64) {
	name := ""
	var code int64
	for _, field := range strings.Fields(out) {
		if v, ok := strings.CutPrefix(field, "versionName="); ok && name == "" {
			name = v
		}
		if v, ok := strings.CutPrefix(field, "versionCode="); ok && code == 0 {
			code, _ = strconv.ParseInt(v, 10, 64)
		}
	}
	return name, code
}
