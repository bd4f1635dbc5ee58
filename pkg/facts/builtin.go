package facts

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"path"
	"regexp"
	"strings"

	"github.com/kballard/go-shellquote"
)

const (
	platformDir  = "/etc/platform"
	cephOSDDir   = "/var/lib/ceph/osd"
	bootMount    = "/boot"
	activeNotice = "/var/run/.active_controller_not_found"
)

var cephOSDPattern = regexp.MustCompile(`ceph-.*`)

// markerFacts are true when a flag file under /etc/platform exists.
var markerFacts = []struct {
	name        string
	marker      string
	description string
}{
	{"is_bootstrap_completed", ".bootstrap_completed", "Initial configuration of this node has completed"},
	{"is_node_drbd_rook_configured", ".node_drbd_rook_configured", "Rook DRBD filesystem is configured on this node"},
	{"is_node_rook_ceph_configured", ".node_rook_ceph_configured", "Rook Ceph is configured on this node"},
	{"is_upgrade_do_not_use_fqdn", ".upgrade_do_not_use_fqdn", "Upgrade must not use FQDN addressing"},
	{"upgrade_kube_apiserver_port_updated", ".upgrade_kube_apiserver_port_updated", "kube-apiserver port was updated during upgrade"},
	{"upgrade_kube_apiserver_port_rollback", ".upgrade_kube_apiserver_port_rollback", "kube-apiserver port update was rolled back"},
	{"usm_upgrade_in_progress", ".usm_upgrade_in_progress", "A USM upgrade is in progress"},
}

// commandFacts are true when a shell pipeline exits with status 0.
var commandFacts = []struct {
	name        string
	command     string
	description string
}{
	{"is_dnsmasq_running", "pgrep -f dnsmasq", "dnsmasq is running on this host"},
	{"is_n3000_present", "lspci -Dm -d 8086:0b30 | grep -qi accelerator", "Intel N3000 FEC accelerator is present"},
	{"is_qat_device_present", `lspci -Dm | grep -E "4940|4942"`, "QAT device 4940 or 4942 is present"},
}

// RegisterBuiltins registers the platform facts on r.
func RegisterBuiltins(r *Registry) {
	for _, m := range markerFacts {
		r.MustRegister(Fact{
			Name:        m.name,
			Description: m.description,
			Resolve:     FileExists(path.Join(platformDir, m.marker)),
		})
	}

	r.MustRegister(Fact{
		Name:        "is_active_controller_found",
		Description: "An active controller was found from this node",
		Resolve:     FileAbsent(activeNotice),
	})

	for _, c := range commandFacts {
		r.MustRegister(Fact{
			Name:        c.name,
			Description: c.description,
			Resolve:     CommandSucceeds(c.command),
		})
	}

	r.MustRegister(Fact{
		Name:        "configured_ceph_osds",
		Description: "Ceph OSD directories configured on this host",
		Resolve:     configuredCephOSDs,
	})
	r.MustRegister(Fact{
		Name:        "boot_disk_persistent_name",
		Description: "Persistent /dev/disk path of the boot device",
		Resolve:     bootDiskPersistentName,
	})
	r.MustRegister(Fact{
		Name:        "is_primary_disk_rotational",
		Description: "Rotational flag of the disk holding /boot",
		Resolve:     primaryDiskRotational,
	})
}

// FileExists resolves to whether path exists.
func FileExists(path string) Resolver {
	return func(ctx context.Context, ex Executor) (any, error) {
		return ex.Exists(ctx, path)
	}
}

// FileAbsent resolves to whether path does not exist.
func FileAbsent(path string) Resolver {
	return func(ctx context.Context, ex Executor) (any, error) {
		exists, err := ex.Exists(ctx, path)
		if err != nil {
			return nil, err
		}
		return !exists, nil
	}
}

// CommandSucceeds resolves to whether command exits with status 0.
func CommandSucceeds(command string) Resolver {
	return func(ctx context.Context, ex Executor) (any, error) {
		_, _, code, err := ex.Run(ctx, command)
		if err != nil {
			return nil, err
		}
		return code == 0, nil
	}
}

// configuredCephOSDs lists OSD directories. A missing directory leaves
// the fact unset.
func configuredCephOSDs(ctx context.Context, ex Executor) (any, error) {
	entries, err := ex.ReadDir(ctx, cephOSDDir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}

	osds := []string{}
	for _, entry := range entries {
		if cephOSDPattern.MatchString(entry) {
			osds = append(osds, entry)
		}
	}
	return osds, nil
}

// output runs command and returns its trimmed stdout.
func output(ctx context.Context, ex Executor, command string) (string, error) {
	stdout, _, _, err := ex.Run(ctx, command)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(stdout), nil
}

func bootDiskPersistentName(ctx context.Context, ex Executor) (any, error) {
	device, err := output(ctx, ex, "df --output=source "+bootMount+" | tail -1")
	if err != nil {
		return nil, err
	}
	if device == "" {
		return nil, nil
	}

	var cmd string
	if strings.Contains(device, "mpath") {
		cmd = fmt.Sprintf("find -L /dev/disk/by-id/dm-uuid* -samefile %s | tail -1", shellquote.Join(device))
	} else {
		cmd = fmt.Sprintf("find -L /dev/disk/by-path/ -samefile %s | tail -1", shellquote.Join(device))
	}

	name, err := output(ctx, ex, cmd)
	if err != nil {
		return nil, err
	}
	if name == "" {
		return nil, nil
	}
	return name, nil
}

// primaryDiskRotational reports the raw "0" or "1" read from sysfs for the
// whole disk backing /boot.
func primaryDiskRotational(ctx context.Context, ex Executor) (any, error) {
	device, err := output(ctx, ex,
		"df --output=source "+bootMount+" | tail -1 | sed 's/[0-9]*$//;s/p[0-9]*$//;s/-part[0-9]*$//'")
	if err != nil {
		return nil, err
	}
	if device == "" {
		return nil, nil
	}

	resolved, err := output(ctx, ex, "readlink -f "+shellquote.Join(device))
	if err != nil {
		return nil, err
	}
	if resolved == "" {
		resolved = device
	}

	data, err := ex.ReadFile(ctx, path.Join("/sys/block", path.Base(resolved), "queue", "rotational"))
	if err != nil {
		return nil, err
	}
	return strings.TrimSpace(string(data)), nil
}
