package lvm

import (
	"fmt"
	"path/filepath"
	"strings"
)

// Volume identifies a logical volume as <group>/<name>.
type Volume struct {
	Group string
	Name  string
}

func (v Volume) String() string { return v.Group + "/" + v.Name }

// DevicePath is the udev path of the volume, /dev/<group>/<name>.
func (v Volume) DevicePath() string { return "/dev/" + v.Group + "/" + v.Name }

// ParseVolume parses "<group>/<name>".
func ParseVolume(s string) (Volume, error) {
	group, name, ok := strings.Cut(s, "/")
	if !ok || group == "" || name == "" || strings.Contains(name, "/") {
		return Volume{}, fmt.Errorf("invalid logical volume %q, expected <group>/<name>", s)
	}
	return Volume{Group: group, Name: name}, nil
}

// VolumeFromDevice converts a block device path into its logical volume.
//
// Two forms are accepted. /dev/<group>/<name> is taken literally.
// /dev/mapper/<mapped> inverts the device-mapper naming, where the group and
// name are joined by a single dash and dashes inside either part are doubled:
// "my--vg-data--lv" is my-vg/data-lv.
func VolumeFromDevice(dev string) (Volume, error) {
	dev = filepath.Clean(dev)
	if dir := filepath.Dir(dev); dir != "/dev/mapper" {
		parts := strings.Split(strings.TrimPrefix(dev, "/dev/"), "/")
		if strings.HasPrefix(dev, "/dev/") && len(parts) == 2 && parts[0] != "" && parts[1] != "" {
			return Volume{Group: parts[0], Name: parts[1]}, nil
		}
		return Volume{}, fmt.Errorf("device %s is not a logical volume", dev)
	}
	return volumeFromMapperName(filepath.Base(dev))
}

func volumeFromMapperName(mapped string) (Volume, error) {
	var group, name strings.Builder
	cur := &group
	split := false
	for i := 0; i < len(mapped); i++ {
		c := mapped[i]
		if c != '-' {
			cur.WriteByte(c)
			continue
		}
		if i+1 < len(mapped) && mapped[i+1] == '-' {
			cur.WriteByte('-')
			i++
			continue
		}
		if split {
			// A second separator means an internal device such as
			// <vg>-<lv>-real or a thin pool component.
			return Volume{}, fmt.Errorf("device-mapper name %q is not a plain logical volume", mapped)
		}
		split = true
		cur = &name
	}
	if !split || group.Len() == 0 || name.Len() == 0 {
		return Volume{}, fmt.Errorf("device-mapper name %q is not a logical volume", mapped)
	}
	return Volume{Group: group.String(), Name: name.String()}, nil
}
