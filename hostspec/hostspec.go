// Package hostspec parses the compact host descriptor strings that describe
// an instance and its attached disks, networks, and sysctl profiles, e.g.
//
//	m5.xlarge[region=us-east-1&zone=us-east-1a]:Disks;number=2;size=100;type=gp3&Networks;number=1
//
// The descriptor is split into an instance part and zero or more groups
// separated by '&'. Within a group, fields are ';'-separated k=v pairs.
package hostspec

import (
	"fmt"
	"strconv"
	"strings"
)

// DiskSpec's Type stays empty when the descriptor does not name one; each
// provider fills in its own default.
type DiskSpec struct {
	Count      int
	SizeGB     int
	Type       string
	Iops       int
	Throughput int
}

type NetworkSpec struct {
	Count int
	Type  string
}

type SysctlSpec struct {
	Profiles []string
}

// HostDescriptor is the parsed form of a host_config string.
type HostDescriptor struct {
	InstanceType string
	Region       string
	Zone         string
	Disks        []DiskSpec
	Networks     []NetworkSpec
	Sysctl       []SysctlSpec
}

type ParseError struct {
	Descriptor string
	Offending  string
	Reason     string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("malformed host descriptor %q: %s at %q", e.Descriptor, e.Reason, e.Offending)
}

// Parse parses a full host descriptor string. Unknown group keys are
// ignored; numeric fields must parse as non-negative integers.
func Parse(descriptor string) (*HostDescriptor, error) {
	if descriptor == "" {
		return nil, &ParseError{Descriptor: descriptor, Offending: "", Reason: "empty descriptor"}
	}

	instancePart := descriptor
	groupPart := ""
	if i := strings.Index(descriptor, ":"); i >= 0 {
		instancePart = descriptor[:i]
		groupPart = descriptor[i+1:]
	}

	hd := &HostDescriptor{}
	err := parseInstance(hd, descriptor, instancePart)
	if err != nil {
		return nil, err
	}

	if groupPart == "" {
		return hd, nil
	}

	for _, group := range strings.Split(groupPart, "&") {
		err := parseGroup(hd, descriptor, group)
		if err != nil {
			return nil, err
		}
	}
	return hd, nil
}

func parseInstance(hd *HostDescriptor, descriptor, instancePart string) error {
	open := strings.Index(instancePart, "[")
	if open < 0 {
		if instancePart == "" {
			return &ParseError{Descriptor: descriptor, Offending: instancePart, Reason: "missing instance type"}
		}
		hd.InstanceType = instancePart
		return nil
	}

	if !strings.HasSuffix(instancePart, "]") {
		return &ParseError{Descriptor: descriptor, Offending: instancePart, Reason: "unterminated placement block"}
	}
	hd.InstanceType = instancePart[:open]
	if hd.InstanceType == "" {
		return &ParseError{Descriptor: descriptor, Offending: instancePart, Reason: "missing instance type"}
	}

	placement := instancePart[open+1 : len(instancePart)-1]
	for _, kv := range strings.Split(placement, "&") {
		k, v, ok := strings.Cut(kv, "=")
		if !ok {
			return &ParseError{Descriptor: descriptor, Offending: kv, Reason: "placement entry is not k=v"}
		}
		switch k {
		case "region":
			hd.Region = v
		case "zone":
			hd.Zone = v
		}
	}
	return nil
}

func parseGroup(hd *HostDescriptor, descriptor, group string) error {
	fields := strings.Split(group, ";")
	name := fields[0]
	kvs := map[string]string{}
	var bare []string
	for _, f := range fields[1:] {
		if f == "" {
			continue
		}
		k, v, ok := strings.Cut(f, "=")
		if !ok {
			bare = append(bare, f)
			continue
		}
		kvs[k] = v
	}

	switch name {
	case "Disks":
		return parseDisks(hd, descriptor, kvs)
	case "Networks":
		return parseNetworks(hd, descriptor, kvs)
	case "Sysctl_settings":
		hd.Sysctl = append(hd.Sysctl, SysctlSpec{Profiles: bare})
		return nil
	default:
		return &ParseError{Descriptor: descriptor, Offending: name, Reason: "unknown group"}
	}
}

func parseDisks(hd *HostDescriptor, descriptor string, kvs map[string]string) error {
	spec := DiskSpec{}
	for k, v := range kvs {
		switch k {
		case "number":
			n, err := nonNegInt(descriptor, k, v)
			if err != nil {
				return err
			}
			spec.Count = n
		case "size":
			n, err := nonNegInt(descriptor, k, v)
			if err != nil {
				return err
			}
			spec.SizeGB = n
		case "iops":
			n, err := nonNegInt(descriptor, k, v)
			if err != nil {
				return err
			}
			spec.Iops = n
		case "throughput":
			n, err := nonNegInt(descriptor, k, v)
			if err != nil {
				return err
			}
			spec.Throughput = n
		case "type":
			spec.Type = v
		}
	}
	// number=0 means no extra disks and must not emit a disk entry
	if spec.Count == 0 {
		return nil
	}
	hd.Disks = append(hd.Disks, spec)
	return nil
}

func parseNetworks(hd *HostDescriptor, descriptor string, kvs map[string]string) error {
	spec := NetworkSpec{}
	for k, v := range kvs {
		switch k {
		case "number":
			n, err := nonNegInt(descriptor, k, v)
			if err != nil {
				return err
			}
			spec.Count = n
		case "type":
			spec.Type = v
		}
	}
	if spec.Count == 0 {
		return nil
	}
	hd.Networks = append(hd.Networks, spec)
	return nil
}

func nonNegInt(descriptor, key, value string) (int, error) {
	n, err := strconv.Atoi(value)
	if err != nil {
		return 0, &ParseError{Descriptor: descriptor, Offending: key + "=" + value, Reason: "not an integer"}
	}
	if n < 0 {
		return 0, &ParseError{Descriptor: descriptor, Offending: key + "=" + value, Reason: "negative value"}
	}
	return n, nil
}
