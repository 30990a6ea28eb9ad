// Package provider implements spec.md §6's endpoint publication
// contract: a running storage provider writes its connectable endpoint
// and pid atomically into a prefix directory as a {PROVIDER, PID} file
// pair; consumers read the pair back to dial in. File writes follow
// fs/mountfs.go's temp-file-then-os.Rename idiom for atomicity.
/*
 * Copyright (c) 2018-2020, NVIDIA CORPORATION. All rights reserved.
 */
package provider

import (
	"io/ioutil"
	"os"
	"path/filepath"
	"strconv"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/mcs-systems/mcs/cmn"
	"github.com/mcs-systems/mcs/wire"
)

const (
	providerFile = "PROVIDER"
	pidFile      = "PID"
)

// Descriptor is the self-contained, dialable endpoint a provider
// publishes. InstanceID is regenerated on every Publish call so a
// consumer that polls the prefix can tell a restarted provider (new
// pid behind the same address) apart from one that never went away.
type Descriptor struct {
	Address    cmn.Address
	InstanceID string
}

// Publish writes the {PROVIDER, PID} pair into prefix atomically: each
// file is written to a sibling temp name and renamed into place, so a
// concurrent reader never observes a partially written file.
func Publish(prefix string, addr cmn.Address) (Descriptor, error) {
	desc := Descriptor{Address: addr, InstanceID: uuid.New().String()}

	data, err := wire.Marshal(desc)
	if err != nil {
		return Descriptor{}, errors.Wrap(err, "provider: marshal descriptor")
	}
	if err := atomicWrite(filepath.Join(prefix, providerFile), data); err != nil {
		return Descriptor{}, err
	}
	if err := atomicWrite(filepath.Join(prefix, pidFile), []byte(strconv.Itoa(os.Getpid()))); err != nil {
		return Descriptor{}, err
	}
	return desc, nil
}

func atomicWrite(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := ioutil.WriteFile(tmp, data, 0600); err != nil {
		return errors.Wrapf(err, "provider: write %s", tmp)
	}
	if err := os.Rename(tmp, path); err != nil {
		return errors.Wrapf(err, "provider: rename %s into place", path)
	}
	return nil
}

// Published is what Discover reads back: the descriptor plus the pid
// the provider recorded at publish time.
type Published struct {
	Descriptor Descriptor
	PID        int
}

// Discover reads a previously published {PROVIDER, PID} pair. Both
// files must exist and parse; a missing or malformed file is a hard
// failure, mirroring spec.md §6's "persisted state layout" policy of
// never silently skipping unrecognized on-disk state.
func Discover(prefix string) (Published, error) {
	data, err := ioutil.ReadFile(filepath.Join(prefix, providerFile))
	if err != nil {
		return Published{}, errors.Wrap(err, "provider: read descriptor")
	}
	var desc Descriptor
	if err := wire.Unmarshal(data, &desc); err != nil {
		return Published{}, errors.Wrap(err, "provider: decode descriptor")
	}

	pidBytes, err := ioutil.ReadFile(filepath.Join(prefix, pidFile))
	if err != nil {
		return Published{}, errors.Wrap(err, "provider: read pid")
	}
	pid, err := strconv.Atoi(string(pidBytes))
	if err != nil {
		return Published{}, errors.Wrap(err, "provider: parse pid")
	}
	return Published{Descriptor: desc, PID: pid}, nil
}
