// This file is part of compute-pcrs
// SPDX-License-Identifier: MIT

// computepcrs precomputes the expected TPM PCR 4, 7, 11 and 14 values for a
// Linux boot configuration, and optionally cross-combines two candidate
// configurations into the set of PCR outcomes their update could produce.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/spf13/afero"

	"github.com/siosm/compute-pcrs/pcrs"
	"github.com/siosm/compute-pcrs/rootfs"
	"github.com/siosm/compute-pcrs/tpmevents"
	"github.com/siosm/compute-pcrs/tpmevents/combine"
	"github.com/siosm/compute-pcrs/tpmevents/compute"
)

// config holds one candidate boot configuration's artifact locations, as
// either a single rootfs path or an explicit ESP/efivars/MOK/UKI set.
type config struct {
	rootfsPath  string
	espPath     string
	efivarsPath string
	mokVarsPath string
	ukiPath     string
}

func main() {
	var (
		rootfsPath  = flag.String("rootfs", "", "root filesystem to locate the ESP and kernels under")
		espPath     = flag.String("esp", "", "ESP path, overriding the one resolved from -rootfs")
		efivarsPath = flag.String("efivars", "", "directory of <var>-<guid> EFI variable dumps")
		mokVarsPath = flag.String("mok-vars", "", "directory holding MokListRT, MokListXRT, MokListTrustedRT")
		ukiPath     = flag.String("uki", "", "path to a Unified Kernel Image, for PCR 11")
		secureboot  = flag.Bool("secureboot", false, "whether Secure Boot is enabled on this boot")
		isUki       = flag.Bool("is-uki", false, "whether this boot is a Unified Kernel Image boot")
		pcrList     = flag.String("pcrs", "4,7,11,14", "comma-separated list of PCRs to compute")
		combineWith = flag.String("combine-with", "", "a second -rootfs-style path to cross-combine against")
	)
	flag.Parse()

	fs := afero.NewOsFs()

	a := config{
		rootfsPath:  *rootfsPath,
		espPath:     *espPath,
		efivarsPath: *efivarsPath,
		mokVarsPath: *mokVarsPath,
		ukiPath:     *ukiPath,
	}

	pcrSet, err := parsePCRSet(*pcrList)
	if err != nil {
		log.Print(err)
		os.Exit(1)
	}

	eventsA, err := collectEvents(fs, a, pcrSet, *secureboot, *isUki)
	if err != nil {
		log.Print(err)
		os.Exit(1)
	}

	if *combineWith == "" {
		result, err := pcrs.FoldMulti(eventsA)
		if err != nil {
			log.Print(err)
			os.Exit(1)
		}
		printJSON(result)
		return
	}

	b := a
	b.rootfsPath = *combineWith
	b.espPath = ""

	eventsB, err := collectEvents(fs, b, pcrSet, *secureboot, *isUki)
	if err != nil {
		log.Print(err)
		os.Exit(1)
	}

	result, err := combine.Combine(eventsA, eventsB)
	if err != nil {
		log.Print(err)
		os.Exit(1)
	}
	printJSON(result)
}

// parsePCRSet turns a comma-separated PCR list into a membership set,
// rejecting anything outside the four PCRs this repository models.
func parsePCRSet(list string) (map[int]bool, error) {
	set := make(map[int]bool)
	for _, field := range splitNonEmpty(list, ',') {
		var n int
		if _, err := fmt.Sscanf(field, "%d", &n); err != nil {
			return nil, fmt.Errorf("computepcrs: invalid -pcrs entry %q: %w", field, err)
		}
		switch n {
		case 4, 7, 11, 14:
			set[n] = true
		default:
			return nil, fmt.Errorf("computepcrs: unsupported pcr %d (want 4, 7, 11 or 14)", n)
		}
	}
	if len(set) == 0 {
		return nil, fmt.Errorf("computepcrs: -pcrs must name at least one of 4, 7, 11, 14")
	}
	return set, nil
}

func splitNonEmpty(s string, sep rune) []string {
	var fields []string
	start := 0
	for i, r := range s {
		if r == sep {
			if i > start {
				fields = append(fields, s[start:i])
			}
			start = i + 1
		}
	}
	if start < len(s) {
		fields = append(fields, s[start:])
	}
	return fields
}

// collectEvents resolves c's artifact paths (falling back to -rootfs
// resolution where an explicit override is absent) and runs every producer
// named in pcrSet, in PCR order.
func collectEvents(fs afero.Fs, c config, pcrSet map[int]bool, secureboot, isUki bool) ([]tpmevents.TPMEvent, error) {
	espPath := c.espPath
	kernelsDir := ""

	if c.rootfsPath != "" {
		tree, err := rootfs.New(fs, c.rootfsPath)
		if err != nil {
			return nil, err
		}
		if espPath == "" {
			espPath = tree.ESP()
		}
		kernelsDir = tree.Kernels()
	}

	var events []tpmevents.TPMEvent

	if pcrSet[4] {
		if espPath == "" {
			return nil, fmt.Errorf("computepcrs: pcr 4 requires -esp or -rootfs")
		}
		pcr4, err := compute.PCR4Events(fs, kernelsDir, espPath, isUki, secureboot)
		if err != nil {
			return nil, err
		}
		events = append(events, pcr4...)
	}

	if pcrSet[7] {
		if espPath == "" {
			return nil, fmt.Errorf("computepcrs: pcr 7 requires -esp or -rootfs")
		}
		pcr7, err := compute.PCR7Events(fs, c.efivarsPath, espPath, secureboot)
		if err != nil {
			return nil, err
		}
		events = append(events, pcr7...)
	}

	if pcrSet[11] {
		if c.ukiPath == "" {
			return nil, fmt.Errorf("computepcrs: pcr 11 requires -uki")
		}
		pcr11, err := compute.PCR11Events(fs, c.ukiPath)
		if err != nil {
			return nil, err
		}
		events = append(events, pcr11...)
	}

	if pcrSet[14] {
		if c.mokVarsPath == "" {
			return nil, fmt.Errorf("computepcrs: pcr 14 requires -mok-vars")
		}
		pcr14, err := compute.PCR14Events(fs, c.mokVarsPath)
		if err != nil {
			return nil, err
		}
		events = append(events, pcr14...)
	}

	return events, nil
}

func printJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	if err := enc.Encode(v); err != nil {
		log.Print(err)
		os.Exit(1)
	}
}
