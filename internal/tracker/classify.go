// Package tracker classifies fleet bots into actionable buckets and lists
// them from the task-execution service.
package tracker

import (
	"log"
	"sort"

	"github.com/fleetlab/fleetadmin/internal/swarming"
)

// AuditTask identifies one hardware-verification check. Each kind carries its
// own eligibility and exclusion rules.
type AuditTask string

const (
	AuditTaskServoUSBKey AuditTask = "servo-usb-key"
	AuditTaskDUTStorage  AuditTask = "dut-storage"
	AuditTaskRPMConfig   AuditTask = "rpm-config"
)

// Actions returns the verify actions executed by this audit kind.
func (t AuditTask) Actions() []string {
	switch t {
	case AuditTaskServoUSBKey:
		return []string{"verify-servo-usb-drive"}
	case AuditTaskDUTStorage:
		return []string{"verify-dut-storage"}
	case AuditTaskRPMConfig:
		return []string{"verify-rpm-config"}
	}
	return nil
}

// TaskName returns the readable name used in task tags and tracking paths.
func (t AuditTask) TaskName() string {
	switch t {
	case AuditTaskServoUSBKey:
		return "USB-drive"
	case AuditTaskDUTStorage:
		return "Storage"
	case AuditTaskRPMConfig:
		return "RPM Config"
	}
	return string(t)
}

// DutStates returns the dut_state eligibility table for this audit kind.
// Storage and RPM audits exclude bots already in the repair-escalation states.
func (t AuditTask) DutStates() map[swarming.DutState]bool {
	states := map[swarming.DutState]bool{
		swarming.DutStateReady:             true,
		swarming.DutStateNeedsRepair:       true,
		swarming.DutStateNeedsReset:        true,
		swarming.DutStateRepairFailed:      true,
		swarming.DutStateNeedsManualRepair: true,
		swarming.DutStateNeedsReplacement:  false,
		swarming.DutStateNeedsDeploy:       false,
	}
	switch t {
	case AuditTaskDUTStorage, AuditTaskRPMConfig:
		states[swarming.DutStateRepairFailed] = false
		states[swarming.DutStateNeedsManualRepair] = false
	}
	return states
}

// needReplacement is the hardware-state marker excluding a component from
// further audits.
const needReplacement = "NEED_REPLACEMENT"

// rpmStateUnknown marks an RPM config that has never been audited.
const rpmStateUnknown = "UNKNOWN"

var dutStatesForRepairTask = map[swarming.DutState]bool{
	swarming.DutStateNeedsRepair:       true,
	swarming.DutStateRepairFailed:      true,
	swarming.DutStateNeedsManualRepair: true,
}

var dutStatesForResetTask = map[swarming.DutState]bool{
	swarming.DutStateNeedsReset: true,
}

// IdentifyBotsForRepair returns the IDs of non-labstation bots whose state
// calls for an admin repair task. One bad record never aborts the pass.
func IdentifyBotsForRepair(bots []swarming.BotInfo) []string {
	return identifyNonLabstationBots(bots, dutStatesForRepairTask)
}

// IdentifyBotsForReset returns the IDs of non-labstation bots that need an
// admin reset task.
func IdentifyBotsForReset(bots []swarming.BotInfo) []string {
	return identifyNonLabstationBots(bots, dutStatesForResetTask)
}

func identifyNonLabstationBots(bots []swarming.BotInfo, states map[swarming.DutState]bool) []string {
	ids := make([]string, 0, len(bots))
	for _, b := range bots {
		dims := swarming.DimensionsMap(b.Dimensions)
		os, err := swarming.ExtractSingleValuedDimension(dims, swarming.DutOSDimensionKey)
		// Some bots, e.g. scheduling units, carry no os dimension; that is
		// not an error here.
		if err == nil && os == swarming.OSTypeLabstation {
			continue
		}
		id, err := swarming.ExtractSingleValuedDimension(dims, swarming.BotIDDimensionKey)
		if err != nil {
			log.Printf("[tracker] failed to obtain bot id for bot %q: %v", b.BotID, err)
			continue
		}
		if states[swarming.GetStateDimension(dims)] {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// IdentifyBotsForAudit returns the IDs of non-labstation bots eligible for
// the given audit kind, excluding bots whose hardware state markers show the
// component is already known-bad or already verified.
func IdentifyBotsForAudit(bots []swarming.BotInfo, task AuditTask) []string {
	states := task.DutStates()
	ids := make([]string, 0, len(bots))
	for _, b := range bots {
		dims := swarming.DimensionsMap(b.Dimensions)
		os, err := swarming.ExtractSingleValuedDimension(dims, swarming.DutOSDimensionKey)
		if err == nil && os == swarming.OSTypeLabstation {
			continue
		}
		id, err := swarming.ExtractSingleValuedDimension(dims, swarming.BotIDDimensionKey)
		if err != nil {
			log.Printf("[tracker] failed to obtain bot id for bot %q: %v", b.BotID, err)
			continue
		}
		switch task {
		case AuditTaskServoUSBKey:
			// USB keys are re-verified even when marked for replacement, to
			// shake out flaky verdicts.
		case AuditTaskDUTStorage:
			state := swarming.ExtractBotState(b).StorageState
			if len(state) > 0 && state[0] == needReplacement {
				log.Printf("[tracker] skipping bot %q: storage marked for replacement", b.BotID)
				continue
			}
		case AuditTaskRPMConfig:
			state := swarming.ExtractBotState(b).RpmState
			if len(state) > 0 && state[0] != rpmStateUnknown {
				log.Printf("[tracker] skipping bot %q: RPM already audited", b.BotID)
				continue
			}
		}
		if states[swarming.GetStateDimension(dims)] {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// IdentifyLabstationsForRepair returns the IDs of labstation bots from an
// idle-labstation listing. Bots without a readable os type are skipped with a
// warning.
func IdentifyLabstationsForRepair(bots []swarming.BotInfo) []string {
	ids := make([]string, 0, len(bots))
	for _, b := range bots {
		dims := swarming.DimensionsMap(b.Dimensions)
		os, err := swarming.ExtractSingleValuedDimension(dims, swarming.DutOSDimensionKey)
		if err != nil {
			log.Printf("[tracker] failed to obtain os type for bot %q: %v", b.BotID, err)
			continue
		}
		if os != swarming.OSTypeLabstation {
			continue
		}
		id, err := swarming.ExtractSingleValuedDimension(dims, swarming.BotIDDimensionKey)
		if err != nil {
			log.Printf("[tracker] failed to obtain bot id for bot %q: %v", b.BotID, err)
			continue
		}
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
