package safety

import (
	"fmt"

	"github.com/calcifer-iot/calcifer/internal/domain"
)

// Configuration keys on FIRE_SAFETY systems naming the interlocked pair.
const (
	ConfigFireDeviceId = "fireDeviceId"
	ConfigPumpDeviceId = "pumpDeviceId"
)

// HardcodedRules returns the interlocks that are compiled in and can never
// be disabled by configuration.
func HardcodedRules() []Rule {
	return []Rule{
		&FanSpeedLimitRule{},
		&InputCommandRule{},
	}
}

// SystemRules returns the system-level declarative-equivalent rules wired at
// startup.
func SystemRules() []Rule {
	return []Rule{
		&FirePumpInterlockRule{},
	}
}

// FanSpeedLimitRule clamps fan speeds into the hardware range [0,4]. An
// out-of-range override or intent is corrected, not refused, so the device
// still moves toward the operator's intent.
type FanSpeedLimitRule struct{}

func (r *FanSpeedLimitRule) Id() string                        { return "hardcoded.fan-speed-limit" }
func (r *FanSpeedLimitRule) Name() string                      { return "Fan speed limit" }
func (r *FanSpeedLimitRule) Category() domain.OverrideCategory { return domain.CategoryHardcodedSafety }
func (r *FanSpeedLimitRule) Priority() int                     { return 10 }

func (r *FanSpeedLimitRule) AppliesTo(sc Context) bool {
	_, ok := sc.ProposedValue.(domain.FanValue)
	return ok
}

func (r *FanSpeedLimitRule) Evaluate(sc Context) RuleResult {
	value := sc.ProposedValue.(domain.FanValue)
	if value.Speed > domain.FanMaxSpeed {
		return Modified(domain.FanValue{Speed: domain.FanMaxSpeed},
			fmt.Sprintf("fan speed %d clamped to maximum %d", value.Speed, domain.FanMaxSpeed))
	}
	if value.Speed < 0 {
		return Modified(domain.FanValue{Speed: 0},
			fmt.Sprintf("fan speed %d clamped to minimum 0", value.Speed))
	}
	return Accepted()
}

// InputCommandRule refuses any commanded value for INPUT devices; sensors
// are read-only.
type InputCommandRule struct{}

func (r *InputCommandRule) Id() string                        { return "hardcoded.input-no-command" }
func (r *InputCommandRule) Name() string                      { return "Input devices take no commands" }
func (r *InputCommandRule) Category() domain.OverrideCategory { return domain.CategoryHardcodedSafety }
func (r *InputCommandRule) Priority() int                     { return 0 }

func (r *InputCommandRule) AppliesTo(sc Context) bool {
	return sc.DeviceType.Capability() == domain.CapabilityInput
}

func (r *InputCommandRule) Evaluate(sc Context) RuleResult {
	return Refused(fmt.Sprintf("device %s is %s and cannot be commanded", sc.DeviceId, sc.DeviceType))
}

// FirePumpInterlockRule couples the fire circuit and its circulation pump
// inside a FIRE_SAFETY system:
//   - the fire relay must not switch off while the pump's desired state is on
//   - the pump is forced on while the fire relay's desired state is on
//
// The rule reads the sibling's Desired state, never Reported, so the
// decision does not depend on physical convergence.
type FirePumpInterlockRule struct{}

func (r *FirePumpInterlockRule) Id() string                        { return "system.fire-pump-interlock" }
func (r *FirePumpInterlockRule) Name() string                      { return "Fire-pump interlock" }
func (r *FirePumpInterlockRule) Category() domain.OverrideCategory { return domain.CategorySystemSafety }
func (r *FirePumpInterlockRule) Priority() int                     { return 10 }

func (r *FirePumpInterlockRule) AppliesTo(sc Context) bool {
	if sc.System == nil || sc.System.Type != domain.SystemTypeFireSafety {
		return false
	}
	id := sc.DeviceId.String()
	return id == sc.System.Configuration[ConfigFireDeviceId] || id == sc.System.Configuration[ConfigPumpDeviceId]
}

func (r *FirePumpInterlockRule) Evaluate(sc Context) RuleResult {
	proposed, ok := sc.ProposedValue.(domain.RelayValue)
	if !ok {
		return Accepted()
	}
	fireId := sc.System.Configuration[ConfigFireDeviceId]
	pumpId := sc.System.Configuration[ConfigPumpDeviceId]

	switch sc.DeviceId.String() {
	case fireId:
		if !proposed.On && siblingDesiredOn(sc, pumpId) {
			return Refused(fmt.Sprintf("fire relay cannot switch off while pump %s is commanded on", pumpId))
		}
	case pumpId:
		if !proposed.On && siblingDesiredOn(sc, fireId) {
			return Modified(domain.RelayValue{On: true},
				fmt.Sprintf("pump forced on while fire relay %s is commanded on", fireId))
		}
	}
	return Accepted()
}

func siblingDesiredOn(sc Context, siblingId string) bool {
	snapshot, ok := sc.RelatedDeviceStates[siblingId]
	if !ok || snapshot.Desired == nil {
		return false
	}
	relay, ok := snapshot.Desired.Value.(domain.RelayValue)
	return ok && relay.On
}
