package constant

import "errors"

var (
	ErrDeviceNotFound     = errors.New("device not found")
	ErrRegisterNotFound   = errors.New("register not found")
	ErrRegisterReadOnly   = errors.New("register not writable")
	ErrRegisterWriteOnly  = errors.New("register not readable")
	ErrConstraintRejected = errors.New("value rejected by constraint")
	ErrOnOffUnsupported   = errors.New("device does not support on/off control")
	ErrDeviceOffline      = errors.New("device offline")
)

// Well-known register names.
const (
	RegOnOff         = "RW_ON_OFF"
	RegRun           = "RW_RUN"
	RegStartStop     = "RW_START_STOP"
	RegStart         = "RW_START"
	RegStop          = "RW_STOP"
	RegHz            = "RW_HZ"
	RegDO            = "RW_DO"
	RegReset         = "RW_RESET"
	RegCurrentIndex  = "SCALE_CurrentIndex"
	RegVoltageIndex  = "SCALE_VoltageIndex"
	RegEnergyIndex   = "SCALE_EnergyIndex"
	DefaultPriority  = 999
	ResetActiveCode  = 9
	ResetIdleCode    = 1
	InvalidU16       = 0xFFFF
	MaxRegsPerBulk   = 120
	ComposedOfLength = 3
)

// ControlRegisterCandidates is the fallback search order for a simple on/off register.
var ControlRegisterCandidates = []string{RegOnOff, RegRun, RegStartStop, RegStart, RegStop}

// OnOffDeviceTypes are device types assumed to support on/off when nothing is declared.
var OnOffDeviceTypes = []string{"inverter", "vfd", "inverter_vfd"}
