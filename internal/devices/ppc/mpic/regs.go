package mpic

// Register offsets relative to the controller base. All registers are 32 bits
// wide and sit on 16-byte boundaries.
const (
	regFeatureReport  = 0x1000
	regGlobalConfig   = 0x1020
	regVendorIntType  = 0x1040
	regVendorID       = 0x1080
	regProcessorInit  = 0x1090
	regIPIVP0         = 0x10a0 // IPI 0-3 vector/priority at 0x10a0, 0x10b0, 0x10c0, 0x10d0
	regSpuriousVector = 0x10e0
	regTimerFrequency = 0x10f0

	sourceBase       = 0x10000
	sourceStride     = 0x20
	sourceDestOffset = 0x10

	// cpuAliasBase exposes the per-CPU block of CPU 0 at the bottom of the
	// window.
	cpuAliasBase = 0x0
	cpuBase      = 0x20000
	cpuStride    = 0x1000

	cpuIPIDispatch0 = 0x40 // 0x40, 0x50, 0x60, 0x70
	cpuTaskPriority = 0x80
	cpuWhoAmI       = 0x90
	cpuAckNonCrit   = 0xa0
	cpuEOINonCrit   = 0xb0
	cpuAckCrit      = 0xc0
	cpuEOICrit      = 0xd0
	cpuAckMcheck    = 0xe0
	cpuEOIMcheck    = 0xf0

	// RegisterWindowSize is the size of the MMIO window.
	RegisterWindowSize = 0x40000
)

const (
	featureVersion = 0x02
	vendorID       = 0x00000014

	gcrReset       = 1 << 31
	gcrNot8259Mode = 1 << 0

	vitCritMask        = 0x1f
	vitMcheckShift     = 8
	borderMask         = 0x1f
	spuriousVectorMask = 0xff
	taskPriorityMask   = 0xf
)

// Vector/priority word layout.
const (
	vpMasked        = 1 << 31
	vpActivity      = 1 << 30
	vpPolarity      = 1 << 23
	vpSenseLevel    = 1 << 22
	vpPriorityShift = 16
	vpPriorityMask  = 0xf
	vpVectorMask    = 0xff

	destMask = 1<<MaxCPU - 1
)

// ipiDispatchSource is marked pending by every IPI dispatch register,
// whichever of the four is written.
const ipiDispatchSource = IPISourceBase

type regKind int

const (
	regUnmapped regKind = iota
	regKindFeatureReport
	regKindGlobalConfig
	regKindVendorIntType
	regKindVendorID
	regKindProcessorInit
	regKindSpuriousVector
	regKindTimerFrequency
	regKindSourceVP
	regKindSourceDest
	regKindIPIDispatch
	regKindTaskPriority
	regKindWhoAmI
	regKindAck
	regKindEOI
)

// register is a decoded register address.
type register struct {
	kind   regKind
	source uint32
	cpu    int
	tier   Tier
}

// perCPU reports whether the register belongs to a CPU block.
func (r register) perCPU() bool {
	switch r.kind {
	case regKindIPIDispatch, regKindTaskPriority, regKindWhoAmI, regKindAck, regKindEOI:
		return true
	}
	return false
}

// decode maps an offset inside the register window to a register. cpus is the
// number of CPU blocks that exist.
func decode(offset uint64, cpus int) register {
	if offset&0xf != 0 || offset >= RegisterWindowSize {
		return register{kind: regUnmapped}
	}

	switch {
	case offset < 0x100:
		return decodeCPU(offset-cpuAliasBase, 0)
	case offset >= 0x1000 && offset < 0x1100:
		return decodeGlobal(offset)
	case offset >= sourceBase && offset < sourceBase+NumSources*sourceStride:
		rel := offset - sourceBase
		r := register{kind: regKindSourceVP, source: uint32(rel / sourceStride)}
		switch rel % sourceStride {
		case 0:
		case sourceDestOffset:
			r.kind = regKindSourceDest
		default:
			return register{kind: regUnmapped}
		}
		return r
	case offset >= cpuBase && offset < cpuBase+uint64(cpus)*cpuStride:
		rel := offset - cpuBase
		return decodeCPU(rel%cpuStride, int(rel/cpuStride))
	}
	return register{kind: regUnmapped}
}

func decodeGlobal(offset uint64) register {
	switch offset {
	case regFeatureReport:
		return register{kind: regKindFeatureReport}
	case regGlobalConfig:
		return register{kind: regKindGlobalConfig}
	case regVendorIntType:
		return register{kind: regKindVendorIntType}
	case regVendorID:
		return register{kind: regKindVendorID}
	case regProcessorInit:
		return register{kind: regKindProcessorInit}
	case regIPIVP0, regIPIVP0 + 0x10, regIPIVP0 + 0x20, regIPIVP0 + 0x30:
		return register{kind: regKindSourceVP, source: IPISourceBase + uint32((offset-regIPIVP0)/0x10)}
	case regSpuriousVector:
		return register{kind: regKindSpuriousVector}
	case regTimerFrequency:
		return register{kind: regKindTimerFrequency}
	}
	return register{kind: regUnmapped}
}

func decodeCPU(off uint64, cpu int) register {
	r := register{cpu: cpu}
	switch off {
	case cpuIPIDispatch0, cpuIPIDispatch0 + 0x10, cpuIPIDispatch0 + 0x20, cpuIPIDispatch0 + 0x30:
		r.kind = regKindIPIDispatch
		r.source = ipiDispatchSource
	case cpuTaskPriority:
		r.kind = regKindTaskPriority
	case cpuWhoAmI:
		r.kind = regKindWhoAmI
	case cpuAckNonCrit:
		r.kind, r.tier = regKindAck, TierNonCritical
	case cpuAckCrit:
		r.kind, r.tier = regKindAck, TierCritical
	case cpuAckMcheck:
		r.kind, r.tier = regKindAck, TierMachineCheck
	case cpuEOINonCrit:
		r.kind, r.tier = regKindEOI, TierNonCritical
	case cpuEOICrit:
		r.kind, r.tier = regKindEOI, TierCritical
	case cpuEOIMcheck:
		r.kind, r.tier = regKindEOI, TierMachineCheck
	default:
		r.kind = regUnmapped
	}
	return r
}

// SourceVPOffset returns the offset of the vector/priority word of a source.
func SourceVPOffset(id uint32) uint64 {
	return sourceBase + uint64(id)*sourceStride
}

// SourceDestOffset returns the offset of the destination word of a source.
func SourceDestOffset(id uint32) uint64 {
	return SourceVPOffset(id) + sourceDestOffset
}

// CPUOffset returns the offset of a per-CPU register such as task priority.
func CPUOffset(cpu int, reg uint64) uint64 {
	return cpuBase + uint64(cpu)*cpuStride + reg
}

// Exported per-CPU register offsets for use with CPUOffset.
const (
	TaskPriorityRegister = cpuTaskPriority
	WhoAmIRegister       = cpuWhoAmI
	IPIDispatchRegister  = cpuIPIDispatch0
)

// AckOffset returns the acknowledge register of a tier on a CPU.
func AckOffset(cpu int, tier Tier) uint64 {
	return CPUOffset(cpu, cpuAckNonCrit+uint64(tier)*0x20)
}

// EOIOffset returns the end-of-interrupt register of a tier on a CPU.
func EOIOffset(cpu int, tier Tier) uint64 {
	return CPUOffset(cpu, cpuEOINonCrit+uint64(tier)*0x20)
}

// Exported global register offsets.
const (
	FeatureReportRegister  = regFeatureReport
	GlobalConfigRegister   = regGlobalConfig
	VendorIntTypeRegister  = regVendorIntType
	SpuriousVectorRegister = regSpuriousVector
	GlobalConfigReset      = gcrReset
)

// EncodeVP packs the vector/priority word of a source.
func EncodeVP(s InterruptSource) uint32 {
	v := uint32(s.Vector) | uint32(s.Priority&vpPriorityMask)<<vpPriorityShift
	if s.Sense == SenseLevel {
		v |= vpSenseLevel
	}
	if s.Polarity {
		v |= vpPolarity
	}
	if s.Activity {
		v |= vpActivity
	}
	if s.Masked {
		v |= vpMasked
	}
	return v
}

// DecodeVP unpacks the writable fields of a vector/priority word.
func DecodeVP(v uint32) (vector, priority uint8, sense Sense, polarity, masked bool) {
	vector = uint8(v & vpVectorMask)
	priority = uint8(v>>vpPriorityShift) & vpPriorityMask
	if v&vpSenseLevel != 0 {
		sense = SenseLevel
	}
	polarity = v&vpPolarity != 0
	masked = v&vpMasked != 0
	return
}

// EncodeVendorIntType packs the tier borders.
func EncodeVendorIntType(crit, mcheck uint8) uint32 {
	return uint32(crit&borderMask) | uint32(mcheck&borderMask)<<vitMcheckShift
}

func featureReport() uint32 {
	return uint32(NumSources-1)<<16 | uint32(MaxCPU-1)<<8 | featureVersion
}

// readLocked performs the read side of a register access. The second result
// is true when the read had side effects on cpu state.
func (m *MPIC) readLocked(r register) (uint32, bool) {
	switch r.kind {
	case regKindFeatureReport:
		return featureReport(), false
	case regKindGlobalConfig:
		if m.global.PassThrough8259 {
			return 0, false
		}
		return gcrNot8259Mode, false
	case regKindVendorIntType:
		return EncodeVendorIntType(m.global.CritBorder, m.global.McheckBorder), false
	case regKindVendorID:
		return vendorID, false
	case regKindSpuriousVector:
		return uint32(m.global.SpuriousVector), false
	case regKindTimerFrequency:
		return m.global.TimerFrequency, false
	case regKindSourceVP:
		return EncodeVP(*m.sources.at(r.source)), false
	case regKindSourceDest:
		return uint32(m.sources.at(r.source).Destination), false
	case regKindTaskPriority:
		return uint32(m.cpus[r.cpu].taskPriority), false
	case regKindWhoAmI:
		return uint32(r.cpu), false
	case regKindAck:
		return uint32(m.acknowledgeLocked(r.cpu, r.tier)), true
	}
	// Processor init, IPI dispatch, EOI and unmapped registers read as zero.
	return 0, false
}

// writeLocked performs the write side of a register access. It returns the
// source retired by an EOI, or idle.
func (m *MPIC) writeLocked(r register, value uint32) int {
	switch r.kind {
	case regKindGlobalConfig:
		if value&gcrReset != 0 {
			m.resetLocked()
			return idle
		}
		m.global.PassThrough8259 = value&gcrNot8259Mode == 0
	case regKindVendorIntType:
		m.global.CritBorder = uint8(value & vitCritMask)
		m.global.McheckBorder = uint8(value>>vitMcheckShift) & borderMask
	case regKindSpuriousVector:
		m.global.SpuriousVector = uint8(value & spuriousVectorMask)
	case regKindTimerFrequency:
		m.global.TimerFrequency = value
	case regKindSourceVP:
		vector, priority, sense, polarity, masked := DecodeVP(value)
		_ = m.sources.ConfigureVP(r.source, vector, priority, sense, polarity, masked)
	case regKindSourceDest:
		_ = m.sources.ConfigureDestination(r.source, uint8(value&destMask))
	case regKindIPIDispatch:
		m.sources.at(r.source).Pending = true
	case regKindTaskPriority:
		m.cpus[r.cpu].taskPriority = uint8(value & taskPriorityMask)
	case regKindEOI:
		return m.eoiLocked(r.cpu, r.tier)
	}
	// Feature report, vendor id, who-am-i, acknowledge and processor init
	// are read-only or have no modelled effect.
	return idle
}
