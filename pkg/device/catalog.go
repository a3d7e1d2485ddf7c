package device

import (
	"encoding/binary"
	"maps"
	"math"
	"slices"
)

type registerKind uint8

const (
	inputRegister registerKind = iota
	holdingRegister
)

// register is one IEEE 754 float32 value spread over two 16 bit registers.
type register struct {
	Address uint16
	Kind    registerKind
}

// Eastron SDM630, three phase.
var sdm630Registers = map[string]register{
	"voltage_l1":          {Address: 0x0000},
	"voltage_l2":          {Address: 0x0002},
	"voltage_l3":          {Address: 0x0004},
	"current_l1":          {Address: 0x0006},
	"current_l2":          {Address: 0x0008},
	"current_l3":          {Address: 0x000A},
	"power_l1":            {Address: 0x000C},
	"power_l2":            {Address: 0x000E},
	"power_l3":            {Address: 0x0010},
	"power_factor_l1":     {Address: 0x001E},
	"power_factor_l2":     {Address: 0x0020},
	"power_factor_l3":     {Address: 0x0022},
	"power_total":         {Address: 0x0034},
	"power_factor_total":  {Address: 0x003E},
	"frequency":           {Address: 0x0046},
	"energy_import":       {Address: 0x0048},
	"energy_export":       {Address: 0x004A},
	"current_neutral":     {Address: 0x00E0},
	"energy_total":        {Address: 0x0156},
	"energy_import_l1":    {Address: 0x015A},
	"energy_import_l2":    {Address: 0x015C},
	"energy_import_l3":    {Address: 0x015E},
	"voltage_thd_average": {Address: 0x00F8},
}

// Eastron SDM120, single phase.
var sdm120Registers = map[string]register{
	"voltage":       {Address: 0x0000},
	"current":       {Address: 0x0006},
	"power":         {Address: 0x000C},
	"power_factor":  {Address: 0x001E},
	"frequency":     {Address: 0x0046},
	"energy_import": {Address: 0x0048},
	"energy_export": {Address: 0x004A},
	"energy_total":  {Address: 0x0156},
}

func catalogKeys(catalog map[string]register) []string {
	return slices.Sorted(maps.Keys(catalog))
}

// decodeFloat32 reads a big endian float32. NaN and infinities yield false.
func decodeFloat32(raw []byte) (float64, bool) {
	if len(raw) < 4 {
		return 0, false
	}
	v := float64(math.Float32frombits(binary.BigEndian.Uint32(raw[:4])))
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, false
	}
	return v, true
}
