package motor

import (
	"fmt"
	"strings"
)

// Field names one value within a motor record. Field values are indices into
// Frame.Values.
type Field int

const (
	FieldMode Field = iota
	FieldIndex
	FieldTorque
	FieldPosition
	FieldVelocity
	FieldPosDes
	FieldVelDes
	FieldKp
	FieldKd
	FieldFeedforward
	FieldError
	FieldTemperature
	FieldMosTemperature
)

// fieldNames are the plot names, which also form the second half of a plot key.
var fieldNames = [FieldCount]string{
	"Mode",
	"Index",
	"Torque",
	"Pos",
	"Vel",
	"Pos_des",
	"Vel_des",
	"Kp",
	"Kd",
	"FF",
	"Error",
	"Temperature",
	"Mos Temperature",
}

var fieldAliases = map[string]Field{
	"position":        FieldPosition,
	"velocity":        FieldVelocity,
	"tau":             FieldTorque,
	"feedforward":     FieldFeedforward,
	"temp":            FieldTemperature,
	"mos_temperature": FieldMosTemperature,
	"mostemperature":  FieldMosTemperature,
}

// String returns the field's plot name.
func (f Field) String() string {
	if f < 0 || int(f) >= FieldCount {
		return fmt.Sprintf("Field(%d)", int(f))
	}
	return fieldNames[f]
}

// Valid reports whether f names a record field.
func (f Field) Valid() bool {
	return f >= 0 && int(f) < FieldCount
}

// ParseField resolves a field by plot name (case-insensitive) or alias.
func ParseField(name string) (Field, error) {
	n := strings.TrimSpace(name)
	for i, fn := range fieldNames {
		if strings.EqualFold(fn, n) {
			return Field(i), nil
		}
	}
	if f, ok := fieldAliases[strings.ToLower(n)]; ok {
		return f, nil
	}
	return 0, fmt.Errorf("unknown motor field %q", name)
}

// ParseFields resolves a list of field names, rejecting duplicates.
func ParseFields(names []string) ([]Field, error) {
	seen := make(map[Field]bool, len(names))
	fields := make([]Field, 0, len(names))
	for _, n := range names {
		f, err := ParseField(n)
		if err != nil {
			return nil, err
		}
		if seen[f] {
			return nil, fmt.Errorf("duplicate motor field %q", n)
		}
		seen[f] = true
		fields = append(fields, f)
	}
	return fields, nil
}

// DefaultFields are the fields plotted when none are configured.
func DefaultFields() []Field {
	return []Field{
		FieldPosition,
		FieldVelocity,
		FieldTorque,
		FieldError,
		FieldTemperature,
		FieldMosTemperature,
	}
}

// AllFields returns every record field in wire order.
func AllFields() []Field {
	fields := make([]Field, FieldCount)
	for i := range fields {
		fields[i] = Field(i)
	}
	return fields
}

// IndexOf returns the position of want in fields, or -1.
func IndexOf(fields []Field, want Field) int {
	for i, f := range fields {
		if f == want {
			return i
		}
	}
	return -1
}

// Project extracts the listed fields from f, in the order given.
func Project(f Frame, fields []Field) []float64 {
	all := f.Values()
	out := make([]float64, len(fields))
	for i, field := range fields {
		if field.Valid() {
			out[i] = all[field]
		}
	}
	return out
}

// PlotKey returns the series key for a 0-based motor index, e.g. "Motor1/Pos".
func PlotKey(motorIdx int, f Field) string {
	return fmt.Sprintf("Motor%d/%s", motorIdx+1, f)
}

// PlotKeys returns the key grid [motor][field] for a session.
func PlotKeys(motorCount int, fields []Field) [][]string {
	keys := make([][]string, motorCount)
	for m := range keys {
		keys[m] = make([]string, len(fields))
		for i, f := range fields {
			keys[m][i] = PlotKey(m, f)
		}
	}
	return keys
}

// PlotKeysFlat returns PlotKeys flattened in [motor][field] order.
func PlotKeysFlat(motorCount int, fields []Field) []string {
	keys := make([]string, 0, motorCount*len(fields))
	for _, row := range PlotKeys(motorCount, fields) {
		keys = append(keys, row...)
	}
	return keys
}
