// Package motor decodes the fixed-layout per-motor telemetry record carried in
// each UDP datagram and maps motor error codes to human-readable text.
//
// A datagram is a packed array of records, one per motor, with no framing,
// sequence numbers or checksums. Every record is thirteen float64 values in
// the sender's native byte order.
package motor

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"unsafe"
)

// FieldCount is the number of float64 values in one motor record.
const FieldCount = 13

// RecordSize is the size in bytes of one motor record on the wire.
const RecordSize = FieldCount * 8

// DefaultMotorCount is the number of records per datagram in the reference
// deployment.
const DefaultMotorCount = 13

// MaxMotorCount bounds the motor count so a datagram fits in one UDP payload.
const MaxMotorCount = 65507 / RecordSize

var (
	// ErrRecordSize is returned when a record slice is not exactly RecordSize bytes.
	ErrRecordSize = errors.New("motor record size mismatch")
	// ErrDatagramSize is returned when a datagram is not motorCount*RecordSize bytes.
	ErrDatagramSize = errors.New("datagram size mismatch")
)

// Frame is one motor's raw record, with fields in wire order.
type Frame struct {
	Mode           float64
	Index          float64
	Torque         float64 // N·m
	Position       float64 // rad
	Velocity       float64 // rad/s
	PosDes         float64 // rad
	VelDes         float64 // rad/s
	Kp             float64
	Kd             float64
	Feedforward    float64 // N·m
	Error          float64
	Temperature    float64
	MosTemperature float64
}

// Fails to compile unless Frame is exactly RecordSize bytes.
var _ = [1]struct{}{}[unsafe.Sizeof(Frame{})-RecordSize]

// Values returns the record's fields in wire order.
func (f Frame) Values() [FieldCount]float64 {
	return [FieldCount]float64{
		f.Mode, f.Index,
		f.Torque, f.Position, f.Velocity,
		f.PosDes, f.VelDes, f.Kp, f.Kd, f.Feedforward,
		f.Error, f.Temperature, f.MosTemperature,
	}
}

// FrameFromValues builds a Frame from values in wire order.
func FrameFromValues(v [FieldCount]float64) Frame {
	return Frame{
		Mode:           v[0],
		Index:          v[1],
		Torque:         v[2],
		Position:       v[3],
		Velocity:       v[4],
		PosDes:         v[5],
		VelDes:         v[6],
		Kp:             v[7],
		Kd:             v[8],
		Feedforward:    v[9],
		Error:          v[10],
		Temperature:    v[11],
		MosTemperature: v[12],
	}
}

// ErrorCode returns the frame's error field as an integer code.
func (f Frame) ErrorCode() int {
	return ErrorCode(f.Error)
}

// HasError reports whether the frame carries a non-zero error code.
func (f Frame) HasError() bool {
	return f.ErrorCode() != 0
}

// AnyError reports whether any motor in the datagram carries an error.
func AnyError(frames []Frame) bool {
	for _, f := range frames {
		if f.HasError() {
			return true
		}
	}
	return false
}

// DecodeRecord decodes exactly one RecordSize-byte record.
func DecodeRecord(b []byte) (Frame, error) {
	if len(b) != RecordSize {
		return Frame{}, fmt.Errorf("%w: got %d bytes, want %d", ErrRecordSize, len(b), RecordSize)
	}
	var v [FieldCount]float64
	for i := range v {
		v[i] = math.Float64frombits(binary.NativeEndian.Uint64(b[i*8:]))
	}
	return FrameFromValues(v), nil
}

// DecodeDatagram splits a datagram into motorCount records. The payload must
// be exactly motorCount*RecordSize bytes; anything else is rejected whole.
func DecodeDatagram(b []byte, motorCount int) ([]Frame, error) {
	want := motorCount * RecordSize
	if motorCount <= 0 || len(b) != want {
		return nil, fmt.Errorf("%w: got %d bytes, want %d (%d motors)", ErrDatagramSize, len(b), want, motorCount)
	}
	frames := make([]Frame, motorCount)
	for i := range frames {
		f, err := DecodeRecord(b[i*RecordSize : (i+1)*RecordSize])
		if err != nil {
			return nil, err
		}
		frames[i] = f
	}
	return frames, nil
}

// AppendRecord appends the wire encoding of f to dst.
func AppendRecord(dst []byte, f Frame) []byte {
	for _, v := range f.Values() {
		dst = binary.NativeEndian.AppendUint64(dst, math.Float64bits(v))
	}
	return dst
}

// EncodeDatagram encodes frames the way a sender lays them out on the wire.
func EncodeDatagram(frames []Frame) []byte {
	b := make([]byte, 0, len(frames)*RecordSize)
	for _, f := range frames {
		b = AppendRecord(b, f)
	}
	return b
}
