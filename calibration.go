package realtime

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// CameraModel is one camera's intrinsic calibration.
type CameraModel struct {
	Matrix     [9]float64 // 3x3 row-major camera matrix
	Distortion [8]float64 // distortion coefficients
	Extrinsics [16]float64
}

// Calibration is the factory calibration blob served by the device.
type Calibration struct {
	Version uint8
	Serial  string
	Scene   CameraModel
	Right   CameraModel
	Left    CameraModel
}

const calibrationSize = 1 + 6 + 3*(9+8+16)*8

// ParseCalibration decodes the device's binary calibration record:
// a version byte, a 6-byte module serial, then scene, right and left
// camera blocks of little-endian float64s (3x3 matrix, 8 distortion
// coefficients, 4x4 extrinsics each).
func ParseCalibration(raw []byte) (*Calibration, error) {
	if len(raw) < calibrationSize {
		return nil, fmt.Errorf("%w: calibration blob is %d bytes, want at least %d",
			ErrProtocol, len(raw), calibrationSize)
	}
	r := bytes.NewReader(raw)
	c := &Calibration{}
	if err := binary.Read(r, binary.LittleEndian, &c.Version); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProtocol, err)
	}
	var serial [6]byte
	if err := binary.Read(r, binary.LittleEndian, &serial); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProtocol, err)
	}
	c.Serial = string(bytes.TrimRight(serial[:], "\x00"))
	for _, cam := range []*CameraModel{&c.Scene, &c.Right, &c.Left} {
		if err := binary.Read(r, binary.LittleEndian, &cam.Matrix); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrProtocol, err)
		}
		if err := binary.Read(r, binary.LittleEndian, &cam.Distortion); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrProtocol, err)
		}
		if err := binary.Read(r, binary.LittleEndian, &cam.Extrinsics); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrProtocol, err)
		}
	}
	return c, nil
}
