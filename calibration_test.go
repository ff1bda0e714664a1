package realtime

import (
	"bytes"
	"encoding/binary"
	"errors"
	"testing"
)

func TestParseCalibration(t *testing.T) {
	buf := &bytes.Buffer{}
	buf.WriteByte(2)
	buf.Write([]byte("abc123"))
	blocks := make([]float64, 3*33)
	blocks[0] = 891.25     // scene fx
	blocks[33] = 140.5     // right camera fx
	blocks[2*33+9+7] = 0.5 // left camera last distortion coefficient
	if err := binary.Write(buf, binary.LittleEndian, blocks); err != nil {
		t.Fatalf("build blob: %v", err)
	}

	c, err := ParseCalibration(buf.Bytes())
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if c.Version != 2 || c.Serial != "abc123" {
		t.Fatalf("unexpected header: %+v", c)
	}
	if c.Scene.Matrix[0] != 891.25 || c.Right.Matrix[0] != 140.5 {
		t.Fatalf("camera blocks misaligned: scene=%v right=%v", c.Scene.Matrix[0], c.Right.Matrix[0])
	}
	if c.Left.Distortion[7] != 0.5 {
		t.Fatalf("left distortion misaligned: %v", c.Left.Distortion)
	}
}

func TestParseCalibrationPaddedSerial(t *testing.T) {
	buf := &bytes.Buffer{}
	buf.WriteByte(1)
	buf.Write([]byte{'x', 'y', 0, 0, 0, 0})
	buf.Write(make([]byte, 3*33*8))

	c, err := ParseCalibration(buf.Bytes())
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if c.Serial != "xy" {
		t.Fatalf("serial padding kept: %q", c.Serial)
	}
}

func TestParseCalibrationTooShort(t *testing.T) {
	if _, err := ParseCalibration(make([]byte, 10)); !errors.Is(err, ErrProtocol) {
		t.Fatalf("expected ErrProtocol, got %v", err)
	}
}
